package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfeltner/polysim/internal/domain"
)

// TradeJournal implements domain.TradeJournal using PostgreSQL.
//
// Rows are keyed by the record's uuid, so re-appending the same record
// (retried batches, replayed flushes) is a no-op rather than a duplicate.
type TradeJournal struct {
	pool *pgxpool.Pool
}

// NewTradeJournal creates a TradeJournal backed by the given connection pool.
func NewTradeJournal(pool *pgxpool.Pool) *TradeJournal {
	return &TradeJournal{pool: pool}
}

const journalCols = `id, run_id, market_id, side, action, requested_qty,
	filled_qty, desired_price, fill_price, total_cost, fee, slippage_pct,
	partial, rejected, reason, cash_after, source, created_at`

const journalInsert = `
	INSERT INTO trade_journal (` + journalCols + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9,
		$10, $11, $12, $13, $14, $15, $16, $17, $18
	) ON CONFLICT (id) DO NOTHING`

func journalArgs(rec domain.TradeRecord) []any {
	return []any{
		rec.ID, rec.RunID, rec.MarketID, string(rec.Side), string(rec.Action),
		rec.RequestedQty, rec.FilledQty, rec.DesiredPrice, rec.FillPrice,
		rec.TotalCost, rec.Fee, rec.SlippagePct, rec.Partial, rec.Rejected,
		rec.Reason, rec.CashAfter, rec.Source, rec.CreatedAt,
	}
}

func scanRecordRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var recs []domain.TradeRecord
	for rows.Next() {
		var (
			rec          domain.TradeRecord
			side, action string
		)
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.MarketID, &side, &action,
			&rec.RequestedQty, &rec.FilledQty, &rec.DesiredPrice, &rec.FillPrice,
			&rec.TotalCost, &rec.Fee, &rec.SlippagePct, &rec.Partial, &rec.Rejected,
			&rec.Reason, &rec.CashAfter, &rec.Source, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Side = domain.Side(side)
		rec.Action = domain.TradeAction(action)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Append inserts a single journal record.
func (j *TradeJournal) Append(ctx context.Context, rec domain.TradeRecord) error {
	if _, err := j.pool.Exec(ctx, journalInsert, journalArgs(rec)...); err != nil {
		return fmt.Errorf("postgres: append trade %s: %w", rec.ID, err)
	}
	return nil
}

// AppendBatch inserts multiple records in one round trip using pgx Batch.
func (j *TradeJournal) AppendBatch(ctx context.Context, recs []domain.TradeRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(journalInsert, journalArgs(rec)...)
	}

	br := j.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: append trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByRun returns journal records for a run, newest first, with pagination
// and optional time filtering.
func (j *TradeJournal) ListByRun(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + journalCols + ` FROM trade_journal WHERE run_id = $1`
	args := []any{runID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for run %s: %w", runID, err)
	}
	defer rows.Close()

	recs, err := scanRecordRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for run %s: %w", runID, err)
	}
	return recs, nil
}

// CountByRun returns the number of journal rows recorded for a run.
func (j *TradeJournal) CountByRun(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := j.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trade_journal WHERE run_id = $1", runID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count trades for run %s: %w", runID, err)
	}
	return count, nil
}

var _ domain.TradeJournal = (*TradeJournal)(nil)
