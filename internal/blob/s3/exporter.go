package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// journalPageSize bounds each journal query while dumping a run.
const journalPageSize = 500

// Exporter writes end-of-run artifacts to object storage: the session
// report as a JSON document and, when a journal is configured, the full
// trade log as JSONL. Domain types carry no JSON tags, so the archive
// shapes are pinned here.
type Exporter struct {
	writer  domain.BlobWriter
	journal domain.TradeJournal
	logger  *slog.Logger
}

// NewExporter creates an Exporter. journal may be nil when persistence is
// disabled; ExportJournal then reports an error instead of writing an
// empty file.
func NewExporter(writer domain.BlobWriter, journal domain.TradeJournal, logger *slog.Logger) *Exporter {
	return &Exporter{
		writer:  writer,
		journal: journal,
		logger:  logger.With(slog.String("component", "blob_exporter")),
	}
}

// Export uploads the session report to reports/<mode>/<run_id>.json and
// returns the object path.
func (e *Exporter) Export(ctx context.Context, report domain.SessionReport) (string, error) {
	doc, err := json.MarshalIndent(reportToDoc(report), "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report %s: %w", report.RunID, err)
	}

	path := fmt.Sprintf("reports/%s/%s.json", report.Mode, report.RunID)
	if err := e.writer.Put(ctx, path, bytes.NewReader(doc), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: export report %s: %w", report.RunID, err)
	}

	e.logger.Info("session report exported",
		slog.String("run_id", report.RunID),
		slog.String("path", path))
	return path, nil
}

// ExportScenario uploads a replay scenario report. The document is caller
// shaped; replay reports carry scenario fields a live session does not.
func (e *Exporter) ExportScenario(ctx context.Context, runID string, doc any) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal scenario report %s: %w", runID, err)
	}

	path := fmt.Sprintf("reports/replay/%s.json", runID)
	if err := e.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: export scenario report %s: %w", runID, err)
	}

	e.logger.Info("scenario report exported",
		slog.String("run_id", runID),
		slog.String("path", path))
	return path, nil
}

// ExportJournal dumps every journal record for the run to
// journals/<run_id>.jsonl, one record per line in execution order, and
// returns the object path together with the record count.
func (e *Exporter) ExportJournal(ctx context.Context, runID string) (string, int, error) {
	if e.journal == nil {
		return "", 0, fmt.Errorf("s3blob: export journal %s: no journal configured", runID)
	}

	var recs []domain.TradeRecord
	for offset := 0; ; offset += journalPageSize {
		page, err := e.journal.ListByRun(ctx, runID, domain.ListOpts{
			Limit:  journalPageSize,
			Offset: offset,
		})
		if err != nil {
			return "", 0, fmt.Errorf("s3blob: export journal %s: %w", runID, err)
		}
		recs = append(recs, page...)
		if len(page) < journalPageSize {
			break
		}
	}

	// Queries return newest first; the dump reads oldest to newest.
	docs := make([]tradeDoc, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		docs = append(docs, tradeToDoc(recs[i]))
	}

	data, err := marshalJSONL(docs)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: encode journal %s: %w", runID, err)
	}

	path := fmt.Sprintf("journals/%s.jsonl", runID)
	if err := e.writer.PutMultipart(ctx, path, bytes.NewReader(data), "application/x-ndjson", 0); err != nil {
		return "", 0, fmt.Errorf("s3blob: export journal %s: %w", runID, err)
	}

	e.logger.Info("trade journal exported",
		slog.String("run_id", runID),
		slog.String("path", path),
		slog.Int("records", len(docs)))
	return path, len(docs), nil
}

// marshalJSONL encodes records as newline-delimited JSON, one compact
// line per element.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.ArtifactExporter = (*Exporter)(nil)

// Archive document shapes.

type reportDoc struct {
	RunID      string        `json:"run_id"`
	Mode       string        `json:"mode"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	StartCash  float64       `json:"start_cash"`
	FinalCash  float64       `json:"final_cash"`
	Trades     int64         `json:"trades"`
	Stats      statsDoc      `json:"stats"`
	Positions  []positionDoc `json:"positions,omitempty"`
}

type statsDoc struct {
	LatencyMs         float64 `json:"latency_ms"`
	Fills             int64   `json:"fills"`
	Rejections        int64   `json:"rejections"`
	PartialFills      int64   `json:"partial_fills"`
	FilledVolume      float64 `json:"filled_volume"`
	TotalSlippageCost float64 `json:"total_slippage_cost"`
	TheoreticalCost   float64 `json:"theoretical_cost"`
	ActualCost        float64 `json:"actual_cost"`
	AvgSlippagePct    float64 `json:"avg_slippage_pct"`
	WorstSlippagePct  float64 `json:"worst_slippage_pct"`
	FillRatePct       float64 `json:"fill_rate_pct"`
	PartialRatePct    float64 `json:"partial_rate_pct"`
	PnLImpact         float64 `json:"pnl_impact"`
}

type positionDoc struct {
	MarketID     string  `json:"market_id"`
	QtyUp        float64 `json:"qty_up"`
	QtyDown      float64 `json:"qty_down"`
	CostUp       float64 `json:"cost_up"`
	CostDown     float64 `json:"cost_down"`
	PairCost     float64 `json:"pair_cost,omitempty"`
	PairComplete bool    `json:"pair_complete"`
	LockedProfit float64 `json:"locked_profit"`
	RealizedPnL  float64 `json:"realized_pnl"`
	Cash         float64 `json:"cash"`
	SpentBudget  float64 `json:"spent_budget"`
}

type tradeDoc struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	MarketID     string    `json:"market_id"`
	Side         string    `json:"side"`
	Action       string    `json:"action"`
	RequestedQty float64   `json:"requested_qty"`
	FilledQty    float64   `json:"filled_qty"`
	DesiredPrice float64   `json:"desired_price"`
	FillPrice    float64   `json:"fill_price"`
	TotalCost    float64   `json:"total_cost"`
	Fee          float64   `json:"fee"`
	SlippagePct  float64   `json:"slippage_pct"`
	Partial      bool      `json:"partial,omitempty"`
	Rejected     bool      `json:"rejected,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CashAfter    float64   `json:"cash_after"`
	Source       string    `json:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func reportToDoc(report domain.SessionReport) reportDoc {
	doc := reportDoc{
		RunID:      report.RunID,
		Mode:       report.Mode,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		StartCash:  report.StartCash,
		FinalCash:  report.FinalCash,
		Trades:     report.Trades,
		Stats: statsDoc{
			LatencyMs:         report.Stats.LatencyMs,
			Fills:             report.Stats.Fills,
			Rejections:        report.Stats.Rejections,
			PartialFills:      report.Stats.PartialFills,
			FilledVolume:      report.Stats.FilledVolume,
			TotalSlippageCost: report.Stats.TotalSlippageCost,
			TheoreticalCost:   report.Stats.TheoreticalCost,
			ActualCost:        report.Stats.ActualCost,
			AvgSlippagePct:    report.Stats.AvgSlippagePct,
			WorstSlippagePct:  report.Stats.WorstSlippagePct,
			FillRatePct:       report.Stats.FillRatePct,
			PartialRatePct:    report.Stats.PartialRatePct,
			PnLImpact:         report.Stats.PnLImpact,
		},
	}
	for _, snap := range report.Positions {
		doc.Positions = append(doc.Positions, positionDoc{
			MarketID:     snap.MarketID,
			QtyUp:        snap.QtyUp,
			QtyDown:      snap.QtyDown,
			CostUp:       snap.CostUp,
			CostDown:     snap.CostDown,
			PairCost:     snap.PairCost,
			PairComplete: snap.PairComplete,
			LockedProfit: snap.LockedProfit,
			RealizedPnL:  snap.RealizedPnL,
			Cash:         snap.Cash,
			SpentBudget:  snap.SpentBudget,
		})
	}
	return doc
}

func tradeToDoc(rec domain.TradeRecord) tradeDoc {
	return tradeDoc{
		ID:           rec.ID,
		RunID:        rec.RunID,
		MarketID:     rec.MarketID,
		Side:         string(rec.Side),
		Action:       string(rec.Action),
		RequestedQty: rec.RequestedQty,
		FilledQty:    rec.FilledQty,
		DesiredPrice: rec.DesiredPrice,
		FillPrice:    rec.FillPrice,
		TotalCost:    rec.TotalCost,
		Fee:          rec.Fee,
		SlippagePct:  rec.SlippagePct,
		Partial:      rec.Partial,
		Rejected:     rec.Rejected,
		Reason:       rec.Reason,
		CashAfter:    rec.CashAfter,
		Source:       rec.Source,
		CreatedAt:    rec.CreatedAt,
	}
}
