// Package broker turns trade signals into simulated executions. It owns a
// runner per market (simulator, ledger, guard, latest books) and runs the
// settlement pipeline for each signal: reserve guard, fill simulation,
// ledger application, capital pool settlement, then telemetry and journal.
//
// Guard-then-settle runs under a single broker-wide lock so a reserve check
// can never go stale against a concurrent debit from another market. The
// pipeline is pure computation; holding one lock across it costs
// microseconds and buys the atomicity the shared pool needs.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/capital"
	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/guard"
	"github.com/mfeltner/polysim/internal/ledger"
	"github.com/mfeltner/polysim/internal/sim"
	"github.com/mfeltner/polysim/internal/telemetry"
)

// Journal is the subset of the trade journal the broker writes. Append
// failures are logged and dropped; persistence is analytics, not execution.
type Journal interface {
	Append(ctx context.Context, rec domain.TradeRecord) error
}

// Config carries the per-market tunables every runner starts from.
type Config struct {
	RunID string
	Guard guard.Config
	Sim   sim.Config
}

// Broker routes signals to per-market runners and serializes the
// guard-then-settle pipeline across all of them.
type Broker struct {
	mu      sync.RWMutex
	runners map[string]*runner

	execMu sync.Mutex

	cfg     Config
	pool    *capital.Pool
	sink    telemetry.Sink
	journal Journal
	logger  *slog.Logger

	now func() time.Time
}

// runner is the single-market execution state. Books are replaced whole by
// the feed router; everything else is owned by the pipeline under execMu.
type runner struct {
	marketID string
	sim      *sim.Simulator
	led      *ledger.Ledger
	grd      *guard.Guard

	bookMu sync.RWMutex
	books  map[domain.Side]domain.BookSnapshot
}

// New creates a Broker drawing cash from pool. sink may be nil for silent
// operation; journal may be nil when persistence is disabled.
func New(cfg Config, pool *capital.Pool, snk telemetry.Sink, journal Journal, logger *slog.Logger) *Broker {
	if snk == nil {
		snk = telemetry.NopSink{}
	}
	return &Broker{
		runners: make(map[string]*runner),
		cfg:     cfg,
		pool:    pool,
		sink:    snk,
		journal: journal,
		logger:  logger.With(slog.String("component", "broker")),
		now:     time.Now,
	}
}

// runnerFor returns the market's runner, creating it on first use.
func (b *Broker) runnerFor(marketID string) *runner {
	b.mu.RLock()
	r, ok := b.runners[marketID]
	b.mu.RUnlock()
	if ok {
		return r
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok = b.runners[marketID]; ok {
		return r
	}
	r = &runner{
		marketID: marketID,
		sim:      sim.New(b.cfg.Sim),
		led:      ledger.New(marketID, b.pool),
		grd:      guard.New(b.cfg.Guard),
		books:    make(map[domain.Side]domain.BookSnapshot),
	}
	b.runners[marketID] = r
	b.logger.Debug("runner created", slog.String("market", marketID))
	return r
}

// MarketIDs lists every market a runner exists for, sorted.
func (b *Broker) MarketIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.runners))
	for id := range b.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateBook replaces the stored snapshot for one side of a market.
func (b *Broker) UpdateBook(marketID string, side domain.Side, snap domain.BookSnapshot) {
	r := b.runnerFor(marketID)
	r.bookMu.Lock()
	r.books[side] = snap
	r.bookMu.Unlock()
}

// Book returns the latest snapshot for one side of a market.
func (b *Broker) Book(marketID string, side domain.Side) (domain.BookSnapshot, bool) {
	b.mu.RLock()
	r, ok := b.runners[marketID]
	b.mu.RUnlock()
	if !ok {
		return domain.BookSnapshot{}, false
	}
	return r.book(side)
}

func (r *runner) book(side domain.Side) (domain.BookSnapshot, bool) {
	r.bookMu.RLock()
	defer r.bookMu.RUnlock()
	snap, ok := r.books[side]
	return snap, ok
}

// opposingHint is the best ask on the other side of the pair, or 0 when no
// book is known. The guard treats 0 as "no quote".
func (r *runner) opposingHint(side domain.Side) float64 {
	snap, ok := r.book(side.Opposite())
	if !ok {
		return 0
	}
	return snap.Metrics().BestAsk
}

// Execute runs one signal through the pipeline and returns the fill result.
// Rejections return both the diagnostic result and a sentinel error; partial
// fills are success.
func (b *Broker) Execute(ctx context.Context, sig domain.TradeSignal) (domain.FillResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.FillResult{}, err
	}
	if !sig.Side.Valid() {
		return domain.FillResult{}, fmt.Errorf("broker: execute %s: side %q: %w",
			sig.MarketID, sig.Side, domain.ErrInvalidSide)
	}

	r := b.runnerFor(sig.MarketID)

	b.execMu.Lock()
	defer b.execMu.Unlock()

	if _, done := r.led.Resolved(); done {
		return domain.FillResult{}, fmt.Errorf("broker: execute %s: %w", sig.MarketID, domain.ErrMarketClosed)
	}

	book, ok := r.book(sig.Side)
	if !ok {
		return domain.FillResult{}, fmt.Errorf("broker: execute %s %s: no book snapshot: %w",
			sig.MarketID, sig.Side, domain.ErrNoLiquidity)
	}

	if sig.Action == domain.TradeActionSell {
		return b.executeSell(ctx, r, sig, book)
	}
	return b.executeBuy(ctx, r, sig, book)
}

func (b *Broker) executeBuy(ctx context.Context, r *runner, sig domain.TradeSignal, book domain.BookSnapshot) (domain.FillResult, error) {
	intent := sig.Intent()
	acct := guard.Account{
		Position: r.led.Position(),
		Cash:     b.pool.Balance(),
		Spent:    r.led.Spent(),
	}
	hint := r.opposingHint(sig.Side)

	if ok, reason := r.grd.ReserveOK(acct, sig.Side, intent.DesiredPrice, intent.DesiredQty, hint); !ok {
		capped := r.grd.CapQtyToReserve(acct, sig.Side, intent.DesiredPrice, intent.DesiredQty, hint)
		if capped <= 0 {
			b.sink.ReserveDenied(ctx, telemetry.ReserveDenial{
				MarketID: sig.MarketID,
				Side:     sig.Side,
				Price:    intent.DesiredPrice,
				Qty:      intent.DesiredQty,
				Reason:   reason,
			})
			b.append(ctx, b.rejectionRecord(sig, intent.DesiredQty, reason))
			return domain.FillResult{}, fmt.Errorf("broker: execute %s %s: %s: %w",
				sig.MarketID, sig.Side, reason, domain.ErrReserveViolation)
		}
		b.logger.Info("quantity capped by hedge reserve",
			slog.String("market", sig.MarketID),
			slog.String("side", string(sig.Side)),
			slog.Float64("desired_qty", intent.DesiredQty),
			slog.Float64("capped_qty", capped),
		)
		intent.DesiredQty = capped
	}

	res, err := r.sim.SimulateBuy(intent, book)
	if err != nil {
		b.sink.Rejection(ctx, sig.MarketID, res)
		b.append(ctx, b.resultRecord(sig, res))
		return res, err
	}

	if err := r.led.ApplyFill(res); err != nil {
		// The guard approved but the pool refused. Under execMu this means
		// guard config and pool state disagree; surface it loudly.
		b.sink.Alert(ctx, telemetry.Alert{
			Severity: telemetry.SeverityCritical,
			Title:    "settlement failed after approved fill",
			Message:  err.Error(),
		})
		return res, err
	}

	b.sink.Fill(ctx, sig.MarketID, res)
	b.sink.CashMove(ctx, telemetry.CashMove{
		MarketID: sig.MarketID,
		Kind:     telemetry.CashDebit,
		Amount:   res.TotalCost,
		Balance:  b.pool.Balance(),
	})
	b.sink.Position(ctx, r.led.Snapshot())
	b.append(ctx, b.resultRecord(sig, res))
	return res, nil
}

func (b *Broker) executeSell(ctx context.Context, r *runner, sig domain.TradeSignal, book domain.BookSnapshot) (domain.FillResult, error) {
	intent := sig.Intent()
	held := r.led.Position().Qty(sig.Side)
	if held <= 0 {
		return domain.FillResult{}, fmt.Errorf("broker: execute %s %s: no position to sell: %w",
			sig.MarketID, sig.Side, domain.ErrInsufficientFill)
	}
	if intent.DesiredQty > held {
		intent.DesiredQty = held
	}

	res, err := r.sim.SimulateSell(intent, book)
	if err != nil {
		b.sink.Rejection(ctx, sig.MarketID, res)
		b.append(ctx, b.resultRecord(sig, res))
		return res, err
	}

	if err := r.led.ApplySell(res); err != nil {
		b.sink.Alert(ctx, telemetry.Alert{
			Severity: telemetry.SeverityCritical,
			Title:    "sell settlement failed",
			Message:  err.Error(),
		})
		return res, err
	}

	b.sink.Fill(ctx, sig.MarketID, res)
	b.sink.CashMove(ctx, telemetry.CashMove{
		MarketID: sig.MarketID,
		Kind:     telemetry.CashCredit,
		Amount:   res.TotalCost,
		Balance:  b.pool.Balance(),
	})
	b.sink.Position(ctx, r.led.Snapshot())
	b.append(ctx, b.resultRecord(sig, res))
	return res, nil
}

// Resolve settles a market at the given outcome and returns the final PnL.
func (b *Broker) Resolve(ctx context.Context, marketID string, outcome domain.Side) (float64, error) {
	r := b.runnerFor(marketID)

	b.execMu.Lock()
	defer b.execMu.Unlock()

	pnl, err := r.led.Resolve(outcome)
	if err != nil {
		return 0, err
	}

	payout := r.led.Position().Qty(outcome)
	b.sink.CashMove(ctx, telemetry.CashMove{
		MarketID: marketID,
		Kind:     telemetry.CashPayout,
		Amount:   payout,
		Balance:  b.pool.Balance(),
	})
	b.sink.Position(ctx, r.led.Snapshot())
	b.logger.Info("market resolved",
		slog.String("market", marketID),
		slog.String("outcome", string(outcome)),
		slog.Float64("payout", payout),
		slog.Float64("pnl", pnl),
	)
	return pnl, nil
}

// ResetMarket reopens a market's ledger for the next cycle. Slippage stats
// stay; they are session-scoped.
func (b *Broker) ResetMarket(marketID string) {
	b.mu.RLock()
	r, ok := b.runners[marketID]
	b.mu.RUnlock()
	if ok {
		r.led.Reset()
	}
}

// CheckFillability probes the current book without touching stats or decay.
func (b *Broker) CheckFillability(marketID string, side domain.Side, price, qty float64) domain.FillabilityReport {
	r := b.runnerFor(marketID)
	book, _ := r.book(side)
	return r.sim.CheckFillability(domain.TradeIntent{
		Side:         side,
		DesiredPrice: price,
		DesiredQty:   qty,
	}, book)
}

// Stats returns the slippage aggregate for one market. It takes the
// pipeline lock so the tunables echoed in the snapshot are never read while
// SetTunables is writing them.
func (b *Broker) Stats(marketID string) (domain.SlippageStats, bool) {
	b.mu.RLock()
	r, ok := b.runners[marketID]
	b.mu.RUnlock()
	if !ok {
		return domain.SlippageStats{}, false
	}

	b.execMu.Lock()
	defer b.execMu.Unlock()
	return r.sim.Stats(), true
}

// AggregateStats merges every market's slippage aggregate into one
// session-wide snapshot. Derived rates are recomputed from the merged
// counters; the per-market recent-event logs are not carried over.
func (b *Broker) AggregateStats() domain.SlippageStats {
	total := domain.SlippageStats{BySide: make(map[domain.Side]domain.SideStats)}
	for _, id := range b.MarketIDs() {
		st, ok := b.Stats(id)
		if !ok {
			continue
		}
		total.LatencyMs = st.LatencyMs
		total.Fills += st.Fills
		total.Rejections += st.Rejections
		total.PartialFills += st.PartialFills
		total.FilledVolume += st.FilledVolume
		total.TotalSlippageCost += st.TotalSlippageCost
		total.TheoreticalCost += st.TheoreticalCost
		total.ActualCost += st.ActualCost
		if abs(st.WorstSlippagePct) > abs(total.WorstSlippagePct) {
			total.WorstSlippagePct = st.WorstSlippagePct
		}
		for side, s := range st.BySide {
			acc := total.BySide[side]
			acc.Fills += s.Fills
			acc.Rejections += s.Rejections
			acc.PartialFills += s.PartialFills
			acc.Volume += s.Volume
			acc.SlippageCost += s.SlippageCost
			total.BySide[side] = acc
		}
	}

	total.PnLImpact = -total.TotalSlippageCost
	if total.Fills > 0 && total.TheoreticalCost > 0 {
		total.AvgSlippagePct = (total.ActualCost - total.TheoreticalCost) / total.TheoreticalCost * 100
	}
	if n := total.Fills + total.Rejections; n > 0 {
		total.FillRatePct = float64(total.Fills) / float64(n) * 100
	}
	if total.Fills > 0 {
		total.PartialRatePct = float64(total.PartialFills) / float64(total.Fills) * 100
	}
	return total
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ResetStats clears the slippage aggregates on every runner.
func (b *Broker) ResetStats() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.runners {
		r.sim.ResetStats()
	}
}

// PositionSnapshot returns the financial snapshot for one market.
func (b *Broker) PositionSnapshot(marketID string) (domain.PositionSnapshot, bool) {
	b.mu.RLock()
	r, ok := b.runners[marketID]
	b.mu.RUnlock()
	if !ok {
		return domain.PositionSnapshot{}, false
	}
	return r.led.Snapshot(), true
}

// Snapshots returns every market's snapshot, sorted by market ID.
func (b *Broker) Snapshots() []domain.PositionSnapshot {
	ids := b.MarketIDs()
	out := make([]domain.PositionSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := b.PositionSnapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// EmitStats publishes a stats snapshot for every market through the sink.
func (b *Broker) EmitStats(ctx context.Context) {
	for _, id := range b.MarketIDs() {
		if st, ok := b.Stats(id); ok {
			b.sink.Stats(ctx, id, st)
		}
	}
}

// SetTunables applies hot-reloaded latency and slippage settings to every
// runner. Non-positive values leave the current setting in place. The base
// config is updated too, so runners created for markets discovered later
// start from the reloaded values.
func (b *Broker) SetTunables(latencyMs, maxSlippagePct float64) {
	b.execMu.Lock()
	defer b.execMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if latencyMs > 0 {
		b.cfg.Sim.LatencyMs = latencyMs
	}
	if maxSlippagePct > 0 {
		b.cfg.Sim.MaxSlippagePct = maxSlippagePct
	}
	for _, r := range b.runners {
		r.sim.SetTunables(latencyMs, maxSlippagePct)
	}
	b.logger.Info("tunables updated",
		slog.Float64("latency_ms", latencyMs),
		slog.Float64("max_slippage_pct", maxSlippagePct),
	)
}

// Pool exposes the shared capital pool for reporting.
func (b *Broker) Pool() *capital.Pool { return b.pool }

// append writes a journal record, logging and dropping on failure.
func (b *Broker) append(ctx context.Context, rec domain.TradeRecord) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Append(ctx, rec); err != nil {
		b.logger.Warn("journal append failed",
			slog.String("market", rec.MarketID),
			slog.Any("error", err),
		)
	}
}

// resultRecord builds the journal row for a simulated result, filled or
// rejected.
func (b *Broker) resultRecord(sig domain.TradeSignal, res domain.FillResult) domain.TradeRecord {
	action := sig.Action
	if action == "" {
		action = domain.TradeActionBuy
	}
	var fee float64
	if res.Filled && res.FilledQty > 0 {
		fee = ledger.Fee(res.FillPrice, res.FilledQty)
	}
	return domain.TradeRecord{
		ID:           uuid.NewString(),
		RunID:        b.cfg.RunID,
		MarketID:     sig.MarketID,
		Side:         sig.Side,
		Action:       action,
		RequestedQty: sig.Size(),
		FilledQty:    res.FilledQty,
		DesiredPrice: res.DesiredPrice,
		FillPrice:    res.FillPrice,
		TotalCost:    res.TotalCost,
		Fee:          fee,
		SlippagePct:  res.SlippagePct,
		Partial:      res.Partial,
		Rejected:     !res.Filled,
		Reason:       res.Reason,
		CashAfter:    b.pool.Balance(),
		Source:       sig.Source,
		CreatedAt:    b.now().UTC(),
	}
}

// rejectionRecord builds the journal row for a trade the guard refused
// before simulation.
func (b *Broker) rejectionRecord(sig domain.TradeSignal, qty float64, reason string) domain.TradeRecord {
	action := sig.Action
	if action == "" {
		action = domain.TradeActionBuy
	}
	return domain.TradeRecord{
		ID:           uuid.NewString(),
		RunID:        b.cfg.RunID,
		MarketID:     sig.MarketID,
		Side:         sig.Side,
		Action:       action,
		RequestedQty: qty,
		DesiredPrice: sig.Price(),
		Rejected:     true,
		Reason:       reason,
		CashAfter:    b.pool.Balance(),
		Source:       sig.Source,
		CreatedAt:    b.now().UTC(),
	}
}
