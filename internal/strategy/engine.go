package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/telemetry"
)

// Engine orchestrates the execution of one or more strategies. It receives
// book-update notifications, assembles the market's pair view from the
// market-data source, delegates it to the active strategy (or fans out to
// all when using RunAll), and forwards any resulting trade signals to the
// signal channel consumed by the executor layer.
type Engine struct {
	registry *Registry
	signalCh chan<- domain.TradeSignal
	data     MarketData
	sink     telemetry.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	active      Strategy
	activeNames []string
	viewChs     map[string]chan domain.PairView
	markets     map[string]domain.Market
	infos       map[string]*StrategyInfo

	recentSignals []domain.TradeSignal
	recentLimit   int
}

// NewEngine creates an Engine. The signalCh is the output channel where
// emitted TradeSignals are sent to the executor. Views are assembled from
// data; emitted signals are mirrored to the telemetry sink (nil for none).
func NewEngine(registry *Registry, signalCh chan<- domain.TradeSignal, data MarketData, sink telemetry.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Engine{
		registry:    registry,
		signalCh:    signalCh,
		data:        data,
		sink:        sink,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		now:         time.Now,
		markets:     make(map[string]domain.Market),
		infos:       make(map[string]*StrategyInfo),
		recentLimit: 500,
	}
}

// SetClock replaces the engine's wall clock. Replay runs use it to stamp
// views with simulated time so deadline-driven strategies see the
// scenario's time-to-close rather than the host's.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// TrackMarket registers market metadata so views carry the question text
// and end date. Updates replace previous entries.
func (e *Engine) TrackMarket(m domain.Market) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[m.ID] = m
}

// Markets returns the tracked markets keyed by ID.
func (e *Engine) Markets() map[string]domain.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]domain.Market, len(e.markets))
	for id, m := range e.markets {
		out[id] = m
	}
	return out
}

// ActiveName returns the current active strategy name (single-strategy
// mode) or a comma-separated list (multi-strategy mode). Empty if none.
func (e *Engine) ActiveName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return e.active.Name()
	}
	if len(e.activeNames) > 0 {
		return strings.Join(e.activeNames, ",")
	}
	return ""
}

// ListNames returns the names of all registered strategies in sorted order.
func (e *Engine) ListNames() []string {
	return e.registry.List()
}

// ListInfo returns runtime info for all registered strategies, sorted by
// name.
func (e *Engine) ListInfo() []StrategyInfo {
	names := e.registry.List()
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]StrategyInfo, 0, len(names))
	for _, n := range names {
		if info, ok := e.infos[n]; ok {
			infos = append(infos, *info)
			continue
		}
		infos = append(infos, StrategyInfo{Name: n, Status: "pending"})
	}
	return infos
}

// RecentSignals returns up to limit most recent emitted signals in reverse
// chronological order (newest first).
func (e *Engine) RecentSignals(limit int) []domain.TradeSignal {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recentSignals)
	if n == 0 {
		return []domain.TradeSignal{}
	}
	if limit > n {
		limit = n
	}
	out := make([]domain.TradeSignal, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		sig := e.recentSignals[i]
		if sig.Metadata != nil {
			meta := make(map[string]string, len(sig.Metadata))
			for k, v := range sig.Metadata {
				meta[k] = v
			}
			sig.Metadata = meta
		}
		out = append(out, sig)
	}
	return out
}

// SetActive switches to single-strategy mode with the named strategy. It
// returns an error if the name is not found in the registry.
func (e *Engine) SetActive(name string) error {
	s, err := e.registry.Get(name)
	if err != nil {
		return fmt.Errorf("set active strategy: %w", err)
	}
	e.mu.Lock()
	e.closeStrategyChannelsLocked()
	e.activeNames = nil
	e.active = s
	e.infoLocked(name).Status = "running"
	e.mu.Unlock()
	e.logger.Info("active strategy changed", slog.String("strategy", name))
	return nil
}

// SetActiveNames enables multi-strategy mode: all listed strategies receive
// views when RunAll is used. Names must be registered in the registry.
func (e *Engine) SetActiveNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("active names cannot be empty")
	}
	for _, name := range names {
		if _, err := e.registry.Get(name); err != nil {
			return fmt.Errorf("strategy %q: %w", name, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeStrategyChannelsLocked()
	e.active = nil
	e.activeNames = names
	e.viewChs = make(map[string]chan domain.PairView, len(names))
	for _, name := range names {
		e.viewChs[name] = make(chan domain.PairView, 32)
	}
	e.logger.Info("active strategies set", slog.Any("strategies", names))
	return nil
}

func (e *Engine) closeStrategyChannelsLocked() {
	for _, ch := range e.viewChs {
		close(ch)
	}
	e.viewChs = nil
}

// AssembleView builds the pair view for a market from the current book and
// position state. The zero market is used when the ID was never tracked.
func (e *Engine) AssembleView(marketID string) domain.PairView {
	e.mu.Lock()
	market, ok := e.markets[marketID]
	e.mu.Unlock()
	if !ok {
		market = domain.Market{ID: marketID}
	}

	view := domain.PairView{
		Market: market,
		Now:    e.now().UTC(),
	}
	if up, ok := e.data.Book(marketID, domain.SideUp); ok {
		view.UpBook = up
		view.Up = up.Metrics()
	}
	if down, ok := e.data.Book(marketID, domain.SideDown); ok {
		view.DownBook = down
		view.Down = down.Metrics()
	}
	if pos, ok := e.data.PositionSnapshot(marketID); ok {
		view.Position = pos
	}
	return view
}

// HandleBookUpdate assembles the market's view and feeds it to the active
// strategy, or fans it out to all active strategies in multi mode.
func (e *Engine) HandleBookUpdate(ctx context.Context, marketID string) error {
	view := e.AssembleView(marketID)

	e.mu.Lock()
	names := e.activeNames
	viewChs := e.viewChs
	active := e.active
	e.mu.Unlock()

	if len(names) > 0 && viewChs != nil {
		for _, name := range names {
			if ch, ok := viewChs[name]; ok {
				select {
				case ch <- view:
				case <-ctx.Done():
					return ctx.Err()
				default:
					// Buffer full, skip this update for this strategy.
				}
			}
		}
		return nil
	}
	if active == nil {
		return fmt.Errorf("no active strategy set")
	}
	signals, err := active.OnBookUpdate(ctx, view)
	if err != nil {
		e.noteError(active.Name())
		return fmt.Errorf("strategy %s OnBookUpdate: %w", active.Name(), err)
	}
	e.emit(ctx, active.Name(), signals)
	return nil
}

// runStrategy runs a single strategy in a loop, reading views from its
// channel and emitting signals.
func (e *Engine) runStrategy(ctx context.Context, name string) error {
	strat, err := e.registry.Get(name)
	if err != nil {
		return err
	}
	if err := strat.Init(ctx); err != nil {
		e.setStatus(name, "error")
		e.logger.Error("strategy init failed", slog.String("strategy", name), slog.String("error", err.Error()))
		return err
	}
	defer func() {
		_ = strat.Close()
		e.setStatus(name, "stopped")
	}()
	e.setStatus(name, "running")

	e.mu.Lock()
	viewCh := e.viewChs[name]
	e.mu.Unlock()
	if viewCh == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case view, ok := <-viewCh:
			if !ok {
				return nil
			}
			signals, err := strat.OnBookUpdate(ctx, view)
			if err != nil {
				e.noteError(name)
				e.logger.Warn("strategy OnBookUpdate error", slog.String("strategy", name), slog.String("error", err.Error()))
				continue
			}
			e.emit(ctx, name, signals)
		}
	}
}

// Run blocks until the context is cancelled (single-strategy mode; events
// flow through HandleBookUpdate).
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("strategy engine started")
	defer e.logger.Info("strategy engine stopped")
	<-ctx.Done()
	return ctx.Err()
}

// RunAll starts one goroutine per active strategy. Each strategy receives
// views via its channel and emits to the shared signalCh. Blocks until the
// context is cancelled.
func (e *Engine) RunAll(ctx context.Context) error {
	e.mu.Lock()
	names := make([]string, len(e.activeNames))
	copy(names, e.activeNames)
	e.mu.Unlock()
	if len(names) == 0 {
		e.logger.Info("RunAll: no active strategies, blocking until context done")
		<-ctx.Done()
		return ctx.Err()
	}

	e.logger.Info("strategy engine RunAll started", slog.Any("strategies", names))
	defer func() {
		e.mu.Lock()
		e.closeStrategyChannelsLocked()
		e.mu.Unlock()
		e.logger.Info("strategy engine RunAll stopped")
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			return e.runStrategy(gctx, name)
		})
	}
	return g.Wait()
}

// emit sends each signal to the signal channel. It respects context
// cancellation.
func (e *Engine) emit(ctx context.Context, source string, signals []domain.TradeSignal) {
	for i := range signals {
		select {
		case <-ctx.Done():
			e.logger.Warn("context cancelled while emitting signals",
				slog.Int("remaining", len(signals)-i),
			)
			return
		case e.signalCh <- signals[i]:
			e.rememberSignal(source, signals[i])
			e.sink.Signal(ctx, signalNote(signals[i]))
			e.logger.Debug("signal emitted",
				slog.String("signal_id", signals[i].ID),
				slog.String("source", signals[i].Source),
				slog.String("side", string(signals[i].Side)),
			)
		}
	}
}

func (e *Engine) rememberSignal(source string, sig domain.TradeSignal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentSignals = append(e.recentSignals, sig)
	if overflow := len(e.recentSignals) - e.recentLimit; overflow > 0 {
		e.recentSignals = append([]domain.TradeSignal(nil), e.recentSignals[overflow:]...)
	}
	info := e.infoLocked(source)
	info.SignalsSent++
	at := sig.CreatedAt
	if at.IsZero() {
		at = e.now().UTC()
	}
	info.LastSignal = &at
}

func (e *Engine) setStatus(name, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infoLocked(name).Status = status
}

func (e *Engine) noteError(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infoLocked(name).ErrorCount++
}

func (e *Engine) infoLocked(name string) *StrategyInfo {
	info, ok := e.infos[name]
	if !ok {
		info = &StrategyInfo{Name: name, Status: "pending"}
		e.infos[name] = info
	}
	return info
}

// signalNote maps a trade signal to its telemetry note, lifting the
// well-known numeric metadata keys strategies attach.
func signalNote(sig domain.TradeSignal) telemetry.SignalNote {
	note := telemetry.SignalNote{
		MarketID: sig.MarketID,
		Source:   sig.Source,
		Signal:   fmt.Sprintf("%s %s", sig.Action, sig.Side),
		Reason:   sig.Reason,
	}
	if v, ok := sig.Metadata["z_score"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			note.ZScore = f
		}
	}
	if v, ok := sig.Metadata["delta_pct"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			note.DeltaPct = f
		}
	}
	return note
}
