package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mfeltner/polysim/internal/broker"
	"github.com/mfeltner/polysim/internal/capital"
	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/executor"
	"github.com/mfeltner/polysim/internal/feed"
	"github.com/mfeltner/polysim/internal/guard"
	"github.com/mfeltner/polysim/internal/service"
	"github.com/mfeltner/polysim/internal/sim"
	"github.com/mfeltner/polysim/internal/strategy"
	"github.com/mfeltner/polysim/internal/telemetry"
)

// Config carries the account and execution tunables a session runs with.
type Config struct {
	// StartingUSD is the pool balance every session starts from.
	StartingUSD float64
	// Guard applies per market; a zero Budget splits starting capital
	// evenly across the scenario's markets.
	Guard guard.Config
	Sim   sim.Config
	// Risk left zero gets the replay profile: notional cap and brake
	// active, spend window effectively unbounded. Sliding spend windows
	// meter wall-clock time and would throttle an unpaced session that
	// compresses fifteen simulated minutes into a second.
	Risk service.RiskConfig
	// SignalBuffer sizes the strategy-to-executor channel.
	SignalBuffer int
	// Journal, when set, receives every trade record.
	Journal broker.Journal
	// Sink receives telemetry from the broker, engine, and risk service.
	Sink telemetry.Sink
}

func (c Config) withDefaults() Config {
	if c.StartingUSD <= 0 {
		c.StartingUSD = 1000
	}
	if c.SignalBuffer <= 0 {
		c.SignalBuffer = 256
	}
	if c.Risk == (service.RiskConfig{}) {
		c.Risk = service.RiskConfig{
			SpendWindow:    time.Second,
			SpendWindowUSD: c.StartingUSD,
		}
	}
	if c.Sink == nil {
		c.Sink = telemetry.NopSink{}
	}
	return c
}

// MarketResult is one market's outcome within a session.
type MarketResult struct {
	MarketID     string      `json:"market_id"`
	Outcome      domain.Side `json:"outcome"`
	FinalUp      float64     `json:"final_up"`
	FinalDown    float64     `json:"final_down"`
	PnL          float64     `json:"pnl"`
	Fills        int64       `json:"fills"`
	Rejections   int64       `json:"rejections"`
	SlippageCost float64     `json:"slippage_cost"`
}

// SessionReport is the full record of one scenario run. Two runs of the
// same scenario walk identical price paths; execution tallies can differ
// marginally because fills settle on a separate goroutine.
type SessionReport struct {
	Scenario   string                 `json:"scenario"`
	RunID      string                 `json:"run_id"`
	Strategy   string                 `json:"strategy"`
	Seed       int64                  `json:"seed"`
	Ticks      int                    `json:"ticks"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Account    service.AccountSummary `json:"account"`
	Markets    []MarketResult         `json:"markets"`
	Fills      int64                  `json:"fills"`
	Rejections int64                  `json:"rejections"`
	// ResolvedPnL sums each market's settlement PnL: payout minus
	// everything spent on the final holdings.
	ResolvedPnL float64 `json:"resolved_pnl"`
}

// staticSource serves a fixed roster through the discovery interface, so
// the catalog and router run exactly as they do against the live venue.
type staticSource struct {
	markets []domain.Market
}

func (s staticSource) ActiveMarkets(_ context.Context, limit int) ([]domain.Market, error) {
	if limit > 0 && limit < len(s.markets) {
		return s.markets[:limit], nil
	}
	return s.markets, nil
}

// simClock is the session's simulated time, advanced by feed ticks and
// read by the engine when assembling views.
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSimClock(start time.Time) *simClock {
	return &simClock{now: start}
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward, never backward; concurrent feeds may
// deliver the same tick out of order.
func (c *simClock) Advance(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.now) {
		c.now = ts
	}
	c.mu.Unlock()
}

// Runner wires the production pipeline around synthetic feeds and runs
// one scenario to completion.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg.withDefaults(), logger: logger}
}

// Run executes the scenario end to end: synthetic books flow through the
// router into the broker and engine, strategy signals pass risk checks and
// execute against simulated fills, and every market settles on the side
// its path finished higher. The session anchors at wall-clock now so
// signal TTLs, stamped from the simulated clock, stay in the future while
// the run is live.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*SessionReport, error) {
	sc = sc.withDefaults()
	runID := sc.Name + "-" + uuid.NewString()[:8]
	base := r.logger.With(slog.String("run_id", runID))
	log := base.With(slog.String("component", "replay_runner"), slog.String("scenario", sc.Name))

	start := time.Now().UTC()
	paths := make([]*feed.Path, sc.Markets)
	seeds := make([]int64, sc.Markets)
	for i := range paths {
		pathCfg := sc.Path
		if pathCfg.Seed == 0 {
			pathCfg.Seed = 1
		}
		pathCfg.Seed += int64(i)
		seeds[i] = pathCfg.Seed
		paths[i] = feed.NewPath(pathCfg)
	}
	end := start.Add(time.Duration(paths[0].Ticks()) * sc.Step)
	markets := roster(sc, end)

	pool := capital.NewPool(r.cfg.StartingUSD)
	guardCfg := r.cfg.Guard
	if guardCfg.Budget <= 0 {
		guardCfg.Budget = r.cfg.StartingUSD / float64(sc.Markets)
	}
	brk := broker.New(broker.Config{
		RunID: runID,
		Guard: guardCfg,
		Sim:   r.cfg.Sim,
	}, pool, r.cfg.Sink, r.cfg.Journal, base)

	catalog := service.NewMarketService(staticSource{markets: markets}, nil, len(markets), base)
	if _, err := catalog.Sync(ctx); err != nil {
		return nil, fmt.Errorf("replay: sync roster: %w", err)
	}

	registry := strategy.NewRegistry()
	registry.Register("pair_arb", strategy.NewPairArb(strategy.PairArbConfig{}, base))
	registry.Register("mean_reversion", strategy.NewMeanReversion(strategy.MeanReversionConfig{}, base))

	signalCh := make(chan domain.TradeSignal, r.cfg.SignalBuffer)
	engine := strategy.NewEngine(registry, signalCh, brk, r.cfg.Sink, base)
	if err := engine.SetActive(sc.Strategy); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	clk := newSimClock(start)
	engine.SetClock(clk.Now)
	for _, m := range markets {
		engine.TrackMarket(m)
	}

	risk := service.NewRiskService(pool, r.cfg.Sink, r.cfg.Risk, base)
	exec := executor.NewExecutor(signalCh, brk, risk, base)
	router := feed.NewRouter(catalog, brk, engine, nil, nil, base)

	feeds := make([]*feed.SyntheticFeed, len(markets))
	for i, m := range markets {
		f := feed.NewSyntheticFeed(m, paths[i], sc.Book, router, feed.SyntheticFeedConfig{
			Pace:  sc.Pace,
			Start: start,
			Step:  sc.Step,
			Seed:  seeds[i] + 1,
		}, base)
		f.OnTick(clk.Advance)
		feeds[i] = f
	}

	log.Info("replay session started",
		slog.String("strategy", sc.Strategy),
		slog.Int("markets", sc.Markets),
		slog.Int("ticks", paths[0].Ticks()),
		slog.Float64("starting_usd", r.cfg.StartingUSD),
	)

	execDone := make(chan error, 1)
	go func() { execDone <- exec.Run(ctx) }()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range feeds {
		g.Go(func() error { return f.Run(gctx) })
	}
	feedErr := g.Wait()

	// All feeds have returned, so nothing can emit into the channel
	// anymore; closing it lets the executor finish its backlog and exit.
	close(signalCh)
	execErr := <-execDone

	if feedErr != nil {
		return nil, fmt.Errorf("replay: feed: %w", feedErr)
	}
	if execErr != nil {
		return nil, fmt.Errorf("replay: executor: %w", execErr)
	}

	results := make([]MarketResult, 0, len(markets))
	var fills, rejections int64
	var resolvedPnL float64
	for i, m := range markets {
		outcome := paths[i].Leader()
		pnl, err := brk.Resolve(ctx, m.ID, outcome)
		if err != nil {
			return nil, fmt.Errorf("replay: resolve %s: %w", m.ID, err)
		}
		up, down := paths[i].Prices()
		res := MarketResult{
			MarketID:  m.ID,
			Outcome:   outcome,
			FinalUp:   up,
			FinalDown: down,
			PnL:       pnl,
		}
		if st, ok := brk.Stats(m.ID); ok {
			res.Fills = st.Fills
			res.Rejections = st.Rejections
			res.SlippageCost = st.TotalSlippageCost
			fills += st.Fills
			rejections += st.Rejections
		}
		resolvedPnL += pnl
		results = append(results, res)
	}

	report := &SessionReport{
		Scenario:    sc.Name,
		RunID:       runID,
		Strategy:    sc.Strategy,
		Seed:        seeds[0],
		Ticks:       paths[0].Ticks(),
		StartedAt:   start,
		FinishedAt:  time.Now().UTC(),
		Account:     service.NewAccountService(pool, brk).Summary(),
		Markets:     results,
		Fills:       fills,
		Rejections:  rejections,
		ResolvedPnL: resolvedPnL,
	}

	log.Info("replay session complete",
		slog.Int64("fills", fills),
		slog.Int64("rejections", rejections),
		slog.Float64("resolved_pnl", resolvedPnL),
		slog.Float64("final_cash", report.Account.CashUSD),
	)
	return report, nil
}

func roster(sc Scenario, end time.Time) []domain.Market {
	now := time.Now().UTC()
	out := make([]domain.Market, sc.Markets)
	for i := range out {
		id := fmt.Sprintf("sim-%s-%d", sc.Name, i+1)
		closeAt := end
		out[i] = domain.Market{
			ID:        id,
			Question:  fmt.Sprintf("Synthetic %s pair %d: up or down?", sc.Name, i+1),
			Slug:      id,
			Outcomes:  [2]string{"Up", "Down"},
			TokenIDs:  [2]string{id + "-up", id + "-down"},
			Status:    domain.MarketStatusActive,
			EndDate:   &closeAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	return out
}
