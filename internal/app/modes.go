package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mfeltner/polysim/internal/broker"
	"github.com/mfeltner/polysim/internal/capital"
	"github.com/mfeltner/polysim/internal/config"
	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/executor"
	"github.com/mfeltner/polysim/internal/feed"
	"github.com/mfeltner/polysim/internal/guard"
	"github.com/mfeltner/polysim/internal/platform/polymarket"
	"github.com/mfeltner/polysim/internal/quant"
	"github.com/mfeltner/polysim/internal/replay"
	"github.com/mfeltner/polysim/internal/server"
	"github.com/mfeltner/polysim/internal/server/handler"
	"github.com/mfeltner/polysim/internal/server/ws"
	"github.com/mfeltner/polysim/internal/service"
	"github.com/mfeltner/polysim/internal/sim"
	"github.com/mfeltner/polysim/internal/strategy"
)

const (
	// marketTrackInterval is how often catalog metadata is mirrored into
	// the strategy engine.
	marketTrackInterval = 30 * time.Second

	// exportTimeout bounds the end-of-session report writes. They run on
	// a fresh context; the session context is already cancelled by then.
	exportTimeout = 30 * time.Second

	serverShutdownTimeout = 5 * time.Second
)

// PaperMode trades live market data with simulated fills. Discovery,
// feeds, strategies, risk checks, and execution all run; only order
// placement is synthetic. Blocks until the context is cancelled, then
// exports the session report.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	runID := "paper-" + uuid.NewString()[:8]
	startedAt := time.Now().UTC()
	logger := a.logger.With(slog.String("run_id", runID))

	logger.InfoContext(ctx, "starting paper mode",
		slog.Float64("starting_usd", cfg.Session.StartingUSD),
		slog.String("strategies", strings.Join(cfg.Strategy.Active, ",")),
		slog.String("feed_source", cfg.Feed.Source),
	)

	pool := capital.NewPool(cfg.Session.StartingUSD)
	brk := broker.New(broker.Config{
		RunID: runID,
		Guard: a.guardConfig(),
		Sim:   a.simConfig(),
	}, pool, deps.Sink, deps.Journal, logger)

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, deps.Limiter)
	catalog := service.NewMarketService(gamma, deps.MarketCache, cfg.Feed.MarketLimit, logger)

	signalCh := make(chan domain.TradeSignal, cfg.Session.SignalBuffer)
	engine := strategy.NewEngine(a.buildRegistry(logger), signalCh, brk, deps.Sink, logger)
	if err := engine.SetActiveNames(cfg.Strategy.Active); err != nil {
		logger.WarnContext(ctx, "no runnable strategy, engine will idle",
			slog.String("error", err.Error()))
	}

	risk := service.NewRiskService(pool, deps.Sink, a.riskConfig(), logger)
	exec := executor.NewExecutor(signalCh, brk, risk, logger)

	router := feed.NewRouter(catalog, brk, engine, deps.BookCache, deps.PriceCache, logger)
	data := polymarket.NewDataClient(cfg.Polymarket.ClobHost, deps.Limiter)
	data.SetQuota(cfg.Feed.RequestsPerWindow, cfg.Feed.RequestWindow.Duration)

	account := service.NewAccountService(pool, brk)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return catalog.RunSync(ctx, cfg.Feed.SyncInterval.Duration) })
	a.startFeeds(ctx, g, data, catalog, router, logger)
	g.Go(func() error { return engine.RunAll(ctx) })
	g.Go(func() error { return exec.Run(ctx) })
	g.Go(func() error { return trackMarkets(ctx, catalog, engine) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return emitStatsLoop(ctx, brk, cfg.Telemetry.StatsInterval.Duration) })

	if a.configPath != "" {
		watcher := config.NewWatcher(a.configPath, func(next *config.Config) {
			brk.SetTunables(next.Simulator.LatencyMs, next.Simulator.MaxSlippagePct)
			data.SetQuota(next.Feed.RequestsPerWindow, next.Feed.RequestWindow.Duration)
		}, logger)
		g.Go(func() error {
			// Hot reload is a convenience; a watch failure must not take
			// the session down with it.
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WarnContext(ctx, "config watcher stopped",
					slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if cfg.Server.Enabled {
		a.startStatusServer(ctx, g, deps, statusSources{
			runID:     runID,
			strategy:  strings.Join(cfg.Strategy.Active, ","),
			startedAt: startedAt,
			catalog:   catalog,
			stats:     brk,
			account:   account,
			signals:   engine,
		}, logger)
	}

	err := g.Wait()

	report := domain.SessionReport{
		RunID:      runID,
		Mode:       "paper",
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		StartCash:  pool.Starting(),
		FinalCash:  pool.Balance(),
		Stats:      brk.AggregateStats(),
		Positions:  brk.Snapshots(),
	}
	report.Trades = report.Stats.Fills + report.Stats.Rejections

	logger.Info("paper session finished",
		slog.Float64("final_usd", report.FinalCash),
		slog.Float64("net_pnl", pool.NetPnL()),
		slog.Int64("fills", report.Stats.Fills),
		slog.Int64("rejections", report.Stats.Rejections),
	)
	a.exportSession(deps, report, logger)
	return err
}

// ReplayMode runs one synthetic scenario end to end and exports the
// results. The session drives its own clock; wall time only matters when
// the scenario paces.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	sc, err := replay.Get(cfg.Replay.Scenario)
	if err != nil {
		return fmt.Errorf("app: %w (scenarios: %s)", err, strings.Join(replay.Names(), ", "))
	}
	if cfg.Replay.Seed != 0 {
		sc.Path.Seed = cfg.Replay.Seed
	}

	logger := a.logger.With(slog.String("scenario", sc.Name))
	logger.InfoContext(ctx, "starting replay mode",
		slog.String("description", sc.Description),
		slog.Int("markets", sc.Markets),
		slog.String("strategy", sc.Strategy),
		slog.Int64("seed", sc.Path.Seed),
	)

	// Auxiliaries (notifier, status server) outlive nothing: they stop as
	// soon as the scenario run returns.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return deps.Notifier.Run(runCtx) })
	if cfg.Server.Enabled {
		a.startStatusServer(runCtx, g, deps, statusSources{
			runID:     "replay-" + uuid.NewString()[:8],
			strategy:  sc.Strategy,
			startedAt: time.Now().UTC(),
		}, logger)
	}

	runner := replay.NewRunner(replay.Config{
		StartingUSD:  cfg.Session.StartingUSD,
		Guard:        a.guardConfig(),
		Sim:          a.simConfig(),
		SignalBuffer: cfg.Session.SignalBuffer,
		Journal:      deps.Journal,
		Sink:         deps.Sink,
	}, a.logger)

	report, runErr := runner.Run(runCtx, sc)

	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("auxiliary shutdown", slog.String("error", err.Error()))
	}
	if runErr != nil {
		return fmt.Errorf("app: replay %s: %w", sc.Name, runErr)
	}

	if deps.Exporter != nil {
		exportCtx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		if path, err := deps.Exporter.ExportScenario(exportCtx, report.RunID, report); err != nil {
			logger.Error("scenario export failed", slog.String("error", err.Error()))
		} else {
			logger.Info("scenario report exported", slog.String("path", path))
		}
		if deps.Journal != nil {
			if path, n, err := deps.Exporter.ExportJournal(exportCtx, report.RunID); err != nil {
				logger.Error("journal export failed", slog.String("error", err.Error()))
			} else {
				logger.Info("journal exported", slog.String("path", path), slog.Int("trades", n))
			}
		}
	}
	return nil
}

// MonitorMode watches live markets and reports what the strategies would
// do. Signals are logged and served through the API; nothing executes and
// no capital moves. The status server always runs here since watching is
// the point.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	runID := "monitor-" + uuid.NewString()[:8]
	startedAt := time.Now().UTC()
	logger := a.logger.With(slog.String("run_id", runID))

	logger.InfoContext(ctx, "starting monitor mode",
		slog.String("strategies", strings.Join(cfg.Strategy.Active, ",")),
		slog.String("feed_source", cfg.Feed.Source),
	)

	pool := capital.NewPool(cfg.Session.StartingUSD)
	brk := broker.New(broker.Config{
		RunID: runID,
		Guard: a.guardConfig(),
		Sim:   a.simConfig(),
	}, pool, deps.Sink, deps.Journal, logger)

	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, deps.Limiter)
	catalog := service.NewMarketService(gamma, deps.MarketCache, cfg.Feed.MarketLimit, logger)

	signalCh := make(chan domain.TradeSignal, cfg.Session.SignalBuffer)
	engine := strategy.NewEngine(a.buildRegistry(logger), signalCh, brk, deps.Sink, logger)
	if err := engine.SetActiveNames(cfg.Strategy.Active); err != nil {
		logger.WarnContext(ctx, "no runnable strategy, engine will idle",
			slog.String("error", err.Error()))
	}

	router := feed.NewRouter(catalog, brk, engine, deps.BookCache, deps.PriceCache, logger)
	data := polymarket.NewDataClient(cfg.Polymarket.ClobHost, deps.Limiter)
	data.SetQuota(cfg.Feed.RequestsPerWindow, cfg.Feed.RequestWindow.Duration)

	account := service.NewAccountService(pool, brk)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return catalog.RunSync(ctx, cfg.Feed.SyncInterval.Duration) })
	a.startFeeds(ctx, g, data, catalog, router, logger)
	g.Go(func() error { return engine.RunAll(ctx) })
	g.Go(func() error { return trackMarkets(ctx, catalog, engine) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })

	// No executor in this mode. Signals are drained so the engine never
	// blocks on a full channel; the engine keeps them for /api/signals.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sig := <-signalCh:
				logger.InfoContext(ctx, "signal observed",
					slog.String("market", sig.MarketID),
					slog.String("source", sig.Source),
					slog.String("side", string(sig.Side)),
					slog.String("action", string(sig.Action)),
					slog.Float64("price", sig.Price()),
					slog.Float64("size", sig.Size()),
				)
			}
		}
	})

	a.startStatusServer(ctx, g, deps, statusSources{
		runID:     runID,
		strategy:  strings.Join(cfg.Strategy.Active, ","),
		startedAt: startedAt,
		catalog:   catalog,
		stats:     brk,
		account:   account,
		signals:   engine,
	}, logger)

	return g.Wait()
}

// statusSources carries the per-session state the status API serves from.
// Nil fields skip their routes.
type statusSources struct {
	runID     string
	strategy  string
	startedAt time.Time
	catalog   *service.MarketService
	stats     handler.StatsSource
	account   handler.AccountView
	signals   handler.SignalSource
}

// startStatusServer registers the API routes and WebSocket hub on the
// errgroup. The hub only runs when an event bus is wired.
func (a *App) startStatusServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, src statusSources, logger *slog.Logger) {
	var counter handler.MarketCounter
	if src.catalog != nil {
		counter = src.catalog
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks...),
		Status:  handler.NewStatusHandler(a.cfg.Mode, src.strategy, src.runID, src.startedAt, counter),
		Events:  handler.NewEventsHandler(deps.Ring, src.signals),
		Metrics: deps.Metrics.Handler(),
	}
	if src.stats != nil {
		handlers.Stats = handler.NewStatsHandler(src.stats)
	}
	if src.account != nil {
		handlers.Account = handler.NewAccountHandler(src.account)
	}
	if src.catalog != nil {
		handlers.Markets = handler.NewMarketHandler(src.catalog, logger)
	}
	if deps.Artifacts != nil {
		handlers.Reports = handler.NewReportsHandler(deps.Artifacts, logger)
	}

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, ws.Config{
			Mode:      a.cfg.Mode,
			Strategy:  src.strategy,
			RunID:     src.runID,
			Channel:   a.cfg.Telemetry.Channel,
			StartedAt: src.startedAt,
		}, logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.New(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.Limiter, logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startFeeds launches book delivery for the configured source. The poller
// always runs; in ws mode it is the fallback behind the stream, bounding
// staleness to one poll interval when the stream goes quiet.
func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, data *polymarket.DataClient, catalog *service.MarketService, router *feed.Router, logger *slog.Logger) {
	poller := feed.NewPoller(data, catalog, router, a.cfg.Feed.PollInterval.Duration, logger)
	g.Go(func() error { return poller.Run(ctx) })

	if strings.EqualFold(a.cfg.Feed.Source, "ws") {
		source := polymarket.NewMarketStream(a.cfg.Polymarket.WsHost, logger)
		stream := feed.NewStream(source, catalog, router, a.cfg.Feed.SyncInterval.Duration, logger)
		g.Go(func() error { return stream.Run(ctx) })
	}
}

// buildRegistry constructs the strategy registry from config. Zero-valued
// knobs fall through to the strategy packages' defaults.
func (a *App) buildRegistry(logger *slog.Logger) *strategy.Registry {
	pa := a.cfg.Strategy.PairArb
	mr := a.cfg.Strategy.MeanReversion

	reg := strategy.NewRegistry()
	reg.Register("pair_arb", strategy.NewPairArb(strategy.PairArbConfig{
		MarketBudgetUSD: pa.MarketBudgetUSD,
		EntryTradeUSD:   pa.EntryTradeUSD,
		BalanceTradeUSD: pa.BalanceTradeUSD,
		ImproveTradeUSD: pa.ImproveTradeUSD,
		EntryTrigger:    pa.EntryTrigger,
		EntryMaxPrice:   pa.EntryMaxPrice,
		ProfitLockPair:  pa.ProfitLockPair,
		TakeProfitUSD:   pa.TakeProfitUSD,
		Cooldown:        pa.Cooldown.Duration,
		SignalTTL:       pa.SignalTTL.Duration,
	}, logger))
	reg.Register("mean_reversion", strategy.NewMeanReversion(strategy.MeanReversionConfig{
		Spread: quant.SpreadConfig{
			Lookback: mr.Lookback,
			EntryZ:   mr.EntryZ,
		},
		TradeUSD:       mr.TradeUSD,
		MaxPositionUSD: mr.MaxPositionUSD,
		SignalTTL:      mr.SignalTTL.Duration,
	}, logger))
	return reg
}

func (a *App) guardConfig() guard.Config {
	return guard.Config{
		Budget:                a.cfg.Guard.BudgetUSD,
		PreHedgeReserveRatio:  a.cfg.Guard.PreHedgeReserveRatio,
		PostHedgeReserveRatio: a.cfg.Guard.PostHedgeReserveRatio,
		MinReserveCash:        a.cfg.Guard.MinReserveCash,
		BreakEvenCeiling:      a.cfg.Guard.BreakEvenCeiling,
	}
}

func (a *App) simConfig() sim.Config {
	return sim.Config{
		LatencyMs:      a.cfg.Simulator.LatencyMs,
		MaxSlippagePct: a.cfg.Simulator.MaxSlippagePct,
		LogCapacity:    a.cfg.Simulator.LogCapacity,
	}
}

func (a *App) riskConfig() service.RiskConfig {
	return service.RiskConfig{
		MaxTradeUSD:       a.cfg.Risk.MaxTradeUSD,
		SpendWindow:       a.cfg.Risk.SpendWindow.Duration,
		SpendWindowUSD:    a.cfg.Risk.SpendWindowUSD,
		EmergencyBrakePct: a.cfg.Risk.EmergencyBrakePct,
	}
}

// trackMarkets mirrors catalog metadata into the engine so strategy views
// carry question text and close times. The catalog has no change hook, so
// this re-reads on a short cadence.
func trackMarkets(ctx context.Context, catalog *service.MarketService, engine *strategy.Engine) error {
	ticker := time.NewTicker(marketTrackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, m := range catalog.ListTradable() {
				engine.TrackMarket(m)
			}
		}
	}
}

// emitStatsLoop publishes per-market slippage aggregates on a fixed
// cadence until cancelled.
func emitStatsLoop(ctx context.Context, brk *broker.Broker, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			brk.EmitStats(ctx)
		}
	}
}

// exportSession writes the session report and journal to object storage.
// Failures are logged; a lost export never fails the session itself.
func (a *App) exportSession(deps *Dependencies, report domain.SessionReport, logger *slog.Logger) {
	if deps.Exporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	if path, err := deps.Exporter.Export(ctx, report); err != nil {
		logger.Error("session report export failed", slog.String("error", err.Error()))
	} else {
		logger.Info("session report exported", slog.String("path", path))
	}
	if deps.Journal != nil {
		if path, n, err := deps.Exporter.ExportJournal(ctx, report.RunID); err != nil {
			logger.Error("journal export failed", slog.String("error", err.Error()))
		} else {
			logger.Info("journal exported", slog.String("path", path), slog.Int("trades", n))
		}
	}
}
