package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/mfeltner/polysim/internal/blob/s3"
	"github.com/mfeltner/polysim/internal/cache/redis"
	"github.com/mfeltner/polysim/internal/config"
	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/metrics"
	"github.com/mfeltner/polysim/internal/notify"
	"github.com/mfeltner/polysim/internal/ratelimit"
	"github.com/mfeltner/polysim/internal/server/handler"
	"github.com/mfeltner/polysim/internal/store/postgres"
	"github.com/mfeltner/polysim/internal/telemetry"
)

// Dependencies bundles everything the modes need that outlives one
// session: the optional backends, the telemetry spine, and health probes.
// It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Shared caches and the pub/sub bus; nil when redis is disabled. The
	// trading core never requires them: books and positions live in
	// process, the caches only mirror state for external consumers.
	Bus         domain.EventBus
	BookCache   domain.BookCache
	PriceCache  domain.PriceCache
	MarketCache domain.MarketCache

	// Limiter throttles outbound venue calls and the status API:
	// redis-backed when enabled so the budget spans processes, an
	// in-process sliding window otherwise.
	Limiter domain.RateLimiter

	// Journal receives every trade record; nil when postgres is disabled.
	Journal domain.TradeJournal

	// Exporter writes end-of-run artifacts; nil when s3 is disabled or
	// the mode takes no capital action. Artifacts is the read side of the
	// same archive, backing /api/reports in every mode s3 is enabled for.
	Exporter  domain.ArtifactExporter
	Artifacts domain.BlobReader

	// Telemetry spine. Sink is the fanout every producer writes to;
	// Ring, Metrics, and Notifier are members of it and also back the
	// status API and alert delivery.
	Metrics  *metrics.Metrics
	Ring     *telemetry.Ring
	Notifier *notify.Notifier
	Sink     telemetry.Sink

	// Checks are the health probes for whichever backends got wired.
	Checks []handler.Check
}

// tradingMode reports whether a mode executes simulated trades. The trade
// journal and report exporter only produce output in trading modes, so
// monitor runs skip them.
func tradingMode(mode string) bool {
	switch mode {
	case "paper", "replay":
		return true
	default:
		return false
	}
}

// Wire constructs the concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis: shared caches, cross-process rate limiter, event bus ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Bus = redis.NewBus(redisClient)
		deps.BookCache = redis.NewBookCache(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Probe: redisClient.Ping})
	} else {
		deps.Limiter = ratelimit.NewSlidingWindow()
	}

	// --- Postgres: append-only trade journal ---
	if cfg.Postgres.Enabled && tradingMode(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Journal = postgres.NewTradeJournal(pgClient.Pool())
		deps.Checks = append(deps.Checks, handler.Check{
			Name:  "postgres",
			Probe: func(ctx context.Context) error { return pgClient.Pool().Ping(ctx) },
		})
	}

	// --- S3: session archive. The read side wires in every mode; the
	// exporter only where a session produces a report. ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Artifacts = s3blob.NewReader(s3Client)
		if tradingMode(cfg.Mode) {
			deps.Exporter = s3blob.NewExporter(s3blob.NewWriter(s3Client), deps.Journal, logger)
		}
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Probe: s3Client.Health})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, notify.Config{
		MinSeverity:     telemetry.Severity(cfg.Notify.MinSeverity),
		StreakThreshold: cfg.Notify.SlippageStreak,
	}, logger)

	// --- Telemetry fanout ---
	deps.Metrics = metrics.New()
	deps.Ring = telemetry.NewRing(cfg.Telemetry.RingCapacity)

	sinks := []telemetry.Sink{
		telemetry.NewLogSink(logger),
		deps.Ring,
		deps.Metrics,
		deps.Notifier,
	}
	if deps.Bus != nil {
		sinks = append(sinks, telemetry.NewBusSink(deps.Bus, cfg.Telemetry.Channel, logger))
	}
	deps.Sink = telemetry.NewFanout(sinks...)

	return deps, cleanup, nil
}
