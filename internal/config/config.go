// Package config defines the top-level configuration for the simulator and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by POLYSIM_* environment
// variables. Component packages carry their own zero-value defaults, so
// sections here only expose the knobs an operator actually turns.
type Config struct {
	Session    SessionConfig    `toml:"session"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Feed       FeedConfig       `toml:"feed"`
	Simulator  SimulatorConfig  `toml:"simulator"`
	Guard      GuardConfig      `toml:"guard"`
	Risk       RiskConfig       `toml:"risk"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Replay     ReplayConfig     `toml:"replay"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// SessionConfig holds the account every run starts from.
type SessionConfig struct {
	StartingUSD  float64 `toml:"starting_usd"`
	SignalBuffer int     `toml:"signal_buffer"`
}

// PolymarketConfig holds the market-data API endpoints.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
	WsHost    string `toml:"ws_host"`
}

// FeedConfig controls market discovery and book delivery.
type FeedConfig struct {
	// Source selects book delivery: "ws" streams with a poll fallback,
	// "poll" skips the stream entirely.
	Source       string   `toml:"source"`
	PollInterval duration `toml:"poll_interval"`
	// SyncInterval is how often the market catalog re-discovers.
	SyncInterval duration `toml:"sync_interval"`
	// MarketLimit caps how many markets discovery tracks per sync.
	MarketLimit int `toml:"market_limit"`
	// RequestsPerWindow and RequestWindow throttle the HTTP pollers
	// through the shared rate limiter.
	RequestsPerWindow int      `toml:"requests_per_window"`
	RequestWindow     duration `toml:"request_window"`
}

// SimulatorConfig holds the fill-model tunables. Both knobs are
// hot-reloadable.
type SimulatorConfig struct {
	LatencyMs      float64 `toml:"latency_ms"`
	MaxSlippagePct float64 `toml:"max_slippage_pct"`
	LogCapacity    int     `toml:"log_capacity"`
}

// GuardConfig holds the per-market capital protection tunables.
type GuardConfig struct {
	BudgetUSD             float64 `toml:"budget_usd"`
	PreHedgeReserveRatio  float64 `toml:"pre_hedge_reserve_ratio"`
	PostHedgeReserveRatio float64 `toml:"post_hedge_reserve_ratio"`
	MinReserveCash        float64 `toml:"min_reserve_cash"`
	BreakEvenCeiling      float64 `toml:"break_even_ceiling"`
}

// RiskConfig holds the pre-trade admission tunables.
type RiskConfig struct {
	MaxTradeUSD       float64  `toml:"max_trade_usd"`
	SpendWindow       duration `toml:"spend_window"`
	SpendWindowUSD    float64  `toml:"spend_window_usd"`
	EmergencyBrakePct float64  `toml:"emergency_brake_pct"`
}

// StrategyConfig selects and tunes the strategies to run.
type StrategyConfig struct {
	// Active lists the strategies the engine runs concurrently.
	Active []string `toml:"active"`

	PairArb       PairArbConfig       `toml:"pair_arb"`
	MeanReversion MeanReversionConfig `toml:"mean_reversion"`
}

// PairArbConfig exposes the principal pair-arbitrage knobs. The strategy
// package defaults the finer gates.
type PairArbConfig struct {
	MarketBudgetUSD float64  `toml:"market_budget_usd"`
	EntryTradeUSD   float64  `toml:"entry_trade_usd"`
	BalanceTradeUSD float64  `toml:"balance_trade_usd"`
	ImproveTradeUSD float64  `toml:"improve_trade_usd"`
	EntryTrigger    float64  `toml:"entry_trigger"`
	EntryMaxPrice   float64  `toml:"entry_max_price"`
	ProfitLockPair  float64  `toml:"profit_lock_pair"`
	TakeProfitUSD   float64  `toml:"take_profit_usd"`
	Cooldown        duration `toml:"cooldown"`
	SignalTTL       duration `toml:"signal_ttl"`
}

// MeanReversionConfig exposes the spread-tracker strategy knobs.
type MeanReversionConfig struct {
	TradeUSD       float64  `toml:"trade_usd"`
	MaxPositionUSD float64  `toml:"max_position_usd"`
	EntryZ         float64  `toml:"entry_z"`
	Lookback       int      `toml:"lookback"`
	SignalTTL      duration `toml:"signal_ttl"`
}

// ReplayConfig selects the synthetic scenario for replay mode.
type ReplayConfig struct {
	Scenario string `toml:"scenario"`
	// Seed pins the price paths; zero derives one from the clock.
	Seed int64 `toml:"seed"`
}

// RedisConfig holds cache and event-bus connection parameters. Disabled
// runs fall back to in-process equivalents.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds trade-journal connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds report-export object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds status API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	MinSeverity       string `toml:"min_severity"`
	SlippageStreak    int    `toml:"slippage_streak"`
}

// TelemetryConfig tunes the in-memory event ring and bus channel.
type TelemetryConfig struct {
	RingCapacity int    `toml:"ring_capacity"`
	Channel      string `toml:"channel"`
	// StatsInterval is how often the broker publishes aggregate
	// snapshots.
	StatsInterval duration `toml:"stats_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the standard paper-trading
// profile.
func Defaults() Config {
	return Config{
		Session: SessionConfig{
			StartingUSD:  500,
			SignalBuffer: 256,
		},
		Polymarket: PolymarketConfig{
			ClobHost:  "https://clob.polymarket.com",
			GammaHost: "https://gamma-api.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
		},
		Feed: FeedConfig{
			Source:       "ws",
			PollInterval: duration{2 * time.Second},
			SyncInterval: duration{5 * time.Minute},
			MarketLimit:  20,
			// A poll cycle fetches two books per market, so the budget
			// must cover MarketLimit*2 requests per PollInterval.
			RequestsPerWindow: 40,
			RequestWindow:     duration{time.Second},
		},
		Simulator: SimulatorConfig{
			LatencyMs:      25,
			MaxSlippagePct: 5.0,
			LogCapacity:    500,
		},
		Guard: GuardConfig{
			BudgetUSD:             100,
			PreHedgeReserveRatio:  0.10,
			PostHedgeReserveRatio: 0.05,
			MinReserveCash:        5,
			BreakEvenCeiling:      1.00,
		},
		Risk: RiskConfig{
			MaxTradeUSD:       50,
			SpendWindow:       duration{time.Minute},
			SpendWindowUSD:    25,
			EmergencyBrakePct: 0.10,
		},
		Strategy: StrategyConfig{
			Active: []string{"pair_arb"},
			PairArb: PairArbConfig{
				MarketBudgetUSD: 100,
				EntryTradeUSD:   5,
				BalanceTradeUSD: 8,
				ImproveTradeUSD: 3,
				EntryTrigger:    0.55,
				EntryMaxPrice:   0.85,
				ProfitLockPair:  0.96,
				Cooldown:        duration{5 * time.Second},
				SignalTTL:       duration{5 * time.Second},
			},
			MeanReversion: MeanReversionConfig{
				TradeUSD:       10,
				MaxPositionUSD: 30,
				EntryZ:         2.0,
				Lookback:       200,
				SignalTTL:      duration{5 * time.Second},
			},
		},
		Replay: ReplayConfig{
			Scenario: "calm",
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "polysim",
			User:          "polysim",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polysim-reports",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			MinSeverity:    "warn",
			SlippageStreak: 5,
		},
		Telemetry: TelemetryConfig{
			RingCapacity:  500,
			Channel:       "polysim:events",
			StatsInterval: duration{30 * time.Second},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":   true,
	"replay":  true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStrategies = map[string]bool{
	"pair_arb":       true,
	"mean_reversion": true,
}

var validSeverities = map[string]bool{
	"info":     true,
	"warn":     true,
	"critical": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, replay, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Session.StartingUSD <= 0 {
		errs = append(errs, "session: starting_usd must be > 0")
	}

	if c.Mode == "paper" || c.Mode == "monitor" {
		if c.Polymarket.GammaHost == "" {
			errs = append(errs, "polymarket: gamma_host must not be empty")
		}
		if c.Polymarket.ClobHost == "" {
			errs = append(errs, "polymarket: clob_host must not be empty")
		}
		if c.Feed.Source == "ws" && c.Polymarket.WsHost == "" {
			errs = append(errs, "polymarket: ws_host is required when feed.source is \"ws\"")
		}
	}

	if c.Feed.Source != "ws" && c.Feed.Source != "poll" {
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: ws, poll)", c.Feed.Source))
	}
	if c.Feed.PollInterval.Duration < 100*time.Millisecond {
		errs = append(errs, "feed: poll_interval must be at least 100ms")
	}
	if c.Feed.MarketLimit < 1 {
		errs = append(errs, "feed: market_limit must be >= 1")
	}

	if c.Simulator.LatencyMs < 0 {
		errs = append(errs, "simulator: latency_ms must be >= 0")
	}
	if c.Simulator.MaxSlippagePct <= 0 {
		errs = append(errs, "simulator: max_slippage_pct must be > 0")
	}

	if c.Guard.BudgetUSD <= 0 {
		errs = append(errs, "guard: budget_usd must be > 0")
	}
	if c.Guard.PreHedgeReserveRatio < 0 || c.Guard.PreHedgeReserveRatio >= 1 {
		errs = append(errs, "guard: pre_hedge_reserve_ratio must be in [0, 1)")
	}
	if c.Guard.PostHedgeReserveRatio < 0 || c.Guard.PostHedgeReserveRatio >= 1 {
		errs = append(errs, "guard: post_hedge_reserve_ratio must be in [0, 1)")
	}
	if c.Guard.BreakEvenCeiling <= 0 {
		errs = append(errs, "guard: break_even_ceiling must be > 0")
	}

	if c.Risk.MaxTradeUSD <= 0 {
		errs = append(errs, "risk: max_trade_usd must be > 0")
	}
	if c.Risk.EmergencyBrakePct < 0 || c.Risk.EmergencyBrakePct >= 1 {
		errs = append(errs, "risk: emergency_brake_pct must be in [0, 1)")
	}

	if len(c.Strategy.Active) == 0 {
		errs = append(errs, "strategy: active must list at least one strategy")
	}
	for _, name := range c.Strategy.Active {
		if !validStrategies[name] {
			errs = append(errs, fmt.Sprintf("strategy: unknown strategy %q (valid: pair_arb, mean_reversion)", name))
		}
	}

	if c.Mode == "replay" && strings.TrimSpace(c.Replay.Scenario) == "" {
		errs = append(errs, "replay: scenario must not be empty in replay mode")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if c.Notify.MinSeverity != "" && !validSeverities[c.Notify.MinSeverity] {
		errs = append(errs, fmt.Sprintf("notify: unknown min_severity %q (valid: info, warn, critical)", c.Notify.MinSeverity))
	}
	tgToken := c.Notify.TelegramToken != ""
	tgChat := c.Notify.TelegramChatID != ""
	if tgToken != tgChat {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Telemetry.RingCapacity < 0 {
		errs = append(errs, "telemetry: ring_capacity must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
