package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYSIM_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env if present (silently ignore when missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYSIM_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Session ──
	setFloat64(&cfg.Session.StartingUSD, "POLYSIM_SESSION_STARTING_USD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYSIM_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYSIM_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYSIM_POLYMARKET_WS_HOST")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "POLYSIM_FEED_SOURCE")
	setDuration(&cfg.Feed.PollInterval, "POLYSIM_FEED_POLL_INTERVAL")
	setDuration(&cfg.Feed.SyncInterval, "POLYSIM_FEED_SYNC_INTERVAL")
	setInt(&cfg.Feed.MarketLimit, "POLYSIM_FEED_MARKET_LIMIT")
	setInt(&cfg.Feed.RequestsPerWindow, "POLYSIM_FEED_REQUESTS_PER_WINDOW")
	setDuration(&cfg.Feed.RequestWindow, "POLYSIM_FEED_REQUEST_WINDOW")

	// ── Simulator ──
	setFloat64(&cfg.Simulator.LatencyMs, "POLYSIM_SIMULATOR_LATENCY_MS")
	setFloat64(&cfg.Simulator.MaxSlippagePct, "POLYSIM_SIMULATOR_MAX_SLIPPAGE_PCT")

	// ── Guard ──
	setFloat64(&cfg.Guard.BudgetUSD, "POLYSIM_GUARD_BUDGET_USD")
	setFloat64(&cfg.Guard.MinReserveCash, "POLYSIM_GUARD_MIN_RESERVE_CASH")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxTradeUSD, "POLYSIM_RISK_MAX_TRADE_USD")
	setFloat64(&cfg.Risk.SpendWindowUSD, "POLYSIM_RISK_SPEND_WINDOW_USD")
	setFloat64(&cfg.Risk.EmergencyBrakePct, "POLYSIM_RISK_EMERGENCY_BRAKE_PCT")

	// ── Strategy ──
	setStringSlice(&cfg.Strategy.Active, "POLYSIM_STRATEGY_ACTIVE")

	// ── Replay ──
	setStr(&cfg.Replay.Scenario, "POLYSIM_REPLAY_SCENARIO")
	setInt64(&cfg.Replay.Seed, "POLYSIM_REPLAY_SEED")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYSIM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYSIM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYSIM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYSIM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYSIM_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "POLYSIM_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYSIM_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POLYSIM_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYSIM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYSIM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYSIM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYSIM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYSIM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYSIM_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "POLYSIM_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYSIM_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYSIM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYSIM_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYSIM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYSIM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYSIM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYSIM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYSIM_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYSIM_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYSIM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYSIM_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POLYSIM_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYSIM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYSIM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYSIM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinSeverity, "POLYSIM_NOTIFY_MIN_SEVERITY")

	// ── Telemetry ──
	setInt(&cfg.Telemetry.RingCapacity, "POLYSIM_TELEMETRY_RING_CAPACITY")
	setStr(&cfg.Telemetry.Channel, "POLYSIM_TELEMETRY_CHANNEL")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYSIM_MODE")
	setStr(&cfg.LogLevel, "POLYSIM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
