// Package app owns the application lifecycle. It wires the optional
// backends (redis, postgres, s3), assembles the telemetry fanout and
// notifier, and starts the goroutines for the configured operating mode:
// paper trading against live market data, deterministic replay against
// synthetic scenarios, or read-only monitoring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mfeltner/polysim/internal/config"
)

// App is the root application object. It owns the configuration, logger,
// and a list of cleanup functions that are called in reverse order on
// shutdown.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	closers    []func()
}

// New creates an App from the given configuration and logger. configPath
// may be empty; when set, paper mode watches the file and hot-reloads the
// simulator tunables and feed throttle caps.
func New(cfg *config.Config, configPath string, logger *slog.Logger) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until
// the context is cancelled or the session completes.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "paper":
		return a.PaperMode(ctx, deps)
	case "replay":
		return a.ReplayMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
