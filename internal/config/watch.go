package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadCooldown swallows the event bursts editors produce for one save.
const reloadCooldown = 500 * time.Millisecond

// Watcher re-loads the config file when it changes and hands the validated
// result to the callback. Only hot-applicable tunables should be consumed
// from it; connection settings need a restart regardless.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger

	cooldown time.Duration
}

// NewWatcher creates a watcher for the config file at path. onChange runs
// on the watcher goroutine; keep it quick.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "config_watcher")),
		cooldown: reloadCooldown,
	}
}

// Run watches until the context ends. A config revision that fails to load
// or validate is logged and skipped; the running session keeps its current
// tunables.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory, not the file. Editors and configmap mounts
	// replace the file by rename, and a watch on the old inode dies with
	// it.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	w.logger.Info("watching config", slog.String("path", w.path))

	base := filepath.Base(w.path)
	var lastReload time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if time.Since(lastReload) < w.cooldown {
				continue
			}
			lastReload = time.Now()
			w.reload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.ErrorContext(ctx, "reload failed, keeping current config",
			slog.String("error", err.Error()))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.ErrorContext(ctx, "reloaded config invalid, keeping current",
			slog.String("error", err.Error()))
		return
	}

	w.logger.InfoContext(ctx, "config reloaded",
		slog.Float64("latency_ms", cfg.Simulator.LatencyMs),
		slog.Float64("max_slippage_pct", cfg.Simulator.MaxSlippagePct),
	)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
