// Package notify pushes risk events to operator channels (Telegram,
// Discord). It sits on the telemetry fanout as a sink: alerts at or above
// the configured severity are queued and delivered by a background worker,
// so a slow webhook never stalls an execution.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/telemetry"
)

const (
	defaultQueueSize       = 32
	defaultStreakThreshold = 5
	dispatchTimeout        = 15 * time.Second
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Config tunes filtering and the slippage watchdog.
type Config struct {
	// MinSeverity drops alerts below this level. Default warn.
	MinSeverity telemetry.Severity
	// StreakThreshold fires a warning after this many consecutive
	// slippage rejections on one market. Zero takes the default;
	// negative disables the watchdog.
	StreakThreshold int
	QueueSize       int
}

func (c Config) withDefaults() Config {
	if c.MinSeverity == "" {
		c.MinSeverity = telemetry.SeverityWarn
	}
	if c.StreakThreshold == 0 {
		c.StreakThreshold = defaultStreakThreshold
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Notifier filters alerts by severity and fans them out to every sender.
// It also watches the rejection stream: a run of consecutive
// excessive-slippage rejections on one market raises its own alert, since
// that usually means the latency or slippage tunables no longer match the
// book.
type Notifier struct {
	telemetry.NopSink

	cfg     Config
	senders []Sender
	queue   chan telemetry.Alert
	logger  *slog.Logger

	mu      sync.Mutex
	streaks map[string]int
}

// New creates a Notifier over the given senders. With no senders every
// alert is dropped silently, which keeps wiring unconditional.
func New(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:     cfg,
		senders: senders,
		queue:   make(chan telemetry.Alert, cfg.QueueSize),
		logger:  logger.With(slog.String("component", "notifier")),
		streaks: make(map[string]int),
	}
}

// Run delivers queued alerts until the context ends.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-n.queue:
			n.dispatch(ctx, a)
		}
	}
}

// Alert enqueues for delivery. Never blocks; when the queue is full the
// alert is dropped and logged.
func (n *Notifier) Alert(ctx context.Context, a telemetry.Alert) {
	if len(n.senders) == 0 || severityRank(a.Severity) < severityRank(n.cfg.MinSeverity) {
		return
	}
	select {
	case n.queue <- a:
	default:
		n.logger.WarnContext(ctx, "alert queue full, dropping",
			slog.String("title", a.Title),
		)
	}
}

// Rejection feeds the slippage watchdog.
func (n *Notifier) Rejection(ctx context.Context, marketID string, res domain.FillResult) {
	if n.cfg.StreakThreshold < 0 || !strings.Contains(res.Reason, "slippage") {
		return
	}

	n.mu.Lock()
	n.streaks[marketID]++
	streak := n.streaks[marketID]
	fired := streak >= n.cfg.StreakThreshold
	if fired {
		n.streaks[marketID] = 0
	}
	n.mu.Unlock()

	if fired {
		n.Alert(ctx, telemetry.Alert{
			Severity: telemetry.SeverityWarn,
			Title:    "excessive slippage streak",
			Message: fmt.Sprintf("%s: %d consecutive slippage rejections (last: %s)",
				marketID, streak, res.Reason),
		})
	}
}

// Fill resets the market's streak; the book is fillable again.
func (n *Notifier) Fill(_ context.Context, marketID string, _ domain.FillResult) {
	n.mu.Lock()
	delete(n.streaks, marketID)
	n.mu.Unlock()
}

// dispatch posts to every sender. One failing channel never blocks the
// others; failures are logged, not returned, since there is nobody to
// return them to.
func (n *Notifier) dispatch(ctx context.Context, a telemetry.Alert) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
	for _, s := range n.senders {
		if err := s.Send(ctx, title, a.Message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "alert delivered",
			slog.String("sender", s.Name()),
			slog.String("title", a.Title),
		)
	}
}

var _ telemetry.Sink = (*Notifier)(nil)

func severityRank(s telemetry.Severity) int {
	switch s {
	case telemetry.SeverityCritical:
		return 2
	case telemetry.SeverityWarn:
		return 1
	default:
		return 0
	}
}

// postJSON is the shared webhook delivery both senders build on.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
