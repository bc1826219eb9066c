package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentAlert struct {
	title   string
	message string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentAlert
	fail bool
	name string
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("webhook down")
	}
	f.sent = append(f.sent, sentAlert{title: title, message: message})
	return nil
}

func (f *fakeSender) Name() string {
	if f.name != "" {
		return f.name
	}
	return "fake"
}

func (f *fakeSender) delivered() []sentAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentAlert, len(f.sent))
	copy(out, f.sent)
	return out
}

func runNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Run(ctx)
}

func TestAlertDeliveredToAllSenders(t *testing.T) {
	a := &fakeSender{name: "telegram"}
	b := &fakeSender{name: "discord"}
	n := New([]Sender{a, b}, Config{}, discardLogger())
	runNotifier(t, n)

	n.Alert(context.Background(), telemetry.Alert{
		Severity: telemetry.SeverityCritical,
		Title:    "emergency brake engaged",
		Message:  "pool balance $42.00 fell below floor",
	})

	require.Eventually(t, func() bool {
		return len(a.delivered()) == 1 && len(b.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := a.delivered()[0]
	assert.Equal(t, "[CRITICAL] emergency brake engaged", got.title)
	assert.Contains(t, got.message, "$42.00")
}

func TestAlertBelowMinSeverityDropped(t *testing.T) {
	s := &fakeSender{}
	n := New([]Sender{s}, Config{MinSeverity: telemetry.SeverityCritical}, discardLogger())
	runNotifier(t, n)

	n.Alert(context.Background(), telemetry.Alert{Severity: telemetry.SeverityWarn, Title: "meh"})
	n.Alert(context.Background(), telemetry.Alert{Severity: telemetry.SeverityInfo, Title: "meh"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.delivered())
}

func TestFailingSenderDoesNotBlockOthers(t *testing.T) {
	bad := &fakeSender{name: "telegram", fail: true}
	good := &fakeSender{name: "discord"}
	n := New([]Sender{bad, good}, Config{}, discardLogger())
	runNotifier(t, n)

	n.Alert(context.Background(), telemetry.Alert{
		Severity: telemetry.SeverityCritical,
		Title:    "settlement failed after approved fill",
	})

	require.Eventually(t, func() bool {
		return len(good.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, bad.delivered())
}

func TestSlippageStreakRaisesAlert(t *testing.T) {
	s := &fakeSender{}
	n := New([]Sender{s}, Config{StreakThreshold: 3}, discardLogger())
	runNotifier(t, n)

	ctx := context.Background()
	rej := domain.FillResult{Reason: "slippage 8.10% exceeds max 5.0% (want $0.4500, would fill @ $0.4865)"}

	n.Rejection(ctx, "btc-15m", rej)
	n.Rejection(ctx, "btc-15m", rej)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, s.delivered(), "below threshold")

	n.Rejection(ctx, "btc-15m", rej)

	require.Eventually(t, func() bool {
		return len(s.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got := s.delivered()[0]
	assert.Equal(t, "[WARN] excessive slippage streak", got.title)
	assert.Contains(t, got.message, "btc-15m: 3 consecutive")
}

func TestFillResetsStreak(t *testing.T) {
	s := &fakeSender{}
	n := New([]Sender{s}, Config{StreakThreshold: 3}, discardLogger())
	runNotifier(t, n)

	ctx := context.Background()
	rej := domain.FillResult{Reason: "slippage 8.10% exceeds max 5.0%"}

	n.Rejection(ctx, "btc-15m", rej)
	n.Rejection(ctx, "btc-15m", rej)
	n.Fill(ctx, "btc-15m", domain.FillResult{Filled: true})
	n.Rejection(ctx, "btc-15m", rej)
	n.Rejection(ctx, "btc-15m", rej)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.delivered())
}

func TestStreaksAreIndependentPerMarket(t *testing.T) {
	s := &fakeSender{}
	n := New([]Sender{s}, Config{StreakThreshold: 2}, discardLogger())
	runNotifier(t, n)

	ctx := context.Background()
	rej := domain.FillResult{Reason: "slippage 8.10% exceeds max 5.0%"}

	n.Rejection(ctx, "btc-15m", rej)
	n.Rejection(ctx, "eth-15m", rej)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.delivered())
}

func TestNonSlippageRejectionIgnored(t *testing.T) {
	s := &fakeSender{}
	n := New([]Sender{s}, Config{StreakThreshold: 1}, discardLogger())
	runNotifier(t, n)

	n.Rejection(context.Background(), "btc-15m", domain.FillResult{
		Reason: "no ask liquidity in order book, cannot fill",
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.delivered())
}

func TestAlertWithoutSendersIsNoop(t *testing.T) {
	n := New(nil, Config{}, discardLogger())
	// No Run loop either; must not block or panic.
	n.Alert(context.Background(), telemetry.Alert{Severity: telemetry.SeverityCritical, Title: "x"})
}

func TestDiscordSenderPostsWebhook(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "[CRITICAL] brake", "halted"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "**[CRITICAL] brake**\nhalted", body["content"])
}

func TestDiscordSenderSurfacesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 404")
}
