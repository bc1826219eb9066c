package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

// recordSink captures the order of event types it receives.
type recordSink struct {
	mu    sync.Mutex
	types []EventType
}

func (r *recordSink) push(t EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
}

func (r *recordSink) seen() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.types))
	copy(out, r.types)
	return out
}

func (r *recordSink) Fill(context.Context, string, domain.FillResult)      { r.push(EventFill) }
func (r *recordSink) Rejection(context.Context, string, domain.FillResult) { r.push(EventRejection) }
func (r *recordSink) ReserveDenied(context.Context, ReserveDenial)         { r.push(EventReserveDenied) }
func (r *recordSink) CashMove(context.Context, CashMove)                   { r.push(EventCashMove) }
func (r *recordSink) Stats(context.Context, string, domain.SlippageStats)  { r.push(EventStats) }
func (r *recordSink) Position(context.Context, domain.PositionSnapshot)    { r.push(EventPosition) }
func (r *recordSink) Signal(context.Context, SignalNote)                   { r.push(EventSignal) }
func (r *recordSink) Alert(context.Context, Alert)                         { r.push(EventAlert) }

// fakeBus implements domain.EventBus in memory.
type fakeBus struct {
	mu       sync.Mutex
	channel  string
	payloads [][]byte
	err      error
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.channel = channel
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.payloads = append(f.payloads, cp)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emitAll(ctx context.Context, s Sink) {
	s.Fill(ctx, "m1", domain.FillResult{Filled: true, Side: domain.SideUp})
	s.Rejection(ctx, "m1", domain.FillResult{Side: domain.SideUp, Reason: "no ask liquidity in order book, cannot fill"})
	s.ReserveDenied(ctx, ReserveDenial{MarketID: "m1", Side: domain.SideUp, Price: 0.5, Qty: 10, Reason: "below hedge reserve"})
	s.CashMove(ctx, CashMove{MarketID: "m1", Kind: "debit", Amount: 5, Balance: 95})
	s.Stats(ctx, "m1", domain.SlippageStats{Fills: 1})
	s.Position(ctx, domain.PositionSnapshot{Position: domain.Position{MarketID: "m1", QtyUp: 10}})
	s.Signal(ctx, SignalNote{MarketID: "m1", Source: "mean_reversion", Signal: "SHORT_UP_LONG_DOWN", ZScore: 2.4})
	s.Alert(ctx, Alert{Severity: SeverityCritical, Title: "emergency brake", Message: "budget nearly exhausted"})
}

func TestFanoutDispatchesToAllSinks(t *testing.T) {
	ctx := context.Background()
	a := &recordSink{}
	b := &recordSink{}
	f := NewFanout(a, nil, b)

	require.Len(t, f, 2, "nil sinks must be dropped")
	emitAll(ctx, f)

	want := []EventType{
		EventFill, EventRejection, EventReserveDenied, EventCashMove,
		EventStats, EventPosition, EventSignal, EventAlert,
	}
	assert.Equal(t, want, a.seen())
	assert.Equal(t, want, b.seen())
}

func TestNopSinkAcceptsEverything(t *testing.T) {
	emitAll(context.Background(), NopSink{})
}

func TestBusSinkPublishesEnvelope(t *testing.T) {
	bus := &fakeBus{}
	sink := NewBusSink(bus, "", discardLogger())
	sink.now = func() time.Time { return time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC) }

	sink.Fill(context.Background(), "btc-updown-1030", domain.FillResult{
		Filled:       true,
		Side:         domain.SideUp,
		DesiredPrice: 0.40,
		FillPrice:    0.4075,
		DesiredQty:   80,
		FilledQty:    80,
		SlippagePct:  1.875,
		TotalCost:    32.6,
	})

	require.Len(t, bus.payloads, 1)
	assert.Equal(t, DefaultChannel, bus.channel)

	var env struct {
		ID       string          `json:"id"`
		Type     string          `json:"type"`
		MarketID string          `json:"market_id"`
		At       time.Time       `json:"at"`
		Payload  json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(bus.payloads[0], &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "fill", env.Type)
	assert.Equal(t, "btc-updown-1030", env.MarketID)
	assert.Equal(t, time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC), env.At)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "UP", payload["side"])
	assert.InDelta(t, 0.4075, payload["fill_price"].(float64), 1e-9)
	assert.InDelta(t, 32.6, payload["total_cost"].(float64), 1e-9)
	assert.InDelta(t, 1.875, payload["slippage_pct"].(float64), 1e-9)
}

func TestBusSinkSurvivesPublishFailure(t *testing.T) {
	bus := &fakeBus{err: errors.New("redis: connection refused")}
	sink := NewBusSink(bus, "events", discardLogger())

	emitAll(context.Background(), sink)

	assert.Empty(t, bus.payloads)
}

func TestBusSinkCoversAllEventTypes(t *testing.T) {
	bus := &fakeBus{}
	sink := NewBusSink(bus, "events", discardLogger())

	emitAll(context.Background(), sink)

	require.Len(t, bus.payloads, 8)
	assert.Equal(t, "events", bus.channel)

	seen := make(map[string]bool)
	for _, raw := range bus.payloads {
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		seen[string(env.Type)] = true
	}
	for _, typ := range []EventType{
		EventFill, EventRejection, EventReserveDenied, EventCashMove,
		EventStats, EventPosition, EventSignal, EventAlert,
	} {
		assert.True(t, seen[string(typ)], "missing %s", typ)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	ring := NewRing(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ring.CashMove(ctx, CashMove{Kind: "debit", Amount: float64(i)})
	}

	assert.Equal(t, 3, ring.Len())
	recent := ring.Recent(0)
	require.Len(t, recent, 3)
	// Oldest retained is the third event (amount 2).
	assert.InDelta(t, 2.0, recent[0].Payload.(cashWire).Amount, 1e-9)
	assert.InDelta(t, 4.0, recent[2].Payload.(cashWire).Amount, 1e-9)
}

func TestRingRecentReturnsNewestLast(t *testing.T) {
	ring := NewRing(10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		ring.CashMove(ctx, CashMove{Kind: "credit", Amount: float64(i)})
	}

	recent := ring.Recent(2)
	require.Len(t, recent, 2)
	assert.InDelta(t, 2.0, recent[0].Payload.(cashWire).Amount, 1e-9)
	assert.InDelta(t, 3.0, recent[1].Payload.(cashWire).Amount, 1e-9)
}

func TestRingConcurrentAccess(t *testing.T) {
	ring := NewRing(64)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ring.Fill(ctx, "m", domain.FillResult{Filled: true})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = ring.Recent(10)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 64, ring.Len())
}

func TestLogSinkRendersEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger)

	emitAll(context.Background(), sink)

	out := buf.String()
	assert.Contains(t, out, "component=telemetry")
	assert.Contains(t, out, "msg=fill")
	assert.Contains(t, out, `msg="fill rejected"`)
	assert.Contains(t, out, `msg="reserve denied"`)
	assert.Contains(t, out, `msg="cash move"`)
	assert.Contains(t, out, `msg="slippage stats"`)
	assert.Contains(t, out, "msg=position")
	assert.Contains(t, out, "msg=signal")
	assert.Contains(t, out, "msg=alert")
	assert.Contains(t, out, "level=ERROR")
}
