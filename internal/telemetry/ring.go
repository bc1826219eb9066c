package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/domain"
)

const defaultRingCapacity = 256

// Ring retains the most recent envelopes in memory so the status API can
// serve them without a bus round-trip. Oldest entries are evicted first.
type Ring struct {
	mu       sync.RWMutex
	capacity int
	events   []Envelope

	now func() time.Time
}

// NewRing creates a Ring holding up to capacity envelopes; non-positive
// capacity selects the default of 256.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{capacity: capacity, now: time.Now}
}

func (r *Ring) record(typ EventType, marketID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Envelope{
		ID:       uuid.NewString(),
		Type:     typ,
		MarketID: marketID,
		At:       r.now().UTC(),
		Payload:  payload,
	})
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
}

// Recent returns up to n envelopes, newest last. n <= 0 returns everything
// retained.
func (r *Ring) Recent(n int) []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Envelope, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}

// Len reports how many envelopes are currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *Ring) Fill(_ context.Context, marketID string, res domain.FillResult) {
	r.record(EventFill, marketID, fillToWire(res))
}

func (r *Ring) Rejection(_ context.Context, marketID string, res domain.FillResult) {
	r.record(EventRejection, marketID, fillToWire(res))
}

func (r *Ring) ReserveDenied(_ context.Context, d ReserveDenial) {
	r.record(EventReserveDenied, d.MarketID, denialWire{
		Side:   string(d.Side),
		Price:  d.Price,
		Qty:    d.Qty,
		Reason: d.Reason,
	})
}

func (r *Ring) CashMove(_ context.Context, m CashMove) {
	r.record(EventCashMove, m.MarketID, cashWire{Kind: m.Kind, Amount: m.Amount, Balance: m.Balance})
}

func (r *Ring) Stats(_ context.Context, marketID string, st domain.SlippageStats) {
	r.record(EventStats, marketID, statsToWire(st))
}

func (r *Ring) Position(_ context.Context, snap domain.PositionSnapshot) {
	r.record(EventPosition, snap.MarketID, positionToWire(snap))
}

func (r *Ring) Signal(_ context.Context, n SignalNote) {
	r.record(EventSignal, n.MarketID, signalWire{
		Source:   n.Source,
		Signal:   n.Signal,
		ZScore:   n.ZScore,
		DeltaPct: n.DeltaPct,
		Reason:   n.Reason,
	})
}

func (r *Ring) Alert(_ context.Context, a Alert) {
	r.record(EventAlert, "", alertWire{Severity: string(a.Severity), Title: a.Title, Message: a.Message})
}

var _ Sink = (*Ring)(nil)
