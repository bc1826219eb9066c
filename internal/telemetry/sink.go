package telemetry

import (
	"context"

	"github.com/mfeltner/polysim/internal/domain"
)

// Sink receives typed events from the trading core. Implementations must be
// safe for concurrent use and must not block: market runners call these
// inline between guard and settlement.
type Sink interface {
	// Fill reports a successful (possibly partial) simulated execution.
	Fill(ctx context.Context, marketID string, res domain.FillResult)
	// Rejection reports a refused execution; res carries the reason.
	Rejection(ctx context.Context, marketID string, res domain.FillResult)
	// ReserveDenied reports a trade stopped by the capital guard before
	// simulation.
	ReserveDenied(ctx context.Context, d ReserveDenial)
	// CashMove reports a capital pool debit, credit, or resolution payout.
	CashMove(ctx context.Context, m CashMove)
	// Stats reports a periodic aggregate snapshot for one market.
	Stats(ctx context.Context, marketID string, st domain.SlippageStats)
	// Position reports a ledger snapshot after a position-changing event.
	Position(ctx context.Context, snap domain.PositionSnapshot)
	// Signal reports a strategy or quant-engine decision.
	Signal(ctx context.Context, n SignalNote)
	// Alert reports a human-directed notice.
	Alert(ctx context.Context, a Alert)
}

// NopSink discards everything. Embed it to implement only the events a sink
// cares about.
type NopSink struct{}

func (NopSink) Fill(context.Context, string, domain.FillResult)      {}
func (NopSink) Rejection(context.Context, string, domain.FillResult) {}
func (NopSink) ReserveDenied(context.Context, ReserveDenial)         {}
func (NopSink) CashMove(context.Context, CashMove)                   {}
func (NopSink) Stats(context.Context, string, domain.SlippageStats)  {}
func (NopSink) Position(context.Context, domain.PositionSnapshot)    {}
func (NopSink) Signal(context.Context, SignalNote)                   {}
func (NopSink) Alert(context.Context, Alert)                         {}

var _ Sink = NopSink{}

// Fanout forwards every event to each member sink in order. A slow or
// failing member affects only itself; members swallow their own errors.
type Fanout []Sink

// NewFanout builds a Fanout, skipping nil members.
func NewFanout(sinks ...Sink) Fanout {
	out := make(Fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f Fanout) Fill(ctx context.Context, marketID string, res domain.FillResult) {
	for _, s := range f {
		s.Fill(ctx, marketID, res)
	}
}

func (f Fanout) Rejection(ctx context.Context, marketID string, res domain.FillResult) {
	for _, s := range f {
		s.Rejection(ctx, marketID, res)
	}
}

func (f Fanout) ReserveDenied(ctx context.Context, d ReserveDenial) {
	for _, s := range f {
		s.ReserveDenied(ctx, d)
	}
}

func (f Fanout) CashMove(ctx context.Context, m CashMove) {
	for _, s := range f {
		s.CashMove(ctx, m)
	}
}

func (f Fanout) Stats(ctx context.Context, marketID string, st domain.SlippageStats) {
	for _, s := range f {
		s.Stats(ctx, marketID, st)
	}
}

func (f Fanout) Position(ctx context.Context, snap domain.PositionSnapshot) {
	for _, s := range f {
		s.Position(ctx, snap)
	}
}

func (f Fanout) Signal(ctx context.Context, n SignalNote) {
	for _, s := range f {
		s.Signal(ctx, n)
	}
}

func (f Fanout) Alert(ctx context.Context, a Alert) {
	for _, s := range f {
		s.Alert(ctx, a)
	}
}

var _ Sink = Fanout{}
