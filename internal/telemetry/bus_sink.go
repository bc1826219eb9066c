package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/domain"
)

// DefaultChannel is the event bus channel envelopes are published on when
// the caller does not override it.
const DefaultChannel = "polysim:events"

// BusSink publishes envelopes to the event bus (Redis Pub/Sub in
// production). Publish failures are logged and dropped; the bus is a
// best-effort mirror of the log, never an execution dependency.
type BusSink struct {
	bus     domain.EventBus
	channel string
	logger  *slog.Logger

	now func() time.Time
}

// NewBusSink creates a BusSink publishing on the given channel. An empty
// channel selects DefaultChannel.
func NewBusSink(bus domain.EventBus, channel string, logger *slog.Logger) *BusSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &BusSink{
		bus:     bus,
		channel: channel,
		logger:  logger.With(slog.String("component", "telemetry_bus")),
		now:     time.Now,
	}
}

func (b *BusSink) publish(ctx context.Context, typ EventType, marketID string, payload any) {
	env := Envelope{
		ID:       uuid.NewString(),
		Type:     typ,
		MarketID: marketID,
		At:       b.now().UTC(),
		Payload:  payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("marshal envelope", slog.String("type", string(typ)), slog.Any("error", err))
		return
	}
	if err := b.bus.Publish(ctx, b.channel, data); err != nil {
		b.logger.Warn("publish envelope", slog.String("type", string(typ)), slog.Any("error", err))
	}
}

func (b *BusSink) Fill(ctx context.Context, marketID string, res domain.FillResult) {
	b.publish(ctx, EventFill, marketID, fillToWire(res))
}

func (b *BusSink) Rejection(ctx context.Context, marketID string, res domain.FillResult) {
	b.publish(ctx, EventRejection, marketID, fillToWire(res))
}

func (b *BusSink) ReserveDenied(ctx context.Context, d ReserveDenial) {
	b.publish(ctx, EventReserveDenied, d.MarketID, denialWire{
		Side:   string(d.Side),
		Price:  d.Price,
		Qty:    d.Qty,
		Reason: d.Reason,
	})
}

func (b *BusSink) CashMove(ctx context.Context, m CashMove) {
	b.publish(ctx, EventCashMove, m.MarketID, cashWire{
		Kind:    m.Kind,
		Amount:  m.Amount,
		Balance: m.Balance,
	})
}

func (b *BusSink) Stats(ctx context.Context, marketID string, st domain.SlippageStats) {
	b.publish(ctx, EventStats, marketID, statsToWire(st))
}

func (b *BusSink) Position(ctx context.Context, snap domain.PositionSnapshot) {
	b.publish(ctx, EventPosition, snap.MarketID, positionToWire(snap))
}

func (b *BusSink) Signal(ctx context.Context, n SignalNote) {
	b.publish(ctx, EventSignal, n.MarketID, signalWire{
		Source:   n.Source,
		Signal:   n.Signal,
		ZScore:   n.ZScore,
		DeltaPct: n.DeltaPct,
		Reason:   n.Reason,
	})
}

func (b *BusSink) Alert(ctx context.Context, a Alert) {
	b.publish(ctx, EventAlert, "", alertWire{
		Severity: string(a.Severity),
		Title:    a.Title,
		Message:  a.Message,
	})
}

var _ Sink = (*BusSink)(nil)
