package telemetry

import (
	"context"
	"log/slog"

	"github.com/mfeltner/polysim/internal/domain"
)

// LogSink renders events as structured log records. Fills and signals log
// at info, rejections and guard denials at warn, bookkeeping at debug.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink writing through the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "telemetry"))}
}

func (l *LogSink) Fill(_ context.Context, marketID string, res domain.FillResult) {
	l.logger.Info("fill",
		slog.String("market", marketID),
		slog.String("side", string(res.Side)),
		slog.Float64("qty", res.FilledQty),
		slog.Float64("price", res.FillPrice),
		slog.Float64("cost", res.TotalCost),
		slog.Float64("slippage_pct", res.SlippagePct),
		slog.Bool("partial", res.Partial),
	)
}

func (l *LogSink) Rejection(_ context.Context, marketID string, res domain.FillResult) {
	l.logger.Warn("fill rejected",
		slog.String("market", marketID),
		slog.String("side", string(res.Side)),
		slog.Float64("desired_qty", res.DesiredQty),
		slog.Float64("desired_price", res.DesiredPrice),
		slog.String("reason", res.Reason),
	)
}

func (l *LogSink) ReserveDenied(_ context.Context, d ReserveDenial) {
	l.logger.Warn("reserve denied",
		slog.String("market", d.MarketID),
		slog.String("side", string(d.Side)),
		slog.Float64("price", d.Price),
		slog.Float64("qty", d.Qty),
		slog.String("reason", d.Reason),
	)
}

func (l *LogSink) CashMove(_ context.Context, m CashMove) {
	l.logger.Debug("cash move",
		slog.String("market", m.MarketID),
		slog.String("kind", m.Kind),
		slog.Float64("amount", m.Amount),
		slog.Float64("balance", m.Balance),
	)
}

func (l *LogSink) Stats(_ context.Context, marketID string, st domain.SlippageStats) {
	l.logger.Info("slippage stats",
		slog.String("market", marketID),
		slog.Int64("fills", st.Fills),
		slog.Int64("rejections", st.Rejections),
		slog.Float64("fill_rate_pct", st.FillRatePct),
		slog.Float64("avg_slippage_pct", st.AvgSlippagePct),
		slog.Float64("worst_slippage_pct", st.WorstSlippagePct),
		slog.Float64("pnl_impact", st.PnLImpact),
	)
}

func (l *LogSink) Position(_ context.Context, snap domain.PositionSnapshot) {
	l.logger.Debug("position",
		slog.String("market", snap.MarketID),
		slog.Float64("qty_up", snap.QtyUp),
		slog.Float64("qty_down", snap.QtyDown),
		slog.Float64("pair_cost", snap.PairCost),
		slog.Float64("locked_profit", snap.LockedProfit),
		slog.Float64("cash", snap.Cash),
	)
}

func (l *LogSink) Signal(_ context.Context, n SignalNote) {
	l.logger.Info("signal",
		slog.String("market", n.MarketID),
		slog.String("source", n.Source),
		slog.String("signal", n.Signal),
		slog.Float64("z", n.ZScore),
		slog.Float64("delta_pct", n.DeltaPct),
	)
}

func (l *LogSink) Alert(_ context.Context, a Alert) {
	attrs := []any{
		slog.String("title", a.Title),
		slog.String("message", a.Message),
	}
	switch a.Severity {
	case SeverityCritical:
		l.logger.Error("alert", attrs...)
	case SeverityWarn:
		l.logger.Warn("alert", attrs...)
	default:
		l.logger.Info("alert", attrs...)
	}
}

var _ Sink = (*LogSink)(nil)
