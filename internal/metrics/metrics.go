// Package metrics exports session counters and gauges to Prometheus. It is
// a telemetry sink like the others: the market runners never talk to it
// directly, the fanout does.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/telemetry"
)

const namespace = "polysim"

// Metrics owns a private registry so tests and multiple sessions in one
// process never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	fills        *prometheus.CounterVec
	partialFills prometheus.Counter
	filledVolume prometheus.Counter
	rejections   *prometheus.CounterVec
	denials      prometheus.Counter

	cash         prometheus.Gauge
	slippageCost prometheus.Gauge
	cashMoves    *prometheus.CounterVec

	fillRate    *prometheus.GaugeVec
	avgSlippage *prometheus.GaugeVec

	lockedProfit *prometheus.GaugeVec
	realizedPnL  *prometheus.GaugeVec

	signals *prometheus.CounterVec
	alerts  *prometheus.CounterVec
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Simulated executions, by side.",
		}, []string{"side"}),
		partialFills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_fills_total",
			Help:      "Executions that matched less than the desired quantity.",
		}),
		filledVolume: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filled_volume_total",
			Help:      "Cumulative filled quantity in shares.",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Refused executions, by reason class.",
		}, []string{"reason"}),
		denials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_denials_total",
			Help:      "Trades stopped by the capital guard before simulation.",
		}),

		cash: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cash_usd",
			Help:      "Capital pool balance after the latest move.",
		}),
		slippageCost: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slippage_cost_usd",
			Help:      "Cumulative signed slippage cost; negative is price improvement.",
		}),
		cashMoves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cash_moves_total",
			Help:      "Capital pool mutations, by kind.",
		}, []string{"kind"}),

		fillRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fill_rate_pct",
			Help:      "Share of attempts that filled, per market.",
		}, []string{"market"}),
		avgSlippage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "avg_slippage_pct",
			Help:      "Average buy-side slippage, per market.",
		}, []string{"market"}),

		lockedProfit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locked_profit_usd",
			Help:      "Guaranteed payout minus cost for completed pairs, per market.",
		}, []string{"market"}),
		realizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_usd",
			Help:      "Realized profit and loss, per market.",
		}, []string{"market"}),

		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Strategy and detector decisions, by source.",
		}, []string{"source"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts, by severity.",
		}, []string{"severity"}),
	}
}

// Handler serves the registry for the status API's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Fill(_ context.Context, _ string, res domain.FillResult) {
	m.fills.WithLabelValues(string(res.Side)).Inc()
	if res.Partial {
		m.partialFills.Inc()
	}
	m.filledVolume.Add(res.FilledQty)
	m.slippageCost.Add(res.SlippageCost)
}

func (m *Metrics) Rejection(_ context.Context, _ string, res domain.FillResult) {
	m.rejections.WithLabelValues(reasonClass(res.Reason)).Inc()
}

func (m *Metrics) ReserveDenied(_ context.Context, _ telemetry.ReserveDenial) {
	m.denials.Inc()
}

func (m *Metrics) CashMove(_ context.Context, mv telemetry.CashMove) {
	m.cash.Set(mv.Balance)
	m.cashMoves.WithLabelValues(mv.Kind).Inc()
}

func (m *Metrics) Stats(_ context.Context, marketID string, st domain.SlippageStats) {
	m.fillRate.WithLabelValues(marketID).Set(st.FillRatePct)
	m.avgSlippage.WithLabelValues(marketID).Set(st.AvgSlippagePct)
}

func (m *Metrics) Position(_ context.Context, snap domain.PositionSnapshot) {
	m.lockedProfit.WithLabelValues(snap.MarketID).Set(snap.LockedProfit)
	m.realizedPnL.WithLabelValues(snap.MarketID).Set(snap.RealizedPnL)
}

func (m *Metrics) Signal(_ context.Context, n telemetry.SignalNote) {
	m.signals.WithLabelValues(n.Source).Inc()
}

func (m *Metrics) Alert(_ context.Context, a telemetry.Alert) {
	m.alerts.WithLabelValues(string(a.Severity)).Inc()
}

var _ telemetry.Sink = (*Metrics)(nil)

// reasonClass folds the simulator's free-text rejection reasons into a
// bounded label set. Raw reasons embed prices and quantities and would blow
// up series cardinality.
func reasonClass(reason string) string {
	switch {
	case strings.Contains(reason, "slippage"):
		return "excessive_slippage"
	case strings.Contains(reason, "no ask liquidity"), strings.Contains(reason, "no bid liquidity"):
		return "no_liquidity"
	case strings.Contains(reason, "insufficient"),
		strings.Contains(reason, "available"),
		strings.Contains(reason, "below min sell"):
		return "insufficient_fill"
	default:
		return "other"
	}
}
