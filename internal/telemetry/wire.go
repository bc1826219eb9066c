package telemetry

import (
	"github.com/mfeltner/polysim/internal/domain"
)

// Wire DTOs published inside Envelope.Payload. Domain types carry no JSON
// tags; the shapes consumed by dashboards and the WebSocket hub are pinned
// here instead.

type fillWire struct {
	Side         string  `json:"side"`
	DesiredPrice float64 `json:"desired_price"`
	FillPrice    float64 `json:"fill_price"`
	DesiredQty   float64 `json:"desired_qty"`
	FilledQty    float64 `json:"filled_qty"`
	Partial      bool    `json:"partial,omitempty"`
	SlippagePct  float64 `json:"slippage_pct"`
	SlippageCost float64 `json:"slippage_cost"`
	TotalCost    float64 `json:"total_cost"`
	LatencyMs    float64 `json:"latency_ms"`
	Levels       int     `json:"levels_consumed"`
	Reason       string  `json:"reason,omitempty"`
}

func fillToWire(res domain.FillResult) fillWire {
	return fillWire{
		Side:         string(res.Side),
		DesiredPrice: res.DesiredPrice,
		FillPrice:    res.FillPrice,
		DesiredQty:   res.DesiredQty,
		FilledQty:    res.FilledQty,
		Partial:      res.Partial,
		SlippagePct:  res.SlippagePct,
		SlippageCost: res.SlippageCost,
		TotalCost:    res.TotalCost,
		LatencyMs:    res.LatencyMs,
		Levels:       res.LevelsConsumed,
		Reason:       res.Reason,
	}
}

type denialWire struct {
	Side   string  `json:"side"`
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty"`
	Reason string  `json:"reason"`
}

type cashWire struct {
	Kind    string  `json:"kind"`
	Amount  float64 `json:"amount"`
	Balance float64 `json:"balance"`
}

type sideStatsWire struct {
	Fills        int64   `json:"fills"`
	Rejections   int64   `json:"rejections"`
	PartialFills int64   `json:"partial_fills"`
	Volume       float64 `json:"volume"`
	SlippageCost float64 `json:"slippage_cost"`
}

type statsWire struct {
	LatencyMs         float64                  `json:"latency_ms"`
	Fills             int64                    `json:"fills"`
	Rejections        int64                    `json:"rejections"`
	PartialFills      int64                    `json:"partial_fills"`
	FilledVolume      float64                  `json:"filled_volume"`
	TotalSlippageCost float64                  `json:"total_slippage_cost"`
	AvgSlippagePct    float64                  `json:"avg_slippage_pct"`
	WorstSlippagePct  float64                  `json:"worst_slippage_pct"`
	FillRatePct       float64                  `json:"fill_rate_pct"`
	PartialRatePct    float64                  `json:"partial_rate_pct"`
	PnLImpact         float64                  `json:"pnl_impact"`
	BySide            map[string]sideStatsWire `json:"by_side,omitempty"`
}

func statsToWire(st domain.SlippageStats) statsWire {
	w := statsWire{
		LatencyMs:         st.LatencyMs,
		Fills:             st.Fills,
		Rejections:        st.Rejections,
		PartialFills:      st.PartialFills,
		FilledVolume:      st.FilledVolume,
		TotalSlippageCost: st.TotalSlippageCost,
		AvgSlippagePct:    st.AvgSlippagePct,
		WorstSlippagePct:  st.WorstSlippagePct,
		FillRatePct:       st.FillRatePct,
		PartialRatePct:    st.PartialRatePct,
		PnLImpact:         st.PnLImpact,
	}
	if len(st.BySide) > 0 {
		w.BySide = make(map[string]sideStatsWire, len(st.BySide))
		for side, s := range st.BySide {
			w.BySide[string(side)] = sideStatsWire{
				Fills:        s.Fills,
				Rejections:   s.Rejections,
				PartialFills: s.PartialFills,
				Volume:       s.Volume,
				SlippageCost: s.SlippageCost,
			}
		}
	}
	return w
}

type positionWire struct {
	QtyUp        float64 `json:"qty_up"`
	QtyDown      float64 `json:"qty_down"`
	CostUp       float64 `json:"cost_up"`
	CostDown     float64 `json:"cost_down"`
	PairCost     float64 `json:"pair_cost,omitempty"`
	PairComplete bool    `json:"pair_complete"`
	LockedProfit float64 `json:"locked_profit"`
	RealizedPnL  float64 `json:"realized_pnl"`
	Cash         float64 `json:"cash"`
	SpentBudget  float64 `json:"spent_budget"`
}

func positionToWire(snap domain.PositionSnapshot) positionWire {
	return positionWire{
		QtyUp:        snap.QtyUp,
		QtyDown:      snap.QtyDown,
		CostUp:       snap.CostUp,
		CostDown:     snap.CostDown,
		PairCost:     snap.PairCost,
		PairComplete: snap.PairComplete,
		LockedProfit: snap.LockedProfit,
		RealizedPnL:  snap.RealizedPnL,
		Cash:         snap.Cash,
		SpentBudget:  snap.SpentBudget,
	}
}

type signalWire struct {
	Source   string  `json:"source"`
	Signal   string  `json:"signal"`
	ZScore   float64 `json:"z_score"`
	DeltaPct float64 `json:"delta_pct"`
	Reason   string  `json:"reason,omitempty"`
}

type alertWire struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}
