package handler

import (
	"net/http"

	"github.com/mfeltner/polysim/internal/domain"
)

// StatsSource is the broker surface the stats endpoint reads.
type StatsSource interface {
	MarketIDs() []string
	Stats(marketID string) (domain.SlippageStats, bool)
}

// StatsHandler serves per-market slippage statistics.
type StatsHandler struct {
	source StatsSource
}

// NewStatsHandler creates a StatsHandler over the given source.
func NewStatsHandler(source StatsSource) *StatsHandler {
	return &StatsHandler{source: source}
}

type statsDoc struct {
	LatencyMs         float64 `json:"latency_ms"`
	Fills             int64   `json:"fills"`
	Rejections        int64   `json:"rejections"`
	PartialFills      int64   `json:"partial_fills"`
	FilledVolume      float64 `json:"filled_volume"`
	TotalSlippageCost float64 `json:"total_slippage_cost"`
	AvgSlippagePct    float64 `json:"avg_slippage_pct"`
	WorstSlippagePct  float64 `json:"worst_slippage_pct"`
	FillRatePct       float64 `json:"fill_rate_pct"`
	PartialRatePct    float64 `json:"partial_rate_pct"`
	PnLImpact         float64 `json:"pnl_impact"`
}

type statsTotals struct {
	Fills             int64   `json:"fills"`
	Rejections        int64   `json:"rejections"`
	PartialFills      int64   `json:"partial_fills"`
	FilledVolume      float64 `json:"filled_volume"`
	TotalSlippageCost float64 `json:"total_slippage_cost"`
	PnLImpact         float64 `json:"pnl_impact"`
	FillRatePct       float64 `json:"fill_rate_pct"`
}

type statsResponse struct {
	Markets map[string]statsDoc `json:"markets"`
	Totals  statsTotals         `json:"totals"`
}

// GetStats returns slippage statistics per market plus summed totals.
// Rate totals are recomputed from the sums; averaging per-market
// percentages would weight empty markets the same as busy ones.
// GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Markets: make(map[string]statsDoc)}

	for _, id := range h.source.MarketIDs() {
		st, ok := h.source.Stats(id)
		if !ok {
			continue
		}
		resp.Markets[id] = statsToDoc(st)

		resp.Totals.Fills += st.Fills
		resp.Totals.Rejections += st.Rejections
		resp.Totals.PartialFills += st.PartialFills
		resp.Totals.FilledVolume += st.FilledVolume
		resp.Totals.TotalSlippageCost += st.TotalSlippageCost
		resp.Totals.PnLImpact += st.PnLImpact
	}

	if attempts := resp.Totals.Fills + resp.Totals.Rejections; attempts > 0 {
		resp.Totals.FillRatePct = float64(resp.Totals.Fills) / float64(attempts) * 100
	}

	writeJSON(w, http.StatusOK, resp)
}

func statsToDoc(st domain.SlippageStats) statsDoc {
	return statsDoc{
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
}
