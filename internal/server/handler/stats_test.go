package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

type fakeStats struct {
	ids   []string
	stats map[string]domain.SlippageStats
}

func (f *fakeStats) MarketIDs() []string { return f.ids }

func (f *fakeStats) Stats(marketID string) (domain.SlippageStats, bool) {
	st, ok := f.stats[marketID]
	return st, ok
}

func TestGetStatsAggregatesMarkets(t *testing.T) {
	h := NewStatsHandler(&fakeStats{
		ids: []string{"btc-15m", "eth-15m", "sol-15m"},
		stats: map[string]domain.SlippageStats{
			"btc-15m": {
				Fills:             8,
				Rejections:        2,
				FilledVolume:      160,
				TotalSlippageCost: 1.25,
				AvgSlippagePct:    0.6,
				PnLImpact:         -1.25,
			},
			"eth-15m": {
				Fills:             2,
				Rejections:        3,
				FilledVolume:      40,
				TotalSlippageCost: 0.5,
				PnLImpact:         -0.5,
			},
			// sol-15m has no runner stats and is skipped.
		},
	})

	rec := httptest.NewRecorder()
	h.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Markets map[string]struct {
			Fills          int64   `json:"fills"`
			AvgSlippagePct float64 `json:"avg_slippage_pct"`
		} `json:"markets"`
		Totals struct {
			Fills             int64   `json:"fills"`
			Rejections        int64   `json:"rejections"`
			FilledVolume      float64 `json:"filled_volume"`
			TotalSlippageCost float64 `json:"total_slippage_cost"`
			FillRatePct       float64 `json:"fill_rate_pct"`
			PnLImpact         float64 `json:"pnl_impact"`
		} `json:"totals"`
	}
	decodeBody(t, rec, &resp)

	require.Len(t, resp.Markets, 2)
	assert.Equal(t, int64(8), resp.Markets["btc-15m"].Fills)
	assert.InDelta(t, 0.6, resp.Markets["btc-15m"].AvgSlippagePct, 1e-9)

	assert.Equal(t, int64(10), resp.Totals.Fills)
	assert.Equal(t, int64(5), resp.Totals.Rejections)
	assert.InDelta(t, 200, resp.Totals.FilledVolume, 1e-9)
	assert.InDelta(t, 1.75, resp.Totals.TotalSlippageCost, 1e-9)
	assert.InDelta(t, -1.75, resp.Totals.PnLImpact, 1e-9)
	// 10 fills out of 15 attempts.
	assert.InDelta(t, 66.666, resp.Totals.FillRatePct, 0.01)
}

func TestGetStatsNoMarkets(t *testing.T) {
	h := NewStatsHandler(&fakeStats{})

	rec := httptest.NewRecorder()
	h.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	decodeBody(t, rec, &resp)
	assert.Empty(t, resp.Markets)
	assert.Zero(t, resp.Totals.Fills)
	assert.Zero(t, resp.Totals.FillRatePct)
}
