package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct{ n int }

func (f fakeCounter) Count() int { return f.n }

func TestGetStatus(t *testing.T) {
	started := time.Now().UTC().Add(-90 * time.Second)
	h := NewStatusHandler("paper", "pair_arb,mean_reversion", "paper-ab12cd34", started, fakeCounter{n: 7})

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	decodeBody(t, rec, &resp)

	assert.Equal(t, "paper", resp["mode"])
	assert.Equal(t, "pair_arb,mean_reversion", resp["strategy"])
	assert.Equal(t, "paper-ab12cd34", resp["run_id"])
	assert.Equal(t, float64(7), resp["markets_tracked"])
	assert.GreaterOrEqual(t, resp["uptime_seconds"].(float64), float64(90))
}

func TestGetStatusNoCatalog(t *testing.T) {
	h := NewStatusHandler("replay", "pair_arb", "replay-0f9e8d7c", time.Time{}, nil)

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	decodeBody(t, rec, &resp)

	assert.Equal(t, "replay", resp["mode"])
	assert.NotContains(t, resp, "markets_tracked")
	// Zero start time defaults to now, so uptime starts at zero.
	assert.GreaterOrEqual(t, resp["uptime_seconds"].(float64), float64(0))
}
