package handler

import (
	"net/http"
	"time"
)

// MarketCounter reports how many markets the session tracks.
type MarketCounter interface {
	Count() int
}

// StatusHandler serves run metadata for dashboards.
type StatusHandler struct {
	mode      string
	strategy  string
	runID     string
	startedAt time.Time
	markets   MarketCounter
}

// NewStatusHandler creates a StatusHandler. markets may be nil when no
// catalog is wired (replay sessions build their own roster).
func NewStatusHandler(mode, strategy, runID string, startedAt time.Time, markets MarketCounter) *StatusHandler {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &StatusHandler{
		mode:      mode,
		strategy:  strategy,
		runID:     runID,
		startedAt: startedAt,
		markets:   markets,
	}
}

// GetStatus reports the session mode, active strategy, and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	resp := map[string]any{
		"mode":           h.mode,
		"strategy":       h.strategy,
		"run_id":         h.runID,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": uptime,
	}
	if h.markets != nil {
		resp["markets_tracked"] = h.markets.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}
