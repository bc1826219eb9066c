package handler

import (
	"net/http"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/strategy"
	"github.com/mfeltner/polysim/internal/telemetry"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

// SignalSource exposes the strategy engine's recent-signal buffer and
// per-strategy runtime info.
type SignalSource interface {
	RecentSignals(limit int) []domain.TradeSignal
	ListInfo() []strategy.StrategyInfo
}

// EventsHandler serves the recent telemetry and signal feeds backing the
// dashboard activity views.
type EventsHandler struct {
	ring    *telemetry.Ring
	signals SignalSource
}

// NewEventsHandler creates an EventsHandler. Either source may be nil; the
// matching endpoint then serves an empty feed.
func NewEventsHandler(ring *telemetry.Ring, signals SignalSource) *EventsHandler {
	return &EventsHandler{ring: ring, signals: signals}
}

type listEventsResponse struct {
	Events []telemetry.Envelope `json:"events"`
	Count  int                  `json:"count"`
}

// ListEvents returns the most recent telemetry envelopes, newest first.
// GET /api/events?limit=50
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultEventLimit, maxEventLimit)

	events := []telemetry.Envelope{}
	if h.ring != nil {
		// The ring keeps envelopes oldest first; the feed reads newest
		// first.
		recent := h.ring.Recent(limit)
		for i := len(recent) - 1; i >= 0; i-- {
			events = append(events, recent[i])
		}
	}

	writeJSON(w, http.StatusOK, listEventsResponse{
		Events: events,
		Count:  len(events),
	})
}

type signalDoc struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	MarketID  string    `json:"market_id"`
	Side      string    `json:"side"`
	Action    string    `json:"action"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	IsHedge   bool      `json:"is_hedge,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type strategyDoc struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	SignalsSent int64      `json:"signals_sent"`
	LastSignal  *time.Time `json:"last_signal,omitempty"`
	ErrorCount  int64      `json:"error_count,omitempty"`
}

type listSignalsResponse struct {
	Signals    []signalDoc   `json:"signals"`
	Count      int           `json:"count"`
	Strategies []strategyDoc `json:"strategies,omitempty"`
}

// ListSignals returns the most recent strategy signals, newest first,
// together with per-strategy runtime status.
// GET /api/signals?limit=50
func (h *EventsHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultEventLimit, maxEventLimit)

	docs := []signalDoc{}
	var strategies []strategyDoc
	if h.signals != nil {
		for _, sig := range h.signals.RecentSignals(limit) {
			docs = append(docs, signalDoc{
				ID:        sig.ID,
				Source:    sig.Source,
				MarketID:  sig.MarketID,
				Side:      string(sig.Side),
				Action:    string(sig.Action),
				Price:     sig.Price(),
				Size:      sig.Size(),
				IsHedge:   sig.IsHedge,
				Reason:    sig.Reason,
				CreatedAt: sig.CreatedAt,
				ExpiresAt: sig.ExpiresAt,
			})
		}
		for _, info := range h.signals.ListInfo() {
			strategies = append(strategies, strategyDoc{
				Name:        info.Name,
				Status:      info.Status,
				SignalsSent: info.SignalsSent,
				LastSignal:  info.LastSignal,
				ErrorCount:  info.ErrorCount,
			})
		}
	}

	writeJSON(w, http.StatusOK, listSignalsResponse{
		Signals:    docs,
		Count:      len(docs),
		Strategies: strategies,
	})
}
