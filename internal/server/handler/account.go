package handler

import (
	"net/http"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/service"
)

// AccountView is the account-service surface the handlers read.
type AccountView interface {
	Summary() service.AccountSummary
	Positions() []domain.PositionSnapshot
	Open() []domain.PositionSnapshot
}

// AccountHandler serves cash and position endpoints.
type AccountHandler struct {
	account AccountView
}

// NewAccountHandler creates an AccountHandler over the given view.
func NewAccountHandler(account AccountView) *AccountHandler {
	return &AccountHandler{account: account}
}

type positionDoc struct {
	MarketID     string    `json:"market_id"`
	QtyUp        float64   `json:"qty_up"`
	QtyDown      float64   `json:"qty_down"`
	CostUp       float64   `json:"cost_up"`
	CostDown     float64   `json:"cost_down"`
	PairCost     float64   `json:"pair_cost,omitempty"`
	PairComplete bool      `json:"pair_complete"`
	LockedProfit float64   `json:"locked_profit"`
	RealizedPnL  float64   `json:"realized_pnl"`
	SpentBudget  float64   `json:"spent_budget"`
	AsOf         time.Time `json:"as_of"`
}

type listPositionsResponse struct {
	Positions []positionDoc `json:"positions"`
	Count     int           `json:"count"`
}

// GetAccount returns the session cash summary.
// GET /api/account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.account.Summary())
}

// ListPositions returns per-market position snapshots. With open=true only
// markets still carrying exposure are included.
// GET /api/positions?open=true
func (h *AccountHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var snaps []domain.PositionSnapshot
	if r.URL.Query().Get("open") == "true" {
		snaps = h.account.Open()
	} else {
		snaps = h.account.Positions()
	}

	docs := make([]positionDoc, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, positionToDoc(snap))
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: docs,
		Count:     len(docs),
	})
}

func positionToDoc(snap domain.PositionSnapshot) positionDoc {
	return positionDoc{
		MarketID:     snap.MarketID,
		QtyUp:        snap.QtyUp,
		QtyDown:      snap.QtyDown,
		CostUp:       snap.CostUp,
		CostDown:     snap.CostDown,
		PairCost:     snap.PairCost,
		PairComplete: snap.PairComplete,
		LockedProfit: snap.LockedProfit,
		RealizedPnL:  snap.RealizedPnL,
		SpentBudget:  snap.SpentBudget,
		AsOf:         snap.Timestamp,
	}
}
