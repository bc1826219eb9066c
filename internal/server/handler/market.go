package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// MarketSource is the catalog surface the market handlers read.
type MarketSource interface {
	Get(ctx context.Context, id string) (domain.Market, error)
	ListTradable() []domain.Market
	Count() int
}

// MarketHandler serves the tracked-market endpoints.
type MarketHandler struct {
	markets MarketSource
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler over the given source.
func NewMarketHandler(markets MarketSource, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type marketDoc struct {
	ID          string     `json:"id"`
	Question    string     `json:"question"`
	Slug        string     `json:"slug,omitempty"`
	Outcomes    [2]string  `json:"outcomes"`
	TokenIDs    [2]string  `json:"token_ids"`
	ConditionID string     `json:"condition_id,omitempty"`
	Volume      float64    `json:"volume"`
	Status      string     `json:"status"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type listMarketsResponse struct {
	Markets []marketDoc `json:"markets"`
	Total   int         `json:"total"`
}

// ListMarkets returns the tradable markets in the catalog. Total counts
// every tracked market, including ones no longer tradable.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.markets.ListTradable()

	docs := make([]marketDoc, 0, len(markets))
	for _, m := range markets {
		docs = append(docs, marketToDoc(m))
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: docs,
		Total:   h.markets.Count(),
	})
}

// GetMarket returns a single tracked market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, marketToDoc(market))
}

func marketToDoc(m domain.Market) marketDoc {
	return marketDoc{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		Outcomes:    m.Outcomes,
		TokenIDs:    m.TokenIDs,
		ConditionID: m.ConditionID,
		Volume:      m.Volume,
		Status:      string(m.Status),
		EndDate:     m.EndDate,
		UpdatedAt:   m.UpdatedAt,
	}
}
