package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type fakeMarkets struct {
	markets map[string]domain.Market
	getErr  error
}

func (f *fakeMarkets) Get(_ context.Context, id string) (domain.Market, error) {
	if f.getErr != nil {
		return domain.Market{}, f.getErr
	}
	m, ok := f.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (f *fakeMarkets) ListTradable() []domain.Market {
	var out []domain.Market
	for _, m := range f.markets {
		if m.Status == domain.MarketStatusActive {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeMarkets) Count() int { return len(f.markets) }

func TestListMarkets(t *testing.T) {
	end := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)
	h := NewMarketHandler(&fakeMarkets{markets: map[string]domain.Market{
		"btc-15m": {
			ID:       "btc-15m",
			Question: "BTC up or down?",
			Outcomes: [2]string{"Up", "Down"},
			TokenIDs: [2]string{"tok-up", "tok-down"},
			Status:   domain.MarketStatusActive,
			EndDate:  &end,
		},
		"eth-15m": {ID: "eth-15m", Status: domain.MarketStatusResolved},
	}}, discardLogger())

	rec := httptest.NewRecorder()
	h.ListMarkets(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Markets []struct {
			ID       string    `json:"id"`
			Outcomes [2]string `json:"outcomes"`
			TokenIDs [2]string `json:"token_ids"`
			Status   string    `json:"status"`
		} `json:"markets"`
		Total int `json:"total"`
	}
	decodeBody(t, rec, &resp)

	require.Len(t, resp.Markets, 1, "resolved markets are not tradable")
	assert.Equal(t, "btc-15m", resp.Markets[0].ID)
	assert.Equal(t, [2]string{"Up", "Down"}, resp.Markets[0].Outcomes)
	assert.Equal(t, [2]string{"tok-up", "tok-down"}, resp.Markets[0].TokenIDs)
	assert.Equal(t, "active", resp.Markets[0].Status)
	assert.Equal(t, 2, resp.Total, "total counts every tracked market")
}

func TestGetMarket(t *testing.T) {
	h := NewMarketHandler(&fakeMarkets{markets: map[string]domain.Market{
		"btc-15m": {ID: "btc-15m", Question: "BTC up or down?", Status: domain.MarketStatusActive},
	}}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/markets/btc-15m", nil)
	req.SetPathValue("id", "btc-15m")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		ID       string `json:"id"`
		Question string `json:"question"`
	}
	decodeBody(t, rec, &doc)
	assert.Equal(t, "btc-15m", doc.ID)
	assert.Equal(t, "BTC up or down?", doc.Question)
}

func TestGetMarketNotFound(t *testing.T) {
	h := NewMarketHandler(&fakeMarkets{markets: map[string]domain.Market{}}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/markets/ghost", nil)
	req.SetPathValue("id", "ghost")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "market not found", resp["error"])
}

func TestGetMarketSourceFailure(t *testing.T) {
	h := NewMarketHandler(&fakeMarkets{getErr: fmt.Errorf("catalog offline")}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/markets/btc-15m", nil)
	req.SetPathValue("id", "btc-15m")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
