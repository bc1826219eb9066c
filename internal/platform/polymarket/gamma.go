// Package polymarket provides read-only clients for the public Polymarket
// APIs: Gamma for market discovery and resolution state, the CLOB data API
// for order books, and the market-data WebSocket for live updates. Nothing
// here places orders; fills are simulated locally.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// gammaQuota bounds discovery calls per client instance. Discovery is not
// latency sensitive, so the budget is deliberately small.
const (
	gammaQuotaLimit  = 10
	gammaQuotaWindow = time.Second
)

// GammaClient is the REST client for the Gamma API (market discovery,
// metadata, resolution state).
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    domain.RateLimiter

	mu          sync.Mutex
	quotaLimit  int
	quotaWindow time.Duration
}

// NewGammaClient creates a Gamma client. baseURL is the API root, e.g.
// "https://gamma-api.polymarket.com". limiter may be nil for unthrottled
// access (tests, replay fixtures).
func NewGammaClient(baseURL string, limiter domain.RateLimiter) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:     limiter,
		quotaLimit:  gammaQuotaLimit,
		quotaWindow: gammaQuotaWindow,
	}
}

// SetQuota replaces the discovery request budget. Safe while requests are
// in flight.
func (g *GammaClient) SetQuota(limit int, window time.Duration) {
	if limit <= 0 || window <= 0 {
		return
	}
	g.mu.Lock()
	g.quotaLimit, g.quotaWindow = limit, window
	g.mu.Unlock()
}

func (g *GammaClient) quota() (int, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quotaLimit, g.quotaWindow
}

// ActiveMarkets returns open markets ordered by volume, highest first. It
// implements the catalog service's discovery source.
func (g *GammaClient) ActiveMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("order", "volume")
	params.Set("ascending", "false")

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: active markets: %w", err)
	}

	var raw []apiMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(raw))
	for i := range raw {
		markets = append(markets, raw[i].toMarket())
	}
	return markets, nil
}

// Market returns a single market by its Gamma ID.
func (g *GammaClient) Market(ctx context.Context, id string) (domain.Market, error) {
	body, err := g.doGet(ctx, "/markets/"+url.PathEscape(id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: market %s: %w", id, err)
	}

	var raw apiMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	return raw.toMarket(), nil
}

// EventMarkets returns the markets grouped under an event slug. The
// recurring up/down windows are addressed this way: one event slug per
// 15-minute window, one binary market inside it.
func (g *GammaClient) EventMarkets(ctx context.Context, slug string) ([]domain.Market, error) {
	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/events?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: event %s: %w", slug, err)
	}

	var events []apiEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("polymarket/gamma: decode events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("polymarket/gamma: event %s: %w", slug, domain.ErrNotFound)
	}

	markets := make([]domain.Market, 0, len(events[0].Markets))
	for i := range events[0].Markets {
		markets = append(markets, events[0].Markets[i].toMarket())
	}
	return markets, nil
}

// ResolvedOutcome reports which side won a market. ok is false while the
// market is still open or resolution prices are not yet published; the
// resolution watcher polls until it flips.
func (g *GammaClient) ResolvedOutcome(ctx context.Context, marketID string) (domain.Side, bool, error) {
	body, err := g.doGet(ctx, "/markets/"+url.PathEscape(marketID))
	if err != nil {
		return "", false, fmt.Errorf("polymarket/gamma: resolution %s: %w", marketID, err)
	}

	var raw apiMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", false, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}
	side, ok := raw.resolvedSide()
	return side, ok, nil
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	limit, window := g.quota()
	if err := waitQuota(ctx, g.limiter, "polymarket:gamma", limit, window); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
