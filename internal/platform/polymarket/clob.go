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

// Book polls are the hot path when the WebSocket is down, so the data API
// gets a larger budget than discovery.
const (
	clobQuotaLimit  = 40
	clobQuotaWindow = time.Second

	quotaPollInterval = 25 * time.Millisecond
)

// DataClient is the REST client for the public CLOB data API: order books,
// midpoints, spreads. The order-placement surface of the CLOB is out of
// scope; the broker simulates fills against these books instead.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    domain.RateLimiter

	mu          sync.Mutex
	quotaLimit  int
	quotaWindow time.Duration
}

// NewDataClient creates a CLOB data client. baseURL is the API root, e.g.
// "https://clob.polymarket.com". limiter may be nil for unthrottled access.
func NewDataClient(baseURL string, limiter domain.RateLimiter) *DataClient {
	return &DataClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter:     limiter,
		quotaLimit:  clobQuotaLimit,
		quotaWindow: clobQuotaWindow,
	}
}

// SetQuota replaces the request budget. Safe while requests are in flight;
// config hot-reload pushes new caps through here.
func (c *DataClient) SetQuota(limit int, window time.Duration) {
	if limit <= 0 || window <= 0 {
		return
	}
	c.mu.Lock()
	c.quotaLimit, c.quotaWindow = limit, window
	c.mu.Unlock()
}

func (c *DataClient) quota() (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quotaLimit, c.quotaWindow
}

// Book fetches the current order book for an outcome token.
func (c *DataClient) Book(ctx context.Context, tokenID string) (domain.BookSnapshot, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.doGet(ctx, "/book?"+params.Encode())
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
	}

	var raw apiBook
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	snap := raw.toSnapshot()
	if snap.AssetID == "" {
		snap.AssetID = tokenID
	}
	return snap, nil
}

// Midpoint fetches the mid price for an outcome token.
func (c *DataClient) Midpoint(ctx context.Context, tokenID string) (float64, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.doGet(ctx, "/midpoint?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, err)
	}

	var raw struct {
		Mid string `json:"mid"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode midpoint: %w", err)
	}
	mid, err := strconv.ParseFloat(raw.Mid, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: parse midpoint %q: %w", raw.Mid, err)
	}
	return mid, nil
}

func (c *DataClient) doGet(ctx context.Context, path string) ([]byte, error) {
	limit, window := c.quota()
	if err := waitQuota(ctx, c.limiter, "polymarket:clob", limit, window); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
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

// waitQuota blocks until the shared limiter admits one request under the
// client's budget. A nil limiter admits everything.
func waitQuota(ctx context.Context, limiter domain.RateLimiter, key string, limit int, window time.Duration) error {
	if limiter == nil {
		return nil
	}
	for {
		allowed, err := limiter.Allow(ctx, key, limit, window)
		if err != nil {
			return fmt.Errorf("quota %s: %w", key, err)
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(quotaPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("quota %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

// checkStatus maps non-2xx responses onto domain errors where a sentinel
// fits.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, string(body))
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	}
}
