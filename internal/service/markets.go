package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// Discoverer fetches candidate markets from an upstream catalog. The
// Polymarket gamma client implements it; replay mode substitutes a fixed
// roster.
type Discoverer interface {
	ActiveMarkets(ctx context.Context, limit int) ([]domain.Market, error)
}

// MarketService maintains the tradable market catalog: an in-memory index
// refreshed from the discovery source, mirrored into the shared cache so
// other processes resolve token IDs without hitting the upstream API.
type MarketService struct {
	source Discoverer
	cache  domain.MarketCache
	logger *slog.Logger
	limit  int
	now    func() time.Time

	mu      sync.RWMutex
	byID    map[string]domain.Market
	byToken map[string]string
}

// NewMarketService creates a MarketService. The cache may be nil, in which
// case lookups are served from memory only. limit bounds how many markets
// a single sync pulls from the source.
func NewMarketService(source Discoverer, cache domain.MarketCache, limit int, logger *slog.Logger) *MarketService {
	if limit <= 0 {
		limit = 100
	}
	return &MarketService{
		source:  source,
		cache:   cache,
		logger:  logger.With(slog.String("component", "market_service")),
		limit:   limit,
		now:     time.Now,
		byID:    make(map[string]domain.Market),
		byToken: make(map[string]string),
	}
}

// Sync refreshes the catalog from the discovery source. Markets that are
// not tradable (closed, resolved, missing token IDs, or past their end
// date) are dropped. Cache write failures are logged but do not fail the
// sync; the in-memory index is authoritative.
func (s *MarketService) Sync(ctx context.Context) (int, error) {
	markets, err := s.source.ActiveMarkets(ctx, s.limit)
	if err != nil {
		return 0, fmt.Errorf("markets: sync: %w", err)
	}

	kept := 0
	s.mu.Lock()
	for _, m := range markets {
		if !s.tradable(m) {
			continue
		}
		s.byID[m.ID] = m
		s.byToken[m.TokenIDs[0]] = m.ID
		s.byToken[m.TokenIDs[1]] = m.ID
		kept++
	}
	s.mu.Unlock()

	if s.cache != nil {
		for _, m := range markets {
			if !s.tradable(m) {
				continue
			}
			if err := s.cache.Set(ctx, m); err != nil {
				s.logger.WarnContext(ctx, "market cache write failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	s.logger.InfoContext(ctx, "market catalog synced",
		slog.Int("fetched", len(markets)),
		slog.Int("tradable", kept),
	)
	return kept, nil
}

// Get returns a market by ID, checking memory first and falling back to
// the shared cache. A cache hit back-fills the in-memory index.
func (s *MarketService) Get(ctx context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	m, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}

	if s.cache != nil {
		m, err := s.cache.Get(ctx, id)
		if err == nil {
			s.index(m)
			return m, nil
		}
	}
	return domain.Market{}, fmt.Errorf("markets: %s: %w", id, domain.ErrNotFound)
}

// ByToken resolves an outcome token ID to its market.
func (s *MarketService) ByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	s.mu.RLock()
	id, ok := s.byToken[tokenID]
	var m domain.Market
	if ok {
		m = s.byID[id]
	}
	s.mu.RUnlock()
	if ok {
		return m, nil
	}

	if s.cache != nil {
		m, err := s.cache.GetByToken(ctx, tokenID)
		if err == nil {
			s.index(m)
			return m, nil
		}
	}
	return domain.Market{}, fmt.Errorf("markets: token %s: %w", tokenID, domain.ErrNotFound)
}

// ListTradable returns the current catalog sorted by volume, most liquid
// first.
func (s *MarketService) ListTradable() []domain.Market {
	s.mu.RLock()
	out := make([]domain.Market, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Volume != out[j].Volume {
			return out[i].Volume > out[j].Volume
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of markets currently in the catalog.
func (s *MarketService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Forget drops a market from the catalog and invalidates its cache entry,
// typically after resolution.
func (s *MarketService) Forget(ctx context.Context, id string) {
	s.mu.Lock()
	if m, ok := s.byID[id]; ok {
		delete(s.byToken, m.TokenIDs[0])
		delete(s.byToken, m.TokenIDs[1])
		delete(s.byID, id)
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "market cache invalidate failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunSync periodically refreshes the catalog until ctx is cancelled. An
// immediate sync runs before the first tick so callers start with a
// populated catalog.
func (s *MarketService) RunSync(ctx context.Context, interval time.Duration) error {
	if _, err := s.Sync(ctx); err != nil {
		s.logger.WarnContext(ctx, "initial market sync failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				s.logger.WarnContext(ctx, "market sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *MarketService) tradable(m domain.Market) bool {
	if m.Status != domain.MarketStatusActive {
		return false
	}
	if m.TokenIDs[0] == "" || m.TokenIDs[1] == "" {
		return false
	}
	if m.EndDate != nil && !m.EndDate.After(s.now()) {
		return false
	}
	return true
}

func (s *MarketService) index(m domain.Market) {
	s.mu.Lock()
	s.byID[m.ID] = m
	s.byToken[m.TokenIDs[0]] = m.ID
	s.byToken[m.TokenIDs[1]] = m.ID
	s.mu.Unlock()
}
