package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pairMarket(id string) domain.Market {
	return domain.Market{
		ID:       id,
		Question: id + " up or down?",
		Slug:     id,
		Outcomes: [2]string{"Up", "Down"},
		TokenIDs: [2]string{id + "-up", id + "-down"},
		Status:   domain.MarketStatusActive,
	}
}

type fakeResolver struct {
	mu      sync.Mutex
	byToken map[string]domain.Market
}

func newFakeResolver(markets ...domain.Market) *fakeResolver {
	r := &fakeResolver{byToken: make(map[string]domain.Market)}
	for _, m := range markets {
		for _, tok := range m.TokenIDs {
			r.byToken[tok] = m
		}
	}
	return r
}

func (r *fakeResolver) ByToken(_ context.Context, tokenID string) (domain.Market, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byToken[tokenID]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

type bookKey struct {
	marketID string
	side     domain.Side
}

type fakeStore struct {
	mu      sync.Mutex
	books   map[bookKey]domain.BookSnapshot
	updates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{books: make(map[bookKey]domain.BookSnapshot)}
}

func (s *fakeStore) UpdateBook(marketID string, side domain.Side, snap domain.BookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[bookKey{marketID, side}] = snap
	s.updates++
}

func (s *fakeStore) Book(marketID string, side domain.Side) (domain.BookSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.books[bookKey{marketID, side}]
	return snap, ok
}

type fakeTicker struct {
	mu     sync.Mutex
	ticked []string
	err    error
}

func (f *fakeTicker) HandleBookUpdate(_ context.Context, marketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticked = append(f.ticked, marketID)
	return f.err
}

func (f *fakeTicker) ticks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ticked...)
}

type fakeBookCache struct {
	mu     sync.Mutex
	snaps  map[string]domain.BookSnapshot
	setErr error
}

func newFakeBookCache() *fakeBookCache {
	return &fakeBookCache{snaps: make(map[string]domain.BookSnapshot)}
}

func (c *fakeBookCache) SetSnapshot(_ context.Context, snap domain.BookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.snaps[snap.AssetID] = snap
	return nil
}

func (c *fakeBookCache) GetSnapshot(_ context.Context, assetID string) (domain.BookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[assetID]
	if !ok {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (c *fakeBookCache) GetBBO(ctx context.Context, assetID string) (float64, float64, error) {
	snap, err := c.GetSnapshot(ctx, assetID)
	if err != nil {
		return 0, 0, err
	}
	m := snap.Metrics()
	return m.BestBid, m.BestAsk, nil
}

type fakePriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePriceCache() *fakePriceCache {
	return &fakePriceCache{prices: make(map[string]float64)}
}

func (c *fakePriceCache) SetPrice(_ context.Context, assetID string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[assetID] = price
	return nil
}

func (c *fakePriceCache) GetPrice(_ context.Context, assetID string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[assetID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (c *fakePriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(assetIDs))
	for _, id := range assetIDs {
		if p, _, err := c.GetPrice(ctx, id); err == nil {
			out[id] = p
		}
	}
	return out, nil
}

func TestRouterRoutesBookToStoreAndEngine(t *testing.T) {
	market := pairMarket("m1")
	store := newFakeStore()
	engine := &fakeTicker{}
	router := NewRouter(newFakeResolver(market), store, engine, nil, nil, discardLogger())

	snap := domain.BookSnapshot{
		AssetID:   "m1-up",
		Bids:      []domain.PriceLevel{{Price: 0.49, Size: 100}},
		Asks:      []domain.PriceLevel{{Price: 0.51, Size: 120}},
		Timestamp: time.Now(),
	}
	router.HandleBook(context.Background(), snap)

	stored, ok := store.Book("m1", domain.SideUp)
	require.True(t, ok)
	assert.Equal(t, snap.Bids, stored.Bids)
	assert.Equal(t, []string{"m1"}, engine.ticks())
}

func TestRouterDropsUnknownToken(t *testing.T) {
	store := newFakeStore()
	engine := &fakeTicker{}
	router := NewRouter(newFakeResolver(), store, engine, nil, nil, discardLogger())

	router.HandleBook(context.Background(), domain.BookSnapshot{AssetID: "mystery"})
	router.HandlePriceChange(context.Background(), domain.PriceChange{AssetID: "mystery", Side: "BUY", Price: 0.5, Size: 10})

	assert.Zero(t, store.updates)
	assert.Empty(t, engine.ticks())
}

func TestRouterPriceChangePatchesStoredBook(t *testing.T) {
	market := pairMarket("m1")
	store := newFakeStore()
	engine := &fakeTicker{}
	router := NewRouter(newFakeResolver(market), store, engine, nil, nil, discardLogger())

	store.UpdateBook("m1", domain.SideDown, domain.BookSnapshot{
		AssetID: "m1-down",
		Bids:    []domain.PriceLevel{{Price: 0.48, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.50, Size: 200}},
	})

	router.HandlePriceChange(context.Background(), domain.PriceChange{
		AssetID:   "m1-down",
		Side:      "BUY",
		Price:     0.48,
		Size:      300,
		Timestamp: time.Unix(1756150500, 0),
	})

	stored, ok := store.Book("m1", domain.SideDown)
	require.True(t, ok)
	require.Len(t, stored.Bids, 1)
	assert.InDelta(t, 300, stored.Bids[0].Size, 1e-9)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.50, Size: 200}}, stored.Asks)
	assert.Equal(t, int64(1756150500), stored.Timestamp.Unix())
	assert.Equal(t, []string{"m1"}, engine.ticks())
}

func TestRouterPriceChangeBuildsBookWhenNoneStored(t *testing.T) {
	market := pairMarket("m1")
	store := newFakeStore()
	router := NewRouter(newFakeResolver(market), store, &fakeTicker{}, nil, nil, discardLogger())

	router.HandlePriceChange(context.Background(), domain.PriceChange{
		AssetID: "m1-up",
		Side:    "SELL",
		Price:   0.55,
		Size:    100,
	})

	stored, ok := store.Book("m1", domain.SideUp)
	require.True(t, ok)
	assert.Equal(t, "m1-up", stored.AssetID)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.55, Size: 100}}, stored.Asks)
	assert.Empty(t, stored.Bids)
}

func TestRouterMirrorsCaches(t *testing.T) {
	market := pairMarket("m1")
	books := newFakeBookCache()
	prices := newFakePriceCache()
	router := NewRouter(newFakeResolver(market), newFakeStore(), &fakeTicker{}, books, prices, discardLogger())

	snap := domain.BookSnapshot{
		AssetID: "m1-up",
		Bids:    []domain.PriceLevel{{Price: 0.49, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.51, Size: 100}},
	}
	router.HandleBook(context.Background(), snap)

	cached, err := books.GetSnapshot(context.Background(), "m1-up")
	require.NoError(t, err)
	assert.Equal(t, snap.Bids, cached.Bids)

	mid, _, err := prices.GetPrice(context.Background(), "m1-up")
	require.NoError(t, err)
	assert.InDelta(t, 0.50, mid, 1e-9)
}

func TestRouterCacheFailureStillTicksEngine(t *testing.T) {
	market := pairMarket("m1")
	books := newFakeBookCache()
	books.setErr = errors.New("redis down")
	engine := &fakeTicker{}
	router := NewRouter(newFakeResolver(market), newFakeStore(), engine, books, nil, discardLogger())

	router.HandleBook(context.Background(), domain.BookSnapshot{
		AssetID: "m1-up",
		Bids:    []domain.PriceLevel{{Price: 0.49, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.51, Size: 100}},
	})

	assert.Equal(t, []string{"m1"}, engine.ticks())
}

func TestRouterOneSidedBookSkipsPriceMirror(t *testing.T) {
	market := pairMarket("m1")
	prices := newFakePriceCache()
	router := NewRouter(newFakeResolver(market), newFakeStore(), &fakeTicker{}, nil, prices, discardLogger())

	router.HandleBook(context.Background(), domain.BookSnapshot{
		AssetID: "m1-up",
		Asks:    []domain.PriceLevel{{Price: 0.97, Size: 50}},
	})

	_, _, err := prices.GetPrice(context.Background(), "m1-up")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPatchBook(t *testing.T) {
	base := func() domain.BookSnapshot {
		return domain.BookSnapshot{
			AssetID: "tok",
			Bids:    []domain.PriceLevel{{Price: 0.48, Size: 100}, {Price: 0.47, Size: 200}},
			Asks:    []domain.PriceLevel{{Price: 0.50, Size: 150}},
		}
	}

	t.Run("replace level", func(t *testing.T) {
		got := patchBook(base(), domain.PriceChange{Side: "BUY", Price: 0.48, Size: 500})
		require.Len(t, got.Bids, 2)
		assert.InDelta(t, 500, got.Bids[0].Size, 1e-9)
		assert.Equal(t, base().Asks, got.Asks)
	})

	t.Run("remove level on zero size", func(t *testing.T) {
		got := patchBook(base(), domain.PriceChange{Side: "BUY", Price: 0.47, Size: 0})
		assert.Equal(t, []domain.PriceLevel{{Price: 0.48, Size: 100}}, got.Bids)
	})

	t.Run("insert new level", func(t *testing.T) {
		got := patchBook(base(), domain.PriceChange{Side: "SELL", Price: 0.52, Size: 75})
		require.Len(t, got.Asks, 2)
		assert.InDelta(t, 75, got.Asks[1].Size, 1e-9)
	})

	t.Run("removing absent level is a no-op", func(t *testing.T) {
		got := patchBook(base(), domain.PriceChange{Side: "SELL", Price: 0.60, Size: 0})
		assert.Equal(t, base().Asks, got.Asks)
	})

	t.Run("unknown side leaves book untouched", func(t *testing.T) {
		got := patchBook(base(), domain.PriceChange{Side: "HOLD", Price: 0.48, Size: 1})
		assert.Equal(t, base().Bids, got.Bids)
		assert.Equal(t, base().Asks, got.Asks)
	})

	t.Run("timestamp carried from change", func(t *testing.T) {
		ts := time.Unix(1756150500, 0)
		got := patchBook(base(), domain.PriceChange{Side: "BUY", Price: 0.48, Size: 1, Timestamp: ts})
		assert.Equal(t, ts, got.Timestamp)
	})
}
