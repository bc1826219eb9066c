package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

type fakeFetcher struct {
	books map[string]domain.BookSnapshot
}

func (f *fakeFetcher) Book(_ context.Context, tokenID string) (domain.BookSnapshot, error) {
	snap, ok := f.books[tokenID]
	if !ok {
		return domain.BookSnapshot{}, errors.New("fetch failed")
	}
	return snap, nil
}

func TestPollerCycleRoutesFetchedBooks(t *testing.T) {
	m1 := pairMarket("m1")
	m2 := pairMarket("m2")

	fetcher := &fakeFetcher{books: map[string]domain.BookSnapshot{
		"m1-up": {
			AssetID: "m1-up",
			Bids:    []domain.PriceLevel{{Price: 0.49, Size: 100}},
			Asks:    []domain.PriceLevel{{Price: 0.51, Size: 100}},
		},
		"m1-down": {
			AssetID: "m1-down",
			Bids:    []domain.PriceLevel{{Price: 0.50, Size: 100}},
			Asks:    []domain.PriceLevel{{Price: 0.52, Size: 100}},
		},
	}}

	store := newFakeStore()
	engine := &fakeTicker{}
	router := NewRouter(newFakeResolver(m1, m2), store, engine, nil, nil, discardLogger())
	poller := NewPoller(fetcher, staticCatalog{m1, m2}, router, time.Second, discardLogger())

	poller.cycle(context.Background())

	_, ok := store.Book("m1", domain.SideUp)
	require.True(t, ok)
	_, ok = store.Book("m1", domain.SideDown)
	require.True(t, ok)
	_, ok = store.Book("m2", domain.SideUp)
	assert.False(t, ok, "failed fetches must not land in the store")

	assert.Equal(t, []string{"m1", "m1"}, engine.ticks())
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	router := NewRouter(newFakeResolver(), newFakeStore(), &fakeTicker{}, nil, nil, discardLogger())
	poller := NewPoller(&fakeFetcher{}, staticCatalog{}, router, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := poller.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
