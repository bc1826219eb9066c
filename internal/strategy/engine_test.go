package strategy

import (
	"context"
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

// stubStrategy records views and emits whatever its emit hook returns.
type stubStrategy struct {
	name string
	emit func(view domain.PairView) []domain.TradeSignal

	mu          sync.Mutex
	views       []domain.PairView
	initialized bool
	closed      bool
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Init(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

func (s *stubStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubStrategy) OnBookUpdate(_ context.Context, view domain.PairView) ([]domain.TradeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, view)
	if s.emit != nil {
		return s.emit(view), nil
	}
	return nil, nil
}

func (s *stubStrategy) viewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

// fakeData is an in-memory MarketData source.
type fakeData struct {
	books     map[string]map[domain.Side]domain.BookSnapshot
	positions map[string]domain.PositionSnapshot
}

func (f *fakeData) Book(marketID string, side domain.Side) (domain.BookSnapshot, bool) {
	sides, ok := f.books[marketID]
	if !ok {
		return domain.BookSnapshot{}, false
	}
	book, ok := sides[side]
	return book, ok
}

func (f *fakeData) PositionSnapshot(marketID string) (domain.PositionSnapshot, bool) {
	pos, ok := f.positions[marketID]
	return pos, ok
}

func emitOne(view domain.PairView) []domain.TradeSignal {
	return []domain.TradeSignal{{
		ID:         "sig-" + view.Market.ID,
		Source:     "stub",
		MarketID:   view.Market.ID,
		Side:       domain.SideUp,
		Action:     domain.TradeActionBuy,
		PriceTicks: domain.Ticks(0.50),
		SizeUnits:  domain.Ticks(10),
		Reason:     "test",
		Metadata:   map[string]string{"z_score": "2.50"},
		CreatedAt:  view.Now,
	}}
}

func testData() *fakeData {
	up := domain.BookSnapshot{
		AssetID: "m1-up",
		Bids:    []domain.PriceLevel{{Price: 0.48, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.52, Size: 100}},
	}
	down := domain.BookSnapshot{
		AssetID: "m1-down",
		Bids:    []domain.PriceLevel{{Price: 0.46, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.50, Size: 100}},
	}
	return &fakeData{
		books: map[string]map[domain.Side]domain.BookSnapshot{
			"m1": {domain.SideUp: up, domain.SideDown: down},
		},
		positions: map[string]domain.PositionSnapshot{
			"m1": {Position: domain.Position{MarketID: "m1", QtyUp: 5, CostUp: 2.5}, Cash: 97.5},
		},
	}
}

func TestEngineAssembleView(t *testing.T) {
	reg := NewRegistry()
	engine := NewEngine(reg, make(chan domain.TradeSignal, 8), testData(), nil, discardLogger())
	engine.TrackMarket(domain.Market{ID: "m1", Question: "BTC up or down?"})

	view := engine.AssembleView("m1")
	assert.Equal(t, "BTC up or down?", view.Market.Question)
	assert.Equal(t, 0.52, view.Up.BestAsk)
	assert.Equal(t, 0.50, view.Down.BestAsk)
	assert.Equal(t, 5.0, view.Position.QtyUp)
	assert.Equal(t, 97.5, view.Position.Cash)
	assert.False(t, view.Now.IsZero())

	// Untracked markets still get a view keyed by ID.
	orphan := engine.AssembleView("unknown")
	assert.Equal(t, "unknown", orphan.Market.ID)
	assert.False(t, orphan.Priced())
}

func TestEngineSingleMode(t *testing.T) {
	reg := NewRegistry()
	stub := &stubStrategy{name: "stub", emit: emitOne}
	reg.Register("stub", stub)

	signalCh := make(chan domain.TradeSignal, 8)
	engine := NewEngine(reg, signalCh, testData(), nil, discardLogger())

	// No active strategy yet.
	err := engine.HandleBookUpdate(context.Background(), "m1")
	require.Error(t, err)

	require.NoError(t, engine.SetActive("stub"))
	assert.Equal(t, "stub", engine.ActiveName())

	require.NoError(t, engine.HandleBookUpdate(context.Background(), "m1"))
	require.Len(t, signalCh, 1)
	sig := <-signalCh
	assert.Equal(t, "sig-m1", sig.ID)
	assert.Equal(t, 1, stub.viewCount())

	infos := engine.ListInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, "running", infos[0].Status)
	assert.Equal(t, int64(1), infos[0].SignalsSent)
	require.NotNil(t, infos[0].LastSignal)
}

func TestEngineRecentSignals(t *testing.T) {
	reg := NewRegistry()
	stub := &stubStrategy{name: "stub", emit: emitOne}
	reg.Register("stub", stub)

	signalCh := make(chan domain.TradeSignal, 8)
	engine := NewEngine(reg, signalCh, testData(), nil, discardLogger())
	require.NoError(t, engine.SetActive("stub"))

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.HandleBookUpdate(context.Background(), "m1"))
	}

	recent := engine.RecentSignals(2)
	require.Len(t, recent, 2)

	// Returned metadata is a copy; mutating it cannot corrupt history.
	recent[0].Metadata["z_score"] = "tampered"
	again := engine.RecentSignals(1)
	assert.Equal(t, "2.50", again[0].Metadata["z_score"])
}

func TestEngineSetActiveNamesValidates(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", &stubStrategy{name: "a"})

	engine := NewEngine(reg, make(chan domain.TradeSignal, 8), testData(), nil, discardLogger())
	assert.Error(t, engine.SetActiveNames(nil))
	assert.Error(t, engine.SetActiveNames([]string{"a", "missing"}))
	assert.NoError(t, engine.SetActiveNames([]string{"a"}))
	assert.Error(t, engine.SetActive("missing"))
}

func TestEngineRunAllFansOut(t *testing.T) {
	reg := NewRegistry()
	a := &stubStrategy{name: "a", emit: emitOne}
	b := &stubStrategy{name: "b", emit: emitOne}
	reg.Register("a", a)
	reg.Register("b", b)

	signalCh := make(chan domain.TradeSignal, 16)
	engine := NewEngine(reg, signalCh, testData(), nil, discardLogger())
	require.NoError(t, engine.SetActiveNames([]string{"a", "b"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.RunAll(ctx) }()

	require.NoError(t, engine.HandleBookUpdate(ctx, "m1"))

	// Both strategies consume the view and emit one signal each.
	for i := 0; i < 2; i++ {
		select {
		case <-signalCh:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fanned-out signals")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunAll did not stop on cancel")
	}

	assert.True(t, a.initialized)
	assert.True(t, b.closed)
	assert.Equal(t, 1, a.viewCount())
	assert.Equal(t, 1, b.viewCount())
}
