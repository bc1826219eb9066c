package executor

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

type fakeBroker struct {
	mu      sync.Mutex
	calls   []domain.TradeSignal
	results map[string]domain.FillResult // scripted by signal ID
}

func (f *fakeBroker) Execute(_ context.Context, sig domain.TradeSignal) (domain.FillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sig)
	if res, ok := f.results[sig.ID]; ok {
		return res, nil
	}
	return domain.FillResult{
		Filled:    true,
		Side:      sig.Side,
		FillPrice: sig.Price(),
		FilledQty: sig.Size(),
	}, nil
}

func (f *fakeBroker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBroker) callIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, sig := range f.calls {
		ids[i] = sig.ID
	}
	return ids
}

type fakeRisk struct{ err error }

func (f *fakeRisk) PreTradeCheck(context.Context, domain.TradeSignal) error { return f.err }

func testSignal(id string) domain.TradeSignal {
	return domain.TradeSignal{
		ID:         id,
		Source:     "pair_arb",
		MarketID:   "m1",
		Side:       domain.SideUp,
		Action:     domain.TradeActionBuy,
		PriceTicks: domain.Ticks(0.50),
		SizeUnits:  domain.Ticks(10),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(time.Minute),
	}
}

func newTestExecutor(broker *fakeBroker, risk RiskChecker) (*Executor, chan domain.TradeSignal) {
	ch := make(chan domain.TradeSignal, 16)
	return NewExecutor(ch, broker, risk, discardLogger()), ch
}

func TestExecutorExecutesSignal(t *testing.T) {
	broker := &fakeBroker{}
	e, _ := newTestExecutor(broker, &fakeRisk{})

	e.process(context.Background(), testSignal("sig-1"))
	assert.Equal(t, 1, broker.callCount())
}

func TestExecutorDeduplicates(t *testing.T) {
	broker := &fakeBroker{}
	e, _ := newTestExecutor(broker, &fakeRisk{})

	sig := testSignal("sig-1")
	e.process(context.Background(), sig)
	e.process(context.Background(), sig)
	assert.Equal(t, 1, broker.callCount())
}

func TestExecutorSkipsExpired(t *testing.T) {
	broker := &fakeBroker{}
	e, _ := newTestExecutor(broker, &fakeRisk{})

	sig := testSignal("sig-1")
	sig.ExpiresAt = time.Now().UTC().Add(-time.Second)
	e.process(context.Background(), sig)
	assert.Zero(t, broker.callCount())
}

func TestExecutorHonorsRiskDenial(t *testing.T) {
	broker := &fakeBroker{}
	e, _ := newTestExecutor(broker, &fakeRisk{err: errors.New("spend window exhausted")})

	e.process(context.Background(), testSignal("sig-1"))
	assert.Zero(t, broker.callCount())
}

func TestExecutorPairGroupFillsTogether(t *testing.T) {
	broker := &fakeBroker{}
	e, _ := newTestExecutor(broker, &fakeRisk{})

	up := testSignal("leg-up")
	up.Metadata = map[string]string{"leg_group": "g1", "leg_count": "2"}
	down := testSignal("leg-down")
	down.Side = domain.SideDown
	down.Metadata = map[string]string{"leg_group": "g1", "leg_count": "2"}

	// First leg buffers, nothing executes yet.
	e.process(context.Background(), up)
	assert.Zero(t, broker.callCount())
	assert.Equal(t, 1, e.pairs.Pending())

	// Second leg completes the group; both legs execute in arrival order.
	e.process(context.Background(), down)
	assert.Equal(t, []string{"leg-up", "leg-down"}, broker.callIDs())
	assert.Zero(t, e.pairs.Pending())
}

func TestExecutorPairGroupAbandonsOnRejection(t *testing.T) {
	broker := &fakeBroker{results: map[string]domain.FillResult{
		"leg-up": {Filled: false, Reason: "insufficient reserve"},
	}}
	e, _ := newTestExecutor(broker, &fakeRisk{})

	up := testSignal("leg-up")
	up.Metadata = map[string]string{"leg_group": "g1", "leg_count": "2"}
	down := testSignal("leg-down")
	down.Side = domain.SideDown
	down.Metadata = map[string]string{"leg_group": "g1", "leg_count": "2"}

	e.process(context.Background(), up)
	e.process(context.Background(), down)

	// The first leg was rejected, so the second leg never reaches the
	// broker and the position cannot tilt.
	assert.Equal(t, []string{"leg-up"}, broker.callIDs())
}

func TestExecutorRetriesSlippageRejections(t *testing.T) {
	broker := &fakeBroker{results: map[string]domain.FillResult{
		"sig-1": {Filled: false, Reason: "slippage 2.10% exceeds max 2.0% (want $0.5000, would fill @ $0.5105)"},
	}}
	e, _ := newTestExecutor(broker, &fakeRisk{})

	e.process(context.Background(), testSignal("sig-1"))
	assert.Equal(t, 2, broker.callCount(), "one initial attempt plus one retry")
}

func TestExecutorRunAndShutdown(t *testing.T) {
	broker := &fakeBroker{}
	e, ch := newTestExecutor(broker, &fakeRisk{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	ch <- testSignal("sig-1")
	require.Eventually(t, func() bool { return broker.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// A signal still buffered at cancel time is drained, not dropped.
	ch <- testSignal("sig-2")
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop on cancel")
	}
	assert.Equal(t, 2, broker.callCount())
}

func TestDedupWindowLapses(t *testing.T) {
	d := NewDedup(20 * time.Millisecond)
	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, d.IsDuplicate("a"), "lapsed IDs pass again")

	time.Sleep(30 * time.Millisecond)
	d.Cleanup()
	assert.Zero(t, d.Len())
}

func TestPairAccumulatorTimeout(t *testing.T) {
	acc := NewPairAccumulator(20*time.Millisecond, func(context.Context, []domain.TradeSignal) error {
		t.Fatal("incomplete group must not execute")
		return nil
	}, discardLogger())

	lone := testSignal("leg-up")
	lone.Metadata = map[string]string{"leg_group": "g1", "leg_count": "2"}
	require.True(t, acc.Add(context.Background(), lone))
	assert.Equal(t, 1, acc.Pending())

	assert.Eventually(t, func() bool { return acc.Pending() == 0 },
		time.Second, 10*time.Millisecond)
}
