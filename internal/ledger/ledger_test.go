package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/capital"
	"github.com/mfeltner/polysim/internal/domain"
)

func newTestLedger(balance float64) (*Ledger, *capital.Pool) {
	pool := capital.NewPool(balance)
	l := New("btc-updown-1030", pool)
	l.now = func() time.Time { return time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC) }
	return l, pool
}

func buyFill(side domain.Side, qty, totalCost float64) domain.FillResult {
	return domain.FillResult{
		Filled:    true,
		Side:      side,
		FilledQty: qty,
		FillPrice: totalCost / qty,
		TotalCost: totalCost,
	}
}

func TestLedgerApplyFill(t *testing.T) {
	l, pool := newTestLedger(100)

	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 50, 20)))

	pos := l.Position()
	assert.InDelta(t, 50, pos.QtyUp, 1e-9)
	assert.InDelta(t, 20, pos.CostUp, 1e-9)
	assert.InDelta(t, 80, pool.Balance(), 1e-9)
	assert.InDelta(t, 20, l.Spent(), 1e-9)
	assert.Equal(t, 1, l.TradeCount())

	// Second fill on the same side accumulates cost basis.
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 50, 22)))
	pos = l.Position()
	assert.InDelta(t, 100, pos.QtyUp, 1e-9)
	assert.InDelta(t, 0.42, pos.AvgPrice(domain.SideUp), 1e-9)
}

func TestLedgerApplyFillIgnoresRejections(t *testing.T) {
	l, pool := newTestLedger(100)

	require.NoError(t, l.ApplyFill(domain.FillResult{Filled: false, Side: domain.SideUp, TotalCost: 50}))

	assert.True(t, l.Position().Empty())
	assert.InDelta(t, 100, pool.Balance(), 1e-9)
	assert.Zero(t, l.TradeCount())
}

func TestLedgerApplyFillFailsOnOverdraft(t *testing.T) {
	l, pool := newTestLedger(10)

	err := l.ApplyFill(buyFill(domain.SideDown, 50, 20))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))

	// Nothing moved.
	assert.True(t, l.Position().Empty())
	assert.InDelta(t, 10, pool.Balance(), 1e-9)
	assert.Zero(t, l.Spent())
}

func TestLedgerApplySell(t *testing.T) {
	l, pool := newTestLedger(100)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 50, 20))) // avg 0.40

	// Sell 20 shares for $15 proceeds (avg exit 0.75).
	require.NoError(t, l.ApplySell(domain.FillResult{
		Filled: true, Side: domain.SideUp, FilledQty: 20, TotalCost: 15,
	}))

	pos := l.Position()
	assert.InDelta(t, 30, pos.QtyUp, 1e-9)
	assert.InDelta(t, 12, pos.CostUp, 1e-9) // reduced at 0.40 average
	assert.InDelta(t, 95, pool.Balance(), 1e-9)

	snap := l.Snapshot()
	assert.InDelta(t, 7, snap.RealizedPnL, 1e-9) // 15 proceeds - 8 cost out
}

func TestLedgerApplySellClosesSideCleanly(t *testing.T) {
	l, _ := newTestLedger(100)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideDown, 30, 12)))

	require.NoError(t, l.ApplySell(domain.FillResult{
		Filled: true, Side: domain.SideDown, FilledQty: 30, TotalCost: 18,
	}))

	pos := l.Position()
	assert.Zero(t, pos.QtyDown)
	assert.Zero(t, pos.CostDown)
	assert.True(t, pos.Empty())
}

func TestLedgerApplySellRejectsOverage(t *testing.T) {
	l, pool := newTestLedger(100)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 10, 4)))

	err := l.ApplySell(domain.FillResult{
		Filled: true, Side: domain.SideUp, FilledQty: 25, TotalCost: 18,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held")
	assert.InDelta(t, 10, l.Position().QtyUp, 1e-9)
	assert.InDelta(t, 96, pool.Balance(), 1e-9)
}

func TestLedgerPairCost(t *testing.T) {
	l, _ := newTestLedger(200)

	_, ok := l.PairCost()
	assert.False(t, ok, "pair cost undefined while empty")

	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 100, 45)))
	_, ok = l.PairCost()
	assert.False(t, ok, "pair cost undefined while one-sided")

	require.NoError(t, l.ApplyFill(buyFill(domain.SideDown, 100, 50)))
	pc, ok := l.PairCost()
	require.True(t, ok)
	assert.InDelta(t, 0.95, pc, 1e-9)
}

func TestLedgerLockedProfit(t *testing.T) {
	l, _ := newTestLedger(200)

	assert.Zero(t, l.LockedProfit())

	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 100, 45)))   // avg 0.45
	assert.Zero(t, l.LockedProfit(), "unhedged position locks nothing")

	require.NoError(t, l.ApplyFill(buyFill(domain.SideDown, 100, 50))) // avg 0.50

	// min(100,100) - 95 - fee(0.45,100) - fee(0.50,100)
	want := 100.0 - 95.0 - Fee(0.45, 100) - Fee(0.50, 100)
	assert.InDelta(t, want, l.LockedProfit(), 1e-9)
	assert.InDelta(t, 3.5315, l.LockedProfit(), 1e-9)
}

func TestLedgerBestCaseAndRatio(t *testing.T) {
	l, _ := newTestLedger(200)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 120, 48)))
	require.NoError(t, l.ApplyFill(buyFill(domain.SideDown, 100, 50)))

	fees := Fee(0.40, 120) + Fee(0.50, 100)
	assert.InDelta(t, 120-98-fees, l.BestCaseProfit(), 1e-9)
	assert.InDelta(t, 1.2, l.QtyRatio(), 1e-9)
}

func TestLedgerResolve(t *testing.T) {
	l, pool := newTestLedger(100)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 50, 20)))
	require.NoError(t, l.ApplyFill(buyFill(domain.SideDown, 40, 22)))
	require.InDelta(t, 58, pool.Balance(), 1e-9)

	pnl, err := l.Resolve(domain.SideUp)
	require.NoError(t, err)

	assert.InDelta(t, 8, pnl, 1e-9)               // 50 payout - 42 spent
	assert.InDelta(t, 108, pool.Balance(), 1e-9)  // 58 + 50 payout

	outcome, done := l.Resolved()
	assert.True(t, done)
	assert.Equal(t, domain.SideUp, outcome)

	_, err = l.Resolve(domain.SideDown)
	assert.True(t, errors.Is(err, domain.ErrMarketClosed))

	err = l.ApplyFill(buyFill(domain.SideUp, 10, 5))
	assert.True(t, errors.Is(err, domain.ErrMarketClosed))
}

func TestLedgerResolveLosingSide(t *testing.T) {
	l, pool := newTestLedger(100)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 50, 20)))

	pnl, err := l.Resolve(domain.SideDown)
	require.NoError(t, err)

	assert.InDelta(t, -20, pnl, 1e-9) // no down shares, total loss
	assert.InDelta(t, 80, pool.Balance(), 1e-9)
}

func TestLedgerReset(t *testing.T) {
	l, pool := newTestLedger(100)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 50, 20)))
	_, err := l.Resolve(domain.SideUp)
	require.NoError(t, err)

	l.Reset()

	assert.True(t, l.Position().Empty())
	assert.Zero(t, l.Spent())
	assert.Zero(t, l.TradeCount())
	_, done := l.Resolved()
	assert.False(t, done)
	assert.InDelta(t, 130, pool.Balance(), 1e-9, "reset never claws back the pool")

	require.NoError(t, l.ApplyFill(buyFill(domain.SideDown, 10, 5)))
}

func TestLedgerSnapshot(t *testing.T) {
	l, _ := newTestLedger(100)
	require.NoError(t, l.ApplyFill(buyFill(domain.SideUp, 50, 20)))
	require.NoError(t, l.ApplyFill(buyFill(domain.SideDown, 50, 26)))

	snap := l.Snapshot()

	assert.Equal(t, "btc-updown-1030", snap.Position.MarketID)
	assert.True(t, snap.PairComplete)
	assert.InDelta(t, 0.92, snap.PairCost, 1e-9)
	assert.InDelta(t, 54, snap.Cash, 1e-9)
	assert.InDelta(t, 46, snap.SpentBudget, 1e-9)
	assert.Equal(t, time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC), snap.Timestamp)
	assert.Greater(t, snap.LockedProfit, 0.0)
}
