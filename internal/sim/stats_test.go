package sim

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
)

func buyResult(side domain.Side, qty, theoretical, actual, slipPct float64, partial bool) domain.FillResult {
	return domain.FillResult{
		Side:            side,
		Filled:          true,
		FilledQty:       qty,
		TotalCost:       actual,
		TheoreticalCost: theoretical,
		Slippage:        (actual - theoretical) / qty,
		SlippagePct:     slipPct,
		SlippageCost:    actual - theoretical,
		Partial:         partial,
	}
}

func TestLedgerRecentAverage(t *testing.T) {
	l := NewSlippageLedger(100)

	_, ok := l.recentAvgSlippagePct(10)
	assert.False(t, ok)

	for _, pct := range []float64{1, 2, 3, 4, 5} {
		l.recordBuy(buyResult(domain.SideUp, 10, 10, 10+pct/10, pct, false))
	}

	avg, ok := l.recentAvgSlippagePct(3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, avg, 1e-9)

	// Window larger than the log averages everything available.
	avg, ok = l.recentAvgSlippagePct(50)
	require.True(t, ok)
	assert.InDelta(t, 3.0, avg, 1e-9)
}

func TestLedgerRingCapacity(t *testing.T) {
	l := NewSlippageLedger(5)

	for i := 1; i <= 8; i++ {
		l.recordBuy(buyResult(domain.SideUp, 10, 10, 10.5, float64(i), false))
	}

	st := l.Stats()
	require.Len(t, st.Recent, 5)
	assert.InDelta(t, 4.0, st.Recent[0].SlippagePct, 1e-9) // oldest three dropped
	assert.InDelta(t, 8.0, st.Recent[4].SlippagePct, 1e-9)
	assert.Equal(t, int64(8), st.Fills) // counters outlive evicted events
}

func TestLedgerDerivedRates(t *testing.T) {
	l := NewSlippageLedger(100)

	l.recordBuy(buyResult(domain.SideUp, 10, 4.0, 4.1, 2.5, false))
	l.recordBuy(buyResult(domain.SideUp, 10, 4.0, 4.0, 0, true))
	l.recordBuy(buyResult(domain.SideDown, 10, 2.0, 2.0, 0, false))
	l.recordRejection(domain.SideDown)

	st := l.Stats()
	assert.Equal(t, int64(3), st.Fills)
	assert.Equal(t, int64(1), st.Rejections)
	assert.Equal(t, int64(1), st.PartialFills)
	assert.InDelta(t, 75.0, st.FillRatePct, 1e-9)
	assert.InDelta(t, 100.0/3.0, st.PartialRatePct, 1e-9)
	// (10.1 - 10.0) / 10.0
	assert.InDelta(t, 1.0, st.AvgSlippagePct, 1e-9)
	assert.InDelta(t, 30.0, st.FilledVolume, 1e-9)
	assert.InDelta(t, 0.1, st.TotalSlippageCost, 1e-9)
	assert.InDelta(t, -0.1, st.PnLImpact, 1e-9)
}

func TestLedgerZeroActivity(t *testing.T) {
	st := NewSlippageLedger(10).Stats()

	assert.Zero(t, st.FillRatePct)
	assert.Zero(t, st.PartialRatePct)
	assert.Zero(t, st.AvgSlippagePct)
	assert.Empty(t, st.Recent)
	require.Contains(t, st.BySide, domain.SideUp)
	require.Contains(t, st.BySide, domain.SideDown)
}

func TestLedgerBySideSeparation(t *testing.T) {
	l := NewSlippageLedger(100)

	l.recordBuy(buyResult(domain.SideUp, 20, 8.0, 8.2, 2.5, true))
	l.recordBuy(buyResult(domain.SideDown, 5, 2.5, 2.5, 0, false))
	l.recordRejection(domain.SideUp)
	l.recordRejection(domain.SideUp)

	st := l.Stats()
	up := st.BySide[domain.SideUp]
	down := st.BySide[domain.SideDown]

	assert.Equal(t, int64(1), up.Fills)
	assert.Equal(t, int64(2), up.Rejections)
	assert.Equal(t, int64(1), up.PartialFills)
	assert.InDelta(t, 20.0, up.Volume, 1e-9)
	assert.InDelta(t, 0.2, up.SlippageCost, 1e-9)

	assert.Equal(t, int64(1), down.Fills)
	assert.Zero(t, down.Rejections)
	assert.Zero(t, down.SlippageCost)
}

func TestLedgerWorstTracksMagnitude(t *testing.T) {
	l := NewSlippageLedger(100)

	l.recordBuy(buyResult(domain.SideUp, 10, 10, 10.1, 1.0, false))
	assert.InDelta(t, 1.0, l.Stats().WorstSlippagePct, 1e-9)

	// A favorable fill with larger magnitude takes the marker.
	l.recordBuy(buyResult(domain.SideUp, 10, 10, 9.7, -3.0, false))
	assert.InDelta(t, -3.0, l.Stats().WorstSlippagePct, 1e-9)

	// Smaller magnitude leaves it alone.
	l.recordBuy(buyResult(domain.SideUp, 10, 10, 10.2, 2.0, false))
	assert.InDelta(t, -3.0, l.Stats().WorstSlippagePct, 1e-9)
}

func TestLedgerQuietFillsAreNotLogged(t *testing.T) {
	l := NewSlippageLedger(100)

	l.recordBuy(buyResult(domain.SideUp, 10, 4.0, 4.0, 0, false))

	st := l.Stats()
	assert.Equal(t, int64(1), st.Fills)
	assert.Empty(t, st.Recent)

	_, ok := l.recentAvgSlippagePct(10)
	assert.False(t, ok)
}

func TestLedgerSellNeverFeedsCostTotals(t *testing.T) {
	l := NewSlippageLedger(100)

	l.recordSell(domain.FillResult{
		Side:            domain.SideUp,
		Filled:          true,
		FilledQty:       10,
		TotalCost:       7.5,
		TheoreticalCost: 7.0,
		Slippage:        0.05,
		SlippagePct:     7.14,
		SlippageCost:    0.5,
	})

	st := l.Stats()
	assert.Equal(t, int64(1), st.Fills)
	assert.Zero(t, st.TotalSlippageCost)
	assert.Zero(t, st.WorstSlippagePct)
	assert.Zero(t, st.BySide[domain.SideUp].SlippageCost)
	assert.InDelta(t, 7.5, st.ActualCost, 1e-9)
	assert.InDelta(t, 7.0, st.TheoreticalCost, 1e-9)
	assert.Len(t, st.Recent, 1)
}

func TestLedgerResetClearsEverything(t *testing.T) {
	l := NewSlippageLedger(100)

	l.recordBuy(buyResult(domain.SideUp, 10, 10, 10.5, 5.0, true))
	l.recordRejection(domain.SideDown)
	require.NotZero(t, l.Stats().Fills)

	l.Reset()

	st := l.Stats()
	assert.Zero(t, st.Fills)
	assert.Zero(t, st.Rejections)
	assert.Zero(t, st.PartialFills)
	assert.Zero(t, st.FilledVolume)
	assert.Zero(t, st.TotalSlippageCost)
	assert.Zero(t, st.TheoreticalCost)
	assert.Zero(t, st.ActualCost)
	assert.Zero(t, st.WorstSlippagePct)
	assert.Empty(t, st.Recent)
	assert.Zero(t, st.BySide[domain.SideUp].Fills)
	assert.Zero(t, st.BySide[domain.SideDown].Rejections)
}

func TestLedgerConcurrentStatsReads(t *testing.T) {
	l := NewSlippageLedger(100)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			l.recordBuy(buyResult(domain.SideUp, 1, 0.5, 0.51, 2.0, false))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = l.Stats()
			_ = l.PnLImpact()
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(200), l.Stats().Fills)
}
