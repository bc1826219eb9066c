package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/ledger"
)

// marketView builds a one-level pair view with both books quoted.
func marketView(marketID string, upBid, upAsk, downBid, downAsk, size float64) domain.PairView {
	up := domain.BookSnapshot{
		AssetID: marketID + "-up",
		Bids:    []domain.PriceLevel{{Price: upBid, Size: size}},
		Asks:    []domain.PriceLevel{{Price: upAsk, Size: size}},
	}
	down := domain.BookSnapshot{
		AssetID: marketID + "-down",
		Bids:    []domain.PriceLevel{{Price: downBid, Size: size}},
		Asks:    []domain.PriceLevel{{Price: downAsk, Size: size}},
	}
	return domain.PairView{
		Market:   domain.Market{ID: marketID},
		UpBook:   up,
		DownBook: down,
		Up:       up.Metrics(),
		Down:     down.Metrics(),
		Position: domain.PositionSnapshot{Cash: 100},
		Now:      time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC),
	}
}

// withPosition attaches a position, deriving the snapshot figures the way
// the ledger would.
func withPosition(view domain.PairView, pos domain.Position, cash float64) domain.PairView {
	snap := domain.PositionSnapshot{Position: pos, Cash: cash, Timestamp: view.Now}
	if pos.Hedged() {
		snap.PairCost = pos.AvgPrice(domain.SideUp) + pos.AvgPrice(domain.SideDown)
		snap.PairComplete = true
		fees := ledger.Fee(pos.AvgPrice(domain.SideUp), pos.QtyUp) +
			ledger.Fee(pos.AvgPrice(domain.SideDown), pos.QtyDown)
		snap.LockedProfit = math.Min(pos.QtyUp, pos.QtyDown) - pos.TotalCost() - fees
	}
	view.Position = snap
	return view
}

// withClose sets the market end date relative to the view's clock.
func withClose(view domain.PairView, ttc time.Duration) domain.PairView {
	end := view.Now.Add(ttc)
	view.Market.EndDate = &end
	return view
}

func TestPairArbWaitsForALeader(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.46, 0.48, 0.48, 0.50, 100)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Empty(t, sigs, "no side above the trigger yet")
}

func TestPairArbEntersOnLeadingSide(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.58, 0.60, 0.40, 0.42, 100)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, domain.SideUp, sig.Side)
	assert.Equal(t, domain.TradeActionBuy, sig.Action)
	assert.InDelta(t, 0.60, sig.Price(), 1e-6)
	assert.InDelta(t, 5.0/0.60, sig.Size(), 1e-5)
	assert.Equal(t, "base_entry", sig.Reason)
	assert.Equal(t, domain.SignalUrgencyMedium, sig.Urgency)
	assert.False(t, sig.IsHedge)
	assert.Equal(t, "pair_arb", sig.Source)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, view.Now, sig.CreatedAt)
	assert.Equal(t, view.Now.Add(10*time.Second), sig.ExpiresAt)
}

func TestPairArbEntryGates(t *testing.T) {
	tests := []struct {
		name string
		view domain.PairView
	}{
		{
			name: "leader already too rich",
			view: marketView("m", 0.88, 0.90, 0.08, 0.10, 100),
		},
		{
			name: "market too close to expiry",
			view: withClose(marketView("m", 0.58, 0.60, 0.40, 0.42, 100), 60*time.Second),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewPairArb(PairArbConfig{}, discardLogger())
			sigs, err := s.OnBookUpdate(context.Background(), tt.view)
			require.NoError(t, err)
			assert.Empty(t, sigs)
		})
	}
}

func TestPairArbLocksProfitOnCheapComplement(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.63, 0.65, 0.28, 0.30, 100)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown", QtyUp: 10, CostUp: 6,
	}, 94)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	// Pair completes at 0.60 + 0.30 = 0.90, well under the lock threshold,
	// so the hedge matches the owned quantity (fee-adjusted).
	sig := sigs[0]
	assert.Equal(t, domain.SideDown, sig.Side)
	assert.InDelta(t, 0.30, sig.Price(), 1e-6)
	assert.InDelta(t, 10*0.30*1.015/0.30, sig.Size(), 1e-5)
	assert.Equal(t, "profit_lock", sig.Reason)
	assert.Equal(t, domain.SignalUrgencyHigh, sig.Urgency)
	assert.True(t, sig.IsHedge)
}

func TestPairArbWaitsWhenHedgeIsExpensive(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.58, 0.60, 0.43, 0.45, 100)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown", QtyUp: 10, CostUp: 6,
	}, 94)

	// Pair would cost 1.05 and there is no deadline pressure.
	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestPairArbDeadlineHedge(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.53, 0.55, 0.43, 0.45, 100)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown", QtyUp: 10, CostUp: 5.5,
	}, 94.5)
	view = withClose(view, 90*time.Second)

	// Pair at 0.55 + 0.45 = 1.00: a small guaranteed loss beats a naked
	// position into resolution.
	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, domain.SideDown, sig.Side)
	assert.InDelta(t, 12.0/0.45, sig.Size(), 1e-5)
	assert.Equal(t, "deadline_hedge", sig.Reason)
	assert.Equal(t, domain.SignalUrgencyHigh, sig.Urgency)
	assert.True(t, sig.IsHedge)
}

func TestPairArbAccumulatesDiscountedPairs(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.48, 0.50, 0.42, 0.44, 500)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 5,
		QtyDown: 10, CostDown: 4.5,
	}, 100)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	// Combined ask 0.94 nets a margin after fees; both legs share one
	// quantity sized off the margin-scaled clip.
	margin := 1/1.015 - 0.94
	perSide := 8 * (1 + margin*15)
	wantQty := perSide / 0.50

	assert.Equal(t, domain.SideUp, sigs[0].Side)
	assert.Equal(t, domain.SideDown, sigs[1].Side)
	assert.InDelta(t, 0.50, sigs[0].Price(), 1e-6)
	assert.InDelta(t, 0.44, sigs[1].Price(), 1e-6)
	assert.InDelta(t, wantQty, sigs[0].Size(), 1e-5)
	assert.Equal(t, sigs[0].SizeUnits, sigs[1].SizeUnits, "paired legs must match quantity")
	assert.Equal(t, "arb_pair", sigs[0].Reason)
	assert.Equal(t, domain.SignalUrgencyHigh, sigs[0].Urgency)
	assert.NotEmpty(t, sigs[0].Metadata["leg_group"])
	assert.Equal(t, sigs[0].Metadata["leg_group"], sigs[1].Metadata["leg_group"])
}

func TestPairArbEmergencyFixBuysWeakLeg(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.68, 0.70, 0.26, 0.28, 200)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    20, CostUp: 9,
		QtyDown: 5, CostDown: 4,
	}, 50)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	// Locked is deep negative; the repair buys the lagging DOWN leg sized
	// to the pnl gap between the two outcomes (here exactly the quantity
	// difference).
	sig := sigs[0]
	assert.Equal(t, domain.SideDown, sig.Side)
	assert.InDelta(t, 0.28, sig.Price(), 1e-6)
	assert.InDelta(t, 15*1.015, sig.Size(), 1e-5)
	assert.Equal(t, "emergency_fix", sig.Reason)
	assert.Equal(t, domain.SignalUrgencyImmediate, sig.Urgency)
	assert.True(t, sig.IsHedge)
}

func TestPairArbImproveCappedByLockedProfit(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	// UP trades at a 15.6% discount to its 0.45 average; combined ask 0.99
	// keeps pair accumulation out of the picture.
	view := marketView("btc-updown", 0.36, 0.38, 0.59, 0.61, 200)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 4.5,
		QtyDown: 10.5, CostDown: 4.2,
	}, 91.3)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	// The clip would be $4.50 (aggressive discount) but the ladder caps
	// spend so a fill cannot push the locked profit under the buffer.
	fees := ledger.Fee(0.45, 10) + ledger.Fee(0.40, 10.5)
	pnlDown := 10.5 - 8.7 - fees
	wantQty := (pnlDown - 0.50) / 1.015 / 0.38

	sig := sigs[0]
	assert.Equal(t, domain.SideUp, sig.Side)
	assert.Equal(t, "arb_improve", sig.Reason)
	assert.Equal(t, domain.SignalUrgencyLow, sig.Urgency)
	assert.False(t, sig.IsHedge)
	assert.InDelta(t, wantQty, sig.Size(), 1e-5)
}

func TestPairArbRebalancesLightSide(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.40, 0.42, 0.55, 0.57, 200)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 4.5,
		QtyDown: 14, CostDown: 5.6,
	}, 89.9)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	// Quantity ratio 1.4 tops up UP. Locked sits just under zero, so the
	// middle ladder band caps the clip at what DOWN would still pay plus
	// the emergency allowance.
	fees := ledger.Fee(0.45, 10) + ledger.Fee(0.40, 14)
	pnlDown := 14 - 10.1 - fees
	wantQty := (pnlDown + 2.0) / 1.015 / 0.42

	sig := sigs[0]
	assert.Equal(t, domain.SideUp, sig.Side)
	assert.Equal(t, "rebalance", sig.Reason)
	assert.Equal(t, domain.SignalUrgencyLow, sig.Urgency)
	assert.True(t, sig.IsHedge)
	assert.InDelta(t, wantQty, sig.Size(), 1e-5)
}

func TestPairArbDirectionalCapBlocksRichSide(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	// UP at 0.25 is a deep discount to its 0.30 average, but UP already
	// pays out far past the exposure cap if it wins.
	view := marketView("btc-updown", 0.23, 0.25, 0.74, 0.76, 500)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    80, CostUp: 24,
		QtyDown: 75, CostDown: 22.5,
	}, 53.5)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestPairArbCooldownThrottlesPerSide(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.58, 0.60, 0.40, 0.42, 100)

	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	// Two seconds later the same setup is throttled.
	view.Now = view.Now.Add(2 * time.Second)
	sigs, err = s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// Past the cooldown it fires again.
	view.Now = view.Now.Add(4 * time.Second)
	sigs, err = s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestPairArbTakeProfitHaltsMarket(t *testing.T) {
	s := NewPairArb(PairArbConfig{TakeProfitUSD: 1.0}, discardLogger())
	view := marketView("btc-updown", 0.46, 0.48, 0.47, 0.49, 100)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 4.5,
		QtyDown: 10, CostDown: 4.2,
	}, 91.3)

	// Locked profit is above the target with balanced quantity: halt.
	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// The halt latches even when a juicy pair discount shows up later.
	tempting := marketView("btc-updown", 0.44, 0.46, 0.44, 0.46, 500)
	tempting = withPosition(tempting, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 4.5,
		QtyDown: 10, CostDown: 4.2,
	}, 91.3)
	sigs, err = s.OnBookUpdate(context.Background(), tempting)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestPairArbDeteriorationStop(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	healthy := marketView("btc-updown", 0.48, 0.50, 0.48, 0.50, 100)
	healthy = withPosition(healthy, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 4.7,
		QtyDown: 10, CostDown: 4.7,
	}, 90.6)

	sigs, err := s.OnBookUpdate(context.Background(), healthy)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// The blended pair cost has drifted 6 cents past its best: stop, even
	// though the books now offer an attractive pair.
	worse := marketView("btc-updown", 0.44, 0.46, 0.44, 0.46, 500)
	worse = withPosition(worse, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 5.3,
		QtyDown: 10, CostDown: 4.7,
	}, 90.0)
	sigs, err = s.OnBookUpdate(context.Background(), worse)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// Latched.
	sigs, err = s.OnBookUpdate(context.Background(), worse)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestPairArbEndgameFreeze(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.44, 0.46, 0.44, 0.46, 500)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 4.5,
		QtyDown: 10, CostDown: 4.2,
	}, 91.3)
	view = withClose(view, 45*time.Second)

	// Profit is locked and the market closes in under a minute: freeze
	// instead of chasing the discounted pair.
	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestPairArbRespectsCashReserve(t *testing.T) {
	s := NewPairArb(PairArbConfig{}, discardLogger())
	view := marketView("btc-updown", 0.58, 0.60, 0.40, 0.42, 100)
	view.Position.Cash = 5.5

	// Cash barely covers the reserve floor; the order collapses under the
	// minimum and nothing is sent.
	sigs, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestPairArbForget(t *testing.T) {
	s := NewPairArb(PairArbConfig{TakeProfitUSD: 1.0}, discardLogger())
	view := marketView("btc-updown", 0.46, 0.48, 0.47, 0.49, 100)
	view = withPosition(view, domain.Position{
		MarketID: "btc-updown",
		QtyUp:    10, CostUp: 4.5,
		QtyDown: 10, CostDown: 4.2,
	}, 91.3)

	_, err := s.OnBookUpdate(context.Background(), view)
	require.NoError(t, err)

	// Forgetting the market clears the halt latch; a fresh empty position
	// trades again.
	s.Forget("btc-updown")
	fresh := marketView("btc-updown", 0.58, 0.60, 0.40, 0.42, 100)
	sigs, err := s.OnBookUpdate(context.Background(), fresh)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}
