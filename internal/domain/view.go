package domain

import "time"

// PairView is the per-tick decision context handed to strategies and
// detectors: both outcome books of one market, their extracted metrics, and
// the position as of the snapshot. Strategies never mutate it.
type PairView struct {
	Market   Market
	UpBook   BookSnapshot
	DownBook BookSnapshot
	Up       BookMetrics
	Down     BookMetrics
	Position PositionSnapshot
	Now      time.Time
}

// Book returns the snapshot for the given side.
func (v PairView) Book(side Side) BookSnapshot {
	if side == SideUp {
		return v.UpBook
	}
	return v.DownBook
}

// BestAsk returns the best ask for the given side, 0 when that book is
// empty.
func (v PairView) BestAsk(side Side) float64 {
	if side == SideUp {
		return v.Up.BestAsk
	}
	return v.Down.BestAsk
}

// BestBid returns the best bid for the given side, 0 when that book is
// empty.
func (v PairView) BestBid(side Side) float64 {
	if side == SideUp {
		return v.Up.BestBid
	}
	return v.Down.BestBid
}

// CombinedAsk is the cost of buying one share of each outcome at the top of
// book. Zero when either book has no asks.
func (v PairView) CombinedAsk() float64 {
	if v.Up.BestAsk <= 0 || v.Down.BestAsk <= 0 {
		return 0
	}
	return v.Up.BestAsk + v.Down.BestAsk
}

// Priced reports whether both books carry a usable ask.
func (v PairView) Priced() bool {
	return v.Up.BestAsk > 0 && v.Down.BestAsk > 0
}

// TimeToClose returns the remaining market lifetime. ok is false when the
// market carries no end date.
func (v PairView) TimeToClose() (time.Duration, bool) {
	if v.Market.EndDate == nil {
		return 0, false
	}
	return v.Market.EndDate.Sub(v.Now), true
}
