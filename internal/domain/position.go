package domain

import "time"

// Position is the paired holding for one binary market: quantity and total
// cost per side. It is mutated only by the ledger that owns it, exactly once
// per approved fill.
type Position struct {
	MarketID string
	QtyUp    float64
	QtyDown  float64
	CostUp   float64
	CostDown float64
}

// Qty returns the held quantity for the given side.
func (p Position) Qty(side Side) float64 {
	if side == SideUp {
		return p.QtyUp
	}
	return p.QtyDown
}

// Cost returns the accumulated cost for the given side.
func (p Position) Cost(side Side) float64 {
	if side == SideUp {
		return p.CostUp
	}
	return p.CostDown
}

// AvgPrice returns cost/qty for the given side, or 0 while the side is empty.
func (p Position) AvgPrice(side Side) float64 {
	q := p.Qty(side)
	if q <= 0 {
		return 0
	}
	return p.Cost(side) / q
}

// Hedged reports whether both sides hold a non-zero quantity.
func (p Position) Hedged() bool {
	return p.QtyUp > 0 && p.QtyDown > 0
}

// Empty reports whether neither side holds anything.
func (p Position) Empty() bool {
	return p.QtyUp <= 0 && p.QtyDown <= 0
}

// TotalCost is the combined spend across both sides.
func (p Position) TotalCost() float64 {
	return p.CostUp + p.CostDown
}

// PositionSnapshot is a read-only export of ledger state for telemetry and
// the status API.
type PositionSnapshot struct {
	Position
	PairCost     float64
	PairComplete bool
	LockedProfit float64
	RealizedPnL  float64
	Cash         float64
	SpentBudget  float64
	Timestamp    time.Time
}
