package domain

import (
	"math"
	"time"
)

// TradeAction indicates whether a signal opens or unwinds exposure.
type TradeAction string

const (
	TradeActionBuy  TradeAction = "buy"
	TradeActionSell TradeAction = "sell"
)

// SignalUrgency indicates how quickly a signal should be acted upon.
type SignalUrgency int

const (
	SignalUrgencyLow SignalUrgency = iota
	SignalUrgencyMedium
	SignalUrgencyHigh
	SignalUrgencyImmediate
)

// TradeSignal is emitted by a strategy to request a simulated execution.
type TradeSignal struct {
	ID         string // UUID for dedup
	Source     string // strategy name or detector name
	MarketID   string
	Side       Side
	Action     TradeAction
	PriceTicks int64 // fixed-point price, 1e6 ticks
	SizeUnits  int64 // fixed-point size, 1e6 units
	IsHedge    bool
	// MinSellTicks is the fixed-point limit price for sell signals.
	MinSellTicks int64
	Urgency      SignalUrgency
	Reason       string
	Metadata     map[string]string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Price returns the display price from fixed-point ticks.
func (s TradeSignal) Price() float64 {
	return float64(s.PriceTicks) / 1e6
}

// Size returns the display size from fixed-point units.
func (s TradeSignal) Size() float64 {
	return float64(s.SizeUnits) / 1e6
}

// MinSellPrice returns the display limit price for sell signals.
func (s TradeSignal) MinSellPrice() float64 {
	return float64(s.MinSellTicks) / 1e6
}

// Ticks converts a display price or size to its fixed-point representation,
// rounding to the nearest tick.
func Ticks(v float64) int64 {
	return int64(math.Round(v * 1e6))
}

// Intent converts the signal into the immutable intent the simulator
// consumes.
func (s TradeSignal) Intent() TradeIntent {
	return TradeIntent{
		Side:         s.Side,
		DesiredPrice: s.Price(),
		DesiredQty:   s.Size(),
		IsHedge:      s.IsHedge,
		MinSellPrice: s.MinSellPrice(),
	}
}

// Opportunity is a detector finding: a priced edge on one market that a
// strategy may turn into a TradeSignal.
type Opportunity struct {
	ID         string
	Detector   string
	MarketID   string
	Side       Side
	Price      float64
	MaxQty     float64
	EdgePct    float64 // estimated edge after fees, percent
	Confidence float64 // 0..1
	Reason     string
	DetectedAt time.Time
}
