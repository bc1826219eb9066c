package domain

import "time"

// TradeRecord is the journal entry for one simulated execution attempt,
// including rejections. Records are append-only analytics output; session
// state is never restored from them.
type TradeRecord struct {
	ID           string
	RunID        string
	MarketID     string
	Side         Side
	Action       TradeAction
	RequestedQty float64
	FilledQty    float64
	DesiredPrice float64
	FillPrice    float64
	TotalCost    float64
	Fee          float64
	SlippagePct  float64
	Partial      bool
	Rejected     bool
	Reason       string
	CashAfter    float64
	Source       string
	CreatedAt    time.Time
}

// SessionReport is the end-of-run artifact: final stats plus per-market
// position outcomes, exported to blob storage when configured.
type SessionReport struct {
	RunID      string
	Mode       string
	StartedAt  time.Time
	FinishedAt time.Time
	StartCash  float64
	FinalCash  float64
	Stats      SlippageStats
	Positions  []PositionSnapshot
	Trades     int64
}
