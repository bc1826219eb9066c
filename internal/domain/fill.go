package domain

import "time"

// TradeIntent is a single immutable trade request evaluated against one book
// snapshot. The strategy creates a fresh intent each tick; nothing mutates it
// after creation.
type TradeIntent struct {
	Side         Side
	DesiredPrice float64
	DesiredQty   float64
	IsHedge      bool
	// MinSellPrice is the limit price for sells: bid levels below it are
	// never consumed. Ignored on the buy path.
	MinSellPrice float64
}

// FillResult is the outcome of simulating one trade intent. It is produced
// once per call and never mutated afterwards. Rejections carry Filled=false
// plus a diagnostic Reason; FillPrice on a slippage rejection is the
// would-be VWAP, reported for diagnostics only.
type FillResult struct {
	Filled          bool
	Side            Side
	DesiredPrice    float64
	FillPrice       float64 // VWAP across consumed levels
	DesiredQty      float64
	FilledQty       float64
	Partial         bool
	Slippage        float64 // fillPrice - desiredPrice
	SlippagePct     float64
	SlippageCost    float64 // slippage * filledQty
	TotalCost       float64
	TheoreticalCost float64
	LatencyMs       float64
	BookDepthAtBest float64
	LevelsConsumed  int
	// Levels holds the per-level consumption breakdown: Price is the level
	// price, Size the quantity taken there.
	Levels    []PriceLevel
	Reason    string
	Timestamp time.Time
}

// FillabilityReport is the output of the read-only fillability probe. A
// trade is considered fillable when at least 95% of the desired quantity is
// currently matchable.
type FillabilityReport struct {
	Fillable       bool
	AvailableQty   float64
	BestAsk        float64
	EstFillPrice   float64
	EstSlippagePct float64
	DepthLevels    int
	Reason         string
}

// SlippageEvent is one append-only entry in the bounded slippage log,
// mirroring the subset of FillResult fields needed for the latency-drift
// heuristic and for telemetry.
type SlippageEvent struct {
	Side            Side
	DesiredPrice    float64
	FillPrice       float64
	DesiredQty      float64
	FilledQty       float64
	Slippage        float64
	SlippagePct     float64
	SlippageCost    float64
	LevelsConsumed  int
	BookDepthAtBest float64
	Partial         bool
	Reason          string
	Timestamp       time.Time
}

// SlippageStats is the aggregate view over everything recorded since the
// last reset.
type SlippageStats struct {
	LatencyMs         float64
	Fills             int64
	Rejections        int64
	PartialFills      int64
	FilledVolume      float64
	TotalSlippageCost float64
	TheoreticalCost   float64
	ActualCost        float64
	AvgSlippagePct    float64
	WorstSlippagePct  float64
	FillRatePct       float64
	PartialRatePct    float64
	// PnLImpact is the cumulative cost of slippage, negated: subtract it
	// from paper PnL to get a realistic figure.
	PnLImpact float64
	BySide    map[Side]SideStats
	Recent    []SlippageEvent
}

// SideStats breaks the aggregate counters down per outcome side.
type SideStats struct {
	Fills        int64
	Rejections   int64
	PartialFills int64
	Volume       float64
	SlippageCost float64
}
