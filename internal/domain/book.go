package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a point-in-time view of bids and asks for one outcome
// token. Level ordering is not guaranteed; consumers sort as needed.
type BookSnapshot struct {
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BookMetrics summarizes a snapshot for strategy evaluation. Valid is false
// when either side of the book is empty or crossed nonsensically.
type BookMetrics struct {
	AssetID string
	BestBid float64
	BestAsk float64
	BidSize float64
	AskSize float64
	Spread  float64
	Mid     float64
	Valid   bool
}

// Metrics extracts best bid/ask, sizes, spread, and mid from the snapshot.
// Non-positive levels are ignored, matching the sanitization rule applied
// before any book is consumed.
func (b BookSnapshot) Metrics() BookMetrics {
	m := BookMetrics{AssetID: b.AssetID}

	for _, lvl := range b.Bids {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		if lvl.Price > m.BestBid {
			m.BestBid = lvl.Price
			m.BidSize = lvl.Size
		}
	}
	for _, lvl := range b.Asks {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		if m.BestAsk == 0 || lvl.Price < m.BestAsk {
			m.BestAsk = lvl.Price
			m.AskSize = lvl.Size
		}
	}

	if m.BestBid > 0 && m.BestAsk > 0 {
		m.Spread = m.BestAsk - m.BestBid
		m.Mid = (m.BestAsk + m.BestBid) / 2
		m.Valid = m.Spread > -1e-9
	}
	return m
}

// PriceChange is an incremental orderbook level update from a live feed.
type PriceChange struct {
	AssetID   string
	Side      string // "BUY" or "SELL"
	Price     float64
	Size      float64 // 0 means remove level
	Timestamp time.Time
}

// PricePoint is a single observed price for an asset, used by the rolling
// statistics trackers.
type PricePoint struct {
	AssetID string
	Price   float64
	Time    time.Time
}
