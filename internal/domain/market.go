package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
)

// Side identifies one outcome of a binary market.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Opposite returns the other outcome of the pair.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Valid reports whether s is one of the two known outcomes.
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// Market represents a binary prediction market: a question with two
// complementary outcome tokens whose fair prices sum to 1.00.
type Market struct {
	ID          string
	Question    string
	Slug        string
	Outcomes    [2]string // e.g. ["Up","Down"] or ["Yes","No"]
	TokenIDs    [2]string // outcome token IDs, index 0 = up side
	ConditionID string
	Volume      float64
	Status      MarketStatus
	EndDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TokenID returns the outcome token ID for the given side.
func (m Market) TokenID(side Side) string {
	if side == SideUp {
		return m.TokenIDs[0]
	}
	return m.TokenIDs[1]
}

// SideOfToken returns which side a token ID belongs to, and whether it
// belongs to this market at all.
func (m Market) SideOfToken(tokenID string) (Side, bool) {
	switch tokenID {
	case m.TokenIDs[0]:
		return SideUp, true
	case m.TokenIDs[1]:
		return SideDown, true
	default:
		return "", false
	}
}
