// Package arbitrage provides selectable opportunity detectors that score a
// single market's pair view: the complementary UP/DOWN books plus the
// current position. Detectors find priced edges; strategies decide whether
// to turn them into trades.
package arbitrage

import (
	"context"

	"github.com/mfeltner/polysim/internal/domain"
)

// Detector examines one market tick and returns zero or more priced
// opportunities. Implementations may keep per-market state (rolling
// statistics) and must therefore tolerate concurrent Detect calls for
// different markets.
type Detector interface {
	Name() string
	Detect(ctx context.Context, view domain.PairView) ([]domain.Opportunity, error)
}
