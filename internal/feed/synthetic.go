package feed

import (
	"math/rand"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// BookSpec shapes synthesized order books around a mid price. The zero
// value is unusable; call withDefaults or use a scenario's spec.
type BookSpec struct {
	// Levels per side.
	Levels int
	// HalfSpread is the distance from mid to the best bid/ask.
	HalfSpread float64
	// Tick is the price distance between adjacent levels.
	Tick float64
	// BaseSize is the size at the best level.
	BaseSize float64
	// SizeJitter scales random size variation as a fraction of the level
	// size (0.5 means ±50%).
	SizeJitter float64
	// DepthGrowth multiplies size per level away from the touch.
	DepthGrowth float64
}

func (s BookSpec) withDefaults() BookSpec {
	if s.Levels <= 0 {
		s.Levels = 3
	}
	if s.HalfSpread <= 0 {
		s.HalfSpread = 0.01
	}
	if s.Tick <= 0 {
		s.Tick = 0.01
	}
	if s.BaseSize <= 0 {
		s.BaseSize = 500
	}
	if s.SizeJitter < 0 {
		s.SizeJitter = 0
	}
	if s.DepthGrowth <= 0 {
		s.DepthGrowth = 1.6
	}
	return s
}

// SynthesizeBook builds a deterministic order book around mid using the
// given generator: asks stack upward from mid+HalfSpread, bids downward
// from mid-HalfSpread, sizes growing with depth and jittered by rng.
// Levels that would land outside (0.01, 0.99) are dropped, so books near
// the price extremes come out one-sided the way real ones do.
func SynthesizeBook(assetID string, mid float64, spec BookSpec, rng *rand.Rand, ts time.Time) domain.BookSnapshot {
	spec = spec.withDefaults()
	snap := domain.BookSnapshot{AssetID: assetID, Timestamp: ts}

	size := func(level int) float64 {
		base := spec.BaseSize
		for i := 0; i < level; i++ {
			base *= spec.DepthGrowth
		}
		if spec.SizeJitter > 0 {
			base *= 1 + spec.SizeJitter*(rng.Float64()*2-1)
		}
		if base < 1 {
			base = 1
		}
		return base
	}

	for i := 0; i < spec.Levels; i++ {
		offset := spec.HalfSpread + float64(i)*spec.Tick
		if bid := mid - offset; bid > 0.01 {
			snap.Bids = append(snap.Bids, domain.PriceLevel{Price: round4(bid), Size: size(i)})
		}
		if ask := mid + offset; ask < 0.99 {
			snap.Asks = append(snap.Asks, domain.PriceLevel{Price: round4(ask), Size: size(i)})
		}
	}
	return snap
}

// round4 keeps synthesized prices on the 4-decimal grid the venue quotes
// in, avoiding float dust like 0.510000000000002.
func round4(v float64) float64 {
	return float64(int64(v*1e4+0.5)) / 1e4
}
