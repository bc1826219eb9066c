package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/domain"
)

// PairDiscountConfig configures the pair-discount detector. Zero values
// fall back to defaults.
type PairDiscountConfig struct {
	MaxCombined float64 // only consider pairs cheaper than this, default 0.985
	FeeRate     float64 // flat fee estimate for edge math, default 0.015
	MaxSpendUSD float64 // notional cap when sizing MaxQty, default 16
}

func (c PairDiscountConfig) withDefaults() PairDiscountConfig {
	if c.MaxCombined == 0 {
		c.MaxCombined = 0.985
	}
	if c.FeeRate == 0 {
		c.FeeRate = 0.015
	}
	if c.MaxSpendUSD == 0 {
		c.MaxSpendUSD = 16
	}
	return c
}

// PairDiscount detects true arbitrage on a binary market: when the two best
// asks sum to less than the $1.00 payout net of fees, buying equal
// quantities of both sides locks a profit regardless of outcome. It emits
// one opportunity per side, sized to the thinner book, so the consumer can
// fill them as a pair.
type PairDiscount struct {
	cfg    PairDiscountConfig
	logger *slog.Logger
}

// NewPairDiscount creates a pair-discount detector.
func NewPairDiscount(cfg PairDiscountConfig, logger *slog.Logger) *PairDiscount {
	return &PairDiscount{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("detector", "pair_discount")),
	}
}

// Name returns the detector identifier.
func (p *PairDiscount) Name() string { return "pair_discount" }

// Detect returns a paired buy opportunity when the combined ask trades at a
// discount to the fee-adjusted payout.
func (p *PairDiscount) Detect(ctx context.Context, view domain.PairView) ([]domain.Opportunity, error) {
	if !view.Priced() {
		return nil, nil
	}
	combined := view.CombinedAsk()
	if combined >= p.cfg.MaxCombined {
		return nil, nil
	}

	// Each $combined pair pays $1.00 at resolution; fees eat 1/(1+rate).
	margin := 1.0/(1.0+p.cfg.FeeRate) - combined
	if margin <= 0 {
		return nil, nil
	}
	edgePct := margin / combined * 100

	qty := math.Min(view.Up.AskSize, view.Down.AskSize)
	qty = math.Min(qty, p.cfg.MaxSpendUSD/combined)
	if qty <= 0 {
		return nil, nil
	}
	confidence := math.Min(1.0, margin/0.05)

	reason := fmt.Sprintf("combined ask %.3f, margin %.3f/pair after fees", combined, margin)
	opps := []domain.Opportunity{
		{
			ID:         uuid.NewString(),
			Detector:   p.Name(),
			MarketID:   view.Market.ID,
			Side:       domain.SideUp,
			Price:      view.Up.BestAsk,
			MaxQty:     qty,
			EdgePct:    edgePct,
			Confidence: confidence,
			Reason:     reason,
			DetectedAt: view.Now,
		},
		{
			ID:         uuid.NewString(),
			Detector:   p.Name(),
			MarketID:   view.Market.ID,
			Side:       domain.SideDown,
			Price:      view.Down.BestAsk,
			MaxQty:     qty,
			EdgePct:    edgePct,
			Confidence: confidence,
			Reason:     reason,
			DetectedAt: view.Now,
		},
	}
	p.logger.DebugContext(ctx, "pair discount detected",
		slog.String("market_id", view.Market.ID),
		slog.Float64("combined_ask", combined),
		slog.Float64("margin", margin),
		slog.Float64("qty", qty),
	)
	return opps, nil
}
