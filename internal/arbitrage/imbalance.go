package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/ledger"
)

// ImbalanceConfig configures the orderbook imbalance detector. Zero values
// fall back to defaults.
type ImbalanceConfig struct {
	RatioThreshold  float64 // bid/ask notional ratio that counts as skewed, default 1.5
	MinTotalVolume  float64 // minimum bid+ask notional on a side, default 50
	EdgePctPerRatio float64 // gross edge percent per unit of ratio above 1.0, default 1.0
	MaxSpendUSD     float64 // notional cap when sizing MaxQty, default 10
}

func (c ImbalanceConfig) withDefaults() ImbalanceConfig {
	if c.RatioThreshold == 0 {
		c.RatioThreshold = 1.5
	}
	if c.MinTotalVolume == 0 {
		c.MinTotalVolume = 50
	}
	if c.EdgePctPerRatio == 0 {
		c.EdgePctPerRatio = 1.0
	}
	if c.MaxSpendUSD == 0 {
		c.MaxSpendUSD = 10
	}
	return c
}

// Imbalance detects skewed resting volume on either outcome book. Heavy bid
// volume on a side signals buying pressure there; heavy ask volume signals
// the opposite, which on a binary market is expressed as a buy of the
// complementary side rather than a short.
type Imbalance struct {
	cfg    ImbalanceConfig
	logger *slog.Logger
}

// NewImbalance creates an imbalance detector.
func NewImbalance(cfg ImbalanceConfig, logger *slog.Logger) *Imbalance {
	return &Imbalance{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("detector", "imbalance")),
	}
}

// Name returns the detector identifier.
func (i *Imbalance) Name() string { return "imbalance" }

// Detect returns at most one opportunity per side whose book is skewed past
// the ratio threshold.
func (i *Imbalance) Detect(ctx context.Context, view domain.PairView) ([]domain.Opportunity, error) {
	var opps []domain.Opportunity
	for _, side := range []domain.Side{domain.SideUp, domain.SideDown} {
		opp, ok := i.detectSide(view, side)
		if !ok {
			continue
		}
		opps = append(opps, opp)
		i.logger.DebugContext(ctx, "imbalance detected",
			slog.String("market_id", view.Market.ID),
			slog.String("skewed_side", string(side)),
			slog.String("buy_side", string(opp.Side)),
			slog.Float64("edge_pct", opp.EdgePct),
		)
	}
	return opps, nil
}

func (i *Imbalance) detectSide(view domain.PairView, side domain.Side) (domain.Opportunity, bool) {
	book := view.Book(side)
	var bidVol, askVol float64
	for _, l := range book.Bids {
		if l.Price <= 0 || l.Size <= 0 {
			continue
		}
		bidVol += l.Price * l.Size
	}
	for _, l := range book.Asks {
		if l.Price <= 0 || l.Size <= 0 {
			continue
		}
		askVol += l.Price * l.Size
	}
	if bidVol <= 0 || askVol <= 0 || bidVol+askVol < i.cfg.MinTotalVolume {
		return domain.Opportunity{}, false
	}

	ratio := bidVol / askVol
	buySide := side
	if ratio < 1 {
		// Ask-heavy: pressure is downward, so the edge sits on the
		// complementary token.
		ratio = 1 / ratio
		buySide = side.Opposite()
	}
	if ratio < i.cfg.RatioThreshold {
		return domain.Opportunity{}, false
	}

	buyMetrics := view.Up
	if buySide == domain.SideDown {
		buyMetrics = view.Down
	}
	price := buyMetrics.BestAsk
	if price <= 0 {
		return domain.Opportunity{}, false
	}
	grossPct := (ratio - 1.0) * i.cfg.EdgePctPerRatio
	netPct := grossPct - ledger.FeeRate(price)*100
	if netPct <= 0 {
		return domain.Opportunity{}, false
	}

	qty := math.Min(i.cfg.MaxSpendUSD/price, buyMetrics.AskSize)
	if qty <= 0 {
		return domain.Opportunity{}, false
	}
	return domain.Opportunity{
		ID:         uuid.NewString(),
		Detector:   i.Name(),
		MarketID:   view.Market.ID,
		Side:       buySide,
		Price:      price,
		MaxQty:     qty,
		EdgePct:    netPct,
		Confidence: math.Min(1.0, (ratio-1.0)/2.0),
		Reason:     fmt.Sprintf("%s book %.1fx skewed toward %s", side, ratio, buySide),
		DetectedAt: view.Now,
	}, true
}
