package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/ledger"
	"github.com/mfeltner/polysim/internal/quant"
)

// SpreadSignalConfig configures the spread z-score detector. Zero values
// fall back to defaults.
type SpreadSignalConfig struct {
	Spread      quant.SpreadConfig
	EdgePctPerZ float64 // gross edge percent per z above the entry threshold, default 1.0
	MaxSpendUSD float64 // notional at full position delta, default 12
}

func (c SpreadSignalConfig) withDefaults() SpreadSignalConfig {
	// Pin the entry threshold here too; the engine defaults it internally
	// and the edge math below must agree with it.
	if c.Spread.EntryZ == 0 {
		c.Spread.EntryZ = 2.0
	}
	if c.EdgePctPerZ == 0 {
		c.EdgePctPerZ = 1.0
	}
	if c.MaxSpendUSD == 0 {
		c.MaxSpendUSD = 12
	}
	return c
}

// SpreadSignal runs a beta-weighted log-spread tracker per market and emits
// an opportunity on the cheap side whenever the z-score pushes past the
// hysteresis entry band. A rich spread means UP is overpriced relative to
// DOWN, which on a binary market is expressed as a DOWN buy.
type SpreadSignal struct {
	cfg    SpreadSignalConfig
	logger *slog.Logger

	mu      sync.Mutex
	engines map[string]*quant.SpreadEngine
}

// NewSpreadSignal creates a spread z-score detector.
func NewSpreadSignal(cfg SpreadSignalConfig, logger *slog.Logger) *SpreadSignal {
	return &SpreadSignal{
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("detector", "spread_signal")),
		engines: make(map[string]*quant.SpreadEngine),
	}
}

// Name returns the detector identifier.
func (s *SpreadSignal) Name() string { return "spread_signal" }

// Detect feeds the tick into the market's spread engine and returns an
// opportunity when the resulting signal is directional. Every valid tick
// advances the engine, including ticks that produce no opportunity.
func (s *SpreadSignal) Detect(ctx context.Context, view domain.PairView) ([]domain.Opportunity, error) {
	if !view.Up.Valid || !view.Down.Valid {
		return nil, nil
	}

	s.mu.Lock()
	eng, ok := s.engines[view.Market.ID]
	if !ok {
		eng = quant.NewSpreadEngine(s.cfg.Spread)
		s.engines[view.Market.ID] = eng
	}
	m := eng.Update(view.Up.Mid, view.Down.Mid)
	s.mu.Unlock()

	if !m.Ready || !m.Signal.Directional() {
		return nil, nil
	}

	side := domain.SideUp
	if m.Signal == quant.SignalShortUpLongDown {
		side = domain.SideDown
	}
	metrics := view.Up
	if side == domain.SideDown {
		metrics = view.Down
	}
	price := metrics.BestAsk
	if price <= 0 {
		return nil, nil
	}

	az := math.Abs(m.ZScore)
	netPct := (az-s.cfg.Spread.EntryZ)*s.cfg.EdgePctPerZ - ledger.FeeRate(price)*100
	if netPct <= 0 {
		return nil, nil
	}
	qty := m.PositionDeltaPct / 100 * s.cfg.MaxSpendUSD / price
	if qty <= 0 {
		return nil, nil
	}

	opp := domain.Opportunity{
		ID:         uuid.NewString(),
		Detector:   s.Name(),
		MarketID:   view.Market.ID,
		Side:       side,
		Price:      price,
		MaxQty:     qty,
		EdgePct:    netPct,
		Confidence: math.Min(1.0, az/4.0),
		Reason:     fmt.Sprintf("spread z=%.2f beta=%.2f delta=%.0f%%", m.ZScore, m.Beta, m.PositionDeltaPct),
		DetectedAt: view.Now,
	}
	s.logger.DebugContext(ctx, "spread signal",
		slog.String("market_id", view.Market.ID),
		slog.String("side", string(side)),
		slog.Float64("z_score", m.ZScore),
		slog.Float64("delta_pct", m.PositionDeltaPct),
	)
	return []domain.Opportunity{opp}, nil
}

// Metrics returns the last computed spread metrics for a market.
func (s *SpreadSignal) Metrics(marketID string) (quant.Metrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eng, ok := s.engines[marketID]
	if !ok {
		return quant.Metrics{}, false
	}
	return eng.Metrics(), true
}

// History returns the retained metric ticks for a market, oldest first.
func (s *SpreadSignal) History(marketID string) []quant.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	eng, ok := s.engines[marketID]
	if !ok {
		return nil
	}
	return eng.History()
}

// Forget drops the engine for a market, for use on rotation so stale
// statistics never leak into the next window.
func (s *SpreadSignal) Forget(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.engines, marketID)
}
