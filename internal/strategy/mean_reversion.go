package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/quant"
)

// MeanReversionConfig tunes the spread mean-reversion strategy.
type MeanReversionConfig struct {
	Spread         quant.SpreadConfig
	TradeUSD       float64 // target spend at the entry threshold
	MaxPositionUSD float64 // per-market cost ceiling
	MinQty         float64
	SignalTTL      time.Duration
}

func (c MeanReversionConfig) withDefaults() MeanReversionConfig {
	if c.TradeUSD <= 0 {
		c.TradeUSD = 10
	}
	if c.MaxPositionUSD <= 0 {
		c.MaxPositionUSD = 30
	}
	if c.MinQty <= 0 {
		c.MinQty = 1
	}
	if c.SignalTTL <= 0 {
		c.SignalTTL = 5 * time.Second
	}
	return c
}

type meanRevState struct {
	eng        *quant.SpreadEngine
	lastSignal quant.Signal
}

// MeanReversion trades the log-spread between the two outcome tokens. When
// the spread dislocates past the entry threshold it buys the cheap side,
// scaling the target position with z-score extremity; when the spread
// normalizes it exits the whole position. Sizing targets a dollar cost
// rather than adding fixed clips, so repeated ticks at the same z-score
// converge instead of stacking.
type MeanReversion struct {
	cfg    MeanReversionConfig
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*meanRevState
}

// NewMeanReversion builds the strategy with the given config (zero fields
// take defaults).
func NewMeanReversion(cfg MeanReversionConfig, logger *slog.Logger) *MeanReversion {
	return &MeanReversion{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("strategy", "mean_reversion")),
		states: make(map[string]*meanRevState),
	}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Init(_ context.Context) error { return nil }

func (s *MeanReversion) Close() error { return nil }

func (s *MeanReversion) state(marketID string) *meanRevState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[marketID]
	if !ok {
		st = &meanRevState{
			eng:        quant.NewSpreadEngine(s.cfg.Spread),
			lastSignal: quant.SignalNone,
		}
		s.states[marketID] = st
	}
	return st
}

// Forget drops per-market state, for use when a market rotates out.
func (s *MeanReversion) Forget(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, marketID)
}

// Metrics returns the latest spread metrics for a market, if it has one.
func (s *MeanReversion) Metrics(marketID string) (quant.Metrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[marketID]
	if !ok {
		return quant.Metrics{}, false
	}
	return st.eng.Metrics(), true
}

// OnBookUpdate feeds the tick into the spread engine and converts its
// signal into position-targeted trades.
func (s *MeanReversion) OnBookUpdate(_ context.Context, view domain.PairView) ([]domain.TradeSignal, error) {
	if !view.Up.Valid || !view.Down.Valid {
		return nil, nil
	}
	st := s.state(view.Market.ID)
	prev := st.lastSignal
	m := st.eng.Update(view.Up.Mid, view.Down.Mid)
	st.lastSignal = m.Signal
	if !m.Ready {
		return nil, nil
	}

	switch {
	case m.Signal.Directional():
		return s.enterOrScale(view, m), nil
	case m.Signal == quant.SignalExitAll && prev.Directional():
		return s.exitAll(view, m), nil
	default:
		return nil, nil
	}
}

// enterOrScale buys the cheap side up to the z-scaled target cost. The
// target is a ceiling, not an increment: when the held cost already meets
// it the tick produces nothing.
func (s *MeanReversion) enterOrScale(view domain.PairView, m quant.Metrics) []domain.TradeSignal {
	side := domain.SideUp
	if m.Signal == quant.SignalShortUpLongDown {
		// UP is rich relative to DOWN, so the cheap side is DOWN.
		side = domain.SideDown
	}
	price := view.BestAsk(side)
	if price <= 0 {
		return nil
	}

	target := s.cfg.TradeUSD * m.PositionDeltaPct / 100
	target = math.Min(target, s.cfg.MaxPositionUSD)
	held := view.Position.Cost(side)
	spend := target - held
	if spend <= 0 {
		return nil
	}
	qty := spend / price
	if qty < s.cfg.MinQty {
		return nil
	}

	s.logger.Info("spread entry",
		slog.String("market_id", view.Market.ID),
		slog.String("side", string(side)),
		slog.Float64("z_score", m.ZScore),
		slog.Float64("delta_pct", m.PositionDeltaPct),
		slog.Float64("qty", qty),
	)
	return []domain.TradeSignal{{
		ID:         uuid.NewString(),
		Source:     s.Name(),
		MarketID:   view.Market.ID,
		Side:       side,
		Action:     domain.TradeActionBuy,
		PriceTicks: domain.Ticks(price),
		SizeUnits:  domain.Ticks(qty),
		Urgency:    domain.SignalUrgencyMedium,
		Reason:     "spread_dislocation",
		Metadata: map[string]string{
			"z_score":   fmt.Sprintf("%.2f", m.ZScore),
			"delta_pct": fmt.Sprintf("%.1f", m.PositionDeltaPct),
			"beta":      fmt.Sprintf("%.3f", m.Beta),
		},
		CreatedAt: view.Now,
		ExpiresAt: view.Now.Add(s.cfg.SignalTTL),
	}}
}

// exitAll liquidates both sides when the spread normalizes, with a limit
// 2% under the current bid so a thin book cannot fill the exit at the
// floor.
func (s *MeanReversion) exitAll(view domain.PairView, m quant.Metrics) []domain.TradeSignal {
	pos := view.Position
	var sigs []domain.TradeSignal
	for _, side := range []domain.Side{domain.SideUp, domain.SideDown} {
		qty := pos.Qty(side)
		if qty < s.cfg.MinQty {
			continue
		}
		bid := view.BestBid(side)
		if bid <= 0 {
			continue
		}
		sigs = append(sigs, domain.TradeSignal{
			ID:           uuid.NewString(),
			Source:       s.Name(),
			MarketID:     view.Market.ID,
			Side:         side,
			Action:       domain.TradeActionSell,
			PriceTicks:   domain.Ticks(bid),
			SizeUnits:    domain.Ticks(qty),
			MinSellTicks: domain.Ticks(bid * 0.98),
			Urgency:      domain.SignalUrgencyHigh,
			Reason:       "spread_normalized",
			Metadata: map[string]string{
				"z_score": fmt.Sprintf("%.2f", m.ZScore),
			},
			CreatedAt: view.Now,
			ExpiresAt: view.Now.Add(s.cfg.SignalTTL),
		})
	}
	if len(sigs) > 0 {
		s.logger.Info("spread exit",
			slog.String("market_id", view.Market.ID),
			slog.Float64("z_score", m.ZScore),
			slog.Int("legs", len(sigs)),
		)
	}
	return sigs
}
