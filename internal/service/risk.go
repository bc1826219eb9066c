// Package service hosts the thin coordination layer between the executor,
// the feeds, and the paper broker: pre-trade risk, the market catalog, and
// account snapshots for the status API.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mfeltner/polysim/internal/capital"
	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/ratelimit"
	"github.com/mfeltner/polysim/internal/telemetry"
)

// RiskConfig holds the tunable parameters for pre-trade risk checks.
type RiskConfig struct {
	// MaxTradeUSD caps the notional of any single trade.
	MaxTradeUSD float64
	// SpendWindow and SpendWindowUSD bound how much a single market side
	// can spend inside a sliding window, independent of strategy cooldowns.
	SpendWindow    time.Duration
	SpendWindowUSD float64
	// EmergencyBrakePct halts new buys when the pool balance falls below
	// this fraction of starting capital. Sells stay allowed: unwinding
	// reduces risk.
	EmergencyBrakePct float64
}

func (c RiskConfig) withDefaults() RiskConfig {
	if c.MaxTradeUSD <= 0 {
		c.MaxTradeUSD = 50
	}
	if c.SpendWindow <= 0 {
		c.SpendWindow = time.Minute
	}
	if c.SpendWindowUSD <= 0 {
		c.SpendWindowUSD = 25
	}
	if c.EmergencyBrakePct <= 0 {
		c.EmergencyBrakePct = 0.10
	}
	return c
}

// RiskService runs the pre-trade checks the executor consults before any
// signal reaches the broker. It is the throttling half of trade admission;
// the broker's reserve guard remains the solvency half.
type RiskService struct {
	pool   *capital.Pool
	sink   telemetry.Sink
	cfg    RiskConfig
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*ratelimit.Window
	braked  bool
}

// NewRiskService creates a RiskService drawing balance state from pool.
// The sink receives an alert when the emergency brake engages (nil for
// none).
func NewRiskService(pool *capital.Pool, sink telemetry.Sink, cfg RiskConfig, logger *slog.Logger) *RiskService {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &RiskService{
		pool:    pool,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "risk_service")),
		windows: make(map[string]*ratelimit.Window),
	}
}

// PreTradeCheck validates a trade signal against the configured limits. It
// returns a non-nil error describing the first failed check.
//
// Checks performed, in order:
//  1. Emergency brake (buys only)
//  2. Single-trade notional cap
//  3. Per-market-side sliding spend window (buys only)
func (s *RiskService) PreTradeCheck(ctx context.Context, sig domain.TradeSignal) error {
	notional := sig.Price() * sig.Size()

	if sig.Action == domain.TradeActionBuy {
		if err := s.checkBrake(ctx); err != nil {
			return err
		}
	}

	if notional > s.cfg.MaxTradeUSD {
		s.logger.WarnContext(ctx, "trade notional exceeds limit",
			slog.String("signal_id", sig.ID),
			slog.Float64("notional", notional),
			slog.Float64("max", s.cfg.MaxTradeUSD),
		)
		return fmt.Errorf("risk: trade notional %.2f exceeds max %.2f", notional, s.cfg.MaxTradeUSD)
	}

	if sig.Action == domain.TradeActionBuy {
		if !s.window(sig.MarketID, sig.Side).Allow(notional) {
			s.logger.WarnContext(ctx, "spend window exhausted",
				slog.String("signal_id", sig.ID),
				slog.String("market_id", sig.MarketID),
				slog.String("side", string(sig.Side)),
				slog.Float64("notional", notional),
			)
			return fmt.Errorf("risk: %s %s spend window exhausted: %w",
				sig.MarketID, sig.Side, domain.ErrRateLimited)
		}
	}

	return nil
}

// checkBrake blocks buys once the pool has drained below the brake floor.
// The alert fires once per engagement, not per denied trade.
func (s *RiskService) checkBrake(ctx context.Context) error {
	balance := s.pool.Balance()
	floor := s.pool.Starting() * s.cfg.EmergencyBrakePct
	if balance >= floor {
		s.mu.Lock()
		if s.braked {
			s.braked = false
			s.logger.InfoContext(ctx, "emergency brake released",
				slog.Float64("balance", balance),
				slog.Float64("floor", floor),
			)
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	first := !s.braked
	s.braked = true
	s.mu.Unlock()

	if first {
		s.logger.ErrorContext(ctx, "emergency brake engaged",
			slog.Float64("balance", balance),
			slog.Float64("floor", floor),
		)
		s.sink.Alert(ctx, telemetry.Alert{
			Severity: telemetry.SeverityCritical,
			Title:    "emergency brake engaged",
			Message: fmt.Sprintf("pool balance $%.2f fell below %.0f%% of starting capital ($%.2f floor); buys halted",
				balance, s.cfg.EmergencyBrakePct*100, floor),
		})
	}
	return fmt.Errorf("risk: emergency brake engaged: balance %.2f below floor %.2f", balance, floor)
}

// Braked reports whether the emergency brake is currently engaged.
func (s *RiskService) Braked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.braked
}

func (s *RiskService) window(marketID string, side domain.Side) *ratelimit.Window {
	key := marketID + ":" + string(side)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		w = ratelimit.NewWindow(s.cfg.SpendWindow, s.cfg.SpendWindowUSD)
		s.windows[key] = w
	}
	return w
}
