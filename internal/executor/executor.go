package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// TradeExecutor is the interface through which the executor submits trades
// for simulated execution. The paper broker implements it.
type TradeExecutor interface {
	Execute(ctx context.Context, sig domain.TradeSignal) (domain.FillResult, error)
}

// RiskChecker validates whether a trade signal passes pre-trade risk
// controls (spend windows, budget caps, the emergency brake).
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, sig domain.TradeSignal) error
}

// Executor reads trade signals from a channel, applies deduplication,
// expiry, and risk checks, then routes them to the broker. Signals that
// carry a leg_group marker are buffered and executed as one unit so a
// paired buy can never fill one-sided.
type Executor struct {
	signalCh <-chan domain.TradeSignal
	broker   TradeExecutor
	risk     RiskChecker
	dedup    *Dedup
	pairs    *PairAccumulator
	logger   *slog.Logger

	cleanupInterval time.Duration
}

// NewExecutor creates an Executor that reads signals from signalCh,
// validates them through risk, and executes via broker.
func NewExecutor(signalCh <-chan domain.TradeSignal, broker TradeExecutor, risk RiskChecker, logger *slog.Logger) *Executor {
	e := &Executor{
		signalCh:        signalCh,
		broker:          broker,
		risk:            risk,
		dedup:           NewDedup(2 * time.Minute),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
	}
	e.pairs = NewPairAccumulator(2*time.Second, e.executeGroup, e.logger)
	return e
}

// Run starts the executor's main loop. It processes signals until the
// context is cancelled, at which point it drains any remaining signals in
// the channel and returns.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case sig, ok := <-e.signalCh:
			if !ok {
				return nil
			}
			e.process(ctx, sig)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process handles a single trade signal through the full validation and
// execution pipeline.
func (e *Executor) process(ctx context.Context, sig domain.TradeSignal) {
	log := e.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("source", sig.Source),
		slog.String("market_id", sig.MarketID),
		slog.String("side", string(sig.Side)),
	)

	// Paired legs buffer until the group is complete.
	if sig.Metadata["leg_group"] != "" {
		if e.pairs.Add(ctx, sig) {
			return
		}
	}

	if e.dedup.IsDuplicate(sig.ID) {
		log.Debug("signal deduplicated, skipping")
		return
	}

	if expired(sig) {
		log.Warn("signal expired, skipping", slog.Time("expires_at", sig.ExpiresAt))
		return
	}

	if err := e.risk.PreTradeCheck(ctx, sig); err != nil {
		log.Warn("risk check failed, skipping", slog.String("error", err.Error()))
		return
	}

	res, err := e.broker.Execute(ctx, sig)
	if err != nil {
		log.Error("execution failed", slog.String("error", err.Error()))
		return
	}

	if !res.Filled {
		log.Warn("trade rejected",
			slog.String("reason", res.Reason),
			slog.Float64("desired_qty", res.DesiredQty),
		)
		if retryable(res) {
			e.retry(ctx, sig, log)
		}
		return
	}

	log.Info("trade filled",
		slog.Float64("fill_price", res.FillPrice),
		slog.Float64("filled_qty", res.FilledQty),
		slog.Bool("partial", res.Partial),
		slog.Float64("slippage_pct", res.SlippagePct),
	)
}

// executeGroup places a completed leg group. All legs are risk-checked up
// front; execution stops at the first rejection so the position cannot
// tilt one-sided.
func (e *Executor) executeGroup(ctx context.Context, legs []domain.TradeSignal) error {
	for _, sig := range legs {
		if e.dedup.IsDuplicate(sig.ID) {
			e.logger.Debug("leg group contains duplicate, dropping group",
				slog.String("signal_id", sig.ID),
			)
			return nil
		}
		if expired(sig) {
			e.logger.Warn("leg group expired, dropping group",
				slog.String("signal_id", sig.ID),
			)
			return nil
		}
		if err := e.risk.PreTradeCheck(ctx, sig); err != nil {
			e.logger.Warn("leg group failed risk check, dropping group",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
			return nil
		}
	}

	for i, sig := range legs {
		res, err := e.broker.Execute(ctx, sig)
		if err != nil {
			e.logger.Error("leg execution failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
			return err
		}
		if !res.Filled {
			e.logger.Warn("leg rejected, abandoning remaining legs",
				slog.String("signal_id", sig.ID),
				slog.String("reason", res.Reason),
				slog.Int("legs_remaining", len(legs)-i-1),
			)
			return nil
		}
		e.logger.Info("leg filled",
			slog.String("signal_id", sig.ID),
			slog.String("side", string(sig.Side)),
			slog.Float64("fill_price", res.FillPrice),
			slog.Float64("filled_qty", res.FilledQty),
		)
	}
	return nil
}

// retry makes a single retry attempt after a short pause, giving the feed
// a chance to refresh the book that caused a slippage rejection.
func (e *Executor) retry(ctx context.Context, sig domain.TradeSignal, log *slog.Logger) {
	if expired(sig) {
		log.Warn("signal expired during retry, giving up")
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(500 * time.Millisecond):
	}

	res, err := e.broker.Execute(ctx, sig)
	if err != nil {
		log.Error("retry execution failed", slog.String("error", err.Error()))
		return
	}
	if res.Filled {
		log.Info("retry filled",
			slog.Float64("fill_price", res.FillPrice),
			slog.Float64("filled_qty", res.FilledQty),
		)
	} else {
		log.Warn("retry also rejected", slog.String("reason", res.Reason))
	}
}

// drain processes any signals already buffered in the channel after
// context cancellation so in-flight signals are not silently dropped.
func (e *Executor) drain() {
	for {
		select {
		case sig, ok := <-e.signalCh:
			if !ok {
				return
			}
			e.logger.Warn("draining signal after shutdown",
				slog.String("signal_id", sig.ID),
			)
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, sig)
			cancel()
		default:
			return
		}
	}
}

// SetDedupTTL replaces the dedup instance with a new one using the given
// TTL. Must be called before Run.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}

func expired(sig domain.TradeSignal) bool {
	return !sig.ExpiresAt.IsZero() && time.Now().UTC().After(sig.ExpiresAt)
}

// retryable reports whether a rejection is worth one more attempt against
// a refreshed book. Slippage rejections are transient book state; reserve
// and liquidity denials are not.
func retryable(res domain.FillResult) bool {
	return strings.HasPrefix(res.Reason, "slippage ")
}
