// Package strategy hosts the trading strategies and the engine that feeds
// them per-market pair views and routes their signals to the executor.
package strategy

import (
	"context"

	"github.com/mfeltner/polysim/internal/domain"
)

// Strategy defines the contract for trading strategies. The engine calls
// OnBookUpdate once per assembled pair view; implementations return zero or
// more signals for the executor to act on. Strategies are evaluated against
// fresh views each tick, so fill outcomes surface as position changes on
// the next view rather than as callbacks.
type Strategy interface {
	Name() string
	Init(ctx context.Context) error
	OnBookUpdate(ctx context.Context, view domain.PairView) ([]domain.TradeSignal, error)
	Close() error
}

// MarketData is the read-only market state the engine pulls from when
// assembling pair views. The paper broker satisfies it.
type MarketData interface {
	Book(marketID string, side domain.Side) (domain.BookSnapshot, bool)
	PositionSnapshot(marketID string) (domain.PositionSnapshot, bool)
}
