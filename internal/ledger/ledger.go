// Package ledger tracks the per-market position: share quantities and cost
// bases on both sides, the budget consumed, and the derived profit figures
// (pair cost, locked profit) the strategies trade on. Cash itself lives in
// the shared capital pool; the ledger debits and credits it as fills and
// resolutions land.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/mfeltner/polysim/internal/capital"
	"github.com/mfeltner/polysim/internal/domain"
)

// Ledger is the bookkeeping for one market. A single runner goroutine
// applies fills; snapshot reads may come from telemetry or HTTP handlers
// concurrently, so state is guarded.
type Ledger struct {
	mu   sync.RWMutex
	pool *capital.Pool

	marketID string
	pos      domain.Position
	spent    float64
	realized float64

	tradeCount   int
	firstTradeAt time.Time
	lastTradeAt  time.Time

	resolved bool
	outcome  domain.Side
	payout   float64
	finalPnL float64

	now func() time.Time
}

// New creates a ledger for marketID drawing cash from pool.
func New(marketID string, pool *capital.Pool) *Ledger {
	return &Ledger{
		marketID: marketID,
		pool:     pool,
		pos:      domain.Position{MarketID: marketID},
		now:      time.Now,
	}
}

// ApplyFill books a successful buy: debits the pool by the fill's total
// cost and grows the side's quantity and cost basis. Unfilled results are
// a no-op. The guard must have approved the trade; a failed debit here
// means guard and pool disagreed and the fill is not applied.
func (l *Ledger) ApplyFill(res domain.FillResult) error {
	if !res.Filled || res.FilledQty <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resolved {
		return fmt.Errorf("ledger: apply fill on %s: %w", l.marketID, domain.ErrMarketClosed)
	}
	if !res.Side.Valid() {
		return fmt.Errorf("ledger: apply fill on %s: side %q: %w", l.marketID, res.Side, domain.ErrInvalidSide)
	}
	if err := l.pool.Debit(res.TotalCost); err != nil {
		return fmt.Errorf("ledger: apply fill on %s: %w", l.marketID, err)
	}

	switch res.Side {
	case domain.SideUp:
		l.pos.QtyUp += res.FilledQty
		l.pos.CostUp += res.TotalCost
	case domain.SideDown:
		l.pos.QtyDown += res.FilledQty
		l.pos.CostDown += res.TotalCost
	}
	l.spent += res.TotalCost
	l.noteTrade()
	return nil
}

// ApplySell books a successful sell: shrinks the side at its average cost,
// credits the proceeds to the pool, and realizes the difference. Selling
// more than the held quantity is an error; the simulator cannot know the
// position, so the ledger is the backstop.
func (l *Ledger) ApplySell(res domain.FillResult) error {
	if !res.Filled || res.FilledQty <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resolved {
		return fmt.Errorf("ledger: apply sell on %s: %w", l.marketID, domain.ErrMarketClosed)
	}

	held := l.pos.Qty(res.Side)
	if res.FilledQty > held+1e-9 {
		return fmt.Errorf("ledger: apply sell on %s: selling %.2f of %.2f held %s shares",
			l.marketID, res.FilledQty, held, res.Side)
	}

	avg := l.pos.AvgPrice(res.Side)
	costOut := avg * res.FilledQty

	switch res.Side {
	case domain.SideUp:
		l.pos.QtyUp -= res.FilledQty
		l.pos.CostUp -= costOut
		if l.pos.QtyUp <= 1e-9 {
			l.pos.QtyUp, l.pos.CostUp = 0, 0
		}
	case domain.SideDown:
		l.pos.QtyDown -= res.FilledQty
		l.pos.CostDown -= costOut
		if l.pos.QtyDown <= 1e-9 {
			l.pos.QtyDown, l.pos.CostDown = 0, 0
		}
	default:
		return fmt.Errorf("ledger: apply sell on %s: side %q: %w", l.marketID, res.Side, domain.ErrInvalidSide)
	}

	l.pool.Credit(res.TotalCost)
	l.realized += res.TotalCost - costOut
	l.noteTrade()
	return nil
}

// Resolve settles the market: the winning side pays out $1 per share, the
// pool is credited, and the ledger refuses further mutation. Returns the
// final profit and loss against everything spent on current holdings.
func (l *Ledger) Resolve(outcome domain.Side) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resolved {
		return 0, fmt.Errorf("ledger: resolve %s twice: %w", l.marketID, domain.ErrMarketClosed)
	}
	if !outcome.Valid() {
		return 0, fmt.Errorf("ledger: resolve %s: outcome %q: %w", l.marketID, outcome, domain.ErrInvalidSide)
	}

	l.resolved = true
	l.outcome = outcome
	l.payout = l.pos.Qty(outcome)
	l.finalPnL = l.payout - l.pos.TotalCost()
	l.pool.Credit(l.payout)

	return l.finalPnL, nil
}

// Reset returns the ledger to a fresh open state for the next market cycle.
// Pool balance is untouched; whatever the last market paid out stays.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pos = domain.Position{MarketID: l.marketID}
	l.spent = 0
	l.realized = 0
	l.tradeCount = 0
	l.firstTradeAt = time.Time{}
	l.lastTradeAt = time.Time{}
	l.resolved = false
	l.outcome = ""
	l.payout = 0
	l.finalPnL = 0
}

// Position returns a copy of the current position.
func (l *Ledger) Position() domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pos
}

// Spent returns the budget consumed on current and past holdings.
func (l *Ledger) Spent() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent
}

// TradeCount returns how many fills and sells have been booked.
func (l *Ledger) TradeCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tradeCount
}

// Resolved reports whether the market has settled, and the outcome if so.
func (l *Ledger) Resolved() (domain.Side, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.outcome, l.resolved
}

// PairCost is the summed average cost of holding both sides. ok is false
// while either side is empty, where the figure is meaningless.
func (l *Ledger) PairCost() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pairCostLocked()
}

func (l *Ledger) pairCostLocked() (float64, bool) {
	if l.pos.QtyUp <= 0 || l.pos.QtyDown <= 0 {
		return 0, false
	}
	return l.pos.AvgPrice(domain.SideUp) + l.pos.AvgPrice(domain.SideDown), true
}

// LockedProfit is the worst-case profit at resolution: the smaller side
// pays out regardless of outcome, everything spent is gone, and fees on
// both legs are charged. Zero while unhedged.
func (l *Ledger) LockedProfit() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lockedProfitLocked()
}

func (l *Ledger) lockedProfitLocked() float64 {
	if l.pos.QtyUp <= 0 || l.pos.QtyDown <= 0 {
		return 0
	}
	minQty := min(l.pos.QtyUp, l.pos.QtyDown)
	return minQty - l.pos.TotalCost() - l.totalFeesLocked()
}

// BestCaseProfit assumes the larger side wins.
func (l *Ledger) BestCaseProfit() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.pos.QtyUp <= 0 || l.pos.QtyDown <= 0 {
		return 0
	}
	maxQty := max(l.pos.QtyUp, l.pos.QtyDown)
	return maxQty - l.pos.TotalCost() - l.totalFeesLocked()
}

// QtyRatio is larger-side quantity over smaller-side quantity, 1.0 when
// perfectly balanced, 0 while either side is empty.
func (l *Ledger) QtyRatio() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.pos.QtyUp <= 0 || l.pos.QtyDown <= 0 {
		return 0
	}
	return max(l.pos.QtyUp, l.pos.QtyDown) / min(l.pos.QtyUp, l.pos.QtyDown)
}

// TotalFees estimates the fees charged on the current holdings at their
// average prices.
func (l *Ledger) TotalFees() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalFeesLocked()
}

func (l *Ledger) totalFeesLocked() float64 {
	var fees float64
	if l.pos.QtyUp > 0 {
		fees += Fee(l.pos.AvgPrice(domain.SideUp), l.pos.QtyUp)
	}
	if l.pos.QtyDown > 0 {
		fees += Fee(l.pos.AvgPrice(domain.SideDown), l.pos.QtyDown)
	}
	return fees
}

// Snapshot captures the full financial state for telemetry and reporting.
func (l *Ledger) Snapshot() domain.PositionSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pairCost, complete := l.pairCostLocked()
	return domain.PositionSnapshot{
		Position:     l.pos,
		PairCost:     pairCost,
		PairComplete: complete,
		LockedProfit: l.lockedProfitLocked(),
		RealizedPnL:  l.realized,
		Cash:         l.pool.Balance(),
		SpentBudget:  l.spent,
		Timestamp:    l.now().UTC(),
	}
}

func (l *Ledger) noteTrade() {
	l.tradeCount++
	now := l.now()
	if l.firstTradeAt.IsZero() {
		l.firstTradeAt = now
	}
	l.lastTradeAt = now
}
