package sim

import (
	"sync"

	"github.com/mfeltner/polysim/internal/domain"
)

// eventThreshold is the absolute slippage below which a clean full fill is
// not worth logging.
const eventThreshold = 0.00001

// recentWindow is how many trailing events the stats snapshot returns.
const recentWindow = 20

// SlippageLedger accumulates execution outcomes: a bounded event log plus
// aggregate and per-side counters. Writes come from the owning simulator;
// reads (Stats) may come from other goroutines, so the ledger is guarded.
type SlippageLedger struct {
	mu       sync.RWMutex
	capacity int

	log []domain.SlippageEvent

	totalSlippageCost float64
	fills             int64
	rejections        int64
	partials          int64
	filledVolume      float64
	theoreticalCost   float64
	actualCost        float64
	worstPct          float64

	bySide map[domain.Side]*domain.SideStats
}

// NewSlippageLedger creates a ledger retaining at most capacity events.
func NewSlippageLedger(capacity int) *SlippageLedger {
	if capacity <= 0 {
		capacity = 500
	}
	return &SlippageLedger{
		capacity: capacity,
		bySide: map[domain.Side]*domain.SideStats{
			domain.SideUp:   {},
			domain.SideDown: {},
		},
	}
}

// recordBuy accounts a successful buy. Only positive slippage counts toward
// the cost totals; a lucky fill below the desired price is not banked as
// negative cost. The worst-slippage marker moves only when the fill is
// notable enough to log.
func (l *SlippageLedger) recordBuy(res domain.FillResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fills++
	l.filledVolume += res.FilledQty
	l.theoreticalCost += res.TheoreticalCost
	l.actualCost += res.TotalCost
	l.totalSlippageCost += max(0, res.SlippageCost)

	side := l.side(res.Side)
	if res.Partial {
		l.partials++
		side.PartialFills++
	}
	side.Fills++
	side.SlippageCost += max(0, res.SlippageCost)
	side.Volume += res.FilledQty

	if abs(res.Slippage) > eventThreshold || res.Partial {
		l.append(eventFromResult(res))
		if abs(res.SlippagePct) > abs(l.worstPct) {
			l.worstPct = res.SlippagePct
		}
	}
}

// recordSell accounts a successful sell. Sell slippage is surplus proceeds
// over the minimum price, so it never feeds the cost totals or the worst
// marker.
func (l *SlippageLedger) recordSell(res domain.FillResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fills++
	l.filledVolume += res.FilledQty
	l.theoreticalCost += res.TheoreticalCost
	l.actualCost += res.TotalCost

	side := l.side(res.Side)
	if res.Partial {
		l.partials++
		side.PartialFills++
	}
	side.Fills++
	side.Volume += res.FilledQty

	if abs(res.Slippage) > eventThreshold || res.Partial {
		l.append(eventFromResult(res))
	}
}

func (l *SlippageLedger) recordRejection(s domain.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejections++
	l.side(s).Rejections++
}

// recentAvgSlippagePct averages the slippage percent of the last n logged
// events. ok is false when the log is empty.
func (l *SlippageLedger) recentAvgSlippagePct(n int) (avg float64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.log) == 0 || n <= 0 {
		return 0, false
	}
	start := len(l.log) - n
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, e := range l.log[start:] {
		sum += e.SlippagePct
	}
	return sum / float64(len(l.log)-start), true
}

// Stats snapshots the aggregate statistics. The returned value shares no
// state with the ledger.
func (l *SlippageLedger) Stats() domain.SlippageStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := domain.SlippageStats{
		Fills:             l.fills,
		Rejections:        l.rejections,
		PartialFills:      l.partials,
		FilledVolume:      l.filledVolume,
		TotalSlippageCost: l.totalSlippageCost,
		TheoreticalCost:   l.theoreticalCost,
		ActualCost:        l.actualCost,
		WorstSlippagePct:  l.worstPct,
		PnLImpact:         -l.totalSlippageCost,
		BySide:            make(map[domain.Side]domain.SideStats, len(l.bySide)),
	}

	if l.fills > 0 && l.theoreticalCost > 0 {
		st.AvgSlippagePct = (l.actualCost - l.theoreticalCost) / l.theoreticalCost * 100
	}
	if total := l.fills + l.rejections; total > 0 {
		st.FillRatePct = float64(l.fills) / float64(total) * 100
	}
	if l.fills > 0 {
		st.PartialRatePct = float64(l.partials) / float64(l.fills) * 100
	}

	for s, acc := range l.bySide {
		st.BySide[s] = *acc
	}

	start := len(l.log) - recentWindow
	if start < 0 {
		start = 0
	}
	st.Recent = append([]domain.SlippageEvent(nil), l.log[start:]...)

	return st
}

// PnLImpact returns the cumulative cost of slippage as a negative number,
// suitable for subtracting from gross paper profit.
func (l *SlippageLedger) PnLImpact() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return -l.totalSlippageCost
}

// Reset clears the log and every counter.
func (l *SlippageLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.log = nil
	l.totalSlippageCost = 0
	l.fills = 0
	l.rejections = 0
	l.partials = 0
	l.filledVolume = 0
	l.theoreticalCost = 0
	l.actualCost = 0
	l.worstPct = 0
	for _, acc := range l.bySide {
		*acc = domain.SideStats{}
	}
}

// append adds an event, dropping the oldest once capacity is reached.
// Callers hold the write lock.
func (l *SlippageLedger) append(ev domain.SlippageEvent) {
	l.log = append(l.log, ev)
	if len(l.log) > l.capacity {
		l.log = l.log[1:]
	}
}

func (l *SlippageLedger) side(s domain.Side) *domain.SideStats {
	acc, ok := l.bySide[s]
	if !ok {
		acc = &domain.SideStats{}
		l.bySide[s] = acc
	}
	return acc
}

func eventFromResult(res domain.FillResult) domain.SlippageEvent {
	return domain.SlippageEvent{
		Side:            res.Side,
		DesiredPrice:    res.DesiredPrice,
		FillPrice:       res.FillPrice,
		DesiredQty:      res.DesiredQty,
		FilledQty:       res.FilledQty,
		Slippage:        res.Slippage,
		SlippagePct:     res.SlippagePct,
		SlippageCost:    res.SlippageCost,
		LevelsConsumed:  res.LevelsConsumed,
		BookDepthAtBest: res.BookDepthAtBest,
		Partial:         res.Partial,
		Reason:          res.Reason,
		Timestamp:       res.Timestamp,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
