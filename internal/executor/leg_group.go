package executor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// pendingPair holds the legs of one group until all arrive or the gap
// timer fires.
type pendingPair struct {
	legs     []domain.TradeSignal
	expected int
	timer    *time.Timer
}

// PairAccumulator buffers grouped signals (the two legs of a pair buy) and
// invokes a callback once the group is complete. Groups whose legs do not
// all arrive within the gap window are discarded: filling half a pair is
// worse than filling none of it.
type PairAccumulator struct {
	mu         sync.Mutex
	groups     map[string]*pendingPair
	maxGap     time.Duration
	onComplete func(ctx context.Context, legs []domain.TradeSignal) error
	logger     *slog.Logger
}

// NewPairAccumulator creates an accumulator. maxGap bounds the time
// between the first and last leg of a group.
func NewPairAccumulator(
	maxGap time.Duration,
	onComplete func(ctx context.Context, legs []domain.TradeSignal) error,
	logger *slog.Logger,
) *PairAccumulator {
	return &PairAccumulator{
		groups:     make(map[string]*pendingPair),
		maxGap:     maxGap,
		onComplete: onComplete,
		logger:     logger.With(slog.String("component", "pair_accumulator")),
	}
}

// Add routes a signal into its leg group. Returns true when the signal was
// consumed (buffered or completed a group); false means the signal carries
// no group marker and the caller should process it alone.
func (a *PairAccumulator) Add(ctx context.Context, sig domain.TradeSignal) bool {
	groupID := sig.Metadata["leg_group"]
	if groupID == "" {
		return false
	}
	expected := 2
	if v := sig.Metadata["leg_count"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			expected = n
		}
	}

	a.mu.Lock()
	g, exists := a.groups[groupID]
	if !exists {
		g = &pendingPair{expected: expected}
		g.timer = time.AfterFunc(a.maxGap, func() {
			a.expire(groupID)
		})
		a.groups[groupID] = g
	}
	g.legs = append(g.legs, sig)
	if len(g.legs) < g.expected {
		a.mu.Unlock()
		return true
	}

	g.timer.Stop()
	delete(a.groups, groupID)
	legs := make([]domain.TradeSignal, len(g.legs))
	copy(legs, g.legs)
	a.mu.Unlock()

	if err := a.onComplete(ctx, legs); err != nil {
		a.logger.Error("leg group execution failed",
			slog.String("leg_group", groupID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// Pending returns the number of incomplete groups currently buffered.
func (a *PairAccumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

func (a *PairAccumulator) expire(groupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups[groupID]
	if !ok {
		return
	}
	delete(a.groups, groupID)
	a.logger.Warn("leg group timed out, discarding",
		slog.String("leg_group", groupID),
		slog.Int("received", len(g.legs)),
		slog.Int("expected", g.expected),
	)
}
