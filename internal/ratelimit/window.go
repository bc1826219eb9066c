// Package ratelimit provides process-local sliding-window limiters. Window
// caps the total weight admitted over a rolling window, which fits any
// additive budget such as dollars spent per minute. SlidingWindow is its
// keyed, count-based sibling for per-client request limiting.
//
// For distributed limiting across processes, see the Redis-backed limiter
// in internal/cache/redis, which serves the API poll budget.
package ratelimit

import (
	"sync"
	"time"
)

type event struct {
	at     time.Time
	weight float64
}

// Window admits events while the sum of their weights inside the trailing
// window stays at or under the cap. Safe for concurrent use.
type Window struct {
	mu     sync.Mutex
	window time.Duration
	cap    float64
	events []event

	now func() time.Time
}

// NewWindow creates a limiter admitting at most cap total weight per window.
func NewWindow(window time.Duration, cap float64) *Window {
	return &Window{
		window: window,
		cap:    cap,
		now:    time.Now,
	}
}

// Allow admits an event of the given weight if it fits, recording it.
// Weights larger than the cap can never be admitted; non-positive weights
// are free and always pass.
func (w *Window) Allow(weight float64) bool {
	if weight <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if w.used()+weight > w.cap {
		return false
	}
	w.events = append(w.events, event{at: now, weight: weight})
	return true
}

// Used returns the weight currently counted inside the window.
func (w *Window) Used() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return w.used()
}

// Remaining returns how much weight the window can still admit.
func (w *Window) Remaining() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	if r := w.cap - w.used(); r > 0 {
		return r
	}
	return 0
}

// Cap returns the configured window capacity.
func (w *Window) Cap() float64 { return w.cap }

// Reset forgets all recorded events.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = w.events[:0]
}

// prune drops events older than the window. Callers hold the lock.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *Window) used() float64 {
	var sum float64
	for _, e := range w.events {
		sum += e.weight
	}
	return sum
}
