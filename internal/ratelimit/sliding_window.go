package ratelimit

import (
	"context"
	"sync"
	"time"
)

// waitPollInterval is how often Wait rechecks a saturated key.
const waitPollInterval = 50 * time.Millisecond

// SlidingWindow is a keyed request limiter for single-process deployments.
// Each key (client IP, endpoint, venue) gets its own trailing window; a
// request is admitted while the key has fewer than limit hits inside it.
// It satisfies the same contract as the Redis-backed limiter, so callers
// can swap one for the other at wiring time.
type SlidingWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time

	now func() time.Time
}

// NewSlidingWindow creates an empty keyed limiter.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Allow records a hit for key if fewer than limit hits landed inside the
// trailing window, reporting whether the request may proceed. The error
// return exists only to match the distributed limiter; it is always nil.
func (s *SlidingWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := pruneHits(s.hits[key], now.Add(-window))

	if len(kept) >= limit {
		s.hits[key] = kept
		return false, nil
	}

	s.hits[key] = append(kept, now)
	return true, nil
}

// Wait blocks until one request for key is admitted at one hit per second,
// or until the context is cancelled.
func (s *SlidingWindow) Wait(ctx context.Context, key string) error {
	for {
		allowed, err := s.Allow(ctx, key, 1, time.Second)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Used returns the number of hits currently inside the window for key.
func (s *SlidingWindow) Used(key string, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := pruneHits(s.hits[key], s.now().Add(-window))
	if len(kept) == 0 {
		delete(s.hits, key)
		return 0
	}
	s.hits[key] = kept
	return len(kept)
}

// pruneHits drops timestamps at or before the cutoff. Hits are appended in
// order, so the survivors are a suffix.
func pruneHits(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
