package executor

import (
	"sync"
	"time"
)

// Dedup suppresses re-delivery of trade signals within a TTL window. Safe
// for concurrent use.
type Dedup struct {
	mu       sync.Mutex
	deadline map[string]time.Time // signal ID -> suppression deadline
	ttl      time.Duration
}

// NewDedup creates a Dedup that treats a signal ID as a duplicate until
// ttl has passed since it was first seen.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		deadline: make(map[string]time.Time),
		ttl:      ttl,
	}
}

// IsDuplicate reports whether the ID is still inside its suppression
// window. Unseen (or lapsed) IDs are recorded and pass.
func (d *Dedup) IsDuplicate(signalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if until, ok := d.deadline[signalID]; ok && now.Before(until) {
		return true
	}
	d.deadline[signalID] = now.Add(d.ttl)
	return false
}

// Cleanup drops lapsed entries. Called periodically by the executor loop
// to bound the map.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, until := range d.deadline {
		if !now.Before(until) {
			delete(d.deadline, id)
		}
	}
}

// Len returns the number of tracked IDs.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deadline)
}
