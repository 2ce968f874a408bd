// Package replication implements CityHall's pull-based segment replication
// (spec.md §6): a leader exposes ListSealedSegments/FetchSegment/Heartbeat
// over TCP, and a replica agent pulls sealed WAL segments, applies their
// records, and durably tracks its progress.
package replication

import (
	"sync"
	"time"
)

// TokenBucket throttles a single replica's requests to the leader,
// adapted from the teacher's lsm/token_bucket package: the on-disk
// persistence there (via block_manager) is dropped since a rate limiter's
// state is not required to survive a restart, but the refill-by-elapsed-
// intervals arithmetic is kept as-is.
type TokenBucket struct {
	mu              sync.Mutex
	capacity        uint16
	remaining       uint16
	refillInterval  time.Duration
	refillAmount    uint16
	lastRefill      time.Time
}

// NewTokenBucket creates a bucket starting at full capacity.
func NewTokenBucket(capacity uint16, refillInterval time.Duration, refillAmount uint16) *TokenBucket {
	return &TokenBucket{
		capacity:       capacity,
		remaining:      capacity,
		refillInterval: refillInterval,
		refillAmount:   refillAmount,
		lastRefill:     time.Now(),
	}
}

// Allow reports whether a request may proceed, consuming one token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := time.Since(tb.lastRefill)
	intervalsPassed := int64(elapsed / tb.refillInterval)
	if intervalsPassed > 0 {
		// Computed in 64-bit to avoid wrapping the uint16 counters after a
		// long idle period before the capacity clamp below applies.
		refilled := uint64(tb.remaining) + uint64(intervalsPassed)*uint64(tb.refillAmount)
		if refilled > uint64(tb.capacity) {
			refilled = uint64(tb.capacity)
		}
		tb.remaining = uint16(refilled)
		tb.lastRefill = tb.lastRefill.Add(time.Duration(intervalsPassed) * tb.refillInterval)
	}

	if tb.remaining == 0 {
		return false
	}
	tb.remaining--
	return true
}
