package pgpool

import "sync/atomic"

// incrementWithCap implements spec §4.3's "atomic increment-then-check-
// then-decrement-on-rollback" counter discipline: it optimistically
// increments, and if the result exceeds max, rolls back and reports
// failure so the caller can return POOL_FULL without ever having
// claimed the slot.
func incrementWithCap(counter *int64, max int64) bool {
	if max <= 0 {
		// no configured cap — treat as unlimited
		atomic.AddInt64(counter, 1)
		return true
	}
	n := atomic.AddInt64(counter, 1)
	if n > max {
		atomic.AddInt64(counter, -1)
		return false
	}
	return true
}

func decrement(counter *int64) {
	atomic.AddInt64(counter, -1)
}

// atomicIncrement bumps a counter unconditionally — used when reclaiming
// a slot that was already accounted for under the cap at its original
// reservation (spec's reuse/any-free reservation paths).
func atomicIncrement(counter *int64) {
	atomic.AddInt64(counter, 1)
}
