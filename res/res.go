// Package res implements admission control for kernel operations that
// iterate a caller-controlled number of times (e.g. copying an arbitrarily
// long user buffer a page at a time). Each iteration calls Resadd_noblock
// with the bounds.Bounds checkpoint it is at; once the shared budget is
// exhausted the call fails without blocking, and the caller must unwind
// with defs.ENOHEAP rather than risk exhausting the kernel heap.
package res

import (
	"sync/atomic"

	"eduos/bounds"
)

// defaultBudget is the number of admission units available before
// Resadd_noblock starts failing. It is deliberately generous — this is a
// backstop against runaway loops, not a fine-grained scheduler.
const defaultBudget = 1 << 20

var budget int64 = defaultBudget

// Resadd_noblock consumes one admission unit for checkpoint b. It returns
// false, without blocking, if the shared budget is currently exhausted.
func Resadd_noblock(b bounds.Bounds) bool {
	for {
		cur := atomic.LoadInt64(&budget)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&budget, cur, cur-1) {
			return true
		}
	}
}

// Release returns n admission units to the shared budget. Callers release
// units once the resource they were guarding (e.g. a completed copy) is no
// longer outstanding.
func Release(n int64) {
	atomic.AddInt64(&budget, n)
}

// SetBudget replaces the shared budget outright. Used by tests that need to
// force exhaustion deterministically.
func SetBudget(n int64) {
	atomic.StoreInt64(&budget, n)
}

// Remaining reports the current budget.
func Remaining() int64 {
	return atomic.LoadInt64(&budget)
}
