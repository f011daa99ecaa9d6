// Package accnt accumulates per-task CPU-time accounting: user time and
// system (kernel) time, in nanoseconds.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates per-task accounting information. Userns and Sysns
// store runtime in nanoseconds. The embedded mutex lets callers take a
// consistent snapshot of both fields when reporting usage (Fetch).
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds since the epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// Finish finalizes accounting by adding the time elapsed since start (a
// kernel-entry timestamp taken with Now) to system time.
func (a *Accnt_t) Finish(start int64) {
	a.Systadd(a.Now() - start)
}

// Add merges another accounting record into this one (e.g. a reaped
// child's accounting folded into its parent, matching POSIX wait4 rusage
// accumulation).
func (a *Accnt_t) Add(n *Accnt_t) {
	n.Lock()
	du, ds := n.Userns, n.Sysns
	n.Unlock()

	a.Lock()
	a.Userns += du
	a.Sysns += ds
	a.Unlock()
}

// Rusage is a snapshot of accounted time, split into seconds/microseconds
// the way a POSIX rusage structure would be, without committing this
// package to any particular copyout byte layout (that is a syscall-boundary
// concern, out of scope here).
type Rusage struct {
	UserSec, UserUsec int64
	SysSec, SysUsec   int64
}

func split(ns int64) (int64, int64) {
	return ns / 1e9, (ns % 1e9) / 1000
}

// Fetch returns a consistent snapshot of the accounting information.
func (a *Accnt_t) Fetch() Rusage {
	a.Lock()
	u, s := a.Userns, a.Sysns
	a.Unlock()

	var ru Rusage
	ru.UserSec, ru.UserUsec = split(u)
	ru.SysSec, ru.SysUsec = split(s)
	return ru
}
