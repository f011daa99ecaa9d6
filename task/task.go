// Package task implements the Task/Scheduler core (C5): a fixed-capacity
// TCB pool, a priority ready queue with round-robin tie-breaking, wait
// sets with broadcast wakeup, a sleep list, and fork/exit/waitpid glue.
// State shape (Alive/Killed-style flags, per-task note protected by its own
// mutex) is grounded on biscuit's tinfo.Tnote_t/Threadinfo_t; the
// scheduling algorithm itself follows spec.md §4.5 directly since the pack
// kept no biscuit/src/proc files beyond go.mod.
package task

import (
	"sync"

	"eduos/accnt"
	"eduos/defs"
	"eduos/mem"
	"eduos/ustr"
	"eduos/vmm"
)

// State is a task's lifecycle stage (spec.md §3's Task attribute list).
type State int

const (
	Unused State = iota
	Ready
	Running
	Blocked
	Zombie
	Terminated
)

func (s State) String() string {
	switch s {
	case Unused:
		return "Unused"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Zombie:
		return "Zombie"
	case Terminated:
		return "Terminated"
	default:
		return "?"
	}
}

// StackRegion names a kernel- or user-stack extent owned by a task.
type StackRegion struct {
	Base mem.VAddr
	Size uint64
}

// Task is the TCB. Context is an opaque per-arch saved-register blob; this
// package never interprets it, only carries it between Block and resume —
// actual save/restore is an arch-specific leaf the HAL layer's caller
// performs immediately around Scheduler.Schedule, the same division
// spec.md §4.5's "context switch implemented per arch" describes.
type Task struct {
	mu sync.Mutex

	Pid   defs.Pid_t
	Name  ustr.Ustr
	State State

	Priority           int
	TimeSliceRemaining int

	Context any

	KernelStack StackRegion
	UserStack   StackRegion
	UserEntry   uint64

	AddrSpace *vmm.AddrSpace

	// WaitChannel is nil unless State == Blocked waiting on a channel
	// rather than a sleep deadline.
	WaitChannel any
	SleepUntil  int64 // nanoseconds; 0 means "not sleeping"

	// Parent is the creating task's Pid, not a pointer into the pool: a
	// pointer would keep pointing at whatever unrelated task a future
	// alloc recycles the parent's slot into once it is reaped (spec.md
	// §9's pool-index task-tree design note). 0 means no parent (the init
	// task, or a slot that was reaped/never forked). Since Pid is fixed
	// per pool slot for the scheduler's lifetime, Pid alone doesn't
	// distinguish a parent from whatever later task is allocated into its
	// old slot after a reap; ParentGen pins the parent's Generation at
	// fork time so Waitpid can tell the two apart.
	Parent    defs.Pid_t
	ParentGen uint64
	ExitCode  int

	// Generation counts how many times this slot has been allocated,
	// incremented on every alloc. Paired with Pid it gives every task a
	// identity that a later occupant of the same slot cannot replay.
	Generation uint64

	// Fdtable is opaque to this package (spec.md §3: "opaque to core");
	// callers stash whatever their fd layer needs here. Cwd is spec.md §3's
	// "cwd (opaque to core)" path, carried as ustr.Ustr rather than plain
	// any since every task always has one and it is always a byte path.
	Fdtable any
	Cwd     ustr.Ustr

	Accnt accnt.Accnt_t

	// arrival orders round-robin tie-breaking within a priority level.
	arrival uint64

	// Killed/Doomed mirror tinfo.Tnote_t's flags for the unrecoverable-
	// fault termination path (spec.md §4.5's failure semantics).
	Killed   bool
	Isdoomed bool
}

// Doomed reports whether the task has been marked for forced termination.
func (t *Task) Doomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Isdoomed
}
