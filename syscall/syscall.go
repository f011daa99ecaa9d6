// Package syscall implements the system-call dispatch core (C6): a
// 16-bit number space grouped by category into the high byte (0x00
// process, 0x01 file, 0x02 memory, 0x03 time, 0x04 signal, 0x05 system,
// 0x06 network, per spec.md §6's ABI table), a fixed-size handler table,
// and the `-1` unknown/unimplemented sentinel spec.md §4.6 and scenario D
// require. Number organization and the error-normalization convention are
// spec.md §4.6/§6 directly; the pack's retrieval kept no biscuit
// syscall-number file to ground specific call numbers against, so the
// table content mirrors spec.md §6's category list verbatim. Only exit,
// fork, waitpid, getpid, getppid, yield, brk, nanosleep and debug_print
// get real handlers; every other number, exec included, along with
// everything spec.md §1 places out of scope (file systems, signals,
// network), is left as a null table entry, which spec.md's own
// error discipline already treats identically to "unknown number".
package syscall

import (
	"eduos/defs"
	"eduos/kfmt"
	"eduos/mem"
	"eduos/task"
	"eduos/vmm"
)

// SYS_MAX is one past the last number of the highest category (network,
// 0x06xx); every category keeps its full 256-number range in the table, so
// calls can be added within a category later.
const SYS_MAX = 0x0700

// Category high bytes, spec.md §6.
const (
	CatProcess = 0x00
	CatFile    = 0x01
	CatMemory  = 0x02
	CatTime    = 0x03
	CatSignal  = 0x04
	CatSystem  = 0x05
	CatNetwork = 0x06
)

// Process category (spec.md §6: exit, fork, exec, waitpid, getpid,
// getppid, yield).
const (
	SYS_EXIT = CatProcess<<8 + iota
	SYS_FORK
	SYS_EXEC
	SYS_WAITPID
	SYS_GETPID
	SYS_GETPPID
	SYS_YIELD
)

// File category — named per spec.md §6 but unimplemented here; file
// systems are an external collaborator (spec.md §1).
const (
	SYS_OPEN = CatFile<<8 + iota
	SYS_CLOSE
	SYS_READ
	SYS_WRITE
	SYS_LSEEK
	SYS_STAT
	SYS_MKDIR
	SYS_UNLINK
	SYS_RENAME
	SYS_CHDIR
	SYS_GETCWD
	SYS_GETDENTS
	SYS_FTRUNCATE
	SYS_PIPE
	SYS_DUP
	SYS_DUP2
	SYS_IOCTL
)

// Memory category. brk is implemented (it only touches the task's known
// heap extent); mmap/munmap of file-backed content need a VFS this core
// does not have, so they are left unimplemented. 0x0203 is deliberately
// left unnamed/unregistered — it is spec.md scenario D's reserved
// "mprotect" slot.
const (
	SYS_BRK = CatMemory<<8 + iota
	SYS_MMAP
	SYS_MUNMAP
)

// Time category.
const (
	SYS_TIME = CatTime<<8 + iota
	SYS_GETTIMEOFDAY
	SYS_NANOSLEEP
	SYS_CLOCK_GETTIME
)

// Signal category — named per spec.md §6, unimplemented (signal delivery
// needs a trap-frame rewrite mechanism this core's Task does not model
// beyond its opaque Context blob).
const (
	SYS_KILL = CatSignal<<8 + iota
)

// System category.
const (
	SYS_UNAME = CatSystem<<8 + iota
	SYS_GETRANDOM
	SYS_DEBUG_PRINT
	SYS_REBOOT
	SYS_POWEROFF
)

// Network category — named per spec.md §6, unimplemented (no network
// stack at this layer, spec.md §1).
const (
	SYS_SOCKET = CatNetwork<<8 + iota
	SYS_BIND
	SYS_LISTEN
	SYS_ACCEPT
	SYS_CONNECT
	SYS_SEND
	SYS_RECV
)

// Handler receives the calling task and its six register-borne arguments
// and returns the value to place in the user return register. A return
// value of exactly -1 is reserved for "no such call" (spec.md §4.6); a
// real handler must never return -1 for a genuine failure — it returns a
// small negative defs.Err_t instead.
type Handler func(t *task.Task, args [6]uint64) int64

// Scheduler is the subset of *task.Scheduler the dispatch table needs,
// kept narrow so this package's tests can substitute a fake.
type Scheduler interface {
	CurrentTask() *task.Task
	Exit(t *task.Task, code int)
	Waitpid(parent *task.Task, pid defs.Pid_t) (*task.Task, bool)
	Fork(parent *task.Task) (*task.Task, error)
	Yield() *task.Task
	Sleep(ms int64) *task.Task
}

// Table dispatches syscall traps (spec.md §4.6). Handler slots are built
// once at construction from the current Scheduler/VMM; nil slots (every
// number this core does not implement, plus any number ≥ SYS_MAX) fall
// through Dispatch's `-1` sentinel path.
type Table struct {
	handlers [SYS_MAX]Handler
	sch      Scheduler
	vmm      *vmm.VMM
}

// New builds the dispatch table over sch (the task scheduler) and v (the
// VMM, needed by brk to read/extend a task's heap extent).
func New(sch Scheduler, v *vmm.VMM) *Table {
	d := &Table{sch: sch, vmm: v}
	d.handlers[SYS_EXIT] = d.sysExit
	d.handlers[SYS_FORK] = d.sysFork
	d.handlers[SYS_WAITPID] = d.sysWaitpid
	d.handlers[SYS_GETPID] = d.sysGetpid
	d.handlers[SYS_GETPPID] = d.sysGetppid
	d.handlers[SYS_YIELD] = d.sysYield
	d.handlers[SYS_BRK] = d.sysBrk
	d.handlers[SYS_NANOSLEEP] = d.sysNanosleep
	d.handlers[SYS_DEBUG_PRINT] = d.sysDebugPrint
	return d
}

// Register installs or overrides a handler for num, for callers that
// implement a category this core leaves unimplemented (a host test, or a
// higher layer that bolts on a VFS outside this module's scope). num must
// be below SYS_MAX.
func (d *Table) Register(num uint16, h Handler) {
	if int(num) >= SYS_MAX {
		return
	}
	d.handlers[num] = h
}

// Dispatch implements spec.md §4.6: an out-of-range or null-handler
// number returns the `-1` sentinel; otherwise the handler's return value
// is passed through untouched.
func (d *Table) Dispatch(t *task.Task, num uint16, args [6]uint64) int64 {
	if int(num) >= SYS_MAX {
		return -1
	}
	h := d.handlers[num]
	if h == nil {
		return -1
	}
	return h(t, args)
}

func (d *Table) sysExit(t *task.Task, args [6]uint64) int64 {
	d.sch.Exit(t, int(int32(args[0])))
	return 0
}

func (d *Table) sysFork(t *task.Task, args [6]uint64) int64 {
	child, err := d.sch.Fork(t)
	if err != nil {
		return int64(-defs.ENOMEM)
	}
	return int64(child.Pid)
}

func (d *Table) sysWaitpid(t *task.Task, args [6]uint64) int64 {
	pid := defs.Pid_t(int32(args[0]))
	child, ok := d.sch.Waitpid(t, pid)
	if !ok {
		return int64(-defs.ENOENT)
	}
	return int64(child.Pid)
}

func (d *Table) sysGetpid(t *task.Task, args [6]uint64) int64 {
	return int64(t.Pid)
}

func (d *Table) sysGetppid(t *task.Task, args [6]uint64) int64 {
	return int64(t.Parent)
}

func (d *Table) sysYield(t *task.Task, args [6]uint64) int64 {
	d.sch.Yield()
	return 0
}

// sysBrk grows or shrinks the task's heap extent to newBrk, the way the
// POSIX brk(2) this call is named after does, restricted to the extent
// the VMM already demand-maps pages into (spec.md §4.3 bullet 3); it
// never itself maps a page, it only moves the boundary HandleFault's
// demand-growth branch is allowed to grow into.
func (d *Table) sysBrk(t *task.Task, args [6]uint64) int64 {
	if t.AddrSpace == nil {
		return int64(-defs.EINVAL)
	}
	newBrk := mem.VAddr(args[0])
	t.AddrSpace.SetHeapEnd(newBrk)
	return int64(newBrk)
}

func (d *Table) sysNanosleep(t *task.Task, args [6]uint64) int64 {
	ms := int64(args[0]) / 1_000_000
	d.sch.Sleep(ms)
	return 0
}

func (d *Table) sysDebugPrint(t *task.Task, args [6]uint64) int64 {
	kfmt.Printf("[%s] debug_print\n", t.Name.String())
	return 0
}
