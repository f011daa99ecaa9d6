// Package irq implements the interrupt/exception router (C7): a
// fixed-vector table keyed on arch vector numbers, with three
// architecture-independent bindings installed over a hal.HAL backend —
// timer tick, page fault, and syscall trap — plus pass-through
// registration for device vectors the router itself does not interpret.
// The vector-table/EOI idiom is grounded in iansmith-mazarin's
// gic_qemu.go (mmio_write(GICC_EOIR, ...) after a handler returns); the
// three architecture-independent bindings and their control flow are
// spec.md §4.7 directly.
//
// The timer binding goes through hal.HAL.RegisterHandler like any device
// IRQ, since a tick carries no data beyond "it happened". The fault and
// syscall bindings carry data the generic InterruptHandler(vector, ctx)
// signature cannot express (a fault syndrome, six syscall arguments), so
// they are not registered that way: the arch-specific trap entry (outside
// this package, compiled per backend) decodes its own trap frame and
// calls Router.Fault / Router.Syscall directly. Both are exceptions, not
// interrupts, so neither path sends an EOI (spec.md §4.7).
package irq

import (
	"eduos/caller"
	"eduos/diag"
	"eduos/hal"
	"eduos/kfmt"
	"eduos/task"
	"eduos/vmm"
)

// KilledExitCode is the exit code the router reports for a task torn down
// after an unrecoverable fault, distinguishing it from a voluntary exit
// (spec.md §4.5's "reaped as if exit had been called", with a
// distinguishable code).
const KilledExitCode = -1

// Router owns the three architecture-independent bindings.
type Router struct {
	h   hal.HAL
	vmm *vmm.VMM
	sch *task.Scheduler

	dispatch func(t *task.Task, num uint16, args [6]uint64) int64

	// codeReader, if set, fetches the raw instruction bytes at a faulting
	// PC for the Panic path's disassembly line. Only boot-level code can
	// read real memory, so the arch-specific trap entry installs this via
	// SetCodeReader; a nil reader just skips disassembly.
	codeReader func(pc uint64, n int) []byte

	dump  caller.DistinctCaller
	Ticks uint64
}

// SetCodeReader installs the function fatal uses to fetch the bytes at a
// faulting PC for disassembly (diag.DumpX86/DumpARM64). Passing nil
// disables the disassembly line in the diagnostic dump.
func (r *Router) SetCodeReader(fn func(pc uint64, n int) []byte) {
	r.codeReader = fn
}

// New installs the timer binding over h and holds onto vmm/sch/dispatch
// for the Fault and Syscall entry points the arch trap code calls
// directly. timerVector is the arch's timer interrupt vector number.
func New(h hal.HAL, v *vmm.VMM, sch *task.Scheduler, timerVector int, dispatch func(t *task.Task, num uint16, args [6]uint64) int64) *Router {
	r := &Router{h: h, vmm: v, sch: sch, dispatch: dispatch}
	r.dump.Enabled = true
	_ = h.RegisterHandler(timerVector, r.handleTimer, nil)
	return r
}

// RegisterDevice installs a device driver's vector handler, passed through
// to the HAL untouched (spec.md §4.7: "device drivers register their own
// vectors via the HAL's register_handler").
func (r *Router) RegisterDevice(vector int, handler hal.InterruptHandler, ctx any) error {
	return r.h.RegisterHandler(vector, handler, ctx)
}

// UnregisterDevice removes a previously-registered device vector.
func (r *Router) UnregisterDevice(vector int) error {
	return r.h.UnregisterHandler(vector)
}

// tickInterval is the fixed nanosecond delta the router assumes between
// consecutive timer IRQs; a real boot would read this from the
// programmed timer's period instead of a constant.
const tickInterval = 10_000_000 // 10ms, matching a conventional 100Hz tick

func (r *Router) handleTimer(vector int, _ any) {
	r.Ticks++
	resched := r.sch.Tick(tickInterval)
	r.h.EOI(vector)
	if resched {
		r.sch.Schedule()
	}
}

// Fault implements spec.md §4.7's page-fault binding: decode the arch
// syndrome via the HAL's C8 parser, hand it to the VMM to resolve, and on
// an unrecoverable outcome terminate the current task (or panic if there
// is no task to blame — a kernel-mode fault). pc is the faulting
// instruction's saved program counter, from the same trap frame the
// caller decoded raw/aux out of; it is only used for the Panic path's
// disassembly line.
func (r *Router) Fault(pc uint64, raw uint64, aux ...uint64) {
	info := r.h.ParseFault(raw, aux...)
	t := r.sch.CurrentTask()

	if t == nil || t.AddrSpace == nil {
		r.fatal("page fault with no current task/address space", pc, info)
		return
	}

	switch r.vmm.HandleFault(t.AddrSpace, info) {
	case vmm.Handled:
		return
	case vmm.KillTask:
		r.sch.Exit(t, KilledExitCode)
		r.sch.Schedule()
	case vmm.Panic:
		r.fatal("unrecoverable kernel fault", pc, info)
	}
}

// Syscall implements spec.md §4.7's syscall binding: hand the current
// task, call number, and marshalled arguments to C6 and return its
// result verbatim. No EOI follows (exception, not interrupt).
func (r *Router) Syscall(num uint16, args [6]uint64) int64 {
	t := r.sch.CurrentTask()
	if t == nil || r.dispatch == nil {
		return -1
	}
	return r.dispatch(t, num, args)
}

// fatal prints diagnostics, deduplicated per distinct call chain so a
// repeating fault does not flood the console, disassembles the faulting
// instruction if a code reader is installed, and halts the machine
// (spec.md §7: "Panic halts the machine after printing diagnostics").
func (r *Router) fatal(reason string, pc uint64, info hal.PageFaultInfo) {
	if novel, trace := r.dump.Distinct(); novel {
		kfmt.Printf("eduos: fatal, reason=%s vaddr=%x write=%t user=%t\n%s",
			reason, uint64(info.VAddr), info.IsWrite, info.IsUser, trace)
		r.dumpCode(pc)
	}
	r.h.Halt()
}

// dumpCode disassembles a short instruction window starting at pc and
// prints it beneath the fault diagnostics, picking the disassembler that
// matches the HAL backend's pointer width. It is a no-op if no code
// reader was installed (SetCodeReader) or the reader returns nothing.
func (r *Router) dumpCode(pc uint64) {
	if r.codeReader == nil {
		return
	}
	const window = 64
	const maxLines = 8
	code := r.codeReader(pc, window)
	if len(code) == 0 {
		return
	}

	var lines []diag.Line
	if r.h.Capabilities().VirtAddrBits <= 32 {
		lines = diag.DumpX86(pc, code, 32, maxLines)
	} else {
		lines = diag.DumpARM64(pc, code, maxLines)
	}
	for _, ln := range lines {
		kfmt.Printf("  %x: %s\n", ln.PC, ln.Text)
	}
}
