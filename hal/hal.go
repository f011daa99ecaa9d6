// Package hal defines the Hardware Abstraction Layer contract (C2):
// address-space management, per-page mapping operations, fault-syndrome
// decoding, interrupt enable/disable/save/restore, cache maintenance, cpu
// halt, and a capability snapshot, implemented once per architecture (see
// hal/x86, hal/arm64) and once as a fast in-memory fake for unit tests
// (see hal/testhal).
//
// Higher layers (vmm, task, irq) depend only on the HAL interface, never on
// a concrete backend, so the same code runs against any architecture that
// satisfies this contract — one kernel binary per target, chosen at build
// time, exactly as spec.md §9 describes.
package hal

import (
	"eduos/mem"
)

// AddrSpace is an opaque handle naming a process's virtual memory layout.
// Internally each backend maps the handle to its own root-page-table
// structure; nothing outside the owning backend inspects it.
type AddrSpace uint64

// CURRENT means "whatever address space is active on the running CPU now".
const CURRENT AddrSpace = 0

// InvalidSpace is the sentinel returned on allocation failure.
const InvalidSpace AddrSpace = ^AddrSpace(0)

// Flags is the architecture-independent page-mapping flag set. Each
// backend encodes these into its own PTE bit layout.
type Flags uint32

const (
	PRESENT Flags = 1 << iota
	WRITE
	USER
	EXEC
	NOCACHE
	COW
	DIRTY
	ACCESSED
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// String renders a Flags value for diagnostics.
func (f Flags) String() string {
	names := []struct {
		bit Flags
		s   string
	}{
		{PRESENT, "PRESENT"}, {WRITE, "WRITE"}, {USER, "USER"}, {EXEC, "EXEC"},
		{NOCACHE, "NOCACHE"}, {COW, "COW"}, {DIRTY, "DIRTY"}, {ACCESSED, "ACCESSED"},
	}
	out := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.s
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// PageFaultInfo is the kind-tagged record produced by a HAL's ParseFault
// (C8). IsPresent true means the mapping existed but the access violated a
// permission (a COW candidate); false means the translation itself was
// absent.
type PageFaultInfo struct {
	VAddr        mem.VAddr
	IsWrite      bool
	IsUser       bool
	IsExec       bool
	IsPresent    bool
	IsReserved   bool
	Raw          uint64
}

// Capabilities is a read-only snapshot of what an architecture backend can
// do, queryable at boot so higher layers branch on capability bits instead
// of on a compile-time architecture switch embedded in logic code.
type Capabilities struct {
	Name             string
	HugePages        bool
	NX               bool
	PortIO           bool
	IOMMU            bool
	SMP              bool
	FPU              bool
	SIMD             bool
	DMACoherent      bool
	PageTableLevels  int
	PageSizes        []uint64
	PhysAddrBits     int
	VirtAddrBits     int
	KernelBase       mem.VAddr
	RegisterFileSize int
}

// InterruptHandler is invoked when the vector it was registered for fires.
// ctx is the opaque value supplied at registration time.
type InterruptHandler func(vector int, ctx any)

// InterruptState is whatever a backend needs to faithfully restore the
// exact prior interrupt-enable state (Save/Restore idiom).
type InterruptState uint64

// HAL is the full per-architecture contract (spec.md §4.2).
type HAL interface {
	// Address-space management.
	CurrentSpace() AddrSpace
	CreateSpace() AddrSpace
	DestroySpace(space AddrSpace) error
	CloneSpace(space AddrSpace) AddrSpace
	SwitchSpace(space AddrSpace)
	// SyncKernelMapping installs, into space, whatever kernel-half mapping
	// the master kernel template currently holds at vaddr. It reports
	// whether a mapping was installed. VMM calls this from the kernel-half
	// branch of HandleFault (spec.md §4.3.1) instead of walking page tables
	// itself, since only the backend knows how its kernel-half sharing is
	// implemented (mirrored top-level entries vs. a fully shared subtree).
	SyncKernelMapping(space AddrSpace, vaddr mem.VAddr) bool

	// Per-page operations.
	Map(space AddrSpace, vaddr mem.VAddr, paddr mem.PAddr, flags Flags) bool
	Unmap(space AddrSpace, vaddr mem.VAddr) mem.PAddr
	Query(space AddrSpace, vaddr mem.VAddr) (mem.PAddr, Flags, bool)
	Protect(space AddrSpace, vaddr mem.VAddr, set, clear Flags) bool
	FlushTLB(vaddr mem.VAddr)
	FlushTLBAll()

	// Fault information.
	ParseFault(raw uint64, aux ...uint64) PageFaultInfo

	// Interrupt control.
	EnableInterrupts()
	DisableInterrupts()
	SaveInterrupts() InterruptState
	RestoreInterrupts(state InterruptState)
	RegisterHandler(vector int, handler InterruptHandler, ctx any) error
	UnregisterHandler(vector int) error
	EOI(irq int)

	// Cache maintenance.
	CacheClean(addr mem.VAddr, size uint64)
	CacheInvalidate(addr mem.VAddr, size uint64)
	CacheCleanInvalidate(addr mem.VAddr, size uint64)

	// Halt stops the calling CPU permanently (x86-like: HLT in a loop with
	// interrupts off; ARM-like: WFI in a loop with interrupts off). It
	// never returns. This is the primitive the Panic path (spec.md §7:
	// "Panic halts the machine after printing diagnostics") calls once its
	// diagnostic dump is written.
	Halt()

	Capabilities() Capabilities
}
