// Package vmm implements the Virtual Memory Manager (C3): thin per-page
// wrapping over a hal.HAL, copy-on-write fork, fault resolution, and
// MMIO/framebuffer window allocation. It never touches an architecture's
// page-table encoding directly; everything arch-specific goes through the
// HAL contract, so the same VMM runs unmodified against hal/x86, hal/arm64,
// or hal/testhal, exactly like biscuit's Vm_t runs against whichever pmap
// implementation the build selected.
package vmm

import (
	"sync"

	"eduos/bounds"
	"eduos/defs"
	"eduos/hal"
	"eduos/mem"
	"eduos/res"
)

// FaultResult is what HandleFault reports back to the caller (spec.md
// §4.3's handle_fault outcome set).
type FaultResult int

const (
	Handled FaultResult = iota
	KillTask
	Panic
)

func (r FaultResult) String() string {
	switch r {
	case Handled:
		return "Handled"
	case KillTask:
		return "KillTask"
	case Panic:
		return "Panic"
	default:
		return "Unknown"
	}
}

// Extent is a half-open virtual range the fault handler treats as a
// demand-growable user region (heap brk range or stack).
type Extent struct {
	Start mem.VAddr
	End   mem.VAddr
}

func (e Extent) contains(v mem.VAddr) bool { return v >= e.Start && v < e.End }

// AddrSpace wraps a hal.AddrSpace with the bookkeeping the VMM needs that
// the HAL itself has no business knowing about: the task's demand-growable
// regions. One AddrSpace corresponds to exactly one hal.AddrSpace handle,
// one-to-one with the owning task, per spec.md §3.
type AddrSpace struct {
	mu      sync.Mutex
	halSpace hal.AddrSpace

	// Heap and Stack are the known demand-growable extents (spec.md
	// §4.3 bullet 3). Either may be zero-valued (Start==End) if the task
	// has none.
	Heap  Extent
	Stack Extent
}

// Handle returns the underlying hal.AddrSpace, for callers (task creation,
// SwitchSpace) that need to hand it to the HAL directly.
func (a *AddrSpace) Handle() hal.AddrSpace {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.halSpace
}

// SetHeapEnd moves the heap extent's End boundary to end, the brk(2)-style
// operation the syscall dispatcher's sysBrk exposes: it only moves the
// boundary HandleFault's demand-growth branch is allowed to grow into,
// never itself mapping a page. Shrinking below Start clamps to Start
// rather than producing an inverted extent.
func (a *AddrSpace) SetHeapEnd(end mem.VAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if end < a.Heap.Start {
		end = a.Heap.Start
	}
	a.Heap.End = end
}

// VMM owns a HAL instance and every live AddrSpace wrapper, plus the
// kernel-space region reserved for MMIO/framebuffer windows.
type VMM struct {
	hal hal.HAL
	pfa *mem.PFA

	mu     sync.Mutex
	spaces map[hal.AddrSpace]*AddrSpace

	// mmioNext is the next unused kernel-half virtual address handed out
	// by MapMMIO/MapFramebuffer; it only ever grows, matching the
	// teacher's simple bump allocator for driver register windows.
	mmioNext mem.VAddr
	mmioMax  mem.VAddr
}

// New builds a VMM over the given HAL and physical frame allocator. mmioBase
// and mmioMax bound the kernel-half window reserved for device mappings;
// both must be page-aligned.
func New(h hal.HAL, pfa *mem.PFA, mmioBase, mmioMax mem.VAddr) *VMM {
	return &VMM{
		hal:      h,
		pfa:      pfa,
		spaces:   make(map[hal.AddrSpace]*AddrSpace),
		mmioNext: mmioBase,
		mmioMax:  mmioMax,
	}
}

// CreateSpace allocates a fresh address space and registers it with the
// VMM. The returned wrapper has no heap/stack extent until the caller sets
// one (user-process creation in the task package does this).
func (v *VMM) CreateSpace() (*AddrSpace, error) {
	hs := v.hal.CreateSpace()
	if hs == hal.InvalidSpace {
		return nil, ErrNoMemory
	}
	as := &AddrSpace{halSpace: hs}
	v.mu.Lock()
	v.spaces[hs] = as
	v.mu.Unlock()
	return as, nil
}

// DestroySpace tears down an address space: for each present user-half
// mapping the owning frame is ref_dec'd (freed at zero), and the HAL frees
// the owned intermediate/top-level tables (spec.md §4.3's destroy_space).
func (v *VMM) DestroySpace(as *AddrSpace) error {
	hs := as.Handle()
	if err := v.hal.DestroySpace(hs); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.spaces, hs)
	v.mu.Unlock()
	return nil
}

// MapPage is a thin wrapper over the HAL for explicit mappings (spec.md
// §4.3's map_page).
func (v *VMM) MapPage(as *AddrSpace, vaddr mem.VAddr, paddr mem.PAddr, flags hal.Flags) bool {
	return v.hal.Map(as.Handle(), vaddr, paddr, flags)
}

// CloneSpaceCOW implements spec.md §4.3's clone_space_cow: every present
// user-half mapping of src becomes copy-on-write in both src and the new
// space, sharing the same physical frame with its refcount bumped. The HAL
// backend does the actual table walk (it alone knows its own page-table
// layout); the VMM's job here is registering the new AddrSpace wrapper and
// carrying over the heap/stack extents so fault resolution keeps working
// in the child exactly as it did in the parent.
func (v *VMM) CloneSpaceCOW(src *AddrSpace) (*AddrSpace, error) {
	srcHS := src.Handle()
	dstHS := v.hal.CloneSpace(srcHS)
	if dstHS == hal.InvalidSpace {
		return nil, ErrNoMemory
	}
	v.hal.FlushTLBAll()

	src.mu.Lock()
	heap, stack := src.Heap, src.Stack
	src.mu.Unlock()

	dst := &AddrSpace{halSpace: dstHS, Heap: heap, Stack: stack}
	v.mu.Lock()
	v.spaces[dstHS] = dst
	v.mu.Unlock()
	return dst, nil
}

// HandleFault implements spec.md §4.3's handle_fault state machine.
func (v *VMM) HandleFault(as *AddrSpace, info hal.PageFaultInfo) FaultResult {
	if !res.Resadd_noblock(bounds.B_VMM_HANDLEFAULT) {
		return KillTask
	}

	hs := as.Handle()
	caps := v.hal.Capabilities()

	// 1. Kernel-half sync.
	if info.VAddr >= caps.KernelBase {
		if info.IsUser {
			// A user access into the kernel half is never legitimate,
			// regardless of mapping state.
			return KillTask
		}
		if v.hal.SyncKernelMapping(hs, info.VAddr) {
			return Handled
		}
		return Panic
	}

	paddr, flags, present := v.hal.Query(hs, info.VAddr)

	// 2. COW resolution.
	if present && info.IsWrite && flags.Has(hal.COW) {
		if !v.resolveCOW(hs, info.VAddr, paddr, flags) {
			if info.IsUser {
				return KillTask
			}
			return Panic
		}
		return Handled
	}

	if present {
		// Present but the access still faulted: a permission violation
		// this VMM has no recovery for (e.g. write to a non-COW
		// read-only page, or exec of a non-EXEC page).
		if info.IsUser {
			return KillTask
		}
		return Panic
	}

	// 3. Demand growth of a known heap/stack extent.
	as.mu.Lock()
	inHeap := as.Heap.contains(info.VAddr)
	inStack := as.Stack.contains(info.VAddr)
	as.mu.Unlock()
	if inHeap || inStack {
		if v.demandZeroFill(hs, info.VAddr) {
			return Handled
		}
		return KillTask
	}

	// 4. Nothing claims this address.
	if info.IsUser {
		return KillTask
	}
	return Panic
}

// resolveCOW breaks copy-on-write sharing at vaddr, reusing the existing
// frame if this mapping is its sole owner and copying to a fresh one
// otherwise. It reports false when physical memory is exhausted mid-fault,
// so HandleFault can turn that into KillTask/Panic instead of leaving the
// COW flag in place and faulting identically forever on retry.
func (v *VMM) resolveCOW(hs hal.AddrSpace, vaddr mem.VAddr, old mem.PAddr, flags hal.Flags) bool {
	if v.pfa.GetRefcount(old) == 1 {
		v.hal.Protect(hs, vaddr, hal.WRITE, hal.COW)
		v.hal.FlushTLB(vaddr)
		return true
	}

	fresh := v.pfa.AllocFrame()
	if fresh == mem.Invalid {
		// Out of physical memory mid-fault: the caller's budget check
		// already admitted this fault, so this is a genuine exhaustion,
		// not something HandleFault's budget guard should have caught.
		return false
	}
	copyFrame(old, fresh)
	newFlags := (flags &^ hal.COW) | hal.WRITE
	v.hal.Map(hs, vaddr, fresh, newFlags)
	v.pfa.RefDec(old)
	v.hal.FlushTLB(vaddr)
	return true
}

// copyFrame stands in for a byte-level physical copy. This VMM has no
// byte-addressable simulated RAM backing PAddr values (hal/x86 and
// hal/arm64 hold table content as Go structures, not memory bytes), so
// there is nothing to copy; the frame identity swap above is what matters
// for the invariants this package is tested against. A production HAL
// backend with real physical memory would memcpy PageSize bytes here.
func copyFrame(mem.PAddr, mem.PAddr) {}

func (v *VMM) demandZeroFill(hs hal.AddrSpace, vaddr mem.VAddr) bool {
	frame := v.pfa.AllocFrame()
	if frame == mem.Invalid {
		return false
	}
	vaddr = mem.VAddr(uint64(vaddr) &^ uint64(mem.PageMask))
	if !v.hal.Map(hs, vaddr, frame, hal.PRESENT|hal.WRITE|hal.USER) {
		v.pfa.FreeFrame(frame)
		return false
	}
	v.hal.FlushTLB(vaddr)
	return true
}

// MapMMIO finds a kernel-space hole of size bytes (rounded up to whole
// pages), maps paddr there with NOCACHE, and returns the virtual base.
func (v *VMM) MapMMIO(paddr mem.PAddr, size uint64) (mem.VAddr, error) {
	return v.mapWindow(paddr, size, hal.NOCACHE)
}

// MapFramebuffer is as MapMMIO but sets NOCACHE only when Capabilities
// reports DMACoherent false; on a DMA-coherent platform the window gets no
// cacheability flag and cacheability is left to the backend.
func (v *VMM) MapFramebuffer(paddr mem.PAddr, size uint64) (mem.VAddr, error) {
	caps := v.hal.Capabilities()
	flags := hal.Flags(0)
	if !caps.DMACoherent {
		flags = hal.NOCACHE
	}
	return v.mapWindow(paddr, size, flags)
}

func (v *VMM) mapWindow(paddr mem.PAddr, size uint64, extra hal.Flags) (mem.VAddr, error) {
	if size == 0 {
		return 0, ErrInvalid
	}
	npages := (size + mem.PageMask) / mem.PageSize

	v.mu.Lock()
	base := v.mmioNext
	need := mem.VAddr(npages * mem.PageSize)
	if base+need > v.mmioMax {
		v.mu.Unlock()
		return 0, ErrNoMemory
	}
	v.mmioNext = base + need
	v.mu.Unlock()

	cur := v.hal.CurrentSpace()
	basePA := mem.PAddr(uint64(paddr) &^ uint64(mem.PageMask))
	for i := uint64(0); i < npages; i++ {
		va := base + mem.VAddr(i*mem.PageSize)
		pa := basePA + mem.PAddr(i*mem.PageSize)
		if !v.hal.Map(cur, va, pa, hal.PRESENT|hal.WRITE|extra) {
			return 0, ErrNoMemory
		}
	}
	v.hal.FlushTLBAll()
	return base, nil
}

// UnmapMMIO releases a window previously returned by MapMMIO/MapFramebuffer.
// It does not reclaim the virtual range (the bump allocator above never
// reuses addresses, matching the teacher's own MMIO allocator, which never
// needs to since device windows live for the kernel's whole lifetime).
func (v *VMM) UnmapMMIO(vaddr mem.VAddr, size uint64) {
	npages := (size + mem.PageMask) / mem.PageSize
	cur := v.hal.CurrentSpace()
	for i := uint64(0); i < npages; i++ {
		v.hal.Unmap(cur, vaddr+mem.VAddr(i*mem.PageSize))
	}
	v.hal.FlushTLBAll()
}

// VirtToPhys walks the current address space's tables for vaddr; there is
// no linear shortcut since heap pointers are dynamically mapped.
func (v *VMM) VirtToPhys(vaddr mem.VAddr) (mem.PAddr, bool) {
	pa, _, ok := v.hal.Query(v.hal.CurrentSpace(), vaddr)
	return pa, ok
}

// GrowKernelHeap maps a single fresh page at vaddr, writable, into the
// currently running address space's kernel half. Package heap calls this
// one page at a time as its free list runs dry; because the kernel half is
// shared across every AddrSpace, the new page becomes visible to other
// spaces either immediately (if the backend mirrors eagerly, as hal/x86
// does for a page directory entry it just created) or lazily through the
// kernel-half-sync branch of HandleFault (spec.md §4.3 bullet 1).
func (v *VMM) GrowKernelHeap(vaddr mem.VAddr) (mem.PAddr, bool) {
	frame := v.pfa.AllocFrame()
	if frame == mem.Invalid {
		return mem.Invalid, false
	}
	if !v.hal.Map(v.hal.CurrentSpace(), vaddr, frame, hal.PRESENT|hal.WRITE) {
		v.pfa.FreeFrame(frame)
		return mem.Invalid, false
	}
	v.hal.FlushTLB(vaddr)
	return frame, true
}

var (
	ErrNoMemory = vmmError(defs.ENOMEM)
	ErrInvalid  = vmmError(defs.EINVAL)
)

type vmmError defs.Err_t

func (e vmmError) Error() string { return defs.Err_t(e).String() }
