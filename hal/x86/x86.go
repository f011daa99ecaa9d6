// Package x86 implements the HAL contract for a 32-bit x86-like
// architecture: two-level, non-PAE page tables (10/10/12 split), a
// present/write/user/reserved/exec error-code fault syndrome, and a legacy
// PIC-style vector table. Page tables are modeled as in-memory Go
// structures keyed by the physical frame address the PFA handed out for
// them, the same "software MMU" approach the teacher's direct-map trick
// (biscuit/src/mem/dmap.go's Dmap) uses to avoid depending on a real MMU
// while keeping the refcount/COW bookkeeping faithful.
package x86

import (
	"sync"

	"eduos/fault"
	"eduos/hal"
	"eduos/mem"
)

const (
	// KernelBase splits the 32-bit address space 3GB/1GB, the classic x86
	// kernel/user split.
	KernelBase = mem.VAddr(0xC0000000)

	entriesPerTable = 1024
	pdeShift        = 22
	pteShift        = 12
	pdeIndexMask    = entriesPerTable - 1
	pteIndexMask    = entriesPerTable - 1

	// kernelPDEStart is the first page-directory index covering the
	// kernel half (KernelBase >> pdeShift).
	kernelPDEStart = int(KernelBase >> pdeShift)
)

type pte struct {
	paddr mem.PAddr
	flags hal.Flags
}

type pageTable [entriesPerTable]pte

// Backend implements hal.HAL for the x86-like architecture.
type Backend struct {
	mu sync.Mutex

	pfa *mem.PFA

	// tables maps a page-table frame's physical address to its in-memory
	// content. Leaf data frames (ordinary pages) are not represented here;
	// only page-table frames are, so "is this paddr a table" is exactly
	// "is it a key of this map".
	tables map[mem.PAddr]*pageTable

	// spaceTop maps an AddrSpace handle to the physical address of its
	// top-level page directory.
	spaceTop map[hal.AddrSpace]mem.PAddr
	nextID   uint64
	current  hal.AddrSpace

	// kernelTop is the master page directory used to seed/sync the
	// kernel half of every address space (spec.md §3: "identical across
	// all AddrSpaces by construction ... mirrored top entries").
	kernelTop *pageTable

	irqEnabled bool
	handlers   [256]hal.InterruptHandler
	handlerCtx [256]any
}

// New builds an x86-like backend over pfa. The returned backend owns no
// address spaces yet; call CreateSpace to get one.
func New(pfa *mem.PFA) *Backend {
	return &Backend{
		pfa:        pfa,
		tables:     make(map[mem.PAddr]*pageTable),
		spaceTop:   make(map[hal.AddrSpace]mem.PAddr),
		kernelTop:  &pageTable{},
		irqEnabled: true,
	}
}

func pdeIndex(v mem.VAddr) int { return int(v>>pdeShift) & pdeIndexMask }
func pteIndex(v mem.VAddr) int { return int(v>>pteShift) & pteIndexMask }

func (b *Backend) allocTable() (mem.PAddr, *pageTable) {
	pa := b.pfa.AllocFrame()
	if pa == mem.Invalid {
		return mem.Invalid, nil
	}
	t := &pageTable{}
	b.tables[pa] = t
	return pa, t
}

// CurrentSpace returns whichever address space the (simulated) running CPU
// has installed.
func (b *Backend) CurrentSpace() hal.AddrSpace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// CreateSpace allocates a new top-level table, copies the kernel half from
// the master template, and leaves the user half empty.
func (b *Backend) CreateSpace() hal.AddrSpace {
	b.mu.Lock()
	defer b.mu.Unlock()

	topPA, top := b.allocTable()
	if top == nil {
		return hal.InvalidSpace
	}
	for i := kernelPDEStart; i < entriesPerTable; i++ {
		top[i] = b.kernelTop[i]
	}
	b.nextID++
	id := hal.AddrSpace(b.nextID)
	b.spaceTop[id] = topPA
	if b.current == hal.CURRENT {
		b.current = id
	}
	return id
}

func (b *Backend) resolve(space hal.AddrSpace) hal.AddrSpace {
	if space == hal.CURRENT {
		return b.current
	}
	return space
}

// DestroySpace frees the user-half page tables and the top-level table.
// Physical frames backing user data are ref-decremented (freed when the
// count reaches zero) since they may be COW-shared with another space;
// page-table frames themselves are owned solely by this space and are
// always freed outright (spec.md §9's resolution of the underspecified
// page-table-frame refcount question).
func (b *Backend) DestroySpace(space hal.AddrSpace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	if id == b.current {
		return errBusyActive
	}
	topPA, ok := b.spaceTop[id]
	if !ok {
		return errNotFound
	}
	top := b.tables[topPA]
	for i := 0; i < kernelPDEStart; i++ {
		e := top[i]
		if e.flags&hal.PRESENT == 0 {
			continue
		}
		pt, isTable := b.tables[e.paddr]
		if !isTable {
			continue
		}
		for _, leaf := range pt {
			if leaf.flags&hal.PRESENT != 0 {
				b.pfa.FreeFrame(leaf.paddr)
			}
		}
		delete(b.tables, e.paddr)
		b.pfa.FreeFrame(e.paddr)
	}
	delete(b.tables, topPA)
	b.pfa.FreeFrame(topPA)
	delete(b.spaceTop, id)
	return nil
}

// CloneSpace produces a new space where every present user-half mapping of
// space shares physical pages with it but is marked read-only+COW in both
// (spec.md §4.2/§4.3's COW clone protocol).
func (b *Backend) CloneSpace(space hal.AddrSpace) hal.AddrSpace {
	b.mu.Lock()
	defer b.mu.Unlock()

	srcID := b.resolve(space)
	srcTopPA, ok := b.spaceTop[srcID]
	if !ok {
		return hal.InvalidSpace
	}
	srcTop := b.tables[srcTopPA]

	dstTopPA, dstTop := b.allocTable()
	if dstTop == nil {
		return hal.InvalidSpace
	}
	for i := kernelPDEStart; i < entriesPerTable; i++ {
		dstTop[i] = srcTop[i]
	}

	for i := 0; i < kernelPDEStart; i++ {
		se := srcTop[i]
		if se.flags&hal.PRESENT == 0 {
			continue
		}
		srcPT := b.tables[se.paddr]
		dstPTPA, dstPT := b.allocTable()
		if dstPT == nil {
			continue
		}
		for j, leaf := range srcPT {
			if leaf.flags&hal.PRESENT == 0 {
				continue
			}
			newFlags := (leaf.flags &^ hal.WRITE) | hal.COW
			srcPT[j].flags = newFlags
			dstPT[j] = pte{paddr: leaf.paddr, flags: newFlags}
			b.pfa.RefInc(leaf.paddr)
		}
		dstTop[i] = pte{paddr: dstPTPA, flags: se.flags}
	}

	b.nextID++
	id := hal.AddrSpace(b.nextID)
	b.spaceTop[id] = dstTopPA
	return id
}

// SwitchSpace installs space as the active one, simulating a CR3 load.
func (b *Backend) SwitchSpace(space hal.AddrSpace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.resolve(space)
}

func (b *Backend) lookupTop(id hal.AddrSpace) (*pageTable, bool) {
	topPA, ok := b.spaceTop[id]
	if !ok {
		return nil, false
	}
	return b.tables[topPA], true
}

// Map installs or overwrites the mapping, allocating intermediate page
// tables on demand.
func (b *Backend) Map(space hal.AddrSpace, vaddr mem.VAddr, paddr mem.PAddr, flags hal.Flags) bool {
	if !vaddr.PageAligned() || !paddr.PageAligned() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return false
	}
	pdi := pdeIndex(vaddr)
	pde := &top[pdi]
	if pde.flags&hal.PRESENT == 0 {
		childPA, _ := b.allocTable()
		if childPA == mem.Invalid {
			return false
		}
		*pde = pte{paddr: childPA, flags: hal.PRESENT | hal.WRITE | hal.USER}
		if pdi >= kernelPDEStart {
			b.kernelTop[pdi] = *pde
		}
	}
	child := b.tables[pde.paddr]
	child[pteIndex(vaddr)] = pte{paddr: paddr, flags: flags | hal.PRESENT}
	return true
}

// Unmap removes the mapping and returns the former physical page (Invalid
// if none was present). It does not itself free the frame.
func (b *Backend) Unmap(space hal.AddrSpace, vaddr mem.VAddr) mem.PAddr {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return mem.Invalid
	}
	pde := top[pdeIndex(vaddr)]
	if pde.flags&hal.PRESENT == 0 {
		return mem.Invalid
	}
	child := b.tables[pde.paddr]
	leaf := &child[pteIndex(vaddr)]
	if leaf.flags&hal.PRESENT == 0 {
		return mem.Invalid
	}
	old := leaf.paddr
	*leaf = pte{}
	return old
}

// Query reports the current mapping at vaddr, if any.
func (b *Backend) Query(space hal.AddrSpace, vaddr mem.VAddr) (mem.PAddr, hal.Flags, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return mem.Invalid, 0, false
	}
	pde := top[pdeIndex(vaddr)]
	if pde.flags&hal.PRESENT == 0 {
		return mem.Invalid, 0, false
	}
	leaf := b.tables[pde.paddr][pteIndex(vaddr)]
	if leaf.flags&hal.PRESENT == 0 {
		return mem.Invalid, 0, false
	}
	return leaf.paddr, leaf.flags, true
}

// Protect atomically modifies the flags of an existing mapping without
// touching the backing frame.
func (b *Backend) Protect(space hal.AddrSpace, vaddr mem.VAddr, set, clear hal.Flags) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return false
	}
	pde := top[pdeIndex(vaddr)]
	if pde.flags&hal.PRESENT == 0 {
		return false
	}
	leaf := &b.tables[pde.paddr][pteIndex(vaddr)]
	if leaf.flags&hal.PRESENT == 0 {
		return false
	}
	leaf.flags = (leaf.flags &^ clear) | set | hal.PRESENT
	return true
}

// SyncKernelMapping installs, into space's top-level table, whatever the
// master kernel template currently holds for vaddr's page-directory slot.
func (b *Backend) SyncKernelMapping(space hal.AddrSpace, vaddr mem.VAddr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if vaddr < KernelBase {
		return false
	}
	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return false
	}
	pdi := pdeIndex(vaddr)
	master := b.kernelTop[pdi]
	if master.flags&hal.PRESENT == 0 || top[pdi] == master {
		return false
	}
	top[pdi] = master
	return true
}

// FlushTLB and FlushTLBAll are no-ops: this backend has no real TLB, only
// the in-memory tables above, which every reader sees immediately.
func (b *Backend) FlushTLB(mem.VAddr) {}
func (b *Backend) FlushTLBAll()      {}

// ParseFault decodes a raw x86-like error code (spec.md §4.8) into a
// PageFaultInfo, delegating to the shared fault package so the x86-like and
// ARM-like backends can't drift on the decode logic's testable properties.
func (b *Backend) ParseFault(raw uint64, aux ...uint64) hal.PageFaultInfo {
	var faultAddr mem.VAddr
	if len(aux) > 0 {
		faultAddr = mem.VAddr(aux[0])
	}
	return fault.DecodeX86(faultAddr, uint32(raw))
}

func (b *Backend) EnableInterrupts()  { b.mu.Lock(); b.irqEnabled = true; b.mu.Unlock() }
func (b *Backend) DisableInterrupts() { b.mu.Lock(); b.irqEnabled = false; b.mu.Unlock() }

func (b *Backend) SaveInterrupts() hal.InterruptState {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.irqEnabled
	b.irqEnabled = false
	if prev {
		return 1
	}
	return 0
}

func (b *Backend) RestoreInterrupts(state hal.InterruptState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.irqEnabled = state != 0
}

func (b *Backend) RegisterHandler(vector int, handler hal.InterruptHandler, ctx any) error {
	if vector < 0 || vector >= len(b.handlers) {
		return errInvalid
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[vector] = handler
	b.handlerCtx[vector] = ctx
	return nil
}

func (b *Backend) UnregisterHandler(vector int) error {
	if vector < 0 || vector >= len(b.handlers) {
		return errInvalid
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[vector] = nil
	b.handlerCtx[vector] = nil
	return nil
}

// Fire simulates vector firing (used by tests and by irq's arch-neutral
// driver shims) by invoking the registered handler, if any.
func (b *Backend) Fire(vector int) bool {
	b.mu.Lock()
	h := b.handlers[vector]
	ctx := b.handlerCtx[vector]
	b.mu.Unlock()
	if h == nil {
		return false
	}
	h(vector, ctx)
	return true
}

// EOI is a legacy-PIC-style no-op placeholder in this software model; a
// real backend would write the 8259/APIC EOI register here.
func (b *Backend) EOI(int) {}

// Cache maintenance is a no-op: x86-like DMA is coherent.
func (b *Backend) CacheClean(mem.VAddr, uint64)           {}
func (b *Backend) CacheInvalidate(mem.VAddr, uint64)      {}
func (b *Backend) CacheCleanInvalidate(mem.VAddr, uint64) {}

// Halt disables interrupts and parks the calling CPU forever, the
// software model of a real backend's "cli; hlt" loop. It never returns.
func (b *Backend) Halt() {
	b.DisableInterrupts()
	for {
	}
}

func (b *Backend) Capabilities() hal.Capabilities {
	return hal.Capabilities{
		Name:             "x86-like-32",
		HugePages:        true,
		NX:               false,
		PortIO:           true,
		IOMMU:            false,
		SMP:              false,
		FPU:              true,
		SIMD:             true,
		DMACoherent:      true,
		PageTableLevels:  2,
		PageSizes:        []uint64{mem.PageSize, 4 << 20},
		PhysAddrBits:     32,
		VirtAddrBits:     32,
		KernelBase:       KernelBase,
		RegisterFileSize: 8,
	}
}

var (
	errBusyActive = halError("cannot destroy the active address space")
	errNotFound   = halError("address space not found")
	errInvalid    = halError("invalid vector")
)

type halError string

func (e halError) Error() string { return string(e) }
