// Package arm64 implements the HAL contract for a 64-bit ARM-like
// architecture: a four-level software page-table walk (mirroring AArch64's
// L0-L3 translation tables, 9 bits per level, 4KB pages, 48-bit virtual
// addresses), ESR_EL1/FAR_EL1 fault syndromes, and a GIC-style interrupt
// controller grounded on iansmith-mazarin's gic_qemu.go.
package arm64

import (
	"sync"

	"eduos/fault"
	"eduos/hal"
	"eduos/mem"
)

const (
	// KernelBase is the canonical AArch64 split: TTBR1 covers the top half
	// of the 48-bit address space.
	KernelBase = mem.VAddr(0xFFFF000000000000)

	entriesPerTable = 512 // 2^9
	levels          = 4
	indexBits       = 9
	l0Shift         = 12 + 9*3
	l1Shift         = 12 + 9*2
	l2Shift         = 12 + 9*1
	l3Shift         = 12
	indexMask       = entriesPerTable - 1
)

type pte struct {
	paddr mem.PAddr
	flags hal.Flags
}

type pageTable [entriesPerTable]pte

// Backend implements hal.HAL for the ARM-like architecture.
type Backend struct {
	mu sync.Mutex

	pfa *mem.PFA

	tables   map[mem.PAddr]*pageTable
	spaceTop map[hal.AddrSpace]mem.PAddr
	nextID   uint64
	current  hal.AddrSpace

	// kernelTop is the master TTBR1 template (spec.md §3's "mirrored
	// top-level entries" sharing scheme).
	kernelTop *pageTable

	irqEnabled bool
	handlers   [1020]hal.InterruptHandler // GIC SPI range, per gic_qemu.go
	handlerCtx [1020]any
}

// New builds an ARM-like backend over pfa.
func New(pfa *mem.PFA) *Backend {
	return &Backend{
		pfa:        pfa,
		tables:     make(map[mem.PAddr]*pageTable),
		spaceTop:   make(map[hal.AddrSpace]mem.PAddr),
		kernelTop:  &pageTable{},
		irqEnabled: true,
	}
}

func indexAt(v mem.VAddr, shift uint) int { return int(v>>shift) & indexMask }

func (b *Backend) allocTable() (mem.PAddr, *pageTable) {
	pa := b.pfa.AllocFrame()
	if pa == mem.Invalid {
		return mem.Invalid, nil
	}
	t := &pageTable{}
	b.tables[pa] = t
	return pa, t
}

func (b *Backend) CurrentSpace() hal.AddrSpace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backend) CreateSpace() hal.AddrSpace {
	b.mu.Lock()
	defer b.mu.Unlock()

	topPA, top := b.allocTable()
	if top == nil {
		return hal.InvalidSpace
	}
	*top = *b.kernelTop
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

// walkAlloc descends the 4-level table for vaddr, allocating any missing
// intermediate tables, and returns the final-level (L3) table plus the
// index within it. Kernel-half walks additionally mirror the L0 entry of a
// freshly allocated L1 table into kernelTop so later-created spaces inherit
// it (and SyncKernelMapping can propagate it to spaces that already exist);
// deeper tables are reached through that shared L1 table.
func (b *Backend) walkAlloc(top *pageTable, vaddr mem.VAddr, mirror bool) (*pageTable, int) {
	cur := top
	shifts := []uint{l0Shift, l1Shift, l2Shift}
	for i, shift := range shifts {
		idx := indexAt(vaddr, shift)
		e := &cur[idx]
		if e.flags&hal.PRESENT == 0 {
			childPA, _ := b.allocTable()
			if childPA == mem.Invalid {
				return nil, 0
			}
			*e = pte{paddr: childPA, flags: hal.PRESENT | hal.WRITE}
			if mirror && i == 0 {
				b.kernelTop[idx] = *e
			}
		}
		cur = b.tables[e.paddr]
	}
	return cur, indexAt(vaddr, l3Shift)
}

func (b *Backend) walk(top *pageTable, vaddr mem.VAddr) (*pageTable, int, bool) {
	cur := top
	for _, shift := range []uint{l0Shift, l1Shift, l2Shift} {
		idx := indexAt(vaddr, shift)
		e := cur[idx]
		if e.flags&hal.PRESENT == 0 {
			return nil, 0, false
		}
		cur = b.tables[e.paddr]
	}
	return cur, indexAt(vaddr, l3Shift), true
}

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
	b.freeUserSubtree(top, 0, l0Shift)
	delete(b.tables, topPA)
	b.pfa.FreeFrame(topPA)
	delete(b.spaceTop, id)
	return nil
}

// freeUserSubtree recursively frees user-half tables below vaddr < KernelBase,
// ref-decrementing leaf data frames since they may be COW-shared.
func (b *Backend) freeUserSubtree(t *pageTable, base mem.VAddr, shift uint) {
	for idx := 0; idx < entriesPerTable; idx++ {
		vaddr := base | (mem.VAddr(idx) << shift)
		if vaddr >= KernelBase {
			continue
		}
		e := t[idx]
		if e.flags&hal.PRESENT == 0 {
			continue
		}
		if shift == l3Shift {
			b.pfa.FreeFrame(e.paddr)
			continue
		}
		child := b.tables[e.paddr]
		b.freeUserSubtree(child, vaddr, shift-indexBits)
		delete(b.tables, e.paddr)
		b.pfa.FreeFrame(e.paddr)
	}
}

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
	*dstTop = *srcTop

	b.cloneUserSubtree(srcTop, dstTop, 0, l0Shift)

	b.nextID++
	id := hal.AddrSpace(b.nextID)
	b.spaceTop[id] = dstTopPA
	return id
}

func (b *Backend) cloneUserSubtree(src, dst *pageTable, base mem.VAddr, shift uint) {
	for idx := 0; idx < entriesPerTable; idx++ {
		vaddr := base | (mem.VAddr(idx) << shift)
		if vaddr >= KernelBase {
			continue
		}
		e := src[idx]
		if e.flags&hal.PRESENT == 0 {
			continue
		}
		if shift == l3Shift {
			newFlags := (e.flags &^ hal.WRITE) | hal.COW
			src[idx] = pte{paddr: e.paddr, flags: newFlags}
			dst[idx] = pte{paddr: e.paddr, flags: newFlags}
			b.pfa.RefInc(e.paddr)
			continue
		}
		srcChild := b.tables[e.paddr]
		dstChildPA, dstChild := b.allocTable()
		if dstChild == nil {
			continue
		}
		dst[idx] = pte{paddr: dstChildPA, flags: e.flags}
		b.cloneUserSubtree(srcChild, dstChild, vaddr, shift-indexBits)
	}
}

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
	leafTable, idx := b.walkAlloc(top, vaddr, vaddr >= KernelBase)
	if leafTable == nil {
		return false
	}
	leafTable[idx] = pte{paddr: paddr, flags: flags | hal.PRESENT}
	return true
}

func (b *Backend) Unmap(space hal.AddrSpace, vaddr mem.VAddr) mem.PAddr {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return mem.Invalid
	}
	leafTable, idx, ok := b.walk(top, vaddr)
	if !ok || leafTable[idx].flags&hal.PRESENT == 0 {
		return mem.Invalid
	}
	old := leafTable[idx].paddr
	leafTable[idx] = pte{}
	return old
}

func (b *Backend) Query(space hal.AddrSpace, vaddr mem.VAddr) (mem.PAddr, hal.Flags, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return mem.Invalid, 0, false
	}
	leafTable, idx, ok := b.walk(top, vaddr)
	if !ok || leafTable[idx].flags&hal.PRESENT == 0 {
		return mem.Invalid, 0, false
	}
	leaf := leafTable[idx]
	return leaf.paddr, leaf.flags, true
}

func (b *Backend) Protect(space hal.AddrSpace, vaddr mem.VAddr, set, clear hal.Flags) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.resolve(space)
	top, ok := b.lookupTop(id)
	if !ok {
		return false
	}
	leafTable, idx, ok := b.walk(top, vaddr)
	if !ok || leafTable[idx].flags&hal.PRESENT == 0 {
		return false
	}
	leafTable[idx].flags = (leafTable[idx].flags &^ clear) | set | hal.PRESENT
	return true
}

// SyncKernelMapping installs the master TTBR1 template's L0 entry for
// vaddr's slot into space, and recursively shares (not copies) everything
// below it, matching the AArch64 reality that TTBR1 is one shared subtree.
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
	idx := indexAt(vaddr, l0Shift)
	master := b.kernelTop[idx]
	if master.flags&hal.PRESENT == 0 || top[idx] == master {
		return false
	}
	top[idx] = master
	return true
}

func (b *Backend) FlushTLB(mem.VAddr) {}
func (b *Backend) FlushTLBAll()       {}

// ParseFault decodes an ESR_EL1/FAR_EL1 pair (spec.md §4.8) via the shared
// fault package.
func (b *Backend) ParseFault(raw uint64, aux ...uint64) hal.PageFaultInfo {
	var far uint64
	if len(aux) > 0 {
		far = aux[0]
	}
	return fault.DecodeARM(raw, far)
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

// Fire simulates a GIC interrupt line asserting, dispatching to whatever
// handler RegisterHandler installed for it.
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

// EOI writes the GIC distributor's end-of-interrupt register in a real
// backend; here it is a placeholder matching gic_qemu.go's GICC_EOIR write.
func (b *Backend) EOI(int) {}

// Cache maintenance: ARM-like DMA is non-coherent by default, so callers
// moving data through DMA-visible memory must still call these, and
// Capabilities reports DMACoherent false. This backend has no physical
// cache to model, so the calls themselves do nothing.
func (b *Backend) CacheClean(mem.VAddr, uint64)           {}
func (b *Backend) CacheInvalidate(mem.VAddr, uint64)      {}
func (b *Backend) CacheCleanInvalidate(mem.VAddr, uint64) {}

// Halt disables interrupts and parks the calling CPU forever, the
// software model of a real backend's "msr daifset, #2; wfi" loop. It
// never returns.
func (b *Backend) Halt() {
	b.DisableInterrupts()
	for {
	}
}

func (b *Backend) Capabilities() hal.Capabilities {
	return hal.Capabilities{
		Name:             "arm64-like",
		HugePages:        true,
		NX:               true,
		PortIO:           false,
		IOMMU:            false,
		SMP:              true,
		FPU:              true,
		SIMD:             true,
		DMACoherent:      false,
		PageTableLevels:  levels,
		PageSizes:        []uint64{mem.PageSize, 2 << 20, 1 << 30},
		PhysAddrBits:     48,
		VirtAddrBits:     48,
		KernelBase:       KernelBase,
		RegisterFileSize: 31,
	}
}

var (
	errBusyActive = halError("cannot destroy the active address space")
	errNotFound   = halError("address space not found")
	errInvalid    = halError("invalid vector")
)

type halError string

func (e halError) Error() string { return string(e) }
