// Package testhal is a minimal in-memory fake of the hal.HAL contract,
// existing solely so vmm, task, and syscall can be unit tested without
// depending on either real backend's page-table encoding (spec.md §9:
// "a fake HAL implementation lets the page-fault interpreter and VMM be
// unit tested without booting real hardware or even a real architecture").
// It keeps one flat map per address space rather than any multi-level
// table, and treats every address as part of the same flat space except
// for Capabilities.KernelBase, which callers use to decide which half a
// vaddr falls in exactly as they would against a real backend.
package testhal

import (
	"sync"

	"eduos/hal"
	"eduos/mem"
)

// KernelBase splits the fake 64-bit address space down the middle.
const KernelBase = mem.VAddr(1) << 63

type entry struct {
	paddr mem.PAddr
	flags hal.Flags
}

// HAL is the fake backend. Exported fields let tests reach in and inspect
// or corrupt state directly when exercising error paths.
type HAL struct {
	mu sync.Mutex

	PFA *mem.PFA

	spaces     map[hal.AddrSpace]map[mem.VAddr]entry
	kernelHalf map[mem.VAddr]entry
	nextID     uint64
	current    hal.AddrSpace

	irqEnabled bool
	handlers   map[int]hal.InterruptHandler
	handlerCtx map[int]any

	// LastFaultRaw and LastFaultAux record the most recent ParseFault
	// input so tests can assert on exactly what vmm handed the HAL.
	LastFaultRaw uint64
	LastFaultAux []uint64

	// FaultDecoder lets a test substitute its own raw->PageFaultInfo
	// mapping; if nil, ParseFault returns a zero-value PageFaultInfo with
	// only VAddr/Raw populated from aux[0]/raw.
	FaultDecoder func(raw uint64, aux ...uint64) hal.PageFaultInfo

	// EOICount and Capabilities_ let tests assert on IRQ plumbing and
	// advertise arbitrary capability combinations.
	EOICount      map[int]int
	Capabilities_ hal.Capabilities

	// HaltCount counts Halt calls; a real backend never returns from one,
	// so in this fake it is a record, not a block.
	HaltCount int
}

// New builds a fresh fake backend. pfa may be nil if a test never maps
// real physical frames.
func New(pfa *mem.PFA) *HAL {
	return &HAL{
		PFA:        pfa,
		spaces:     make(map[hal.AddrSpace]map[mem.VAddr]entry),
		kernelHalf: make(map[mem.VAddr]entry),
		irqEnabled: true,
		handlers:   make(map[int]hal.InterruptHandler),
		handlerCtx: make(map[int]any),
		EOICount:   make(map[int]int),
		Capabilities_: hal.Capabilities{
			Name:            "testhal",
			PageTableLevels: 1,
			PhysAddrBits:    64,
			VirtAddrBits:    64,
			KernelBase:      KernelBase,
		},
	}
}

func (h *HAL) CurrentSpace() hal.AddrSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *HAL) CreateSpace() hal.AddrSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := hal.AddrSpace(h.nextID)
	h.spaces[id] = make(map[mem.VAddr]entry)
	if h.current == hal.CURRENT {
		h.current = id
	}
	return id
}

func (h *HAL) resolve(space hal.AddrSpace) hal.AddrSpace {
	if space == hal.CURRENT {
		return h.current
	}
	return space
}

func (h *HAL) DestroySpace(space hal.AddrSpace) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.resolve(space)
	if id == h.current {
		return errBusyActive
	}
	m, ok := h.spaces[id]
	if !ok {
		return errNotFound
	}
	if h.PFA != nil {
		for va, e := range m {
			if va < KernelBase {
				h.PFA.FreeFrame(e.paddr)
			}
		}
	}
	delete(h.spaces, id)
	return nil
}

func (h *HAL) CloneSpace(space hal.AddrSpace) hal.AddrSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	srcID := h.resolve(space)
	src, ok := h.spaces[srcID]
	if !ok {
		return hal.InvalidSpace
	}
	h.nextID++
	id := hal.AddrSpace(h.nextID)
	dst := make(map[mem.VAddr]entry, len(src))
	for va, e := range src {
		if va >= KernelBase {
			dst[va] = e
			continue
		}
		newFlags := (e.flags &^ hal.WRITE) | hal.COW
		src[va] = entry{paddr: e.paddr, flags: newFlags}
		dst[va] = entry{paddr: e.paddr, flags: newFlags}
		if h.PFA != nil {
			h.PFA.RefInc(e.paddr)
		}
	}
	h.spaces[id] = dst
	return id
}

func (h *HAL) SwitchSpace(space hal.AddrSpace) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = h.resolve(space)
}

func (h *HAL) SyncKernelMapping(space hal.AddrSpace, vaddr mem.VAddr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if vaddr < KernelBase {
		return false
	}
	id := h.resolve(space)
	m, ok := h.spaces[id]
	if !ok {
		return false
	}
	master, ok := h.kernelHalf[vaddr]
	if !ok {
		return false
	}
	if existing, present := m[vaddr]; present && existing == master {
		return false
	}
	m[vaddr] = master
	return true
}

func (h *HAL) Map(space hal.AddrSpace, vaddr mem.VAddr, paddr mem.PAddr, flags hal.Flags) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.resolve(space)
	m, ok := h.spaces[id]
	if !ok {
		return false
	}
	e := entry{paddr: paddr, flags: flags | hal.PRESENT}
	m[vaddr] = e
	if vaddr >= KernelBase {
		h.kernelHalf[vaddr] = e
	}
	return true
}

func (h *HAL) Unmap(space hal.AddrSpace, vaddr mem.VAddr) mem.PAddr {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.resolve(space)
	m, ok := h.spaces[id]
	if !ok {
		return mem.Invalid
	}
	e, present := m[vaddr]
	if !present {
		return mem.Invalid
	}
	delete(m, vaddr)
	return e.paddr
}

func (h *HAL) Query(space hal.AddrSpace, vaddr mem.VAddr) (mem.PAddr, hal.Flags, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.resolve(space)
	m, ok := h.spaces[id]
	if !ok {
		return mem.Invalid, 0, false
	}
	e, present := m[vaddr]
	if !present {
		return mem.Invalid, 0, false
	}
	return e.paddr, e.flags, true
}

func (h *HAL) Protect(space hal.AddrSpace, vaddr mem.VAddr, set, clear hal.Flags) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.resolve(space)
	m, ok := h.spaces[id]
	if !ok {
		return false
	}
	e, present := m[vaddr]
	if !present {
		return false
	}
	e.flags = (e.flags &^ clear) | set | hal.PRESENT
	m[vaddr] = e
	return true
}

func (h *HAL) FlushTLB(mem.VAddr) {}
func (h *HAL) FlushTLBAll()       {}

func (h *HAL) ParseFault(raw uint64, aux ...uint64) hal.PageFaultInfo {
	h.mu.Lock()
	h.LastFaultRaw = raw
	h.LastFaultAux = aux
	decoder := h.FaultDecoder
	h.mu.Unlock()

	if decoder != nil {
		return decoder(raw, aux...)
	}
	info := hal.PageFaultInfo{Raw: raw}
	if len(aux) > 0 {
		info.VAddr = mem.VAddr(aux[0])
	}
	return info
}

func (h *HAL) EnableInterrupts()  { h.mu.Lock(); h.irqEnabled = true; h.mu.Unlock() }
func (h *HAL) DisableInterrupts() { h.mu.Lock(); h.irqEnabled = false; h.mu.Unlock() }

func (h *HAL) SaveInterrupts() hal.InterruptState {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.irqEnabled
	h.irqEnabled = false
	if prev {
		return 1
	}
	return 0
}

func (h *HAL) RestoreInterrupts(state hal.InterruptState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.irqEnabled = state != 0
}

func (h *HAL) RegisterHandler(vector int, handler hal.InterruptHandler, ctx any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[vector] = handler
	h.handlerCtx[vector] = ctx
	return nil
}

func (h *HAL) UnregisterHandler(vector int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, vector)
	delete(h.handlerCtx, vector)
	return nil
}

// Fire lets a test simulate the given vector firing.
func (h *HAL) Fire(vector int) bool {
	h.mu.Lock()
	handler := h.handlers[vector]
	ctx := h.handlerCtx[vector]
	h.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(vector, ctx)
	return true
}

func (h *HAL) EOI(irq int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EOICount[irq]++
}

func (h *HAL) CacheClean(mem.VAddr, uint64)           {}
func (h *HAL) CacheInvalidate(mem.VAddr, uint64)      {}
func (h *HAL) CacheCleanInvalidate(mem.VAddr, uint64) {}

// Halt records that the machine was halted instead of actually blocking
// forever, so a test exercising the Panic path can assert on it and keep
// running. HaltCount lets a test tell a single halt from a caller that
// forgot Halt never returns on a real backend and kept going.
func (h *HAL) Halt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.HaltCount++
}

func (h *HAL) Capabilities() hal.Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Capabilities_
}

var (
	errBusyActive = fakeError("cannot destroy the active address space")
	errNotFound   = fakeError("address space not found")
)

type fakeError string

func (e fakeError) Error() string { return string(e) }
