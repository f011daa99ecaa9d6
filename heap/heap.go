// Package heap implements the kernel heap allocator (C4): a boundary-tag,
// first-fit free list with coalescing over a virtual extent of the kernel
// half that grows on demand through the VMM. The segment layout and
// kmalloc/kfree algorithm are grounded on iansmith-mazarin's heap.go
// (best/first-fit walk, in-place header-as-unsafe.Pointer segments,
// prev/next coalescing loops); growth-by-VMM-mapped-page and the
// interrupt-disabling global lock are this package's additions, required
// by spec.md §4.4 but absent from that fixed-size reference heap.
package heap

import (
	"sync"
	"unsafe"

	"eduos/hal"
	"eduos/mem"
	"eduos/util"
	"eduos/vmm"
)

// magic tags a live segment header so Free can detect a corrupted or
// double-freed pointer instead of walking off into unrelated memory.
const magic = uint32(0xb16b00b5)

// segment is the boundary-tag header placed immediately before every block
// the allocator hands out, both free and allocated.
type segment struct {
	next, prev *segment
	size       uintptr
	allocated  bool
	tag        uint32
}

const segHeaderSize = unsafe.Sizeof(segment{})

// Heap is a boundary-tag allocator over [start, max) of the kernel half.
// Pages between end and heap_max are unmapped until grown into.
//
// Segment headers live in a real Go-owned byte arena sized to the whole
// [start, max) extent rather than at the literal mem.VAddr numbers: those
// values are this module's symbolic kernel addresses (see package mem's
// doc comment on PAddr/VAddr), not addresses the host process backing
// this test binary can dereference. grow still drives vmm.VMM.GrowKernelHeap
// once per page so the rest of the simulated system (frame accounting,
// page-table population) sees the same growth a real boot would, but the
// bytes Alloc's caller actually reads and writes live in the arena.
type Heap struct {
	mu sync.Mutex
	h  hal.HAL

	v     *vmm.VMM
	start mem.VAddr
	end   mem.VAddr // end of the currently mapped (backed) extent
	max   mem.VAddr

	arena []byte
	base  uintptr

	head *segment // first segment in address order
}

// New creates a heap manager over [start, max) without mapping anything
// yet; the first allocation triggers growth.
func New(h hal.HAL, v *vmm.VMM, start, max mem.VAddr) *Heap {
	arena := make([]byte, uint64(max-start))
	return &Heap{
		h:     h,
		v:     v,
		start: start,
		end:   start,
		max:   max,
		arena: arena,
		base:  uintptr(unsafe.Pointer(&arena[0])),
	}
}

// offset converts a symbolic kernel vaddr within [start, max) to its real
// offset into the backing arena.
func (h *Heap) offset(vaddr mem.VAddr) uintptr { return uintptr(vaddr - h.start) }

func (h *Heap) segFromPtr(p uintptr) *segment {
	return (*segment)(unsafe.Pointer(p - segHeaderSize))
}

func segAddr(s *segment) uintptr { return uintptr(unsafe.Pointer(s)) }

func dataPtr(s *segment) unsafe.Pointer {
	return unsafe.Pointer(segAddr(s) + segHeaderSize)
}

// align rounds n up to a pointer-sized boundary.
func align(n uintptr) uintptr {
	const a = unsafe.Alignof(uintptr(0))
	return util.Roundup(n, uintptr(a))
}

// Alloc returns size bytes, or nil if growth failed (out of physical
// memory or the extent hit heap_max). Interrupts are disabled for the
// duration of the operation, per spec.md §4.4's "acquisition disables
// interrupts to avoid deadlock with handlers that allocate".
func (h *Heap) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	state := h.h.SaveInterrupts()
	defer h.h.RestoreInterrupts(state)
	h.mu.Lock()
	defer h.mu.Unlock()

	total := align(size) + segHeaderSize
	total = align(total)

	if s := h.findFit(total); s != nil {
		h.maybeSplit(s, total)
		s.allocated = true
		return dataPtr(s)
	}
	if !h.grow(total) {
		return nil
	}
	s := h.findFit(total)
	if s == nil {
		return nil
	}
	h.maybeSplit(s, total)
	s.allocated = true
	return dataPtr(s)
}

// AllocAligned returns a block of size bytes whose address is a multiple
// of alignment, storing the raw (segment-owning) pointer one pointer-slot
// before the returned address so Free can recover it (spec.md §4.4's
// alloc_aligned).
func (h *Heap) AllocAligned(size, alignment uintptr) unsafe.Pointer {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil
	}
	slot := unsafe.Sizeof(uintptr(0))
	raw := h.Alloc(size + alignment - 1 + slot)
	if raw == nil {
		return nil
	}
	rawAddr := uintptr(raw) + slot
	alignedAddr := (rawAddr + alignment - 1) &^ (alignment - 1)
	*(*uintptr)(unsafe.Pointer(alignedAddr - slot)) = uintptr(raw)
	return unsafe.Pointer(alignedAddr)
}

// FreeAligned releases a block obtained from AllocAligned.
func (h *Heap) FreeAligned(p unsafe.Pointer) {
	if p == nil {
		return
	}
	slot := unsafe.Sizeof(uintptr(0))
	raw := *(*uintptr)(unsafe.Pointer(uintptr(p) - slot))
	h.Free(unsafe.Pointer(raw))
}

// Free releases a block obtained from Alloc, coalescing with free
// neighbors.
func (h *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	state := h.h.SaveInterrupts()
	defer h.h.RestoreInterrupts(state)
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.segFromPtr(uintptr(p))
	if s.tag != magic || !s.allocated {
		panic("heap: corrupted or double-freed block")
	}
	s.allocated = false

	for s.prev != nil && !s.prev.allocated {
		prev := s.prev
		prev.next = s.next
		prev.size += s.size
		if s.next != nil {
			s.next.prev = prev
		}
		s = prev
	}
	for s.next != nil && !s.next.allocated {
		next := s.next
		s.size += next.size
		s.next = next.next
		if next.next != nil {
			next.next.prev = s
		}
	}
}

// findFit walks the free list in address order and returns the first
// segment large enough to satisfy total (spec.md §4.4: "First-fit
// free-list with coalescing on free"), not the tightest-fitting one.
func (h *Heap) findFit(total uintptr) *segment {
	for cur := h.head; cur != nil; cur = cur.next {
		if !cur.allocated && cur.size >= total {
			return cur
		}
	}
	return nil
}

// minSplit is the smallest remainder worth carving into its own free
// segment; smaller remainders are left as internal fragmentation instead
// of producing a segment too small to ever satisfy a future allocation.
const minSplit = 2 * segHeaderSize

func (h *Heap) maybeSplit(s *segment, total uintptr) {
	remainder := s.size - total
	if remainder < minSplit {
		return
	}
	newAddr := segAddr(s) + total
	newSeg := (*segment)(unsafe.Pointer(newAddr))
	*newSeg = segment{
		next:      s.next,
		prev:      s,
		size:      remainder,
		allocated: false,
		tag:       magic,
	}
	if newSeg.next != nil {
		newSeg.next.prev = newSeg
	}
	s.next = newSeg
	s.size = total
}

// grow maps enough fresh pages to satisfy a `need`-byte request, appending
// one big free segment spanning the newly backed range (coalesced with the
// heap's final existing segment if it is free and adjacent).
func (h *Heap) grow(need uintptr) bool {
	delta := mem.VAddr((uint64(need) + mem.PageMask) &^ uint64(mem.PageMask))
	if h.end+delta > h.max {
		return false
	}

	pageCount := uint64(delta) / mem.PageSize
	start := h.end
	for i := uint64(0); i < pageCount; i++ {
		vaddr := start + mem.VAddr(i*mem.PageSize)
		if _, ok := h.v.GrowKernelHeap(vaddr); !ok {
			// Pages already mapped this call are not undone; their frames
			// stay mapped but unused by the heap rather than risk a
			// half-initialized segment header landing on unmapped memory.
			return false
		}
	}
	h.end += delta

	newSeg := (*segment)(unsafe.Pointer(h.base + h.offset(start)))
	*newSeg = segment{size: uintptr(delta), allocated: false, tag: magic}

	if h.head == nil {
		h.head = newSeg
		return true
	}
	tail := h.head
	for tail.next != nil {
		tail = tail.next
	}
	if !tail.allocated && segAddr(tail)+tail.size == h.base+h.offset(start) {
		tail.size += uintptr(delta)
		return true
	}
	tail.next = newSeg
	newSeg.prev = tail
	return true
}

// FreeBytes sums every unallocated segment's size, for diagnostics and
// tests; it is not a fast operation and is not on any allocation path.
func (h *Heap) FreeBytes() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uintptr
	for cur := h.head; cur != nil; cur = cur.next {
		if !cur.allocated {
			total += cur.size
		}
	}
	return total
}
