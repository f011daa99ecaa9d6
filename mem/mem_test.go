package mem

import (
	"bytes"
	"strings"
	"testing"

	"eduos/bootinfo"
	"eduos/kfmt"
)

func newTestPFA(npages int) *PFA {
	info := &bootinfo.Info{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: uint64(npages) * PageSize, Type: bootinfo.Usable},
		},
	}
	return NewPFA(info)
}

func TestAllocFreeCycle(t *testing.T) {
	p := newTestPFA(4)
	f := p.AllocFrame()
	if f == Invalid {
		t.Fatal("expected a frame")
	}
	if !f.PageAligned() {
		t.Fatal("frame must be page-aligned")
	}
	if p.GetRefcount(f) != 1 {
		t.Fatalf("expected refcount 1, got %d", p.GetRefcount(f))
	}
	p.FreeFrame(f)
	if p.GetRefcount(f) != 0 {
		t.Fatalf("expected refcount 0 after free, got %d", p.GetRefcount(f))
	}
}

func TestExhaustion(t *testing.T) {
	p := newTestPFA(2)
	a := p.AllocFrame()
	b := p.AllocFrame()
	if a == Invalid || b == Invalid {
		t.Fatal("expected two frames")
	}
	if got := p.AllocFrame(); got != Invalid {
		t.Fatalf("expected exhaustion, got %v", got)
	}
}

func TestRefcountSharing(t *testing.T) {
	p := newTestPFA(1)
	f := p.AllocFrame()
	if p.RefInc(f) != 2 {
		t.Fatal("expected refcount 2")
	}
	p.FreeFrame(f) // decrements to 1, does not free
	if p.GetRefcount(f) != 1 {
		t.Fatalf("expected refcount 1, got %d", p.GetRefcount(f))
	}
	if p.AllocFrame() != Invalid {
		t.Fatal("frame with refcount 1 must not be reallocated")
	}
	p.FreeFrame(f) // decrements to 0, frees
	if p.GetRefcount(f) != 0 {
		t.Fatal("expected refcount 0")
	}
	if p.AllocFrame() == Invalid {
		t.Fatal("expected frame to be reusable after last ref dropped")
	}
}

func TestGetRefcountInvalid(t *testing.T) {
	p := newTestPFA(1)
	if p.GetRefcount(Invalid) != 0 {
		t.Fatal("GetRefcount(Invalid) must be 0")
	}
}

func TestReservedRegionsNeverAllocated(t *testing.T) {
	info := &bootinfo.Info{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: PageSize, Type: bootinfo.Kernel},
			{Base: PageSize, Length: PageSize, Type: bootinfo.Usable},
		},
	}
	p := NewPFA(info)
	if p.FreeCount() != 1 {
		t.Fatalf("expected exactly 1 free frame, got %d", p.FreeCount())
	}
	f := p.AllocFrame()
	if f != PAddr(PageSize) {
		t.Fatalf("expected the usable frame at %#x, got %#x", PageSize, f)
	}
}

func TestDoubleFreeIsNotCrash(t *testing.T) {
	p := newTestPFA(1)
	f := p.AllocFrame()
	p.FreeFrame(f)
	p.FreeFrame(f) // must not panic or underflow
	if p.GetRefcount(f) != 0 {
		t.Fatal("double free must not corrupt refcount")
	}
}

func TestDoubleFreeIsLogged(t *testing.T) {
	var out bytes.Buffer
	kfmt.SetConsole(&out)
	defer kfmt.SetConsole(nil)

	p := newTestPFA(1)
	f := p.AllocFrame()
	p.FreeFrame(f)
	p.FreeFrame(f)

	if !strings.Contains(out.String(), "double free") {
		t.Fatalf("expected a logged double-free bug, got %q", out.String())
	}
}
