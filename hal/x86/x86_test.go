package x86

import (
	"testing"

	"eduos/bootinfo"
	"eduos/hal"
	"eduos/mem"
)

func newBackend(npages int) (*Backend, *mem.PFA) {
	info := &bootinfo.Info{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: uint64(npages) * mem.PageSize, Type: bootinfo.Usable},
		},
	}
	pfa := mem.NewPFA(info)
	return New(pfa), pfa
}

// Scenario A (spec.md §8): map, query, unmap.
func TestMapQueryUnmapCycle(t *testing.T) {
	b, pfa := newBackend(8)
	space := b.CreateSpace()
	if space == hal.InvalidSpace {
		t.Fatal("CreateSpace failed")
	}

	frame := pfa.AllocFrame()
	va := mem.VAddr(0x1000)
	if !b.Map(space, va, frame, hal.PRESENT|hal.WRITE|hal.USER) {
		t.Fatal("Map failed")
	}

	pa, flags, ok := b.Query(space, va)
	if !ok || pa != frame {
		t.Fatalf("Query mismatch: pa=%#x ok=%v", pa, ok)
	}
	if !flags.Has(hal.WRITE) || !flags.Has(hal.USER) {
		t.Fatalf("unexpected flags: %v", flags)
	}

	old := b.Unmap(space, va)
	if old != frame {
		t.Fatalf("Unmap returned %#x, want %#x", old, frame)
	}
	if _, _, ok := b.Query(space, va); ok {
		t.Fatal("expected no mapping after unmap")
	}
}

func TestPTERoundTripPreservesFlags(t *testing.T) {
	b, pfa := newBackend(4)
	space := b.CreateSpace()
	frame := pfa.AllocFrame()
	va := mem.VAddr(0x2000)

	want := hal.PRESENT | hal.EXEC | hal.NOCACHE
	if !b.Map(space, va, frame, want) {
		t.Fatal("Map failed")
	}
	_, got, ok := b.Query(space, va)
	if !ok || got != want {
		t.Fatalf("got flags %v, want %v", got, want)
	}
}

func TestAddressSpaceIsolation(t *testing.T) {
	b, pfa := newBackend(8)
	s1 := b.CreateSpace()
	s2 := b.CreateSpace()
	frame := pfa.AllocFrame()
	va := mem.VAddr(0x3000)

	if !b.Map(s1, va, frame, hal.PRESENT|hal.WRITE) {
		t.Fatal("Map into s1 failed")
	}
	if _, _, ok := b.Query(s2, va); ok {
		t.Fatal("s2 must not see s1's user-half mapping")
	}
}

func TestCloneSpaceCOW(t *testing.T) {
	b, pfa := newBackend(8)
	parent := b.CreateSpace()
	frame := pfa.AllocFrame()
	va := mem.VAddr(0x4000)
	b.Map(parent, va, frame, hal.PRESENT|hal.WRITE|hal.USER)

	child := b.CloneSpace(parent)
	if child == hal.InvalidSpace {
		t.Fatal("CloneSpace failed")
	}

	ppa, pflags, ok := b.Query(parent, va)
	if !ok || ppa != frame || pflags.Has(hal.WRITE) || !pflags.Has(hal.COW) {
		t.Fatalf("parent mapping not converted to COW: %v %v", ppa, pflags)
	}
	cpa, cflags, ok := b.Query(child, va)
	if !ok || cpa != frame || cflags.Has(hal.WRITE) || !cflags.Has(hal.COW) {
		t.Fatalf("child mapping wrong: %v %v", cpa, cflags)
	}
	if pfa.GetRefcount(frame) != 2 {
		t.Fatalf("expected refcount 2 after clone, got %d", pfa.GetRefcount(frame))
	}
}

func TestKernelHalfSharedAcrossSpaces(t *testing.T) {
	b, pfa := newBackend(8)
	s1 := b.CreateSpace()
	frame := pfa.AllocFrame()
	kva := KernelBase + 0x1000

	if !b.Map(s1, kva, frame, hal.PRESENT|hal.WRITE) {
		t.Fatal("kernel-half Map failed")
	}

	s2 := b.CreateSpace()
	pa, _, ok := b.Query(s2, kva)
	if !ok || pa != frame {
		t.Fatal("kernel-half mapping must be visible to spaces created afterward")
	}
}

func TestSyncKernelMappingPicksUpLateEntries(t *testing.T) {
	b, pfa := newBackend(8)
	s1 := b.CreateSpace()
	// s2 created before the kernel-half mapping exists.
	s2 := b.CreateSpace()

	frame := pfa.AllocFrame()
	kva := KernelBase + 0x5000
	if !b.Map(s1, kva, frame, hal.PRESENT|hal.WRITE) {
		t.Fatal("Map failed")
	}

	if _, _, ok := b.Query(s2, kva); ok {
		t.Fatal("s2 should not see the late kernel mapping yet")
	}
	if !b.SyncKernelMapping(s2, kva) {
		t.Fatal("SyncKernelMapping should report an installed entry")
	}
	pa, _, ok := b.Query(s2, kva)
	if !ok || pa != frame {
		t.Fatal("s2 should see the mapping after sync")
	}
}

func TestParseFaultDelegatesToX86Decoder(t *testing.T) {
	b, _ := newBackend(1)
	info := b.ParseFault(0b00111, 0xBFFFF000)
	if !info.IsPresent || !info.IsWrite || !info.IsUser || info.IsExec {
		t.Fatalf("unexpected decode: %+v", info)
	}
}

func TestInterruptHandlerRegistration(t *testing.T) {
	b, _ := newBackend(1)
	fired := false
	if err := b.RegisterHandler(14, func(vector int, ctx any) {
		fired = true
		if vector != 14 {
			t.Fatalf("unexpected vector %d", vector)
		}
	}, nil); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	if !b.Fire(14) {
		t.Fatal("Fire reported no handler")
	}
	if !fired {
		t.Fatal("handler did not run")
	}
	if err := b.UnregisterHandler(14); err != nil {
		t.Fatalf("UnregisterHandler failed: %v", err)
	}
	if b.Fire(14) {
		t.Fatal("expected no handler after unregister")
	}
}

func TestSaveRestoreInterrupts(t *testing.T) {
	b, _ := newBackend(1)
	b.EnableInterrupts()
	state := b.SaveInterrupts()
	if b.irqEnabled {
		t.Fatal("SaveInterrupts must disable interrupts")
	}
	b.RestoreInterrupts(state)
	if !b.irqEnabled {
		t.Fatal("RestoreInterrupts must restore prior state")
	}
}

func TestDestroySpaceRefusesActive(t *testing.T) {
	b, _ := newBackend(1)
	space := b.CreateSpace()
	b.SwitchSpace(space)
	if err := b.DestroySpace(space); err == nil {
		t.Fatal("expected error destroying the active space")
	}
}

func TestDestroySpaceFreesRefcountedFrames(t *testing.T) {
	b, pfa := newBackend(8)
	parent := b.CreateSpace()
	frame := pfa.AllocFrame()
	va := mem.VAddr(0x6000)
	b.Map(parent, va, frame, hal.PRESENT|hal.WRITE)
	child := b.CloneSpace(parent)

	if err := b.DestroySpace(child); err != nil {
		t.Fatalf("DestroySpace failed: %v", err)
	}
	if pfa.GetRefcount(frame) != 1 {
		t.Fatalf("expected refcount 1 after destroying child, got %d", pfa.GetRefcount(frame))
	}
}

func TestCapabilitiesReflectArchitecture(t *testing.T) {
	b, _ := newBackend(1)
	caps := b.Capabilities()
	if caps.VirtAddrBits != 32 || caps.PhysAddrBits != 32 || caps.PageTableLevels != 2 {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
	if !caps.DMACoherent {
		t.Fatal("x86-like backend must report coherent DMA")
	}
}
