package vmm

import (
	"testing"

	"eduos/bootinfo"
	"eduos/hal"
	"eduos/hal/testhal"
	"eduos/mem"
)

func newVMM(npages int) (*VMM, *testhal.HAL) {
	info := &bootinfo.Info{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: uint64(npages) * mem.PageSize, Type: bootinfo.Usable},
		},
	}
	pfa := mem.NewPFA(info)
	h := testhal.New(pfa)
	v := New(h, pfa, testhal.KernelBase+0x100000, testhal.KernelBase+0x200000)
	return v, h
}

// Scenario A (spec.md §8): map, query, unmap.
func TestMapQueryUnmapCycle(t *testing.T) {
	v, h := newVMM(4)
	as, err := v.CreateSpace()
	if err != nil {
		t.Fatalf("CreateSpace: %v", err)
	}
	frame := mem.PAddr(0x1000)
	va := mem.VAddr(0x2000)
	if !v.MapPage(as, va, frame, hal.PRESENT|hal.WRITE) {
		t.Fatal("MapPage failed")
	}
	pa, flags, ok := h.Query(as.Handle(), va)
	if !ok || pa != frame || !flags.Has(hal.WRITE) {
		t.Fatalf("unexpected state: %#x %v %v", pa, flags, ok)
	}
}

// Scenario B (spec.md §8): COW clone, then both parent and child fault on
// write and resolve independently.
func TestCloneSpaceCOWAndResolve(t *testing.T) {
	v, h := newVMM(8)
	parent, _ := v.CreateSpace()
	frame := v.pfa.AllocFrame()
	va := mem.VAddr(0x10000)
	v.MapPage(parent, va, frame, hal.PRESENT|hal.WRITE|hal.USER)

	child, err := v.CloneSpaceCOW(parent)
	if err != nil {
		t.Fatalf("CloneSpaceCOW: %v", err)
	}

	_, pflags, _ := h.Query(parent.Handle(), va)
	if pflags.Has(hal.WRITE) || !pflags.Has(hal.COW) {
		t.Fatalf("parent not converted to COW: %v", pflags)
	}
	if v.pfa.GetRefcount(frame) != 2 {
		t.Fatalf("expected refcount 2, got %d", v.pfa.GetRefcount(frame))
	}

	// Child writes first: refcount is 2, so it must get a fresh frame.
	info := hal.PageFaultInfo{VAddr: va, IsWrite: true, IsUser: true}
	if res := v.HandleFault(child, info); res != Handled {
		t.Fatalf("child fault: got %v", res)
	}
	childPA, childFlags, _ := h.Query(child.Handle(), va)
	if childPA == frame || !childFlags.Has(hal.WRITE) || childFlags.Has(hal.COW) {
		t.Fatalf("child COW resolution wrong: pa=%#x flags=%v", childPA, childFlags)
	}
	if v.pfa.GetRefcount(frame) != 1 {
		t.Fatalf("expected parent's frame refcount back to 1, got %d", v.pfa.GetRefcount(frame))
	}

	// Parent now owns the original frame alone: its fault just reclaims
	// WRITE in place.
	if res := v.HandleFault(parent, info); res != Handled {
		t.Fatalf("parent fault: got %v", res)
	}
	parentPA, parentFlags, _ := h.Query(parent.Handle(), va)
	if parentPA != frame || !parentFlags.Has(hal.WRITE) || parentFlags.Has(hal.COW) {
		t.Fatalf("parent COW resolution wrong: pa=%#x flags=%v", parentPA, parentFlags)
	}
	if v.pfa.GetRefcount(frame) != 1 {
		t.Fatalf("expected refcount 1 after both resolved, got %d", v.pfa.GetRefcount(frame))
	}
}

// A COW fault that cannot get a fresh frame because physical memory is
// exhausted must not be silently ignored (which would leave the COW flag
// in place and fault identically forever on retry): it has to come back
// as KillTask for a user fault, matching demandZeroFill's sibling
// exhaustion handling.
func TestCOWFaultKillsTaskWhenFramesExhausted(t *testing.T) {
	v, h := newVMM(1)
	parent, _ := v.CreateSpace()
	frame := v.pfa.AllocFrame()
	va := mem.VAddr(0x10000)
	v.MapPage(parent, va, frame, hal.PRESENT|hal.WRITE|hal.USER)

	child, err := v.CloneSpaceCOW(parent)
	if err != nil {
		t.Fatalf("CloneSpaceCOW: %v", err)
	}
	if v.pfa.GetRefcount(frame) != 2 {
		t.Fatalf("expected refcount 2, got %d", v.pfa.GetRefcount(frame))
	}

	info := hal.PageFaultInfo{VAddr: va, IsWrite: true, IsUser: true}
	if res := v.HandleFault(child, info); res != KillTask {
		t.Fatalf("expected KillTask on frame exhaustion, got %v", res)
	}

	_, flags, _ := h.Query(child.Handle(), va)
	if !flags.Has(hal.COW) {
		t.Fatalf("expected the mapping to remain COW after a failed resolution, got %v", flags)
	}
}

// Scenario C (spec.md §8): demand stack growth for 100 pages, each ending
// up with refcount 1.
func TestDemandStackGrowth(t *testing.T) {
	v, h := newVMM(200)
	as, _ := v.CreateSpace()
	stackTop := mem.VAddr(0x80000000)
	as.Stack = Extent{Start: stackTop - 100*mem.PageSize, End: stackTop}

	for i := 0; i < 100; i++ {
		va := stackTop - mem.VAddr(i+1)*mem.PageSize
		info := hal.PageFaultInfo{VAddr: va, IsWrite: true, IsUser: true, IsPresent: false}
		if res := v.HandleFault(as, info); res != Handled {
			t.Fatalf("page %d: got %v", i, res)
		}
		pa, flags, ok := h.Query(as.Handle(), va)
		if !ok || !flags.Has(hal.WRITE) {
			t.Fatalf("page %d: not mapped writable", i)
		}
		if v.pfa.GetRefcount(pa) != 1 {
			t.Fatalf("page %d: expected refcount 1, got %d", i, v.pfa.GetRefcount(pa))
		}
	}
}

func TestFaultOutsideAnyRegionKillsUserTask(t *testing.T) {
	v, _ := newVMM(4)
	as, _ := v.CreateSpace()
	info := hal.PageFaultInfo{VAddr: 0x99999000, IsUser: true}
	if res := v.HandleFault(as, info); res != KillTask {
		t.Fatalf("got %v, want KillTask", res)
	}
}

func TestFaultOutsideAnyRegionPanicsForKernel(t *testing.T) {
	v, _ := newVMM(4)
	as, _ := v.CreateSpace()
	info := hal.PageFaultInfo{VAddr: 0x99999000, IsUser: false}
	if res := v.HandleFault(as, info); res != Panic {
		t.Fatalf("got %v, want Panic", res)
	}
}

func TestKernelHalfSyncHandled(t *testing.T) {
	v, h := newVMM(4)
	s1, _ := v.CreateSpace()
	s2, _ := v.CreateSpace()

	frame := v.pfa.AllocFrame()
	kva := testhal.KernelBase + 0x1000
	v.MapPage(s1, kva, frame, hal.PRESENT|hal.WRITE)

	info := hal.PageFaultInfo{VAddr: kva, IsUser: false, IsPresent: false}
	if res := v.HandleFault(s2, info); res != Handled {
		t.Fatalf("got %v, want Handled", res)
	}
	pa, _, ok := h.Query(s2.Handle(), kva)
	if !ok || pa != frame {
		t.Fatal("kernel-half sync did not install the mapping")
	}
}

func TestUserAccessIntoKernelHalfKillsTask(t *testing.T) {
	v, _ := newVMM(4)
	as, _ := v.CreateSpace()
	info := hal.PageFaultInfo{VAddr: testhal.KernelBase + 0x1000, IsUser: true}
	if res := v.HandleFault(as, info); res != KillTask {
		t.Fatalf("got %v, want KillTask", res)
	}
}

func TestMapMMIOWindow(t *testing.T) {
	v, h := newVMM(4)
	as, _ := v.CreateSpace()
	h.SwitchSpace(as.Handle())
	va, err := v.MapMMIO(mem.PAddr(0xFEE00000), 0x1000)
	if err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}
	pa, flags, ok := h.Query(h.CurrentSpace(), va)
	if !ok || pa != mem.PAddr(0xFEE00000) || !flags.Has(hal.NOCACHE) {
		t.Fatalf("unexpected mmio mapping: %#x %v %v", pa, flags, ok)
	}
}

func TestDestroySpaceFreesRefcountedFrame(t *testing.T) {
	v, _ := newVMM(8)
	parent, _ := v.CreateSpace()
	frame := v.pfa.AllocFrame()
	va := mem.VAddr(0x5000)
	v.MapPage(parent, va, frame, hal.PRESENT|hal.WRITE)
	child, _ := v.CloneSpaceCOW(parent)

	if err := v.DestroySpace(child); err != nil {
		t.Fatalf("DestroySpace: %v", err)
	}
	if v.pfa.GetRefcount(frame) != 1 {
		t.Fatalf("expected refcount 1, got %d", v.pfa.GetRefcount(frame))
	}
}
