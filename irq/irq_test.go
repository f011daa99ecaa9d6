package irq

import (
	"testing"

	"eduos/bootinfo"
	"eduos/hal"
	"eduos/hal/testhal"
	"eduos/mem"
	"eduos/task"
	"eduos/vmm"
)

const timerVector = 32

func newRouter(t *testing.T) (*Router, *testhal.HAL, *task.Scheduler, *vmm.VMM) {
	info := &bootinfo.Info{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0, Length: 4096 * mem.PageSize, Type: bootinfo.Usable},
		},
	}
	pfa := mem.NewPFA(info)
	h := testhal.New(pfa)
	v := vmm.New(h, pfa, testhal.KernelBase+0x800000, testhal.KernelBase+0x900000)
	sch := task.NewScheduler(8, v)

	var lastDispatch struct {
		num  uint16
		args [6]uint64
	}
	dispatch := func(tk *task.Task, num uint16, args [6]uint64) int64 {
		lastDispatch.num = num
		lastDispatch.args = args
		if num == 0xffff {
			return -1
		}
		return 0
	}
	r := New(h, v, sch, timerVector, dispatch)
	return r, h, sch, v
}

func TestTimerTickCallsSchedulerAndEOI(t *testing.T) {
	r, h, sch, _ := newRouter(t)
	_, _ = sch.KernelThreadCreate("idle", nil, task.StackRegion{})
	sch.Schedule()

	if !h.Fire(timerVector) {
		t.Fatal("expected timer vector to have a registered handler")
	}
	if h.EOICount[timerVector] != 1 {
		t.Fatalf("expected one EOI, got %d", h.EOICount[timerVector])
	}
	if r.Ticks != 1 {
		t.Fatalf("expected Ticks incremented, got %d", r.Ticks)
	}
}

func TestFaultResolvesDemandPage(t *testing.T) {
	r, h, sch, v := newRouter(t)
	as, err := v.CreateSpace()
	if err != nil {
		t.Fatal(err)
	}
	h.SwitchSpace(as.Handle())
	as.Heap = vmm.Extent{Start: testhal.KernelBase - 0x10000, End: testhal.KernelBase - 0x1000}

	tk, err := sch.UserProcessCreate("u", 0, as, task.StackRegion{}, task.StackRegion{}, as.Heap, vmm.Extent{})
	if err != nil {
		t.Fatal(err)
	}
	sch.Schedule()
	if sch.CurrentTask() != tk {
		t.Fatal("expected the user task to be current")
	}

	h.FaultDecoder = func(raw uint64, aux ...uint64) hal.PageFaultInfo {
		return hal.PageFaultInfo{VAddr: mem.VAddr(raw), IsUser: true, IsWrite: true}
	}
	r.Fault(0, uint64(as.Heap.Start))

	if tk.State == task.Zombie {
		t.Fatal("demand page fault inside the heap extent should not kill the task")
	}
	if h.HaltCount != 0 {
		t.Fatalf("a recoverable fault must not halt the machine, got HaltCount=%d", h.HaltCount)
	}
}

func TestFaultOutsideAnyRegionKillsTask(t *testing.T) {
	r, h, sch, v := newRouter(t)
	as, _ := v.CreateSpace()
	h.SwitchSpace(as.Handle())
	tk, _ := sch.UserProcessCreate("u", 0, as, task.StackRegion{}, task.StackRegion{}, vmm.Extent{}, vmm.Extent{})
	sch.Schedule()

	h.FaultDecoder = func(raw uint64, aux ...uint64) hal.PageFaultInfo {
		return hal.PageFaultInfo{VAddr: mem.VAddr(raw), IsUser: true}
	}
	r.Fault(0, uint64(testhal.KernelBase-0x99999))

	if tk.State != task.Zombie {
		t.Fatalf("expected task killed (Zombie), got %v", tk.State)
	}
	if tk.ExitCode != KilledExitCode {
		t.Fatalf("expected exit code %d, got %d", KilledExitCode, tk.ExitCode)
	}
	if h.HaltCount != 0 {
		t.Fatalf("killing the offending task must not halt the machine, got HaltCount=%d", h.HaltCount)
	}
}

func TestFaultWithNoCurrentTaskHaltsAndDisassembles(t *testing.T) {
	r, h, _, _ := newRouter(t)

	h.FaultDecoder = func(raw uint64, aux ...uint64) hal.PageFaultInfo {
		return hal.PageFaultInfo{VAddr: mem.VAddr(raw)}
	}

	var gotPC uint64
	var gotN int
	// 0x90 is a valid 32-bit x86 NOP; testhal advertises VirtAddrBits 64
	// (arm64-like), so this also exercises the ARM64 disassembler falling
	// back gracefully on bytes it cannot decode (DumpARM64 simply stops).
	r.SetCodeReader(func(pc uint64, n int) []byte {
		gotPC, gotN = pc, n
		return []byte{0x90, 0x90}
	})

	r.Fault(0x1000, 0x2000)

	if h.HaltCount != 1 {
		t.Fatalf("expected the machine halted exactly once, got HaltCount=%d", h.HaltCount)
	}
	if gotPC != 0x1000 || gotN == 0 {
		t.Fatalf("expected the code reader invoked with the faulting pc, got pc=%#x n=%d", gotPC, gotN)
	}
}

func TestSyscallDispatchesToHandler(t *testing.T) {
	r, h, sch, v := newRouter(t)
	as, _ := v.CreateSpace()
	h.SwitchSpace(as.Handle())
	_, _ = sch.UserProcessCreate("u", 0, as, task.StackRegion{}, task.StackRegion{}, vmm.Extent{}, vmm.Extent{})
	sch.Schedule()

	if got := r.Syscall(1, [6]uint64{}); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := r.Syscall(0xffff, [6]uint64{}); got != -1 {
		t.Fatalf("expected -1 for unknown syscall, got %d", got)
	}
}

func TestSyscallWithNoCurrentTask(t *testing.T) {
	r, _, _, _ := newRouter(t)
	if got := r.Syscall(1, [6]uint64{}); got != -1 {
		t.Fatalf("expected -1 with no current task, got %d", got)
	}
}
