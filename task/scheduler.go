package task

import (
	"sort"
	"sync"

	"eduos/bounds"
	"eduos/defs"
	"eduos/res"
	"eduos/ustr"
	"eduos/vmm"
)

// ErrNoTask is returned by Alloc when the pool is exhausted (spec.md
// §4.5's "task_alloc returns INVALID").
var ErrNoTask = poolError("task pool exhausted")

type poolError string

func (e poolError) Error() string { return string(e) }

// Scheduler owns the fixed-capacity task pool, the ready queue, the wait
// sets, and the sleep list. One Scheduler exists per booted kernel.
type Scheduler struct {
	mu sync.Mutex

	pool    []*Task
	ready   []*Task
	current *Task
	nextArr uint64

	vmm *vmm.VMM

	// nowNs is a monotonic nanosecond clock this package's caller (irq's
	// timer binding) advances via Tick; tests drive it directly.
	nowNs int64
}

// NewScheduler allocates a pool of the given fixed capacity, all slots
// Unused (spec.md §3's "task_alloc scans for an Unused slot").
func NewScheduler(capacity int, v *vmm.VMM) *Scheduler {
	pool := make([]*Task, capacity)
	for i := range pool {
		pool[i] = &Task{Pid: defs.Pid_t(i + 1), State: Unused}
	}
	return &Scheduler{pool: pool, vmm: v}
}

// alloc scans for an Unused slot and claims it, returning nil if the pool
// is full. Must be called with s.mu held.
func (s *Scheduler) alloc(name ustr.Ustr, priority int) *Task {
	for _, t := range s.pool {
		t.mu.Lock()
		if t.State == Unused {
			t.Name = name
			t.Priority = priority
			t.TimeSliceRemaining = defaultTimeSlice
			t.State = Ready
			t.ExitCode = 0
			t.Killed = false
			t.Isdoomed = false
			t.WaitChannel = nil
			t.SleepUntil = 0
			t.Parent = 0
			t.ParentGen = 0
			t.Generation++
			t.arrival = s.nextArr
			s.nextArr++
			t.mu.Unlock()
			return t
		}
		t.mu.Unlock()
	}
	return nil
}

const defaultTimeSlice = 10

// KernelThreadCreate allocates a TCB for a kernel-only task (spec.md
// §4.5's kernel_thread_create). entry is carried in Context for whatever
// arch-specific trampoline primes the kernel stack; this package does not
// interpret it.
func (s *Scheduler) KernelThreadCreate(name string, entry any, stack StackRegion) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.alloc(ustr.Ustr(name), 0)
	if t == nil {
		return nil, ErrNoTask
	}
	t.mu.Lock()
	t.Context = entry
	t.KernelStack = stack
	t.mu.Unlock()
	s.enqueueReady(t)
	return t, nil
}

// UserProcessCreate allocates a TCB for a user process with an already-
// populated address space (spec.md §4.5's user_process_create).
func (s *Scheduler) UserProcessCreate(name string, entry uint64, as *vmm.AddrSpace, kstack, ustack StackRegion, heap, stack vmm.Extent) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.alloc(ustr.Ustr(name), 0)
	if t == nil {
		return nil, ErrNoTask
	}
	t.mu.Lock()
	t.UserEntry = entry
	t.AddrSpace = as
	t.KernelStack = kstack
	t.UserStack = ustack
	as.Heap = heap
	as.Stack = stack
	t.mu.Unlock()
	s.enqueueReady(t)
	return t, nil
}

// enqueueReady appends t to the ready queue. Must be called with s.mu held;
// t must not currently be in the queue.
func (s *Scheduler) enqueueReady(t *Task) {
	s.ready = append(s.ready, t)
}

// Schedule implements spec.md §4.5's scheduler entry point: pick the
// highest-priority Ready task, among equals the longest-waiting; if that
// is the current task and it still has time slice, keep running it.
// Otherwise requeue the current task (if still Running) with a fresh time
// slice and switch. Returns the task that should now be Running, or nil if
// nothing is runnable.
func (s *Scheduler) Schedule() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ready) == 0 {
		if s.current != nil {
			s.current.mu.Lock()
			stillRunning := s.current.State == Running
			s.current.mu.Unlock()
			if stillRunning {
				return s.current
			}
		}
		return nil
	}

	sort.SliceStable(s.ready, func(i, j int) bool {
		a, b := s.ready[i], s.ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.arrival < b.arrival
	})
	best := s.ready[0]

	if s.current != nil {
		s.current.mu.Lock()
		curState := s.current.State
		curSlice := s.current.TimeSliceRemaining
		curPrio := s.current.Priority
		s.current.mu.Unlock()
		if curState == Running && curSlice > 0 && curPrio >= best.Priority {
			return s.current
		}
	}

	s.ready = s.ready[1:]
	if s.current != nil {
		s.current.mu.Lock()
		if s.current.State == Running {
			s.current.TimeSliceRemaining = defaultTimeSlice
			s.current.arrival = s.nextArr
			s.nextArr++
			s.current.State = Ready
			prev := s.current
			s.current.mu.Unlock()
			s.ready = append(s.ready, prev)
		} else {
			s.current.mu.Unlock()
		}
	}

	best.mu.Lock()
	best.State = Running
	best.mu.Unlock()
	s.current = best
	return best
}

// CurrentTask returns the Running task, or nil if the CPU is idle.
func (s *Scheduler) CurrentTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Yield voluntarily gives up the remainder of the current task's time
// slice and reschedules.
func (s *Scheduler) Yield() *Task {
	s.mu.Lock()
	if s.current != nil {
		s.current.mu.Lock()
		s.current.TimeSliceRemaining = 0
		s.current.mu.Unlock()
	}
	s.mu.Unlock()
	return s.Schedule()
}

// Sleep blocks the current task until now+ms has elapsed (spec.md §4.5's
// sleep(ms)).
func (s *Scheduler) Sleep(ms int64) *Task {
	s.mu.Lock()
	if s.current != nil {
		s.current.mu.Lock()
		s.current.State = Blocked
		s.current.SleepUntil = s.nowNs + ms*1_000_000
		s.current.mu.Unlock()
		s.current = nil
	}
	s.mu.Unlock()
	return s.Schedule()
}

// Block puts the current task to sleep on channel until a matching Wakeup
// (spec.md §4.5's block(channel)).
func (s *Scheduler) Block(channel any) *Task {
	s.mu.Lock()
	if s.current != nil {
		s.current.mu.Lock()
		s.current.State = Blocked
		s.current.WaitChannel = channel
		s.current.mu.Unlock()
		s.current = nil
	}
	s.mu.Unlock()
	return s.Schedule()
}

// Wakeup moves every Blocked task waiting on channel back to Ready
// (broadcast semantics, spec.md §4.5/§4.C5 Open Question resolution).
func (s *Scheduler) Wakeup(channel any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.pool {
		t.mu.Lock()
		if t.State == Blocked && t.WaitChannel != nil && t.WaitChannel == channel {
			t.State = Ready
			t.WaitChannel = nil
			t.arrival = s.nextArr
			s.nextArr++
			s.ready = append(s.ready, t)
		}
		t.mu.Unlock()
	}
}

// Tick implements spec.md §4.5's timer-tick handler: advances the clock,
// accounts runtime against the current task, decrements its time slice,
// and wakes any sleeper whose deadline has passed. It returns true if a
// reschedule should happen (time slice exhausted, or a sleeper became
// Ready at a priority that preempts the current task or while no task is
// current).
func (s *Scheduler) Tick(deltaNs int64) bool {
	s.mu.Lock()
	s.nowNs += deltaNs

	needResched := false
	haveCur, curPrio := false, 0
	if s.current != nil {
		s.current.mu.Lock()
		s.current.Accnt.Utadd(deltaNs)
		s.current.TimeSliceRemaining--
		if s.current.TimeSliceRemaining <= 0 {
			needResched = true
		}
		haveCur, curPrio = true, s.current.Priority
		s.current.mu.Unlock()
	}

	var woken []*Task
	for _, t := range s.pool {
		t.mu.Lock()
		if t.State == Blocked && t.SleepUntil != 0 && s.nowNs >= t.SleepUntil {
			t.State = Ready
			t.SleepUntil = 0
			t.arrival = s.nextArr
			s.nextArr++
			woken = append(woken, t)
			if !haveCur || t.Priority > curPrio {
				needResched = true
			}
		}
		t.mu.Unlock()
	}
	s.ready = append(s.ready, woken...)
	s.mu.Unlock()
	return needResched
}

// Fork implements spec.md §4.5's fork: allocate a TCB, clone the parent's
// address space copy-on-write, and mark the child Ready. The caller (the
// syscall layer) is responsible for the kernel-stack duplication needed so
// the child resumes from the same trap frame with return value 0; this
// package only owns the TCB/address-space/scheduling side.
func (s *Scheduler) Fork(parent *Task) (*Task, error) {
	if !res.Resadd_noblock(bounds.B_TASK_FORK) {
		return nil, vmmErrAsTaskErr(defs.ENOHEAP)
	}

	parent.mu.Lock()
	parentAS := parent.AddrSpace
	parentKStack := parent.KernelStack
	parent.mu.Unlock()

	childAS, err := s.vmm.CloneSpaceCOW(parentAS)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	child := s.alloc(parent.Name, parent.Priority)
	if child == nil {
		s.mu.Unlock()
		_ = s.vmm.DestroySpace(childAS)
		return nil, ErrNoTask
	}
	child.mu.Lock()
	child.AddrSpace = childAS
	child.KernelStack = parentKStack
	child.Parent = parent.Pid
	child.ParentGen = parent.Generation
	child.mu.Unlock()
	s.enqueueReady(child)
	s.mu.Unlock()
	return child, nil
}

// Exit implements spec.md §4.5's exit(code): mark Zombie, record the code,
// wake anyone waiting on this task (its own pointer is the waitpid
// channel, matching the "opaque pointer used as an equality key"
// description in spec.md §3).
func (s *Scheduler) Exit(t *Task, code int) {
	t.mu.Lock()
	t.State = Zombie
	t.ExitCode = code
	t.mu.Unlock()

	s.mu.Lock()
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()

	s.Wakeup(t)
}

// Waitpid reaps an exited child: it looks for a Zombie child of parent
// matching pid (0 = any child), reaps it (free the TCB and address space,
// transition to Unused) and returns it; the returned Task keeps the child's
// ExitCode until its slot is allocated again. It does not block: if no
// matching child is Zombie yet, it returns (nil, false) at once.
func (s *Scheduler) Waitpid(parent *Task, pid defs.Pid_t) (*Task, bool) {
	s.mu.Lock()
	var zombie *Task
	for _, t := range s.pool {
		t.mu.Lock()
		if t.State == Zombie && t.Parent == parent.Pid && t.ParentGen == parent.Generation && (pid == 0 || t.Pid == pid) {
			zombie = t
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()
	if zombie == nil {
		return nil, false
	}
	s.reap(zombie)
	return zombie, true
}

func (s *Scheduler) reap(t *Task) {
	t.mu.Lock()
	as := t.AddrSpace
	t.mu.Unlock()
	if as != nil {
		_ = s.vmm.DestroySpace(as)
	}
	t.mu.Lock()
	t.Name = nil
	t.State = Unused
	t.Priority = 0
	t.TimeSliceRemaining = 0
	t.Context = nil
	t.KernelStack = StackRegion{}
	t.UserStack = StackRegion{}
	t.UserEntry = 0
	t.AddrSpace = nil
	t.WaitChannel = nil
	t.SleepUntil = 0
	t.Parent = 0
	t.ParentGen = 0
	t.Fdtable = nil
	t.Cwd = nil
	t.arrival = 0
	t.Killed = false
	t.Isdoomed = false
	t.Accnt.Userns = 0
	t.Accnt.Sysns = 0
	t.mu.Unlock()
}

func vmmErrAsTaskErr(e defs.Err_t) error { return taskErr(e) }

type taskErr defs.Err_t

func (e taskErr) Error() string { return defs.Err_t(e).String() }
