// Package bounds enumerates admission-control checkpoints: named spots in
// the kernel where an operation may recurse or loop enough to exhaust the
// kernel heap (e.g. copying an arbitrarily long user buffer one page at a
// time). Package res consumes these identifiers to decide whether to keep
// going.
package bounds

// Bounds names an admission-control checkpoint.
type Bounds int

const (
	// B_USERBUF_TX is the checkpoint for copying a user buffer into or out
	// of kernel memory, one per page copied. No copy loop in this module
	// passes it to res.
	B_USERBUF_TX Bounds = iota
	// B_VMM_HANDLEFAULT guards a single page-fault resolution.
	B_VMM_HANDLEFAULT
	// B_HEAP_GROW guards a single kernel-heap growth request.
	B_HEAP_GROW
	// B_TASK_FORK guards one fork: Scheduler.Fork admits the whole
	// copy-on-write address-space clone with a single checkpoint, not one
	// per page.
	B_TASK_FORK

	boundsCount
)

// String names a checkpoint for diagnostics.
func (b Bounds) String() string {
	names := [...]string{
		"userbuf.tx",
		"vmm.handlefault",
		"heap.grow",
		"task.fork",
	}
	if int(b) < 0 || int(b) >= len(names) {
		return "bounds.unknown"
	}
	return names[b]
}
