// Package bootinfo defines the normalized boot-time handoff record the core
// consumes (spec.md §6). Arch-specific boot code (outside this module's
// scope) fills an Info value from whatever native protocol — multiboot2,
// a devicetree blob, UEFI tables — delivered it; the core never parses
// those protocols itself.
package bootinfo

// RegionType classifies a memory-map entry.
type RegionType int

const (
	Usable RegionType = iota
	Reserved
	AcpiReclaimable
	AcpiNvs
	Bad
	Kernel
	Bootloader
)

func (t RegionType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case AcpiReclaimable:
		return "acpi-reclaimable"
	case AcpiNvs:
		return "acpi-nvs"
	case Bad:
		return "bad"
	case Kernel:
		return "kernel"
	case Bootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes one physical-address range and its purpose.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// End returns the address one past the end of the entry.
func (e MemoryMapEntry) End() uint64 {
	return e.Base + e.Length
}

// Framebuffer describes an optional linear framebuffer handed off by the
// bootloader. Width/Height/Pitch are in pixels/bytes as appropriate; BPP is
// bits per pixel. A zero value means no framebuffer was provided.
type Framebuffer struct {
	PhysBase      uint64
	Width, Height uint32
	Pitch         uint32
	BPP           uint8
}

// Present reports whether a framebuffer descriptor was supplied.
func (f Framebuffer) Present() bool {
	return f.PhysBase != 0
}

// Info is the normalized boot-time handoff record.
type Info struct {
	// TotalUsableBytes is the sum of all Usable memory-map entries.
	TotalUsableBytes uint64
	MemoryMap        []MemoryMapEntry
	// CommandLine is the kernel command line, verbatim, as supplied by the
	// bootloader. It is untrusted, arbitrary-encoding text.
	CommandLine string
	Framebuffer Framebuffer
	// ArchTables is an opaque arch-specific pointer (e.g. the physical
	// address of the ACPI RSDP, or a devicetree blob) that only the
	// arch-specific boot code and HAL backend interpret.
	ArchTables uint64
}

// ComputeUsable recomputes TotalUsableBytes from MemoryMap. Arch boot code
// may call this after populating MemoryMap by hand instead of tracking the
// running total itself.
func (i *Info) ComputeUsable() {
	var total uint64
	for _, e := range i.MemoryMap {
		if e.Type == Usable {
			total += e.Length
		}
	}
	i.TotalUsableBytes = total
}
