package kernel

// Sentinel errors shared by the memory and scheduling subsystems. They are
// declared as package-level values rather than constructed with errors.New
// so that raising them never requires the Go allocator, which is not
// available until the kernel heap has been brought up.
var (
	// ErrOutOfMemory is returned when the PMM has no block at or above
	// the requested order, or the heap cannot back another page.
	ErrOutOfMemory = &Error{Module: "mem", Message: "out of memory"}

	// ErrInvalidArgument is returned for a misaligned size/address or an
	// out-of-range page order passed to the PMM, heap or VMM.
	ErrInvalidArgument = &Error{Module: "mem", Message: "invalid argument"}

	// ErrUnmapped is returned when translating or unmapping a VA that has
	// no backing page-table entry.
	ErrUnmapped = &Error{Module: "vmm", Message: "address not mapped"}

	// ErrCorruption indicates a heap header magic mismatch or a buddy
	// parent/child inconsistency. It is always fatal.
	ErrCorruption = &Error{Module: "mem", Message: "memory corruption detected"}

	// ErrNoSuchThread is returned by debugger lookups for an unknown tid.
	ErrNoSuchThread = &Error{Module: "sched", Message: "no such thread"}

	// ErrNoSuchProcess is returned by debugger lookups for an unknown pid.
	ErrNoSuchProcess = &Error{Module: "sched", Message: "no such process"}

	// ErrBadBootInfo is returned when the loader-provided BootInfo cannot
	// be trusted: no XSDP, or more than 256 memory-map runs.
	ErrBadBootInfo = &Error{Module: "boot", Message: "invalid boot info"}

	// ErrAPBootTimeout is returned when an application processor does not
	// signal readiness within kernel/smp's INIT-SIPI-SIPI timeout.
	ErrAPBootTimeout = &Error{Module: "smp", Message: "application processor failed to come up"}

	// ErrNoFreeAPSlot is returned when the MADT reports more processors
	// than kernel/sched has per-CPU slots for.
	ErrNoFreeAPSlot = &Error{Module: "smp", Message: "no free per-CPU slot for application processor"}
)
