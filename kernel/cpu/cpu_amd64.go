// Package cpu exposes the x86-64 intrinsics the rest of the kernel needs:
// port I/O, control/model-specific registers, the TSC, interrupt gating and
// page-table switching. Every exported function here is declared without a
// Go body; the actual instructions live in cpu_amd64.s.
package cpu

// EnableInterrupts enables interrupt handling (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (cli).
func DisableInterrupts()

// InterruptsEnabled reports whether RFLAGS.IF is currently set.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt (hlt).
func Halt()

// Pause emits a `pause` instruction, hinting the core that it is in a
// spin-wait loop.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory (CR3) to point to the
// specified physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (the contents of CR3 with the flag bits masked off).
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// ReadCR4 returns the current value of CR4.
func ReadCR4() uint64

// WriteCR4 writes a new value to CR4.
func WriteCR4(val uint64)

// OutB writes a byte to the given I/O port.
func OutB(port uint16, val uint8)

// InB reads a byte from the given I/O port.
func InB(port uint16) uint8

// OutW writes a 16-bit word to the given I/O port.
func OutW(port uint16, val uint16)

// InW reads a 16-bit word from the given I/O port.
func InW(port uint16) uint16

// OutL writes a 32-bit dword to the given I/O port.
func OutL(port uint16, val uint32)

// InL reads a 32-bit dword from the given I/O port.
func InL(port uint16) uint32

// RDTSC returns the current value of the time-stamp counter.
func RDTSC() uint64

// RDMSR reads the model-specific register identified by ecx.
func RDMSR(ecx uint32) uint64

// WRMSR writes val to the model-specific register identified by ecx.
func WRMSR(ecx uint32, val uint64)

// CPUID executes the cpuid instruction for the given leaf/subleaf and
// returns eax, ebx, ecx, edx.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// LoadGDT loads a new GDT descriptor (limit:base packed as the CPU expects)
// and reloads DS, ES, SS, FS and GS with dataSel. CS is not reloaded;
// codeSel is read but not used.
func LoadGDT(gdtPtr uintptr, codeSel, dataSel uint16)

// LoadTSS loads the task register with the given TSS selector (ltr).
func LoadTSS(tssSel uint16)

// LoadIDT loads a new IDT descriptor.
func LoadIDT(idtPtr uintptr)

// TriggerYield executes `int $0x81`, the software interrupt kernel/sched
// uses to fold a voluntary yield into the same context-switch path a timer
// preemption takes.
func TriggerYield()

// CurrentRBP returns the caller's frame pointer, the starting point for a
// best-effort stack walk when a panic has no interrupt frame to walk from
// instead.
func CurrentRBP() uintptr
