// Package irq installs the IDT and dispatches exceptions and hardware
// interrupts to registered Go handlers. The register snapshot and the
// hardware-pushed return frame are kept as one InterruptFrame, since the
// scheduler's context switch treats the pair as a single unit living on the
// thread's kernel stack.
package irq

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/kfmt/early"
)

// Vector identifies a slot in the IDT: 0-31 are CPU exceptions, 32-255 are
// available for hardware IRQs and software use.
type Vector uint8

// Exception vectors used by this kernel.
const (
	DivideByZero        Vector = 0
	DebugException      Vector = 1
	NMI                 Vector = 2
	Breakpoint          Vector = 3
	Overflow            Vector = 4
	BoundRangeExceeded  Vector = 5
	InvalidOpcode       Vector = 6
	DeviceNotAvailable  Vector = 7
	DoubleFault         Vector = 8
	InvalidTSS          Vector = 10
	SegmentNotPresent   Vector = 11
	StackSegmentFault   Vector = 12
	GPFException        Vector = 13
	PageFaultException  Vector = 14
	FPUException        Vector = 16
	AlignmentCheck      Vector = 17
	MachineCheck        Vector = 18
	SIMDFPException     Vector = 19
)

// Hardware and software vectors this kernel assigns explicitly.
const (
	// TimerVector is the LAPIC periodic timer's IRQ vector; its handler
	// drives the scheduler tick.
	TimerVector Vector = 0x20

	// SyscallVector is the `int $0x80` development syscall gate.
	SyscallVector Vector = 0x80

	// YieldVector is the software-interrupt gate kernel/sched uses to
	// fold a voluntary yield or sleep into the same switching path a
	// timer preemption takes.
	YieldVector Vector = 0x81

	// TLBShootdownVector is the IPI vector used to ask other CPUs to
	// invalidate a VA range after an Unmap call. Chosen one below the
	// spurious vector 0xFF and clear of both the exception range and the
	// legacy PIC remap range.
	TLBShootdownVector Vector = 0xFC

	// SpuriousVector is the LAPIC spurious-interrupt vector.
	SpuriousVector Vector = 0xFF
)

// InterruptFrame is the saved register image on a thread's kernel stack. It
// is both the argument passed to a handler and the unit of context switch:
// a thread is suspended by leaving this structure on its stack and resumed
// via the common IRET epilogue that restores it.
type InterruptFrame struct {
	// Callee/caller-saved general purpose registers, pushed by the
	// common entry stub in the order the epilogue expects to pop them.
	R15, R14, R13, R12 uint64
	R11, R10, R9, R8   uint64
	RBP, RDI, RSI      uint64
	RDX, RCX, RBX, RAX uint64

	// Vector is the interrupt/exception/syscall number.
	Vector uint64

	// ErrorCode is the hardware error code, or a synthetic 0 for
	// vectors that do not push one.
	ErrorCode uint64

	// Hardware-pushed return frame, consumed by IRETQ.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Handler processes an interrupt. It may freely mutate *f; mutations are
// visible to the interrupted context when the handler returns via IRET,
// which is how the scheduler performs a context switch (by substituting a
// different thread's frame pointer before the epilogue runs).
type Handler func(f *InterruptFrame)

var handlers [256]Handler

// SetHandler installs fn as the handler for vector v, replacing any
// previous registration.
func SetHandler(v Vector, fn Handler) {
	handlers[v] = fn
}

// resumeSPs holds, per CPU, the stack pointer the common entry stub's
// epilogue reloads in place of the live SP it entered on. It is indexed by
// the local APIC ID so concurrent interrupts on different cores never
// touch each other's slot; within one CPU no further synchronization is
// needed because interrupt gates keep IF clear for the whole handler, so
// dispatch never nests. dispatch seeds the calling CPU's slot with the
// entering frame before running the handler, so the default is to resume
// the same context; a handler that wants a context switch overwrites the
// slot with Switch.
var resumeSPs [256]uintptr

// localAPICID reads the calling CPU's local APIC ID out of CPUID leaf 1,
// usable from the first instruction of an interrupt handler with no per-CPU
// setup at all.
//
//go:nosplit
func localAPICID() uint8 {
	_, ebx, _, _ := cpu.CPUID(1, 0)
	return uint8(ebx >> 24)
}

// Switch requests that the interrupt currently being handled on the calling
// CPU resume f instead of the frame it entered on. It is how kernel/sched
// performs a context switch: the epilogue in idt_amd64.s reloads SP from
// the value dispatch returns right before popping registers and executing
// IRETQ. Must only be called from within a Handler.
func Switch(f *InterruptFrame) {
	resumeSPs[localAPICID()] = uintptr(unsafe.Pointer(f))
}

// dispatch is invoked by the assembly common entry stub with a pointer to
// the InterruptFrame it just built on the current kernel stack. Its return
// value is the stack pointer the epilogue resumes on: f itself unless the
// handler substituted another frame via Switch.
//
//go:nosplit
func dispatch(f *InterruptFrame) uintptr {
	id := localAPICID()
	resumeSPs[id] = uintptr(unsafe.Pointer(f))

	h := handlers[f.Vector]
	if h == nil {
		unhandled(f)
	} else {
		h(f)
	}

	return resumeSPs[id]
}

func unhandled(f *InterruptFrame) {
	early.Printf("\nunhandled interrupt: vector=%d error=%x rip=%x\n", f.Vector, f.ErrorCode, f.RIP)
	cpu.Halt()
}

// Init installs the IDT. Only the vectors that have a stub in idt_amd64.s
// get a gate, and each of those gates is present from the start, whether or
// not a handler has been registered via SetHandler: dispatch() falls back to
// unhandled() for a vector with no handler. Every other gate stays zeroed
// (not present).
func Init() {
	installIDT()
}

// installIDT writes the gate descriptors for the stubbed vectors into the
// 256-entry gate table, each pointing at a vector-specific stub that pushes
// the vector number before jumping to the shared entry, and then loads the
// table with LIDT. It is written in assembly because each gate embeds the
// address of its own stub.
func installIDT()
