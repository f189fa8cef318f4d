package kernel

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/irq"
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/symbol"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}

	// currentThreadFn and cpuIndexFn are populated once by kernel/sched's
	// Init and serve every CPU. kernel cannot import sched directly (sched already
	// imports kernel for Error), so sched pushes what Panic needs through
	// these hooks instead.
	currentThreadFn func() (tid uint64, ok bool)
	cpuIndexFn      func() int
)

// RegisterThreadInfoFn lets kernel/sched report which thread is running on
// the CPU that calls Panic. ok is false before the first thread has been
// scheduled on that CPU.
func RegisterThreadInfoFn(fn func() (tid uint64, ok bool)) {
	currentThreadFn = fn
}

// RegisterCPUIndexFn lets kernel/sched report which per-CPU slot the caller
// of Panic is running on.
func RegisterCPUIndexFn(fn func() int) {
	cpuIndexFn = fn
}

const maxStackFrames = 16

// Panic outputs the supplied error (if not nil), identifies the current CPU
// and thread, dumps the interrupted register frame when one is available,
// walks the stack, and halts the CPU it is running on. Calls to Panic never
// return. Panic also works as a redirection target for calls to panic()
// (resolved via runtime.gopanic).
//
// frame is supplied by exception and interrupt handlers that have one to
// hand (a page fault, a GPF); it is omitted for panics raised from ordinary
// scheduler or allocator code with no interrupt in flight.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}, frame ...*irq.InterruptFrame) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}

	if cpuIndexFn != nil {
		early.Printf("cpu: %d\n", cpuIndexFn())
	}
	if currentThreadFn != nil {
		if tid, ok := currentThreadFn(); ok {
			early.Printf("thread: tid %d\n", tid)
		} else {
			early.Printf("thread: none scheduled yet\n")
		}
	}

	var rbp uintptr
	if len(frame) > 0 && frame[0] != nil {
		f := frame[0]
		early.Printf("frame: vector %d error %d rip %x cs %x rflags %x\n",
			f.Vector, f.ErrorCode, f.RIP, f.CS, f.RFlags)
		early.Printf("regs: rax %x rbx %x rcx %x rdx %x rsi %x rdi %x rsp %x rbp %x\n",
			f.RAX, f.RBX, f.RCX, f.RDX, f.RSI, f.RDI, f.RSP, f.RBP)
		rbp = uintptr(f.RBP)
	} else {
		rbp = cpu.CurrentRBP()
	}

	early.Printf("stack:\n")
	walkStack(rbp, func(pc uintptr) {
		if name, off, ok := symbol.Resolve(pc); ok {
			early.Printf("  %x %s+%x\n", pc, name, off)
		} else {
			early.Printf("  %x\n", pc)
		}
	})

	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// walkStack follows the RBP chain starting at rbp, reporting each return
// address it finds to visit. It stops after maxStackFrames, at a null
// frame pointer, or if the chain stops moving toward higher addresses (a
// corrupted stack). Go keeps frame pointers linked on amd64 by default, so
// this produces a real, if unsymbolized, backtrace for ordinary kernel
// code; it is best-effort, not a substitute for a symbol table.
func walkStack(rbp uintptr, visit func(pc uintptr)) {
	for i := 0; i < maxStackFrames && rbp != 0; i++ {
		retAddr := *(*uintptr)(unsafe.Pointer(rbp + 8))
		if retAddr == 0 {
			return
		}
		visit(retAddr)

		nextRBP := *(*uintptr)(unsafe.Pointer(rbp))
		if nextRBP <= rbp {
			return
		}
		rbp = nextRBP
	}
}
