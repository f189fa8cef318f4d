package sched

import "unsafe"

// threadTrampoline is the RIP every freshly spawned kernel thread's initial
// frame points at (trampoline_amd64.s). It exists only so a kernel thread
// has a stable, non-closure function address to put in RIP; the Go
// function it is actually meant to run is invoked afterward, once running,
// by runCurrentThreadEntry.
func threadTrampoline()

// funcPC extracts a func value's entry address. This is only valid for a
// non-closure, package-level function like threadTrampoline: such a value
// is a direct pointer to a funcval whose first word is the code address.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// runCurrentThreadEntry runs the scheduled Go function for the thread
// threadTrampoline just landed in, then exits it. Unlike threadTrampoline's
// own RIP, this call happens through an ordinary Go call instruction, so
// the thread's entry function is free to be an arbitrary closure.
//
//go:nosplit
func runCurrentThreadEntry() {
	thisCPU().current.entry()
	Exit()
}
