// Package sched implements the preemptive thread scheduler: a single global
// run queue of threads over per-CPU idle loops, round-robin selection,
// context switch via interrupt-frame swap, and cooperative yield/sleep/wake.
package sched

import "github.com/zag-os/zag/kernel/irq"

// State is where a Thread sits in the scheduler's thread lifecycle.
type State uint8

const (
	StateRunnable State = iota
	StateRunning
	StateSleeping
	StateBlocked
	StateZombie
)

// String names the state for the debugger's process/thread dumps.
func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	}
	return "unknown"
}

// Thread is a single schedulable unit of execution. The
// process exclusively owns the Thread; the run queue and sleeping list hold
// only non-owning next/prev links into it.
type Thread struct {
	TID  uint64
	Proc *Process

	KStackBase  uintptr
	KStackPages uint64

	UStackBase  uintptr
	UStackPages uint64

	// Ctx points at the InterruptFrame currently saved on this thread's
	// kernel stack. It is both the argument a handler receives and the
	// unit a context switch moves between CPUs: suspending a thread means
	// leaving a valid frame here, resuming it means making the IRET
	// epilogue operate on this frame.
	Ctx *irq.InterruptFrame

	State State

	// WakeTSC is the absolute TSC deadline at which a sleeping thread
	// becomes runnable again; meaningful only while State == StateSleeping.
	WakeTSC uint64

	// next/prev link this thread into exactly one of: the run queue, the
	// sleeping list, or neither (StateRunning/StateBlocked/StateZombie).
	next, prev *Thread

	// entry is the function a kernel thread's trampoline invokes once
	// IRETQ first lands it in its own context. Unused for user threads,
	// whose initial RIP points directly at loaded user code.
	entry func()
}
