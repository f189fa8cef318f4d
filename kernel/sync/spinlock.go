// Package sync provides the synchronization primitives shared by the PMM,
// heap, VMM and run queue.
package sync

import (
	"sync/atomic"

	"github.com/zag-os/zag/kernel/cpu"
)

// Spinlock is a lock where a waiter busy-waits until the lock becomes
// available. Re-acquiring a lock already held by the current CPU deadlocks.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		cpu.Pause()
	}
}

// TryToAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release while the lock is free
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// The interrupt-mask intrinsics behind IRQSpinlock, held in swappable
// function values: cli/sti are privileged instructions, so hosted test
// binaries (which run in ring 3) for this package and for the packages
// whose locks it backs install no-op replacements via SetMaskIntrinsics.
var (
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// SetMaskIntrinsics replaces the interrupt-mask intrinsics IRQSpinlock
// uses. It exists for hosted tests only; kernel code never calls it.
func SetMaskIntrinsics(enabled func() bool, disable, enable func()) {
	interruptsEnabledFn = enabled
	disableInterruptsFn = disable
	enableInterruptsFn = enable
}

// IRQSpinlock wraps a Spinlock with the interrupt-disable-on-acquire
// discipline the PMM, VMM, heap and run-queue locks require: interrupts are masked for the entire critical section so a timer
// tick on the holding CPU cannot preempt into code that would try to
// re-acquire the same lock.
type IRQSpinlock struct {
	inner      Spinlock
	wasEnabled bool
}

// Acquire disables interrupts on the current CPU, remembers whether they
// were enabled, then spins for the lock.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.inner.Acquire()
	l.wasEnabled = enabled
}

// Release releases the lock and restores the interrupt flag to whatever it
// was when Acquire was called.
func (l *IRQSpinlock) Release() {
	restore := l.wasEnabled
	l.inner.Release()
	if restore {
		enableInterruptsFn()
	}
}
