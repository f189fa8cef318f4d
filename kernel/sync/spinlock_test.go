package sync

import (
	"sync"
	"testing"

	"github.com/zag-os/zag/kernel/cpu"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var (
		l       Spinlock
		wg      sync.WaitGroup
		counter int
	)

	const workers = 8
	const iterations = 1000

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				l.Acquire()
				counter++
				l.Release()
			}
		}()
	}
	wg.Wait()

	if want := workers * iterations; counter != want {
		t.Fatalf("expected counter to be %d; got %d", want, counter)
	}
}

func TestSpinlockTryToAcquire(t *testing.T) {
	var l Spinlock

	if !l.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on a free lock")
	}
	if l.TryToAcquire() {
		t.Fatal("expected TryToAcquire to fail on a held lock")
	}

	l.Release()
	if !l.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed after Release")
	}
}

func TestIRQSpinlockRestoresInterruptState(t *testing.T) {
	defer SetMaskIntrinsics(cpu.InterruptsEnabled, cpu.DisableInterrupts, cpu.EnableInterrupts)

	var (
		l           IRQSpinlock
		irqsEnabled bool
	)
	SetMaskIntrinsics(
		func() bool { return irqsEnabled },
		func() { irqsEnabled = false },
		func() { irqsEnabled = true },
	)

	// Acquiring with interrupts enabled must mask them for the critical
	// section and unmask them on Release.
	irqsEnabled = true
	l.Acquire()
	if irqsEnabled {
		t.Fatal("expected interrupts to be masked inside the critical section")
	}
	l.Release()
	if !irqsEnabled {
		t.Fatal("expected Release to re-enable interrupts")
	}

	// Acquiring with interrupts already masked must leave them masked
	// after Release.
	irqsEnabled = false
	l.Acquire()
	l.Release()
	if irqsEnabled {
		t.Fatal("expected Release to leave interrupts masked")
	}
}
