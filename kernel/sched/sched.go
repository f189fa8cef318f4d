package sched

import (
	"sync/atomic"
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/gdt"
	"github.com/zag-os/zag/kernel/irq"
	"github.com/zag-os/zag/kernel/lapic"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/heap"
	"github.com/zag-os/zag/kernel/mem/vmm"
	"github.com/zag-os/zag/kernel/sync"
)

const kernelThreadStackPages = 4

// maxCPUs bounds the per-CPU slot table kernel/smp indexes into when it
// brings an AP online; it is well above anything the MADT parser in
// kernel/acpi is expected to report for the target this runs on.
const maxCPUs = 16

// cpuSlot is one CPU's private scheduling state: its own GDT/TSS (for
// rsp0), its own LAPIC (for EOI and the tick rate Calibrate measured on
// it), and the thread it is currently running or falls back to when the
// shared run queue is empty. runq and sleeping, by contrast, are shared
// across every CPU and protected by lock.
type cpuSlot struct {
	gdt     *gdt.CPU
	lapic   *lapic.LAPIC
	current *Thread
	idle    *Thread
}

var (
	lock     sync.IRQSpinlock
	runq     *runQueue
	sleeping *sleepingList

	kernelProc *Process
	kernelHeap *heap.Heap
	nextTID    uint64 = 1

	cpus    [maxCPUs]cpuSlot
	numCPUs int

	// apicIndex maps a local APIC ID to its slot in cpus; -1 means the
	// CPU owning that APIC ID has not registered yet. Reading it never
	// needs a lock: a CPU only ever reads its own entry, written once by
	// Init or kernel/smp before that CPU runs any scheduler code.
	apicIndex [256]int8
)

func init() {
	for i := range apicIndex {
		apicIndex[i] = -1
	}
}

// localAPICID reads the current CPU's local APIC ID straight out of CPUID,
// the same leaf lapic.LAPIC.Init already queries for x2APIC detection. It
// works even before this CPU's own LAPIC struct has been initialized,
// which Init's bookkeeping depends on.
func localAPICID() uint8 {
	_, ebx, _, _ := cpu.CPUID(1, 0)
	return uint8(ebx >> 24)
}

// thisCPU returns the calling CPU's scheduling slot.
func thisCPU() *cpuSlot {
	return &cpus[apicIndex[localAPICID()]]
}

// registerCPU assigns the calling CPU the next free slot and records its
// APIC ID, so thisCPU resolves correctly from then on.
func registerCPU(cpu0 *gdt.CPU, lapic0 *lapic.LAPIC) *cpuSlot {
	idx := numCPUs
	numCPUs++
	apicIndex[localAPICID()] = int8(idx)
	cpus[idx] = cpuSlot{gdt: cpu0, lapic: lapic0}
	return &cpus[idx]
}

// currentCPUIndex reports the calling CPU's slot index. It backs
// kernel.RegisterCPUIndexFn so kernel.Panic can name which CPU is halting
// without kernel importing sched.
func currentCPUIndex() int {
	return int(apicIndex[localAPICID()])
}

// currentThreadInfo reports the TID of the thread running on the calling
// CPU, if any has been scheduled there yet. It backs
// kernel.RegisterThreadInfoFn.
func currentThreadInfo() (uint64, bool) {
	c := thisCPU()
	if c.current == nil {
		return 0, false
	}
	return c.current.TID, true
}

// enterFirstThread performs the one-time, non-interrupt-driven equivalent
// of the epilogue in idt_amd64.s: it has no caller to return to and never
// does.
func enterFirstThread(ctx *irq.InterruptFrame)

// Init wires the scheduler to the kernel address space, the heap it draws
// kernel stacks from, and the bootstrap CPU's GDT/TSS and LAPIC, then
// spawns its idle thread and picks it as the first thread to run. Start
// actually transfers control to it. It must run exactly
// once, on the BSP, before any AP calls InitAP.
func Init(kernelSpace *vmm.AddressSpace, kheap *heap.Heap, cpu0 *gdt.CPU, lapic0 *lapic.LAPIC) *kernel.Error {
	kernelHeap = kheap
	runq = newRunQueue()
	sleeping = newSleepingList()
	kernelProc = NewProcess(Ring0, kernelSpace)

	irq.SetHandler(irq.TimerVector, onTimerTick)
	irq.SetHandler(irq.YieldVector, onYield)

	kernel.RegisterCPUIndexFn(currentCPUIndex)
	kernel.RegisterThreadInfoFn(currentThreadInfo)

	c := registerCPU(cpu0, lapic0)

	idleT, err := SpawnKernelThread(idleLoop)
	if err != nil {
		return err
	}
	c.idle = idleT

	lock.Acquire()
	c.current = runq.popFront()
	c.current.State = StateRunning
	lock.Release()

	return nil
}

// InitAP registers an application processor that has already loaded its
// own GDT/TSS and LAPIC (kernel/smp does both as part of AP bringup),
// spawns its idle thread, takes it back off the shared run queue
// (SpawnKernelThread enqueues every new thread) and picks it as that CPU's
// first thread. From then on the idle thread only runs when the shared
// queue is empty at one of this CPU's reschedules.
func InitAP(cpu0 *gdt.CPU, lapic0 *lapic.LAPIC) (*Thread, *kernel.Error) {
	c := registerCPU(cpu0, lapic0)

	idleT, err := SpawnKernelThread(idleLoop)
	if err != nil {
		return nil, err
	}

	lock.Acquire()
	runq.remove(idleT)
	idleT.State = StateRunning
	lock.Release()

	c.idle = idleT
	c.current = idleT

	return idleT, nil
}

// Start transfers control to the first scheduled thread. It never returns;
// the caller (kmain, or kernel/smp for an AP) must have already enabled
// interrupts' prerequisites (IDT, LAPIC timer armed) before calling it,
// since nothing will run again on this stack.
func Start() {
	c := thisCPU()
	if c.gdt != nil {
		c.gdt.SetKernelStack(stackTop(c.current))
	}
	enterFirstThread(c.current.Ctx)
}

func idleLoop() {
	for {
		cpu.Halt()
	}
}

func stackTop(t *Thread) uintptr {
	return t.KStackBase + uintptr(t.KStackPages)*uintptr(mem.PageSize)
}

// buildInitialFrame places a fresh InterruptFrame at the top of the stack
// running from base to base+pages*4KiB, so the first resume lands at rip
// with the given segment selectors and an empty stack below it.
func buildInitialFrame(base uintptr, pages uint64, rip uintptr, cs, ss uint16) *irq.InterruptFrame {
	top := base + uintptr(pages)*uintptr(mem.PageSize)
	addr := top - uintptr(unsafe.Sizeof(irq.InterruptFrame{}))

	f := (*irq.InterruptFrame)(unsafe.Pointer(addr))
	*f = irq.InterruptFrame{
		RIP:    uint64(rip),
		CS:     uint64(cs),
		RFlags: 0x202, // reserved bit 1 plus IF
		RSP:    uint64(addr),
		SS:     uint64(ss),
	}
	return f
}

// SpawnKernelThread creates a ring-0 thread in the kernel process, backed
// by a fresh kernel-heap stack, runnable as soon as the scheduler next
// picks it.
func SpawnKernelThread(entry func()) (*Thread, *kernel.Error) {
	stackVA, err := kernelHeap.Alloc(mem.Size(kernelThreadStackPages)*mem.PageSize, 16)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		TID:         atomic.AddUint64(&nextTID, 1) - 1,
		KStackBase:  uintptr(stackVA),
		KStackPages: kernelThreadStackPages,
		State:       StateRunnable,
		entry:       entry,
	}
	t.Ctx = buildInitialFrame(t.KStackBase, t.KStackPages, funcPC(threadTrampoline),
		gdt.KernelCodeSelector, gdt.KernelDataSelector)

	kernelProc.attach(t)

	lock.Acquire()
	runq.pushBack(t)
	lock.Release()

	return t, nil
}

// SpawnUserThread creates a ring-3 thread in proc, with its initial RIP and
// RSP pointing at already-mapped user code and stack (kernel/user is
// responsible for loading the image and calling vmm.Map before this runs).
func SpawnUserThread(proc *Process, entryVA mem.VA, ustackBase mem.VA, ustackPages uint64) (*Thread, *kernel.Error) {
	kstackVA, err := kernelHeap.Alloc(mem.Size(kernelThreadStackPages)*mem.PageSize, 16)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		TID:         atomic.AddUint64(&nextTID, 1) - 1,
		KStackBase:  uintptr(kstackVA),
		KStackPages: kernelThreadStackPages,
		UStackBase:  uintptr(ustackBase),
		UStackPages: ustackPages,
		State:       StateRunnable,
	}

	// The frame itself lives on the thread's kernel stack, the landing
	// spot every ring3->ring0 transition uses (TSS.rsp0); its RSP field
	// is the separate user stack IRETQ hands back to ring 3, untouched
	// since this thread has never run.
	ustackTop := uintptr(ustackBase) + uintptr(ustackPages)*uintptr(mem.PageSize)
	kframeAddr := t.KStackBase + uintptr(t.KStackPages)*uintptr(mem.PageSize) - uintptr(unsafe.Sizeof(irq.InterruptFrame{}))
	t.Ctx = (*irq.InterruptFrame)(unsafe.Pointer(kframeAddr))
	*t.Ctx = irq.InterruptFrame{
		RIP:    uint64(entryVA),
		CS:     uint64(gdt.UserCodeSelector),
		RFlags: 0x202,
		RSP:    uint64(ustackTop),
		SS:     uint64(gdt.UserDataSelector),
	}

	proc.attach(t)

	lock.Acquire()
	runq.pushBack(t)
	lock.Release()

	return t, nil
}

// Current returns the thread presently executing on the calling CPU.
func Current() *Thread {
	return thisCPU().current
}

// NumCPUs returns the number of CPUs the scheduler currently has an active
// slot for: the BSP, plus one for every AP InitAP has registered.
func NumCPUs() int {
	return numCPUs
}

// CurrentLAPIC returns the calling CPU's own LAPIC, so a handler shared by
// every CPU (kernel/smp's TLB shootdown IPI handler) can EOI the one it is
// actually running on.
func CurrentLAPIC() *lapic.LAPIC {
	return thisCPU().lapic
}

// onTimerTick is the LAPIC periodic timer's handler; it is what makes the
// scheduler preemptive.
func onTimerTick(f *irq.InterruptFrame) {
	thisCPU().lapic.EOI()
	reschedule(f)
}

// onYield handles the software interrupt cpu.TriggerYield raises, folding
// a voluntary Yield or SleepMs into the exact same switching path a timer
// preemption takes.
func onYield(f *irq.InterruptFrame) {
	reschedule(f)
}

// reschedule is the single scheduling decision point: it saves the
// interrupted thread's frame, requeues it if it is still runnable, wakes
// any sleepers whose deadline has passed, picks the next thread, and asks
// irq.Switch to resume it. The run queue and sleeping list
// are shared by every CPU; which thread a given CPU was running and falls
// back to when the queue is empty is not.
func reschedule(f *irq.InterruptFrame) {
	c := thisCPU()

	lock.Acquire()

	prev := c.current
	prev.Ctx = f

	if prev.State == StateRunning && prev != c.idle {
		prev.State = StateRunnable
		runq.pushBack(prev)
	} else if prev.State == StateRunning {
		// The idle thread is per-CPU: it must never enter the shared
		// queue, where another CPU could pop it while this CPU still
		// falls back to it.
		prev.State = StateRunnable
	} else if prev.State == StateZombie && prev != c.idle {
		reap(prev)
	}

	now := cpu.RDTSC()
	for _, t := range sleeping.wakeDue(now) {
		t.State = StateRunnable
		runq.pushBack(t)
	}

	next := runq.popFront()
	if next == nil {
		next = c.idle
	}
	next.State = StateRunning
	c.current = next

	lock.Release()

	if c.gdt != nil {
		c.gdt.SetKernelStack(stackTop(c.current))
	}
	irq.Switch(c.current.Ctx)
}

// reap frees a zombie kernel thread's stack. Called with lock held, from
// reschedule, once the thread has switched away for the last time. User
// thread and process teardown (freeing the address space, ustack) is left
// to kernel/user, which owns that lifecycle.
func reap(t *Thread) {
	if t.UStackPages == 0 {
		kernelHeap.Free(mem.VA(t.KStackBase))
	}
}

// Yield voluntarily gives up the remainder of the current thread's time
// slice.
func Yield() {
	cpu.TriggerYield()
}

// SleepMs puts the current thread to sleep for at least ms milliseconds.
func SleepMs(ms uint64) {
	c := thisCPU()

	lock.Acquire()
	c.current.State = StateSleeping
	c.current.WakeTSC = cpu.RDTSC() + c.lapic.TSCTicksPerMs()*ms
	sleeping.insert(c.current)
	lock.Release()

	cpu.TriggerYield()
}

// Wake makes a sleeping or blocked thread runnable again. Threads in any
// other state are left alone: waking an already-runnable thread would link
// it into the run queue twice.
func Wake(t *Thread) {
	lock.Acquire()
	switch t.State {
	case StateSleeping:
		sleeping.remove(t)
	case StateBlocked:
	default:
		lock.Release()
		return
	}
	t.State = StateRunnable
	runq.pushBack(t)
	lock.Release()
}

// Exit marks the current thread a zombie and yields for the last time; it
// never returns to its caller.
func Exit() {
	lock.Acquire()
	thisCPU().current.State = StateZombie
	lock.Release()

	cpu.TriggerYield()
	for {
		cpu.Halt()
	}
}
