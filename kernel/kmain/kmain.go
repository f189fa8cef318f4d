// Package kmain assembles the kernel's boot sequence out of every other
// package: it is the one place allowed to import PMM, VMM, the heap, the
// scheduler, SMP bring-up and the user-thread loader all at once.
package kmain

import (
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/acpi"
	"github.com/zag-os/zag/kernel/boot"
	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/debug"
	"github.com/zag-os/zag/kernel/driver/serial"
	"github.com/zag-os/zag/kernel/gdt"
	"github.com/zag-os/zag/kernel/irq"
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/lapic"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/heap"
	"github.com/zag-os/zag/kernel/mem/pmm"
	"github.com/zag-os/zag/kernel/mem/vmm"
	"github.com/zag-os/zag/kernel/sched"
	"github.com/zag-os/zag/kernel/smp"
	"github.com/zag-os/zag/kernel/symbol"
	"github.com/zag-os/zag/kernel/user"
)

// kernelHeapSize is the fixed reservation handed to kernel/mem/heap; the
// heap backs it lazily, one page at a time, as Alloc calls actually need
// backing frames.
const kernelHeapSize = 64 * mem.Mb

// schedTickMs is the LAPIC periodic timer period driving preemption.
const schedTickMs = 10

// bootStack is the ring-0 stack used until the first thread is scheduled
// onto the BSP; gdt.CPU.Init points TSS.rsp0 at it.
var bootStack [16 * 1024]byte

var bspCPU gdt.CPU
var bspLAPIC lapic.LAPIC

// KEntry is the kernel's single entry symbol. The loader has
// already installed a minimal page table mapping BootInfo, the kernel's
// own ELF segments and a physmap window over the pages BootInfo's pointer
// fields reference, so info may be dereferenced immediately.
//
//go:noinline
func KEntry(info *boot.Info) {
	bspCPU.Init(uintptr(unsafe.Pointer(&bootStack[len(bootStack)-1])))
	irq.Init()

	serial.COM1Port.Init()
	early.SetOutput(serial.COM1Port)
	early.Printf("zag: booting\n")

	regions, xsdpAddr, ksyms, err := boot.Parse(info)
	if err != nil {
		kernel.Panic(err)
	}
	symbol.SetTable(ksyms)

	if err := pmm.Allocator.Init(regions); err != nil {
		kernel.Panic(err)
	}

	vmm.SetFrameAllocator(func() (pmm.Frame, *kernel.Error) { return pmm.AllocPages(0) })
	vmm.SetFrameFreer(func(f pmm.Frame) { pmm.FreePages(f, 0) })

	rootFrame, err := pmm.AllocPages(0)
	if err != nil {
		kernel.Panic(err)
	}
	mem.Memset(mem.Physmap(rootFrame.PA()).Ptr(), 0, mem.PageSize)

	if err := vmm.Init(rootFrame, regions); err != nil {
		kernel.Panic(err)
	}

	kernelHeap, err := heap.New(vmm.KernelSpace(), kernelHeapSize)
	if err != nil {
		kernel.Panic(err)
	}

	madt, err := acpi.Parse(xsdpAddr)
	if err != nil {
		kernel.Panic(err)
	}

	bspLAPIC.Init(uint8(irq.SpuriousVector), madt.LAPICPhysBase)
	bspLAPIC.Calibrate()
	bspLAPIC.StartPeriodicTimer(uint8(irq.TimerVector), schedTickMs)

	if err := sched.Init(vmm.KernelSpace(), kernelHeap, &bspCPU, &bspLAPIC); err != nil {
		kernel.Panic(err)
	}

	_, bspEbx, _, _ := cpu.CPUID(1, 0)
	if err := smp.Bringup(madt, &bspLAPIC, uint8(bspEbx>>24)); err != nil {
		kernel.Panic(err)
	}

	if err := user.SpawnDemo(vmm.KernelSpace()); err != nil {
		kernel.Panic(err)
	}

	if err := debug.Start(); err != nil {
		kernel.Panic(err)
	}

	early.Printf("zag: entering scheduler, %d processor(s) reported by MADT\n", len(madt.ProcessorIDs))

	cpu.EnableInterrupts()
	sched.Start()

	// sched.Start never returns.
	for {
		cpu.Halt()
	}
}
