// Package smp brings the non-boot processors (APs) reported by the MADT
// online via the LAPIC's INIT-SIPI-SIPI sequence, then wires
// kernel/mem/vmm's TLB shootdown to a real IPI broadcast instead of its
// single-CPU fallback of just flushing the local TLB.
//
// Every AP starts execution in real mode at a fixed low-memory page this
// package installs (trampoline_amd64.go); from there it climbs through
// protected mode into long mode reusing the kernel's own page tables and
// lands in apMain on its own kernel stack.
package smp

import (
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/acpi"
	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/gdt"
	"github.com/zag-os/zag/kernel/irq"
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/lapic"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/vmm"
	"github.com/zag-os/zag/kernel/sched"
)

// maxAPs bounds the number of application processors this package will
// attempt to bring up; one sched per-CPU slot is reserved for the BSP.
const maxAPs = 15

const apStackPages = 4
const apStackSize = apStackPages * uint64(mem.PageSize)

// apCPUs, apLAPICs and apStacks are the per-AP GDT/TSS, LAPIC and kernel
// stack this package hands to each booting core, the same package-level
// array convention kmain.go uses for the BSP's own boot stack. They must
// never move or be freed once an AP has started using them.
var (
	apCPUs   [maxAPs]gdt.CPU
	apLAPICs [maxAPs]lapic.LAPIC
	apStacks [maxAPs][apStackSize]byte
)

// bspLAPIC is the BSP's own LAPIC, the one every INIT/SIPI/shootdown IPI in
// this package is sent from.
var bspLAPIC *lapic.LAPIC

// lapicPhysBase is the xAPIC MMIO physical base the MADT reported; every AP
// re-discovers x2APIC support for itself but needs this in case it instead
// falls back to xAPIC.
var lapicPhysBase mem.PA

// apOnlineIDs collects the local APIC ID of every AP that has completed
// Bringup, so broadcastShootdown knows who to IPI.
var apOnlineIDs []uint8

const (
	icrDeliveryInit    = 5 << 8
	icrDeliveryStartup = 6 << 8
	icrLevelAssert     = 1 << 14
)

// Bringup starts every processor the MADT reports other than the BSP
// (identified by bspAPICID) and, once at least one AP is online, points
// kernel/mem/vmm's TLB shootdown at a real IPI broadcast. It must run after
// kernel/sched.Init, since each AP registers itself with the scheduler as
// it comes up, and after vmm.Init, since every AP reuses the kernel
// address space's root table.
func Bringup(madt *acpi.MADTInfo, bsp *lapic.LAPIC, bspAPICID uint8) *kernel.Error {
	bspLAPIC = bsp
	lapicPhysBase = madt.LAPICPhysBase
	installTrampoline()

	n := 0
	for _, id := range madt.ProcessorIDs {
		if id == bspAPICID {
			continue
		}
		if n >= maxAPs {
			early.Printf("smp: dropping processor %d: %s\n", id, kernel.ErrNoFreeAPSlot.Message)
			continue
		}
		if err := bootAP(id, n); err != nil {
			early.Printf("smp: processor %d failed to come up: %s\n", id, err.Message)
			n++
			continue
		}
		apOnlineIDs = append(apOnlineIDs, id)
		n++
	}

	if len(apOnlineIDs) > 0 {
		irq.SetHandler(irq.TLBShootdownVector, handleShootdownIPI)
		vmm.SetShootdownFn(broadcastShootdown)
	}

	early.Printf("smp: %d application processor(s) online\n", len(apOnlineIDs))
	return nil
}

// bootAP drives one AP through INIT-SIPI-SIPI and waits for it to signal
// readiness by setting apBootData.bootedFlag from apMain.
func bootAP(apicID uint8, slot int) *kernel.Error {
	data := trampolineData()
	*data = apBootData{
		pml4:     uint64(vmm.KernelSpace().Root().PA()),
		stackTop: uint64(uintptr(unsafe.Pointer(&apStacks[slot][apStackSize-1]))),
		entry:    uint64(funcPC(apEntry64)),
		apIndex:  uint32(slot),
	}

	bspLAPIC.SendIPI(uint32(apicID), 0, icrDeliveryInit|icrLevelAssert)
	spinMs(10)

	vector := uint8(trampolinePhysAddr >> 12)
	bspLAPIC.SendIPI(uint32(apicID), vector, icrDeliveryStartup)
	spinMicros(200)
	bspLAPIC.SendIPI(uint32(apicID), vector, icrDeliveryStartup)

	const timeoutSpins = 1 << 24
	for i := 0; i < timeoutSpins; i++ {
		if data.bootedFlag != 0 {
			return nil
		}
		cpu.Pause()
	}
	return kernel.ErrAPBootTimeout
}

func spinMs(ms uint64)     { spinTSC(ms * 1_000_000) }
func spinMicros(us uint64) { spinTSC(us * 1_000) }

// spinTSC busy-waits for approximately ns nanoseconds using the raw TSC
// delta against an assumed 1GHz rate; it is only ever used for the few
// millisecond-scale pauses the MP spec requires between INIT and SIPI,
// where rough timing is enough.
func spinTSC(ns uint64) {
	start := cpu.RDTSC()
	for cpu.RDTSC()-start < ns {
		cpu.Pause()
	}
}

// apMain is the first Go code an AP runs, reached from apEntry64 once the
// trampoline has placed it in long mode on its own stack. It mirrors
// kmain.go's BSP bring-up: per-CPU GDT/TSS, IDT reload, LAPIC init, then
// handing off to the scheduler. Which AP slot it owns is read back out of
// the same apBootData bootAP wrote before sending this core's SIPI.
//
//go:nosplit
func apMain() {
	slot := trampolineData().apIndex
	c := &apCPUs[slot]
	c.Init(uintptr(unsafe.Pointer(&apStacks[slot][apStackSize-1])))

	irq.Init()

	l := &apLAPICs[slot]
	l.Init(uint8(irq.SpuriousVector), lapicPhysBase)
	l.Calibrate()
	l.StartPeriodicTimer(uint8(irq.TimerVector), schedTickMs)

	idleT, err := sched.InitAP(c, l)
	if err != nil {
		kernel.Panic(err)
	}
	_ = idleT

	trampolineData().bootedFlag = 1

	cpu.EnableInterrupts()
	sched.Start()
}

// schedTickMs must match kmain.go's BSP tick period so every CPU preempts
// at the same rate.
const schedTickMs = 10

// handleShootdownIPI is the handler every CPU installs for
// irq.TLBShootdownVector: it flushes the whole local TLB by reloading CR3,
// a coarser response than a single-entry INVLPG but correct regardless of
// which range triggered it.
func handleShootdownIPI(f *irq.InterruptFrame) {
	cpu.SwitchPDT(cpu.ActivePDT())
	sched.CurrentLAPIC().EOI()
}

// broadcastShootdown asks every online AP to flush its TLB, then flushes
// the caller's own. It replaces vmm's single-CPU fallback once at least one
// AP is online.
func broadcastShootdown(va mem.VA, pages uint64) {
	for _, id := range apOnlineIDs {
		bspLAPIC.SendIPI(uint32(id), uint8(irq.TLBShootdownVector), 0)
	}
	cpu.SwitchPDT(cpu.ActivePDT())
}
