package vmm

import (
	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/mem"
)

// flushTLBEntry invalidates the local CPU's TLB entry for virtAddr. The
// actual INVLPG instruction lives behind the cpu package's intrinsics.
func flushTLBEntry(virtAddr uintptr) {
	cpu.FlushTLBEntry(virtAddr)
}

// switchPDT loads pdtPhysAddr into CR3, activating that address space's
// root table.
func switchPDT(pdtPhysAddr uintptr) {
	cpu.SwitchPDT(pdtPhysAddr)
}

// activePDT returns the physical address of the currently active root
// table.
func activePDT() uintptr {
	return cpu.ActivePDT()
}

// shootdownFn broadcasts a TLB invalidation request for [va, va+pages*4KiB)
// to every other CPU, via the IPI at irq.TLBShootdownVector. Until kernel/smp brings up secondary CPUs there is
// nobody to broadcast to, so the default implementation only flushes the
// local TLB; SetShootdownFn lets kernel/smp install the real broadcast once
// LAPIC IPI sending exists.
var shootdownFn = func(va mem.VA, pages uint64) {
	addr := va.Ptr()
	for i := uint64(0); i < pages; i++ {
		flushTLBEntryFn(addr)
		addr += uintptr(mem.PageSize)
	}
}

// SetShootdownFn overrides the TLB shootdown broadcast strategy.
func SetShootdownFn(fn func(va mem.VA, pages uint64)) {
	shootdownFn = fn
}
