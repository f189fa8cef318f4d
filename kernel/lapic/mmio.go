package lapic

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/mem"
)

// ptrAt returns a pointer to the 32-bit register reg (in 16-byte-spaced
// xAPIC MMIO units) within the APIC page mapped at base.
func ptrAt(base mem.VA, reg uint32) unsafe.Pointer {
	return unsafe.Pointer(base.Ptr() + uintptr(reg)*16)
}
