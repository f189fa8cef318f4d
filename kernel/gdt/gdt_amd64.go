// Package gdt manages the per-CPU Global Descriptor Table and Task State
// Segment. The loader hands the kernel a minimal 64-bit GDT;
// this package installs the kernel's own flat GDT plus one TSS per CPU so
// that ring-3 to ring-0 transitions can reload rsp0, per the scheduler's
// context-switch contract.
package gdt

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/cpu"
)

// Selector values for the flat GDT this kernel installs. Segment limits are
// irrelevant in long mode; only the descriptor type/DPL bits matter.
const (
	NullSelector       = uint16(0x00)
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserDataSelector   = uint16(0x18 | 3)
	UserCodeSelector   = uint16(0x20 | 3)
	tssSelector        = uint16(0x28)
)

// entry is a packed 8-byte GDT descriptor.
type entry uint64

func makeEntry(base, limit uint32, access, flags uint8) entry {
	e := uint64(limit & 0xFFFF)
	e |= (uint64(base) & 0xFFFFFF) << 16
	e |= uint64(access) << 40
	e |= uint64((limit>>16)&0xF) << 48
	e |= uint64(flags&0xF) << 52
	e |= (uint64(base) >> 24 & 0xFF) << 56
	return entry(e)
}

// tss is the 64-bit Task State Segment layout. Only rsp0 (the ring-0 stack
// pointer loaded on a privilege-level change) and the IST slots are used by
// this kernel; the I/O permission bitmap is not implemented.
type tss struct {
	reserved0 uint32
	rsp0      uint64
	rsp1      uint64
	rsp2      uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

// descriptorPtr is the packed operand expected by the LGDT/LIDT
// instructions: a 16-bit limit followed by a 64-bit base.
type descriptorPtr struct {
	limit uint16
	base  uint64
}

// CPU holds the per-CPU GDT, TSS and descriptor-table pointer. One instance
// is allocated per booted core (BSP and every AP) by the scheduler during
// per-CPU init; it must not be moved or freed once loaded since the CPU
// keeps raw pointers into it.
type CPU struct {
	entries [7]entry
	task    tss
	gdtr    descriptorPtr
}

// Init builds a flat kernel/user code+data GDT plus this CPU's TSS, loads
// it and points the task register at the TSS. kstackTop is the initial
// ring-0 stack used until the first thread is scheduled onto this CPU.
func (c *CPU) Init(kstackTop uintptr) {
	c.entries[0] = 0
	c.entries[1] = makeEntry(0, 0xFFFFF, 0x9A, 0xA) // kernel code, 64-bit
	c.entries[2] = makeEntry(0, 0xFFFFF, 0x92, 0xC) // kernel data
	c.entries[3] = makeEntry(0, 0xFFFFF, 0xF2, 0xC) // user data
	c.entries[4] = makeEntry(0, 0xFFFFF, 0xFA, 0xA) // user code, 64-bit

	c.task.rsp0 = uint64(kstackTop)
	c.task.ioMapBase = uint16(unsafe.Sizeof(c.task))

	tssBase := uint64(uintptr(unsafe.Pointer(&c.task)))
	tssLimit := uint32(unsafe.Sizeof(c.task) - 1)
	c.entries[5] = makeEntry(uint32(tssBase), tssLimit, 0x89, 0x0)
	c.entries[6] = entry(tssBase >> 32)

	c.gdtr = descriptorPtr{
		limit: uint16(len(c.entries)*8 - 1),
		base:  uint64(uintptr(unsafe.Pointer(&c.entries[0]))),
	}

	cpu.LoadGDT(uintptr(unsafe.Pointer(&c.gdtr)), KernelCodeSelector, KernelDataSelector)
	cpu.LoadTSS(tssSelector)
}

// SetKernelStack updates rsp0 so that the next ring-3 to ring-0 transition
// on this CPU lands on the given thread's kernel stack, as required by the
// scheduler's context-switch contract.
func (c *CPU) SetKernelStack(kstackTop uintptr) {
	c.task.rsp0 = uint64(kstackTop)
}
