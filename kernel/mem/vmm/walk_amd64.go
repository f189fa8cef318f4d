package vmm

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
)

// pageLevels is the depth of the amd64 paging structure: PML4, PDPT, PD, PT.
const (
	pageLevels   = 4
	tableEntries = 512

	levelPML4 = 0
	levelPDPT = 1
	levelPD   = 2
	levelPT   = 3
)

// pageLevelShifts[i] is the bit offset of the index field consumed at
// level i of a table walk.
var pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

// kernelHalfPML4Index is the PML4 slot at which the shared kernel half
// begins (VA 0xFFFF_8000_0000_0000 >> 39 & 0x1ff).
const kernelHalfPML4Index = 256

// physToVirt resolves a physical address to a dereferenceable virtual one.
// Every paging structure is addressed directly through the physmap rather
// than a recursive self-mapping, so the same walk works whether or not the address space is currently active. Tests swap
// this in for a plain Go byte slice standing in for physical memory,
// following the same convention as kernel/mem/pmm.
var physToVirt = mem.Physmap

func levelIndex(va mem.VA, level int) uint {
	return uint(uintptr(va)>>pageLevelShifts[level]) & (tableEntries - 1)
}

func tableAt(frame pmm.Frame) *[tableEntries]pageTableEntry {
	return (*[tableEntries]pageTableEntry)(unsafe.Pointer(physToVirt(frame.PA()).Ptr()))
}

// walk descends from root to the entry addressing va at level stopLevel,
// invoking visit at every level from 0 up to and including stopLevel. visit
// returns the frame to descend into for the next level; walk stops early
// (without visiting deeper levels) if visit returns ok=false.
func walk(root pmm.Frame, va mem.VA, stopLevel int, visit func(level int, pte *pageTableEntry) (next pmm.Frame, ok bool)) {
	frame := root
	for level := 0; level <= stopLevel; level++ {
		table := tableAt(frame)
		pte := &table[levelIndex(va, level)]

		next, ok := visit(level, pte)
		if !ok {
			return
		}
		frame = next
	}
}
