package vmm

import (
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
)

// PageTableEntryFlag is a bitmask of the amd64 page-entry fields:
// present, writable, user, write_through, cache_disable, accessed,
// dirty, huge, global, execute_disable, plus one software-defined bit used
// for copy-on-write tracking.
type PageTableEntryFlag uint64

// Page-entry flags. Bits 9-11 are ignored by the MMU on every level and are
// free for OS use; FlagCopyOnWrite claims the first of them.
const (
	FlagPresent      PageTableEntryFlag = 1 << 0
	FlagRW           PageTableEntryFlag = 1 << 1
	FlagUser         PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagAccessed     PageTableEntryFlag = 1 << 5
	FlagDirty        PageTableEntryFlag = 1 << 6
	FlagHugePage     PageTableEntryFlag = 1 << 7
	FlagGlobal       PageTableEntryFlag = 1 << 8
	FlagCopyOnWrite  PageTableEntryFlag = 1 << 9
	FlagNX           PageTableEntryFlag = 1 << 63
)

// pteAddrMask isolates bits 51:12, the physical address field common to
// every paging-structure entry on amd64.
const pteAddrMask = uint64(0x000ffffffffff000)

// pageTableEntry is one slot in a PML4, PDPT, PD or PT table.
type pageTableEntry uint64

// HasFlags reports whether every bit in flags is set.
func (e *pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(*e)&uint64(flags) == uint64(flags)
}

// HasAnyFlag reports whether at least one bit in flags is set.
func (e *pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uint64(*e)&uint64(flags) != 0
}

// SetFlags sets every bit in flags, leaving the address field untouched.
func (e *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*e |= pageTableEntry(flags)
}

// ClearFlags clears every bit in flags, leaving the address field untouched.
func (e *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*e &^= pageTableEntry(flags)
}

// PA returns the physical address field of this entry: the base of the
// next-level table, or of the mapped frame/huge page at a leaf.
func (e *pageTableEntry) PA() mem.PA {
	return mem.PA(uint64(*e) & pteAddrMask)
}

// SetPA overwrites the physical address field, leaving every flag bit
// untouched. pa must already be aligned to the entry's granularity.
func (e *pageTableEntry) SetPA(pa mem.PA) {
	*e = pageTableEntry((uint64(*e) &^ pteAddrMask) | (uint64(pa) & pteAddrMask))
}

// Frame returns the 4KiB frame this entry addresses.
func (e *pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromPA(e.PA())
}

// SetFrame points this entry at a 4KiB frame.
func (e *pageTableEntry) SetFrame(f pmm.Frame) {
	e.SetPA(f.PA())
}
