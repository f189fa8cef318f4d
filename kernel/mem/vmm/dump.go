package vmm

import (
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
)

// Mapping describes one present leaf entry (a 4KiB page or a 2MiB/1GiB
// huge page) encountered by VisitMappings. Depth reports how many table
// levels the leaf sits below the root: 1 for a 1GiB huge entry found in a
// PDPT, 2 for 2MiB, 3 for a 4KiB PT entry. Indices holds the table index
// taken at each level from the root down; entries past Depth are zero.
type Mapping struct {
	VA      mem.VA
	PA      mem.PA
	Size    mem.Size
	Flags   PageTableEntryFlag
	Depth   int
	Indices [pageLevels]uint16
}

// VisitMappings walks every present leaf entry in s's page tables in
// ascending virtual-address order, invoking visit for each. Returning
// false from visit stops the walk. The address space's lock is held for
// the duration, so visit must not call back into Map/Unmap/Reserve on s.
func (s *AddressSpace) VisitMappings(visit func(m Mapping) bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	visitTable(s.root, levelPML4, 0, [pageLevels]uint16{}, visit)
}

func visitTable(frame pmm.Frame, level int, vaBase uintptr, indices [pageLevels]uint16, visit func(m Mapping) bool) bool {
	table := tableAt(frame)
	for i := range table {
		pte := &table[i]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		va := vaBase | uintptr(i)<<pageLevelShifts[level]
		if level == levelPML4 && i >= kernelHalfPML4Index {
			// Canonical sign extension for the upper half.
			canonicalShift := uint(mem.CanonicalBits)
			va |= ^uintptr(0) << canonicalShift
		}
		indices[level] = uint16(i)

		if pte.HasFlags(FlagHugePage) || level == levelPT {
			m := Mapping{
				VA:      mem.VA(va),
				PA:      pte.PA(),
				Size:    chunkSizeFor(level),
				Flags:   PageTableEntryFlag(*pte),
				Depth:   level,
				Indices: indices,
			}
			if !visit(m) {
				return false
			}
			continue
		}

		if !visitTable(pte.Frame(), level+1, va, indices, visit) {
			return false
		}
	}
	return true
}
