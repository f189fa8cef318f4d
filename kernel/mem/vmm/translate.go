package vmm

import (
	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
)

// Translate returns the physical address that va maps to within s, or
// ErrInvalidMapping if no leaf entry covers it.
func (s *AddressSpace) Translate(va mem.VA) (mem.PA, *kernel.Error) {
	var (
		result mem.PA
		err    *kernel.Error
	)

	walk(s.root, va, pageLevels-1, func(level int, pte *pageTableEntry) (pmm.Frame, bool) {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return 0, false
		}

		if pte.HasFlags(FlagHugePage) || level == levelPT {
			mask := uintptr(chunkSizeFor(level) - 1)
			result = pte.PA().Add(mem.Size(uintptr(va) & mask))
			return 0, false
		}

		return pte.Frame(), true
	})

	if err != nil {
		return 0, err
	}
	return result, nil
}
