package vmm

import (
	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/boot"
	"github.com/zag-os/zag/kernel/mem"
)

// BuildPhysmap maps every byte of RAM referenced by the compacted memory
// map into the physmap window at mem.PhysmapBase, using 1GiB huge pages
// where alignment allows and falling back to 2MiB then 4KiB at the tail.
// It relies on the loader's own minimal physmap/identity
// mapping to still cover the low-memory frames mapRegion draws on for its
// own intermediate tables while this call is in flight; see kernel/boot's
// package doc.
func BuildPhysmap(space *AddressSpace, regions []boot.MemRegion) *kernel.Error {
	var maxEnd mem.PA
	for _, r := range regions {
		if e := r.End(); e > maxEnd {
			maxEnd = e
		}
	}
	if maxEnd == 0 {
		return nil
	}

	return mapRegion(space.root, mem.PhysmapBase, 0, mem.Size(maxEnd), FlagRW|FlagGlobal|FlagNX)
}
