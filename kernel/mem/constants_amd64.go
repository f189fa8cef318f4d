// +build amd64

package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// MaxPageOrder defines the maximum page order that can be requested
	// from the buddy allocator. Order 10 corresponds to a 4MiB block.
	MaxPageOrder = PageOrder(10)

	// HugePageSize2M is the size of an L2 (2MiB) huge page.
	HugePageSize2M = Size(1 << 21)

	// HugePageSize1G is the size of an L3 (1GiB) huge page.
	HugePageSize1G = Size(1 << 30)

	// PhysmapBase is the fixed virtual base of the kernel's physmap
	// window: physmap(pa) = PhysmapBase + pa. It sits in the canonical
	// upper half and is mapped in every address space.
	PhysmapBase = VA(0xFFFF800000000000)

	// KernelHalfStart is the first virtual address belonging to the
	// shared kernel half. Every address space aliases the same upper-half
	// page-table entries at and above this address.
	KernelHalfStart = uintptr(0xFFFF800000000000)

	// CanonicalBits is the number of significant bits in a canonical
	// virtual address on this architecture (48-bit canonical addressing).
	CanonicalBits = 48
)

// Physmap returns the virtual address at which physical address pa is
// permanently mapped.
func Physmap(pa PA) VA {
	return PhysmapBase.Add(Size(pa))
}
