// Package heap implements the kernel's general-purpose dynamic allocator: a
// best-fit free-extent allocator over a single reserved virtual range,
// backed lazily by PMM frames. It is what
// kernel/sched reaches for to allocate per-thread kernel stacks, and what
// the rest of the kernel uses for anything that does not fit a fixed-size
// pool.
package heap

import (
	"sort"
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
	"github.com/zag-os/zag/kernel/mem/vmm"
	"github.com/zag-os/zag/kernel/sync"
)

// blockMagic marks the header of every block Alloc hands out; Free and the
// debug auditor use it to detect corruption.
const blockMagic uint64 = 0xB10C4EADB10C4EAD

// blockHeader immediately precedes every pointer Alloc returns.
type blockHeader struct {
	magic uint64
	size  mem.Size // length requested by the caller, excluding header/slack
}

var headerSize = mem.Size(unsafe.Sizeof(blockHeader{}))

func headerAt(va mem.VA) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(va.Ptr()))
}

// extent is one free run of virtual address space within the heap's
// reservation.
type extent struct {
	start mem.VA
	size  mem.Size
}

func (e extent) end() mem.VA {
	return e.start.Add(e.size)
}

// Heap is a best-fit free-extent allocator over one reserved virtual range.
// The zero value is not usable; construct with New.
type Heap struct {
	space *vmm.AddressSpace

	base mem.VA
	len  mem.Size

	// free holds every free extent, kept sorted by address so Free can
	// find adjacent neighbours with a binary search. Given the
	// modest number of extents a kernel heap accumulates, one
	// address-sorted slice serves both the neighbour lookup and the
	// best-fit scan, the same tradeoff kernel/mem/vmm's reservation list
	// makes.
	free []extent

	// backed tracks, per page offset from base, whether a PMM frame has
	// already been mapped there.
	backed []bool

	// allocated holds the block-start address of every live allocation,
	// kept sorted so Audit can walk the live headers and Free can drop
	// its entry with a binary search.
	allocated []mem.VA

	lock sync.IRQSpinlock
}

// New reserves a virtual range of size bytes from space and returns a Heap
// backing allocations from it lazily.
func New(space *vmm.AddressSpace, size mem.Size) (*Heap, *kernel.Error) {
	base, err := space.Reserve(size, mem.PageSize, vmm.FlagRW|vmm.FlagNX)
	if err != nil {
		return nil, err
	}

	aligned := mem.Size(size.Pages()) * mem.PageSize
	h := &Heap{
		space:  space,
		base:   base,
		len:    aligned,
		free:   []extent{{start: base, size: aligned}},
		backed: make([]bool, aligned.Pages()),
	}
	return h, nil
}

// alignedNeed returns the offset within a candidate extent at which the
// header must start so the user pointer satisfies align, and the total
// byte count the allocation would consume starting at that offset.
func alignedNeed(extentStart mem.VA, length mem.Size, align mem.Size) (off, need mem.Size) {
	a := uintptr(align)
	userStart := uintptr(extentStart) + uintptr(headerSize)
	misalign := userStart & (a - 1)
	if misalign != 0 {
		off = mem.Size(a - misalign)
	}
	return off, off + headerSize + length
}

// Alloc returns a pointer to a caller-usable block of at least len bytes,
// whose address is a multiple of align (a power of two no larger than one
// huge page).
func (h *Heap) Alloc(length mem.Size, align mem.Size) (mem.VA, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	bestIdx := -1
	var bestOff, bestNeed mem.Size
	for i, e := range h.free {
		off, need := alignedNeed(e.start, length, align)
		if need > e.size {
			continue
		}
		if bestIdx == -1 || e.size < h.free[bestIdx].size {
			bestIdx, bestOff, bestNeed = i, off, need
		}
	}
	if bestIdx == -1 {
		return 0, kernel.ErrOutOfMemory
	}

	e := h.free[bestIdx]
	blockStart := e.start.Add(bestOff)
	userStart := blockStart.Add(headerSize)

	if err := h.backRange(blockStart, bestNeed); err != nil {
		return 0, err
	}

	var replacement []extent
	if bestOff > 0 {
		replacement = append(replacement, extent{start: e.start, size: bestOff})
	}
	if tail := e.size - bestNeed; tail > 0 {
		replacement = append(replacement, extent{start: e.start.Add(bestNeed), size: tail})
	}
	h.free = append(h.free[:bestIdx], append(replacement, h.free[bestIdx+1:]...)...)

	hdr := headerAt(blockStart)
	hdr.magic = blockMagic
	hdr.size = length

	ai := sort.Search(len(h.allocated), func(i int) bool { return h.allocated[i] >= blockStart })
	h.allocated = append(h.allocated, 0)
	copy(h.allocated[ai+1:], h.allocated[ai:])
	h.allocated[ai] = blockStart

	return userStart, nil
}

// Free releases a block previously returned by Alloc, coalescing it with
// any free neighbour immediately to its left or right.
func (h *Heap) Free(userPtr mem.VA) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	blockStart := mem.VA(uintptr(userPtr) - uintptr(headerSize))
	hdr := headerAt(blockStart)
	if hdr.magic != blockMagic {
		return kernel.ErrCorruption
	}
	hdr.magic = 0

	ai := sort.Search(len(h.allocated), func(i int) bool { return h.allocated[i] >= blockStart })
	if ai == len(h.allocated) || h.allocated[ai] != blockStart {
		return kernel.ErrCorruption
	}
	h.allocated = append(h.allocated[:ai], h.allocated[ai+1:]...)

	e := extent{start: blockStart, size: headerSize + hdr.size}
	// The freed block's own leading slack, if Alloc left any in front of
	// it as its own extent, is a separate entry already in h.free and is
	// merged below via ordinary left-neighbour coalescing.

	idx := sort.Search(len(h.free), func(i int) bool { return h.free[i].start >= e.start })

	if idx > 0 && h.free[idx-1].end() == e.start {
		e.start = h.free[idx-1].start
		e.size += h.free[idx-1].size
		idx--
		h.free = append(h.free[:idx], h.free[idx+1:]...)
	}
	if idx < len(h.free) && e.end() == h.free[idx].start {
		e.size += h.free[idx].size
		h.free = append(h.free[:idx], h.free[idx+1:]...)
	}

	h.free = append(h.free, extent{})
	copy(h.free[idx+1:], h.free[idx:])
	h.free[idx] = e

	return nil
}

// backRange ensures every page overlapping [start, start+size) is backed
// by a present frame, allocating and mapping any that are not yet.
func (h *Heap) backRange(start mem.VA, size mem.Size) *kernel.Error {
	first := uint64((uintptr(start) - uintptr(h.base)) / uintptr(mem.PageSize))
	last := uint64((uintptr(start)+uintptr(size)-1-uintptr(h.base))/uintptr(mem.PageSize))

	for i := first; i <= last; i++ {
		if h.backed[i] {
			continue
		}
		frame, err := pmm.AllocPages(mem.PageOrder(0))
		if err != nil {
			return err
		}
		va := h.base.Add(mem.Size(i) * mem.PageSize)
		if err := h.space.Map(va, frame.PA(), 1, vmm.FlagRW|vmm.FlagNX); err != nil {
			pmm.FreePages(frame, mem.PageOrder(0))
			return err
		}
		h.backed[i] = true
	}
	return nil
}

// Audit walks the free-extent list and every live allocation's header and
// returns an error describing the first invariant violation found, or nil:
// extents stay inside the reservation and never touch, every live block's
// magic is intact, and free plus allocated bytes add up to exactly the
// reservation length.
func (h *Heap) Audit() *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	var freeTotal mem.Size
	for i, e := range h.free {
		if e.start < h.base || e.end() > h.base.Add(h.len) {
			return kernel.ErrCorruption
		}
		if i > 0 && h.free[i-1].end() >= e.start {
			return kernel.ErrCorruption
		}
		freeTotal += e.size
	}

	var allocTotal mem.Size
	for _, blockStart := range h.allocated {
		if blockStart < h.base || blockStart.Add(headerSize) > h.base.Add(h.len) {
			return kernel.ErrCorruption
		}
		hdr := headerAt(blockStart)
		if hdr.magic != blockMagic {
			return kernel.ErrCorruption
		}
		allocTotal += headerSize + hdr.size
	}

	if freeTotal+allocTotal != h.len {
		return kernel.ErrCorruption
	}
	return nil
}
