// Package pmm implements the kernel's physical memory manager: a buddy
// allocator over page orders 0..10 (4KiB..4MiB), fed by the compacted
// memory map produced by kernel/boot.
//
// Free blocks are tracked with intrusive singly-linked lists threaded
// through the free pages themselves (accessed through the physmap, which
// is established before Init runs) rather than an external bookkeeping
// array: the pool is keyed by frame PA, and the physmap makes every frame
// addressable. A flat split bitmap records, for every order below the
// maximum, whether a given parent block has been divided into two
// independent children. Free tests it in O(1) and skips the free-list scan
// when the parent was never split; when it was, Free still walks that
// order's free list to find and unlink the buddy.
package pmm

import (
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/boot"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/sync"
)

const numOrders = int(mem.MaxPageOrder) + 1

// freeNodeMagic stamps a block currently sitting in a free list.
// allocMagic stamps a block immediately after it leaves one. Neither
// survives the caller overwriting the page, so this is a best-effort
// double-free detector, not a guarantee.
const (
	freeNodeMagic uint64 = 0xF4EEB10CF4EEB10C
	allocMagic    uint64 = 0xA110C8EDA110C8ED
)

// freeNode is the header threaded through a free block's first bytes.
type freeNode struct {
	magic uint64
	next  uint64 // Frame number, or uint64(InvalidFrame)
}

// physToVirt resolves a physical address to a dereferenceable virtual one.
// It is a package-level var so it can be swapped out in tests: tests point it at a plain Go byte slice standing
// in for physical memory instead of the real physmap window.
var physToVirt = mem.Physmap

func nodeAt(f Frame) *freeNode {
	return (*freeNode)(unsafe.Pointer(physToVirt(f.PA()).Ptr()))
}

// Buddy is a buddy-system physical page allocator. The zero value is not
// usable; call Init with the compacted memory map before any Alloc/Free.
type Buddy struct {
	freeHead  [numOrders]Frame
	freeCount [numOrders]uint32

	// splitBits[o] holds one bit per order-(o+1) parent block, set while
	// that parent is divided into two order-o children.
	splitBits [numOrders]bitset

	maxFrame Frame
	early    earlyAllocator

	initialized bool
}

// Allocator is the kernel-wide buddy allocator instance. Its Alloc and
// Free methods are not safe for concurrent use by themselves; callers other
// than the package-level AllocPages/FreePages functions below must hold Lock
// for the duration of any call.
var Allocator Buddy

// Lock serialises every mutation of Allocator's free lists and split
// bitmaps across CPUs, disabling interrupts on the holding CPU for the
// duration. Acquisition order across the kernel's global
// structures is PMM < VMM < heap < run_queue; Lock must never be held
// while trying to acquire any of the others.
var Lock sync.IRQSpinlock

// AllocPages is the lock-guarded entry point the rest of the kernel should
// use to allocate frames.
func AllocPages(order mem.PageOrder) (Frame, *kernel.Error) {
	Lock.Acquire()
	defer Lock.Release()
	return Allocator.Alloc(order)
}

// FreePages is the lock-guarded counterpart to AllocPages.
func FreePages(f Frame, order mem.PageOrder) *kernel.Error {
	Lock.Acquire()
	defer Lock.Release()
	return Allocator.Free(f, order)
}

// bitset is a flat, non-allocating bit array backed by memory carved out of
// the pool itself during Init.
type bitset struct {
	words []uint64
}

func (b bitset) test(i uint64) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

func (b bitset) set(i uint64) {
	b.words[i/64] |= 1 << (i % 64)
}

func (b bitset) clear(i uint64) {
	b.words[i/64] &^= 1 << (i % 64)
}

// Init seeds the buddy allocator from the compacted free regions produced
// by kernel/boot. It consumes a handful of frames from the lowest free
// region for its own split-bitmap storage before adding the remainder of
// every free region to the free lists.
func (b *Buddy) Init(regions []boot.MemRegion) *kernel.Error {
	var maxEnd Frame
	for _, r := range regions {
		end := Frame(uintptr(r.Start)>>mem.PageShift) + Frame(r.Pages)
		if end > maxEnd {
			maxEnd = end
		}
	}
	b.maxFrame = maxEnd

	// Reserve storage for the split bitmaps: one bit per order-(o+1)
	// parent block, for o in [0, MaxPageOrder).
	var totalBits uint64
	bitsPerOrder := make([]uint64, numOrders)
	for o := 0; o < numOrders-1; o++ {
		n := (uint64(b.maxFrame) + (1 << (o + 1)) - 1) >> uint(o+1)
		bitsPerOrder[o] = n
		totalBits += n
	}
	totalWords := (totalBits + 63) / 64
	if totalWords == 0 {
		totalWords = 1
	}

	b.early.init(regions)
	backing := b.reserveEarlyFrames(totalWords)
	mem.Memset(physToVirt(backing.PA()).Ptr(), 0, mem.Size(totalWords)*8)

	allWords := unsafeUint64Slice(physToVirt(backing.PA()).Ptr(), int(totalWords))
	var consumed uint64
	for o := 0; o < numOrders-1; o++ {
		n := (bitsPerOrder[o] + 63) / 64
		if n == 0 {
			n = 1
		}
		b.splitBits[o] = bitset{words: allWords[consumed : consumed+n]}
		consumed += n
	}

	for i := range b.freeHead {
		b.freeHead[i] = InvalidFrame
	}

	consumedBoundary := Frame(0)
	if b.early.lastAllocIndex >= 0 {
		consumedBoundary = Frame(b.early.lastAllocIndex + 1)
	}
	for _, r := range regions {
		if r.Kind != boot.KindFree {
			continue
		}
		start := Frame(uintptr(r.Start) >> mem.PageShift)
		end := start + Frame(r.Pages)
		if start < consumedBoundary {
			start = consumedBoundary
		}
		if start < end {
			b.addFreeRun(start, uint64(end-start))
		}
	}

	b.initialized = true
	return nil
}

// reserveEarlyFrames pulls count contiguous frames from the bootstrap bump
// allocator. Since Init runs once at the very start of physical memory
// management, the bump allocator's first count allocations are guaranteed
// contiguous as long as the lowest free region is large enough, which holds
// for every memory map this kernel targets.
func (b *Buddy) reserveEarlyFrames(count uint64) Frame {
	first, ok := b.early.allocFrame()
	if !ok {
		kernelPanicOOM()
	}
	for i := uint64(1); i < count; i++ {
		f, ok := b.early.allocFrame()
		if !ok || f != first+Frame(i) {
			kernelPanicOOM()
		}
	}
	return first
}

func kernelPanicOOM() {
	panic(kernel.ErrOutOfMemory)
}

func unsafeUint64Slice(addr uintptr, n int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(addr)), n)
}

// addFreeRun decomposes [start, start+pages) into maximal order-aligned
// blocks and inserts each directly into its free list. No split bit is set
// for these blocks: they were never divided from a larger block, so a
// later Free() must not attempt to merge one with whatever lies across its
// natural alignment boundary (which may be a reserved hole, not memory
// this pool owns).
func (b *Buddy) addFreeRun(start Frame, pages uint64) {
	cur := start
	remaining := pages
	for remaining > 0 {
		order := maxOrderFor(cur, remaining)
		b.insertFree(order, cur)
		advance := uint64(1) << order
		cur += Frame(advance)
		remaining -= advance
	}
}

func maxOrderFor(f Frame, remaining uint64) mem.PageOrder {
	order := mem.MaxPageOrder
	for order > 0 {
		size := uint64(1) << order
		if uint64(f)%size == 0 && size <= remaining {
			break
		}
		order--
	}
	return order
}

func (b *Buddy) insertFree(order mem.PageOrder, f Frame) {
	n := nodeAt(f)
	n.magic = freeNodeMagic
	n.next = uint64(b.freeHead[order])
	b.freeHead[order] = f
	b.freeCount[order]++
}

func (b *Buddy) popFree(order mem.PageOrder) Frame {
	f := b.freeHead[order]
	if !f.Valid() {
		return InvalidFrame
	}
	n := nodeAt(f)
	b.freeHead[order] = Frame(n.next)
	b.freeCount[order]--
	return f
}

func (b *Buddy) removeFree(order mem.PageOrder, target Frame) bool {
	prev := InvalidFrame
	cur := b.freeHead[order]
	for cur.Valid() {
		if cur == target {
			n := nodeAt(cur)
			if prev.Valid() {
				nodeAt(prev).next = n.next
			} else {
				b.freeHead[order] = Frame(n.next)
			}
			b.freeCount[order]--
			return true
		}
		prev = cur
		cur = Frame(nodeAt(cur).next)
	}
	return false
}

func (b *Buddy) setSplit(order mem.PageOrder, f Frame) {
	b.splitBits[order].set(uint64(f) >> uint(order+1))
}

func (b *Buddy) clearSplit(order mem.PageOrder, f Frame) {
	b.splitBits[order].clear(uint64(f) >> uint(order+1))
}

func (b *Buddy) isSplit(order mem.PageOrder, f Frame) bool {
	return b.splitBits[order].test(uint64(f) >> uint(order+1))
}

// Alloc reserves one free block of the given order, splitting a larger
// block if no block of exactly that order is free.
func (b *Buddy) Alloc(order mem.PageOrder) (Frame, *kernel.Error) {
	if order > mem.MaxPageOrder {
		return InvalidFrame, kernel.ErrInvalidArgument
	}

	k := order
	for k <= mem.MaxPageOrder && b.freeCount[k] == 0 {
		k++
	}
	if k > mem.MaxPageOrder {
		return InvalidFrame, kernel.ErrOutOfMemory
	}

	block := b.popFree(k)
	for j := int(k) - 1; j >= int(order); j-- {
		jo := mem.PageOrder(j)
		high := block + Frame(1)<<uint(j)
		b.insertFree(jo, high)
		b.setSplit(jo, block)
	}

	n := nodeAt(block)
	n.magic = allocMagic
	return block, nil
}

// Free returns a block of the given order to the allocator, coalescing
// with its buddy at each order while the buddy is itself free and was
// created as an independent sibling.
func (b *Buddy) Free(f Frame, order mem.PageOrder) *kernel.Error {
	if order > mem.MaxPageOrder || !f.Aligned(order) {
		return kernel.ErrInvalidArgument
	}
	if nodeAt(f).magic == freeNodeMagic {
		return kernel.ErrCorruption
	}

	cur := f
	o := order
	for o < mem.MaxPageOrder {
		if !b.isSplit(o, cur) {
			break
		}
		buddy := cur ^ Frame(1)<<uint(o)
		if !b.removeFree(o, buddy) {
			break
		}
		b.clearSplit(o, cur)
		if buddy < cur {
			cur = buddy
		}
		o++
	}

	b.insertFree(o, cur)
	return nil
}

// Aligned reports whether f is aligned to the given order's block size.
func (f Frame) Aligned(order mem.PageOrder) bool {
	return uint64(f)%(uint64(1)<<uint(order)) == 0
}

// FreePageCount returns the number of free order-0 pages currently tracked
// across all orders; used by diagnostics and tests.
func (b *Buddy) FreePageCount() uint64 {
	var total uint64
	for o := 0; o <= int(mem.MaxPageOrder); o++ {
		total += uint64(b.freeCount[o]) << uint(o)
	}
	return total
}

// Audit walks every free list and returns an error describing the first
// invariant violation found (a misaligned block, a block listed twice, or a
// missing free-node magic), or nil. The split bitmaps are not checked. It is intended
// for debug builds and tests, not the allocation hot path.
func (b *Buddy) Audit() *kernel.Error {
	seen := map[Frame]bool{}
	for o := 0; o <= int(mem.MaxPageOrder); o++ {
		order := mem.PageOrder(o)
		for cur := b.freeHead[order]; cur.Valid(); cur = Frame(nodeAt(cur).next) {
			if !cur.Aligned(order) {
				return kernel.ErrCorruption
			}
			if seen[cur] {
				return kernel.ErrCorruption
			}
			seen[cur] = true
			if nodeAt(cur).magic != freeNodeMagic {
				return kernel.ErrCorruption
			}
		}
	}
	return nil
}
