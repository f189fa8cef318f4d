package vmm

import (
	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered via
	// SetFrameAllocator; it backs every new intermediate table mapRegion
	// needs to create.
	frameAllocator FrameAllocatorFn

	// frameFreer points to a frame freer function registered via
	// SetFrameFreer; unmapRegion uses it to return intermediate tables
	// that become empty once their last leaf is cleared.
	frameFreer FreeFrameFn

	// flushTLBEntryFn is mocked by tests.
	flushTLBEntryFn = flushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported at this level"}

	// ErrInvalidMapping is returned when unmapping or translating a VA
	// that has no backing leaf entry.
	ErrInvalidMapping = kernel.ErrUnmapped
)

// FrameAllocatorFn is a function that can allocate a physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FreeFrameFn is a function that can return a physical frame to the PMM.
type FreeFrameFn func(pmm.Frame)

// SetFrameAllocator registers the allocator used to back new page-table
// structures and newly mapped frames.
func SetFrameAllocator(fn FrameAllocatorFn) {
	frameAllocator = fn
}

// SetFrameFreer registers the function used to release page-table frames
// that Unmap finds empty.
func SetFrameFreer(fn FreeFrameFn) {
	frameFreer = fn
}

// stopLevelFor returns the table level at which a region of the given size,
// starting at the given (aligned) va/pa pair, should terminate: the PDPT
// level for a 1GiB-aligned chunk, the PD level for a 2MiB-aligned chunk, or
// the PT level otherwise.
func stopLevelFor(va mem.VA, pa mem.PA, remaining mem.Size) int {
	if remaining >= mem.Size(mem.HugePageSize1G) &&
		uintptr(va)%uintptr(mem.HugePageSize1G) == 0 &&
		uintptr(pa)%uintptr(mem.HugePageSize1G) == 0 {
		return levelPDPT
	}
	if remaining >= mem.Size(mem.HugePageSize2M) &&
		uintptr(va)%uintptr(mem.HugePageSize2M) == 0 &&
		uintptr(pa)%uintptr(mem.HugePageSize2M) == 0 {
		return levelPD
	}
	return levelPT
}

func chunkSizeFor(stopLevel int) mem.Size {
	switch stopLevel {
	case levelPDPT:
		return mem.HugePageSize1G
	case levelPD:
		return mem.HugePageSize2M
	default:
		return mem.PageSize
	}
}

// mapRegion walks root, creating intermediate tables as needed, and maps
// [va, va+size) to the physical range starting at pa. Huge pages are used
// at 1GiB/2MiB granularity wherever alignment and remaining size allow.
func mapRegion(root pmm.Frame, va mem.VA, pa mem.PA, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	for size > 0 {
		stopLevel := stopLevelFor(va, pa, size)
		chunk := chunkSizeFor(stopLevel)

		if err := mapOne(root, va, pa, stopLevel, flags); err != nil {
			return err
		}

		va = va.Add(chunk)
		pa = pa.Add(chunk)
		size -= chunk
	}
	return nil
}

func mapOne(root pmm.Frame, va mem.VA, pa mem.PA, stopLevel int, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(root, va, stopLevel, func(level int, pte *pageTableEntry) (pmm.Frame, bool) {
		if level == stopLevel {
			*pte = 0
			pte.SetPA(pa)
			pte.SetFlags(FlagPresent | flags)
			if stopLevel != levelPT {
				pte.SetFlags(FlagHugePage)
			}
			flushTLBEntryFn(va.Ptr())
			return 0, false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return 0, false
		}

		if !pte.HasFlags(FlagPresent) {
			newFrame, allocErr := frameAllocator()
			if allocErr != nil {
				err = allocErr
				return 0, false
			}

			*pte = 0
			pte.SetFrame(newFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			mem.Memset(physToVirt(newFrame.PA()).Ptr(), 0, mem.PageSize)
		}

		// The CPU checks U/S at every level, so a user leaf needs it on
		// each table entry above it too.
		if flags&FlagUser != 0 {
			pte.SetFlags(FlagUser)
		}

		return pte.Frame(), true
	})

	return err
}

// unmapRegion clears [va, va+size) and frees any intermediate table that
// becomes completely empty as a result.
func unmapRegion(root pmm.Frame, va mem.VA, size mem.Size) *kernel.Error {
	for size > 0 {
		_, chunk, err := unmapOne(root, va)
		if err != nil {
			return err
		}

		va = va.Add(chunk)
		if size < chunk {
			size = 0
		} else {
			size -= chunk
		}
	}
	return nil
}

// unmapOne clears the single leaf or huge entry covering va, returning the
// size of the region it covered, then walks back up freeing now-empty
// intermediate tables.
func unmapOne(root pmm.Frame, va mem.VA) (int, mem.Size, *kernel.Error) {
	var (
		err       *kernel.Error
		chunk     mem.Size
		stopLevel int
		path      [pageLevels]struct {
			frame pmm.Frame
			pte   *pageTableEntry
		}
	)

	walk(root, va, pageLevels-1, func(level int, pte *pageTableEntry) (pmm.Frame, bool) {
		path[level].pte = pte

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return 0, false
		}

		if pte.HasFlags(FlagHugePage) || level == levelPT {
			stopLevel = level
			chunk = chunkSizeFor(level)
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(va.Ptr())
			return 0, false
		}

		next := pte.Frame()
		path[level].frame = next
		return next, true
	})

	if err != nil {
		return 0, 0, err
	}

	for level := stopLevel - 1; level >= 0; level-- {
		table := tableAt(path[level].frame)
		empty := true
		for i := range table {
			if table[i].HasFlags(FlagPresent) {
				empty = false
				break
			}
		}
		if !empty {
			break
		}
		if frameFreer != nil {
			frameFreer(path[level].frame)
		}
		path[level].pte.ClearFlags(FlagPresent)
	}

	return stopLevel, chunk, nil
}
