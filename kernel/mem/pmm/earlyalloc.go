package pmm

import (
	"github.com/zag-os/zag/kernel/boot"
	"github.com/zag-os/zag/kernel/mem"
)

// earlyAllocator is a rudimentary bump allocator used only while the buddy
// allocator is bootstrapping: it hands out the handful of frames the buddy
// needs for its own split-bitmap storage before any free list exists to
// serve that request. It can never free a page; once the buddy is
// initialized, every further allocation goes through Alloc/Free instead.
//
// It is a monotonically increasing allocation index walked against the
// free regions reported by the loader.
type earlyAllocator struct {
	regions        []boot.MemRegion
	lastAllocIndex int64
}

func (a *earlyAllocator) init(regions []boot.MemRegion) {
	a.regions = regions
	a.lastAllocIndex = -1
}

// allocFrame reserves the next available free frame. It is only valid to
// call this before the region it returns from has been handed to the
// buddy's free lists.
func (a *earlyAllocator) allocFrame() (Frame, bool) {
	var (
		found       int64 = -1
		regionStart int64
		regionEnd   int64
	)

	for _, r := range a.regions {
		if r.Kind != boot.KindFree {
			continue
		}

		regionStart = int64(uintptr(r.Start) >> mem.PageShift)
		regionEnd = regionStart + int64(r.Pages)

		if a.lastAllocIndex >= regionEnd-1 {
			continue
		}

		if a.lastAllocIndex < regionStart {
			found = regionStart
		} else {
			found = a.lastAllocIndex + 1
		}
		break
	}

	if found == -1 {
		return InvalidFrame, false
	}

	a.lastAllocIndex = found
	return Frame(found), true
}
