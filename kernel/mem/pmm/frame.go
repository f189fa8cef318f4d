// Package pmm contains the physical memory frame type shared by the buddy
// allocator and the virtual memory manager.
package pmm

import (
	"math"

	"github.com/zag-os/zag/kernel/mem"
)

// Frame describes a physical memory page index: Frame(n) refers to the page
// starting at physical address n * mem.PageSize.
type Frame uint64

// InvalidFrame is returned by allocators when they fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether this is a real frame as opposed to InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address this frame starts at.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// PA returns the physical address this frame starts at as a mem.PA.
func (f Frame) PA() mem.PA {
	return mem.PA(f.Address())
}

// FrameFromPA returns the frame containing physical address pa, rounding
// down to the enclosing page if pa is not page-aligned.
func FrameFromPA(pa mem.PA) Frame {
	return Frame(uintptr(pa) >> mem.PageShift)
}
