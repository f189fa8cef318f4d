package vmm

import (
	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
	"github.com/zag-os/zag/kernel/sync"
)

// Reservation is one entry in an address space's ordered list of reserved
// virtual regions. At most a few hundred are expected per
// process, so a flat sorted slice with linear first-fit search and
// insertion is simpler than a tree and cheap enough at this scale.
type Reservation struct {
	Start mem.VA
	Pages uint64
	Perms PageTableEntryFlag
}

func (r Reservation) end() mem.VA {
	return r.Start.Add(mem.Size(r.Pages) * mem.PageSize)
}

// Per-half reservation bounds. The user half leaves the zero page
// permanently unreserved; the kernel half starts above the physmap window
// and ends below kernel text, so neither can collide with a reservation.
const (
	userReserveBase  = mem.VA(0x0000000000400000)
	userReserveLimit = mem.VA(0x0000800000000000)

	kernelReserveBase  = mem.VA(0xFFFFA00000000000)
	kernelReserveLimit = mem.VA(0xFFFFFFFF80000000)
)

func alignUpVA(v mem.VA, align mem.Size) mem.VA {
	a := uintptr(align)
	return mem.VA((uintptr(v) + a - 1) &^ (a - 1))
}

// AddressSpace is one process's page-table root plus its reservation list.
// Every paging structure is reached through the physmap, so Map/Unmap work
// identically whether or not this address space is currently active; no
// recursive self-mapping or temporary-mapping dance is needed to reach an
// inactive root.
type AddressSpace struct {
	root         pmm.Frame
	reservations []Reservation

	// lock serialises Reserve/Map/Unmap/CloneKernelHalf against concurrent
	// callers on other CPUs.
	lock sync.IRQSpinlock
}

// NewAddressSpace wraps an already-allocated, zeroed root table frame.
func NewAddressSpace(root pmm.Frame) *AddressSpace {
	return &AddressSpace{root: root}
}

// Root returns the physical frame backing this address space's top-level
// table.
func (s *AddressSpace) Root() pmm.Frame {
	return s.root
}

// Reservations returns the address space's reservation list, ordered by
// virtual address. Callers must not mutate the returned slice.
func (s *AddressSpace) Reservations() []Reservation {
	return s.reservations
}

// Activate loads this address space's root into CR3.
func (s *AddressSpace) Activate() {
	switchPDT(uintptr(s.root.Address()))
}

// Reserve picks the lowest unused range of size bytes, aligned to align,
// within the half implied by perms&FlagUser, and records it. It does not
// establish any mapping.
func (s *AddressSpace) Reserve(size mem.Size, align mem.Size, perms PageTableEntryFlag) (mem.VA, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	pages := size.Pages()
	length := mem.Size(pages) * mem.PageSize

	base, limit := kernelReserveBase, kernelReserveLimit
	if perms&FlagUser != 0 {
		base, limit = userReserveBase, userReserveLimit
	}

	cur := alignUpVA(base, align)
	insertAt := len(s.reservations)
	for i, r := range s.reservations {
		if r.Start < base {
			continue
		}
		if r.Start >= limit {
			insertAt = i
			break
		}
		if cur.Add(length) <= r.Start {
			insertAt = i
			break
		}
		if next := alignUpVA(r.end(), align); next > cur {
			cur = next
		}
	}

	if cur.Add(length) > limit {
		return 0, kernel.ErrOutOfMemory
	}

	s.reservations = append(s.reservations, Reservation{})
	copy(s.reservations[insertAt+1:], s.reservations[insertAt:])
	s.reservations[insertAt] = Reservation{Start: cur, Pages: pages, Perms: perms}

	return cur, nil
}

func (s *AddressSpace) contains(va mem.VA, pages uint64) bool {
	end := va.Add(mem.Size(pages) * mem.PageSize)
	for _, r := range s.reservations {
		if va >= r.Start && end <= r.end() {
			return true
		}
	}
	return false
}

// Map establishes [va, va+pages*4KiB) -> [pa, pa+pages*4KiB) with the given
// permissions. va must lie entirely within a prior Reserve call.
func (s *AddressSpace) Map(va mem.VA, pa mem.PA, pages uint64, perms PageTableEntryFlag) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	if !s.contains(va, pages) {
		return kernel.ErrInvalidArgument
	}
	return mapRegion(s.root, va, pa, mem.Size(pages)*mem.PageSize, perms)
}

// Unmap clears [va, va+pages*4KiB), frees any intermediate table left
// empty by doing so, and shoots the range down on every other CPU.
func (s *AddressSpace) Unmap(va mem.VA, pages uint64) *kernel.Error {
	s.lock.Acquire()
	err := unmapRegion(s.root, va, mem.Size(pages)*mem.PageSize)
	s.lock.Release()

	if err != nil {
		return err
	}
	shootdownFn(va, pages)
	return nil
}

// CloneKernelHalf copies the upper-half PML4 entries from s into newRoot,
// so every process shares the physmap, kernel text and heap. newRoot must already be a zeroed table frame.
func (s *AddressSpace) CloneKernelHalf(newRoot pmm.Frame) {
	s.lock.Acquire()
	defer s.lock.Release()

	src := tableAt(s.root)
	dst := tableAt(newRoot)
	for i := kernelHalfPML4Index; i < tableEntries; i++ {
		dst[i] = src[i]
	}
}
