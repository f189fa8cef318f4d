package vmm

import (
	"os"
	"testing"
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
	"github.com/zag-os/zag/kernel/sync"
)

// TestMain neutralizes the interrupt-mask intrinsics behind each address
// space's IRQSpinlock: the test binary runs hosted, in ring 3, where cli
// faults.
func TestMain(m *testing.M) {
	sync.SetMaskIntrinsics(func() bool { return false }, func() {}, func() {})
	os.Exit(m.Run())
}

// testArena is a plain Go byte slice standing in for physical memory: frame
// N starts at byte offset N*4KiB, and physToVirt resolves a PA by adding
// the arena's (page-aligned) base address, the same convention
// kernel/mem/heap's tests use for their backing memory.
type testArena struct {
	buf   []byte
	base  uintptr
	next  pmm.Frame
	freed []pmm.Frame
}

func newTestArena(t *testing.T, frames int) *testArena {
	t.Helper()

	buf := make([]byte, (frames+1)*int(mem.PageSize))
	base := (uintptr(unsafe.Pointer(&buf[0])) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	a := &testArena{buf: buf, base: base}

	physToVirt = func(pa mem.PA) mem.VA { return mem.VA(a.base + uintptr(pa)) }
	flushTLBEntryFn = func(uintptr) {}
	SetFrameAllocator(a.alloc)
	SetFrameFreer(a.free)

	t.Cleanup(func() {
		physToVirt = mem.Physmap
		flushTLBEntryFn = flushTLBEntry
		SetFrameAllocator(nil)
		SetFrameFreer(nil)
	})
	return a
}

func (a *testArena) alloc() (pmm.Frame, *kernel.Error) {
	if int(a.next+1)*int(mem.PageSize) > len(a.buf)-int(mem.PageSize) {
		return pmm.InvalidFrame, kernel.ErrOutOfMemory
	}
	f := a.next
	a.next++
	return f, nil
}

func (a *testArena) free(f pmm.Frame) {
	a.freed = append(a.freed, f)
}

// newRoot allocates and returns a zeroed root table frame from the arena.
func newRoot(t *testing.T, a *testArena) pmm.Frame {
	t.Helper()
	root, err := a.alloc()
	if err != nil {
		t.Fatalf("allocating root: %s", err)
	}
	return root
}

func TestReserveFirstFitNonOverlapping(t *testing.T) {
	a := newTestArena(t, 4)
	s := NewAddressSpace(newRoot(t, a))

	first, err := s.Reserve(3*mem.PageSize, mem.PageSize, FlagRW)
	if err != nil {
		t.Fatalf("reserve: %s", err)
	}
	if first != kernelReserveBase {
		t.Fatalf("expected first kernel reservation at %x; got %x", uintptr(kernelReserveBase), uintptr(first))
	}

	second, err := s.Reserve(mem.PageSize, mem.Size(1<<21), FlagRW)
	if err != nil {
		t.Fatalf("reserve: %s", err)
	}
	if uintptr(second)%(1<<21) != 0 {
		t.Fatalf("expected 2MiB-aligned reservation; got %x", uintptr(second))
	}
	if second < first.Add(3*mem.PageSize) {
		t.Fatalf("reservations overlap: %x after %x", uintptr(second), uintptr(first))
	}

	// A user-half reservation must land in the lower half, independent of
	// the kernel-half allocations.
	uva, err := s.Reserve(mem.PageSize, mem.PageSize, FlagRW|FlagUser)
	if err != nil {
		t.Fatalf("reserve user: %s", err)
	}
	if uva != userReserveBase {
		t.Fatalf("expected first user reservation at %x; got %x", uintptr(userReserveBase), uintptr(uva))
	}

	// The reservation list stays address-sorted and non-overlapping.
	rs := s.Reservations()
	for i := 1; i < len(rs); i++ {
		if rs[i-1].end() > rs[i].Start {
			t.Fatalf("reservation %d overlaps its successor", i-1)
		}
	}
}

func TestMapRequiresReservation(t *testing.T) {
	a := newTestArena(t, 8)
	s := NewAddressSpace(newRoot(t, a))

	if err := s.Map(kernelReserveBase, 0, 1, FlagRW); err != kernel.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for an unreserved map; got %v", err)
	}
}

func TestMapTranslateUnmapRoundtrip(t *testing.T) {
	a := newTestArena(t, 16)
	s := NewAddressSpace(newRoot(t, a))

	va, err := s.Reserve(2*mem.PageSize, mem.PageSize, FlagRW)
	if err != nil {
		t.Fatalf("reserve: %s", err)
	}

	const pa = mem.PA(0x5000)
	if err := s.Map(va, pa, 2, FlagRW|FlagNX); err != nil {
		t.Fatalf("map: %s", err)
	}

	got, err := s.Translate(va.Add(mem.PageSize + 0x123))
	if err != nil {
		t.Fatalf("translate: %s", err)
	}
	if want := pa.Add(mem.PageSize + 0x123); got != want {
		t.Fatalf("expected translation %x; got %x", uintptr(want), uintptr(got))
	}

	if err := s.Unmap(va, 2); err != nil {
		t.Fatalf("unmap: %s", err)
	}
	if _, err := s.Translate(va); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
	}

	// Unmapping the only leaves must have returned every intermediate
	// table (PT, PD, PDPT) to the freer.
	if len(a.freed) != 3 {
		t.Fatalf("expected 3 intermediate tables freed; got %d", len(a.freed))
	}
}

func TestMapHugePage1G(t *testing.T) {
	a := newTestArena(t, 8)
	root := newRoot(t, a)

	va := mem.VA(0xFFFFC00000000000)
	if err := mapRegion(root, va, 0, mem.HugePageSize1G, FlagRW|FlagNX); err != nil {
		t.Fatalf("map: %s", err)
	}

	// The PDPT entry must be a present huge leaf with PA field 0.
	var leafLevel = -1
	var leaf pageTableEntry
	walk(root, va, pageLevels-1, func(level int, pte *pageTableEntry) (pmm.Frame, bool) {
		if !pte.HasFlags(FlagPresent) {
			return 0, false
		}
		if pte.HasFlags(FlagHugePage) {
			leafLevel, leaf = level, *pte
			return 0, false
		}
		return pte.Frame(), true
	})

	if leafLevel != levelPDPT {
		t.Fatalf("expected a huge leaf at the PDPT level; got level %d", leafLevel)
	}
	if leaf.PA() != 0 {
		t.Fatalf("expected PA field 0; got %x", uintptr(leaf.PA()))
	}
	if !leaf.HasFlags(FlagRW | FlagNX) {
		t.Fatalf("expected RW|NX on the leaf; got %x", uint64(leaf))
	}

	if err := unmapRegion(root, va, mem.HugePageSize1G); err != nil {
		t.Fatalf("unmap: %s", err)
	}
	pdptIdx := levelIndex(va, levelPML4)
	if tableAt(root)[pdptIdx].HasFlags(FlagPresent) {
		t.Fatal("expected the PML4 entry to be cleared once its PDPT emptied")
	}
}

func TestCloneKernelHalf(t *testing.T) {
	a := newTestArena(t, 8)
	src := NewAddressSpace(newRoot(t, a))

	va, err := src.Reserve(mem.PageSize, mem.PageSize, FlagRW)
	if err != nil {
		t.Fatalf("reserve: %s", err)
	}
	if err := src.Map(va, 0x2000, 1, FlagRW); err != nil {
		t.Fatalf("map: %s", err)
	}

	dst := newRoot(t, a)
	src.CloneKernelHalf(dst)

	srcTable, dstTable := tableAt(src.Root()), tableAt(dst)
	for i := 0; i < tableEntries; i++ {
		if i < kernelHalfPML4Index {
			if dstTable[i] != 0 {
				t.Fatalf("expected lower-half entry %d to stay empty", i)
			}
			continue
		}
		if dstTable[i] != srcTable[i] {
			t.Fatalf("expected upper-half entry %d to be cloned", i)
		}
	}
}

func TestVisitMappings(t *testing.T) {
	a := newTestArena(t, 16)
	root := newRoot(t, a)

	vaLow := mem.VA(0x400000)
	vaHigh := mem.VA(0xFFFFC00000000000)
	if err := mapRegion(root, vaLow, 0x3000, 2*mem.PageSize, FlagRW|FlagUser); err != nil {
		t.Fatalf("map low: %s", err)
	}
	if err := mapRegion(root, vaHigh, 0, mem.HugePageSize1G, FlagRW); err != nil {
		t.Fatalf("map high: %s", err)
	}

	s := NewAddressSpace(root)
	var got []Mapping
	s.VisitMappings(func(m Mapping) bool {
		got = append(got, m)
		return true
	})

	if len(got) != 3 {
		t.Fatalf("expected 3 mappings; got %d", len(got))
	}

	// Ascending VA order: the two user pages, then the kernel huge page
	// with its canonical sign extension applied.
	if got[0].VA != vaLow || got[1].VA != vaLow.Add(mem.PageSize) {
		t.Fatalf("unexpected low mappings: %x, %x", uintptr(got[0].VA), uintptr(got[1].VA))
	}
	if got[0].Depth != levelPT || got[0].PA != 0x3000 || got[0].Size != mem.PageSize {
		t.Fatalf("unexpected first mapping: %+v", got[0])
	}
	if got[2].VA != vaHigh {
		t.Fatalf("expected sign-extended kernel VA %x; got %x", uintptr(vaHigh), uintptr(got[2].VA))
	}
	if got[2].Depth != levelPDPT || got[2].Size != mem.HugePageSize1G {
		t.Fatalf("unexpected huge mapping: %+v", got[2])
	}
	if got[2].Indices[0] != uint16(levelIndex(vaHigh, levelPML4)) {
		t.Fatalf("unexpected PML4 index %d", got[2].Indices[0])
	}
}
