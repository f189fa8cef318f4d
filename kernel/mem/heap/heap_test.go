package heap

import (
	"os"
	"testing"
	"unsafe"

	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/sync"
)

// TestMain neutralizes the interrupt-mask intrinsics behind the heap's
// IRQSpinlock: the test binary runs hosted, in ring 3, where cli faults.
func TestMain(m *testing.M) {
	sync.SetMaskIntrinsics(func() bool { return false }, func() {}, func() {})
	os.Exit(m.Run())
}

// newTestHeap wires a Heap directly over a plain Go byte slice standing in
// for an already fully PMM-backed virtual range, bypassing New's
// vmm.Reserve call and backRange's lazy frame mapping so Alloc/Free can be
// exercised without a running page-table stack, the same convention
// kernel/mem/pmm and kernel/mem/vmm's tests use for their own backing
// memory.
func newTestHeap(t *testing.T, pages uint64) (*Heap, mem.VA) {
	t.Helper()
	size := mem.Size(pages) * mem.PageSize

	// The extra 8 bytes of slack let base be rounded up to an 8-byte
	// boundary without running past the buffer; Alloc's best-fit search
	// assumes callers reserve whole pages, not a slice's arbitrary start.
	buf := make([]byte, uint64(size)+8)
	raw := uintptr(unsafe.Pointer(&buf[0]))
	base := mem.VA((raw + 7) &^ 7)

	backed := make([]bool, pages)
	for i := range backed {
		backed[i] = true
	}

	h := &Heap{
		base:   base,
		len:    size,
		free:   []extent{{start: base, size: size}},
		backed: backed,
	}
	return h, base
}

// TestHeapAllocFreeCoalescing carves three equal-sized blocks
// sequentially out of one page. headerSize+blockLen is not a multiple of
// align, so Alloc leaves a small free slack extent in front of b and in
// front of c to keep their user pointers aligned; each block therefore
// takes need bytes, headerSize+blockLen rounded up to align. The blocks
// are then freed in the order middle, left, right: b absorbs the slack
// extents on both of its sides, a is a right-merge, and c absorbs both
// neighbours at once. The free list must end up back to exactly the
// single extent Alloc started from.
func TestHeapAllocFreeCoalescing(t *testing.T) {
	h, base := newTestHeap(t, 1)

	const blockLen = mem.Size(100)
	const align = mem.Size(8)

	a, err := h.Alloc(blockLen, align)
	if err != nil {
		t.Fatalf("alloc a: %s", err)
	}
	b, err := h.Alloc(blockLen, align)
	if err != nil {
		t.Fatalf("alloc b: %s", err)
	}
	c, err := h.Alloc(blockLen, align)
	if err != nil {
		t.Fatalf("alloc c: %s", err)
	}

	need := (headerSize + blockLen + align - 1) &^ (align - 1)
	if want := base.Add(headerSize); a != want {
		t.Fatalf("expected a at %x; got %x", want, a)
	}
	if want := base.Add(need).Add(headerSize); b != want {
		t.Fatalf("expected b at %x; got %x", want, b)
	}
	if want := base.Add(2 * need).Add(headerSize); c != want {
		t.Fatalf("expected c at %x; got %x", want, c)
	}

	if err := h.Audit(); err != nil {
		t.Fatalf("audit failed after allocs: %s", err)
	}

	// Free the middle block first: a and c are still live, so it only
	// absorbs the alignment slack extents on either side of it and becomes
	// one extent next to the heap's tail.
	if err := h.Free(b); err != nil {
		t.Fatalf("free b: %s", err)
	}
	if got := len(h.free); got != 2 {
		t.Fatalf("expected 2 free extents after freeing b; got %d", got)
	}

	// Free the left block: it is adjacent to b's freed extent, so this is
	// a right-merge.
	if err := h.Free(a); err != nil {
		t.Fatalf("free a: %s", err)
	}
	if got := len(h.free); got != 2 {
		t.Fatalf("expected 2 free extents after freeing a; got %d", got)
	}
	if h.free[0].start != base || h.free[0].size != 2*need {
		t.Fatalf("expected a merged extent of size %d at %x; got {%x %d}", 2*need, base, h.free[0].start, h.free[0].size)
	}

	// Free the right block: it is adjacent to the merged a+b extent on its
	// left and to the heap's untouched tail extent on its right, so this
	// merge must absorb both neighbours in one call.
	if err := h.Free(c); err != nil {
		t.Fatalf("free c: %s", err)
	}

	if err := h.Audit(); err != nil {
		t.Fatalf("audit failed after frees: %s", err)
	}

	if got := len(h.free); got != 1 {
		t.Fatalf("expected the heap to coalesce back to a single extent; got %d extents", got)
	}
	if h.free[0].start != base || h.free[0].size != h.len {
		t.Fatalf("expected the single free extent to span the whole heap ({%x %d}); got {%x %d}",
			base, h.len, h.free[0].start, h.free[0].size)
	}
}

func TestHeapAllocOutOfMemory(t *testing.T) {
	h, _ := newTestHeap(t, 1)

	if _, err := h.Alloc(mem.Size(mem.PageSize)+1, 8); err == nil {
		t.Fatal("expected OutOfMemory when a request exceeds the whole heap")
	}
}

func TestHeapAuditDetectsLiveBlockCorruption(t *testing.T) {
	h, _ := newTestHeap(t, 1)

	if _, err := h.Alloc(32, 8); err != nil {
		t.Fatalf("alloc a: %s", err)
	}
	b, err := h.Alloc(32, 8)
	if err != nil {
		t.Fatalf("alloc b: %s", err)
	}

	if err := h.Audit(); err != nil {
		t.Fatalf("audit failed on a healthy heap: %s", err)
	}

	// Simulate the first block's user data overflowing into b's header:
	// the corrupted magic must be caught without b ever being freed.
	headerAt(mem.VA(uintptr(b) - uintptr(headerSize))).magic = 0
	if err := h.Audit(); err == nil {
		t.Fatal("expected Audit to flag the corrupted live block")
	}
}

func TestHeapFreeRejectsCorruptHeader(t *testing.T) {
	h, _ := newTestHeap(t, 1)

	ptr, err := h.Alloc(16, 8)
	if err != nil {
		t.Fatalf("alloc: %s", err)
	}

	blockStart := mem.VA(uintptr(ptr) - uintptr(headerSize))
	headerAt(blockStart).magic = 0xdeadbeef

	if err := h.Free(ptr); err == nil {
		t.Fatal("expected a corrupted block magic to be rejected")
	}
}
