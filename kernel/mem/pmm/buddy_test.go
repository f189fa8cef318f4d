package pmm

import (
	"testing"
	"unsafe"

	"github.com/zag-os/zag/kernel/mem"
)

// withFakePhysMem points physToVirt at a plain Go byte slice standing in
// for physical memory. It returns the slice so callers can zero it or inspect headers directly.
func withFakePhysMem(t *testing.T, pages uint64) []byte {
	t.Helper()
	physMem := make([]byte, pages*uint64(mem.PageSize))
	base := uintptr(unsafe.Pointer(&physMem[0]))

	old := physToVirt
	physToVirt = func(pa mem.PA) mem.VA {
		return mem.VA(base + uintptr(pa))
	}
	t.Cleanup(func() { physToVirt = old })

	return physMem
}

// newTestBuddy wires a Buddy with totalPages worth of fake physical memory
// and a single free block at the given order, bypassing Init's region
// scanning and bootstrap allocator so scenarios can start from an exact,
// known pool shape.
func newTestBuddy(t *testing.T, totalPages uint64, seedOrder mem.PageOrder) *Buddy {
	t.Helper()
	withFakePhysMem(t, totalPages)

	b := &Buddy{maxFrame: Frame(totalPages)}
	for i := range b.freeHead {
		b.freeHead[i] = InvalidFrame
	}
	for o := 0; o < numOrders-1; o++ {
		b.splitBits[o] = bitset{words: make([]uint64, 16)}
	}

	b.insertFree(seedOrder, 0)
	return b
}

// TestBuddySplitAndMerge starts from a 4MiB pool
// seeded as a single order-10 block. Allocating one order-0 page should
// split it all the way down, leaving exactly one free block in each of
// lists 0..9 and none at order 10; freeing it again should coalesce back
// to the original single order-10 block with every other list empty.
func TestBuddySplitAndMerge(t *testing.T) {
	const totalPages = 1 << mem.MaxPageOrder // 1024 pages == 4MiB

	b := newTestBuddy(t, totalPages, mem.MaxPageOrder)

	frame, err := b.Alloc(0)
	if err != nil {
		t.Fatalf("unexpected alloc error: %s", err)
	}
	if frame != 0 {
		t.Fatalf("expected the allocated frame to be 0; got %d", frame)
	}

	for o := 0; o < int(mem.MaxPageOrder); o++ {
		if got := b.freeCount[o]; got != 1 {
			t.Errorf("order %d: expected free count 1 after split; got %d", o, got)
		}
	}
	if got := b.freeCount[mem.MaxPageOrder]; got != 0 {
		t.Errorf("order %d: expected free count 0 after split; got %d", mem.MaxPageOrder, got)
	}

	if err := b.Audit(); err != nil {
		t.Fatalf("audit failed after alloc: %s", err)
	}

	if err := b.Free(frame, 0); err != nil {
		t.Fatalf("unexpected free error: %s", err)
	}

	for o := 0; o < int(mem.MaxPageOrder); o++ {
		if got := b.freeCount[o]; got != 0 {
			t.Errorf("order %d: expected free count 0 after merge; got %d", o, got)
		}
	}
	if got := b.freeCount[mem.MaxPageOrder]; got != 1 {
		t.Errorf("order %d: expected free count 1 after merge; got %d", mem.MaxPageOrder, got)
	}
	if head := b.freeHead[mem.MaxPageOrder]; head != 0 {
		t.Errorf("expected the merged block to be frame 0; got %d", head)
	}

	if err := b.Audit(); err != nil {
		t.Fatalf("audit failed after merge: %s", err)
	}
}

func TestBuddyAllocOutOfMemory(t *testing.T) {
	b := newTestBuddy(t, 1, 0)

	if _, err := b.Alloc(0); err != nil {
		t.Fatalf("unexpected error on first alloc: %s", err)
	}

	if _, err := b.Alloc(0); err == nil {
		t.Fatal("expected OutOfMemory on second alloc from an exhausted order-0 pool")
	}
}

func TestBuddyAllocInvalidOrder(t *testing.T) {
	b := newTestBuddy(t, 1<<mem.MaxPageOrder, mem.MaxPageOrder)

	if _, err := b.Alloc(mem.MaxPageOrder + 1); err == nil {
		t.Fatal("expected InvalidArgument for an order beyond MaxPageOrder")
	}
}

func TestBuddyFreeRejectsMisaligned(t *testing.T) {
	b := newTestBuddy(t, 1<<mem.MaxPageOrder, mem.MaxPageOrder)

	frame, err := b.Alloc(2)
	if err != nil {
		t.Fatalf("unexpected alloc error: %s", err)
	}

	if err := b.Free(frame+1, 2); err == nil {
		t.Fatal("expected InvalidArgument when freeing a misaligned frame for its order")
	}
}

// TestBuddyFreeRejectsDoubleFree seeds two independent order-0 blocks and
// then frees one of them again: the free-node magic still stamped on the
// already-free frame must make Free reject the call.
func TestBuddyFreeRejectsDoubleFree(t *testing.T) {
	b := newTestBuddy(t, 2, 0)
	b.insertFree(0, 1)

	if err := b.Free(0, 0); err == nil {
		t.Fatal("expected double-insert of an already-free frame to be rejected")
	}
}
