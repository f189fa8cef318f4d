package boot

import (
	"testing"
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
)

// buildDescriptors lays out raw UEFI-style descriptors contiguously so they
// can be fed to compactMemoryMap via a synthetic Info.
func buildDescriptors(t *testing.T, descs []rawDescriptor) *Info {
	t.Helper()

	buf := make([]rawDescriptor, len(descs))
	copy(buf, descs)

	info := &Info{}
	info.XSDPPhysAddr = 1
	info.MMap.Ptr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	info.MMap.DescriptorSize = uint64(unsafe.Sizeof(rawDescriptor{}))
	info.MMap.NumDescriptors = uint64(len(buf))

	return info
}

func TestCompactMemoryMap(t *testing.T) {
	const pageSize = uint64(mem.PageSize)

	info := buildDescriptors(t, []rawDescriptor{
		{Type: typeConventionalMemory, PhysStart: 0, NumberOfPages: 10},
		{Type: typeLoaderData, PhysStart: 10 * pageSize, NumberOfPages: 5},
		{Type: typeReservedMemoryType, PhysStart: 15 * pageSize, NumberOfPages: 2},
		{Type: typeReservedMemoryType, PhysStart: 17 * pageSize, NumberOfPages: 3},
	})

	regions, xsdp, _, err := Parse(info)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if xsdp != 1 {
		t.Fatalf("expected xsdp 1; got %d", xsdp)
	}

	want := []MemRegion{
		{Start: 0, Pages: 15, Kind: KindFree},
		{Start: mem.PA(15 * pageSize), Pages: 5, Kind: KindReserved},
	}

	if len(regions) != len(want) {
		t.Fatalf("expected %d regions; got %d (%+v)", len(want), len(regions), regions)
	}
	for i, r := range regions {
		if r != want[i] {
			t.Errorf("region %d: expected %+v; got %+v", i, want[i], r)
		}
	}
}

func TestParseMissingXSDP(t *testing.T) {
	info := &Info{}
	if _, _, _, err := Parse(info); err != kernel.ErrBadBootInfo {
		t.Fatalf("expected ErrBadBootInfo; got %v", err)
	}
}

func TestCompactMemoryMapOverflow(t *testing.T) {
	descs := make([]rawDescriptor, maxMemoryMapEntries+1)
	for i := range descs {
		// Alternate kinds so adjacent runs never merge, forcing the
		// compactor past its 256-entry budget.
		typ := typeConventionalMemory
		if i%2 == 1 {
			typ = typeReservedMemoryType
		}
		descs[i] = rawDescriptor{Type: typ, PhysStart: uint64(i) * uint64(mem.PageSize), NumberOfPages: 1}
	}

	info := buildDescriptors(t, descs)
	if _, _, _, err := Parse(info); err != kernel.ErrBadBootInfo {
		t.Fatalf("expected ErrBadBootInfo on overflow; got %v", err)
	}
}
