// Package boot parses the BootInfo structure handed to the kernel by the
// loader and compacts its raw memory-map descriptors into the
// small, merged run list the rest of the kernel consumes.
//
// The loader has already installed a page table that identity-maps the
// BootInfo payload itself, the kernel's ELF load segments and a physmap for
// the mmap/xsdp/ksyms pages, so every pointer field below may be
// dereferenced directly from kEntry.
package boot

import (
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
)

// maxMemoryMapEntries is the asserted upper bound on compacted memory-map
// runs. Exceeding it is a fatal BadBootInfo condition.
const maxMemoryMapEntries = 256

// Info mirrors the byte-exact, little-endian BootInfo layout the loader
// populates; every field is 64 bits wide.
type Info struct {
	XSDPPhysAddr uint64

	MMap struct {
		Ptr            uint64
		DescriptorSize uint64
		NumDescriptors uint64
	}

	KSyms struct {
		Ptr uint64
		Len uint64
	}
}

// rawDescriptorType enumerates the loader's memory descriptor kinds. The
// numeric values follow the UEFI memory type identifiers the loader copies
// verbatim from GetMemoryMap.
type rawDescriptorType uint32

const (
	typeReservedMemoryType rawDescriptorType = iota
	typeLoaderCode
	typeLoaderData
	typeBootServicesCode
	typeBootServicesData
	typeRuntimeServicesCode
	typeRuntimeServicesData
	typeConventionalMemory
	typeUnusableMemory
	typeACPIReclaimMemory
	typeACPIMemoryNVS
	typeMemoryMappedIO
	typeMemoryMappedIOPortSpace
	typePalCode
	typePersistentMemory
)

// rawDescriptor mirrors one loader memory descriptor. Its in-memory stride
// is given by Info.MMap.DescriptorSize rather than sizeof(rawDescriptor),
// because UEFI reserves the right to grow the struct; this package only
// reads the prefix it understands.
type rawDescriptor struct {
	Type          rawDescriptorType
	_             uint32 // padding
	PhysStart     uint64
	VirtStart     uint64
	NumberOfPages uint64
	Attribute     uint64
}

// Kind classifies a compacted memory region for the PMM.
type Kind uint8

// Region kinds, collapsed from the loader's richer UEFI type space.
const (
	KindFree Kind = iota
	KindACPI
	KindReserved
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindACPI:
		return "acpi"
	default:
		return "reserved"
	}
}

func classify(t rawDescriptorType) Kind {
	switch t {
	case typeConventionalMemory, typeLoaderCode, typeLoaderData,
		typeBootServicesCode, typeBootServicesData:
		return KindFree
	case typeACPIReclaimMemory:
		return KindACPI
	default:
		return KindReserved
	}
}

// MemRegion is one compacted, merged memory-map entry.
type MemRegion struct {
	Start mem.PA
	Pages uint64
	Kind  Kind
}

// End returns the first physical address past the region.
func (r MemRegion) End() mem.PA {
	return r.Start.Add(mem.Size(r.Pages) * mem.PageSize)
}

// compactedRegions backs the memory map returned by Parse. It is a
// package-level array rather than a heap slice because compaction happens
// before the kernel heap (and therefore the Go allocator) is available;
// slicing a static array does not allocate.
var compactedRegions [maxMemoryMapEntries]MemRegion

// Parse reads raw from the loader-supplied BootInfo, validates it and
// returns the compacted memory map, the XSDP address and the raw ksyms
// "addr name\n" text buffer.
func Parse(raw *Info) ([]MemRegion, mem.PA, []byte, *kernel.Error) {
	if raw.XSDPPhysAddr == 0 {
		return nil, 0, nil, kernel.ErrBadBootInfo
	}

	regions, err := compactMemoryMap(raw)
	if err != nil {
		return nil, 0, nil, err
	}

	var ksyms []byte
	if raw.KSyms.Len > 0 {
		ksyms = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(raw.KSyms.Ptr))), int(raw.KSyms.Len))
	}

	return regions, mem.PA(raw.XSDPPhysAddr), ksyms, nil
}

// compactMemoryMap walks the loader's raw descriptor array once, in order,
// collapsing same-kind runs whose previous entry ends exactly where the
// next one starts at 4KiB granularity. The walk is linear
// and the output stays sorted because the input is.
func compactMemoryMap(raw *Info) ([]MemRegion, *kernel.Error) {
	var (
		base   = uintptr(raw.MMap.Ptr)
		stride = uintptr(raw.MMap.DescriptorSize)
		n      = raw.MMap.NumDescriptors
		count  = 0
	)

	for i := uint64(0); i < n; i++ {
		d := (*rawDescriptor)(unsafe.Pointer(base + uintptr(i)*stride))
		kind := classify(d.Type)
		start := mem.PA(d.PhysStart)
		pages := d.NumberOfPages

		if count > 0 {
			last := &compactedRegions[count-1]
			if last.Kind == kind && last.End() == start {
				last.Pages += pages
				continue
			}
		}

		if count == maxMemoryMapEntries {
			return nil, kernel.ErrBadBootInfo
		}
		compactedRegions[count] = MemRegion{Start: start, Pages: pages, Kind: kind}
		count++
	}

	return compactedRegions[:count], nil
}
