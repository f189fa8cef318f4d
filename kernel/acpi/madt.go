// Package acpi walks just enough of the ACPI table hierarchy to find the
// MADT (Multiple APIC Description Table): the LAPIC's physical base address
// and the set of processor local APIC IDs kernel/smp needs for bringup.
// Nothing beyond MADT discovery is in scope.
package acpi

import (
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem"
)

var errNoMADT = &kernel.Error{Module: "acpi", Message: "MADT not found"}

// tableHeader is the 36-byte ACPI SDT header common to every table.
type tableHeader struct {
	Signature [4]byte
	Length    uint32
	_         [36 - 8]byte // revision, checksum, OEM fields; unused here
}

// xsdp mirrors the ACPI 2.0+ Extended System Descriptor Pointer.
type xsdp struct {
	_               [8]byte // signature "RSD PTR "
	_               uint8   // checksum
	_               [6]byte // OEM ID
	_               uint8   // revision
	rsdtAddr        uint32
	length          uint32
	xsdtAddr        uint64
	_               uint8 // extended checksum
	_               [3]byte
}

// MADTInfo is what kernel/lapic and kernel/smp need out of the MADT.
type MADTInfo struct {
	LAPICPhysBase mem.PA
	ProcessorIDs  []uint8 // local APIC ID of every enabled processor entry
}

const (
	madtEntryProcessorLocalAPIC = 0
	madtEntryLocalAPICOverride  = 5

	madtProcessorEnabled = 1 << 0
)

// Parse walks the XSDT rooted at xsdpAddr and returns the MADT's contents.
func Parse(xsdpAddr mem.PA) (*MADTInfo, *kernel.Error) {
	x := (*xsdp)(unsafe.Pointer(mem.Physmap(xsdpAddr).Ptr()))

	xsdt := (*tableHeader)(unsafe.Pointer(mem.Physmap(mem.PA(x.xsdtAddr)).Ptr()))
	entryCount := (int(xsdt.Length) - int(unsafe.Sizeof(tableHeader{}))) / 8
	entries := unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(unsafe.Pointer(xsdt))+unsafe.Sizeof(tableHeader{}))), entryCount)

	for _, tableAddr := range entries {
		hdr := (*tableHeader)(unsafe.Pointer(mem.Physmap(mem.PA(tableAddr)).Ptr()))
		if hdr.Signature == [4]byte{'A', 'P', 'I', 'C'} {
			return parseMADT(mem.PA(tableAddr), hdr.Length), nil
		}
	}

	return nil, errNoMADT
}

func parseMADT(addr mem.PA, length uint32) *MADTInfo {
	base := mem.Physmap(addr).Ptr()

	info := &MADTInfo{
		LAPICPhysBase: mem.PA(*(*uint32)(unsafe.Pointer(base + unsafe.Sizeof(tableHeader{})))),
	}

	// Entries begin after: table header, local APIC addr (u32), flags (u32).
	off := unsafe.Sizeof(tableHeader{}) + 8
	for off < uintptr(length) {
		entryType := *(*uint8)(unsafe.Pointer(base + off))
		entryLen := *(*uint8)(unsafe.Pointer(base + off + 1))
		if entryLen == 0 {
			break
		}

		switch entryType {
		case madtEntryProcessorLocalAPIC:
			flags := *(*uint32)(unsafe.Pointer(base + off + 4))
			if flags&madtProcessorEnabled != 0 {
				apicID := *(*uint8)(unsafe.Pointer(base + off + 3))
				info.ProcessorIDs = append(info.ProcessorIDs, apicID)
			}
		case madtEntryLocalAPICOverride:
			info.LAPICPhysBase = mem.PA(*(*uint64)(unsafe.Pointer(base + off + 4)))
		}

		off += uintptr(entryLen)
	}

	return info
}
