// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
	"github.com/zag-os/zag/kernel/mem/vmm"
)

var (
	kernelSpaceFn = vmm.KernelSpace
	mapZeroedFn   = vmm.MapZeroedCOW
	allocFrameFn  = pmm.AllocPages
)

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)

	va, err := kernelSpaceFn().Reserve(regionSize, mem.PageSize, vmm.FlagRW|vmm.FlagNX)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(va.Ptr())
}

// sysMap establishes a copy-on-write mapping for a particular memory region
// that has been reserved previously via a call to sysReserve. Every page
// starts out backed by the shared zero frame and only receives a private
// frame once the runtime actually writes to it.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionStart := mem.VA((uintptr(virtAddr) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1))
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	pageCount := uint64(regionSize) >> mem.PageShift

	space := kernelSpaceFn()
	va := regionStart
	for i := uint64(0); i < pageCount; i++ {
		if err := mapZeroedFn(space, va, vmm.FlagRW|vmm.FlagNX); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		va = va.Add(mem.PageSize)
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStart.Ptr())
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them, returning the
// pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)

	space := kernelSpaceFn()
	regionStart, err := space.Reserve(regionSize, mem.PageSize, vmm.FlagRW|vmm.FlagNX)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	pageCount := uint64(regionSize) >> mem.PageShift
	va := regionStart
	for i := uint64(0); i < pageCount; i++ {
		frame, err := allocFrameFn(mem.PageOrder(0))
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}

		if err = space.Map(va, frame.PA(), 1, vmm.FlagRW|vmm.FlagNX); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		va = va.Add(mem.PageSize)
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStart.Ptr())
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
