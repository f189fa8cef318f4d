// Package vmm builds and mutates per-process 4-level page tables: a
// physmap window over all of RAM, per-address-space reservation lists, and
// demand mapping.
package vmm

import (
	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/boot"
	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/irq"
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
)

// readCR2Fn is mocked by tests; it normally resolves to cpu.ReadCR2.
var readCR2Fn = cpu.ReadCR2

// kernelSpace is the canonical kernel address space. Every process root's
// upper half is a copy of kernelSpace's, established via CloneKernelHalf.
var kernelSpace *AddressSpace

// KernelSpace returns the canonical kernel address space built by Init.
func KernelSpace() *AddressSpace {
	return kernelSpace
}

// Init builds the canonical kernel address space: a fresh root table with
// the physmap mapped across every region in the compacted memory map, then
// installs the page-fault and general-protection-fault handlers. root must
// be a zeroed frame allocated by the caller.
func Init(root pmm.Frame, regions []boot.MemRegion) *kernel.Error {
	kernelSpace = NewAddressSpace(root)

	if err := BuildPhysmap(kernelSpace, regions); err != nil {
		return err
	}

	irq.SetHandler(irq.PageFaultException, handlePageFault)
	irq.SetHandler(irq.GPFException, handleGPF)

	return nil
}

// pageFaultErrorCode decodes the hardware error code pushed for vector 14.
type pageFaultErrorCode uint64

const (
	pfPresent pageFaultErrorCode = 1 << 0
	pfWrite   pageFaultErrorCode = 1 << 1
	pfUser    pageFaultErrorCode = 1 << 2
)

// handlePageFault treats a fault in a user thread as a SIGSEGV-equivalent
// kill, and anything else as fatal
// corruption. Killing a user thread requires the scheduler's process
// teardown path, which this package cannot reach yet, so both cases panic
// for now; the user-kill branch is kept separate so wiring a real
// sched.KillCurrentThread(reason) in is a one-line change.
func handlePageFault(f *irq.InterruptFrame) {
	code := pageFaultErrorCode(f.ErrorCode)
	faultVA := mem.VA(readCR2Fn())

	if code&pfPresent != 0 && code&pfWrite != 0 && code&pfUser == 0 {
		if pte := findLeaf(kernelSpace.root, faultVA); pte != nil && pte.HasFlags(FlagCopyOnWrite) {
			if err := resolveCOWFault(pte, faultVA); err == nil {
				return
			}
		}
	}

	early.Printf("\npage fault: addr=%x error=%x rip=%x present=%t write=%t user=%t\n",
		uint64(faultVA), f.ErrorCode, f.RIP,
		code&pfPresent != 0, code&pfWrite != 0, code&pfUser != 0)

	if code&pfUser != 0 {
		kernel.Panic(&kernel.Error{Module: "vmm", Message: "user thread faulted"}, f)
		return
	}

	kernel.Panic(&kernel.Error{Module: "vmm", Message: "kernel page fault"}, f)
}

// handleGPF reports a general-protection fault. These never happen under
// normal operation (no segmentation is used beyond the flat GDT) so any
// occurrence is treated as fatal corruption.
func handleGPF(f *irq.InterruptFrame) {
	early.Printf("\ngeneral protection fault: error=%x rip=%x\n", f.ErrorCode, f.RIP)
	kernel.Panic(kernel.ErrCorruption, f)
}

// sharedZeroFrame backs every demand-zero page installed by MapZeroedCOW
// until it is individually written to. It is allocated lazily on first use.
var (
	sharedZeroFrame      pmm.Frame
	sharedZeroFrameReady bool
)

func zeroFrame() (pmm.Frame, *kernel.Error) {
	if sharedZeroFrameReady {
		return sharedZeroFrame, nil
	}
	if frameAllocator == nil {
		return 0, kernel.ErrOutOfMemory
	}
	f, err := frameAllocator()
	if err != nil {
		return 0, err
	}
	mem.Memset(physToVirt(f.PA()).Ptr(), 0, mem.PageSize)
	sharedZeroFrame, sharedZeroFrameReady = f, true
	return f, nil
}

// MapZeroedCOW maps a single demand-zero page at va against the shared zero
// frame, write-protected so the first store to it takes a copy-on-write
// fault and receives a private, freshly zeroed frame. This is the same
// lazy-backing trick kernel/goruntime uses to satisfy the Go runtime's
// sysMap contract without allocating a frame for memory the runtime
// reserved but has not yet touched.
func MapZeroedCOW(space *AddressSpace, va mem.VA, perms PageTableEntryFlag) *kernel.Error {
	zf, err := zeroFrame()
	if err != nil {
		return err
	}

	space.lock.Acquire()
	defer space.lock.Release()

	if !space.contains(va, 1) {
		return kernel.ErrInvalidArgument
	}
	return mapRegion(space.root, va, zf.PA(), mem.PageSize, (perms&^FlagRW)|FlagCopyOnWrite)
}

// findLeaf returns the leaf entry covering va in root's tables, or nil if
// none is present.
func findLeaf(root pmm.Frame, va mem.VA) *pageTableEntry {
	var leaf *pageTableEntry
	walk(root, va, pageLevels-1, func(level int, pte *pageTableEntry) (pmm.Frame, bool) {
		if !pte.HasFlags(FlagPresent) {
			return 0, false
		}
		if pte.HasFlags(FlagHugePage) || level == levelPT {
			leaf = pte
			return 0, false
		}
		return pte.Frame(), true
	})
	return leaf
}

// resolveCOWFault gives the faulting page its own private, zeroed frame and
// makes it writable.
func resolveCOWFault(pte *pageTableEntry, va mem.VA) *kernel.Error {
	if frameAllocator == nil {
		return kernel.ErrOutOfMemory
	}
	newFrame, err := frameAllocator()
	if err != nil {
		return err
	}
	mem.Memset(physToVirt(newFrame.PA()).Ptr(), 0, mem.PageSize)
	pte.SetFrame(newFrame)
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagRW)
	flushTLBEntryFn(va.Ptr())
	return nil
}
