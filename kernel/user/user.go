// Package user loads and schedules the kernel's one demo ring-3 program,
// exercising the full user-mode path: a dedicated address space cloned
// from the kernel's upper half, a mapped code+stack pair, a scheduled
// sched.Thread at CPL 3, and the int $0x80 syscall gate it calls back
// through.
package user

import (
	"unsafe"

	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/irq"
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/pmm"
	"github.com/zag-os/zag/kernel/mem/vmm"
	"github.com/zag-os/zag/kernel/sched"
)

// demoStackPages is the demo thread's user-mode stack size.
const demoStackPages = 1

// SyscallWrite is the only syscall this kernel's int $0x80 ABI defines:
// RAX=1, RDI=fd (accepted but ignored, there is only one console), RSI=
// buffer, RDX=length. RAX holds the byte count written on return, or
// ^uint64(0) for an unknown syscall number.
const SyscallWrite = 1

// handleSyscall services int $0x80. It trusts the calling thread's buffer
// pointer: since a syscall does not switch CR3, RSI is still a valid
// address in the faulting thread's own address space, the same assumption
// kernel/mem/vmm's page fault handler makes about RIP.
func handleSyscall(f *irq.InterruptFrame) {
	switch f.RAX {
	case SyscallWrite:
		buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(f.RSI))), f.RDX)
		early.Printf("%s", buf)
		f.RAX = f.RDX
	default:
		f.RAX = ^uint64(0)
	}
}

// SpawnDemo builds the demo program's address space, maps its code and
// stack, and schedules its single ring-3 thread. It must run after
// sched.Init (it needs a run queue and a kernel heap to draw the thread's
// kernel stack from) and after kernelSpace has been fully set up, since the
// demo's address space clones kernelSpace's upper half so kernel code
// keeps working across the CPL 3 -> CPL 0 transition on syscall/interrupt
// entry.
func SpawnDemo(kernelSpace *vmm.AddressSpace) *kernel.Error {
	irq.SetHandler(irq.SyscallVector, handleSyscall)

	rootFrame, err := pmm.AllocPages(0)
	if err != nil {
		return err
	}
	mem.Memset(mem.Physmap(rootFrame.PA()).Ptr(), 0, mem.PageSize)
	kernelSpace.CloneKernelHalf(rootFrame)

	space := vmm.NewAddressSpace(rootFrame)

	codeVA, err := space.Reserve(mem.PageSize, mem.PageSize, vmm.FlagUser|vmm.FlagRW)
	if err != nil {
		return err
	}
	codeFrame, err := pmm.AllocPages(0)
	if err != nil {
		return err
	}
	prog := buildDemoProgram()
	codePage := unsafe.Slice((*byte)(unsafe.Pointer(mem.Physmap(codeFrame.PA()).Ptr())), mem.PageSize)
	for i := range codePage {
		codePage[i] = 0
	}
	copy(codePage, prog)
	if err := space.Map(codeVA, codeFrame.PA(), 1, vmm.FlagUser|vmm.FlagRW); err != nil {
		return err
	}

	stackVA, err := space.Reserve(mem.Size(demoStackPages)*mem.PageSize, mem.PageSize, vmm.FlagUser|vmm.FlagRW)
	if err != nil {
		return err
	}
	stackFrame, err := pmm.AllocPages(0)
	if err != nil {
		return err
	}
	mem.Memset(mem.Physmap(stackFrame.PA()).Ptr(), 0, mem.PageSize)
	if err := space.Map(stackVA, stackFrame.PA(), demoStackPages, vmm.FlagUser|vmm.FlagRW); err != nil {
		return err
	}

	proc := sched.NewProcess(sched.Ring3, space)
	if _, err := sched.SpawnUserThread(proc, codeVA, stackVA, demoStackPages); err != nil {
		return err
	}

	early.Printf("user: demo thread mapped at %x, pid %d\n", uint64(codeVA), proc.PID)
	return nil
}
