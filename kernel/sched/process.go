package sched

import (
	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/mem/vmm"
	"github.com/zag-os/zag/kernel/sync"
)

// PrivilegeLevel distinguishes kernel threads from user threads for the
// purpose of building their initial interrupt frame's selectors.
type PrivilegeLevel uint8

const (
	Ring0 PrivilegeLevel = 0
	Ring3 PrivilegeLevel = 3
)

// Process owns a page-table root and the threads running within it.
type Process struct {
	PID uint64
	CPL PrivilegeLevel

	Space *vmm.AddressSpace

	Threads    []*Thread
	NumThreads int
}

// procs is the registry of every live process, in creation order; the
// debugger's lsprocs/proc/thread lookups walk it. procLock is a leaf lock:
// nothing is acquired while it is held.
var (
	procLock sync.IRQSpinlock
	procs    []*Process
	nextPID  uint64 = 1
)

// NewProcess allocates a pid and wraps an already-built address space. The
// kernel process (pid 1) and every user process created afterward share the
// same upper half via space.CloneKernelHalf, established by the caller
// before NewProcess runs.
func NewProcess(cpl PrivilegeLevel, space *vmm.AddressSpace) *Process {
	procLock.Acquire()
	p := &Process{PID: nextPID, CPL: cpl, Space: space}
	nextPID++
	procs = append(procs, p)
	procLock.Release()
	return p
}

// Processes returns a snapshot of every live process in creation order.
func Processes() []*Process {
	procLock.Acquire()
	snapshot := make([]*Process, len(procs))
	copy(snapshot, procs)
	procLock.Release()
	return snapshot
}

// ProcessByPID looks a process up by pid for the debugger.
func ProcessByPID(pid uint64) (*Process, *kernel.Error) {
	procLock.Acquire()
	defer procLock.Release()
	for _, p := range procs {
		if p.PID == pid {
			return p, nil
		}
	}
	return nil, kernel.ErrNoSuchProcess
}

// ThreadByTID looks a thread up by tid across every process.
func ThreadByTID(tid uint64) (*Thread, *kernel.Error) {
	procLock.Acquire()
	defer procLock.Release()
	for _, p := range procs {
		for _, t := range p.Threads {
			if t.TID == tid {
				return t, nil
			}
		}
	}
	return nil, kernel.ErrNoSuchThread
}

func (p *Process) attach(t *Thread) {
	t.Proc = p
	procLock.Acquire()
	p.Threads = append(p.Threads, t)
	p.NumThreads++
	procLock.Release()
}
