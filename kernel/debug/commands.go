package debug

import (
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/mem"
	"github.com/zag-os/zag/kernel/mem/vmm"
	"github.com/zag-os/zag/kernel/sched"
)

func execute(toks [][]byte) {
	cmd, args := toks[0], toks[1:]
	switch {
	case tokEq(cmd, "lsprocs"):
		cmdLsprocs(args)
	case tokEq(cmd, "proc"):
		cmdProc(args)
	case tokEq(cmd, "thread"):
		cmdThread(args)
	case tokEq(cmd, "pt"):
		cmdPT(args)
	case tokEq(cmd, "step"):
		cmdStep(args)
	case tokEq(cmd, "help"):
		cmdHelp()
	default:
		early.Printf("unknown command %s; try help\n", cmd)
	}
}

func cmdHelp() {
	early.Printf("commands:\n")
	early.Printf("  lsprocs            brief list of processes\n")
	early.Printf("  lsprocs -v         verbose per-process listing\n")
	early.Printf("  proc <pid>         verbose process dump\n")
	early.Printf("  thread <tid>       verbose thread dump\n")
	early.Printf("  pt [-v] <pid>      walk a process's page tables\n")
	early.Printf("    filters: -l4/-l3/-l2/-l1 N, -rw ro|rw, -nx x|nx, -u u|su,\n")
	early.Printf("             -cache cache|ncache, -wrt/-global/-accessed/-dirty true|false,\n")
	early.Printf("             -page4k/-page2m/-page1g true|false\n")
	early.Printf("  step <tid>         trap after one instruction of a thread\n")
	early.Printf("  help               this text\n")
}

func cmdLsprocs(args [][]byte) {
	verbose := len(args) > 0 && tokEq(args[0], "-v")
	for _, p := range sched.Processes() {
		printProcess(p, verbose)
	}
}

func cmdProc(args [][]byte) {
	if len(args) != 1 {
		early.Printf("usage: proc <pid>\n")
		return
	}
	pid, ok := parseUint(args[0])
	if !ok {
		early.Printf("proc: bad pid %s\n", args[0])
		return
	}
	p, err := sched.ProcessByPID(pid)
	if err != nil {
		early.Printf("proc: %s\n", err.Message)
		return
	}
	printProcess(p, true)
}

func cmdThread(args [][]byte) {
	if len(args) != 1 {
		early.Printf("usage: thread <tid>\n")
		return
	}
	tid, ok := parseUint(args[0])
	if !ok {
		early.Printf("thread: bad tid %s\n", args[0])
		return
	}
	t, err := sched.ThreadByTID(tid)
	if err != nil {
		early.Printf("thread: %s\n", err.Message)
		return
	}
	printThread(t, true)
}

func cmdStep(args [][]byte) {
	if len(args) != 1 {
		early.Printf("usage: step <tid>\n")
		return
	}
	tid, ok := parseUint(args[0])
	if !ok {
		early.Printf("step: bad tid %s\n", args[0])
		return
	}
	t, err := sched.ThreadByTID(tid)
	if err != nil {
		early.Printf("step: %s\n", err.Message)
		return
	}
	if t.Ctx == nil {
		early.Printf("step: tid %d has no saved context\n", tid)
		return
	}
	t.Ctx.RFlags |= rflagsTF
	sched.Wake(t)
	early.Printf("step: trap flag set on tid %d\n", tid)
}

func cmdPT(args [][]byte) {
	var f ptFilter
	f.init()

	if len(args) > 0 && tokEq(args[0], "-v") {
		f.verbose = true
		args = args[1:]
	}
	if len(args) == 0 {
		early.Printf("usage: pt [-v] <pid> [filters]\n")
		return
	}
	pid, ok := parseUint(args[0])
	if !ok {
		early.Printf("pt: bad pid %s\n", args[0])
		return
	}
	if !f.parse(args[1:]) {
		return
	}

	p, err := sched.ProcessByPID(pid)
	if err != nil {
		early.Printf("pt: %s\n", err.Message)
		return
	}

	shown := 0
	p.Space.VisitMappings(func(m vmm.Mapping) bool {
		if !f.match(m) {
			return true
		}
		shown++
		printMapping(m, f.verbose)
		return true
	})
	early.Printf("%d mapping(s)\n", shown)
}

func printProcess(p *sched.Process, verbose bool) {
	early.Printf("pid %d ring %d threads %d root %x\n",
		p.PID, uint8(p.CPL), p.NumThreads, uint64(p.Space.Root().PA()))
	if !verbose {
		return
	}
	for _, r := range p.Space.Reservations() {
		early.Printf("  reserve %x..%x user=%t rw=%t nx=%t\n",
			uint64(r.Start), uint64(r.Start.Add(mem.Size(r.Pages)*mem.PageSize)),
			r.Perms&vmm.FlagUser != 0, r.Perms&vmm.FlagRW != 0, r.Perms&vmm.FlagNX != 0)
	}
	for _, t := range p.Threads {
		early.Printf("  ")
		printThread(t, false)
	}
}

func printThread(t *sched.Thread, verbose bool) {
	early.Printf("tid %d pid %d state %s kstack %x pages %d\n",
		t.TID, t.Proc.PID, t.State.String(), uint64(t.KStackBase), t.KStackPages)
	if !verbose {
		return
	}
	if t.UStackPages != 0 {
		early.Printf("ustack %x pages %d\n", uint64(t.UStackBase), t.UStackPages)
	}
	f := t.Ctx
	if f == nil {
		early.Printf("no saved context\n")
		return
	}
	if t.State == sched.StateRunning {
		early.Printf("frame (stale, thread is running):\n")
	} else {
		early.Printf("frame:\n")
	}
	early.Printf("  rip %x cs %x rflags %x rsp %x ss %x\n", f.RIP, f.CS, f.RFlags, f.RSP, f.SS)
	early.Printf("  vector %d error %x\n", f.Vector, f.ErrorCode)
	early.Printf("  rax %x rbx %x rcx %x rdx %x\n", f.RAX, f.RBX, f.RCX, f.RDX)
	early.Printf("  rsi %x rdi %x rbp %x\n", f.RSI, f.RDI, f.RBP)
	early.Printf("  r8  %x r9  %x r10 %x r11 %x\n", f.R8, f.R9, f.R10, f.R11)
	early.Printf("  r12 %x r13 %x r14 %x r15 %x\n", f.R12, f.R13, f.R14, f.R15)
}

func pageSizeName(s mem.Size) string {
	switch s {
	case mem.HugePageSize1G:
		return "1g"
	case mem.HugePageSize2M:
		return "2m"
	}
	return "4k"
}

func printMapping(m vmm.Mapping, verbose bool) {
	early.Printf("%x -> %x %s user=%t rw=%t nx=%t\n",
		uint64(m.VA), uint64(m.PA), pageSizeName(m.Size),
		m.Flags&vmm.FlagUser != 0, m.Flags&vmm.FlagRW != 0, m.Flags&vmm.FlagNX != 0)
	if !verbose {
		return
	}
	early.Printf("  l4 %d", m.Indices[0])
	if m.Depth >= 1 {
		early.Printf(" l3 %d", m.Indices[1])
	}
	if m.Depth >= 2 {
		early.Printf(" l2 %d", m.Indices[2])
	}
	if m.Depth >= 3 {
		early.Printf(" l1 %d", m.Indices[3])
	}
	early.Printf("\n  wrt=%t cache=%t global=%t accessed=%t dirty=%t\n",
		m.Flags&vmm.FlagWriteThrough != 0, m.Flags&vmm.FlagCacheDisable == 0,
		m.Flags&vmm.FlagGlobal != 0, m.Flags&vmm.FlagAccessed != 0,
		m.Flags&vmm.FlagDirty != 0)
}
