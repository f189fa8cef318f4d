// Package debug implements the serial debugger CLI: a
// line-editable "Zag Dbg:" prompt over COM1 with commands for inspecting
// processes, threads and page tables, and for single-stepping a thread.
//
// The REPL normally runs as an ordinary kernel thread spawned by Start, so
// the prompt stays reachable while the rest of the system keeps running.
// Breakpoint enters the same loop inline on the calling thread, which is
// the documented way to poke around after a panic on another CPU.
package debug

import (
	"github.com/zag-os/zag/kernel"
	"github.com/zag-os/zag/kernel/driver/serial"
	"github.com/zag-os/zag/kernel/irq"
	"github.com/zag-os/zag/kernel/kfmt/early"
	"github.com/zag-os/zag/kernel/sched"
)

const prompt = "Zag Dbg: "

// maxLineLen bounds one typed command; further printable input is dropped
// until the line is submitted.
const maxLineLen = 128

// maxTokens bounds the tokens one command can carry; pt with a full set of
// filters is the widest user.
const maxTokens = 24

// readByteFn is the CLI's input source, mocked by tests.
var readByteFn = serial.COM1Port.ReadByte

var (
	lineBuf [maxLineLen]byte
	echoBuf [1]byte
)

func echo(b byte) {
	echoBuf[0] = b
	early.Printf("%s", echoBuf[:])
}

// readLine collects one line of input with minimal editing: backspace
// (BS or DEL) removes the last byte, CR or LF submits, other control bytes
// are ignored. The returned slice aliases lineBuf and is only valid until
// the next call.
func readLine() []byte {
	n := 0
	for {
		b := readByteFn()
		switch {
		case b == '\r' || b == '\n':
			early.Printf("\n")
			return lineBuf[:n]
		case b == 0x08 || b == 0x7F:
			if n > 0 {
				n--
				early.Printf("\x08 \x08")
			}
		case b >= 0x20 && b <= 0x7E:
			if n < maxLineLen {
				lineBuf[n] = b
				n++
				echo(b)
			}
		}
	}
}

// tokenize splits line on runs of spaces. The token slices alias line.
func tokenize(line []byte, tokens [][]byte) [][]byte {
	start := -1
	for i := 0; i <= len(line); i++ {
		if i < len(line) && line[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if len(tokens) == cap(tokens) {
				break
			}
			tokens = append(tokens, line[start:i])
			start = -1
		}
	}
	return tokens
}

func tokEq(tok []byte, s string) bool {
	if len(tok) != len(s) {
		return false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] != s[i] {
			return false
		}
	}
	return true
}

// parseUint parses a decimal or 0x-prefixed hex token.
func parseUint(tok []byte) (uint64, bool) {
	base := uint64(10)
	if len(tok) > 2 && tok[0] == '0' && (tok[1] == 'x' || tok[1] == 'X') {
		base = 16
		tok = tok[2:]
	}
	if len(tok) == 0 {
		return 0, false
	}

	var v uint64
	for _, b := range tok {
		var d uint64
		switch {
		case b >= '0' && b <= '9':
			d = uint64(b - '0')
		case base == 16 && b >= 'a' && b <= 'f':
			d = uint64(b-'a') + 10
		case base == 16 && b >= 'A' && b <= 'F':
			d = uint64(b-'A') + 10
		default:
			return 0, false
		}
		if d >= base {
			return 0, false
		}
		v = v*base + d
	}
	return v, true
}

func repl() {
	var tokens [maxTokens][]byte
	for {
		early.Printf(prompt)
		line := readLine()
		toks := tokenize(line, tokens[:0])
		if len(toks) == 0 {
			continue
		}
		execute(toks)
	}
}

// REPL is the debugger's main loop. It never returns; Start runs it on a
// dedicated kernel thread.
func REPL() {
	repl()
}

// Breakpoint enters the debugger on the calling thread. It never returns;
// it exists so a panic handler or a developer breadcrumb can hand the
// serial console over to the CLI.
func Breakpoint() {
	early.Printf("\nentering debugger\n")
	repl()
}

// Start installs the trap handlers the step command depends on and spawns
// the REPL as a kernel thread. It must run after sched.Init.
func Start() *kernel.Error {
	irq.SetHandler(irq.DebugException, handleDebugTrap)
	irq.SetHandler(irq.Breakpoint, handleBreakpointTrap)
	_, err := sched.SpawnKernelThread(REPL)
	return err
}

// rflagsTF is the trap flag: when set in a thread's saved RFLAGS, the CPU
// raises a debug exception after executing one instruction of it.
const rflagsTF = 1 << 8

// handleDebugTrap fires one instruction after a step command's target
// resumes. It reports where the thread stopped and clears TF so execution
// continues normally afterward.
func handleDebugTrap(f *irq.InterruptFrame) {
	f.RFlags &^= rflagsTF
	early.Printf("\nstep: stopped at rip %x rsp %x\n", f.RIP, f.RSP)
}

// handleBreakpointTrap reports an int3 the kernel executed and resumes; the
// instruction is occasionally useful as a printf-style breadcrumb.
func handleBreakpointTrap(f *irq.InterruptFrame) {
	early.Printf("\nbreakpoint: rip %x rsp %x\n", f.RIP, f.RSP)
}
