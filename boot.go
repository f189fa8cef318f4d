package main

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/boot"
	"github.com/zag-os/zag/kernel/kmain"
)

// bootInfoPtr is populated by the rt0 assembly before jumping here; it is a
// package-level variable rather than a local so the compiler cannot inline
// main away and drop the real kernel code from the generated object file.
var bootInfoPtr uintptr

// main is the only Go symbol visible from the rt0 initialization code. It
// is a trampoline into kmain.KEntry, invoked after rt0 has installed the
// GDT and set up a minimal g0 so Go code can run on the stack rt0
// allocated.
//
// main is not expected to return. If it does, rt0 halts the CPU.
func main() {
	kmain.KEntry((*boot.Info)(unsafe.Pointer(bootInfoPtr)))
}
