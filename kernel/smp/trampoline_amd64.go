package smp

import (
	"unsafe"

	"github.com/zag-os/zag/kernel/mem"
)

// trampolinePhysAddr is the physical page an AP's INIT-SIPI-SIPI sequence
// starts executing at. It must be below 1MiB, since the AP starts in real
// mode, and page-aligned, since the SIPI vector argument IS the physical
// address shifted right by 12 (CS = vector<<8, IP = 0, so CS*16 = addr).
// 0x8000 sits in the conventional low-memory scratch range below the
// loader's own code, a standard choice for this kind of bring-up stub.
const trampolinePhysAddr = mem.PA(0x8000)

// Page layout, all offsets relative to trampolinePhysAddr. Each stage gets
// 0x40 bytes; the protected-mode stub is the largest at 63 of them, so none
// of the stages overlaps the next.
const (
	offRealMode = 0x000 // 16-bit entry, reached directly off the SIPI
	offGDT      = 0x040 // 6-byte pseudo-descriptor + 4 flat GDT entries
	offPM32     = 0x080 // 32-bit protected-mode code
	offLM64     = 0x0C0 // 64-bit long-mode code
	offData     = 0x100 // apBootData
)

const (
	selNull  = 0x00
	selCode32 = 0x08
	selData32 = 0x10
	selCode64 = 0x18
)

// apBootData is the scratch block the running AP reads before it can call
// any Go code: which page-table root to load into CR3, which kernel stack
// to switch onto, and which Go function to call once it does. bootedFlag
// is set by apMain, the signal bootAP polls for.
type apBootData struct {
	pml4       uint64
	stackTop   uint64
	entry      uint64
	apIndex    uint32
	bootedFlag uint32
}

// apEntry64 is the fixed 64-bit landing symbol the hand-assembled
// trampoline jumps to once an AP reaches long mode (trampoline_amd64.s).
func apEntry64()

// funcPC returns f's underlying code pointer, the same trick
// kernel/sched/trampoline_amd64.go uses to turn a Go function value into a
// raw address apBootData.entry can hold.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

func trampolinePage() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(mem.Physmap(trampolinePhysAddr).Ptr())), mem.PageSize)
}

func trampolineData() *apBootData {
	return (*apBootData)(unsafe.Pointer(mem.Physmap(trampolinePhysAddr.Add(mem.Size(offData))).Ptr()))
}

func le16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func le32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }

func put(page []byte, off int, b ...byte) int {
	copy(page[off:], b)
	return off + len(b)
}

// installTrampoline writes the three-stage real->protected->long mode stub
// into the fixed low-memory page every AP starts executing at. It is
// installed once, before any AP receives its SIPI; the only per-AP state
// (stack pointer, Go entry point, which sched slot to register as) lives in
// apBootData and is rewritten by bootAP before each SIPI.
func installTrampoline() {
	page := trampolinePage()
	for i := range page {
		page[i] = 0
	}

	writeRealModeStub(page)
	writeGDT(page)
	writeProtectedModeStub(page)
	writeLongModeStub(page)
}

// writeRealModeStub disables interrupts, loads DS/ES to match the SIPI's
// CS (so every subsequent offset in this page resolves correctly), loads
// the flat GDT, sets CR0.PE and far-jumps into 32-bit protected mode.
func writeRealModeStub(page []byte) {
	off := offRealMode
	off = put(page, off, 0xFA)             // CLI
	off = put(page, off, 0x8C, 0xC8)       // MOV AX, CS
	off = put(page, off, 0x8E, 0xD8)       // MOV DS, AX
	off = put(page, off, 0x8E, 0xC0)       // MOV ES, AX
	off = put(page, off, 0x66, 0x2E, 0x0F, 0x01, 0x16)
	off = put(page, off, le16(uint16(offGDT))...) // LGDT cs:[offGDT]
	off = put(page, off, 0x0F, 0x20, 0xC0)         // MOV EAX, CR0
	off = put(page, off, 0x66, 0x83, 0xC8, 0x01)   // OR EAX, 1
	off = put(page, off, 0x0F, 0x22, 0xC0)         // MOV CR0, EAX
	off = put(page, off, 0x66, 0xEA)               // JMP FAR 32-bit operand
	off = put(page, off, le32(uint32(trampolinePhysAddr)+offPM32)...)
	put(page, off, le16(selCode32)...)
}

// writeGDT lays out the pseudo-descriptor LGDT reads plus four flat
// descriptors: null, 32-bit code, 32-bit data, 64-bit code.
func writeGDT(page []byte) {
	base := uint32(trampolinePhysAddr) + offGDT + 6
	off := offGDT
	off = put(page, off, le16(4*8-1)...)
	off = put(page, off, le32(base)...)

	off = put(page, off, 0, 0, 0, 0, 0, 0, 0, 0) // null
	off = put(page, off, 0xFF, 0xFF, 0, 0, 0, 0x9A, 0xCF, 0) // code32, base0 limit 4G
	off = put(page, off, 0xFF, 0xFF, 0, 0, 0, 0x92, 0xCF, 0) // data32, base0 limit 4G
	put(page, off, 0xFF, 0xFF, 0, 0, 0, 0x9A, 0xAF, 0)       // code64: L bit set in flags nibble
}

// writeProtectedModeStub loads flat data selectors, enables PAE, points
// CR3 at the kernel's page-table root, sets EFER.LME, enables paging, and
// far-jumps onto the 64-bit code selector to reach long mode.
func writeProtectedModeStub(page []byte) {
	off := offPM32
	off = put(page, off, 0x66, 0xB8)
	off = put(page, off, le16(selData32)...) // MOV AX, selData32
	off = put(page, off, 0x8E, 0xD8) // MOV DS, AX
	off = put(page, off, 0x8E, 0xC0) // MOV ES, AX
	off = put(page, off, 0x8E, 0xD0) // MOV SS, AX

	off = put(page, off, 0x0F, 0x20, 0xE0) // MOV EAX, CR4
	off = put(page, off, 0x0D)
	off = put(page, off, le32(1<<5)...) // OR EAX, CR4.PAE
	off = put(page, off, 0x0F, 0x22, 0xE0) // MOV CR4, EAX

	off = put(page, off, 0xB8)
	off = put(page, off, le32(uint32(trampolinePhysAddr)+offData)...) // MOV EAX, &apBootData
	off = put(page, off, 0x8B, 0x18) // MOV EBX, [EAX]        ; pml4 low dword
	off = put(page, off, 0x0F, 0x22, 0xD8) // MOV CR3, EBX

	off = put(page, off, 0xB9)
	off = put(page, off, le32(0xC0000080)...) // MOV ECX, IA32_EFER
	off = put(page, off, 0x0F, 0x32)          // RDMSR
	off = put(page, off, 0x0D)
	off = put(page, off, le32(1<<8)...) // OR EAX, EFER.LME
	off = put(page, off, 0x0F, 0x30)    // WRMSR

	off = put(page, off, 0x0F, 0x20, 0xC0)      // MOV EAX, CR0
	off = put(page, off, 0x0D)
	off = put(page, off, le32(1<<31|1)...) // OR EAX, CR0.PG|CR0.PE
	off = put(page, off, 0x0F, 0x22, 0xC0)      // MOV CR0, EAX

	off = put(page, off, 0xEA)
	off = put(page, off, le32(uint32(trampolinePhysAddr)+offLM64)...)
	put(page, off, le16(selCode64)...) // JMP FAR selCode64:offLM64
}

// writeLongModeStub loads the stack and Go entry point out of apBootData
// and jumps to apEntry64 (trampoline_amd64.s), which calls back into Go.
func writeLongModeStub(page []byte) {
	dataAddr := uint32(trampolinePhysAddr) + offData
	off := offLM64
	off = put(page, off, 0x48, 0xB8)
	off = put(page, off, le32(dataAddr)...)
	off = put(page, off, 0, 0, 0, 0) // MOVABS RAX, &apBootData

	off = put(page, off, 0x48, 0x8B, 0x60, 0x08) // MOV RSP, [RAX+8]  ; stackTop
	off = put(page, off, 0x48, 0x8B, 0x48, 0x10) // MOV RCX, [RAX+16] ; entry
	put(page, off, 0xFF, 0xE1)                   // JMP RCX
}
