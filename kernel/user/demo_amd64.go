package user

// buildDemoProgram hand-assembles the ring-3 demo's entire machine code:
// write a greeting through int $0x80, then spin forever. It is built the
// same way kernel/smp builds its AP trampoline, as a byte slice with
// addresses computed from slice offsets rather than hardcoded literals, so
// the lea's RIP-relative displacement always points at the message that
// follows it regardless of how the preceding instructions are encoded.
//
//	mov eax, 1              ; SyscallWrite
//	mov edi, 1              ; fd, accepted but unused
//	lea rsi, [rip+msg]
//	mov edx, len(msg)
//	int 0x80
//	spin: jmp spin
//	msg:  db "..."
func buildDemoProgram() []byte {
	msg := []byte("hello from ring 3\n")

	var code []byte
	code = append(code, 0xB8, 0x01, 0x00, 0x00, 0x00) // mov eax, 1
	code = append(code, 0xBF, 0x01, 0x00, 0x00, 0x00) // mov edi, 1

	leaPatchAt := len(code) + 3
	code = append(code, 0x48, 0x8D, 0x35, 0, 0, 0, 0) // lea rsi, [rip+disp32]
	leaEnd := len(code)

	code = append(code, 0xBA) // mov edx, imm32
	code = append(code, le32(uint32(len(msg)))...)

	code = append(code, 0xCD, 0x80) // int 0x80
	code = append(code, 0xEB, 0xFE) // jmp $ (spin)

	msgStart := len(code)
	disp := uint32(int32(msgStart - leaEnd))
	copy(code[leaPatchAt:leaPatchAt+4], le32(disp))

	code = append(code, msg...)
	return code
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
