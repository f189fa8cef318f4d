// Package symbol resolves kernel text addresses against the "addr name\n"
// symbol buffer the loader hands over in BootInfo. It is
// the panic stack walker's only symbolication source; DWARF is deliberately
// not attempted.
package symbol

// table is the raw ksyms buffer: one "addr name\n" line per symbol, addr in
// lower-case hex, lines sorted by ascending address. The buffer is kept as
// handed over and scanned in place, so Resolve never allocates and stays
// usable on the panic path even when the heap is the thing that broke.
var table []byte

// SetTable installs the ksyms buffer Resolve scans. The buffer must remain
// mapped and unmodified for the kernel's lifetime; boot.Parse returns it
// straight out of loader-owned memory, which the physmap keeps reachable.
func SetTable(buf []byte) {
	table = buf
}

// hexVal returns the value of one lower- or upper-case hex digit, or -1.
func hexVal(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	}
	return -1
}

// Resolve maps pc to the symbol with the greatest address not above it,
// returning the symbol's name (a sub-slice of the ksyms buffer, valid as
// long as the buffer is), pc's offset into it, and whether a covering
// symbol was found at all. Malformed lines are skipped rather than treated
// as errors; the buffer comes from the loader and is best-effort input.
func Resolve(pc uintptr) (name []byte, off uintptr, ok bool) {
	var bestAddr uintptr

	i := 0
	for i < len(table) {
		// Parse the address field.
		addr := uintptr(0)
		start := i
		for i < len(table) {
			v := hexVal(table[i])
			if v < 0 {
				break
			}
			addr = addr<<4 | uintptr(v)
			i++
		}
		valid := i > start && i < len(table) && table[i] == ' '

		// Parse the name field, up to the newline.
		i++ // skip the separator (or the offending byte)
		nameStart := i
		for i < len(table) && table[i] != '\n' {
			i++
		}
		if valid && addr <= pc && (!ok || addr >= bestAddr) && i > nameStart {
			bestAddr = addr
			name = table[nameStart:i]
			ok = true
		}
		i++ // skip the newline
	}

	if !ok {
		return nil, 0, false
	}
	return name, pc - bestAddr, true
}
