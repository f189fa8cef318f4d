// Package serial drives a 16550-compatible UART. It is the kernel's sole
// logging sink: kernel/kfmt/early.SetOutput points at a Port
// once Init has run, and the debugger CLI reads its line-editable prompt
// from the same port.
package serial

import "github.com/zag-os/zag/kernel/cpu"

// COM1 is the I/O port base all kernel logging goes to.
const COM1 = 0x3F8

// 16550 register offsets, relative to the port base.
const (
	regData        = 0 // DLAB=0: data; DLAB=1: divisor low byte
	regIntEnable    = 1 // DLAB=0: IER;  DLAB=1: divisor high byte
	regFIFOCtrl     = 2
	regLineCtrl     = 3
	regModemCtrl    = 4
	regLineStatus   = 5
)

const (
	lineCtrlDLAB  = 1 << 7
	lineCtrl8N1   = 0x03
	fifoEnableClr = 0xC7
	modemDTRRTSOut2 = 0x0B
	lineStatusTHRE  = 1 << 5 // transmit holding register empty
)

// baseDivisor is the UART clock divisor for 115200 baud against the
// standard 1.8432 MHz/16 input clock (115200 = 1843200 / (16 * 1)).
const baseDivisor = 1

// Port is one 16550 UART instance addressed by I/O port base.
type Port struct {
	base uint16
}

// COM1Port is the kernel's single serial console instance.
var COM1Port = Port{base: COM1}

// Init programs the port for 115200-8N1 with FIFOs enabled.
func (p Port) Init() {
	cpu.OutB(p.base+regIntEnable, 0x00) // disable interrupts while programming

	cpu.OutB(p.base+regLineCtrl, lineCtrlDLAB)
	cpu.OutB(p.base+regData, baseDivisor&0xFF)
	cpu.OutB(p.base+regIntEnable, (baseDivisor>>8)&0xFF)

	cpu.OutB(p.base+regLineCtrl, lineCtrl8N1)
	cpu.OutB(p.base+regFIFOCtrl, fifoEnableClr)
	cpu.OutB(p.base+regModemCtrl, modemDTRRTSOut2)
}

func (p Port) txReady() bool {
	return cpu.InB(p.base+regLineStatus)&lineStatusTHRE != 0
}

// WriteByte blocks until the transmit holding register is empty, then
// writes b. It implements kfmt/early.Writer.
func (p Port) WriteByte(b byte) {
	for !p.txReady() {
		cpu.Pause()
	}
	cpu.OutB(p.base+regData, b)
}

// Write writes every byte of buf in order, translating a bare '\n' into
// "\r\n" so a plain terminal emulator renders lines correctly.
func (p Port) Write(buf []byte) (int, error) {
	for _, b := range buf {
		if b == '\n' {
			p.WriteByte('\r')
		}
		p.WriteByte(b)
	}
	return len(buf), nil
}

// ReadByte blocks until a byte is available and returns it.
func (p Port) ReadByte() byte {
	for cpu.InB(p.base+regLineStatus)&1 == 0 {
		cpu.Pause()
	}
	return cpu.InB(p.base + regData)
}
