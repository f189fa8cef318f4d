package lapic

import "github.com/zag-os/zag/kernel/cpu"

// PIT channel 2 (the "speaker" channel) ports, used purely as a known-good
// time reference for LAPIC/TSC calibration since it needs no IRQ wiring:
// gate it on, load a one-shot count, then poll the gate's OUT bit.
const (
	pitChannel2Data = 0x42
	pitCommand      = 0x43
	pitGatePort     = 0x61

	pitFrequencyHz = 1193182

	pitCmdChannel2LoHiBinaryMode0 = 0xB0
)

// pitSleep busy-waits for approximately ms milliseconds using PIT channel 2
// as a reference clock.
func pitSleep(ms uint64) {
	count := uint16((pitFrequencyHz * ms) / 1000)

	gate := cpu.InB(pitGatePort)
	cpu.OutB(pitGatePort, (gate&0xFC)|0x01) // enable the channel-2 gate, disable the speaker

	cpu.OutB(pitCommand, pitCmdChannel2LoHiBinaryMode0)
	cpu.OutB(pitChannel2Data, uint8(count&0xFF))
	cpu.OutB(pitChannel2Data, uint8(count>>8))

	for cpu.InB(pitGatePort)&0x20 == 0 {
		cpu.Pause()
	}
}
