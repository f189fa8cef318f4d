// Package lapic drives the local APIC timer that preempts kernel and user
// threads. It supports both x2APIC (MSR-addressed) and the
// legacy xAPIC (memory-mapped) register models, preferring x2APIC when
// CPUID reports it.
package lapic

import (
	"github.com/zag-os/zag/kernel/cpu"
	"github.com/zag-os/zag/kernel/mem"
)

// Register offsets, in 16-byte units, used by both the xAPIC MMIO window
// and (shifted into MSR numbers) the x2APIC MSR range.
const (
	regID           = 0x02
	regEOI          = 0x0B
	regSpurious     = 0x0F
	regICRLow       = 0x30
	regICRHigh      = 0x31
	regLVTTimer     = 0x32
	regTimerInitCnt = 0x38
	regTimerCurCnt  = 0x39
	regTimerDivide  = 0x3E
)

const (
	x2apicMSRBase = 0x800

	spuriousEnable = 1 << 8

	timerModePeriodic = 1 << 17
	timerMasked       = 1 << 16

	divideBy16 = 0x3
)

// cpuidLeaf1ECXx2APIC is the CPUID.01H:ECX bit advertising x2APIC support.
const cpuidLeaf1ECXx2APIC = 1 << 21

// LAPIC is one CPU's view of its local APIC. BSP and every AP each
// construct and Init their own.
type LAPIC struct {
	x2apic bool
	mmio   mem.VA // valid only when !x2apic

	// lapicTicksPerMs and tscTicksPerMs are produced by Calibrate against
	// a 10ms PIT window and drive the periodic timer
	// period and kernel/sched's sleep_ms deadlines respectively.
	lapicTicksPerMs uint64
	tscTicksPerMs   uint64
}

// Init detects x2APIC support and prepares this CPU's LAPIC for use,
// enabling it via the spurious-interrupt register.
func (l *LAPIC) Init(spuriousVector uint8, xapicPhysBase mem.PA) {
	_, _, ecx, _ := cpu.CPUID(1, 0)
	l.x2apic = ecx&cpuidLeaf1ECXx2APIC != 0

	if !l.x2apic {
		l.mmio = mem.Physmap(xapicPhysBase)
	}

	l.write(regSpurious, spuriousEnable|uint32(spuriousVector))
}

func (l *LAPIC) write(reg uint32, val uint32) {
	if l.x2apic {
		cpu.WRMSR(x2apicMSRBase+reg, uint64(val))
		return
	}
	mmioWrite(l.mmio, reg, val)
}

func (l *LAPIC) read(reg uint32) uint32 {
	if l.x2apic {
		return uint32(cpu.RDMSR(x2apicMSRBase + reg))
	}
	return mmioRead(l.mmio, reg)
}

func mmioWrite(base mem.VA, reg uint32, val uint32) {
	*(*uint32)(ptrAt(base, reg)) = val
}

func mmioRead(base mem.VA, reg uint32) uint32 {
	return *(*uint32)(ptrAt(base, reg))
}

// EOI signals end-of-interrupt to the LAPIC; every interrupt handler that
// runs off a LAPIC-delivered vector must call this before returning.
func (l *LAPIC) EOI() {
	l.write(regEOI, 0)
}

// Calibrate runs the PIT for a fixed 10ms window while sampling the LAPIC
// timer's current-count register and the TSC, deriving lapic_ticks_per_ms
// and tsc_ticks_per_ms.
func (l *LAPIC) Calibrate() {
	const windowMs = 10

	l.write(regTimerDivide, divideBy16)
	l.write(regLVTTimer, timerMasked)
	l.write(regTimerInitCnt, 0xFFFFFFFF)

	tscStart := cpu.RDTSC()
	pitSleep(windowMs)
	tscEnd := cpu.RDTSC()

	elapsedLAPICTicks := uint64(0xFFFFFFFF) - uint64(l.read(regTimerCurCnt))

	l.lapicTicksPerMs = elapsedLAPICTicks / windowMs
	l.tscTicksPerMs = (tscEnd - tscStart) / windowMs
}

// LAPICTicksPerMs returns the timer frequency Calibrate measured.
func (l *LAPIC) LAPICTicksPerMs() uint64 { return l.lapicTicksPerMs }

// TSCTicksPerMs returns the TSC frequency Calibrate measured, used to
// convert sleep_ms deadlines to absolute TSC values.
func (l *LAPIC) TSCTicksPerMs() uint64 { return l.tscTicksPerMs }

// StartPeriodicTimer programs the timer in periodic mode to fire vector on
// every tickMs interval, using the frequency Calibrate measured.
func (l *LAPIC) StartPeriodicTimer(vector uint8, tickMs uint64) {
	l.write(regLVTTimer, timerModePeriodic|uint32(vector))
	l.write(regTimerDivide, divideBy16)
	l.write(regTimerInitCnt, uint32(l.lapicTicksPerMs*tickMs))
}

// SendIPI issues an IPI to the given APIC ID carrying the given vector, used
// by kernel/smp for INIT-SIPI-SIPI bringup and by kernel/mem/vmm's TLB
// shootdown broadcast once it is wired in.
func (l *LAPIC) SendIPI(apicID uint32, vector uint8, deliveryMode uint32) {
	if l.x2apic {
		cpu.WRMSR(x2apicMSRBase+regICRLow, uint64(apicID)<<32|uint64(deliveryMode)|uint64(vector))
		return
	}
	l.write(regICRHigh, apicID<<24)
	l.write(regICRLow, deliveryMode|uint32(vector))
}
