package trap

import "vkernel/asm"

// Virtual timer control register bits, shared with the physical
// timer's layout (CNTV_CTL_EL0 / CNTP_CTL_EL0 agree on these bits).
const (
	ctlEnable  = 1 << 0
	ctlIMask   = 1 << 1
	ctlIStatus = 1 << 2
)

// Timer drives the architected virtual timer (CNTV_*), the
// pre-emption source for internal/sched (§4.6). Runs off CNTFRQ_EL0
// rather than the teacher's hard-coded 62.5 MHz default, since
// QEMU's virt machine reports its own frequency through that
// register reliably (the teacher's "reading CNTFRQ_EL0 causes a sync
// exception" note in timer_qemu.go describes a bug in its own
// pre-MMU-enable boot sequence, not a property of the register).
type Timer struct {
	freqHz uint32
}

// NewTimer reads CNTFRQ_EL0 once and caches it.
func NewTimer() *Timer {
	return &Timer{freqHz: asm.ReadCntfrqEl0()}
}

// FreqHz returns the counter frequency.
func (t *Timer) FreqHz() uint32 { return t.freqHz }

// TicksFor converts a microsecond interval to a CNTV_TVAL tick count,
// clamped to 32 bits (TVAL is a 32-bit countdown register).
func (t *Timer) TicksFor(usec uint32) uint32 {
	ticks := (uint64(usec) * uint64(t.freqHz)) / 1_000_000
	if ticks > 0xFFFFFFFF {
		ticks = 0xFFFFFFFF
	}
	return uint32(ticks)
}

// Arm disables the timer, loads a fresh countdown and re-enables it
// with interrupts unmasked — the disable/set/enable order matters:
// disabling first clears any interrupt already latched from a
// previous countdown (timerInit's own comment: "this clears any
// pending interrupts").
func (t *Timer) Arm(usec uint32) {
	asm.WriteCntvCtlEl0(0)
	asm.WriteCntvTvalEl0(t.TicksFor(usec))
	asm.WriteCntvCtlEl0(ctlEnable)
}

// Rearm reloads the countdown without touching ENABLE/IMASK, for use
// from the IRQ handler itself (§4.6's pre-emption tick).
func (t *Timer) Rearm(usec uint32) {
	asm.WriteCntvTvalEl0(t.TicksFor(usec))
}

// Now returns the free-running counter value (CNTVCT_EL0).
func (t *Timer) Now() uint64 { return asm.ReadCntvctEl0() }

// Pending reports the timer's own ISTATUS bit, useful for the IRQ
// handler to confirm this really was a timer tick before clearing it.
func (t *Timer) Pending() bool {
	return asm.ReadCntvCtlEl0()&ctlIStatus != 0
}
