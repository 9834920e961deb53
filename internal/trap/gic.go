// Package trap is the exception/interrupt layer (spec §4.4, C4): the
// vector table installed at VBAR_EL1, synchronous-exception dispatch
// by ESR_EL1 exception class, GICv2 distributor/CPU-interface
// programming, and the architected virtual timer.
//
// Grounded on the teacher's exceptions.go (EC_* constants,
// ExceptionInfo shape, handleException's EC switch), gic_qemu.go
// (GICD_*/GICC_* offsets and gicInit's init sequence), and
// timer_qemu.go (CNTV_* register set and timerInit's TVAL countdown
// idiom). Split the same way vmm is: the EC dispatch table and GIC/
// timer register math are plain Go reachable from _test.go without
// real hardware; vectors_arm64.s supplies the actual vector table and
// save/restore trampoline into this package's exported entry points.
package trap

import "vkernel/asm"

// GIC distributor/CPU-interface register offsets, GICv2, relative to
// the bases internal/fdt discovers.
const (
	gicdCTLR       = 0x000
	gicdIGROUPRn   = 0x080
	gicdISENABLERn = 0x100
	gicdICENABLERn = 0x180
	gicdICPENDRn   = 0x280
	gicdIPRIORITYn = 0x400
	gicdITARGETSn  = 0x800
	gicdICFGRn     = 0xC00

	gicdOffsetFromCpu = 0x10000 // QEMU virt: CPU interface sits 64 KiB past the distributor
)

const (
	giccCTLR = 0x000
	giccPMR  = 0x004
	giccBPR  = 0x008
	giccIAR  = 0x00C
	giccEOIR = 0x010
)

// TimerIRQ is the virtual timer's PPI id on GICv2 (see SPEC_FULL.md
// OQ-1: CNTV_*, PPI 27, not the physical timer's IRQ 30).
const TimerIRQ = 27

// GIC drives one GICv2 distributor + this CPU's interface.
type GIC struct {
	distBase uintptr
	cpuBase  uintptr
}

// NewGIC wires a controller to the distributor base internal/fdt
// discovered; the CPU interface base is always derived from it the way
// QEMU virt lays it out, never taken from the DTB.
func NewGIC(distBase uintptr) *GIC {
	return &GIC{distBase: distBase, cpuBase: distBase + gicdOffsetFromCpu}
}

// Init disables, reconfigures and re-enables both the distributor and
// CPU interface, following gicInit's eleven-step sequence: disable,
// set priority mask and binary point, clear pending, route every
// SPI/PPI to Group 1 (so it arrives as an IRQ rather than an FIQ),
// assign a flat priority, target CPU 0, configure level-triggered,
// then enable both groups on the distributor and the CPU interface.
func (g *GIC) Init() {
	asm.MmioWrite(g.distBase+gicdCTLR, 0)
	asm.MmioWrite(g.cpuBase+giccCTLR, 0)
	asm.MmioWrite(g.cpuBase+giccPMR, 0xFF)
	asm.MmioWrite(g.cpuBase+giccBPR, 0)

	for i := 0; i < 32; i++ {
		asm.MmioWrite(g.distBase+gicdICPENDRn+uintptr(i*4), 0xFFFFFFFF)
		asm.MmioWrite(g.distBase+gicdIGROUPRn+uintptr(i*4), 0xFFFFFFFF)
	}
	for i := 0; i < 256; i++ {
		asm.MmioWrite(g.distBase+gicdIPRIORITYn+uintptr(i*4), 0x80808080)
		asm.MmioWrite(g.distBase+gicdITARGETSn+uintptr(i*4), 0x01010101)
	}
	for i := 0; i < 64; i++ {
		asm.MmioWrite(g.distBase+gicdICFGRn+uintptr(i*4), 0)
	}

	asm.MmioWrite(g.distBase+gicdCTLR, 0x03)
	asm.MmioWrite(g.cpuBase+giccCTLR, 0x03)
}

// Enable unmasks one interrupt id at the distributor.
func (g *GIC) Enable(irq uint32) {
	reg, bit := irq/32, irq%32
	asm.MmioWrite(g.distBase+gicdISENABLERn+uintptr(reg*4), 1<<bit)
}

// Disable masks one interrupt id at the distributor.
func (g *GIC) Disable(irq uint32) {
	reg, bit := irq/32, irq%32
	asm.MmioWrite(g.distBase+gicdICENABLERn+uintptr(reg*4), 1<<bit)
}

// Acknowledge reads the CPU interface's IAR, returning the pending
// interrupt id (1023 denotes spurious — no real interrupt active).
func (g *GIC) Acknowledge() uint32 {
	return asm.MmioRead(g.cpuBase+giccIAR) & 0x3FF
}

// EndOfInterrupt writes the acknowledged id back to EOIR.
func (g *GIC) EndOfInterrupt(irq uint32) {
	asm.MmioWrite(g.cpuBase+giccEOIR, irq)
}
