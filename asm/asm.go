// Package asm is the arch glue layer: a small set of //go:linkname
// declarations backed by hand-written ARM64 assembly (asm_arm64.s), in
// the same style the teacher uses throughout kernel.go/exceptions.go/
// timer_qemu.go — declare the Go-visible signature here with no body,
// implement the body in Plan9 assembly, link the two with go:linkname
// (the teacher links a function to its own name; we keep that
// convention rather than "fixing" it, since it costs nothing and the
// point of this package is to read the way the teacher's glue reads).
package asm

import _ "unsafe" // for go:linkname

// MMIO access -----------------------------------------------------------

//go:linkname MmioWrite mmio_write
//go:nosplit
func MmioWrite(reg uintptr, data uint32)

//go:linkname MmioRead mmio_read
//go:nosplit
func MmioRead(reg uintptr) uint32

//go:linkname MmioWrite16 mmio_write16
//go:nosplit
func MmioWrite16(reg uintptr, data uint16)

//go:linkname MmioRead16 mmio_read16
//go:nosplit
func MmioRead16(reg uintptr) uint16

//go:linkname MmioWrite8 mmio_write8
//go:nosplit
func MmioWrite8(reg uintptr, data uint8)

//go:linkname MmioRead8 mmio_read8
//go:nosplit
func MmioRead8(reg uintptr) uint8

//go:linkname Delay delay
//go:nosplit
func Delay(count int32)

//go:linkname Bzero bzero
//go:nosplit
func Bzero(ptr uintptr, size uint32)

//go:linkname Dsb dsb
//go:nosplit
func Dsb()

//go:linkname DsbIsh dsb_ish
//go:nosplit
func DsbIsh()

//go:linkname Isb isb
//go:nosplit
func Isb()

// Exception/interrupt state ----------------------------------------------

//go:linkname SetVbarEl1 set_vbar_el1
//go:nosplit
func SetVbarEl1(addr uintptr)

//go:linkname EnableIrqs enable_irqs
//go:nosplit
func EnableIrqs()

//go:linkname DisableIrqs disable_irqs
//go:nosplit
func DisableIrqs()

//go:linkname ReadSpsrEl1 read_spsr_el1
//go:nosplit
func ReadSpsrEl1() uint64

//go:linkname WriteSpsrEl1 write_spsr_el1
//go:nosplit
func WriteSpsrEl1(value uint64)

//go:linkname ReadElrEl1 read_elr_el1
//go:nosplit
func ReadElrEl1() uint64

//go:linkname WriteElrEl1 write_elr_el1
//go:nosplit
func WriteElrEl1(value uint64)

//go:linkname ReadEsrEl1 read_esr_el1
//go:nosplit
func ReadEsrEl1() uint64

//go:linkname ReadFarEl1 read_far_el1
//go:nosplit
func ReadFarEl1() uint64

// Timer (virtual timer, CNTV_*; see SPEC_FULL.md OQ-1) -------------------

//go:linkname ReadCntvCtlEl0 read_cntv_ctl_el0
//go:nosplit
func ReadCntvCtlEl0() uint32

//go:linkname WriteCntvCtlEl0 write_cntv_ctl_el0
//go:nosplit
func WriteCntvCtlEl0(value uint32)

//go:linkname WriteCntvTvalEl0 write_cntv_tval_el0
//go:nosplit
func WriteCntvTvalEl0(value uint32)

//go:linkname ReadCntvctEl0 read_cntvct_el0
//go:nosplit
func ReadCntvctEl0() uint64

//go:linkname ReadCntfrqEl0 read_cntfrq_el0
//go:nosplit
func ReadCntfrqEl0() uint32

// MMU ---------------------------------------------------------------------

//go:linkname WriteTtbr0El1 write_ttbr0_el1
//go:nosplit
func WriteTtbr0El1(value uint64)

//go:linkname WriteTtbr1El1 write_ttbr1_el1
//go:nosplit
func WriteTtbr1El1(value uint64)

//go:linkname WriteMairEl1 write_mair_el1
//go:nosplit
func WriteMairEl1(value uint64)

//go:linkname WriteTcrEl1 write_tcr_el1
//go:nosplit
func WriteTcrEl1(value uint64)

//go:linkname EnableMmu enable_mmu
//go:nosplit
func EnableMmu()

//go:linkname TlbiVae1is tlbi_vae1is
//go:nosplit
func TlbiVae1is(va uint64)

//go:linkname BranchToHighHalf branch_to_high_half
//go:nosplit
func BranchToHighHalf(target uintptr)

// Scheduler / user-mode transitions ---------------------------------------

//go:linkname SwitchTo switch_to
//go:nosplit
func SwitchTo(prevCtx, nextCtx uintptr)

//go:linkname SaveContext save_context
//go:nosplit
func SaveContext(ctx uintptr)

//go:linkname ReturnToUserspace return_to_userspace
//go:nosplit
func ReturnToUserspace(ctx uintptr)

//go:linkname SetStackPointer set_stack_pointer
//go:nosplit
func SetStackPointer(sp uintptr)

// GIC acknowledge/EOI are plain MMIO and need no dedicated asm glue;
// see internal/trap/gic.go.
