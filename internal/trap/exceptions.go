package trap

import (
	"unsafe"

	"vkernel/asm"
	"vkernel/internal/kfmt"
)

func unsafePointerOf(p *[0]byte) unsafe.Pointer { return unsafe.Pointer(p) }

// Exception class values (ESR_EL1 bits 31:26), per the teacher's
// exceptions.go EC_* table.
const (
	ecUnknown      = 0b000000
	ecWFx          = 0b000001
	ecMsrMrs       = 0b010001
	ecDataAbortLo  = 0b100100 // from a lower EL (EL0)
	ecDataAbortEq  = 0b100101 // from the same EL (EL1)
	ecIAbortLo     = 0b100000
	ecIAbortEq     = 0b100001
	ecBreakpointEq = 0b110001
	ecIllegal      = 0b011110
	ecSvcA64       = 0b010101
)

// Frame is everything the vector-table trampoline hands to Go for one
// synchronous exception — mirrors the teacher's ExceptionInfo.
type Frame struct {
	ESR, ELR, SPSR, FAR uint64
}

// EC extracts the exception class from ESR_EL1.
func (f Frame) EC() uint8 { return uint8((f.ESR >> 26) & 0x3F) }

// ISS extracts the instruction-specific syndrome.
func (f Frame) ISS() uint32 { return uint32(f.ESR & 0xFFFFFF) }

// Svc extracts the SVC immediate (the syscall number, §7) from an
// EC_SVC_EL0 exception's ISS.
func (f Frame) Svc() uint16 { return uint16(f.ESR & 0xFFFF) }

// Classify turns a raw exception class into a human label, the pure
// piece of handleException's switch the spec's testability story (§8)
// asks to be checkable without real hardware.
func Classify(ec uint8) string {
	switch ec {
	case ecUnknown:
		return "unknown"
	case ecWFx:
		return "wfx-trap"
	case ecMsrMrs:
		return "msr-mrs-trap"
	case ecDataAbortLo, ecDataAbortEq:
		return "data-abort"
	case ecIAbortLo, ecIAbortEq:
		return "prefetch-abort"
	case ecBreakpointEq:
		return "breakpoint"
	case ecIllegal:
		return "illegal-execution-state"
	case ecSvcA64:
		return "svc"
	default:
		return "unhandled"
	}
}

// SavedRegs is the general-purpose register save area the vector
// table trampoline builds on the exception stack before calling into
// Go (x0..x30, in order). Both handleSync's SVC path and
// internal/sched's context switch agree on this layout.
type SavedRegs struct {
	X [31]uint64
}

// SyscallHandler services an EC_SVC_EL0 exception and returns the
// value to place back in x0; kernel.go installs internal/sched's
// Dispatch here once the scheduler exists.
var SyscallHandler func(f Frame, regs *SavedRegs) (x0 uint64)

// IRQHandler services a pending GIC interrupt; kernel.go installs a
// handler here that acknowledges the GIC, re-arms the timer and calls
// the scheduler's Tick.
var IRQHandler func()

// FaultHandler is called for a synchronous exception taken from EL0
// that handleSync cannot service itself (anything but EC_SVC_EL0);
// kernel.go installs a hook here that terminates the current thread
// through the scheduler's Exit. A fault from EL1 (the kernel itself) has no
// process to terminate and stays fatal.
var FaultHandler func(f Frame)

// fromEL0 reports whether SPSR_EL1's M[3:2] field (the exception level
// the processor was in before the exception) names EL0, distinguishing
// vectors_arm64.s's two same-handler sync vectors (same-EL vs.
// lower-EL) the way ESR_EL1's EC alone cannot.
func (f Frame) fromEL0() bool {
	return (f.SPSR>>2)&0x3 == 0
}

// vectorsStart is provided by the linker, pointing at the 2 KiB-aligned
// exception vector table vectors_arm64.s assembles.
var vectorsStart [0]byte

// Init points VBAR_EL1 at the vector table. Must run before any
// interrupt source is unmasked.
func Init() {
	asm.SetVbarEl1(uintptr(unsafePointerOf(&vectorsStart)))
	kfmt.Info("exception vectors installed")
}

// handleSync is called by the assembly trampoline for every
// synchronous exception (vectors at offsets 0x000/0x200/0x400),
// with regs pointing at the just-saved general-purpose registers.
//
//go:nosplit
func handleSync(regs *SavedRegs, esr, elr, spsr, far uint64) {
	f := Frame{ESR: esr, ELR: elr, SPSR: spsr, FAR: far}
	ec := f.EC()
	if ec == ecSvcA64 {
		if SyscallHandler != nil {
			regs.X[0] = SyscallHandler(f, regs)
		}
		return
	}

	kfmt.Puts("EXCEPTION: ")
	kfmt.Puts(Classify(ec))
	kfmt.Puts(" elr=0x")
	kfmt.PutHex64(f.ELR)
	kfmt.Puts(" far=0x")
	kfmt.PutHex64(f.FAR)
	kfmt.Puts("\r\n")

	if f.fromEL0() && FaultHandler != nil {
		kfmt.Puts("killing faulting process\r\n")
		FaultHandler(f)
		return
	}
	kfmt.Fatal("unrecoverable synchronous exception")
}

// handleIRQ is called by the trampoline for every IRQ (vectors 0x080
// and 0x280, current EL with SP0/SPx, and 0x480 from EL0).
//
//go:nosplit
func handleIRQ() {
	if IRQHandler != nil {
		IRQHandler()
		return
	}
	kfmt.Warn("IRQ fired with no handler installed")
}

// handleSError is called for SError exceptions; these are never
// expected to be recoverable (§4.4 "an SError halts with a
// diagnostic").
//
//go:nosplit
func handleSError(esr, elr uint64) {
	kfmt.Puts("SERROR: esr=0x")
	kfmt.PutHex64(esr)
	kfmt.Puts(" elr=0x")
	kfmt.PutHex64(elr)
	kfmt.Puts("\r\n")
	kfmt.Fatal("system error")
}
