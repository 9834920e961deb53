package sched

import (
	"reflect"
	"unsafe"

	"vkernel/asm"
)

// ctxAddr turns a *ThreadContext into the raw uintptr switch_to and
// return_to_userspace expect; the struct's field layout is exactly
// the 31+3-word save area the assembly indexes into.
func ctxAddr(ctx *ThreadContext) uintptr {
	return uintptr(unsafe.Pointer(ctx))
}

// trampolineAddr resolves threadTrampoline's entry address once, for
// Spawn to prime a new thread's Context.PC with. reflect.Value.Pointer
// is the only portable way to get a Go function's code address without
// assembly of its own; internal/bitfield already depends on package
// reflect the same way (struct-tag introspection), so this isn't a new
// dependency for the binary.
var cachedTrampolineAddr uint64

func trampolineAddr() uint64 {
	if cachedTrampolineAddr == 0 {
		cachedTrampolineAddr = uint64(reflect.ValueOf(threadTrampoline).Pointer())
	}
	return cachedTrampolineAddr
}

// activeThread is set by dispatchLocked immediately before switch_to,
// so threadTrampoline — entered with no arguments, straight off
// switch_to's RET — knows which thread it is bootstrapping. There is
// exactly one CPU, so one package-level slot suffices.
var activeThread *Thread

// threadTrampoline is the first code every freshly spawned kernel
// thread runs (spec.md §4.6 "Thread spawn"). It runs at EL1 with IRQs
// still masked (switch_to never touches DAIF — see thread.go's
// spsrEL1hIRQOn comment), unmasks them, calls the thread's entry
// function, and on return terminates the thread and yields the CPU
// for good.
func threadTrampoline() {
	t := activeThread
	asm.EnableIrqs()
	if t != nil && t.entry != nil {
		t.entry()
	}
	globalScheduler.Exit()
	for {
		// Exit never returns for the thread that called it; this is
		// an unreachable backstop, not a busy-wait polling loop.
	}
}
