package main

import "unsafe"

// boot_arm64.s enters at kernelEntry with no Go scheduler underneath
// it: no rt0_go, no schedinit, x28 (the arm64 g register every
// compiled Go function's stack-check prologue dereferences) left
// holding whatever garbage reset left in it. That's fine for a
// function marked go:nosplit that touches no global state reachable
// through sync.Mutex/map/reflect, but kernelInitHighHalf is an
// ordinary Go function, and internal/pmm's Allocator (sync.Mutex,
// map[uintptr]int32) and internal/bitfield's reflect-based packing
// both assume a live g/m/P underneath them the moment they run.
//
// Grounded on the teacher's own bare-QEMU-virt Go runtime experiment
// (src/mazboot/golang/main/runtime_stub.go, scheduler_bootstrap.go):
// construct a minimal g0/m0/P0, point x28 at g0, then let the real
// runtime.schedinit (reached here via go:linkname, the same mechanism
// the teacher's asm.CallRuntimeSchedinit wraps) finish the job -
// mallocinit, procresize and the rest. The teacher binds its g0/m0 to
// the real linked runtime.g0/runtime.m0 symbols via generated
// accessors that aren't part of this retrieval pack; this file uses
// dedicated static storage instead (bootG0/bootM0/bootP0 below) so a
// struct-layout mismatch can only waste space inside that storage
// rather than overrun whatever real global happens to follow
// runtime.g0 in the binary - see DESIGN.md for the full tradeoff.
//
// bootG0/bootM0/bootP0 mirror runtime's g/m/p layout closely enough
// for schedinit and the mallocgc fast path to find what they expect
// at g.m, m.g0, m.p, p.mcache and p.status. Field order and types
// must stay in lockstep with runtime/runtime2.go for the Go toolchain
// this module builds with; like the teacher's own runtime_types.go,
// this is inherently version-sensitive and is the one place in this
// repository that isn't toolchain-independent.
type bootGobuf struct {
	sp   uintptr
	pc   uintptr
	g    uintptr
	ctxt unsafe.Pointer
	lr   uintptr
	bp   uintptr
}

type gStackBounds struct{ lo, hi uintptr }

type bootG struct {
	stack       gStackBounds
	stackguard0 uintptr
	stackguard1 uintptr

	_panic       unsafe.Pointer
	_defer       unsafe.Pointer
	m            *bootM
	sched        bootGobuf
	syscallsp    uintptr
	syscallpc    uintptr
	syscallbp    uintptr
	stktopsp     uintptr
	param        unsafe.Pointer
	atomicstatus uint32
	stackLock    uint32
	goid         uint64
	schedlink    uintptr
	waitsince    int64
	waitreason   uint32
	_            [256]byte // pad: everything past here in the real g is read by the scheduler/GC, not by the mallocgc/mutex fast paths this bootstrap needs to survive
}

type bootM struct {
	g0      *bootG
	morebuf bootGobuf
	divmod  uint32
	pad0    uint32

	procid     uint64
	gsignal    *bootG
	goSigStack [40]byte
	sigmask    [8]byte
	tls        [6]uintptr
	mstartfn   uintptr
	curg       *bootG
	caughtsig  uintptr

	p     *bootP
	nextp uintptr
	oldp  uintptr
	id    int64
	_     [256]byte
}

// bootMspan is not a faithful mirror of runtime.mspan - it only needs
// to read back as "zero nelems, zero allocCache", the same state
// runtime's real emptymspan sentinel starts in, so the mcache fast
// path's "cache is empty, go refill" test fires instead of dereferencing
// garbage. schedinit/mallocinit replace every slot that's actually used
// the first time an allocation of that size class happens.
type bootMspan struct {
	_ [128]byte
}

type bootMcache struct {
	_ [0x30]byte // mcache fields preceding alloc[]; offset is the one hand-measured constant this file carries, matched to the teacher's own mmcache.alloc-at-0x30 note
	alloc [136]*bootMspan
	_     [256]byte
}

// bootP's m/mcache fields sit at the exact byte offsets (0x30, 0x38)
// the teacher's runtime_stub.go hand-measured for runtime.p on its Go
// toolchain (P.m at offset 0x30, P.mcache at offset 0x38) rather than
// being laid out by Go's own struct rules the way bootG/bootM's fields
// are - procresize/mallocinit read p.m and p.mcache through the real
// runtime.p type, so this file's struct tags are cosmetic; what has to
// line up is the byte offset.
type bootP struct {
	id     int32
	status uint32
	link   uintptr
	_      [0x20]byte // pad to offset 0x30
	m      *bootM     // offset 0x30
	mcache *bootMcache // offset 0x38
	_      [4096]byte  // room for wbBuf and everything else procresize/schedinit touch before this P is fully adopted
}

var (
	bootG0     bootG
	bootM0     bootM
	bootP0     bootP
	bootMcache0 bootMcache
	emptySpan  bootMspan
)

//go:linkname runtimeSchedinit runtime.schedinit
func runtimeSchedinit()

//go:linkname runtimeOsinit runtime.osinit
func runtimeOsinit()

// setCurrentG points x28 at g, implemented in runtime_bootstrap_arm64.s
// (the same register switch_to already treats as an ordinary
// callee-saved slot per thread context - this is the one spot that
// sets it before any thread context exists). Declared here with no
// body and matched by name to its TEXT symbol, the same convention
// asm.go uses throughout, rather than go:linkname (only needed when
// the Go name and the assembly symbol differ or cross a package
// boundary, neither of which applies here).
//
//go:nosplit
func setCurrentG(gp uintptr)

// bootstrapGoRuntime wires a minimal g0/m0/P0 together and points x28
// at g0, then calls the real runtime.osinit/runtime.schedinit so the
// rest of the runtime (mallocinit, procresize, sched.lock) initializes
// itself exactly as it would under the normal rt0_go entry point.
// Must run before the first line of kernelEntry that touches a
// sync.Mutex, a map, or internal/bitfield's reflect-based packing.
//
//go:nosplit
func bootstrapGoRuntime(bootStackLo, bootStackHi uintptr) {
	bootG0.stack.lo = bootStackLo
	bootG0.stack.hi = bootStackHi
	bootG0.stackguard0 = bootStackLo + 1024
	bootG0.stackguard1 = bootStackLo + 1024
	bootG0.m = &bootM0

	bootM0.g0 = &bootG0
	bootM0.curg = nil
	bootM0.p = &bootP0

	bootP0.id = 0
	bootP0.status = 2 // _Pgcstop: procresize() adopts an idle, not-yet-running P
	bootP0.mcache = &bootMcache0
	bootP0.m = &bootM0

	for i := range bootMcache0.alloc {
		bootMcache0.alloc[i] = &emptySpan
	}

	setCurrentG(uintptr(unsafe.Pointer(&bootG0)))

	runtimeOsinit()
	runtimeSchedinit()
}
