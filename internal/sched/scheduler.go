package sched

import (
	"sync"

	"vkernel/asm"
	"vkernel/internal/errs"
)

// Scheduler owns the fixed thread table and the single run-queue lock
// spec.md §4.6 describes. Both the cooperative (yield_now) and
// pre-emptive (timer IRQ) dispatch paths call into dispatchLocked, which is
// the only place that calls switch_to.
type Scheduler struct {
	mu      sync.Mutex
	threads []*Thread
	current int // index into threads of the Running thread, -1 if none
	nextID  int32

	allocStack func(size uintptr) (base uintptr, ok bool)
}

// New builds an empty scheduler. allocStack backs thread-stack
// allocation; the real kernel wires internal/pmm.AllocFrames (see
// kernel.go's wiring), tests wire a plain byte-slice allocator.
func New(allocStack func(size uintptr) (base uintptr, ok bool)) *Scheduler {
	return &Scheduler{current: -1, allocStack: allocStack}
}

// globalScheduler is the one scheduler instance a single-CPU kernel
// needs. Init installs it; threadTrampoline and the syscall dispatch
// table (syscall.go) both reach it through this package-level handle
// rather than threading a *Scheduler through every call site, matching
// the way internal/trap exposes SyscallHandler/IRQHandler as package
// globals for kernel.go to wire once at boot.
var globalScheduler *Scheduler

// Init installs s as the scheduler the trampoline and syscall
// dispatcher use. It does not touch internal/trap; kernel.go calls
// Tick from the IRQ handler it installs there.
func Init(s *Scheduler) {
	globalScheduler = s
}

// Global returns the scheduler installed by Init.
func Global() *Scheduler { return globalScheduler }

// Spawn allocates a kernel stack and adds a new Ready thread to the
// table (spec.md §4.6 "Thread spawn"). entry runs at EL1 with IRQs
// enabled, inside threadTrampoline.
func (s *Scheduler) Spawn(name string, entry func()) (*Thread, error) {
	base, ok := s.allocStack(KernelStackSize)
	if !ok {
		return nil, errs.New(errs.NoSpace, "no room for a new kernel stack")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	t := newKernelThread(id, name, entry, base, KernelStackSize)
	s.threads = append(s.threads, t)
	return t, nil
}

// pickNext finds the next Ready thread starting just after fromIdx,
// wrapping around the table exactly once — the round-robin-from-
// current-index shape original_source/src/scheduler.rs's schedule()
// implements. Pulled out as a pure function of the table plus the
// starting index so it is testable without any register-context
// machinery.
func pickNext(threads []*Thread, fromIdx int) (idx int, ok bool) {
	n := len(threads)
	if n == 0 {
		return -1, false
	}
	for i := 1; i <= n; i++ {
		idx := (fromIdx + i) % n
		if threads[idx].State == Ready {
			return idx, true
		}
	}
	return -1, false
}

// dispatch performs one context switch: it marks the current thread
// Ready (if it was Running), picks the next Ready thread, marks it
// Running, and transfers control to it. Must be called with mu held;
// releases it before the asm call so the outgoing thread doesn't
// resume still holding the scheduler lock.
//
// A thread whose isUser flag is set is dispatched one of two ways
// depending on enteredUserspace:
//
//   - First dispatch: the thread's Context still holds the
//     primeUserEntry values (ELF entry PC, user SP, SPSR=EL0t), so
//     entering it means changing exception level, not resuming a Go
//     call — that's return_to_userspace's eret, and it never returns
//     here.
//   - Every later dispatch: the thread already resumed inside a
//     syscall handler's yield call (see syscall.go), which is Go code
//     running at EL1 on behalf of that thread. Its Context instead
//     holds a live switch_to save — ordinary R19-R29/LR/SP, the way
//     any kernel thread's does — and resuming it is an ordinary RET
//     back into that call frame. The eret back out to EL0 happens
//     afterwards, through the syscall dispatcher's normal return path
//     and internal/trap's restore_and_eret, entirely outside this
//     package, using ELR_EL1/SPSR_EL1/SP_EL0 that were never touched
//     by any purely-kernel-thread activity in between (see DESIGN.md).
func (s *Scheduler) dispatchLocked() {
	if s.current >= 0 && s.threads[s.current].State == Running {
		s.threads[s.current].State = Ready
	}
	nextIdx, ok := pickNext(s.threads, s.current)
	if !ok {
		s.mu.Unlock()
		s.mu.Lock()
		return
	}
	prevIdx := s.current
	next := s.threads[nextIdx]
	next.State = Running
	s.current = nextIdx
	nextCtx := &next.Context
	activeThread = next

	var prevCtx *ThreadContext
	if prevIdx >= 0 {
		prevCtx = &s.threads[prevIdx].Context
	} else {
		var scratch ThreadContext
		prevCtx = &scratch
	}

	if next.isUser && !next.enteredUserspace {
		next.enteredUserspace = true
		if prevIdx >= 0 {
			asm.SaveContext(ctxAddr(prevCtx))
		}
		s.mu.Unlock()
		asm.ReturnToUserspace(ctxAddr(nextCtx))
		panic("sched: return_to_userspace returned")
	}

	s.mu.Unlock()
	asm.SwitchTo(ctxAddr(prevCtx), ctxAddr(nextCtx))
	s.mu.Lock()
}

// Yield implements the cooperative dispatch path (syscall 5 and any
// internal call site that wants to give up the CPU at a convenient
// point).
func (s *Scheduler) Yield() {
	s.mu.Lock()
	s.dispatchLocked()
	s.mu.Unlock()
}

// Tick is the pre-emptive dispatch path, installed as
// internal/trap.IRQHandler's timer tick callback. Per spec.md §4.6
// "A thread holding the scheduler lock at IRQ time defers
// pre-emption", Tick never blocks: if the lock is held it simply
// returns and waits for the next tick.
func (s *Scheduler) Tick() {
	if !s.mu.TryLock() {
		return
	}
	if s.current >= 0 && s.threads[s.current].State == Running {
		s.dispatchLocked()
	}
	s.mu.Unlock()
}

// Current returns the currently running thread, or nil before the
// first dispatch.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return nil
	}
	return s.threads[s.current]
}

// Exit terminates every thread owned by the same process as the
// caller's current thread (spec.md §4.6 "Cancellation"): it marks
// every owned thread Terminated and yields. Stacks are not freed, here
// or later: Spawn always allocates a fresh stack and never reuses a
// terminated thread's, so those stacks stay allocated.
func (s *Scheduler) Exit() {
	s.mu.Lock()
	if s.current >= 0 {
		pid := s.threads[s.current].ownerPID
		for _, t := range s.threads {
			if t.ownerPID == pid {
				t.State = Terminated
			}
		}
	}
	s.dispatchLocked()
	s.mu.Unlock()
}

// Start hands control to the scheduler for the first time: it must be
// called on the boot stack with no current thread selected, and never
// returns (the boot stack becomes unused once the first switch_to
// fires).
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.dispatchLocked()
	s.mu.Unlock()
}
