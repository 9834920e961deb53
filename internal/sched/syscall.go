package sched

import (
	"vkernel/internal/errs"
	"vkernel/internal/trap"
)

// Syscall numbers, spec.md §6. The syscall number arrives as the SVC
// instruction's own immediate (trap.Frame.Svc, already established by
// internal/trap's handleSync) rather than in a register; everything
// else follows the register convention spec.md describes: arguments in
// x0-x5, return value in x0, negative values on that return meaning
// -errno.
const (
	SysExit      = 0
	SysWrite     = 1
	SysRead      = 2
	SysOpen      = 3
	SysClose     = 4
	SysYield     = 5
	SysSendMsg   = 6
	SysRecvMsg   = 7
	SysFbInfo    = 8
	SysFbFlush   = 9
	SysPollEvent = 10
	SysDrawRect  = 11
	SysDrawText  = 12
	SysGetpid    = 13
)

// errNoSys is the errno returned for any syscall number whose hook
// hasn't been wired yet, or that has no hook at all by design.
var errNoSys int64 = -38

// negErrno turns a hook's returned error into the negative uint64 the
// syscall ABI returns in x0, using the Kind->errno mapping internal/errs
// already defines (§7 "Propagation policy"). A non-nil error that isn't
// an *errs.Error (shouldn't happen, but Dispatch must not panic on it)
// falls back to -EIO.
func negErrno(err error) uint64 {
	if e, ok := err.(*errs.Error); ok {
		return uint64(e.Kind.Errno())
	}
	return uint64(errs.IoError.Errno())
}

// Hook variables the higher-level services wire in from kernel.go once
// they exist, mirroring internal/trap's own SyscallHandler/IRQHandler
// package-var hooks. internal/sched deliberately never imports
// internal/fs, internal/ipc, or internal/virtio directly — Dispatch
// only knows the ABI, not what backs it.
var (
	WriteFD   func(fd int32, ptr uintptr, length uint64) (n uint64, err error)
	ReadFD    func(fd int32, ptr uintptr, length uint64) (n uint64, err error)
	OpenFile  func(pathPtr uintptr, flags uint64) (fd int32, err error)
	CloseFD   func(fd int32) error
	SendMsg   func(destPID int32, ptr uintptr, length uint64) error
	RecvMsg   func(ptr uintptr, length uint64) (n uint64, err error)
	FBInfo    func(outPtr uintptr) error
	FBFlush   func()
	PollEvent func(outPtr uintptr) (hasEvent bool)
	DrawRect  func(x, y, w, h int32, color uint32)
	DrawText  func(x, y int32, strPtr uintptr, length uint64, color uint32)
)

// Dispatch is internal/trap.SyscallHandler's real implementation once
// kernel.go installs it (trap.SyscallHandler = sched.Dispatch). It runs
// on the exception stack with interrupts masked, exactly like any other
// synchronous-exception handler, and must not block — exit, yield and
// the other scheduler-owned syscalls run to completion here, per
// spec.md §4.6 "the dispatcher itself must not suspend".
func Dispatch(f trap.Frame, regs *trap.SavedRegs) uint64 {
	a0, a1, a2, a3, a4 := regs.X[0], regs.X[1], regs.X[2], regs.X[3], regs.X[4]
	s := Global()

	switch f.Svc() {
	case SysExit:
		s.Exit()
		return 0

	case SysWrite:
		if WriteFD == nil {
			return uint64(errNoSys)
		}
		n, err := WriteFD(int32(a0), uintptr(a1), a2)
		if err != nil {
			return negErrno(err)
		}
		return n

	case SysRead:
		if ReadFD == nil {
			return uint64(errNoSys)
		}
		n, err := ReadFD(int32(a0), uintptr(a1), a2)
		if err != nil {
			return negErrno(err)
		}
		return n

	case SysOpen:
		if OpenFile == nil {
			return uint64(errNoSys)
		}
		fd, err := OpenFile(uintptr(a0), a1)
		if err != nil {
			return negErrno(err)
		}
		return uint64(uint32(fd))

	case SysClose:
		if CloseFD == nil {
			return uint64(errNoSys)
		}
		if err := CloseFD(int32(a0)); err != nil {
			return negErrno(err)
		}
		return 0

	case SysYield:
		s.Yield()
		return 0

	case SysSendMsg:
		if SendMsg == nil {
			return uint64(errNoSys)
		}
		if err := SendMsg(int32(a0), uintptr(a1), a2); err != nil {
			return negErrno(err)
		}
		return 0

	case SysRecvMsg:
		if RecvMsg == nil {
			return 0
		}
		n, _ := RecvMsg(uintptr(a0), a1)
		return n

	case SysFbInfo:
		if FBInfo == nil {
			return uint64(errNoSys)
		}
		if err := FBInfo(uintptr(a0)); err != nil {
			return negErrno(err)
		}
		return 0

	case SysFbFlush:
		if FBFlush != nil {
			FBFlush()
		}
		return 0

	case SysPollEvent:
		if PollEvent != nil && PollEvent(uintptr(a0)) {
			return 1
		}
		return 0

	case SysDrawRect:
		if DrawRect != nil {
			DrawRect(int32(a0), int32(a1), int32(a2), int32(a3), uint32(a4))
		}
		return 0

	case SysDrawText:
		if DrawText != nil {
			DrawText(int32(a0), int32(a1), uintptr(a2), a3, uint32(a4))
		}
		return 0

	case SysGetpid:
		if cur := s.Current(); cur != nil {
			return uint64(uint32(cur.ownerPID))
		}
		return 0

	default:
		return uint64(errNoSys)
	}
}
