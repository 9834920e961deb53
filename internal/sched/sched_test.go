package sched

import (
	"errors"
	"testing"
	"unsafe"

	"vkernel/internal/errs"
	"vkernel/internal/trap"
	"vkernel/internal/vmm"
)

func TestPickNextRoundRobin(t *testing.T) {
	threads := []*Thread{
		{State: Ready},
		{State: Running},
		{State: Ready},
		{State: Terminated},
	}
	idx, ok := pickNext(threads, 1)
	if !ok || idx != 2 {
		t.Fatalf("pickNext from 1 = %d,%v, want 2,true", idx, ok)
	}
	idx, ok = pickNext(threads, 2)
	if !ok || idx != 0 {
		t.Fatalf("pickNext from 2 = %d,%v, want 0,true (wrap)", idx, ok)
	}
}

func TestPickNextNoneReady(t *testing.T) {
	threads := []*Thread{{State: Running}, {State: Terminated}}
	if _, ok := pickNext(threads, 0); ok {
		t.Fatal("pickNext found a thread when none were Ready")
	}
	if _, ok := pickNext(nil, 0); ok {
		t.Fatal("pickNext on an empty table should report not ok")
	}
}

func TestValidateState(t *testing.T) {
	cases := []struct {
		from, to ThreadState
		wantErr  bool
	}{
		{Ready, Running, false},
		{Running, Ready, false},
		{Running, Terminated, false},
		{Ready, Terminated, false},
		{Terminated, Ready, true},
		{Ready, Running, false},
		{Blocked, Running, true},
		{Running, Running, true},
	}
	for _, c := range cases {
		err := validateState(c.from, c.to)
		if (err != nil) != c.wantErr {
			t.Errorf("validateState(%v, %v) err=%v, wantErr=%v", c.from, c.to, err, c.wantErr)
		}
	}
}

func TestThreadStateString(t *testing.T) {
	want := map[ThreadState]string{
		Ready: "ready", Running: "running", Blocked: "blocked", Terminated: "terminated",
	}
	for state, s := range want {
		if got := state.String(); got != s {
			t.Errorf("ThreadState(%d).String() = %q, want %q", state, got, s)
		}
	}
	if got := ThreadState(99).String(); got != "unknown" {
		t.Errorf("unknown state String() = %q, want \"unknown\"", got)
	}
}

func fakeStackAllocator() func(uintptr) (uintptr, bool) {
	bufs := make(map[uintptr][]byte)
	next := uintptr(0x1000)
	return func(size uintptr) (uintptr, bool) {
		base := next
		bufs[base] = make([]byte, size)
		next += size
		return base, true
	}
}

func TestSpawn(t *testing.T) {
	s := New(fakeStackAllocator())
	th, err := s.Spawn("worker", func() {})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if th.State != Ready {
		t.Errorf("freshly spawned thread state = %v, want Ready", th.State)
	}
	if th.Context.SP == 0 {
		t.Error("spawned thread has a zero stack pointer")
	}
	if th.Context.PC != trampolineAddr() {
		t.Errorf("spawned thread PC = 0x%x, want threadTrampoline at 0x%x", th.Context.PC, trampolineAddr())
	}
	if th.ownerPID != th.ID {
		t.Errorf("spawned thread ownerPID = %d, want %d (its own ID)", th.ownerPID, th.ID)
	}

	th2, _ := s.Spawn("other", func() {})
	if th2.ID == th.ID {
		t.Error("two spawned threads share an ID")
	}
}

func TestSpawnStackExhausted(t *testing.T) {
	s := New(func(uintptr) (uintptr, bool) { return 0, false })
	if _, err := s.Spawn("doomed", func() {}); err == nil {
		t.Fatal("Spawn should fail when allocStack reports no room")
	}
}

// putLE64/putLE32/putLE16 write a little-endian field into an ELF image
// buffer at the given offset, mirroring LoadELF's own decoder.
func putLE64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}
func putLE32(buf []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}
func putLE16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

// buildMinimalELF assembles a one-segment ELF64 image: a 64-byte
// header followed immediately by a single 56-byte program header and
// then the segment's file bytes.
func buildMinimalELF(entry uint64, segVaddr uint64, segData []byte, memSize uint64) []byte {
	const ehSize = 64
	const phSize = 56
	buf := make([]byte, ehSize+phSize+len(segData))
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	putLE64(buf, 0x18, entry)
	putLE64(buf, 0x20, ehSize) // e_phoff
	putLE16(buf, 0x36, phSize) // e_phentsize
	putLE16(buf, 0x38, 1)      // e_phnum

	ph := ehSize
	putLE32(buf, ph, 1) // PT_LOAD
	putLE64(buf, ph+8, ehSize+phSize)
	putLE64(buf, ph+16, segVaddr)
	putLE64(buf, ph+32, uint64(len(segData)))
	putLE64(buf, ph+40, memSize)
	copy(buf[ehSize+phSize:], segData)
	return buf
}

// fakeFrameSource hands out real, GC-keepalive backed memory so
// loadSegment's direct unsafe.Slice writes (standing in for a kernel's
// identity-mapped physical memory) land somewhere valid, rather than a
// synthetic bump-allocated offset like vmm's own fakeMemory uses for
// its interface-mediated ReadEntry/WriteEntry.
type fakeFrameSource struct {
	allocs [][]byte
}

func (f *fakeFrameSource) AllocFrames(n int, alignPow2 uint) (uintptr, bool) {
	buf := make([]byte, n*4096)
	f.allocs = append(f.allocs, buf)
	return uintptr(unsafe.Pointer(&buf[0])), true
}

// fakeMemory backs a vmm.Mapper with a plain byte slice, the same
// pattern internal/vmm's own test suite uses for its Memory fake.
type fakeMemory struct {
	backing []byte
	next    uintptr
}

func newFakeMemory(tables int) *fakeMemory {
	return &fakeMemory{backing: make([]byte, tables*vmm.TableBytes)}
}

func (f *fakeMemory) ReadEntry(pa uintptr) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(f.backing[int(pa)+i]) << (8 * i)
	}
	return v
}

func (f *fakeMemory) WriteEntry(pa uintptr, v uint64) {
	for i := 0; i < 8; i++ {
		f.backing[int(pa)+i] = byte(v >> (8 * i))
	}
}

func (f *fakeMemory) AllocTable() (uintptr, error) {
	pa := f.next
	f.next += vmm.TableBytes
	return pa, nil
}

func TestLoadELFRejectsBadMagic(t *testing.T) {
	mapper, _ := vmm.NewMapper(newFakeMemory(8))
	if _, err := LoadELF(mapper, &fakeFrameSource{}, []byte("not an elf at all, way too short")); err == nil {
		t.Fatal("LoadELF accepted a non-ELF image")
	}
}

func TestLoadELFMapsSegmentAndReturnsEntry(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	image := buildMinimalELF(0x40000, 0x40000, payload, 4096)
	mapper, err := vmm.NewMapper(newFakeMemory(8))
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	frames := &fakeFrameSource{}
	entry, err := LoadELF(mapper, frames, image)
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if entry != 0x40000 {
		t.Errorf("entry = %#x, want %#x", entry, 0x40000)
	}
	if len(frames.allocs) != 1 {
		t.Fatalf("expected one frame allocation for the single PT_LOAD segment, got %d", len(frames.allocs))
	}
	if got := frames.allocs[0][:len(payload)]; string(got) != string(payload) {
		t.Errorf("segment bytes = %x, want %x", got, payload)
	}
	if pa, ok := mapper.Translate(0x40000); !ok || pa == 0 {
		t.Errorf("Translate(0x40000) after LoadELF = %#x, %v, want a mapped frame", pa, ok)
	}
}

func TestNegErrno(t *testing.T) {
	if got := negErrno(errs.New(errs.NoSuchFile, "missing")); int64(got) != -2 {
		t.Errorf("negErrno(NoSuchFile) = %d, want -2 (ENOENT)", int64(got))
	}
	if got := negErrno(errors.New("not an *errs.Error")); int64(got) != errs.IoError.Errno() {
		t.Errorf("negErrno(plain error) = %d, want the IoError fallback %d", int64(got), errs.IoError.Errno())
	}
}

func fakeFrame(svc uint16) trap.Frame {
	return trap.Frame{ESR: uint64(svc)}
}

func TestDispatchUnwiredHookReturnsENOSYS(t *testing.T) {
	WriteFD = nil
	regs := &trap.SavedRegs{}
	got := Dispatch(fakeFrame(SysWrite), regs)
	if int64(got) != -38 {
		t.Errorf("Dispatch(write) with no hook = %d, want -38 (ENOSYS)", int64(got))
	}
}

func TestDispatchWriteHook(t *testing.T) {
	defer func() { WriteFD = nil }()
	WriteFD = func(fd int32, ptr uintptr, length uint64) (uint64, error) {
		if fd != 1 || ptr != 0x2000 || length != 10 {
			t.Errorf("WriteFD got fd=%d ptr=%#x len=%d", fd, ptr, length)
		}
		return 10, nil
	}
	regs := &trap.SavedRegs{}
	regs.X[0], regs.X[1], regs.X[2] = 1, 0x2000, 10
	if got := Dispatch(fakeFrame(SysWrite), regs); got != 10 {
		t.Errorf("Dispatch(write) = %d, want 10", got)
	}
}

func TestDispatchWriteHookError(t *testing.T) {
	defer func() { WriteFD = nil }()
	WriteFD = func(fd int32, ptr uintptr, length uint64) (uint64, error) {
		return 0, errs.New(errs.InvalidArgument, "bad fd")
	}
	regs := &trap.SavedRegs{}
	if got := Dispatch(fakeFrame(SysWrite), regs); int64(got) != -22 {
		t.Errorf("Dispatch(write) errno path = %d, want -22 (EINVAL)", int64(got))
	}
}

func TestDispatchDrawRectAndFlush(t *testing.T) {
	defer func() { DrawRect = nil; FBFlush = nil }()
	var gotX, gotY, gotW, gotH int32
	var gotColor uint32
	DrawRect = func(x, y, w, h int32, color uint32) { gotX, gotY, gotW, gotH, gotColor = x, y, w, h, color }
	flushed := false
	FBFlush = func() { flushed = true }

	regs := &trap.SavedRegs{}
	regs.X[0], regs.X[1], regs.X[2], regs.X[3], regs.X[4] = 1, 2, 3, 4, 0xFF0000
	Dispatch(fakeFrame(SysDrawRect), regs)
	if gotX != 1 || gotY != 2 || gotW != 3 || gotH != 4 || gotColor != 0xFF0000 {
		t.Errorf("DrawRect got (%d,%d,%d,%d,%#x)", gotX, gotY, gotW, gotH, gotColor)
	}
	Dispatch(fakeFrame(SysFbFlush), regs)
	if !flushed {
		t.Error("FBFlush hook was not invoked")
	}
}

func TestDispatchPollEventNoHook(t *testing.T) {
	PollEvent = nil
	if got := Dispatch(fakeFrame(SysPollEvent), &trap.SavedRegs{}); got != 0 {
		t.Errorf("Dispatch(poll_event) with no hook = %d, want 0", got)
	}
}

func TestDispatchUnknownSyscall(t *testing.T) {
	got := Dispatch(fakeFrame(250), &trap.SavedRegs{})
	if int64(got) != -38 {
		t.Errorf("Dispatch(unknown) = %d, want -38 (ENOSYS)", int64(got))
	}
}

func TestDispatchGetpidNoCurrentThread(t *testing.T) {
	Init(New(fakeStackAllocator()))
	if got := Dispatch(fakeFrame(SysGetpid), &trap.SavedRegs{}); got != 0 {
		t.Errorf("Dispatch(getpid) with no current thread = %d, want 0", got)
	}
}
