// vkernel is a freestanding AArch64 kernel for QEMU's virt machine.
// kernel.go is this repository's kernel_init_high_half: the single
// sequential bring-up path boot_arm64.s hands off to, in the same
// "one function, one obvious order" shape the teacher's own kernel.go
// (UART -> heap -> GPU -> echo loop) and src/go/mazarin/kernel.go use,
// generalized from a Raspberry Pi's fixed MMIO map to addresses this
// kernel discovers itself from the device tree QEMU hands it (C3),
// and from a single echo loop to physical memory management (C1),
// paged virtual memory (C2), the exception/interrupt layer (C4),
// VirtIO device front-ends (C5), a preemptible scheduler with user
// threads (C6), a disk filesystem (C7) and IPC (C8).
package main

import (
	"image"
	"image/color"
	"strings"
	"unsafe"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"vkernel/asm"
	"vkernel/internal/config"
	"vkernel/internal/errs"
	"vkernel/internal/fdt"
	"vkernel/internal/fs"
	"vkernel/internal/ipc"
	"vkernel/internal/kfmt"
	"vkernel/internal/net"
	"vkernel/internal/pmm"
	"vkernel/internal/sched"
	"vkernel/internal/shell"
	"vkernel/internal/trap"
	"vkernel/internal/virtio"
	"vkernel/internal/vmm"
)

// ramBase and ramSize describe QEMU virt's RAM window. The device tree
// does carry a /memory node with this information, but internal/fdt's
// matcher table (grounded on the teacher's dtb_qemu.go) was built to
// find ECAM/UART/GIC/timer, the devices the boot sequence has to
// locate dynamically; RAM is handed to QEMU on the command line
// (-m) rather than discovered, so vkernel fixes it as a compiled-in
// constant matching virt's own default, the same resolved-Open-
// Question treatment internal/config.DefaultNetConfig already gives
// the static IPv4 configuration. A production build would add a
// /memory matcher to internal/fdt.Info instead; DESIGN.md records
// this as a known simplification.
const (
	ramBase = 0x4000_0000
	ramSize = 128 * 1024 * 1024
)

// uartBase is QEMU virt's PL011 UART0, always at this fixed address
// regardless of what the device tree reports for it (kfmt needs a
// sink before internal/fdt.ParseAt can even run, since Parse logs
// nothing itself but every later Init call does).
const uartBase = 0x0900_0000

const (
	uartDR  = uartBase + 0x00
	uartFR  = uartBase + 0x18
	uartFrTxFull = 1 << 5
)

// uartSink drives the PL011 directly with internal/asm's MMIO
// primitives, the same busy-wait-on-flag-register discipline the
// teacher's uartPutc uses for its PL011, generalized from the
// Raspberry Pi's UART0 offsets to virt's.
type uartSink struct{}

func (uartSink) PutByte(b byte) {
	for asm.MmioRead(uartFR)&uartFrTxFull != 0 {
	}
	asm.MmioWrite(uartDR, uint32(b))
}

// virtio-pci vendor/device IDs (virtio-v1.1 §5), QEMU's virt machine
// exposes every front-end this kernel uses over PCI rather than
// virtio-mmio.
const (
	virtioVendorID  = 0x1AF4
	virtioDeviceNet   = 0x1041
	virtioDeviceBlock = 0x1042
	virtioDeviceGPU   = 0x1050
	virtioDeviceInput = 0x1052
)

const virtioQueueSize = 64

// kernelEntry is boot_arm64.s's one call, on the boot stack, with
// dtbPA holding the device tree blob's physical address from x0 and
// bootStackLo/bootStackHi the bounds of that same stack (boot_arm64.s
// computes them from its own bootStack symbol, since nothing in Go
// can otherwise see an assembly-only GLOBL's address). It never
// returns.
//
// x28 (the g register every non-nosplit Go function's prologue
// dereferences) is uninitialized garbage at this point - boot_arm64.s
// never ran anything resembling rt0_go - so the first thing this
// nosplit function does, before any call that isn't itself nosplit,
// is hand x28 a valid minimal g/m/P and let the real runtime take it
// from there. See runtime_bootstrap_arm64.go.
//
//go:nosplit
func kernelEntry(dtbPA, bootStackLo, bootStackHi uintptr) {
	bootstrapGoRuntime(bootStackLo, bootStackHi)
	kfmt.SetSink(uartSink{})
	kfmt.Info("vkernel starting")
	kernelInitHighHalf(dtbPA)
}

// globals every syscall hook and the shell thread need reached from
// closures below; collected here the way kernel.go's own package-level
// heap/GPU state is in the teacher, since a single-CPU kernel has
// exactly one of each of these for its whole lifetime.
var (
	rootFS    *fs.FS
	netStack  *net.Stack
	netDevice net.Device
	fbInfo    framebufferInfo
	gpu       *virtio.GPU
	gpuMem    virtio.Memory
	gpuBacking uintptr
	input     *virtio.Input
	inputMem  virtio.Memory
)

type framebufferInfo struct {
	Width, Height, StridePixels uint32
	Valid                       bool
}

// kernelInitHighHalf brings up every subsystem in dependency order:
// physical memory, paged virtual memory, the device tree, exceptions,
// the scheduler, VirtIO devices, the filesystem, networking, IPC, and
// finally the shell thread, before handing off to the scheduler for
// good.
func kernelInitHighHalf(dtbPA uintptr) {
	fdtInfo, err := fdt.ParseAt(dtbPA)
	if err != nil {
		kfmt.Fatal("device tree parse failed")
		return
	}

	frames := pmm.New()
	frames.Init([]pmm.MemDesc{{StartPA: ramBase, Pages: ramSize / pmm.PageSize, Kind: pmm.Usable}})
	kfmt.PutDec(uint64(ramSize / pmm.PageSize))
	kfmt.Puts(" pages of usable RAM\r\n")

	mem := vmm.NewPhysMemory(frames)
	mapper, err := vmm.NewMapper(mem)
	if err != nil {
		kfmt.Fatal("page table allocation failed")
		return
	}

	kernelStart, kernelEnd := kernelImageBounds()
	mmio := []vmm.Region{
		{Start: uartBase, Size: 0x1000},
		{Start: fdtInfo.GicDistBase, Size: fdtInfo.GicDistSize},
		{Start: fdtInfo.GicCpuBase, Size: fdtInfo.GicCpuSize},
		{Start: fdtInfo.EcamBase, Size: fdtInfo.EcamSize},
		{Start: fdtInfo.PcieMmioBase, Size: fdtInfo.PcieMmioSize},
	}
	if err := vmm.InitIdentity(mapper, kernelStart, kernelEnd, mmio); err != nil {
		kfmt.Fatal("identity mapping failed")
		return
	}
	if err := mapper.MapRegion(kernelEnd, ramBase+ramSize, kernelEnd, vmm.KernelRW); err != nil {
		kfmt.Fatal("identity mapping failed")
		return
	}
	if err := vmm.Enable(mapper); err != nil {
		kfmt.Fatal("enabling the MMU failed")
		return
	}
	kfmt.Info("MMU enabled")

	trap.Init()
	gic := trap.NewGIC(fdtInfo.GicDistBase)
	gic.Init()
	timer := trap.NewTimer()

	cfg := config.New(
		config.BootInfo{MemoryMap: []pmm.MemDesc{{StartPA: ramBase, Pages: ramSize / pmm.PageSize, Kind: pmm.Usable}}, DeviceTree: nil},
		*fdtInfo,
		config.DefaultNetConfig,
	)

	s := sched.New(func(size uintptr) (uintptr, bool) {
		return frames.AllocFrames(int((size+pmm.PageSize-1)/pmm.PageSize), 0)
	})
	sched.Init(s)
	ipc.Yield = s.Yield

	const timerTickUsec = 10_000 // 10ms quantum (spec.md §4.6 "preemptive via timer IRQ")
	trap.IRQHandler = func() {
		irq := gic.Acknowledge()
		if timer.Pending() {
			timer.Rearm(timerTickUsec)
			s.Tick()
		}
		gic.EndOfInterrupt(irq)
	}
	trap.SyscallHandler = sched.Dispatch
	trap.FaultHandler = func(f trap.Frame) { s.Exit() }
	timer.Arm(timerTickUsec)
	gic.Enable(trap.TimerIRQ) // PPI 27: ARM generic timer, non-secure EL1 virtual timer
	asm.EnableIrqs()
	kfmt.Info("scheduler and timer armed")

	probeAndMountBlockDevice(fdtInfo, frames)
	probeNet(fdtInfo, cfg, frames)
	probeGPU(fdtInfo, frames)
	probeInput(fdtInfo, frames)

	wireSyscalls()

	sh := &shell.Shell{
		FS:       rootFS,
		Net:      netStack,
		Dev:      netDevice,
		LocalMAC: macFromConfig(),
		LocalIP:  net.IPv4Addr(cfg.Net.IP),
		Gateway:  net.IPv4Addr(cfg.Net.Gateway),
		Out:      shellWriter{},
	}

	if _, err := s.Spawn("shell", func() { runShell(sh) }); err != nil {
		kfmt.Warn("failed to spawn shell thread")
	}

	if _, err := s.Spawn("elf-loader", func() { runELFLoader(s, mapper, frames) }); err != nil {
		kfmt.Warn("failed to spawn ELF loader thread")
	}

	kfmt.Info("handing off to the scheduler")
	s.Start()

	for {
		asm.Isb()
	}
}

// kernelImageBounds returns the physical range the kernel's own
// code/data occupies, for vmm.InitIdentity to map executable rather
// than as plain device memory. _kernelStart/_kernelEnd are linker-
// provided symbols the same way vectorsStart is — this repository has
// no linker script of its own (the teacher's pack ships none either),
// so these addresses are a placeholder pending that script; recorded
// as a known gap in DESIGN.md alongside the rest of the missing build
// tooling.
func kernelImageBounds() (start, end uintptr) {
	return ramBase, ramBase + 4*1024*1024
}

type shellWriter struct{}

func (shellWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		uartSink{}.PutByte(b)
	}
	return len(p), nil
}

func macFromConfig() net.MAC {
	if netdev, ok := netDevice.(interface{ MacAddress() ([6]byte, error) }); ok {
		if m, err := netdev.MacAddress(); err == nil {
			return net.MAC(m)
		}
	}
	return net.MAC{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
}

// runShell is the shell thread's entry: it reads one line at a time
// from the UART (CR or LF terminated, spec.md §6 "Shell CLI") and
// dispatches it.
func runShell(sh *shell.Shell) {
	var line []byte
	sh.Run("help")
	for {
		c := uartGetc()
		switch c {
		case '\r', '\n':
			shellWriter{}.Write([]byte("\r\n"))
			sh.Run(string(line))
			line = line[:0]
		case 0x7f, 0x08: // backspace/delete
			if len(line) > 0 {
				line = line[:len(line)-1]
				shellWriter{}.Write([]byte("\b \b"))
			}
		default:
			line = append(line, c)
			shellWriter{}.Write([]byte{c})
		}
	}
}

// elfArchiveSuffix names the files runELFLoader treats as user
// programs to spawn; windowManagerFile is the one among them the GUI
// thread routes input events to (spec.md §2's "ELF loader thread spawns
// user processes from an embedded archive", §4.8/§8 scenario 3's
// window manager). No compiled ELF binaries ship in this tree — there
// is no ARM64 cross-compiler available to produce one here — so
// cmd/mkfsimg's -file flag is how an operator seeds wm.elf and other
// programs onto the volume image before boot; see DESIGN.md.
const (
	elfArchiveSuffix  = ".elf"
	windowManagerFile = "wm.elf"
)

// wmPID is the window manager's process ID once runELFLoader has
// spawned it, or -1 if none was found in the archive. runGUI reads it
// after the loader thread's Spawn closure has already run to
// completion (the loader spawns the GUI thread only from its own tail,
// so this assignment always happens-before any read of it).
var wmPID int32 = -1

// runELFLoader implements the kernel ELF loader thread (spec.md §2's
// top-level control flow): it scans the mounted filesystem for every
// *.elf file, loads and spawns each as a user process via the
// already-mapped LoadELF/SpawnUserProcess path, and registers an IPC
// queue for each new process (ipc.Register is called from kernel.go
// rather than internal/sched, which never imports internal/ipc — see
// internal/ipc's own package comment). Once every program in the
// archive has been spawned, it spawns the GUI thread from its own
// tail, enforcing spec.md's "loader finishes before GUI starts"
// ordering without any extra synchronization.
func runELFLoader(s *sched.Scheduler, mapper *vmm.Mapper, frames sched.FrameSource) {
	if rootFS == nil {
		kfmt.Warn("no filesystem mounted, ELF loader has nothing to load")
	} else {
		for _, entry := range rootFS.ListFiles() {
			if !strings.HasSuffix(entry.Name, elfArchiveSuffix) {
				continue
			}
			image := make([]byte, entry.SizeBytes)
			if _, err := rootFS.ReadFile(entry.Name, image); err != nil {
				kfmt.Warn("ELF loader: failed to read " + entry.Name)
				continue
			}
			t, err := s.SpawnUserProcess(entry.Name, mapper, frames, image)
			if err != nil {
				kfmt.Warn("ELF loader: failed to spawn " + entry.Name)
				continue
			}
			ipc.Register(t.ID)
			if entry.Name == windowManagerFile {
				wmPID = t.ID
			}
			kfmt.Info("ELF loader: spawned " + entry.Name)
		}
	}

	var guiThread *sched.Thread
	guiThread, err := s.Spawn("gui", func() { runGUI(guiThread.ID) })
	if err != nil {
		kfmt.Warn("failed to spawn GUI thread")
		return
	}
	ipc.Register(guiThread.ID)
}

// guiCursorX/guiCursorY track the accumulated pointer position the GUI
// thread maintains across virtio-input's relative motion events —
// virtio-input only ever reports deltas (spec.md §4.5.4), so absolute
// position is this thread's own running state, clamped to the
// framebuffer's bounds.
var guiCursorX, guiCursorY int32

func clampCursor(v, max int32) int32 {
	if v < 0 {
		return 0
	}
	if v >= max && max > 0 {
		return max - 1
	}
	return v
}

// translateInputEvent converts a decoded virtio.InputEvent into the
// ipc wire InputEvent the window manager understands, folding in the
// GUI thread's own running cursor position for motion/button events
// (virtio.InputEvent's Kind/EventKind enumerators share the same
// ordinal meanings ipc's EventType does by construction, but the two
// types are kept distinct per-package — see internal/ipc's package
// comment — so this function maps between them explicitly rather than
// converting numerically).
func translateInputEvent(ev virtio.InputEvent) ipc.InputEvent {
	out := ipc.InputEvent{
		Key:       uint32(ev.KeyCode),
		Modifiers: ev.Modifiers,
		Button:    uint8(ev.Button),
		Pressed:   ev.Pressed,
		DX:        ev.DX,
		DY:        ev.DY,
		Wheel:     ev.Wheel,
	}
	switch ev.Kind {
	case virtio.EventMouseMove:
		out.EventType = ipc.EventMouseMove
		if fbInfo.Valid {
			guiCursorX = clampCursor(guiCursorX+ev.DX, int32(fbInfo.Width))
			guiCursorY = clampCursor(guiCursorY+ev.DY, int32(fbInfo.Height))
		}
	case virtio.EventMouseButton:
		out.EventType = ipc.EventMouseButton
	case virtio.EventKey:
		out.EventType = ipc.EventKey
	default:
		out.EventType = ipc.EventNone
	}
	out.CursorX = guiCursorX
	out.CursorY = guiCursorY
	return out
}

// runGUI implements the kernel GUI thread (spec.md §2/§4.8 scenario 3):
// poll virtio-input directly (no syscall hop needed — this runs in
// kernel mode, unlike sched.PollEvent which exists for user-mode
// callers), forward every decoded event to the window manager over
// IPC, and act on its WMResponse by drawing through the same
// drawRect/drawText path a user process's gfx syscalls use. If no
// window manager was found in the archive this thread idles rather
// than spinning on a destination that will never answer.
func runGUI(guiPID int32) {
	var respBuf [ipc.PayloadSize]byte
	for {
		if input == nil || wmPID < 0 {
			sched.Global().Yield()
			continue
		}
		ev, ok, err := input.GetEvent(inputMem)
		if err != nil || !ok {
			sched.Global().Yield()
			continue
		}
		msg := ipc.EncodeInputEvent(uint32(guiPID), translateInputEvent(ev))
		if err := ipc.Send(guiPID, wmPID, msg.Payload[:msg.Length]); err != nil {
			continue
		}
		n, err := ipc.RecvBlocking(guiPID, respBuf[:])
		if err != nil || n == 0 {
			continue
		}
		resp, err := ipc.DecodeWMResponse(ipc.Message{Length: uint32(n), Payload: respBuf})
		if err != nil {
			continue
		}
		applyWMResponse(resp)
	}
}

// applyWMResponse carries out the window manager's decision for the
// event it was just routed. Only RouteInput's repaint matters to this
// kernel's own framebuffer state; RequestFocus/RequestClose are the
// window manager's own internal bookkeeping (it owns the window
// table spec.md §4.8 describes) and need no kernel-side action beyond
// having been delivered.
func applyWMResponse(resp ipc.WMResponse) {
	if resp.Action != ipc.ActionRouteInput || gpuMem == nil || !fbInfo.Valid {
		return
	}
	gpu.Flush(gpuMem, 0, 0, fbInfo.Width, fbInfo.Height)
}

const (
	uartFrRxEmpty = 1 << 4
)

func uartGetc() byte {
	for asm.MmioRead(uartFR)&uartFrRxEmpty != 0 {
		asm.Isb()
	}
	return byte(asm.MmioRead(uartDR))
}

// blockDeviceAdapter adapts a *virtio.Block plus its Memory pool into
// internal/fs.BlockDevice, the decoupling internal/fs's own doc
// comment on BlockDevice asks kernel.go to provide.
type blockDeviceAdapter struct {
	dev *virtio.Block
	mem virtio.Memory
}

func (b blockDeviceAdapter) ReadSector(lba uint64, out *[fs.SectorSize]byte) error {
	return b.dev.ReadSector(b.mem, lba, out)
}
func (b blockDeviceAdapter) WriteSector(lba uint64, in *[fs.SectorSize]byte) error {
	return b.dev.WriteSector(b.mem, lba, in)
}
func (b blockDeviceAdapter) Flush() error { return b.dev.Flush(b.mem) }

func probeAndMountBlockDevice(fdtInfo *fdt.Info, frames *pmm.Allocator) {
	dev, notify, err := virtio.Probe(fdtInfo.EcamBase, fdtInfo.PcieMmioBase, fdtInfo.PcieMmioSize, virtioVendorID, virtioDeviceBlock)
	if err != nil {
		kfmt.Warn("no virtio-blk device found; filesystem unavailable")
		return
	}
	mem := virtio.NewIdentityMemory(frames)
	blk, err := virtio.NewBlock(dev, uintptr(notify.Offset), mem, virtioQueueSize)
	if err != nil {
		kfmt.Warn("virtio-blk init failed")
		return
	}
	adapter := blockDeviceAdapter{dev: blk, mem: mem}
	volume, err := fs.Mount(adapter)
	if err != nil {
		kfmt.Warn("no SIMPLEFS volume found on virtio-blk device")
		return
	}
	rootFS = volume
	kfmt.Info("filesystem mounted")
}

func probeNet(fdtInfo *fdt.Info, cfg config.Config, frames *pmm.Allocator) {
	dev, notify, err := virtio.Probe(fdtInfo.EcamBase, fdtInfo.PcieMmioBase, fdtInfo.PcieMmioSize, virtioVendorID, virtioDeviceNet)
	if err != nil {
		kfmt.Warn("no virtio-net device found; networking unavailable")
		return
	}
	mem := virtio.NewIdentityMemory(frames)
	n, err := virtio.NewNet(dev, uintptr(notify.Offset), mem, virtioQueueSize, 1514)
	if err != nil {
		kfmt.Warn("virtio-net init failed")
		return
	}
	localMAC, err := n.MacAddress()
	if err != nil {
		kfmt.Warn("virtio-net reported no MAC address")
		return
	}
	netDevice = netAdapter{net: n, mem: mem}
	netStack = net.NewStack(net.MAC(localMAC), net.IPv4Addr(cfg.Net.IP), net.IPv4Addr(cfg.Net.Gateway))
	kfmt.Info("network interface up")
}

// netAdapter adapts a *virtio.Net plus its Memory pool into
// internal/net.Device, mirroring blockDeviceAdapter.
type netAdapter struct {
	net *virtio.Net
	mem virtio.Memory
}

func (a netAdapter) Transmit(frame []byte) error { return a.net.Transmit(a.mem, frame) }
func (a netAdapter) Poll() ([][]byte, error) {
	packets, err := a.net.Poll(a.mem)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(packets))
	for i, p := range packets {
		out[i] = p.Data
	}
	return out, nil
}

func probeGPU(fdtInfo *fdt.Info, frames *pmm.Allocator) {
	dev, notify, err := virtio.Probe(fdtInfo.EcamBase, fdtInfo.PcieMmioBase, fdtInfo.PcieMmioSize, virtioVendorID, virtioDeviceGPU)
	if err != nil {
		kfmt.Warn("no virtio-gpu device found; framebuffer unavailable")
		return
	}
	mem := virtio.NewIdentityMemory(frames)
	g, err := virtio.NewGPU(dev, uintptr(notify.Offset), mem, virtioQueueSize)
	if err != nil {
		kfmt.Warn("virtio-gpu init failed")
		return
	}
	const width, height = 1024, 768
	backingPA, ok := frames.AllocFrames(int((width*height*4+pmm.PageSize-1)/pmm.PageSize), 0)
	if !ok {
		kfmt.Warn("no frames for the framebuffer backing store")
		return
	}
	if err := g.Initialize(mem, width, height, backingPA, width*height*4); err != nil {
		kfmt.Warn("virtio-gpu scanout setup failed")
		return
	}
	gpu, gpuMem, gpuBacking = g, mem, backingPA
	fbInfo = framebufferInfo{Width: width, Height: height, StridePixels: width, Valid: true}
	kfmt.Info("framebuffer ready")
}

func probeInput(fdtInfo *fdt.Info, frames *pmm.Allocator) {
	dev, notify, err := virtio.Probe(fdtInfo.EcamBase, fdtInfo.PcieMmioBase, fdtInfo.PcieMmioSize, virtioVendorID, virtioDeviceInput)
	if err != nil {
		kfmt.Warn("no virtio-input device found")
		return
	}
	mem := virtio.NewIdentityMemory(frames)
	in, err := virtio.NewInput(dev, uintptr(notify.Offset), mem, virtioQueueSize)
	if err != nil {
		kfmt.Warn("virtio-input init failed")
		return
	}
	input, inputMem = in, mem
	kfmt.Info("input device ready")
}

// --- syscall hook wiring (spec.md §6 syscall table) ---

type openFile struct {
	name   string
	data   []byte // cached in memory between open and the matching read/write, since internal/fs has no partial-read/write concept
}

var (
	fdTable      = map[int32]map[int32]*openFile{}
	nextFDByProc = map[int32]int32{}
)

func currentPID() (int32, bool) {
	t := sched.Global().Current()
	if t == nil {
		return 0, false
	}
	return t.ID, true
}

func userBytes(ptr uintptr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(length))
}

func wireSyscalls() {
	sched.OpenFile = func(pathPtr uintptr, flags uint64) (int32, error) {
		if rootFS == nil {
			return 0, errs.New(errs.IoError, "no filesystem mounted")
		}
		pid, ok := currentPID()
		if !ok {
			return 0, errs.New(errs.InvalidState, "open with no current thread")
		}
		name := cStringAt(pathPtr)
		buf := make([]byte, 0, 64*1024)
		for _, e := range rootFS.ListFiles() {
			if e.Name == name {
				buf = make([]byte, e.SizeBytes)
				break
			}
		}
		n, err := rootFS.ReadFile(name, buf)
		if err != nil {
			// flags&1 == O_CREAT in this design's reduced syscall ABI
			if flags&1 == 0 {
				return 0, err
			}
			if err := rootFS.CreateFile(name, 4096); err != nil {
				return 0, err
			}
			buf = make([]byte, 4096)
			n = 0
		}
		fd := nextFDByProc[pid] + 3
		nextFDByProc[pid] = fd - 2
		if fdTable[pid] == nil {
			fdTable[pid] = map[int32]*openFile{}
		}
		fdTable[pid][fd] = &openFile{name: name, data: buf[:n]}
		return fd, nil
	}

	sched.CloseFD = func(fd int32) error {
		pid, ok := currentPID()
		if !ok {
			return errs.New(errs.InvalidState, "close with no current thread")
		}
		if fdTable[pid] != nil {
			delete(fdTable[pid], fd)
		}
		return nil
	}

	sched.ReadFD = func(fd int32, ptr uintptr, length uint64) (uint64, error) {
		if fd == 0 {
			return 0, nil // stdin: no blocking console input through this syscall
		}
		pid, ok := currentPID()
		if !ok {
			return 0, errs.New(errs.InvalidState, "read with no current thread")
		}
		f := fdTable[pid][fd]
		if f == nil {
			return 0, errs.New(errs.InvalidArgument, "fd %d is not open", fd)
		}
		n := copy(userBytes(ptr, length), f.data)
		return uint64(n), nil
	}

	sched.WriteFD = func(fd int32, ptr uintptr, length uint64) (uint64, error) {
		data := userBytes(ptr, length)
		if fd == 1 || fd == 2 {
			for _, b := range data {
				uartSink{}.PutByte(b)
			}
			return length, nil
		}
		pid, ok := currentPID()
		if !ok {
			return 0, errs.New(errs.InvalidState, "write with no current thread")
		}
		f := fdTable[pid][fd]
		if f == nil {
			return 0, errs.New(errs.InvalidArgument, "fd %d is not open", fd)
		}
		if rootFS == nil {
			return 0, errs.New(errs.IoError, "no filesystem mounted")
		}
		if err := rootFS.WriteFile(f.name, data); err != nil {
			return 0, err
		}
		f.data = append(f.data[:0], data...)
		return length, nil
	}

	sched.SendMsg = func(destPID int32, ptr uintptr, length uint64) error {
		pid, ok := currentPID()
		if !ok {
			return errs.New(errs.InvalidState, "send_msg with no current thread")
		}
		return ipc.Send(pid, destPID, userBytes(ptr, length))
	}

	sched.RecvMsg = func(ptr uintptr, length uint64) (uint64, error) {
		pid, ok := currentPID()
		if !ok {
			return 0, errs.New(errs.InvalidState, "recv_msg with no current thread")
		}
		n, err := ipc.Recv(pid, userBytes(ptr, length))
		return uint64(n), err
	}

	sched.FBInfo = func(outPtr uintptr) error {
		if !fbInfo.Valid {
			return errs.New(errs.IoError, "no framebuffer available")
		}
		out := userBytes(outPtr, 12)
		putLE32(out[0:4], fbInfo.Width)
		putLE32(out[4:8], fbInfo.Height)
		putLE32(out[8:12], fbInfo.StridePixels)
		return nil
	}

	sched.FBFlush = func() {
		if gpu == nil {
			return
		}
		gpu.Flush(gpuMem, 0, 0, fbInfo.Width, fbInfo.Height)
	}

	sched.PollEvent = func(outPtr uintptr) bool {
		if input == nil {
			return false
		}
		ev, ok, err := input.GetEvent(inputMem)
		if err != nil || !ok {
			return false
		}
		out := userBytes(outPtr, 20)
		out[0] = byte(ev.Kind)
		putLE32(out[4:8], uint32(ev.DX))
		putLE32(out[8:12], uint32(ev.DY))
		putLE32(out[12:16], uint32(ev.Button))
		out[16] = boolByte(ev.Pressed)
		out[17] = byte(ev.KeyCode)
		out[18] = ev.Modifiers
		return true
	}

	sched.DrawRect = func(x, y, w, h int32, color uint32) {
		if gpuMem == nil || !fbInfo.Valid {
			return
		}
		drawRect(x, y, w, h, color)
	}

	sched.DrawText = func(x, y int32, strPtr uintptr, length uint64, color uint32) {
		if gpuMem == nil || !fbInfo.Valid {
			return
		}
		drawText(x, y, userBytes(strPtr, length), color)
	}
}

func cStringAt(ptr uintptr) string {
	const maxPathLen = 256
	raw := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxPathLen)
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// pixelToNRGBA unpacks a virtio-gpu B8G8R8A8 pixel (see
// internal/virtio/gpu.go's gpuFormatB8G8R8A8Unorm, also what every
// syscall's color uint32 already arrives packed as: byte0=B, byte1=G,
// byte2=R, byte3=A) into the color.Color gg's fill/stroke API expects.
func pixelToNRGBA(p uint32) color.NRGBA {
	return color.NRGBA{R: byte(p >> 16), G: byte(p >> 8), B: byte(p), A: byte(p >> 24)}
}

// nrgbaToPixel is pixelToNRGBA's inverse, used when blitting a
// gg-rendered image back into the framebuffer's native format.
func nrgbaToPixel(r, g, b, a uint32) uint32 {
	// image.Image.At returns alpha-premultiplied 16-bit samples
	// (image/color.Color's general contract); gg's fills are opaque
	// (A=0xffff) so the >>8 truncation back to 8 bits round-trips
	// exactly for every color this package ever asks gg to draw.
	return uint32(b>>8) | uint32(g>>8)<<8 | uint32(r>>8)<<16 | uint32(a>>8)<<24
}

// blit copies a rendered image into the GPU's backing store at
// (originX, originY), clipping against the framebuffer bounds the same
// way the hand-rolled rasterizer this replaced did.
func blit(img image.Image, originX, originY int32) {
	b := img.Bounds()
	for iy := b.Min.Y; iy < b.Max.Y; iy++ {
		row := originY + int32(iy-b.Min.Y)
		if row < 0 || row >= int32(fbInfo.Height) {
			continue
		}
		for ix := b.Min.X; ix < b.Max.X; ix++ {
			col := originX + int32(ix-b.Min.X)
			if col < 0 || col >= int32(fbInfo.Width) {
				continue
			}
			r, g, bl, a := img.At(ix, iy).RGBA()
			if a == 0 {
				continue
			}
			off := gpuBacking + uintptr(row)*uintptr(fbInfo.StridePixels)*4 + uintptr(col)*4
			gpuMem.WriteU32(off, nrgbaToPixel(r, g, bl, a))
		}
	}
}

// drawRect fills a rectangle via fogleman/gg's path rasterizer and
// blits the result into the GPU's backing store, the software
// rasterizer spec.md §6's draw_rect syscall implies (there is no 2D
// acceleration in virtio-gpu 2D mode — every pixel is written by the
// guest and handed to the host with RESOURCE_FLUSH, exactly as Flush
// already does for the whole screen). gg needs a live Go allocator
// underneath it (image.NewRGBA, its internal raster buffers); see
// runtime_bootstrap_arm64.go for how this kernel gets one without ever
// running the normal rt0_go entry point.
func drawRect(x, y, w, h int32, color uint32) {
	if w <= 0 || h <= 0 {
		return
	}
	dc := gg.NewContext(int(w), int(h))
	dc.SetColor(pixelToNRGBA(color))
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()
	blit(dc.Image(), x, y)
}

// drawText rasterizes text with golang.org/x/image/font's fixed-width
// bitmap face (basicfont.Face7x13 — no TTF is embedded in this image,
// so LoadFontFace's TTF path isn't reachable here) onto a gg context
// sized to the string's advance width, then blits it the same way
// drawRect does. Non-goals exclude the wider GUI widget set a real
// font/TTF pipeline would otherwise serve; this is enough for the
// shell's own text.
func drawText(x, y int32, text []byte, color uint32) {
	if len(text) == 0 {
		return
	}
	const glyphWidth, glyphHeight, baseline = 7, 13, 10
	dc := gg.NewContext(len(text)*glyphWidth, glyphHeight)
	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(pixelToNRGBA(color)),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(0, baseline),
	}
	d.DrawString(string(text))
	blit(img, x, y)
}
