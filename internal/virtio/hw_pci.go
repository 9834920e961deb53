//go:build arm64

package virtio

import (
	"unsafe"

	"vkernel/asm"
	"vkernel/internal/errs"
)

// ecamConfigSpace is one PCI function's config space addressed over
// the Enhanced Configuration Access Mechanism, generalizing the
// teacher's pciConfigRead32/pciConfigWrite32 (which hardcode a single
// bus/slot/func into the address) into a reusable per-function view.
type ecamConfigSpace struct {
	base uintptr // ecamBase + bus<<20 + slot<<15 + func<<12
}

func ecamFunctionBase(ecamBase uintptr, bus, slot, fn uint8) uintptr {
	return ecamBase + uintptr(bus)<<20 + uintptr(slot)<<15 + uintptr(fn)<<12
}

func (e ecamConfigSpace) Read8(offset uint32) uint8 {
	return asm.MmioRead8(e.base + uintptr(offset))
}

func (e ecamConfigSpace) Read32(offset uint32) uint32 {
	return asm.MmioRead(e.base + uintptr(offset&^0x3))
}

func (e ecamConfigSpace) Write32(offset uint32, v uint32) {
	asm.MmioWrite(e.base+uintptr(offset&^0x3), v)
}

func (e ecamConfigSpace) read16(offset uint32) uint16 {
	return uint16(e.Read32(offset & ^uint32(0x3)) >> (8 * (offset & 0x3)))
}

// mmioCommonConfig implements CommonConfig directly over a VirtIO
// capability's MMIO BAR window, the way virtioPCIReadCommonConfig/
// virtioPCIWriteCommonConfig address the bochs/virtio-gpu common
// config region in the teacher.
type mmioCommonConfig struct {
	base uintptr
}

func (m mmioCommonConfig) Read16(offset uint32) uint16 { return asm.MmioRead16(m.base + uintptr(offset)) }
func (m mmioCommonConfig) Write16(offset uint32, v uint16) {
	asm.MmioWrite16(m.base+uintptr(offset), v)
}
func (m mmioCommonConfig) Read32(offset uint32) uint32 { return asm.MmioRead(m.base + uintptr(offset)) }
func (m mmioCommonConfig) Write32(offset uint32, v uint32) {
	asm.MmioWrite(m.base+uintptr(offset), v)
}
func (m mmioCommonConfig) Write8(offset uint32, v uint8) {
	asm.MmioWrite8(m.base+uintptr(offset), v)
}

// mmioDeviceConfig implements DeviceConfig over a VirtIO capability's
// device-specific MMIO BAR window — the region Probe locates but, until
// a front-end needs it, used to discard (virtio-net's mac[6] is the
// first consumer; see net.go's MacAddress).
type mmioDeviceConfig struct {
	base uintptr
}

func (m mmioDeviceConfig) Read8(offset uint32) uint8 { return asm.MmioRead8(m.base + uintptr(offset)) }

// barWindow is a bump allocator over the PCIe MMIO window internal/fdt
// discovers, standing in for firmware BAR assignment: vkernel boots
// without firmware, so it must assign BAR addresses itself the way
// the teacher's findBochsDisplayFull does with its single hardcoded
// 0x10000000/0x10F00000 pair, generalized here to any number of BARs.
type barWindow struct {
	next uintptr
	end  uintptr
}

func newBarWindow(base, size uintptr) *barWindow {
	return &barWindow{next: base, end: base + size}
}

// assign probes a BAR's size by the standard write-all-ones-then-read
// trick and returns an aligned address for it from the window.
func (w *barWindow) assign(cfg ecamConfigSpace, barOffset uint32) (uintptr, error) {
	orig := cfg.Read32(barOffset)
	cfg.Write32(barOffset, 0xFFFFFFFF)
	sizeMask := cfg.Read32(barOffset)
	cfg.Write32(barOffset, orig)
	if sizeMask == 0 || sizeMask == 0xFFFFFFFF {
		return 0, errs.New(errs.IoError, "virtio: BAR at offset %#x did not respond to size probe", barOffset)
	}
	size := uintptr(^(sizeMask &^ 0xF) + 1)
	addr := (w.next + size - 1) &^ (size - 1)
	if addr+size > w.end {
		return 0, errs.New(errs.NoSpace, "virtio: PCIe MMIO window exhausted assigning a %d-byte BAR", size)
	}
	w.next = addr + size
	cfg.Write32(barOffset, uint32(addr))
	return addr, nil
}

// Probe scans PCI bus 0 for a device with the given vendor/device ID
// (generalizing findVirtIOGPU/findBochsDisplay, which each hardcode
// one ID pair), enables it, resolves its VirtIO capabilities, and
// assigns MMIO addresses to every BAR a capability references.
func Probe(ecamBase, mmioWindowBase, mmioWindowSize uintptr, vendorID, deviceID uint16) (*Device, Region, error) {
	window := newBarWindow(mmioWindowBase, mmioWindowSize)

	for slot := uint8(0); slot < 32; slot++ {
		for fn := uint8(0); fn < 8; fn++ {
			fnBase := ecamFunctionBase(ecamBase, 0, slot, fn)
			cfg := ecamConfigSpace{base: fnBase}
			vid := cfg.read16(pciVendorID)
			if vid == 0xFFFF || vid == 0 {
				continue
			}
			did := cfg.read16(pciDeviceID)
			if vid != vendorID || did != deviceID {
				continue
			}

			cmd := cfg.Read32(pciCommand) &^ 0xFFFF
			cfg.Write32(pciCommand, cmd|pciCommandIOMemBusMaster)

			caps, err := FindCapabilities(cfg)
			if err != nil {
				return nil, Region{}, err
			}

			commonAddr, err := window.assign(cfg, 0x10+uint32(caps.Common.Bar)*4)
			if err != nil {
				return nil, Region{}, err
			}
			notifyAddr, err := window.assign(cfg, 0x10+uint32(caps.Notify.Bar)*4)
			if err != nil {
				return nil, Region{}, err
			}
			deviceAddr, err := window.assign(cfg, 0x10+uint32(caps.Device.Bar)*4)
			if err != nil {
				return nil, Region{}, err
			}

			dev := &Device{
				Common: mmioCommonConfig{base: commonAddr + uintptr(caps.Common.Offset)},
				Caps:   caps,
				Config: mmioDeviceConfig{base: deviceAddr + uintptr(caps.Device.Offset)},
			}
			notify := Region{
				Bar:    caps.Notify.Bar,
				Offset: uint32(notifyAddr) + caps.Notify.Offset,
				Length: caps.Notify.Length,
			}
			return dev, notify, nil
		}
	}
	return nil, Region{}, errs.New(errs.IoError, "virtio: no device %#04x:%#04x found on PCI bus 0", vendorID, deviceID)
}

// identityMemory implements Memory over identity-mapped guest RAM,
// the same mapping discipline vmm.physMemory relies on, here exposed
// at VirtIO's 16/32/64-bit ring-field granularity instead of pmm's
// whole-page granularity.
type identityMemory struct {
	frames interface {
		AllocFrame() (uintptr, bool)
	}
}

// NewIdentityMemory backs a virtqueue with real frames from the
// kernel's physical allocator, identity-mapped the way vmm.InitIdentity
// maps the kernel image and MMIO windows.
func NewIdentityMemory(frames interface {
	AllocFrame() (uintptr, bool)
}) Memory {
	return &identityMemory{frames: frames}
}

func (m *identityMemory) ReadU16(pa uintptr) uint16   { return *(*uint16)(unsafe.Pointer(pa)) }
func (m *identityMemory) WriteU16(pa uintptr, v uint16) { *(*uint16)(unsafe.Pointer(pa)) = v }
func (m *identityMemory) ReadU32(pa uintptr) uint32   { return *(*uint32)(unsafe.Pointer(pa)) }
func (m *identityMemory) WriteU32(pa uintptr, v uint32) { *(*uint32)(unsafe.Pointer(pa)) = v }
func (m *identityMemory) ReadU64(pa uintptr) uint64   { return *(*uint64)(unsafe.Pointer(pa)) }
func (m *identityMemory) WriteU64(pa uintptr, v uint64) { *(*uint64)(unsafe.Pointer(pa)) = v }

func (m *identityMemory) Alloc(n int, align uintptr) (uintptr, error) {
	pa, ok := m.frames.AllocFrame()
	if !ok {
		return 0, errs.New(errs.NoSpace, "virtio: out of frames allocating %d ring bytes", n)
	}
	asm.Bzero(pa, uint32(n))
	return pa, nil
}
