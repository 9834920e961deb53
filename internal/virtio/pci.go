package virtio

import "vkernel/internal/errs"

// PCI configuration space offsets common to every function.
const (
	pciVendorID = 0x00
	pciDeviceID = 0x02
	pciCommand  = 0x04
	pciCapPtr   = 0x34
)

const pciCommandIOMemBusMaster = 0x7 // I/O space + memory space + bus master

const pciCapIDVendorSpecific = 0x09

// VirtIO PCI capability cfg_type values (virtio-v1.1 §4.1.4).
const (
	cfgCommon = 1
	cfgNotify = 2
	cfgISR    = 3
	cfgDevice = 4
	cfgPCI    = 5
)

// VirtIO device status bits (virtio-v1.1 §2.1).
const (
	statusAcknowledge = 1 << 0
	statusDriver      = 1 << 1
	statusFailed      = 1 << 2
	statusFeaturesOK  = 1 << 3
	statusDriverOK    = 1 << 4
	statusNeedsReset  = 1 << 6
)

const versionOneFeatureBit = 32 // VIRTIO_F_VERSION_1

// ConfigSpace is one PCI function's configuration space, addressed the
// way the teacher's pciConfigRead32/pciConfigWrite32 address it over
// ECAM — here split out as an interface (same testability pattern as
// Memory) so the capability-list walk in FindCapabilities can run
// against a fake in fdt_test.go-style fixtures instead of real MMIO.
// hw_pci.go supplies the ECAM-backed implementation.
type ConfigSpace interface {
	Read8(offset uint32) uint8
	Read32(offset uint32) uint32
	Write32(offset uint32, v uint32)
}

// Region describes one VirtIO capability's location: a BAR index plus
// a byte offset/length within that BAR, mirroring pciFindVirtIOCapabilities's
// VirtIOCapabilityInfo.
type Region struct {
	Bar    uint8
	Offset uint32
	Length uint32
}

// Capabilities is the set of VirtIO PCI capabilities a conformant
// modern-PCI device exposes; Common, Notify and Device are required,
// ISR is read but unused (vkernel polls rather than using legacy
// interrupt status).
type Capabilities struct {
	Common           Region
	Notify           Region
	NotifyMultiplier uint32
	Device           Region
	ISR              Region
}

// FindCapabilities walks cfg's capability list (per spec.md §4.5:
// "discover capability list of type 0x09, classify by cfg_type") the
// way pciFindVirtIOCapabilities does, generalized from four hardcoded
// capability-type bytes to the real virtio_pci_cap cfg_type field.
func FindCapabilities(cfg ConfigSpace) (Capabilities, error) {
	var caps Capabilities
	haveCommon, haveNotify, haveDevice := false, false, false

	ptr := cfg.Read8(pciCapPtr)
	for iterations := 0; ptr != 0 && ptr != 0xFF && iterations < 48; iterations++ {
		capID := cfg.Read8(uint32(ptr))
		next := cfg.Read8(uint32(ptr) + 1)
		if capID == pciCapIDVendorSpecific {
			capLen := cfg.Read8(uint32(ptr) + 2)
			cfgType := cfg.Read8(uint32(ptr) + 3)
			bar := cfg.Read8(uint32(ptr) + 4)
			offset := cfg.Read32(uint32(ptr) + 8)
			length := cfg.Read32(uint32(ptr) + 12)
			region := Region{Bar: bar, Offset: offset, Length: length}
			switch cfgType {
			case cfgCommon:
				caps.Common = region
				haveCommon = true
			case cfgNotify:
				caps.Notify = region
				haveNotify = true
				if capLen >= 20 {
					caps.NotifyMultiplier = cfg.Read32(uint32(ptr) + 16)
				}
			case cfgDevice:
				caps.Device = region
				haveDevice = true
			case cfgISR:
				caps.ISR = region
			}
		}
		ptr = next
	}

	if !haveCommon || !haveNotify || !haveDevice {
		return Capabilities{}, errs.New(errs.IoError, "virtio: device missing required PCI capability (common=%v notify=%v device=%v)", haveCommon, haveNotify, haveDevice)
	}
	return caps, nil
}

// CommonConfig is the VirtIO PCI common configuration structure
// (virtio-v1.1 §4.1.4.3), addressed as a flat register file the way
// virtioPCIReadCommonConfig/virtioPCIWriteCommonConfig address it —
// split into an interface for the same host-testability reason as
// ConfigSpace.
type CommonConfig interface {
	Read16(offset uint32) uint16
	Write16(offset uint32, v uint16)
	Read32(offset uint32) uint32
	Write32(offset uint32, v uint32)
	Write8(offset uint32, v uint8)
}

// Common config register offsets, grounded on virtio_gpu.go's
// VIRTIO_PCI_COMMON_CFG_* constants.
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonDriverFeatureSelect = 0x08
	commonDriverFeature       = 0x0C
	commonNumQueues           = 0x12
	commonDeviceStatus        = 0x14
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueEnable         = 0x1C
	commonQueueNotifyOff      = 0x1E
	commonQueueDescLow        = 0x20
	commonQueueDescHigh       = 0x24
	commonQueueAvailLow       = 0x28
	commonQueueAvailHigh      = 0x2C
	commonQueueUsedLow        = 0x30
	commonQueueUsedHigh       = 0x34
)

// DeviceConfig reads a VirtIO device's device-specific configuration
// region (virtio-v1.1 §4.1.4.6) — virtio-net's mac[6]/status, virtio-blk's
// capacity, and so on. Each front-end interprets the bytes for its own
// device type; this interface only knows how to fetch them, the same
// split ConfigSpace/CommonConfig already draw for the generic PCI and
// common-config regions.
type DeviceConfig interface {
	Read8(offset uint32) uint8
}

// Device is one initialized VirtIO PCI device: its common
// configuration register file, the capability layout FindCapabilities
// found for it, and (when the device exposes one) its device-specific
// config region.
type Device struct {
	Common CommonConfig
	Caps   Capabilities
	Config DeviceConfig
}

// Reset walks the device back to status 0, the first step of the
// initialisation sequence spec.md §4.5 requires before any front-end
// touches the device.
func (d *Device) Reset() {
	d.Common.Write8(commonDeviceStatus, 0)
}

func (d *Device) addStatus(bit uint8) {
	cur := uint8(d.Common.Read16(commonDeviceStatus))
	d.Common.Write8(commonDeviceStatus, cur|bit)
}

// Status reads back the device status byte.
func (d *Device) Status() uint8 {
	return uint8(d.Common.Read16(commonDeviceStatus))
}

// Fail writes the FAILED bit, the teardown spec.md §4.5 mandates "at
// any step" of initialisation.
func (d *Device) Fail() {
	d.addStatus(statusFailed)
}

// Negotiate runs steps 2-5 of the device initialisation sequence:
// ACKNOWLEDGE, DRIVER, feature negotiation (always offering
// VIRTIO_F_VERSION_1 plus whatever front-end-specific bits the caller
// wants), FEATURES_OK and the required re-read to confirm the device
// accepted them.
func (d *Device) Negotiate(wantFeatures uint64) error {
	d.addStatus(statusAcknowledge)
	d.addStatus(statusDriver)

	d.Common.Write32(commonDeviceFeatureSelect, 0)
	deviceLow := d.Common.Read32(commonDeviceFeature)
	d.Common.Write32(commonDeviceFeatureSelect, 1)
	deviceHigh := d.Common.Read32(commonDeviceFeature)
	deviceFeatures := uint64(deviceLow) | uint64(deviceHigh)<<32

	want := wantFeatures | 1<<versionOneFeatureBit
	offer := want & deviceFeatures
	if offer&(1<<versionOneFeatureBit) == 0 {
		d.Fail()
		return errs.New(errs.IoError, "virtio: device does not support VIRTIO_F_VERSION_1")
	}

	d.Common.Write32(commonDriverFeatureSelect, 0)
	d.Common.Write32(commonDriverFeature, uint32(offer))
	d.Common.Write32(commonDriverFeatureSelect, 1)
	d.Common.Write32(commonDriverFeature, uint32(offer>>32))

	d.addStatus(statusFeaturesOK)
	if d.Status()&statusFeaturesOK == 0 {
		d.Fail()
		return errs.New(errs.IoError, "virtio: device rejected feature set")
	}
	return nil
}

// SetupQueue programs one virtqueue's addresses into the device and
// enables it (step 6), returning the notify register offset (in
// NotifyMultiplier units) the caller writes the queue index to on
// every Submit.
func (d *Device) SetupQueue(index uint16, descPA, availPA, usedPA uintptr, size uint16) (notifyOff uint16, err error) {
	d.Common.Write16(commonQueueSelect, index)
	maxSize := d.Common.Read16(commonQueueSize)
	if maxSize == 0 {
		return 0, errs.New(errs.IoError, "virtio: queue %d does not exist", index)
	}
	if size > maxSize {
		return 0, errs.New(errs.InvalidArgument, "virtio: queue %d size %d exceeds device max %d", index, size, maxSize)
	}
	d.Common.Write16(commonQueueSize, size)
	d.Common.Write32(commonQueueDescLow, uint32(descPA))
	d.Common.Write32(commonQueueDescHigh, uint32(uint64(descPA)>>32))
	d.Common.Write32(commonQueueAvailLow, uint32(availPA))
	d.Common.Write32(commonQueueAvailHigh, uint32(uint64(availPA)>>32))
	d.Common.Write32(commonQueueUsedLow, uint32(usedPA))
	d.Common.Write32(commonQueueUsedHigh, uint32(uint64(usedPA)>>32))
	d.Common.Write16(commonQueueEnable, 1)
	return d.Common.Read16(commonQueueNotifyOff), nil
}

// DriverOK is the final step of the initialisation sequence: once
// every required virtqueue is set up, the device is live.
func (d *Device) DriverOK() {
	d.addStatus(statusDriverOK)
}
