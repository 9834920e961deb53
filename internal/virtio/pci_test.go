package virtio

import "testing"

// fakeConfigSpace is a byte-slice-backed PCI config space used to
// build a capability list the way a real device's firmware would,
// without touching MMIO.
type fakeConfigSpace struct {
	buf [256]byte
}

func (f *fakeConfigSpace) Read8(offset uint32) uint8  { return f.buf[offset] }
func (f *fakeConfigSpace) Read32(offset uint32) uint32 {
	return uint32(f.buf[offset]) | uint32(f.buf[offset+1])<<8 | uint32(f.buf[offset+2])<<16 | uint32(f.buf[offset+3])<<24
}
func (f *fakeConfigSpace) Write32(offset uint32, v uint32) {
	f.buf[offset] = byte(v)
	f.buf[offset+1] = byte(v >> 8)
	f.buf[offset+2] = byte(v >> 16)
	f.buf[offset+3] = byte(v >> 24)
}

func (f *fakeConfigSpace) putCap(at uint8, next uint8, cfgType uint8, bar uint8, offset, length uint32, notifyMult uint32) uint8 {
	f.buf[at] = pciCapIDVendorSpecific
	f.buf[at+1] = next
	capLen := uint8(16)
	if cfgType == cfgNotify {
		capLen = 20
	}
	f.buf[at+2] = capLen
	f.buf[at+3] = cfgType
	f.buf[at+4] = bar
	f.Write32(uint32(at)+8, offset)
	f.Write32(uint32(at)+12, length)
	if cfgType == cfgNotify {
		f.Write32(uint32(at)+16, notifyMult)
	}
	return at
}

func buildVirtioCapList() *fakeConfigSpace {
	f := &fakeConfigSpace{}
	f.buf[pciCapPtr] = 0x40
	f.putCap(0x40, 0x54, cfgCommon, 0, 0x0, 0x1000, 0)
	f.putCap(0x54, 0x68, cfgNotify, 0, 0x1000, 0x1000, 4)
	f.putCap(0x68, 0x00, cfgDevice, 0, 0x2000, 0x1000, 0)
	return f
}

func TestFindCapabilitiesLocatesCommonNotifyDevice(t *testing.T) {
	f := buildVirtioCapList()
	caps, err := FindCapabilities(f)
	if err != nil {
		t.Fatalf("FindCapabilities: %v", err)
	}
	if caps.Common.Offset != 0x0 || caps.Notify.Offset != 0x1000 || caps.Device.Offset != 0x2000 {
		t.Fatalf("unexpected regions: %+v", caps)
	}
	if caps.NotifyMultiplier != 4 {
		t.Fatalf("NotifyMultiplier = %d, want 4", caps.NotifyMultiplier)
	}
}

func TestFindCapabilitiesFailsWithoutRequiredCaps(t *testing.T) {
	f := &fakeConfigSpace{}
	f.buf[pciCapPtr] = 0x40
	f.putCap(0x40, 0x00, cfgCommon, 0, 0, 0x1000, 0)
	if _, err := FindCapabilities(f); err == nil {
		t.Fatal("expected error when notify/device capabilities are missing")
	}
}

// fakeCommonConfig is a byte-slice-backed VirtIO common config region
// standing in for the real MMIO BAR, with enough device-side behavior
// wired in to exercise Negotiate/SetupQueue/DriverOK end to end.
type fakeCommonConfig struct {
	buf            [64]byte
	deviceFeatures uint64
	queueMaxSize   uint16
	notifyOff      uint16
}

func (f *fakeCommonConfig) Read16(offset uint32) uint16 {
	switch offset {
	case commonQueueSize:
		return f.queueMaxSize
	case commonQueueNotifyOff:
		return f.notifyOff
	}
	return uint16(f.buf[offset]) | uint16(f.buf[offset+1])<<8
}
func (f *fakeCommonConfig) Write16(offset uint32, v uint16) {
	if offset == commonQueueSize {
		return // device max size is read-only from the driver's perspective
	}
	f.buf[offset] = byte(v)
	f.buf[offset+1] = byte(v >> 8)
}
func (f *fakeCommonConfig) Read32(offset uint32) uint32 {
	sel := f.buf[commonDeviceFeatureSelect] | f.buf[commonDeviceFeatureSelect+1]<<8
	if offset == commonDeviceFeature {
		if sel == 0 {
			return uint32(f.deviceFeatures)
		}
		return uint32(f.deviceFeatures >> 32)
	}
	return uint32(f.buf[offset]) | uint32(f.buf[offset+1])<<8 | uint32(f.buf[offset+2])<<16 | uint32(f.buf[offset+3])<<24
}
func (f *fakeCommonConfig) Write32(offset uint32, v uint32) {
	f.buf[offset] = byte(v)
	f.buf[offset+1] = byte(v >> 8)
	f.buf[offset+2] = byte(v >> 16)
	f.buf[offset+3] = byte(v >> 24)
}
func (f *fakeCommonConfig) Write8(offset uint32, v uint8) {
	f.buf[offset] = v
	if offset == commonDeviceStatus {
		f.buf[offset+1] = 0
	}
}

func TestNegotiateRejectsDeviceWithoutVersionOne(t *testing.T) {
	cc := &fakeCommonConfig{deviceFeatures: 0} // no VIRTIO_F_VERSION_1
	d := &Device{Common: cc}
	if err := d.Negotiate(0); err == nil {
		t.Fatal("expected Negotiate to fail without VIRTIO_F_VERSION_1")
	}
	if d.Status()&statusFailed == 0 {
		t.Fatal("expected FAILED status bit to be set")
	}
}

func TestNegotiateAcceptsVersionOneAndSetsFeaturesOK(t *testing.T) {
	cc := &fakeCommonConfig{deviceFeatures: 1 << versionOneFeatureBit}
	d := &Device{Common: cc}
	if err := d.Negotiate(0); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if d.Status()&statusFeaturesOK == 0 {
		t.Fatal("expected FEATURES_OK to be set")
	}
	if d.Status()&statusAcknowledge == 0 || d.Status()&statusDriver == 0 {
		t.Fatal("expected ACKNOWLEDGE and DRIVER bits to be set")
	}
}

func TestSetupQueueRejectsSizeAboveDeviceMax(t *testing.T) {
	cc := &fakeCommonConfig{queueMaxSize: 8}
	d := &Device{Common: cc}
	if _, err := d.SetupQueue(0, 0x1000, 0x2000, 0x3000, 16); err == nil {
		t.Fatal("expected SetupQueue to reject a size larger than the device max")
	}
}

func TestSetupQueueProgramsAddressesAndReturnsNotifyOffset(t *testing.T) {
	cc := &fakeCommonConfig{queueMaxSize: 256, notifyOff: 3}
	d := &Device{Common: cc}
	off, err := d.SetupQueue(1, 0x1000, 0x2000, 0x3000, 256)
	if err != nil {
		t.Fatalf("SetupQueue: %v", err)
	}
	if off != 3 {
		t.Fatalf("notify offset = %d, want 3", off)
	}
	if cc.Read32(commonQueueDescLow) != 0x1000 {
		t.Fatalf("desc low not programmed: %#x", cc.Read32(commonQueueDescLow))
	}
	if cc.Read16(commonQueueEnable) != 1 {
		t.Fatal("expected queue to be enabled")
	}
}

func TestDriverOKSetsStatusBit(t *testing.T) {
	cc := &fakeCommonConfig{}
	d := &Device{Common: cc}
	d.DriverOK()
	if d.Status()&statusDriverOK == 0 {
		t.Fatal("expected DRIVER_OK bit to be set")
	}
}
