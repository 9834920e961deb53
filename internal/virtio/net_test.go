package virtio

import (
	"bytes"
	"testing"
)

func newTestNet(t *testing.T) (*Net, Memory) {
	t.Helper()
	mem := NewByteMemory(1 << 20)
	cc := &fakeCommonConfig{queueMaxSize: 64, deviceFeatures: 1 << versionOneFeatureBit}
	dev := &Device{Common: cc, Caps: Capabilities{NotifyMultiplier: 1}}
	if err := dev.Negotiate(0); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	n, err := NewNet(dev, 0, mem, 32, 1514)
	if err != nil {
		t.Fatalf("NewNet: %v", err)
	}
	return n, mem
}

type fakeDeviceConfig struct {
	bytes [8]byte
}

func (f *fakeDeviceConfig) Read8(offset uint32) uint8 { return f.bytes[offset] }

func TestMacAddressReadsDeviceConfig(t *testing.T) {
	cc := &fakeCommonConfig{queueMaxSize: 64, deviceFeatures: 1 << versionOneFeatureBit}
	cfg := &fakeDeviceConfig{bytes: [8]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56, 0, 0}}
	dev := &Device{Common: cc, Caps: Capabilities{NotifyMultiplier: 1}, Config: cfg}
	if err := dev.Negotiate(0); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	n, err := NewNet(dev, 0, NewByteMemory(1<<20), 32, 1514)
	if err != nil {
		t.Fatalf("NewNet: %v", err)
	}

	mac, err := n.MacAddress()
	if err != nil {
		t.Fatalf("MacAddress: %v", err)
	}
	want := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	if mac != want {
		t.Errorf("MacAddress = %x, want %x", mac, want)
	}
}

func TestMacAddressErrorsWithoutDeviceConfig(t *testing.T) {
	n, _ := newTestNet(t)
	if _, err := n.MacAddress(); err == nil {
		t.Fatal("MacAddress succeeded with no device-specific config region wired")
	}
}

func TestNewNetPrePostsRxPool(t *testing.T) {
	n, _ := newTestNet(t)
	if len(n.rxBufPA) != rxPoolTarget {
		t.Fatalf("rx pool size = %d, want %d", len(n.rxBufPA), rxPoolTarget)
	}
	if n.rxq.NumFree() != 32-rxPoolTarget {
		t.Fatalf("rxq.NumFree() = %d, want %d", n.rxq.NumFree(), 32-rxPoolTarget)
	}
}

func TestPollDeliversFrameAndRearmsDescriptor(t *testing.T) {
	n, mem := newTestNet(t)

	var head uint16
	for h := range n.rxBufPA {
		head = h
		break
	}
	bufPA := n.rxBufPA[head]
	writeBytes(mem, bufPA, make([]byte, netHdrSize))
	frame := []byte{1, 2, 3, 4, 5}
	writeBytes(mem, bufPA+netHdrSize, frame)

	n.rxq.mem.WriteU32(n.rxq.usedBase+4, uint32(head))
	n.rxq.mem.WriteU32(n.rxq.usedBase+8, uint32(netHdrSize+len(frame)))
	n.rxq.mem.WriteU16(n.rxq.usedBase+2, 1)

	packets, err := n.Poll(mem)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0].Data, frame) {
		t.Fatalf("packets = %+v, want one frame %v", packets, frame)
	}
	if len(n.rxBufPA) != rxPoolTarget {
		t.Fatalf("rx pool not refilled: size = %d, want %d", len(n.rxBufPA), rxPoolTarget)
	}
}

func TestTransmitSendsHeaderAndPayloadChain(t *testing.T) {
	n, mem := newTestNet(t)
	afterNotify = func(q *Queue, head uint16) {
		q.mem.WriteU32(q.usedBase+4, uint32(head))
		q.mem.WriteU16(q.usedBase+2, 1)
	}
	t.Cleanup(func() { afterNotify = nil })

	if err := n.Transmit(mem, []byte("hello")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
}
