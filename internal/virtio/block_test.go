package virtio

import "testing"

func newTestBlock(t *testing.T) (*Block, Memory) {
	t.Helper()
	mem := NewByteMemory(1 << 20)
	cc := &fakeCommonConfig{queueMaxSize: 64, deviceFeatures: 1 << versionOneFeatureBit}
	dev := &Device{Common: cc, Caps: Capabilities{NotifyMultiplier: 1}}
	if err := dev.Negotiate(0); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	b, err := NewBlock(dev, 0, mem, 8)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	return b, mem
}

// simulateRead acts as the device for a read request: it finds the
// chain's data descriptor by walking from head, fills it with a
// pattern, writes OK to the status descriptor, and posts a used entry.
func simulateRead(t *testing.T, b *Block, mem Memory, pattern byte) {
	t.Helper()
	afterNotify = func(q *Queue, head uint16) {
		dataIdx := q.descNext(head)
		dataDesc := q.descAddr(dataIdx)
		dataPA := uintptr(q.mem.ReadU64(dataDesc))
		dataLen := q.mem.ReadU32(dataDesc + 8)
		for i := uint32(0); i < dataLen; i += 2 {
			mem.WriteU16(dataPA+uintptr(i), uint16(pattern)|uint16(pattern)<<8)
		}
		statusIdx := q.descNext(dataIdx)
		statusDesc := q.descAddr(statusIdx)
		statusPA := uintptr(q.mem.ReadU64(statusDesc))
		mem.WriteU16(statusPA, blkStatusOK)

		q.mem.WriteU32(q.usedBase+4, uint32(head))
		q.mem.WriteU32(q.usedBase+8, dataLen)
		q.mem.WriteU16(q.usedBase+2, 1)
	}
	t.Cleanup(func() { afterNotify = nil })
}

func simulateStatusOnly(t *testing.T, status uint16) {
	t.Helper()
	afterNotify = func(q *Queue, head uint16) {
		statusIdx := q.descNext(head)
		statusDesc := q.descAddr(statusIdx)
		statusPA := uintptr(q.mem.ReadU64(statusDesc))
		q.mem.WriteU16(statusPA, status)
		q.mem.WriteU32(q.usedBase+4, uint32(head))
		q.mem.WriteU32(q.usedBase+8, 0)
		q.mem.WriteU16(q.usedBase+2, 1)
	}
	t.Cleanup(func() { afterNotify = nil })
}

func TestReadSectorReturnsDeviceData(t *testing.T) {
	b, mem := newTestBlock(t)
	simulateRead(t, b, mem, 0xAB)

	var out [sectorSize]byte
	if err := b.ReadSector(mem, 7, &out); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	for i, v := range out {
		if v != 0xAB {
			t.Fatalf("out[%d] = %#x, want 0xab", i, v)
		}
	}
}

func TestWriteSectorPropagatesDeviceErrorStatus(t *testing.T) {
	b, mem := newTestBlock(t)
	afterNotify = func(q *Queue, head uint16) {
		dataIdx := q.descNext(head)
		statusIdx := q.descNext(dataIdx)
		statusDesc := q.descAddr(statusIdx)
		statusPA := uintptr(q.mem.ReadU64(statusDesc))
		mem.WriteU16(statusPA, blkStatusIOErr)
		q.mem.WriteU32(q.usedBase+4, uint32(head))
		q.mem.WriteU16(q.usedBase+2, 1)
	}
	t.Cleanup(func() { afterNotify = nil })

	var in [sectorSize]byte
	if err := b.WriteSector(mem, 0, &in); err == nil {
		t.Fatal("expected WriteSector to propagate the device's error status")
	}
}

func TestFlushSucceedsOnOKStatus(t *testing.T) {
	b, mem := newTestBlock(t)
	simulateStatusOnly(t, blkStatusOK)
	if err := b.Flush(mem); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
