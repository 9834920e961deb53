package virtio

import "testing"

func newTestInput(t *testing.T) (*Input, Memory) {
	t.Helper()
	mem := NewByteMemory(1 << 16)
	cc := &fakeCommonConfig{queueMaxSize: 16, deviceFeatures: 1 << versionOneFeatureBit}
	dev := &Device{Common: cc, Caps: Capabilities{NotifyMultiplier: 1}}
	if err := dev.Negotiate(0); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	in, err := NewInput(dev, 0, mem, 8)
	if err != nil {
		t.Fatalf("NewInput: %v", err)
	}
	return in, mem
}

func postEvent(t *testing.T, in *Input, mem Memory, evType, code uint16, value int32) {
	t.Helper()
	var head uint16
	for h := range in.bufPA {
		head = h
		break
	}
	bufPA := in.bufPA[head]
	mem.WriteU16(bufPA, evType)
	mem.WriteU16(bufPA+2, code)
	mem.WriteU32(bufPA+4, uint32(value))
	idx := in.eventq.mem.ReadU16(in.eventq.usedBase + 2)
	slot := in.eventq.usedBase + 4 + uintptr(idx%in.eventq.size)*usedElemSize
	in.eventq.mem.WriteU32(slot, uint32(head))
	in.eventq.mem.WriteU32(slot+4, inputEventSize)
	in.eventq.mem.WriteU16(in.eventq.usedBase+2, idx+1)
}

func TestGetEventFalseWhenNothingPending(t *testing.T) {
	in, mem := newTestInput(t)
	_, ok, err := in.GetEvent(mem)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ok {
		t.Fatal("expected no event on a freshly initialized queue")
	}
}

func TestGetEventDecodesMouseMove(t *testing.T) {
	in, mem := newTestInput(t)
	postEvent(t, in, mem, evRel, relX, -5)
	ev, ok, err := in.GetEvent(mem)
	if err != nil || !ok {
		t.Fatalf("GetEvent: ok=%v err=%v", ok, err)
	}
	if ev.Kind != EventMouseMove || ev.DX != -5 {
		t.Fatalf("ev = %+v, want DX=-5", ev)
	}
}

func TestGetEventTracksModifierState(t *testing.T) {
	in, mem := newTestInput(t)
	postEvent(t, in, mem, evKey, keyLeftCtrl, 1)
	if _, ok, err := in.GetEvent(mem); err != nil || !ok {
		t.Fatalf("GetEvent ctrl-down: ok=%v err=%v", ok, err)
	}

	postEvent(t, in, mem, evKey, 30 /* KEY_A */, 1)
	ev, ok, err := in.GetEvent(mem)
	if err != nil || !ok {
		t.Fatalf("GetEvent key-a: ok=%v err=%v", ok, err)
	}
	if ev.Modifiers&modBitCtrl == 0 {
		t.Fatal("expected ctrl modifier bit set while ctrl is held")
	}
}

func TestGetEventRearmsDescriptorAfterConsuming(t *testing.T) {
	in, mem := newTestInput(t)
	before := in.eventq.NumFree()
	postEvent(t, in, mem, evSyn, 0, 0)
	if _, _, err := in.GetEvent(mem); err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if in.eventq.NumFree() != before {
		t.Fatalf("NumFree after consume+repost = %d, want unchanged %d", in.eventq.NumFree(), before)
	}
}
