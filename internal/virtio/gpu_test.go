package virtio

import "testing"

func newTestGPU(t *testing.T) (*GPU, Memory) {
	t.Helper()
	mem := NewByteMemory(1 << 24)
	cc := &fakeCommonConfig{queueMaxSize: 64, deviceFeatures: 1 << versionOneFeatureBit}
	dev := &Device{Common: cc, Caps: Capabilities{NotifyMultiplier: 1}}
	if err := dev.Negotiate(0); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	g, err := NewGPU(dev, 0, mem, 16)
	if err != nil {
		t.Fatalf("NewGPU: %v", err)
	}
	return g, mem
}

// respond posts a used entry for q's most recently submitted chain
// with respType written into the response descriptor (the second
// descriptor in every controlq/cursorq chain this front-end builds).
func respond(respType uint32) func(q *Queue, head uint16) {
	return func(q *Queue, head uint16) {
		respIdx := q.descNext(head)
		respDesc := q.descAddr(respIdx)
		respPA := uintptr(q.mem.ReadU64(respDesc))
		q.mem.WriteU32(respPA, respType)
		idx := q.mem.ReadU16(q.usedBase + 2)
		slot := q.usedBase + 4 + uintptr(idx%q.size)*usedElemSize
		q.mem.WriteU32(slot, uint32(head))
		q.mem.WriteU16(q.usedBase+2, idx+1)
	}
}

func TestInitializeRunsFullSequenceOnOK(t *testing.T) {
	g, mem := newTestGPU(t)
	backingPA, err := mem.Alloc(1920*1080*4, 4096)
	if err != nil {
		t.Fatal(err)
	}

	step := 0
	responses := []uint32{gpuRespOKDisplayInfo, gpuRespOKNoData, gpuRespOKNoData, gpuRespOKNoData}
	afterNotify = func(q *Queue, head uint16) {
		respond(responses[step])(q, head)
		step++
	}
	t.Cleanup(func() { afterNotify = nil })

	if err := g.Initialize(mem, 1920, 1080, backingPA, 1920*1080*4); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if step != 4 {
		t.Fatalf("expected 4 control commands, got %d", step)
	}
}

func TestInitializeFailsWhenCreateResourceErrors(t *testing.T) {
	g, mem := newTestGPU(t)
	backingPA, _ := mem.Alloc(4096, 4096)

	step := 0
	responses := []uint32{gpuRespOKDisplayInfo, 0x1200} // ERR_UNSPEC on create
	afterNotify = func(q *Queue, head uint16) {
		respond(responses[step])(q, head)
		step++
	}
	t.Cleanup(func() { afterNotify = nil })

	if err := g.Initialize(mem, 64, 64, backingPA, 64*64*4); err == nil {
		t.Fatal("expected Initialize to fail when RESOURCE_CREATE_2D errors")
	}
}

func TestFlushSendsTransferThenFlush(t *testing.T) {
	g, mem := newTestGPU(t)
	afterNotify = respond(gpuRespOKNoData)
	t.Cleanup(func() { afterNotify = nil })

	if err := g.Flush(mem, 0, 0, 640, 480); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestCreateCursorResourceSetsResourceID(t *testing.T) {
	g, mem := newTestGPU(t)
	backingPA, _ := mem.Alloc(64*64*4, 4096)
	afterNotify = respond(gpuRespOKNoData)
	t.Cleanup(func() { afterNotify = nil })

	if err := g.CreateCursorResource(mem, 2, backingPA); err != nil {
		t.Fatalf("CreateCursorResource: %v", err)
	}
	if g.cursorResourceID != 2 {
		t.Fatalf("cursorResourceID = %d, want 2", g.cursorResourceID)
	}
}

func TestMoveCursorReusesPreallocatedBuffers(t *testing.T) {
	g, mem := newTestGPU(t)
	firstCmdPA, firstRespPA := g.cursorCmdPA, g.cursorRespPA
	afterNotify = respond(gpuRespOKNoData)
	t.Cleanup(func() { afterNotify = nil })

	if err := g.MoveCursor(mem, 10, 20); err != nil {
		t.Fatalf("MoveCursor: %v", err)
	}
	if err := g.MoveCursor(mem, 11, 21); err != nil {
		t.Fatalf("MoveCursor: %v", err)
	}
	if g.cursorCmdPA != firstCmdPA || g.cursorRespPA != firstRespPA {
		t.Fatal("MoveCursor must not allocate new buffers on each call")
	}
}
