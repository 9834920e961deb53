package ipc

import (
	"testing"

	"vkernel/internal/errs"
)

func resetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[int32]*queue)
}

func TestSendRecvRoundTrip(t *testing.T) {
	resetRegistry()
	Register(2)

	if err := Send(1, 2, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 32)
	n, err := Recv(2, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Recv = %q, want %q", buf[:n], "hello")
	}
}

func TestRecvEmptyReturnsZeroNoError(t *testing.T) {
	resetRegistry()
	Register(3)
	buf := make([]byte, 16)
	n, err := Recv(3, buf)
	if err != nil || n != 0 {
		t.Errorf("Recv on empty queue = %d, %v, want 0, nil", n, err)
	}
}

func TestSendNoSuchProcess(t *testing.T) {
	resetRegistry()
	err := Send(1, 99, []byte("x"))
	if !errs.Is(err, errs.NoSuchProcess) {
		t.Errorf("Send to unregistered pid = %v, want NoSuchProcess", err)
	}
}

func TestSendQueueFull(t *testing.T) {
	resetRegistry()
	Register(5)
	for i := 0; i < QueueCapacity; i++ {
		if err := Send(1, 5, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if err := Send(1, 5, []byte("x")); !errs.Is(err, errs.QueueFull) {
		t.Errorf("Send past capacity = %v, want QueueFull", err)
	}
}

func TestSendRejectsOversizePayload(t *testing.T) {
	resetRegistry()
	Register(6)
	big := make([]byte, PayloadSize+1)
	if err := Send(1, 6, big); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("Send oversize payload = %v, want InvalidArgument", err)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	resetRegistry()
	Register(7)
	Send(1, 7, []byte("a"))
	Send(1, 7, []byte("b"))
	Send(1, 7, []byte("c"))

	buf := make([]byte, 8)
	for _, want := range []string{"a", "b", "c"} {
		n, err := Recv(7, buf)
		if err != nil || string(buf[:n]) != want {
			t.Fatalf("Recv = %q, %v, want %q", buf[:n], err, want)
		}
	}
}

func TestUnregisterDropsQueue(t *testing.T) {
	resetRegistry()
	Register(8)
	Unregister(8)
	if err := Send(1, 8, []byte("x")); !errs.Is(err, errs.NoSuchProcess) {
		t.Errorf("Send to unregistered pid = %v, want NoSuchProcess", err)
	}
}

func TestRecvBlockingYieldsUntilMessageArrives(t *testing.T) {
	resetRegistry()
	Register(9)
	defer func() { Yield = nil }()

	yields := 0
	Yield = func() {
		yields++
		if yields == 3 {
			Send(1, 9, []byte("late"))
		}
	}

	buf := make([]byte, 8)
	n, err := RecvBlocking(9, buf)
	if err != nil {
		t.Fatalf("RecvBlocking: %v", err)
	}
	if string(buf[:n]) != "late" {
		t.Errorf("RecvBlocking = %q, want %q", buf[:n], "late")
	}
	if yields < 3 {
		t.Errorf("RecvBlocking returned after %d yields, want at least 3", yields)
	}
}

func TestRecvBlockingPropagatesError(t *testing.T) {
	resetRegistry()
	defer func() { Yield = nil }()
	Yield = func() { t.Fatal("RecvBlocking should not yield for an unregistered pid") }

	_, err := RecvBlocking(42, make([]byte, 8))
	if !errs.Is(err, errs.NoSuchProcess) {
		t.Errorf("RecvBlocking on unregistered pid = %v, want NoSuchProcess", err)
	}
}

func TestInputEventRoundTrip(t *testing.T) {
	ev := InputEvent{
		SenderPID: 4,
		CursorX:   120,
		CursorY:   -5,
		EventType: EventMouseButton,
		Key:       0,
		Modifiers: modBitsForTest,
		Button:    1,
		Pressed:   true,
		DX:        3,
		DY:        -2,
		Wheel:     0,
	}
	m := EncodeInputEvent(7, ev)
	if m.SenderPID != 7 {
		t.Errorf("encoded message SenderPID = %d, want 7", m.SenderPID)
	}
	got, err := DecodeInputEvent(m)
	if err != nil {
		t.Fatalf("DecodeInputEvent: %v", err)
	}
	if got != ev {
		t.Errorf("DecodeInputEvent round trip = %+v, want %+v", got, ev)
	}
}

const modBitsForTest = 1 | 2

func TestDecodeInputEventRejectsWrongKind(t *testing.T) {
	m := EncodeWMResponse(1, WMResponse{Action: ActionNoAction})
	if _, err := DecodeInputEvent(m); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("DecodeInputEvent on a WMResponse message = %v, want InvalidArgument", err)
	}
}

func TestWMResponseRoundTrip(t *testing.T) {
	resp := WMResponse{
		Action:   ActionRouteInput,
		WindowID: 3,
		Event: InputEvent{
			SenderPID: 4,
			EventType: EventKey,
			Key:       65,
			Pressed:   true,
		},
	}
	m := EncodeWMResponse(2, resp)
	got, err := DecodeWMResponse(m)
	if err != nil {
		t.Fatalf("DecodeWMResponse: %v", err)
	}
	if got != resp {
		t.Errorf("DecodeWMResponse round trip = %+v, want %+v", got, resp)
	}
}

func TestDecodeWMResponseRejectsWrongKind(t *testing.T) {
	m := EncodeInputEvent(1, InputEvent{})
	if _, err := DecodeWMResponse(m); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("DecodeWMResponse on an InputEvent message = %v, want InvalidArgument", err)
	}
}

func TestMessageThroughQueuePreservesEncodedEvent(t *testing.T) {
	resetRegistry()
	Register(10)
	ev := InputEvent{SenderPID: 1, CursorX: 7, CursorY: 8, EventType: EventMouseMove, DX: 1, DY: 1}
	m := EncodeInputEvent(1, ev)

	if err := Send(1, 10, m.Payload[:m.Length]); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, EnvelopeSize)
	n, err := Recv(10, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var received Message
	received.SenderPID = 1
	received.Length = uint32(n)
	copy(received.Payload[:], buf[:n])

	got, err := DecodeInputEvent(received)
	if err != nil {
		t.Fatalf("DecodeInputEvent: %v", err)
	}
	if got != ev {
		t.Errorf("round trip through queue = %+v, want %+v", got, ev)
	}
}
