// Package ipc is the per-process bounded message-queue service (spec.md
// §4.8, C8): send/recv/recv_blocking over a fixed-size ring of 256-byte
// envelopes, plus the codec for the two message kinds that flow between
// the kernel GUI thread and the window-manager user process. Grounded
// on mazboot/golang/main/goroutine.go's SimpleChannel — a count-based
// signal with a busy-wait receive, the same discipline this package's
// queue and RecvBlocking use, scaled up from a single counter to a ring
// of fixed-size slots — and on the wire-format codec style
// internal/fs's superblock.go already established for this kernel
// (encoding/binary.LittleEndian over fixed byte layouts).
package ipc

import (
	"encoding/binary"

	"vkernel/internal/errs"
)

// EnvelopeSize and PayloadSize are the IPC message wire shape, spec.md
// §6 "IPC message format": u32 sender_pid + u32 length + 248-byte
// payload.
const (
	EnvelopeSize = 256
	PayloadSize  = 248
)

// Message is one queue slot. SenderPID and Length mirror the envelope
// header; Payload is the full fixed-size slot, only the first Length
// bytes of which are meaningful.
type Message struct {
	SenderPID uint32
	Length    uint32
	Payload   [PayloadSize]byte
}

// Message kind discriminators (spec.md §4.8: "encoded as a 1-byte
// discriminator followed by a fixed struct").
const (
	KindInputEvent byte = iota
	KindWMResponse
)

// EventType classifies an InputEvent the same way internal/virtio's own
// EventKind does; this is the IPC wire discriminator, not the hardware
// decode, so it's kept separate rather than importing internal/virtio
// (this package has no business knowing about VirtIO queues).
type EventType uint8

const (
	EventNone EventType = iota
	EventMouseMove
	EventMouseButton
	EventKey
)

// InputEvent is the kernel GUI thread's K->U message (spec.md §4.8):
// {sender_pid, cursor_x, cursor_y, event_type, key, modifiers, button,
// pressed, dx, dy, wheel}.
type InputEvent struct {
	SenderPID uint32
	CursorX   int32
	CursorY   int32
	EventType EventType
	Key       uint32
	Modifiers uint8
	Button    uint8
	Pressed   bool
	DX        int32
	DY        int32
	Wheel     int32
}

const inputEventEncodedSize = 1 + 4 + 4 + 4 + 1 + 4 + 1 + 1 + 1 + 4 + 4 + 4 // kind + fields below

func putBool(buf []byte, v bool) {
	if v {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
}

// encodeInputEventBody writes InputEvent's fields (everything after the
// kind discriminator) into buf, used both for the top-level K->U
// message and for the event WMResponse re-encodes inline.
func encodeInputEventBody(ev InputEvent, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], ev.SenderPID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ev.CursorX))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(ev.CursorY))
	buf[12] = byte(ev.EventType)
	binary.LittleEndian.PutUint32(buf[13:17], ev.Key)
	buf[17] = ev.Modifiers
	buf[18] = ev.Button
	putBool(buf[19:20], ev.Pressed)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(ev.DX))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(ev.DY))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(ev.Wheel))
}

func decodeInputEventBody(buf []byte) InputEvent {
	return InputEvent{
		SenderPID: binary.LittleEndian.Uint32(buf[0:4]),
		CursorX:   int32(binary.LittleEndian.Uint32(buf[4:8])),
		CursorY:   int32(binary.LittleEndian.Uint32(buf[8:12])),
		EventType: EventType(buf[12]),
		Key:       binary.LittleEndian.Uint32(buf[13:17]),
		Modifiers: buf[17],
		Button:    buf[18],
		Pressed:   buf[19] != 0,
		DX:        int32(binary.LittleEndian.Uint32(buf[20:24])),
		DY:        int32(binary.LittleEndian.Uint32(buf[24:28])),
		Wheel:     int32(binary.LittleEndian.Uint32(buf[28:32])),
	}
}

const inputEventBodySize = 32

// EncodeInputEvent builds the Message the kernel GUI thread sends to
// the window manager for ev.
func EncodeInputEvent(senderPID uint32, ev InputEvent) Message {
	var m Message
	m.SenderPID = senderPID
	m.Payload[0] = KindInputEvent
	encodeInputEventBody(ev, m.Payload[1:1+inputEventBodySize])
	m.Length = uint32(1 + inputEventBodySize)
	return m
}

// DecodeInputEvent recovers the InputEvent a Message carries, failing
// if it isn't tagged KindInputEvent.
func DecodeInputEvent(m Message) (InputEvent, error) {
	if m.Length < 1+inputEventBodySize || m.Payload[0] != KindInputEvent {
		return InputEvent{}, errs.New(errs.InvalidArgument, "message is not an InputEvent")
	}
	return decodeInputEventBody(m.Payload[1 : 1+inputEventBodySize]), nil
}

// WMAction is the window manager's decision for an InputEvent it was
// routed (spec.md §4.8: "action in RouteInput|RequestFocus|
// RequestClose|NoAction").
type WMAction uint8

const (
	ActionNoAction WMAction = iota
	ActionRouteInput
	ActionRequestFocus
	ActionRequestClose
)

// WMResponse is the window manager's U->K reply: {action, window_id,
// re-encoded event}.
type WMResponse struct {
	Action   WMAction
	WindowID uint32
	Event    InputEvent
}

// EncodeWMResponse builds the Message a window-manager process sends
// back to the kernel GUI thread for resp.
func EncodeWMResponse(senderPID uint32, resp WMResponse) Message {
	var m Message
	m.SenderPID = senderPID
	m.Payload[0] = KindWMResponse
	m.Payload[1] = byte(resp.Action)
	binary.LittleEndian.PutUint32(m.Payload[2:6], resp.WindowID)
	encodeInputEventBody(resp.Event, m.Payload[6:6+inputEventBodySize])
	m.Length = uint32(6 + inputEventBodySize)
	return m
}

// DecodeWMResponse recovers the WMResponse a Message carries, failing
// if it isn't tagged KindWMResponse.
func DecodeWMResponse(m Message) (WMResponse, error) {
	if m.Length < uint32(6+inputEventBodySize) || m.Payload[0] != KindWMResponse {
		return WMResponse{}, errs.New(errs.InvalidArgument, "message is not a WMResponse")
	}
	return WMResponse{
		Action:   WMAction(m.Payload[1]),
		WindowID: binary.LittleEndian.Uint32(m.Payload[2:6]),
		Event:    decodeInputEventBody(m.Payload[6 : 6+inputEventBodySize]),
	}, nil
}
