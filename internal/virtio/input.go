package virtio

// Input is the virtio-input front-end (spec.md §4.5.4): one eventq,
// each used entry a 16-byte virtio_input_event (type, code, value).
// Grounded on the generic virtqueue's descriptor re-post discipline
// (the same "consume, then re-arm" loop Poll uses for rx in net.go);
// the event-type-to-InputEvent mapping table is authored directly
// from spec.md §4.5.4 since the pack has no virtio-input example.
type Input struct {
	eventq   *Queue
	bufPA    map[uint16]uintptr
	modShift bool
	modCtrl  bool
	modAlt   bool
}

const inputEventSize = 16 // type(2) code(2) value(4), padded to 16 in the virtio struct

const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
)

const (
	relX     = 0x00
	relY     = 0x01
	relWheel = 0x08
)

const (
	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
)

const (
	keyLeftCtrl  = 29
	keyLeftShift = 42
	keyLeftAlt   = 56
)

// EventKind classifies a decoded InputEvent for the GUI thread.
type EventKind int

const (
	EventNone EventKind = iota
	EventMouseMove
	EventMouseButton
	EventKey
)

// InputEvent is the decoded form get_event() hands to the GUI thread,
// per spec.md §4.5.4's mapping table.
type InputEvent struct {
	Kind      EventKind
	DX, DY    int32
	Wheel     int32
	Button    uint16
	Pressed   bool
	KeyCode   uint16
	Modifiers uint8 // bit0=ctrl bit1=shift bit2=alt
}

const (
	modBitCtrl  = 1 << 0
	modBitShift = 1 << 1
	modBitAlt   = 1 << 2
)

// NewInput wires eventq (index 0) and posts queueSize descriptors for
// the device to fill.
func NewInput(dev *Device, notifyBase uintptr, mem Memory, queueSize uint16) (*Input, error) {
	q, err := NewQueue(mem, queueSize)
	if err != nil {
		return nil, err
	}
	if _, err := dev.SetupQueue(0, q.descTable, q.availBase, q.usedBase, queueSize); err != nil {
		return nil, err
	}
	dev.DriverOK()

	in := &Input{eventq: q, bufPA: make(map[uint16]uintptr)}
	for i := uint16(0); i < queueSize; i++ {
		if err := in.postBuffer(mem); err != nil {
			return nil, err
		}
	}
	Notify(notifyBase, 0, dev.Caps.NotifyMultiplier, 0)
	return in, nil
}

func (in *Input) postBuffer(mem Memory) error {
	bufPA, err := mem.Alloc(inputEventSize, 8)
	if err != nil {
		return err
	}
	head, err := in.eventq.Submit([]Chain{{PA: bufPA, Len: inputEventSize, Device: true}})
	if err != nil {
		return err
	}
	in.bufPA[head] = bufPA
	return nil
}

func (in *Input) modifierBit(code uint16, pressed bool) {
	var bit *bool
	switch code {
	case keyLeftCtrl:
		bit = &in.modCtrl
	case keyLeftShift:
		bit = &in.modShift
	case keyLeftAlt:
		bit = &in.modAlt
	default:
		return
	}
	*bit = pressed
}

func (in *Input) modifiers() uint8 {
	var m uint8
	if in.modCtrl {
		m |= modBitCtrl
	}
	if in.modShift {
		m |= modBitShift
	}
	if in.modAlt {
		m |= modBitAlt
	}
	return m
}

// GetEvent is a non-blocking poll: it decodes at most one completed
// virtio_input_event, re-posts its descriptor, and returns false when
// nothing is pending, per spec.md §4.5.4's get_event() -> Option<InputEvent>.
func (in *Input) GetEvent(mem Memory) (InputEvent, bool, error) {
	if !in.eventq.HasUsed() {
		return InputEvent{}, false, nil
	}
	head, _, ok := in.eventq.PopUsed()
	if !ok {
		return InputEvent{}, false, nil
	}
	bufPA, known := in.bufPA[head]
	if !known {
		return InputEvent{}, false, nil
	}
	delete(in.bufPA, head)

	rawType := mem.ReadU16(bufPA)
	code := mem.ReadU16(bufPA + 2)
	value := int32(mem.ReadU32(bufPA + 4))

	if err := in.postBuffer(mem); err != nil {
		return InputEvent{}, false, err
	}

	switch rawType {
	case evSyn:
		return InputEvent{}, false, nil
	case evRel:
		ev := InputEvent{Kind: EventMouseMove, Modifiers: in.modifiers()}
		switch code {
		case relX:
			ev.DX = value
		case relY:
			ev.DY = value
		case relWheel:
			ev.Wheel = value
		default:
			return InputEvent{}, false, nil
		}
		return ev, true, nil
	case evKey:
		pressed := value != 0
		if code == btnLeft || code == btnRight || code == btnMiddle {
			return InputEvent{Kind: EventMouseButton, Button: code, Pressed: pressed, Modifiers: in.modifiers()}, true, nil
		}
		in.modifierBit(code, pressed)
		return InputEvent{Kind: EventKey, KeyCode: code, Pressed: pressed, Modifiers: in.modifiers()}, true, nil
	default:
		return InputEvent{}, false, nil
	}
}
