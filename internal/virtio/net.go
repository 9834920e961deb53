package virtio

import "vkernel/internal/errs"

// Net is the virtio-net front-end (spec.md §4.5.2): an rx queue kept
// permanently posted with a pool of receive descriptors, and a tx
// queue the driver submits two-descriptor (hdr, payload) chains to.
// The pack has no virtio-net example to ground this on (see
// SPEC_FULL.md's C5 entry), so the rx-pool refill loop and the
// 12-byte virtio_net_hdr prefix are implemented directly from
// spec.md §4.5.2, in the register-struct style virtio_gpu.go and
// virtqueue.go establish for the rest of this package.
type Net struct {
	rxq, txq         *Queue
	rxNotifyOff      uint16
	txNotifyOff      uint16
	notifyBase       uintptr
	notifyMultiplier uint32
	cfg              DeviceConfig

	rxBufPA  map[uint16]uintptr
	rxBufLen uint32
}

// netConfigMAC is virtio_net_config's mac field offset (virtio-v1.1
// §5.1.4): the 6-byte hardware address, first of the struct's fields.
const netConfigMAC = 0

// netHdrSize is sizeof(virtio_net_hdr) under VIRTIO_F_VERSION_1 with
// no mergeable-buffers feature: flags and gso_type (1 byte each), then
// hdr_len, gso_size, csum_start, csum_offset and num_buffers (2 bytes
// each).
const netHdrSize = 12

// rxPoolTarget is the number of receive descriptors the driver keeps
// posted to the device at all times (spec.md §4.5.2: "target: 16").
const rxPoolTarget = 16

// NewNet wires rxq (index 0) and txq (index 1), negotiates nothing
// beyond VIRTIO_F_VERSION_1 (mergeable buffers / checksum offload are
// out of scope), and pre-posts the rx pool.
func NewNet(dev *Device, rxNotifyBase uintptr, mem Memory, queueSize uint16, maxFrameLen uint32) (*Net, error) {
	rxq, err := NewQueue(mem, queueSize)
	if err != nil {
		return nil, err
	}
	rxOff, err := dev.SetupQueue(0, rxq.descTable, rxq.availBase, rxq.usedBase, queueSize)
	if err != nil {
		return nil, err
	}
	txq, err := NewQueue(mem, queueSize)
	if err != nil {
		return nil, err
	}
	txOff, err := dev.SetupQueue(1, txq.descTable, txq.availBase, txq.usedBase, queueSize)
	if err != nil {
		return nil, err
	}
	dev.DriverOK()

	n := &Net{
		rxq:              rxq,
		txq:              txq,
		rxNotifyOff:      rxOff,
		txNotifyOff:      txOff,
		notifyBase:       rxNotifyBase,
		notifyMultiplier: dev.Caps.NotifyMultiplier,
		cfg:              dev.Config,
		rxBufPA:          make(map[uint16]uintptr),
		rxBufLen:         netHdrSize + maxFrameLen,
	}
	target := rxPoolTarget
	if int(queueSize) < target {
		target = int(queueSize)
	}
	for i := 0; i < target; i++ {
		if err := n.postRxBuffer(mem); err != nil {
			return nil, err
		}
	}
	Notify(n.notifyBase, n.rxNotifyOff, n.notifyMultiplier, 0)
	return n, nil
}

// MacAddress reads the device's hardware address out of its
// device-specific config region (spec.md §6 "mac_address() -> [u8;6]").
func (n *Net) MacAddress() ([6]byte, error) {
	var mac [6]byte
	if n.cfg == nil {
		return mac, errs.New(errs.IoError, "virtio-net: device exposes no device-specific config region")
	}
	for i := 0; i < 6; i++ {
		mac[i] = n.cfg.Read8(netConfigMAC + uint32(i))
	}
	return mac, nil
}

func (n *Net) postRxBuffer(mem Memory) error {
	bufPA, err := mem.Alloc(int(n.rxBufLen), 8)
	if err != nil {
		return err
	}
	head, err := n.rxq.Submit([]Chain{{PA: bufPA, Len: n.rxBufLen, Device: true}})
	if err != nil {
		return err
	}
	n.rxBufPA[head] = bufPA
	return nil
}

// Packet is one received frame (the virtio_net_hdr prefix stripped).
type Packet struct {
	Data []byte
}

// Poll walks the rx used ring (spec.md §4.5.2: "Upon poll(), the
// driver walks the rx used ring and hands each packet to an upper-layer
// ... stack, then re-arms the descriptor") and returns every frame
// that completed since the last call, re-posting each descriptor's
// buffer immediately so the pool never drops below target.
func (n *Net) Poll(mem Memory) ([]Packet, error) {
	var packets []Packet
	for n.rxq.HasUsed() {
		head, length, ok := n.rxq.PopUsed()
		if !ok {
			break
		}
		bufPA, known := n.rxBufPA[head]
		if !known {
			return packets, errs.New(errs.IoError, "virtio-net: used entry for unknown rx descriptor %d", head)
		}
		delete(n.rxBufPA, head)

		if length >= netHdrSize { // a shorter frame is dropped
			payload := readBytes(mem, bufPA+netHdrSize, int(length-netHdrSize))
			packets = append(packets, Packet{Data: payload})
		}

		newHead, err := n.rxq.Submit([]Chain{{PA: bufPA, Len: n.rxBufLen, Device: true}})
		if err != nil {
			return packets, err
		}
		n.rxBufPA[newHead] = bufPA
	}
	return packets, nil
}

// Transmit sends one frame: a chain of (hdr desc, payload desc), the
// header marked F_NEXT and neither marked F_WRITE, per spec.md §4.5.2.
func (n *Net) Transmit(mem Memory, frame []byte) error {
	hdrPA, err := mem.Alloc(netHdrSize, 8)
	if err != nil {
		return err
	}
	writeBytes(mem, hdrPA, make([]byte, netHdrSize))
	payloadPA, err := mem.Alloc(len(frame), 8)
	if err != nil {
		return err
	}
	writeBytes(mem, payloadPA, frame)

	head, err := n.txq.Submit([]Chain{
		{PA: hdrPA, Len: netHdrSize, Device: false},
		{PA: payloadPA, Len: uint32(len(frame)), Device: false},
	})
	if err != nil {
		return err
	}
	Notify(n.notifyBase, n.txNotifyOff, n.notifyMultiplier, 1)
	if afterNotify != nil {
		afterNotify(n.txq, head)
	}
	for !n.txq.HasUsed() {
	}
	gotHead, _, ok := n.txq.PopUsed()
	if !ok || gotHead != head {
		return errs.New(errs.IoError, "virtio-net: tx used ring returned unexpected descriptor")
	}
	return nil
}
