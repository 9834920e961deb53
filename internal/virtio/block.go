package virtio

import "vkernel/internal/errs"

// Block is the virtio-blk front-end (spec.md §4.5.1): a single
// requestq; each request is a 16-byte header, a data chain, and a
// 1-byte status the device writes after servicing it. Grounded on
// sdhci.go's synchronous command discipline (wait-ready, issue,
// poll-for-complete, check status byte) translated from SDHCI's
// register-poll shape to virtio-blk's used-ring-poll shape — both are
// "busy-wait immediately after notifying" per spec.md §4.5.1.
type Block struct {
	notifier
	requestq *Queue
}

const (
	blkTypeIn    = 0 // read
	blkTypeOut   = 1 // write
	blkTypeFlush = 4
)

const (
	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

const blkHeaderSize = 16 // type(4) reserved(4) sector(8)
const sectorSize = 512

// NewBlock wires a requestq onto an already-initialized device
// (ACKNOWLEDGE..FEATURES_OK already done by the caller via Device.Negotiate).
func NewBlock(dev *Device, notifyBase uintptr, mem Memory, queueSize uint16) (*Block, error) {
	q, err := NewQueue(mem, queueSize)
	if err != nil {
		return nil, err
	}
	off, err := dev.SetupQueue(0, q.descTable, q.availBase, q.usedBase, queueSize)
	if err != nil {
		return nil, err
	}
	dev.DriverOK()
	return &Block{notifier: notifier{dev: dev, notifyBase: notifyBase, notifyOff: off, notifyMultiplier: dev.Caps.NotifyMultiplier, queueIndex: 0}, requestq: q}, nil
}

func (b *Block) submitAndWait(mem Memory, hdrPA uintptr, dataPA uintptr, dataLen uint32, dataDevice bool, statusPA uintptr) error {
	head, err := b.requestq.Submit([]Chain{
		{PA: hdrPA, Len: blkHeaderSize, Device: false},
		{PA: dataPA, Len: dataLen, Device: dataDevice},
		{PA: statusPA, Len: 1, Device: true},
	})
	if err != nil {
		return err
	}
	b.notify()
	if afterNotify != nil {
		afterNotify(b.requestq, head)
	}

	for !b.requestq.HasUsed() {
		// spec.md §4.5.1: "Request polling is synchronous: the driver
		// busy-waits on the used ring immediately after notifying."
	}
	gotHead, _, ok := b.requestq.PopUsed()
	if !ok || gotHead != head {
		return errs.New(errs.IoError, "virtio-blk: used ring returned unexpected descriptor %d (want %d)", gotHead, head)
	}
	status := mem.ReadU16(statusPA) & 0xFF
	if status != blkStatusOK {
		return errs.New(errs.IoError, "virtio-blk: device returned status %d", status)
	}
	return nil
}

// ReadSector issues a single 512-byte read at lba, grounded on spec.md
// §4.5.1's read_sector(lba, &mut [u8;512]).
func (b *Block) ReadSector(mem Memory, lba uint64, out *[sectorSize]byte) error {
	hdrPA, err := mem.Alloc(blkHeaderSize, 8)
	if err != nil {
		return err
	}
	dataPA, err := mem.Alloc(sectorSize, 8)
	if err != nil {
		return err
	}
	statusPA, err := mem.Alloc(1, 1)
	if err != nil {
		return err
	}
	mem.WriteU32(hdrPA, blkTypeIn)
	mem.WriteU32(hdrPA+4, 0)
	mem.WriteU64(hdrPA+8, lba)

	if err := b.submitAndWait(mem, hdrPA, dataPA, sectorSize, true, statusPA); err != nil {
		return err
	}
	copy(out[:], readBytes(mem, dataPA, sectorSize))
	return nil
}

// WriteSector issues a single 512-byte write at lba.
func (b *Block) WriteSector(mem Memory, lba uint64, in *[sectorSize]byte) error {
	hdrPA, err := mem.Alloc(blkHeaderSize, 8)
	if err != nil {
		return err
	}
	dataPA, err := mem.Alloc(sectorSize, 8)
	if err != nil {
		return err
	}
	statusPA, err := mem.Alloc(1, 1)
	if err != nil {
		return err
	}
	mem.WriteU32(hdrPA, blkTypeOut)
	mem.WriteU32(hdrPA+4, 0)
	mem.WriteU64(hdrPA+8, lba)
	writeBytes(mem, dataPA, in[:])

	return b.submitAndWait(mem, hdrPA, dataPA, sectorSize, false, statusPA)
}

// Flush issues a VIRTIO_BLK_T_FLUSH request with a zero-length data
// segment.
func (b *Block) Flush(mem Memory) error {
	hdrPA, err := mem.Alloc(blkHeaderSize, 8)
	if err != nil {
		return err
	}
	statusPA, err := mem.Alloc(1, 1)
	if err != nil {
		return err
	}
	mem.WriteU32(hdrPA, blkTypeFlush)
	mem.WriteU32(hdrPA+4, 0)
	mem.WriteU64(hdrPA+8, 0)

	head, err := b.requestq.Submit([]Chain{
		{PA: hdrPA, Len: blkHeaderSize, Device: false},
		{PA: statusPA, Len: 1, Device: true},
	})
	if err != nil {
		return err
	}
	b.notify()
	if afterNotify != nil {
		afterNotify(b.requestq, head)
	}
	for !b.requestq.HasUsed() {
	}
	gotHead, _, ok := b.requestq.PopUsed()
	if !ok || gotHead != head {
		return errs.New(errs.IoError, "virtio-blk: flush returned unexpected descriptor")
	}
	if status := mem.ReadU16(statusPA) & 0xFF; status != blkStatusOK {
		return errs.New(errs.IoError, "virtio-blk: flush failed with status %d", status)
	}
	return nil
}
