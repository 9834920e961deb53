package virtio

import "vkernel/internal/errs"

// Descriptor flags (VirtIO 1.x split virtqueue).
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)
const usedElemSize = 8 // id(4) + len(4)

// Queue is one split virtqueue: a descriptor table, an available
// ring the driver writes, and a used ring the device writes.
// Grounded on the teacher's VirtQueue/virtqueueInit/virtqueueAddDesc/
// virtqueueAddToAvailable/virtqueueGetUsed: same free-descriptor
// linked list through Desc.Next, same avail/used ring geometry, same
// dsb() placement (store-store before avail.idx++, load-acquire
// before reading a used entry) — here expressed as memoryBarrier()
// calls (a DSB on arm64, see barrier_arm64.go), with every ring access
// going through the Memory the queue was built with, so tests can use
// ByteMemory and the real kernel uses hw_pci.go's identityMemory.
type Queue struct {
	mem  Memory
	size uint16

	descTable uintptr
	availBase uintptr // flags(2) idx(2) ring[size](2 each)
	usedBase  uintptr // flags(2) idx(2) ring[size](8 each)

	freeHead uint16
	numFree  uint16
	lastUsed uint16
}

// NewQueue allocates a descriptor table, available ring and used ring
// for size descriptors (must be a power of two, as the spec requires).
func NewQueue(mem Memory, size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errs.New(errs.InvalidArgument, "virtio: queue size %d is not a power of two", size)
	}
	descTable, err := mem.Alloc(int(size)*descSize, 16)
	if err != nil {
		return nil, err
	}
	availBase, err := mem.Alloc(4+int(size)*2+2, 2)
	if err != nil {
		return nil, err
	}
	usedBase, err := mem.Alloc(4+int(size)*usedElemSize+2, 4)
	if err != nil {
		return nil, err
	}

	q := &Queue{mem: mem, size: size, descTable: descTable, availBase: availBase, usedBase: usedBase}
	for i := uint16(0); i < size-1; i++ {
		q.setDescNext(i, i+1)
	}
	q.setDescNext(size-1, 0xFFFF)
	q.freeHead = 0
	q.numFree = size

	mem.WriteU16(availBase, 0) // flags
	mem.WriteU16(availBase+2, 0) // idx
	mem.WriteU16(usedBase, 0)
	mem.WriteU16(usedBase+2, 0)
	return q, nil
}

func (q *Queue) descAddr(idx uint16) uintptr { return q.descTable + uintptr(idx)*descSize }

func (q *Queue) setDescNext(idx, next uint16) { q.mem.WriteU16(q.descAddr(idx)+14, next) }
func (q *Queue) descNext(idx uint16) uint16   { return q.mem.ReadU16(q.descAddr(idx) + 14) }
func (q *Queue) descFlags(idx uint16) uint16  { return q.mem.ReadU16(q.descAddr(idx) + 12) }

func (q *Queue) writeDesc(idx uint16, pa uintptr, length uint32, flags, next uint16) {
	a := q.descAddr(idx)
	q.mem.WriteU64(a, uint64(pa))
	q.mem.WriteU32(a+8, length)
	q.mem.WriteU16(a+12, flags)
	q.mem.WriteU16(a+14, next)
}

func (q *Queue) availRingSlot(i uint16) uintptr { return q.availBase + 4 + uintptr(i)*2 }
func (q *Queue) availIdx() uint16                { return q.mem.ReadU16(q.availBase + 2) }
func (q *Queue) setAvailIdx(v uint16)            { q.mem.WriteU16(q.availBase+2, v) }

func (q *Queue) usedIdx() uint16 { return q.mem.ReadU16(q.usedBase + 2) }
func (q *Queue) usedElem(i uint16) (id, length uint32) {
	a := q.usedBase + 4 + uintptr(i)*usedElemSize
	return q.mem.ReadU32(a), q.mem.ReadU32(a + 4)
}

// NumFree reports how many descriptors remain on the free list.
func (q *Queue) NumFree() uint16 { return q.numFree }

// addDesc pulls one descriptor off the free list and fills it in,
// mirroring virtqueueAddDesc.
func (q *Queue) addDesc(pa uintptr, length uint32, flags, next uint16) (uint16, error) {
	if q.numFree == 0 {
		return 0, errs.New(errs.QueueFull, "virtio: no free descriptors")
	}
	idx := q.freeHead
	q.freeHead = q.descNext(idx)
	q.numFree--
	q.writeDesc(idx, pa, length, flags, next)
	return idx, nil
}

// Chain describes one buffer to post to the device: a physical
// address, a length, and whether the device writes into it (as
// opposed to the driver having already written it).
type Chain struct {
	PA     uintptr
	Len    uint32
	Device bool // true => DescFWrite (device writes, e.g. a block read's data buffer)
}

// Submit builds a descriptor chain from bufs, links it into the
// available ring, and returns the head descriptor index (the
// caller's handle for matching it back against the used ring later).
func (q *Queue) Submit(bufs []Chain) (uint16, error) {
	if len(bufs) == 0 {
		return 0, errs.New(errs.InvalidArgument, "virtio: empty descriptor chain")
	}
	indices := make([]uint16, len(bufs))
	for i := len(bufs) - 1; i >= 0; i-- {
		flags := uint16(0)
		if bufs[i].Device {
			flags |= DescFWrite
		}
		next := uint16(0)
		if i < len(bufs)-1 {
			flags |= DescFNext
			next = indices[i+1]
		}
		idx, err := q.addDesc(bufs[i].PA, bufs[i].Len, flags, next)
		if err != nil {
			// roll back whatever we already allocated in this chain;
			// indices[i+1] heads it, and freeChain follows the links
			if i+1 < len(bufs) {
				q.freeChain(indices[i+1])
			}
			return 0, err
		}
		indices[i] = idx
	}
	head := indices[0]

	slot := q.availIdx() % q.size
	q.mem.WriteU16(q.availRingSlot(slot), head)
	memoryBarrier()
	q.setAvailIdx(q.availIdx() + 1)
	return head, nil
}

// HasUsed reports whether the device has completed a descriptor
// chain we haven't collected yet.
func (q *Queue) HasUsed() bool {
	memoryBarrier()
	return q.usedIdx() != q.lastUsed
}

// PopUsed consumes the oldest completed entry, frees its descriptor
// chain, and returns the head index plus the byte count the device
// wrote (0 if Device was false throughout the chain).
func (q *Queue) PopUsed() (head uint16, length uint32, ok bool) {
	if !q.HasUsed() {
		return 0, 0, false
	}
	id, n := q.usedElem(q.lastUsed % q.size)
	q.lastUsed++
	head = uint16(id)
	q.freeChain(head)
	return head, n, true
}

func (q *Queue) freeChain(idx uint16) {
	for {
		flags := q.descFlags(idx)
		next := q.descNext(idx)
		q.setDescNext(idx, q.freeHead)
		q.freeHead = idx
		q.numFree++
		if flags&DescFNext == 0 || next == 0xFFFF {
			return
		}
		idx = next
	}
}

// NotifyIndex is the value to write to the device's notify register:
// the index of the descriptor chain just made available.
func (q *Queue) NotifyIndex() uint16 { return q.availIdx() - 1 }
