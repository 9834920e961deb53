package ipc

import (
	"sync"

	"vkernel/internal/errs"
)

// QueueCapacity is the fixed slot count of each process's ring (spec.md
// §4.8 "QUEUE_CAPACITY fixed Message slots"); the spec leaves the exact
// number unspecified, so this package picks one, the same way
// internal/fs.DefaultDirCount fixes an unspecified directory size.
const QueueCapacity = 16

// queue is a mutex-protected bounded ring of Message slots, grounded on
// SimpleChannel's count-based signal: push/pop hold the lock for the
// shortest possible critical section and never block, leaving blocking
// entirely to RecvBlocking's busy-wait loop outside the lock.
type queue struct {
	mu    sync.Mutex
	slots [QueueCapacity]Message
	head  int
	count int
}

func (q *queue) push(m Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == QueueCapacity {
		return false
	}
	q.slots[(q.head+q.count)%QueueCapacity] = m
	q.count++
	return true
}

func (q *queue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Message{}, false
	}
	m := q.slots[q.head]
	q.head = (q.head + 1) % QueueCapacity
	q.count--
	return m, true
}

var (
	registryMu sync.Mutex
	registry   = make(map[int32]*queue)
)

// Register gives pid a fresh, empty message queue. kernel.go calls this
// when a process is created, mirroring the lifecycle spec.md's Process
// type implies ("IPC message queue (see C8)" is one of its fields).
func Register(pid int32) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[pid] = &queue{}
}

// Unregister drops pid's queue, freeing any messages still enqueued for
// it, when the owning process exits.
func Unregister(pid int32) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, pid)
}

func lookup(pid int32) *queue {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[pid]
}

// Yield is called between RecvBlocking's polling attempts so a blocked
// receiver doesn't spin the CPU forever; kernel.go wires it to the
// scheduler's own Yield (sched.Global().Yield), the same hook-variable
// indirection internal/sched's own syscall.go uses to reach services
// above it without importing them.
var Yield func()

// Send copies payload into destPID's queue without blocking (spec.md
// §4.8 "send(dest_pid, payload) -> SendResult"). The destination
// process must already have a registered queue; a full queue drops the
// message rather than blocking the sender.
func Send(senderPID, destPID int32, payload []byte) error {
	if len(payload) > PayloadSize {
		return errs.New(errs.InvalidArgument, "ipc payload of %d bytes exceeds %d-byte limit", len(payload), PayloadSize)
	}
	q := lookup(destPID)
	if q == nil {
		return errs.New(errs.NoSuchProcess, "%d", destPID)
	}
	var m Message
	m.SenderPID = uint32(senderPID)
	m.Length = uint32(len(payload))
	copy(m.Payload[:], payload)
	if !q.push(m) {
		return errs.New(errs.QueueFull, "pid %d's queue is full", destPID)
	}
	return nil
}

// Recv copies the oldest pending message addressed to pid into buf,
// without blocking (spec.md §4.8 "recv(buf) -> usize"). It returns 0,
// nil if nothing is pending — that isn't an error, matching the
// syscall table's "bytes or 0" return for recv_msg.
func Recv(pid int32, buf []byte) (int, error) {
	q := lookup(pid)
	if q == nil {
		return 0, errs.New(errs.NoSuchProcess, "%d", pid)
	}
	m, ok := q.pop()
	if !ok {
		return 0, nil
	}
	n := int(m.Length)
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf[:n], m.Payload[:n])
	return n, nil
}

// RecvBlocking yields repeatedly until a message arrives for pid
// (spec.md §4.8 "implemented as a loop around recv + yield_now").
func RecvBlocking(pid int32, buf []byte) (int, error) {
	for {
		n, err := Recv(pid, buf)
		if err != nil || n > 0 {
			return n, err
		}
		if Yield != nil {
			Yield()
		}
	}
}
