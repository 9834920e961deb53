//go:build arm64

package virtio

import "vkernel/asm"

// Notify writes the queue index to the device's notify register, at
// notifyBase + queueNotifyOff*notifyMultiplier (spec.md §4.5's
// "notify_base + queue_notify_off * notify_multiplier").
func Notify(notifyBase uintptr, notifyOff uint16, notifyMultiplier uint32, queueIndex uint16) {
	addr := notifyBase + uintptr(uint32(notifyOff)*notifyMultiplier)
	asm.MmioWrite16(addr, queueIndex)
}

// afterNotify is the test hook described in notify.go; nothing sets it
// on hardware, so it stays nil.
var afterNotify func(q *Queue, head uint16)

// notifier is the arm64 counterpart of the one in notify.go.
type notifier struct {
	dev              *Device
	notifyBase       uintptr
	notifyOff        uint16
	notifyMultiplier uint32
	queueIndex       uint16
}

func (n *notifier) notify() {
	Notify(n.notifyBase, n.notifyOff, n.notifyMultiplier, n.queueIndex)
}
