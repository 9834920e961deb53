package virtio

import "vkernel/asm"

// memoryBarrier enforces the ordering the teacher's dsb() calls in
// virtqueueAddToAvailable/virtqueueHasUsed rely on: the descriptor
// write must be visible before avail.idx increments, and the used
// ring read must not be reordered before the idx check.
func memoryBarrier() { asm.Dsb() }
