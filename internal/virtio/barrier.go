//go:build !arm64

package virtio

// memoryBarrier is a no-op on the host test build, where there is
// only one goroutine and no real device to race with.
func memoryBarrier() {}
