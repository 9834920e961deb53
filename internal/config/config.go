// Package config is the single boot-time configuration struct every
// subsystem's Init receives (spec.md §6 "Boot handoff"), populated once
// at kernel_init_high_half from the firmware's BootInfo handoff and the
// facts internal/fdt.Parse pulls out of the device tree. This mirrors
// the teacher's pattern of package-level state seeded from one early
// call (pageInit, gicInit, timerInit in kernel.go), except the derived
// addresses are collected into one value instead of being re-derived by
// every subsystem that needs them.
package config

import (
	"vkernel/internal/fdt"
	"vkernel/internal/pmm"
)

// PixelFormat enumerates the framebuffer pixel layouts BootInfo may
// report (spec.md §6 "pixel_format ∈ Rgb|Bgr").
type PixelFormat int

const (
	PixelRGB PixelFormat = iota
	PixelBGR
)

// Framebuffer is the pre-initialized framebuffer description BootInfo
// may carry; a nil *Framebuffer on BootInfo means firmware provided
// none and C5's GPU front-end owns display setup instead.
type Framebuffer struct {
	Base         uintptr
	Size         uintptr
	Width        uint32
	Height       uint32
	StridePixels uint32
	Format       PixelFormat
}

// BootInfo is the record the firmware stub hands kernel_main at its
// load address (spec.md §6). DeviceTree is the raw FDT blob passed to
// internal/fdt.Parse at kernel_init_high_half.
type BootInfo struct {
	MemoryMap   []pmm.MemDesc
	Framebuffer *Framebuffer
	AcpiRSDP    uintptr
	DeviceTree  []byte
}

// NetConfig is the statically provided IPv4 configuration spec.md §6
// describes ("no DHCP"). QEMU's virt machine has no way to discover
// these at boot, so this package fixes them as compiled-in defaults
// rather than inventing a discovery mechanism the spec doesn't call
// for; DESIGN.md records this as a resolved Open Question.
type NetConfig struct {
	IP      [4]byte
	Gateway [4]byte
	Mask    [4]byte
}

// DefaultNetConfig matches QEMU user-mode networking's own default
// subnet, so a vkernel image boots with a working IP configuration
// against `-netdev user` without extra flags.
var DefaultNetConfig = NetConfig{
	IP:      [4]byte{10, 0, 2, 15},
	Gateway: [4]byte{10, 0, 2, 2},
	Mask:    [4]byte{255, 255, 255, 0},
}

// Config is the value every subsystem's Init takes by value once
// kernel_init_high_half has built it.
type Config struct {
	Boot BootInfo
	FDT  fdt.Info
	Net  NetConfig
}

// New builds a Config from the firmware handoff, the parsed device
// tree, and the static network configuration.
func New(boot BootInfo, fdtInfo fdt.Info, net NetConfig) Config {
	return Config{Boot: boot, FDT: fdtInfo, Net: net}
}
