//go:build arm64

package vmm

import (
	"unsafe"

	"vkernel/asm"
	"vkernel/internal/errs"
	"vkernel/internal/pmm"
)

func ptr(pa uintptr) unsafe.Pointer { return unsafe.Pointer(pa) }

// physMemory implements Memory over the kernel's identity mapping:
// every physical address the allocator hands back is also a valid
// virtual address until the high-half pivot (Pivot, below) switches
// TTBR1_EL1 over, at which point the kernel only ever calls through
// this Mapper with addresses it already translated itself, the same
// discipline the teacher's mapPage/getPhysicalAddress pair follows
// via unsafe.Pointer(uintptr(...)).
type physMemory struct {
	frames *pmm.Allocator
}

// NewPhysMemory backs a Mapper with the kernel frame allocator.
func NewPhysMemory(frames *pmm.Allocator) Memory {
	return &physMemory{frames: frames}
}

func (p *physMemory) ReadEntry(pa uintptr) uint64 {
	return *(*uint64)(ptr(pa))
}

func (p *physMemory) WriteEntry(pa uintptr, v uint64) {
	*(*uint64)(ptr(pa)) = v
}

func (p *physMemory) AllocTable() (uintptr, error) {
	pa, ok := p.frames.AllocFrame()
	if !ok {
		return 0, errs.New(errs.NoSpace, "vmm: out of frames for a page table")
	}
	asm.Bzero(pa, pmm.PageSize)
	return pa, nil
}

// InitIdentity builds the boot-time identity map of the kernel image
// and the MMIO windows, VA==PA, matching the teacher's initMMU
// low-memory layout before the MMU is turned on. RAM outside
// [kernelStart, kernelEnd) is not mapped here; kernel.go maps the rest
// of the frame pool itself.
func InitIdentity(m *Mapper, kernelStart, kernelEnd uintptr, mmio []Region) error {
	if err := m.MapRegion(kernelStart, kernelEnd, kernelStart, KernelRW); err != nil {
		return err
	}
	for _, r := range mmio {
		if err := m.MapRegion(r.Start, r.Start+r.Size, r.Start, DeviceRW); err != nil {
			return err
		}
	}
	return nil
}

// Region is one physical MMIO window to identity-map (GIC, UART,
// fw_cfg, PCI ECAM, VirtIO BARs — discovered by internal/fdt).
type Region struct {
	Start uintptr
	Size  uintptr
}

// Enable programs MAIR_EL1 and TCR_EL1 (4 KiB granule, 39-bit VA so
// walks start at L1, TTBR1 walks disabled), clears TTBR1_EL1, points
// TTBR0_EL1 at m's root and turns the MMU on with SCTLR_EL1's M, C and
// I bits set in one step. No register is read back and no mapping is
// checked before the MMU goes on; it always returns nil.
func Enable(m *Mapper) error {
	const mair = 0xFF | 0x00<<8 | 0x44<<16 // Attr0=Normal WB, Attr1=Device, Attr2=Normal NC
	asm.WriteMairEl1(mair)

	const tcr = 25 | 1<<8 | 1<<10 | 3<<12 | 25<<16 | 1<<23 | 2<<32
	asm.WriteTcrEl1(tcr)

	asm.Isb()
	asm.WriteTtbr1El1(0)
	asm.WriteTtbr0El1(uint64(m.Root()))
	asm.Dsb()
	asm.EnableMmu()
	return nil
}

// Pivot switches the active page table from the low identity map to
// a high-half kernel map (TTBR1_EL1), then branches PC into the high
// half — the "identity-map-to-high-half pivot" SPEC_FULL.md's module
// layout calls out. va must be the high-half alias of the function
// Pivot itself returns into.
func Pivot(m *Mapper, highHalfPC uintptr) {
	asm.WriteTtbr1El1(uint64(m.Root()))
	asm.Dsb()
	asm.Isb()
	asm.BranchToHighHalf(highHalfPC)
}
