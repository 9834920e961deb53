// Package pmm is the physical frame allocator (spec §4.1, C1). It turns
// the firmware-provided memory map into a free list of 4 KiB frames and
// exposes alloc_frame/alloc_frames/free_frame exactly as the contract
// describes.
//
// Grounded on the teacher's page.go (allocPage/freePage over a
// doubly-linked free list threaded through a Page metadata array). That
// design chains the free list through the frames' own identity-mapped
// physical memory to avoid a separate bookkeeping array; vkernel's pmm
// keeps the same free-list algorithm but threads it through an explicit
// metadata slice instead, so the allocator's invariants (§8's
// alloc/free involution) can be exercised on the host toolchain without
// a real MMU underneath it. The allocator only keeps bookkeeping: it
// never reads or writes a frame's own memory, so frames are not cleared
// when they are handed out.
package pmm

import (
	"sync"

	"vkernel/internal/bitfield"
	"vkernel/internal/errs"
)

// PageSize is the fixed frame size the whole kernel assumes (§3 Frame).
const PageSize = 4096

// Kind classifies a firmware memory descriptor.
type Kind int

const (
	Usable Kind = iota
	Reserved
	AcpiReclaim
)

// MemDesc is one firmware-provided memory region, as handed to init()
// from BootInfo (§6).
type MemDesc struct {
	StartPA uintptr
	Pages   uint64
	Kind    Kind
}

type frameMeta struct {
	pa    uintptr
	flags uint32 // packed bitfield.PageFlags
	next  int32  // index into frames, -1 if none
	prev  int32  // index into frames, -1 if none
}

// Allocator tracks every usable frame discovered at boot in exactly one
// of {free-list, kernel-allocated, device-owned} (§3 invariant). A
// single sync.Mutex protects it.
type Allocator struct {
	mu        sync.Mutex
	frames    []frameMeta
	byPA      map[uintptr]int32
	freeHead  int32
	freeCount int
	total     int
}

// New builds an empty allocator; call Init to populate it from a memory map.
func New() *Allocator {
	return &Allocator{freeHead: -1, byPA: make(map[uintptr]int32)}
}

// Init consumes firmware-provided (start, pages, kind) descriptors and
// populates the free list for every Usable region.
func (a *Allocator) Init(memMap []MemDesc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.frames = a.frames[:0]
	a.byPA = make(map[uintptr]int32)
	a.freeHead = -1
	a.freeCount = 0

	for _, d := range memMap {
		if d.Kind != Usable {
			continue
		}
		for i := uint64(0); i < d.Pages; i++ {
			pa := d.StartPA + uintptr(i)*PageSize
			idx := int32(len(a.frames))
			flags, _ := bitfield.PackPageFlags(bitfield.PageFlags{Allocated: false})
			a.frames = append(a.frames, frameMeta{pa: pa, flags: flags, next: a.freeHead, prev: -1})
			if a.freeHead >= 0 {
				a.frames[a.freeHead].prev = idx
			}
			a.freeHead = idx
			a.byPA[pa] = idx
			a.freeCount++
		}
	}
	a.total = len(a.frames)
}

// unlinkFree removes idx from the free list. Caller holds mu.
func (a *Allocator) unlinkFree(idx int32) {
	f := &a.frames[idx]
	if f.prev >= 0 {
		a.frames[f.prev].next = f.next
	} else {
		a.freeHead = f.next
	}
	if f.next >= 0 {
		a.frames[f.next].prev = f.prev
	}
	f.next, f.prev = -1, -1
	a.freeCount--
}

func (a *Allocator) pushFree(idx int32) {
	f := &a.frames[idx]
	f.next = a.freeHead
	f.prev = -1
	if a.freeHead >= 0 {
		a.frames[a.freeHead].prev = idx
	}
	a.freeHead = idx
	a.freeCount++
}

// AllocFrame returns one 4 KiB frame, or ok=false on exhaustion —
// callers choose between retry and fatal (§4.1 Failures). The frame's
// contents are not cleared.
func (a *Allocator) AllocFrame() (pa uintptr, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHead < 0 {
		return 0, false
	}
	idx := a.freeHead
	a.unlinkFree(idx)
	flags := bitfield.UnpackPageFlags(a.frames[idx].flags)
	flags.Allocated = true
	packed, _ := bitfield.PackPageFlags(flags)
	a.frames[idx].flags = packed
	return a.frames[idx].pa, true
}

// AllocFrames returns n physically contiguous frames aligned to
// 1<<alignPow2, or ok=false if no such run exists. Required for
// virtqueue rings that must not straddle a boundary they weren't sized
// for (§4.1).
func (a *Allocator) AllocFrames(n int, alignPow2 uint) (pa uintptr, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		return 0, false
	}
	align := uintptr(1) << alignPow2

	// First-fit scan: try every aligned free frame as a candidate run
	// start and check whether the next n-1 frames (by physical address)
	// are also free.
	tryRun := func(startPA uintptr) (uintptr, []int32, bool) {
		indices := make([]int32, 0, n)
		pa := startPA
		for k := 0; k < n; k++ {
			idx, exists := a.byPA[pa]
			if !exists {
				return 0, nil, false
			}
			flags := bitfield.UnpackPageFlags(a.frames[idx].flags)
			if flags.Allocated {
				return 0, nil, false
			}
			indices = append(indices, idx)
			pa += PageSize
		}
		return startPA, indices, true
	}

	// Consider every free frame as a candidate run start whose address
	// is already aligned; §4.1 requires alignment for the first frame.
	idx := a.freeHead
	seen := make(map[uintptr]bool)
	for idx >= 0 {
		pa := a.frames[idx].pa
		idx = a.frames[idx].next
		if seen[pa] {
			continue
		}
		seen[pa] = true
		if pa%align != 0 {
			continue
		}
		if start, indices, found := tryRun(pa); found {
			for _, fi := range indices {
				a.unlinkFree(fi)
				flags := bitfield.UnpackPageFlags(a.frames[fi].flags)
				flags.Allocated = true
				packed, _ := bitfield.PackPageFlags(flags)
				a.frames[fi].flags = packed
			}
			return start, true
		}
	}
	return 0, false
}

// FreeFrame marks one frame free.
func (a *Allocator) FreeFrame(pa uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.byPA[pa]
	if !ok {
		return errs.New(errs.InvalidArgument, "free_frame: pa 0x%x is not a tracked frame", pa)
	}
	flags := bitfield.UnpackPageFlags(a.frames[idx].flags)
	if !flags.Allocated {
		return errs.New(errs.InvalidState, "free_frame: pa 0x%x is already free", pa)
	}
	flags.Allocated = false
	packed, _ := bitfield.PackPageFlags(flags)
	a.frames[idx].flags = packed
	a.pushFree(idx)
	return nil
}

// Stats reports total/free frame counts, used by the §8 involution test.
func (a *Allocator) Stats() (total, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.freeCount
}
