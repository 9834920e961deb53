package sched

import (
	"unsafe"

	"vkernel/internal/errs"
	"vkernel/internal/pmm"
	"vkernel/internal/vmm"
)

// elfPtLoad is the PT_LOAD program header type (spec.md §4.6 "User
// process creation"). Parsed by hand rather than through debug/elf —
// the teacher's own kernel.go avoids debug/elf at runtime for the same
// reason noted there: its defer-heavy implementation isn't safe to run
// on a constrained system stack. Unlike the teacher, this loader
// always runs inside a normal kernel thread's Go stack (never g0), so
// the constraint doesn't actually bind here; the manual parse is kept
// anyway because it is simpler for a format this small and matches the
// teacher's own stated preference.
const elfPtLoad = 1

// FrameSource allocates page-aligned physical memory for user segments
// and stacks; internal/pmm.Allocator satisfies this in the real kernel
// and does not clear the memory it returns (loadSegment clears its own
// frames).
type FrameSource interface {
	AllocFrames(n int, alignPow2 uint) (pa uintptr, ok bool)
}

// loadSegment copies one PT_LOAD segment's file bytes into freshly
// allocated frames (zero-padding file size up to mem size for bss) and
// maps them into the process's page tables at their p_vaddr.
func loadSegment(mapper *vmm.Mapper, frames FrameSource, image []byte, vaddr, fileOff, fileSize, memSize uintptr) error {
	if memSize == 0 {
		return nil
	}
	off := vaddr % pmm.PageSize
	pageCount := int((off + memSize + pmm.PageSize - 1) / pmm.PageSize)
	pa, ok := frames.AllocFrames(pageCount, 0)
	if !ok {
		return errs.New(errs.NoSpace, "no frames for ELF segment at 0x%x", vaddr)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(pa)), pageCount*pmm.PageSize)
	for i := range dst {
		dst[i] = 0
	}
	if fileSize > 0 {
		copy(dst[off:], image[fileOff:fileOff+fileSize])
	}
	for i := 0; i < pageCount; i++ {
		va := vaddr - (vaddr % pmm.PageSize) + uintptr(i)*pmm.PageSize
		if err := mapper.Map(va, pa+uintptr(i)*pmm.PageSize, vmm.UserRW); err != nil {
			return err
		}
	}
	return nil
}

// LoadELF maps every PT_LOAD segment of a little-endian ELF64
// executable into mapper's address space and returns its entry point.
// image must stay alive only for the duration of the call; everything
// it contributes is copied into owned physical frames.
func LoadELF(mapper *vmm.Mapper, frames FrameSource, image []byte) (entry uintptr, err error) {
	if len(image) < 64 || image[0] != 0x7F || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		return 0, errs.New(errs.InvalidArgument, "not an ELF64 image")
	}
	if image[4] != 2 {
		return 0, errs.New(errs.InvalidArgument, "only ELF64 is supported")
	}
	le64 := func(off int) uint64 {
		v := uint64(0)
		for i := 0; i < 8; i++ {
			v |= uint64(image[off+i]) << (8 * i)
		}
		return v
	}
	le16 := func(off int) uint16 {
		return uint16(image[off]) | uint16(image[off+1])<<8
	}

	entryVA := uintptr(le64(0x18))
	phOff := le64(0x20)
	phEntSize := le16(0x36)
	phNum := le16(0x38)

	for i := uint16(0); i < phNum; i++ {
		ph := int(phOff) + int(i)*int(phEntSize)
		if ph+56 > len(image) {
			return 0, errs.New(errs.InvalidArgument, "program header %d out of bounds", i)
		}
		pType := uint32(image[ph]) | uint32(image[ph+1])<<8 | uint32(image[ph+2])<<16 | uint32(image[ph+3])<<24
		if pType != elfPtLoad {
			continue
		}
		pOffset := le64(ph + 8)
		pVaddr := le64(ph + 16)
		pFileSz := le64(ph + 32)
		pMemSz := le64(ph + 40)
		if err := loadSegment(mapper, frames, image, uintptr(pVaddr), uintptr(pOffset), uintptr(pFileSz), uintptr(pMemSz)); err != nil {
			return 0, err
		}
	}
	return entryVA, nil
}

// UserStackSize is the fixed stack spec.md's loader allocates for a
// new user process.
const UserStackSize = 64 * 1024

// UserStackTop is the fixed top-of-stack virtual address every user
// process's initial stack is mapped at, comfortably below the
// high-half boundary the kernel occupies.
const UserStackTop = 0x0000_3000_0000

// SpawnUserProcess implements spec.md §4.6 "User-process creation": it
// loads image's PT_LOAD segments, maps a user stack, builds the
// initial ExceptionContext (SPSR=EL0t, PC=entry, SP=stack top), and
// adds a Ready thread primed to transfer into EL0 on first dispatch.
// The process shares the kernel's page tables above the high-half
// boundary — a single address space, not a per-process TTBR0 switch,
// per spec.md's explicit design.
func (s *Scheduler) SpawnUserProcess(name string, mapper *vmm.Mapper, frames FrameSource, image []byte) (*Thread, error) {
	entry, err := LoadELF(mapper, frames, image)
	if err != nil {
		return nil, err
	}
	stackPages := UserStackSize / pmm.PageSize
	stackPA, ok := frames.AllocFrames(stackPages, 0)
	if !ok {
		return nil, errs.New(errs.NoSpace, "no frames for user stack")
	}
	stackBaseVA := uintptr(UserStackTop) - UserStackSize
	for i := 0; i < stackPages; i++ {
		if err := mapper.Map(stackBaseVA+uintptr(i)*pmm.PageSize, stackPA+uintptr(i)*pmm.PageSize, vmm.UserRW); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	t := &Thread{ID: id, Name: name, State: Ready, ownerPID: id}
	t.primeUserEntry(entry, uintptr(UserStackTop))
	s.threads = append(s.threads, t)
	return t, nil
}
