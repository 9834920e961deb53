package virtio

import "vkernel/internal/errs"

// GPU is the virtio-gpu front-end (spec.md §4.5.3): a controlq for
// every non-cursor command and a cursorq for the mouse-cursor fast
// path. Command/response struct layout and the initialize() sequence
// are grounded directly on virtio_gpu.go — the closest 1:1 mapping in
// the whole pack (VirtIOGPUResourceCreate2D/ResourceAttachBacking/
// SetScanout/TransferToHost2D, virtioGPUSendCommand's
// allocate-descriptors/link/notify/poll-for-used shape) — generalized
// from a single static 1280x720 framebuffer to a caller-supplied
// width/height/stride the way spec.md §4.5.3 asks for.
type GPU struct {
	notifier
	controlq *Queue
	cursorq  *Queue

	resourceID       uint32
	cursorResourceID uint32

	cursorCmdPA  uintptr // one pre-allocated buffer, reused by MoveCursor
	cursorRespPA uintptr
}

const (
	gpuCmdGetDisplayInfo     = 0x0100
	gpuCmdResourceCreate2D   = 0x0101
	gpuCmdSetScanout         = 0x0103
	gpuCmdResourceFlush      = 0x0104
	gpuCmdTransferToHost2D   = 0x0105
	gpuCmdResourceAttach     = 0x0106
	gpuCmdUpdateCursor       = 0x0300
	gpuCmdMoveCursor         = 0x0301
	gpuRespOKNoData          = 0x1100
	gpuRespOKDisplayInfo     = 0x1101
	gpuFormatB8G8R8A8Unorm   = 1
)

// ctrlHdr is virtio_gpu_ctrl_hdr (type, flags, fence_id, ctx_id, padding).
const ctrlHdrSize = 24

func writeCtrlHdr(mem Memory, pa uintptr, cmdType uint32) {
	mem.WriteU32(pa, cmdType)
	mem.WriteU32(pa+4, 0)
	mem.WriteU64(pa+8, 0)
	mem.WriteU32(pa+16, 0)
	mem.WriteU32(pa+20, 0)
}

func readCtrlHdrType(mem Memory, pa uintptr) uint32 {
	return mem.ReadU32(pa)
}

// NewGPU wires controlq (index 0) and cursorq (index 1) onto a
// device whose common config has already had Negotiate run against it.
func NewGPU(dev *Device, notifyBase uintptr, mem Memory, queueSize uint16) (*GPU, error) {
	control, err := NewQueue(mem, queueSize)
	if err != nil {
		return nil, err
	}
	controlOff, err := dev.SetupQueue(0, control.descTable, control.availBase, control.usedBase, queueSize)
	if err != nil {
		return nil, err
	}
	cursor, err := NewQueue(mem, queueSize)
	if err != nil {
		return nil, err
	}
	if _, err := dev.SetupQueue(1, cursor.descTable, cursor.availBase, cursor.usedBase, queueSize); err != nil {
		return nil, err
	}
	dev.DriverOK()

	cursorCmdPA, err := mem.Alloc(ctrlHdrSize+16, 8) // hdr + cursor_pos(pos{scanout,x,y}+resource_id+hot_x+hot_y)
	if err != nil {
		return nil, err
	}
	cursorRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return nil, err
	}

	return &GPU{
		notifier:     notifier{dev: dev, notifyBase: notifyBase, notifyOff: controlOff, notifyMultiplier: dev.Caps.NotifyMultiplier, queueIndex: 0},
		controlq:     control,
		cursorq:      cursor,
		resourceID:   1,
		cursorCmdPA:  cursorCmdPA,
		cursorRespPA: cursorRespPA,
	}, nil
}

// sendControl mirrors virtioGPUSendCommand: submit a (cmd, resp)
// chain to controlq, notify, busy-wait for the used entry, free it,
// and return the response's type field.
func (g *GPU) sendControl(mem Memory, cmdPA uintptr, cmdLen uint32, respPA uintptr, respLen uint32) (uint32, error) {
	head, err := g.controlq.Submit([]Chain{
		{PA: cmdPA, Len: cmdLen, Device: false},
		{PA: respPA, Len: respLen, Device: true},
	})
	if err != nil {
		return 0, err
	}
	g.notify()
	if afterNotify != nil {
		afterNotify(g.controlq, head)
	}
	for !g.controlq.HasUsed() {
	}
	gotHead, _, ok := g.controlq.PopUsed()
	if !ok || gotHead != head {
		return 0, errs.New(errs.IoError, "virtio-gpu: used ring returned unexpected descriptor")
	}
	return readCtrlHdrType(mem, respPA), nil
}

// Initialize runs GET_DISPLAY_INFO -> RESOURCE_CREATE_2D ->
// RESOURCE_ATTACH_BACKING -> SET_SCANOUT against a backing region the
// caller already allocated (stride*height bytes, page-aligned),
// exactly the sequence spec.md §4.5.3 names.
func (g *GPU) Initialize(mem Memory, width, height uint32, backingPA uintptr, backingLen uint32) error {
	infoCmdPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	const displayInfoRespLen = ctrlHdrSize + 16*24 // hdr + 16 virtio_gpu_display_one entries
	infoRespPA, err := mem.Alloc(displayInfoRespLen, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, infoCmdPA, gpuCmdGetDisplayInfo)
	if t, err := g.sendControl(mem, infoCmdPA, ctrlHdrSize, infoRespPA, displayInfoRespLen); err != nil {
		return err
	} else if t != gpuRespOKDisplayInfo {
		return errs.New(errs.IoError, "virtio-gpu: GET_DISPLAY_INFO returned %#x", t)
	}

	createPA, err := mem.Alloc(ctrlHdrSize+16, 8)
	if err != nil {
		return err
	}
	createRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, createPA, gpuCmdResourceCreate2D)
	mem.WriteU32(createPA+ctrlHdrSize, g.resourceID)
	mem.WriteU32(createPA+ctrlHdrSize+4, gpuFormatB8G8R8A8Unorm)
	mem.WriteU32(createPA+ctrlHdrSize+8, width)
	mem.WriteU32(createPA+ctrlHdrSize+12, height)
	if t, err := g.sendControl(mem, createPA, ctrlHdrSize+16, createRespPA, ctrlHdrSize); err != nil {
		return err
	} else if t != gpuRespOKNoData {
		return errs.New(errs.IoError, "virtio-gpu: RESOURCE_CREATE_2D returned %#x", t)
	}

	attachPA, err := mem.Alloc(ctrlHdrSize+8+16, 8) // hdr + {resource_id,nr_entries} + one mem_entry
	if err != nil {
		return err
	}
	attachRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, attachPA, gpuCmdResourceAttach)
	mem.WriteU32(attachPA+ctrlHdrSize, g.resourceID)
	mem.WriteU32(attachPA+ctrlHdrSize+4, 1) // nr_entries
	mem.WriteU64(attachPA+ctrlHdrSize+8, uint64(backingPA))
	mem.WriteU32(attachPA+ctrlHdrSize+16, backingLen)
	if t, err := g.sendControl(mem, attachPA, ctrlHdrSize+20, attachRespPA, ctrlHdrSize); err != nil {
		return err
	} else if t != gpuRespOKNoData {
		return errs.New(errs.IoError, "virtio-gpu: RESOURCE_ATTACH_BACKING returned %#x", t)
	}

	scanoutPA, err := mem.Alloc(ctrlHdrSize+24, 8)
	if err != nil {
		return err
	}
	scanoutRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, scanoutPA, gpuCmdSetScanout)
	mem.WriteU32(scanoutPA+ctrlHdrSize, 0) // rect.x
	mem.WriteU32(scanoutPA+ctrlHdrSize+4, 0)
	mem.WriteU32(scanoutPA+ctrlHdrSize+8, width)
	mem.WriteU32(scanoutPA+ctrlHdrSize+12, height)
	mem.WriteU32(scanoutPA+ctrlHdrSize+16, 0) // scanout_id
	mem.WriteU32(scanoutPA+ctrlHdrSize+20, g.resourceID)
	if t, err := g.sendControl(mem, scanoutPA, ctrlHdrSize+24, scanoutRespPA, ctrlHdrSize); err != nil {
		return err
	} else if t != gpuRespOKNoData {
		return errs.New(errs.IoError, "virtio-gpu: SET_SCANOUT returned %#x", t)
	}
	return nil
}

// Flush transfers rect (or the whole backing region when width/height
// cover it) to the host and requests a repaint: TRANSFER_TO_HOST_2D
// followed by RESOURCE_FLUSH, per spec.md §4.5.3's refresh pair.
func (g *GPU) Flush(mem Memory, x, y, width, height uint32) error {
	xferPA, err := mem.Alloc(ctrlHdrSize+24, 8)
	if err != nil {
		return err
	}
	xferRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, xferPA, gpuCmdTransferToHost2D)
	mem.WriteU32(xferPA+ctrlHdrSize, x)
	mem.WriteU32(xferPA+ctrlHdrSize+4, y)
	mem.WriteU32(xferPA+ctrlHdrSize+8, width)
	mem.WriteU32(xferPA+ctrlHdrSize+12, height)
	mem.WriteU64(xferPA+ctrlHdrSize+16, 0) // offset (caller already wrote the pixels in place)
	if t, err := g.sendControl(mem, xferPA, ctrlHdrSize+24, xferRespPA, ctrlHdrSize); err != nil {
		return err
	} else if t != gpuRespOKNoData {
		return errs.New(errs.IoError, "virtio-gpu: TRANSFER_TO_HOST_2D returned %#x", t)
	}

	flushPA, err := mem.Alloc(ctrlHdrSize+16, 8)
	if err != nil {
		return err
	}
	flushRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, flushPA, gpuCmdResourceFlush)
	mem.WriteU32(flushPA+ctrlHdrSize, x)
	mem.WriteU32(flushPA+ctrlHdrSize+4, y)
	mem.WriteU32(flushPA+ctrlHdrSize+8, width)
	mem.WriteU32(flushPA+ctrlHdrSize+12, height)
	if t, err := g.sendControl(mem, flushPA, ctrlHdrSize+16, flushRespPA, ctrlHdrSize); err != nil {
		return err
	} else if t != gpuRespOKNoData {
		return errs.New(errs.IoError, "virtio-gpu: RESOURCE_FLUSH returned %#x", t)
	}
	return nil
}

// CreateCursorResource creates the 64x64 ARGB resource spec.md
// §4.5.3's cursor path uses ("The cursor path uses a separate 64×64
// ARGB resource"), attaches backingPA as its storage, and records its
// resource ID so MoveCursor's MOVE_CURSOR command references it.
func (g *GPU) CreateCursorResource(mem Memory, id uint32, backingPA uintptr) error {
	const cursorSide = 64
	createPA, err := mem.Alloc(ctrlHdrSize+16, 8)
	if err != nil {
		return err
	}
	createRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, createPA, gpuCmdResourceCreate2D)
	mem.WriteU32(createPA+ctrlHdrSize, id)
	mem.WriteU32(createPA+ctrlHdrSize+4, gpuFormatB8G8R8A8Unorm)
	mem.WriteU32(createPA+ctrlHdrSize+8, cursorSide)
	mem.WriteU32(createPA+ctrlHdrSize+12, cursorSide)
	if t, err := g.sendControl(mem, createPA, ctrlHdrSize+16, createRespPA, ctrlHdrSize); err != nil {
		return err
	} else if t != gpuRespOKNoData {
		return errs.New(errs.IoError, "virtio-gpu: cursor RESOURCE_CREATE_2D returned %#x", t)
	}

	attachPA, err := mem.Alloc(ctrlHdrSize+20, 8)
	if err != nil {
		return err
	}
	attachRespPA, err := mem.Alloc(ctrlHdrSize, 8)
	if err != nil {
		return err
	}
	writeCtrlHdr(mem, attachPA, gpuCmdResourceAttach)
	mem.WriteU32(attachPA+ctrlHdrSize, id)
	mem.WriteU32(attachPA+ctrlHdrSize+4, 1)
	mem.WriteU64(attachPA+ctrlHdrSize+8, uint64(backingPA))
	mem.WriteU32(attachPA+ctrlHdrSize+16, cursorSide*cursorSide*4)
	if t, err := g.sendControl(mem, attachPA, ctrlHdrSize+20, attachRespPA, ctrlHdrSize); err != nil {
		return err
	} else if t != gpuRespOKNoData {
		return errs.New(errs.IoError, "virtio-gpu: cursor RESOURCE_ATTACH_BACKING returned %#x", t)
	}

	g.cursorResourceID = id
	return nil
}

// MoveCursor reuses one pre-allocated command buffer and descriptor
// slot, per spec.md §4.5.3: "its critical path avoids heap allocation
// by reusing one pre-allocated command buffer and one descriptor slot."
func (g *GPU) MoveCursor(mem Memory, x, y int32) error {
	writeCtrlHdr(mem, g.cursorCmdPA, gpuCmdMoveCursor)
	mem.WriteU32(g.cursorCmdPA+ctrlHdrSize, 0)          // pos.scanout_id
	mem.WriteU32(g.cursorCmdPA+ctrlHdrSize+4, uint32(x))
	mem.WriteU32(g.cursorCmdPA+ctrlHdrSize+8, uint32(y))
	mem.WriteU32(g.cursorCmdPA+ctrlHdrSize+12, g.cursorResourceID)

	head, err := g.cursorq.Submit([]Chain{
		{PA: g.cursorCmdPA, Len: ctrlHdrSize + 16, Device: false},
		{PA: g.cursorRespPA, Len: ctrlHdrSize, Device: true},
	})
	if err != nil {
		return err
	}
	Notify(g.notifyBase, g.notifyOff, g.notifyMultiplier, 1)
	if afterNotify != nil {
		afterNotify(g.cursorq, head)
	}
	for !g.cursorq.HasUsed() {
	}
	_, _, ok := g.cursorq.PopUsed()
	if !ok {
		return errs.New(errs.IoError, "virtio-gpu: cursor update got no response")
	}
	return nil
}
