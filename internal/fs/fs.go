package fs

import (
	"sort"

	"vkernel/internal/errs"
)

// BlockDevice is the synchronous sector read/write contract this
// package needs — the same shape as internal/virtio.Block's
// ReadSector/WriteSector/Flush, minus the DMA-buffer Memory parameter
// those take: kernel.go adapts a *virtio.Block plus its Memory pool
// into this interface so internal/fs itself stays hardware-agnostic,
// the same separation internal/sched draws around internal/virtio's
// FrameSource.
type BlockDevice interface {
	ReadSector(lba uint64, out *[SectorSize]byte) error
	WriteSector(lba uint64, in *[SectorSize]byte) error
	Flush() error
}

// DefaultDirCount is the fixed directory capacity Format uses when the
// caller doesn't need more than this many files on a volume (spec.md
// §4.7's format(dev, total_sectors) doesn't take a capacity argument of
// its own; this package picks one fixed value rather than leaving it
// unspecified).
const DefaultDirCount = 128

// FS is a mounted SIMPLEFS volume: a block device plus the in-memory
// directory cache spec.md §4.7 requires be refreshed after every
// mutating operation and kept in sync with what's on disk.
type FS struct {
	dev     BlockDevice
	sb      Superblock
	entries []DirEntry
}

func dirSectors(dirCount uint32) uint32 {
	return (dirCount + entriesPerSector - 1) / entriesPerSector
}

// Format zeroes the superblock and directory region of dev and writes
// an empty SIMPLEFS volume spanning totalSectors (spec.md §4.7
// "format(dev, total_sectors)").
func Format(dev BlockDevice, totalSectors uint32) error {
	const dirStart = 1
	dirSecs := dirSectors(DefaultDirCount)
	dataStart := dirStart + dirSecs
	if totalSectors <= dataStart {
		return errs.New(errs.InvalidArgument, "volume too small: %d sectors, need at least %d", totalSectors, dataStart+1)
	}

	sb := Superblock{
		Version:      Version,
		TotalSectors: totalSectors,
		DirStart:     dirStart,
		DirCount:     DefaultDirCount,
		DataStart:    dataStart,
	}
	sbSector := sb.encode()
	if err := dev.WriteSector(0, &sbSector); err != nil {
		return err
	}

	var zero [SectorSize]byte
	for i := uint32(0); i < dirSecs; i++ {
		if err := dev.WriteSector(uint64(dirStart+i), &zero); err != nil {
			return err
		}
	}
	return dev.Flush()
}

// Mount reads and validates the superblock and loads the directory
// table into memory (spec.md §4.7 "mount(dev) -> Result<Fs,
// MountError>").
func Mount(dev BlockDevice) (*FS, error) {
	var sec [SectorSize]byte
	if err := dev.ReadSector(0, &sec); err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(&sec)
	if err != nil {
		return nil, err
	}

	f := &FS{dev: dev, sb: sb}
	if err := f.reloadDirectory(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FS) reloadDirectory() error {
	entries := make([]DirEntry, 0, f.sb.DirCount)
	dirSecs := dirSectors(f.sb.DirCount)
	var sec [SectorSize]byte
	remaining := f.sb.DirCount
	for i := uint32(0); i < dirSecs; i++ {
		if err := f.dev.ReadSector(uint64(f.sb.DirStart+i), &sec); err != nil {
			return err
		}
		n := entriesPerSector
		if uint32(n) > remaining {
			n = int(remaining)
		}
		for j := 0; j < n; j++ {
			off := j * dirEntrySize
			entries = append(entries, decodeDirEntry(sec[off:off+dirEntrySize]))
		}
		remaining -= uint32(n)
	}
	f.entries = entries
	return nil
}

// flushDirectory writes the in-memory directory back to its sectors
// and flushes the device, so the on-disk directory stays authoritative
// after every mutation (spec.md §4.7 "Invariants").
func (f *FS) flushDirectory() error {
	dirSecs := dirSectors(f.sb.DirCount)
	for i := uint32(0); i < dirSecs; i++ {
		var sec [SectorSize]byte
		base := int(i) * entriesPerSector
		for j := 0; j < entriesPerSector; j++ {
			idx := base + j
			if idx >= len(f.entries) {
				break
			}
			encodeDirEntry(f.entries[idx], sec[j*dirEntrySize:(j+1)*dirEntrySize])
		}
		if err := f.dev.WriteSector(uint64(f.sb.DirStart+i), &sec); err != nil {
			return err
		}
	}
	return f.dev.Flush()
}

func (f *FS) find(name string) (int, bool) {
	for i, e := range f.entries {
		if !e.free() && e.Name == name {
			return i, true
		}
	}
	return -1, false
}

// ListFiles returns a snapshot of every occupied directory entry
// (spec.md §4.7 "list_files() — returns entry snapshot").
func (f *FS) ListFiles() []DirEntry {
	out := make([]DirEntry, 0, len(f.entries))
	for _, e := range f.entries {
		if !e.free() {
			out = append(out, e)
		}
	}
	return out
}

// allocateExtent finds the first contiguous free run of at least
// sectorsNeeded sectors in the data region, by sorting occupied
// extents by start_sector and scanning the gaps between them —
// spec.md's own decision (§9 OQ-3) for computing free space from the
// authoritative directory rather than a persisted bitmap. Each
// occupied entry's span runs from its own StartSector to the next
// occupied entry's StartSector (or the volume's end): the extent's
// reserved capacity, not SizeBytes, which only ever reflects how much
// of that capacity write_file has actually filled.
func (f *FS) allocateExtent(sectorsNeeded uint32) (uint32, error) {
	type extent struct{ start, end uint32 }
	var occupied []extent
	for i, e := range f.entries {
		if e.free() {
			continue
		}
		occupied = append(occupied, extent{e.StartSector, e.StartSector + f.extentCapacitySectors(i)})
	}
	sort.Slice(occupied, func(i, j int) bool { return occupied[i].start < occupied[j].start })

	cursor := f.sb.DataStart
	for _, ex := range occupied {
		if ex.start-cursor >= sectorsNeeded {
			return cursor, nil
		}
		if ex.end > cursor {
			cursor = ex.end
		}
	}
	if f.sb.TotalSectors-cursor >= sectorsNeeded {
		return cursor, nil
	}
	return 0, errs.New(errs.NoSpace, "no contiguous run of %d sectors free", sectorsNeeded)
}

// extentCapacitySectors returns the number of sectors reserved for the
// file at entries[idx]: the run starting at its own StartSector up to
// whichever is nearer, the next occupied entry's StartSector or the
// volume's end. This is the same neighbor-gap technique
// allocateExtent uses to find free runs, applied to a single occupied
// entry instead — the directory's StartSector values are the only
// persisted record of where an extent ends, since there is no
// separate free-space bitmap (§9 OQ-3).
func (f *FS) extentCapacitySectors(idx int) uint32 {
	start := f.entries[idx].StartSector
	limit := f.sb.TotalSectors
	for i, e := range f.entries {
		if i == idx || e.free() {
			continue
		}
		if e.StartSector > start && e.StartSector < limit {
			limit = e.StartSector
		}
	}
	return limit - start
}

// CreateFile allocates a contiguous extent of at least
// ceil(sizeBytes/512) sectors and writes a new directory entry for
// name (spec.md §4.7 "create_file(name, size_bytes)"). sizeBytes only
// sizes the initial request to allocateExtent; the file starts out
// empty (SizeBytes 0) until write_file fills it.
func (f *FS) CreateFile(name string, sizeBytes uint32) error {
	if name == "" || len(name) >= nameSize {
		return errs.New(errs.InvalidArgument, "file name must be 1-%d bytes", nameSize-1)
	}
	if _, exists := f.find(name); exists {
		return errs.New(errs.AlreadyExists, "%s", name)
	}
	freeSlot := -1
	for i, e := range f.entries {
		if e.free() {
			freeSlot = i
			break
		}
	}
	if freeSlot < 0 {
		return errs.New(errs.NoSpace, "directory is full (%d entries)", f.sb.DirCount)
	}

	start, err := f.allocateExtent(sectorsForBytes(sizeBytes))
	if err != nil {
		return err
	}
	f.entries[freeSlot] = DirEntry{Name: name, StartSector: start, SizeBytes: 0}

	var zero [SectorSize]byte
	capacity := f.extentCapacitySectors(freeSlot)
	for i := uint32(0); i < capacity; i++ {
		if err := f.dev.WriteSector(uint64(start+i), &zero); err != nil {
			return err
		}
	}
	return f.flushDirectory()
}

// WriteFile copies data into name's allocated extent, zero-padding the
// final sector (spec.md §4.7 "write_file(name, data)"). data must fit
// within the extent CreateFile reserved (extentCapacitySectors), which
// fixes the file's capacity for its whole lifetime — write_file never
// moves or grows the extent, since files cannot be resized — but
// SizeBytes itself is updated to len(data) on every successful write,
// so a later read_file reports the length actually written rather than
// the extent's capacity.
func (f *FS) WriteFile(name string, data []byte) error {
	idx, ok := f.find(name)
	if !ok {
		return errs.New(errs.NoSuchFile, "%s", name)
	}
	e := f.entries[idx]
	allocatedBytes := f.extentCapacitySectors(idx) * SectorSize
	if uint32(len(data)) > allocatedBytes {
		return errs.New(errs.InvalidArgument, "write of %d bytes exceeds %s's allocated %d bytes", len(data), name, allocatedBytes)
	}

	n := sectorsForBytes(uint32(len(data)))
	for i := uint32(0); i < n; i++ {
		var sec [SectorSize]byte
		lo := i * SectorSize
		hi := lo + SectorSize
		if hi > uint32(len(data)) {
			hi = uint32(len(data))
		}
		copy(sec[:], data[lo:hi])
		if err := f.dev.WriteSector(uint64(e.StartSector+i), &sec); err != nil {
			return err
		}
	}
	f.entries[idx].SizeBytes = uint32(len(data))
	return f.flushDirectory()
}

// ReadFile reads name's occupied sectors into buf and returns the
// number of bytes actually occupied (spec.md §4.7 "read_file(name,
// buf)"). buf must be at least the file's size.
func (f *FS) ReadFile(name string, buf []byte) (int, error) {
	idx, ok := f.find(name)
	if !ok {
		return 0, errs.New(errs.NoSuchFile, "%s", name)
	}
	e := f.entries[idx]
	if uint32(len(buf)) < e.SizeBytes {
		return 0, errs.New(errs.InvalidArgument, "buffer of %d bytes too small for %d-byte file", len(buf), e.SizeBytes)
	}

	n := sectorsForBytes(e.SizeBytes)
	var sec [SectorSize]byte
	read := uint32(0)
	for i := uint32(0); i < n; i++ {
		if err := f.dev.ReadSector(uint64(e.StartSector+i), &sec); err != nil {
			return 0, err
		}
		hi := read + SectorSize
		if hi > e.SizeBytes {
			hi = e.SizeBytes
		}
		copy(buf[read:hi], sec[:hi-read])
		read = hi
	}
	return int(read), nil
}

// DeleteFile frees name's directory slot (spec.md §4.7
// "delete_file(name)"). The extent itself is reclaimed implicitly the
// next time CreateFile scans for a free run — there is no separate
// free-space bitmap to update (§9 OQ-3).
func (f *FS) DeleteFile(name string) error {
	idx, ok := f.find(name)
	if !ok {
		return errs.New(errs.NoSuchFile, "%s", name)
	}
	f.entries[idx] = DirEntry{}
	return f.flushDirectory()
}

// RenameFile changes old's directory entry to new, leaving its extent
// untouched (spec.md §4.7 "rename_file(old, new)").
func (f *FS) RenameFile(oldName, newName string) error {
	if newName == "" || len(newName) >= nameSize {
		return errs.New(errs.InvalidArgument, "file name must be 1-%d bytes", nameSize-1)
	}
	idx, ok := f.find(oldName)
	if !ok {
		return errs.New(errs.NoSuchFile, "%s", oldName)
	}
	if _, exists := f.find(newName); exists {
		return errs.New(errs.AlreadyExists, "%s", newName)
	}
	f.entries[idx].Name = newName
	return f.flushDirectory()
}
