// Package fs is the flat name->extent filesystem (spec.md §4.7, C7): a
// superblock, a fixed directory table and contiguous-extent file data
// on a single block device. This is a deliberate departure from
// original_source/src/filesystem.rs's in-memory BTreeMap directory
// tree — kept only as the origin of the create_file/rename_file/
// delete_file operation names — in favor of an on-disk layout grounded
// on the teacher's synchronous block-device discipline (sdhci.go's
// read/write-sector contract) and its own tools' little-endian
// wire-format encoding (imageconvert/main.go, patch-runtime.go, both
// of which reach for encoding/binary.LittleEndian the same way this
// package's codec does).
package fs

import (
	"encoding/binary"

	"vkernel/internal/errs"
)

// SectorSize is the block device's fixed sector size, spec.md §6
// "Filesystem format".
const SectorSize = 512

// Magic identifies a SIMPLEFS volume (spec.md §6).
var Magic = [8]byte{'S', 'I', 'M', 'P', 'L', 'E', 'F', 'S'}

// Version is the only on-disk format version this package writes or
// accepts.
const Version = 1

// superblockSize is the encoded byte length of Superblock: 8-byte
// magic + 5 little-endian u32 fields.
const superblockSize = 8 + 4*5

// Superblock is sector 0 of a SIMPLEFS volume.
type Superblock struct {
	Version      uint32
	TotalSectors uint32
	DirStart     uint32
	DirCount     uint32
	DataStart    uint32
}

func (s Superblock) encode() [SectorSize]byte {
	var buf [SectorSize]byte
	copy(buf[0:8], Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], s.Version)
	binary.LittleEndian.PutUint32(buf[12:16], s.TotalSectors)
	binary.LittleEndian.PutUint32(buf[16:20], s.DirStart)
	binary.LittleEndian.PutUint32(buf[20:24], s.DirCount)
	binary.LittleEndian.PutUint32(buf[24:28], s.DataStart)
	return buf
}

func decodeSuperblock(buf *[SectorSize]byte) (Superblock, error) {
	if string(buf[0:8]) != string(Magic[:]) {
		return Superblock{}, errs.New(errs.InvalidArgument, "bad SIMPLEFS magic")
	}
	sb := Superblock{
		Version:      binary.LittleEndian.Uint32(buf[8:12]),
		TotalSectors: binary.LittleEndian.Uint32(buf[12:16]),
		DirStart:     binary.LittleEndian.Uint32(buf[16:20]),
		DirCount:     binary.LittleEndian.Uint32(buf[20:24]),
		DataStart:    binary.LittleEndian.Uint32(buf[24:28]),
	}
	if sb.Version != Version {
		return Superblock{}, errs.New(errs.InvalidArgument, "unsupported SIMPLEFS version %d", sb.Version)
	}
	return sb, nil
}

// dirEntrySize is the encoded byte length of one DirEntry: 32-byte
// name + 3 little-endian u32 fields (spec.md §6 "directory entry").
const dirEntrySize = 32 + 4*3

// entriesPerSector is how many directory entries fit in one sector,
// with trailing padding (spec.md §6 "11 per 512-byte sector").
const entriesPerSector = SectorSize / dirEntrySize

// nameSize is the fixed, null-padded name field width.
const nameSize = 32

// DirEntry is one slot of the on-disk directory table. A slot with an
// empty Name is free (spec.md §4.7 "Invariants").
type DirEntry struct {
	Name        string
	StartSector uint32
	SizeBytes   uint32
	Flags       uint32
}

func (e DirEntry) free() bool { return e.Name == "" }

func encodeDirEntry(e DirEntry, buf []byte) {
	var nameBuf [nameSize]byte
	copy(nameBuf[:], e.Name)
	copy(buf[0:nameSize], nameBuf[:])
	binary.LittleEndian.PutUint32(buf[nameSize:nameSize+4], e.StartSector)
	binary.LittleEndian.PutUint32(buf[nameSize+4:nameSize+8], e.SizeBytes)
	binary.LittleEndian.PutUint32(buf[nameSize+8:nameSize+12], e.Flags)
}

func decodeDirEntry(buf []byte) DirEntry {
	end := 0
	for end < nameSize && buf[end] != 0 {
		end++
	}
	return DirEntry{
		Name:        string(buf[0:end]),
		StartSector: binary.LittleEndian.Uint32(buf[nameSize : nameSize+4]),
		SizeBytes:   binary.LittleEndian.Uint32(buf[nameSize+4 : nameSize+8]),
		Flags:       binary.LittleEndian.Uint32(buf[nameSize+8 : nameSize+12]),
	}
}

// sectorsForBytes rounds a byte length up to a whole number of
// sectors (spec.md §4.7 "pad final sector with zeros").
func sectorsForBytes(n uint32) uint32 {
	return (n + SectorSize - 1) / SectorSize
}
