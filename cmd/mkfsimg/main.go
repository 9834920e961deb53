// mkfsimg is the host-side tool that builds a SIMPLEFS disk image
// (spec.md §6 "Filesystem format") from a set of host files, the same
// role the teacher's own tools/imageconvert and
// mazboot/tools/patch-runtime.go play for the framebuffer-asset and
// go:linkname-patching build steps: a standalone `package main` under
// cmd/, driven by `flag`, that hand-encodes a little-endian wire format
// with `encoding/binary` rather than importing the kernel's own
// runtime packages — mirroring imageconvert/main.go's width/height/
// pixel-data header rather than reusing internal/fs, the same
// separation those two tools keep from the kernel they build for.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

const (
	sectorSize  = 512
	dirCount    = 128
	dirEntrySz  = 32 + 4*3
	entriesPer  = sectorSize / dirEntrySz
	nameSize    = 32
	dirStartSec = 1
)

var magic = [8]byte{'S', 'I', 'M', 'P', 'L', 'E', 'F', 'S'}

// fileArgs collects repeated -file name=hostpath flags, in the order
// given, so directory slot assignment is deterministic across runs.
type fileArgs []string

func (f *fileArgs) String() string { return fmt.Sprint([]string(*f)) }
func (f *fileArgs) Set(v string) error {
	*f = append(*f, v)
	return nil
}

type seedFile struct {
	name string
	data []byte
}

func main() {
	var files fileArgs
	flag.Var(&files, "file", "name=hostpath, repeatable; embeds hostpath into the image under name")
	imagePath := flag.String("o", "", "output image path (required)")
	totalSectors := flag.Uint("sectors", 0, "total image size in sectors (0: auto-size from embedded files)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mkfsimg -o <image> [-sectors N] [-file name=hostpath ...]\n")
		fmt.Fprintf(os.Stderr, "Builds a SIMPLEFS volume (spec.md §6) seeded with the given files.\n")
	}
	flag.Parse()

	if *imagePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	seeds, err := loadSeeds(files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfsimg: %v\n", err)
		os.Exit(1)
	}
	if len(seeds) > dirCount {
		fmt.Fprintf(os.Stderr, "mkfsimg: %d files exceeds the %d-entry directory capacity\n", len(seeds), dirCount)
		os.Exit(1)
	}

	dirSecs := uint32((dirCount + entriesPer - 1) / entriesPer) // whole directory region, padding included
	dataStart := dirStartSec + dirSecs

	dataSectors := uint32(0)
	offsets := make([]uint32, len(seeds))
	for i, sf := range seeds {
		offsets[i] = dataStart + dataSectors
		dataSectors += sectorsFor(len(sf.data), sectorSize)
	}

	minSectors := dataStart + dataSectors
	total := uint32(*totalSectors)
	if total == 0 {
		total = minSectors
	}
	if total < minSectors {
		fmt.Fprintf(os.Stderr, "mkfsimg: -sectors %d too small, need at least %d\n", total, minSectors)
		os.Exit(1)
	}

	out, err := os.OpenFile(*imagePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfsimg: %v\n", err)
		os.Exit(1)
	}
	defer out.Close()

	if err := writeImage(out, total, dirStartSec, dirSecs, dataStart, seeds, offsets); err != nil {
		fmt.Fprintf(os.Stderr, "mkfsimg: %v\n", err)
		os.Exit(1)
	}

	if err := unix.Fsync(int(out.Fd())); err != nil {
		fmt.Fprintf(os.Stderr, "mkfsimg: fsync: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s: %d sectors (%d files, %d data sectors)\n", *imagePath, total, len(seeds), dataSectors)
}

func loadSeeds(files fileArgs) ([]seedFile, error) {
	seeds := make([]seedFile, 0, len(files))
	for _, spec := range files {
		eq := -1
		for i := 0; i < len(spec); i++ {
			if spec[i] == '=' {
				eq = i
				break
			}
		}
		if eq < 0 {
			return nil, fmt.Errorf("-file %q: want name=hostpath", spec)
		}
		name, hostPath := spec[:eq], spec[eq+1:]
		if len(name) > nameSize {
			return nil, fmt.Errorf("-file %q: name longer than %d bytes", name, nameSize)
		}
		data, err := os.ReadFile(hostPath)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seedFile{name: name, data: data})
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].name < seeds[j].name })
	return seeds, nil
}

func sectorsFor(n int, sector int) uint32 {
	return uint32((n + sector - 1) / sector)
}

// writeImage lays out the superblock, the zero-padded directory table
// and each seed file's data extent, in the exact little-endian layout
// spec.md §6 "Filesystem format" specifies: 8-byte magic + 5 u32
// superblock fields, then 44-byte directory entries (32-byte name +
// start_sector + size_bytes + flags) packed 11 per 512-byte sector.
func writeImage(out *os.File, total, dirStart, dirSecs, dataStart uint32, seeds []seedFile, offsets []uint32) error {
	sb := make([]byte, sectorSize)
	copy(sb[0:8], magic[:])
	binary.LittleEndian.PutUint32(sb[8:12], 1) // version
	binary.LittleEndian.PutUint32(sb[12:16], total)
	binary.LittleEndian.PutUint32(sb[16:20], dirStart)
	binary.LittleEndian.PutUint32(sb[20:24], dirCount)
	binary.LittleEndian.PutUint32(sb[24:28], dataStart)
	if _, err := out.WriteAt(sb, 0); err != nil {
		return err
	}

	dir := make([]byte, dirSecs*sectorSize)
	for i, sf := range seeds {
		off := (i/entriesPer)*sectorSize + (i%entriesPer)*dirEntrySz
		entry := dir[off : off+dirEntrySz]
		copy(entry[0:nameSize], sf.name)
		binary.LittleEndian.PutUint32(entry[nameSize:nameSize+4], offsets[i])
		binary.LittleEndian.PutUint32(entry[nameSize+4:nameSize+8], uint32(len(sf.data)))
		binary.LittleEndian.PutUint32(entry[nameSize+8:nameSize+12], 0) // flags
	}
	if _, err := out.WriteAt(dir, int64(dirStart)*sectorSize); err != nil {
		return err
	}

	for i, sf := range seeds {
		if _, err := out.WriteAt(sf.data, int64(offsets[i])*sectorSize); err != nil {
			return err
		}
	}

	// Extend the file to its full declared size even past the last
	// seed file's data, so every sector up to `total` reads back as
	// zero instead of a short file.
	if total > 0 {
		if err := out.Truncate(int64(total) * sectorSize); err != nil {
			return err
		}
	}
	return nil
}
