package vmm

import "testing"

// fakeMemory backs the page-table walk with a plain byte slice
// addressed by a bump allocator, standing in for identity-mapped
// physical RAM so Map/Translate/Unmap can be exercised without an
// MMU (§8 "MMU walk, round trip").
type fakeMemory struct {
	backing []byte
	next    uintptr
}

func newFakeMemory(tables int) *fakeMemory {
	return &fakeMemory{backing: make([]byte, tables*TableBytes)}
}

func (f *fakeMemory) ReadEntry(pa uintptr) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(f.backing[int(pa)+i]) << (8 * i)
	}
	return v
}

func (f *fakeMemory) WriteEntry(pa uintptr, v uint64) {
	for i := 0; i < 8; i++ {
		f.backing[int(pa)+i] = byte(v >> (8 * i))
	}
}

func (f *fakeMemory) AllocTable() (uintptr, error) {
	pa := f.next
	f.next += TableBytes
	if int(f.next) > len(f.backing) {
		return 0, errOOM
	}
	return pa, nil
}

var errOOM = &oomErr{}

type oomErr struct{}

func (*oomErr) Error() string { return "fake table memory exhausted" }

func TestMapTranslateRoundTrip(t *testing.T) {
	mem := newFakeMemory(16)
	m, err := NewMapper(mem)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}

	va := uintptr(0x40000000)
	pa := uintptr(0x80001000)
	if err := m.Map(va, pa, KernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, ok := m.Translate(va)
	if !ok || got != pa {
		t.Fatalf("Translate(0x%x) = (0x%x, %v), want (0x%x, true)", va, got, ok, pa)
	}
}

func TestTranslateUnmappedFails(t *testing.T) {
	mem := newFakeMemory(16)
	m, _ := NewMapper(mem)
	if _, ok := m.Translate(0x1000); ok {
		t.Fatal("Translate succeeded on an unmapped address")
	}
}

func TestUnmapRemovesTranslation(t *testing.T) {
	mem := newFakeMemory(16)
	m, _ := NewMapper(mem)
	va, pa := uintptr(0x60000000), uintptr(0x90002000)
	if err := m.Map(va, pa, UserRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Unmap(va); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok := m.Translate(va); ok {
		t.Fatal("Translate still succeeds after Unmap")
	}
}

func TestMapRegionCoversEveryPage(t *testing.T) {
	mem := newFakeMemory(16)
	m, _ := NewMapper(mem)
	const n = 8
	vaStart := uintptr(0x50000000)
	paStart := uintptr(0x50000000)
	if err := m.MapRegion(vaStart, vaStart+n*(1<<PageShift), paStart, KernelRW); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	for i := uintptr(0); i < n; i++ {
		va := vaStart + i*(1<<PageShift)
		pa, ok := m.Translate(va)
		if !ok || pa != paStart+i*(1<<PageShift) {
			t.Fatalf("page %d: Translate = (0x%x,%v)", i, pa, ok)
		}
	}
}

func TestMapRejectsUnalignedAddresses(t *testing.T) {
	mem := newFakeMemory(16)
	m, _ := NewMapper(mem)
	if err := m.Map(0x1001, 0x2000, KernelRW); err == nil {
		t.Fatal("expected Map to reject an unaligned va")
	}
	if err := m.Map(0x1000, 0x2001, KernelRW); err == nil {
		t.Fatal("expected Map to reject an unaligned pa")
	}
}

func TestMapRejectsRemapOfAlreadyMappedVA(t *testing.T) {
	mem := newFakeMemory(16)
	m, _ := NewMapper(mem)
	va := uintptr(0x1000)
	if err := m.Map(va, 0x100000, KernelRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Map(va, 0x200000, KernelRW); err == nil {
		t.Fatal("expected Map to reject a remap of an already-mapped va")
	}
	pa, ok := m.Translate(va)
	if !ok || pa != 0x100000 {
		t.Fatalf("Translate after rejected remap = (0x%x,%v), want (0x100000,true)", pa, ok)
	}
}

func TestDistinctAttrsDoNotAliasEntries(t *testing.T) {
	mem := newFakeMemory(16)
	m, _ := NewMapper(mem)
	va1, va2 := uintptr(0x1000), uintptr(0x2000)
	if err := m.Map(va1, 0x100000, DeviceRW); err != nil {
		t.Fatal(err)
	}
	if err := m.Map(va2, 0x200000, UserRW); err != nil {
		t.Fatal(err)
	}
	pa1, _ := m.Translate(va1)
	pa2, _ := m.Translate(va2)
	if pa1 == pa2 {
		t.Fatal("two distinct mappings translated to the same physical page")
	}
}
