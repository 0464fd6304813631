package boot

import (
	"florence/kernel"
	"florence/kernel/addr"
	"testing"
)

type fakeMemRegion struct {
	base   addr.Phys
	size   addr.Size
	usable bool
}

type fakeMemoryMap []fakeMemRegion

func (m fakeMemoryMap) VisitMemRegions(visit func(base addr.Phys, size addr.Size, usable bool) bool) {
	for _, r := range m {
		if !visit(r.base, r.size, r.usable) {
			return
		}
	}
}

func TestStage2WalkMemoryMapFiltersAndAligns(t *testing.T) {
	mmap := fakeMemoryMap{
		{base: 0x1000, size: 0x2050, usable: true},    // not page-aligned at the end
		{base: 0x100000, size: 0x1000, usable: false}, // reserved, excluded
		{base: 0x200000, size: 0x500, usable: true},   // smaller than a page once aligned
	}

	regions := Stage2WalkMemoryMap(mmap)

	if len(regions) != 1 {
		t.Fatalf("expected exactly one usable region to survive filtering; got %d", len(regions))
	}
	if regions[0].Base != 0x1000 || regions[0].Size != 0x2000 {
		t.Fatalf("expected the usable region to be rounded down to a whole page; got %+v", regions[0])
	}
	if HighestPhysAddr != 0x200500 {
		t.Fatalf("expected HighestPhysAddr to track every region regardless of usability; got %#x", HighestPhysAddr)
	}
}

func TestStage3SeedFreelistExcludesBootloaderImage(t *testing.T) {
	regions := []MemRegion{
		{Base: 0x0, Size: 0x4000},
	}

	fl := Stage3SeedFreelist(regions, 0x2000)

	if _, err := fl.Get(addr.LevelPT); err != nil {
		t.Fatalf("expected at least one page above the bootloader image; got error: %v", err)
	}
}

func TestStage3SeedFreelistSplitsAcrossFourGiB(t *testing.T) {
	regions := []MemRegion{
		{Base: fourGiB - pageSize, Size: 2 * pageSize},
	}

	Stage3SeedFreelist(regions, 0)

	if len(HighMemoryRegions) != 1 {
		t.Fatalf("expected the straddling region's upper half to be saved for later; got %d regions", len(HighMemoryRegions))
	}
	if HighMemoryRegions[0].Base != fourGiB {
		t.Fatalf("expected the saved region to start exactly at 4 GiB; got %#x", HighMemoryRegions[0].Base)
	}
}

// fakeRandSource replays a fixed sequence of draws, repeating the last
// value once exhausted; Stage4SelectKASLRBase retries until a draw clears
// the 8 GiB floor, so a single too-low value would loop forever here.
type fakeRandSource struct {
	vals []uint64
	next int
}

func (f *fakeRandSource) Uint64() uint64 {
	v := f.vals[f.next]
	if f.next < len(f.vals)-1 {
		f.next++
	}
	return v
}

func TestStage4SelectKASLRBaseMeetsInvariants(t *testing.T) {
	base := Stage4SelectKASLRBase(&fakeRandSource{vals: []uint64{uint64(kaslrMinBase) + 0x12345}})

	if base < kaslrMinBase {
		t.Fatalf("expected the chosen base to be at least 8 GiB; got %#x", base)
	}
	if !base.Aligned(KASLRLevel) {
		t.Fatalf("expected the chosen base to be aligned to %v; got %#x", KASLRLevel, base)
	}
	if base >= lowerCanonicalHalf {
		t.Fatalf("expected the chosen base to stay in the lower canonical half; got %#x", base)
	}
}

func TestStage4SelectKASLRBaseRetriesBelowFloor(t *testing.T) {
	base := Stage4SelectKASLRBase(&fakeRandSource{vals: []uint64{uint64(kaslrMinBase) - 1, uint64(kaslrMinBase) + 0x1000}})

	if base < kaslrMinBase {
		t.Fatal("expected a too-low draw to be rejected rather than returned")
	}
}

func TestDiskStatusError(t *testing.T) {
	if err := DiskStatusError(0x00); err != nil {
		t.Fatalf("expected a status of 0 to report success; got %v", err)
	}
	if err := DiskStatusError(0x04); err == nil {
		t.Fatal("expected a non-zero status to produce an error")
	}
	if err := DiskStatusError(0xFF); err == nil {
		t.Fatal("expected an unrecognised status to still produce an error")
	}
}

func TestRewriteLoaderHeaderPatchesKnownSlots(t *testing.T) {
	sector := make([]byte, sectorSize)
	copy(sector, loaderMagic[:])
	copy(sector[16:24], []byte("FLORKLOD"))
	copy(sector[24:32], []byte("PhysFree"))
	copy(sector[32:40], []byte("PhysBase"))
	copy(sector[40:48], []byte("Whatever"))

	var entry addr.Virt
	rewriteLoaderHeader(sector, true, addr.Virt(0xdead0000), addr.Phys(0xbeef000), &entry, addr.Virt(0x40000000))

	if entry != addr.Virt(0x40000000).Offset(16+8) {
		t.Fatalf("expected the entry point to be computed from the FLORKLOD slot's position; got %#x", entry)
	}
	if got := addr.Phys(readLE64(sector[24:32])); got != 0xbeef000 {
		t.Fatalf("expected PhysFree to be patched with physFree; got %#x", got)
	}
	if got := addr.Virt(readLE64(sector[32:40])); got != 0xdead0000 {
		t.Fatalf("expected PhysBase to be patched with kaslrBase; got %#x", got)
	}
	if got := readLE64(sector[40:48]); got != magicUnknown {
		t.Fatalf("expected an unrecognised field to be rewritten as UNKNOMAG; got %#x", got)
	}
}

func readLE64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

type fakeDiskReader struct {
	sectors map[uint32][]byte
}

func (d fakeDiskReader) ReadSector(lba uint32) ([]byte, *kernel.Error) {
	if s, ok := d.sectors[lba]; ok {
		return s, nil
	}
	return make([]byte, sectorSize), nil
}

func TestStage6LoadKernelLoaderReturnsNotFound(t *testing.T) {
	disk := fakeDiskReader{sectors: map[uint32][]byte{}}

	_, err := Stage6LoadKernelLoader(disk, 0, nil, 0, 0)
	if err != errLoaderNotFound {
		t.Fatalf("expected errLoaderNotFound when no sector matches the magic; got %v", err)
	}
}
