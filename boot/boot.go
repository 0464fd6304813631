// Package boot implements the staged real-mode-to-long-mode bootstrap
// pipeline: walking the firmware memory map, seeding the physical freelist,
// choosing a KASLR base, building the kernel's first paging root and
// loading the next-stage loader (or, on the Stivale-compatible path, the
// kernel ELF image directly) before handing off to the rest of the kernel.
package boot

import (
	"bytes"
	"encoding/binary"
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/mm/pmm"
	"florence/kernel/mm/vmm"
	"florence/kernel/mm/vmm/vrange"
	"unsafe"
)

// Stage1RealMode's collaborators run before any Go code can rely on a
// stack larger than the few kilobytes rt0 carves out; their bodies live in
// the platform's real-mode assembly, mirroring cpu_amd64.go's
// declare-without-body convention for CPU primitives.
func serialInit()
func vgaInit()
func requireLongMode()
func requireRDRAND()
func enable5LevelPagingIfConfigured()

// Stage1RealMode brings up the earliest consoles and asserts the CPU
// features every later stage assumes are present, halting (via the
// assembly collaborators themselves) if either is missing.
func Stage1RealMode() {
	serialInit()
	vgaInit()
	requireLongMode()
	requireRDRAND()
	enable5LevelPagingIfConfigured()
}

const pageSize = addr.Size(1) << 12

// MemRegion describes one page-aligned, usable span of physical memory.
type MemRegion struct {
	Base addr.Phys
	Size addr.Size
}

// MemoryMapReader abstracts over the firmware-supplied memory map, whether
// it arrived as a multiboot2 tag list or a raw BIOS E820 buffer.
type MemoryMapReader interface {
	// VisitMemRegions calls visit once per raw firmware memory region; it
	// stops early if visit returns false.
	VisitMemRegions(visit func(base addr.Phys, size addr.Size, usable bool) bool)
}

// HighestPhysAddr is set by Stage2WalkMemoryMap to one past the highest
// physical address any firmware region reported, usable or not.
var HighestPhysAddr addr.Phys

// Stage2WalkMemoryMap filters the firmware memory map down to the usable,
// page-aligned regions the rest of the pipeline consumes, tracking the
// highest physical address seen (usable or not) along the way.
func Stage2WalkMemoryMap(mmap MemoryMapReader) []MemRegion {
	var regions []MemRegion
	HighestPhysAddr = 0

	mmap.VisitMemRegions(func(base addr.Phys, size addr.Size, usable bool) bool {
		end := base.Offset(int64(size))
		if end > HighestPhysAddr {
			HighestPhysAddr = end
		}
		if !usable {
			return true
		}

		alignedBase := base.AlignUp(addr.LevelPT)
		alignedEnd := end.AlignDown(addr.LevelPT)
		if alignedEnd <= alignedBase {
			return true
		}

		regions = append(regions, MemRegion{Base: alignedBase, Size: addr.Size(alignedEnd - alignedBase)})
		return true
	})

	return regions
}

// fourGiB is the boundary below which memory is consumed immediately by
// Stage3SeedFreelist; regions above it are set aside until paging covers
// the full address space.
const fourGiB = addr.Phys(1) << 32

// maxHighMemoryRegions caps the high-memory carry-over list so a
// pathologically fragmented memory map can't grow it without bound.
const maxHighMemoryRegions = 64

// HighMemoryRegions holds the usable regions entirely or partially above
// 4 GiB that Stage3SeedFreelist could not yet return, for a later stage to
// push once the paging root maps all of physical memory.
var HighMemoryRegions []MemRegion

// Stage3SeedFreelist returns every usable, below-4-GiB page (after
// excluding the bootloader's own image, which must not be handed back
// while still in use) to a fresh Freelist, splitting any region that
// straddles the 4 GiB boundary and setting the rest aside in
// HighMemoryRegions.
func Stage3SeedFreelist(regions []MemRegion, bootloaderEnd addr.Phys) *pmm.Freelist {
	fl := &pmm.Freelist{}
	HighMemoryRegions = nil

	for _, r := range regions {
		base, end := r.Base, r.Base.Offset(int64(r.Size))
		if base < bootloaderEnd {
			base = bootloaderEnd
		}
		if base >= end {
			continue
		}

		if end > fourGiB {
			if base >= fourGiB {
				appendHighMemory(MemRegion{Base: base, Size: addr.Size(end - base)})
				continue
			}
			appendHighMemory(MemRegion{Base: fourGiB, Size: addr.Size(end - fourGiB)})
			end = fourGiB
		}

		for p := base; p.Offset(int64(pageSize)) <= end; p = p.Offset(int64(pageSize)) {
			fl.Return(p, addr.LevelPT)
		}
	}

	return fl
}

func appendHighMemory(r MemRegion) {
	if len(HighMemoryRegions) >= maxHighMemoryRegions {
		return
	}
	HighMemoryRegions = append(HighMemoryRegions, r)
}

// kaslrMinBase is the lowest virtual address Stage4SelectKASLRBase will
// return: spec.md's Open Question on the floor for the physical-memory
// window is resolved here at 8 GiB, chosen so the window never overlaps
// the low 4 GiB where the kernel loader, its stack and MMIO windows live.
const kaslrMinBase = addr.Virt(8) << 30

// KASLRLevel is the page-table level the physical-memory window is
// aligned to: 2 MiB, which gives up nine bits of placement entropy
// against 4 KiB alignment so that 2 MiB-aligned regions can be mapped
// with one page-directory entry per 2 MiB.
const KASLRLevel = addr.LevelPD

// lowerCanonicalHalf bounds the randomly chosen base below the canonical
// sign-extension boundary, keeping it in the low half of the address
// space addr.Virt.Canonical() would otherwise fold high addresses into.
const lowerCanonicalHalf = addr.Virt(1) << 46

// Stage4SelectKASLRBase draws a random virtual base for the
// physical-memory view: at least 8 GiB, in the lower canonical half, and
// aligned down to KASLRLevel.
func Stage4SelectKASLRBase(rng vrange.RandSource) addr.Virt {
	for {
		base := addr.Virt(rng.Uint64()) % lowerCanonicalHalf
		if base < kaslrMinBase {
			continue
		}
		return base.AlignDown(KASLRLevel)
	}
}

// lowMemSize is the span of conventional low memory (below 1 MiB) mapped
// at the physical-memory window's base, for the handful of boot-era
// structures (BDA, EBDA, legacy VGA text buffer) that still live there.
const lowMemSize = addr.Size(1) << 20

// Stage5BuildPagingRoot constructs the kernel's first paging root: an
// identity-mapped first 2 MiB (RWX, so the bootstrap code that is still
// running out of it keeps working), every usable region mapped RW-NX at
// pmvb+phys, and low memory mapped RW-NX at pmvb itself.
func Stage5BuildPagingRoot(pmvb addr.Virt, regions []MemRegion, fl vmm.Freelist) (addr.Phys, *kernel.Error) {
	root, err := vmm.MakePagingRoot(fl)
	if err != nil {
		return 0, err
	}

	identity := vmm.Permissions{Readable: true, Writeable: true, Executable: true}
	if err := vmm.MapPhys(vmm.MapRequest{Root: root, Virt: addr.Virt(0), Phys: addr.Phys(0), Size: addr.LevelPD.PageSize(), Perm: identity, Alloc: fl}); err != nil {
		return 0, err
	}

	rw := vmm.Permissions{Readable: true, Writeable: true}
	for _, r := range regions {
		dst := pmvb.Offset(int64(r.Base))
		if err := vmm.MapPhys(vmm.MapRequest{Root: root, Virt: dst, Phys: r.Base, Size: r.Size, Perm: rw, Alloc: fl}); err != nil {
			return 0, err
		}
	}

	if err := vmm.MapPhys(vmm.MapRequest{Root: root, Virt: pmvb, Phys: addr.Phys(0), Size: lowMemSize, Perm: rw, Alloc: fl}); err != nil {
		return 0, err
	}

	return root, nil
}

// DiskReader reads fixed-size 512-byte disk sectors by absolute LBA, the
// narrow interface Stage6LoadKernelLoader needs of the BIOS/AHCI disk
// driver underneath it.
type DiskReader interface {
	ReadSector(lba uint32) ([]byte, *kernel.Error)
}

const sectorSize = 512

// diskStatusMessages maps BIOS INT 0x13 status codes to a human-readable
// description; unlisted codes fall back to a generic message.
var diskStatusMessages = map[byte]string{
	0x00: "",
	0x01: "invalid command",
	0x02: "address mark not found",
	0x04: "requested sector not found",
	0x05: "reset failed",
	0x10: "uncorrectable data error",
	0x20: "controller failure",
	0x40: "seek failure",
	0x80: "drive timed out",
	0xAA: "drive not ready",
	0xBB: "undefined error",
}

// DiskStatusError translates a BIOS INT 0x13 status code into a kernel
// error, or nil if code reports success.
func DiskStatusError(code byte) *kernel.Error {
	if code == 0x00 {
		return nil
	}
	msg, ok := diskStatusMessages[code]
	if !ok {
		msg = "unknown disk error"
	}
	return &kernel.Error{Module: "boot", Message: msg}
}

var (
	errLoaderNotFound     = &kernel.Error{Module: "boot", Message: "kernel loader not found in first 1000 sectors of disk"}
	errLoaderEntryMissing = &kernel.Error{Module: "boot", Message: "kernel loader header is missing its entry point magic slot"}
)

// loaderMagic is the 16-byte signature the kernel loader's first sector
// begins with.
var loaderMagic = [16]byte{
	0x09, 0xF9, 0x11, 0x02, 0x9D, 0x74, 0xE3, 0x5B,
	0xD8, 0x41, 0x56, 0xC5, 0x63, 0x56, 0x88, 0xC0,
}

// loaderAnchor is the fixed virtual address the kernel loader is mapped
// at; it does not participate in KASLR since it is torn down once the
// real kernel takes over.
const loaderAnchor = addr.Virt(1) << 30

// loaderStackSize is the size of the RW-NX stack mapped just below the
// loader's image for it to run on.
const loaderStackSize = addr.Size(32) << 10

// magicField converts an 8-byte ASCII tag (e.g. "FLORKLOD") into the
// little-endian 64-bit word it appears as in a loader header slot.
func magicField(tag string) uint64 {
	var b [8]byte
	copy(b[:], tag)
	return binary.LittleEndian.Uint64(b[:])
}

var (
	magicEntry    = magicField("FLORKLOD")
	magicPhysFree = magicField("PhysFree")
	magicPhysBase = magicField("PhysBase")
	magicUnknown  = magicField("UNKNOMAG")
)

// rewriteLoaderHeader scans one 512-byte sector for magic slots, patching
// known ones with their runtime value and any unrecognised 8-byte field
// with the UNKNOMAG sentinel (spec.md §9's documented caveat: only the
// linker script guarantees no real field collides with an unknown magic).
// firstSector is true for the loader's very first sector, whose first 16
// bytes are the identification magic rather than a rewritable slot.
func rewriteLoaderHeader(sector []byte, firstSector bool, kaslrBase addr.Virt, physFree addr.Phys, entry *addr.Virt, loadedAt addr.Virt) {
	start := 0
	if firstSector {
		start = 16
	}

	for off := start; off+8 <= sectorSize; off += 8 {
		word := binary.LittleEndian.Uint64(sector[off : off+8])
		switch word {
		case magicEntry:
			*entry = loadedAt.Offset(int64(off) + 8)
		case magicPhysFree:
			binary.LittleEndian.PutUint64(sector[off:off+8], uint64(physFree))
		case magicPhysBase:
			binary.LittleEndian.PutUint64(sector[off:off+8], uint64(kaslrBase))
		default:
			binary.LittleEndian.PutUint64(sector[off:off+8], magicUnknown)
		}
	}
}

func copyToPhysFn(phys addr.Phys, offset addr.Size, data []byte) {
	if len(data) == 0 {
		return
	}
	dst := uintptr(phys) + uintptr(offset)
	kernel.Memcopy(uintptr(unsafe.Pointer(&data[0])), dst, uintptr(len(data)))
}

var copyToPhys = copyToPhysFn

// Stage6LoadKernelLoader scans the first 1000 disk sectors for the kernel
// loader's magic, loads it page by page into freshly allocated physical
// memory mapped RWX at the fixed loader anchor, patches its magic header
// slots and maps a stack beneath it, returning the loader's entry point.
func Stage6LoadKernelLoader(disk DiskReader, root addr.Phys, fl vmm.Freelist, kaslrBase addr.Virt, physFree addr.Phys) (addr.Virt, *kernel.Error) {
	var loaderSector uint32
	var loaderPages uint32
	found := false

	for s := uint32(0); s < 1000; s++ {
		buf, err := disk.ReadSector(s)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(buf[:16], loaderMagic[:]) {
			loaderSector = s
			loaderPages = binary.LittleEndian.Uint32(buf[16:20])
			found = true
			break
		}
	}
	if !found {
		return 0, errLoaderNotFound
	}

	outVirt := loaderAnchor
	var entry addr.Virt
	perm := vmm.Permissions{Readable: true, Writeable: true, Executable: true}

	for page := uint32(0); page < loaderPages; page++ {
		phys, err := fl.Get(addr.LevelPT)
		if err != nil {
			return 0, err
		}

		for offs := addr.Size(0); offs < addr.LevelPT.PageSize(); offs += sectorSize {
			sector, err := disk.ReadSector(loaderSector)
			if err != nil {
				return 0, err
			}
			loaderSector++

			rewriteLoaderHeader(sector, page == 0 && offs == 0, kaslrBase, physFree, &entry, outVirt.Offset(int64(offs)))
			copyToPhys(phys, offs, sector)
		}

		if err := vmm.MapPhys(vmm.MapRequest{Root: root, Virt: outVirt, Phys: phys, Size: addr.LevelPT.PageSize(), Perm: perm, Alloc: fl}); err != nil {
			return 0, err
		}
		outVirt = outVirt.Offset(int64(addr.LevelPT.PageSize()))
	}

	if entry == 0 {
		return 0, errLoaderEntryMissing
	}

	stackPerm := vmm.Permissions{Readable: true, Writeable: true}
	if _, err := vmm.Map(vmm.MapRequest{Root: root, Virt: loaderAnchor.Offset(-int64(loaderStackSize)), Size: loaderStackSize, Perm: stackPerm, Alloc: fl}); err != nil {
		return 0, err
	}

	return entry, nil
}

// ElfPHdr is the subset of an ELF program header Stage7LoadKernelELF needs.
type ElfPHdr struct {
	VirtAddr addr.Virt
	PhysAddr addr.Phys
	FileSize addr.Size
	MemSize  addr.Size

	Readable, Writeable, Executable bool
}

// ElfModule is implemented by whatever parsed the kernel ELF image handed
// to the Stivale-compatible entry point; ELF parsing itself is out of
// scope here; a debug/elf-backed implementation lives at the call site.
type ElfModule interface {
	ProgramHeaders() []ElfPHdr
	Entry() addr.Virt
}

// Stage7LoadKernelELF is the Stivale-protocol alternative to stages 5-6:
// given an already-parsed kernel ELF image, it picks a KASLR offset that
// places the image's highest loaded address just below pmvb and maps each
// PT_LOAD segment with its own ELF permissions.
func Stage7LoadKernelELF(module ElfModule, root addr.Phys, fl vmm.Freelist, pmvb addr.Virt) (addr.Virt, *kernel.Error) {
	var highest addr.Virt
	for _, ph := range module.ProgramHeaders() {
		top := ph.VirtAddr.Offset(int64(ph.MemSize))
		if top > highest {
			highest = top
		}
	}

	slide := pmvb.Offset(-int64(highest)).AlignDown(KASLRLevel)

	for _, ph := range module.ProgramHeaders() {
		perm := vmm.Permissions{Readable: ph.Readable, Writeable: ph.Writeable, Executable: ph.Executable}
		dst := slide.Offset(int64(ph.VirtAddr))
		if err := vmm.MapPhys(vmm.MapRequest{Root: root, Virt: dst, Phys: ph.PhysAddr, Size: ph.MemSize, Perm: perm, Alloc: fl}); err != nil {
			return 0, err
		}
	}

	return slide.Offset(int64(module.Entry())), nil
}
