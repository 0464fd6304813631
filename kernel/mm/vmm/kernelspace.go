package vmm

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/mm/vmm/vrange"
)

// kernelRoot is the paging root the boot pipeline installs for ring-0
// kernel code; drivers that need to map MMIO regions (framebuffers, the
// LAPIC, ACPI tables) after boot do so against this root rather than
// threading a root parameter through every probe function.
var kernelRoot addr.Phys

// kernelRanges is the virtual-range randomiser backing MapRegion; the boot
// pipeline seeds it with the kernel's free virtual address space once KASLR
// placement is finalized.
var kernelRanges *vrange.Randomizer

// SetKernelAddressSpace records the active kernel paging root and the
// randomiser used to place new MMIO mappings within it.
func SetKernelAddressSpace(root addr.Phys, ranges *vrange.Randomizer) {
	kernelRoot = root
	kernelRanges = ranges
}

// KernelRoot returns the active kernel address space's paging root.
func KernelRoot() addr.Phys { return kernelRoot }

// ReserveRegion draws a virtual address range of size bytes from the
// kernel's randomiser without mapping any backing frames; callers (the Go
// runtime bootstrap's sysReserve/sysAlloc) map pages into it lazily.
func ReserveRegion(size addr.Size, src vrange.RandSource) (addr.Virt, *kernel.Error) {
	v, ok := kernelRanges.Get(size, src)
	if !ok {
		return 0, ErrNotMapped
	}
	return v, nil
}

// MapRegion maps a physical range into the kernel address space at a
// freshly chosen virtual address and returns the base virtual address. It
// is the driver-facing counterpart of the teacher's vmm.MapRegion helper
// (used by the VGA/VESA console drivers and by ACPI table mapping), now
// expressed against the explicit-root engine and the virtual-range
// randomiser instead of a single fixed recursive mapping.
func MapRegion(fl Freelist, src vrange.RandSource, phys addr.Phys, size addr.Size, perm Permissions) (addr.Virt, *kernel.Error) {
	base := phys.AlignDown(addr.LevelPT)
	end := (phys + addr.Phys(size)).AlignUp(addr.LevelPT)
	aligned := addr.Size(end - base)

	v, ok := kernelRanges.Get(aligned, src)
	if !ok {
		return 0, ErrNotMapped
	}
	if err := MapPhys(MapRequest{Root: kernelRoot, Virt: v, Phys: base, Size: aligned, Perm: perm, Alloc: fl}); err != nil {
		return 0, err
	}
	return v.Offset(int64(phys - base)), nil
}
