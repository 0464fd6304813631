package console

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/cpu"
	"florence/kernel/mm/vmm"
)

// freelist supplies the page-table pages MapRegion needs; the boot
// pipeline installs the kernel's physical freelist via SetFreelist before
// HAL probing runs.
var freelist vmm.Freelist

// SetFreelist installs the allocator used to map framebuffer MMIO regions.
func SetFreelist(fl vmm.Freelist) { freelist = fl }

// mapRegionFn maps a physical MMIO range into the kernel address space.
// It is a package variable, following this repository's convention of
// exposing hardware-touching steps as mockable functions, so console
// drivers can be probed under `go test` without real paging hardware.
var mapRegionFn = func(phys addr.Phys, size addr.Size) (addr.Virt, *kernel.Error) {
	return vmm.MapRegion(freelist, cpu.RDRANDSource{}, phys, size, vmm.Permissions{
		Readable: true, Writeable: true, Cacheable: true,
	})
}
