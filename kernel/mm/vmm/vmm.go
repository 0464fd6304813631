package vmm

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/mm/vmm/vrange"
)

// Init installs the active kernel paging root and its virtual-range
// randomiser as the default address space for MapRegion/ReserveRegion, then
// installs the page-fault and general-protection-fault handlers.
func Init(root addr.Phys, ranges *vrange.Randomizer) *kernel.Error {
	SetKernelAddressSpace(root, ranges)
	installFaultHandlers()
	return nil
}
