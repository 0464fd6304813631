// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/cpu"
	"florence/kernel/mm/pmm"
	"florence/kernel/mm/vmm"
	"unsafe"
)

var (
	mapPhysFn       = vmm.MapPhys
	reserveRegionFn = vmm.ReserveRegion
	freelist        vmm.Freelist
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

// SetFrameAllocator wires the physical freelist backing sysAlloc. The boot
// pipeline calls this once C2's Freelist is seeded.
func SetFrameAllocator(fl *pmm.Freelist) {
	freelist = fl
}

// algInit, modulesInit, typeLinksInit, itabsInit, mallocInit,
// mSysStatInc and procResize are declared per Go version, in
// bootstrap_go17.go and bootstrap_go18+.go; on go1.7 modulesInit is an
// empty stub.

func pageAlign(size uintptr) addr.Size {
	const pageSize = uintptr(1) << 12
	return addr.Size((size + pageSize - 1) &^ (pageSize - 1))
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionStartAddr, err := reserveRegionFn(pageAlign(size), cpu.RDRANDSource{})
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(uintptr(regionStartAddr))
}

// sysMap establishes a mapping for a particular memory region that has
// been reserved previously via a call to sysReserve.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionSize := pageAlign(size)
	regionStart := addr.Virt(uintptr(virtAddr)).AlignDown(addr.LevelPT)

	perm := vmm.Permissions{Readable: true, Writeable: true}
	pageSize := addr.Size(addr.LevelPT.PageSize())
	v := regionStart
	for remaining := regionSize; remaining > 0; remaining -= pageSize {
		frame, err := freelist.Get(addr.LevelPT)
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		req := vmm.MapRequest{Root: vmm.KernelRoot(), Virt: v, Phys: frame, Size: pageSize, Perm: perm, Alloc: freelist}
		if err := mapPhysFn(req); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		v = v.Offset(int64(pageSize))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(uintptr(regionStart))
}

// sysAlloc reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them,
// returning the pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageAlign(size)
	regionStart, err := reserveRegionFn(regionSize, cpu.RDRANDSource{})
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return sysMap(unsafe.Pointer(uintptr(regionStart)), uintptr(regionSize), true, sysStat)
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
