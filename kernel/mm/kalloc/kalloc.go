// Package kalloc implements the kernel's general-purpose memory allocator:
// a page-granular large allocator backed by the virtual-range randomiser
// and page-table engine, and a slab allocator for small fixed-size classes.
package kalloc

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/mm/vmm"
	"florence/kernel/mm/vmm/vrange"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned when neither tier can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "kalloc", Message: "allocator exhausted backing memory"}

	freelist vmm.Freelist
	ranges   *vrange.Randomizer
	root     addr.Phys
	randSrc  vrange.RandSource
)

// Init wires the allocator's backing resources: the physical freelist, the
// kernel virtual-range randomiser, the active paging root and an entropy
// source for placement.
func Init(fl vmm.Freelist, rng *vrange.Randomizer, pagingRoot addr.Phys, src vrange.RandSource) {
	freelist = fl
	ranges = rng
	root = pagingRoot
	randSrc = src
}

const pageSize = addr.Size(1) << 12

// AllocPages reserves n contiguous pages of kernel virtual memory, maps
// them read-write/no-execute and returns the base address.
func AllocPages(n int) (addr.Virt, *kernel.Error) {
	size := addr.Size(n) * pageSize
	v, ok := ranges.Get(size, randSrc)
	if !ok {
		return 0, ErrOutOfMemory
	}
	perm := vmm.Permissions{Readable: true, Writeable: true}
	if _, err := vmm.Map(vmm.MapRequest{Root: root, Virt: v, Size: size, Perm: perm, Alloc: freelist}); err != nil {
		return 0, err
	}
	return v, nil
}

// FreePages unmaps and recycles n pages previously returned by AllocPages,
// then returns the virtual range to the randomiser for reuse.
func FreePages(v addr.Virt, n int) {
	size := addr.Size(n) * pageSize
	_ = vmm.Unmap(vmm.UnmapRequest{Root: root, Virt: v, Size: size, Alloc: freelist, Recycle: true})
	ranges.Add(v, size)
}

// slabSizes are the fixed size classes, chosen to tile a 4 KiB page evenly.
var slabSizes = [...]uintptr{16, 32, 64, 128, 256, 512, 1024, 2048}

// slabNode is the in-place freelist link stored in the first machine word
// of every free slab entry, mirroring C2's freelist-in-the-freed-object
// trick.
type slabNode struct {
	next *slabNode
}

// slabClass is one fixed-size allocation class: a page-backed freelist of
// same-size entries.
type slabClass struct {
	size uintptr
	free *slabNode
}

var classes [len(slabSizes)]slabClass

func init() {
	for i, sz := range slabSizes {
		classes[i].size = sz
	}
}

func classFor(size uintptr) *slabClass {
	for i := range classes {
		if classes[i].size >= size {
			return &classes[i]
		}
	}
	return nil
}

// refill carves a freshly allocated page into same-size entries for cls,
// linking them into its freelist.
func (cls *slabClass) refill() *kernel.Error {
	v, err := AllocPages(1)
	if err != nil {
		return err
	}
	base := uintptr(v)
	count := uintptr(pageSize) / cls.size
	for i := uintptr(0); i < count; i++ {
		node := (*slabNode)(unsafe.Pointer(base + i*cls.size))
		node.next = cls.free
		cls.free = node
	}
	return nil
}

// Alloc returns a pointer to a zero-initialized block of at least size
// bytes, dispatching to the smallest slab class that fits or, for
// page-or-larger requests, to the large tier.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size >= uintptr(pageSize) {
		pages := int((addr.Size(size) + pageSize - 1) / pageSize)
		v, err := AllocPages(pages)
		if err != nil {
			return 0, err
		}
		kernel.Memset(uintptr(v), 0, uintptr(addr.Size(pages)*pageSize))
		return uintptr(v), nil
	}

	cls := classFor(size)
	if cls == nil {
		pages := int((addr.Size(size) + pageSize - 1) / pageSize)
		v, err := AllocPages(pages)
		if err != nil {
			return 0, err
		}
		kernel.Memset(uintptr(v), 0, uintptr(addr.Size(pages)*pageSize))
		return uintptr(v), nil
	}

	if cls.free == nil {
		if err := cls.refill(); err != nil {
			return 0, err
		}
	}

	node := cls.free
	cls.free = node.next
	kernel.Memset(uintptr(unsafe.Pointer(node)), 0, cls.size)
	return uintptr(unsafe.Pointer(node)), nil
}

// Free releases a block previously returned by Alloc. size must match the
// value originally passed to Alloc so Free can pick the right tier.
func Free(ptr uintptr, size uintptr) {
	if size >= uintptr(pageSize) {
		pages := int((addr.Size(size) + pageSize - 1) / pageSize)
		FreePages(addr.Virt(ptr), pages)
		return
	}

	cls := classFor(size)
	if cls == nil {
		pages := int((addr.Size(size) + pageSize - 1) / pageSize)
		FreePages(addr.Virt(ptr), pages)
		return
	}

	node := (*slabNode)(unsafe.Pointer(ptr))
	node.next = cls.free
	cls.free = node
}

// eternalBump tracks the current eternal-allocation page: next is the first
// free byte and end is one past the last byte backed by a mapped page.
var eternalBump struct {
	next, end uintptr
}

// EternalAlloc returns size bytes of zeroed memory that is never freed,
// carving fresh pages off the page tier as its current page runs out —
// the same carve-a-page idiom Alloc's slab classes use, minus a freelist
// since nothing ever returns memory here. Intended for boot-time data
// (e.g. copied ACPI tables) that must outlive the mappings it was read
// through.
func EternalAlloc(size uintptr) (uintptr, *kernel.Error) {
	if eternalBump.next+size > eternalBump.end {
		pages := int((addr.Size(size) + pageSize - 1) / pageSize)
		v, err := AllocPages(pages)
		if err != nil {
			return 0, err
		}
		eternalBump.next = uintptr(v)
		eternalBump.end = uintptr(v) + uintptr(addr.Size(pages)*pageSize)
	}

	p := eternalBump.next
	eternalBump.next += size
	kernel.Memset(p, 0, size)
	return p, nil
}

// MakeStack allocates and maps a fixed-size kernel stack, returning the
// address of its top (the stack grows down from here).
func MakeStack(pages int) (addr.Virt, *kernel.Error) {
	base, err := AllocPages(pages)
	if err != nil {
		return 0, err
	}
	return base.Offset(int64(addr.Size(pages) * pageSize)), nil
}

// FreeStack releases a stack allocated by MakeStack. top is the address
// returned by MakeStack and pages must match the original allocation.
func FreeStack(top addr.Virt, pages int) {
	base := top.Offset(-int64(addr.Size(pages) * pageSize))
	FreePages(base, pages)
}
