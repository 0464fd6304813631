// Package vmm implements the kernel's page-table engine: an explicit-root
// walker over 1 to 5 page-table levels that maps, unmaps and re-permissions
// virtual memory ranges, splitting across the largest level a request's
// size and alignment allow.
package vmm

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/mm/pmm"
	"unsafe"
)

var (
	// ErrAlreadyMapped is returned when a mapping request targets a
	// virtual address that is already present.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrAlignmentRefused is returned when a requested mapping's
	// physical or virtual address is not aligned to the chosen level.
	ErrAlignmentRefused = &kernel.Error{Module: "vmm", Message: "address is not aligned to the requested page size"}

	// ErrHugePageUnsupported is returned when a mapping walk meets an
	// existing larger-page mapping above the level being mapped.
	ErrHugePageUnsupported = &kernel.Error{Module: "vmm", Message: "huge pages are not supported at this level"}

	// ErrNotMapped is returned by Unmap/SetPerms when no mapping covers
	// the requested address.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// Freelist is the subset of pmm.Freelist the engine needs to allocate and
// recycle page-table pages; it is an interface so tests can supply a fake.
type Freelist interface {
	Get(level addr.Level) (addr.Phys, *kernel.Error)
	Return(phys addr.Phys, level addr.Level) *kernel.Error
}

var _ Freelist = (*pmm.Freelist)(nil)

// physToVirtFn translates a physical address into one the CPU can
// currently dereference (see pmm.SetPhysToVirt for the same concern on the
// freelist side). The default is the identity function; SetPhysToVirt
// replaces it, and no boot stage calls it.
var physToVirtFn = func(p addr.Phys) uintptr { return uintptr(p) }

// SetPhysToVirt installs the translation used to dereference page-table
// pages by their physical address.
func SetPhysToVirt(fn func(addr.Phys) uintptr) { physToVirtFn = fn }

func tableAt(phys addr.Phys) *Table {
	return (*Table)(unsafe.Pointer(physToVirtFn(phys)))
}

// activeRootFn and reloadRootFn are mockable hooks over CR3, following the
// teacher's convention of exposing hardware-touching steps as package
// variables so tests can run without real paging hardware.
var (
	activeRootFn = func() addr.Phys { return archActiveRoot() }
	reloadRootFn = func(root addr.Phys) { archLoadRoot(root) }
	flushTLBFn   = func(v addr.Virt) { archFlushTLBEntry(v) }
)

// MakePagingRoot allocates and zeroes a fresh top-level page table.
func MakePagingRoot(fl Freelist) (addr.Phys, *kernel.Error) {
	root, err := fl.Get(addr.MaxLevel())
	if err != nil {
		return 0, err
	}
	t := tableAt(root)
	for i := range t {
		t[i] = 0
	}
	return root, nil
}

// MapRequest describes a single mapping operation.
type MapRequest struct {
	Root  addr.Phys
	Virt  addr.Virt
	Phys  addr.Phys
	Size  addr.Size
	Perm  Permissions
	Alloc Freelist
}

// UnmapRequest describes a single unmap operation.
type UnmapRequest struct {
	Root    addr.Phys
	Virt    addr.Virt
	Size    addr.Size
	Alloc   Freelist
	Recycle bool
}

// MapPhys maps [req.Virt, req.Virt+req.Size) to the physical range starting
// at req.Phys, choosing the largest level whose page size divides the
// remaining size and satisfies both addresses' alignment at every step,
// mirroring original_source's try_map/do_map_loop.
func MapPhys(req MapRequest) *kernel.Error {
	remaining := req.Size
	v := req.Virt
	p := req.Phys
	for remaining > 0 {
		level := chooseLevel(v, p, remaining)
		if err := doMapAt(req.Root, v, p, level, req.Perm, req.Alloc); err != nil {
			return err
		}
		step := addr.Size(level.PageSize())
		v = v.Offset(int64(step))
		p = p.Offset(int64(step))
		remaining -= step
	}
	reloadIfCurrent(req.Root)
	return nil
}

// Map behaves like MapPhys but allocates the backing physical frames from
// req.Alloc instead of taking them from the caller.
func Map(req MapRequest) (addr.Phys, *kernel.Error) {
	level := chooseLevel(req.Virt, 0, req.Size)
	if level != addr.LevelPT {
		// Auto-allocated mappings are always frame-granular; huge
		// pages are only taken when the caller supplies the backing
		// physical range explicitly via MapPhys.
		level = addr.LevelPT
	}
	firstPhys := addr.Phys(0)
	remaining := req.Size
	v := req.Virt
	for i := 0; remaining > 0; i++ {
		phys, err := req.Alloc.Get(addr.LevelPT)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			firstPhys = phys
		}
		if err := doMapAt(req.Root, v, phys, addr.LevelPT, req.Perm, req.Alloc); err != nil {
			return 0, err
		}
		v = v.Offset(int64(addr.LevelPT.PageSize()))
		remaining -= addr.Size(addr.LevelPT.PageSize())
	}
	reloadIfCurrent(req.Root)
	return firstPhys, nil
}

// chooseLevel picks the largest level L such that L.PageSize() divides the
// remaining size and both virt and phys are aligned to L, descending from
// MaxLevel()-1 down to LevelPT (the top level itself is never a terminal
// mapping level).
func chooseLevel(v addr.Virt, p addr.Phys, remaining addr.Size) addr.Level {
	for level := addr.MaxLevel() - 1; level > addr.LevelPT; level-- {
		sz := addr.Size(level.PageSize())
		if remaining >= sz && v.Aligned(level) && p.Aligned(level) {
			return level
		}
	}
	return addr.LevelPT
}

// doMapAt walks from the root down to level, allocating intermediate
// tables as needed (make_tables), then installs a terminal mapping entry
// at level (do_map_at). It refuses to silently overwrite a present entry.
func doMapAt(root addr.Phys, v addr.Virt, p addr.Phys, level addr.Level, perm Permissions, fl Freelist) *kernel.Error {
	if !v.Aligned(level) || !p.Aligned(level) {
		return ErrAlignmentRefused
	}

	table := root
	tblPerm := tablePermissions().Compose(perm)
	for l := addr.MaxLevel(); l > level; l-- {
		t := tableAt(table)
		idx := v.Index(l)
		entry := t[idx]
		if !entry.Present() {
			child, err := fl.Get(addr.LevelPT)
			if err != nil {
				return err
			}
			ct := tableAt(child)
			for i := range ct {
				ct[i] = 0
			}
			t[idx] = encodeEntry(child, false, tblPerm)
			table = child
			continue
		}
		if entry.IsMapping() {
			return ErrHugePageUnsupported
		}
		table = entry.Phys()
	}

	t := tableAt(table)
	idx := v.Index(level)
	if t[idx].Present() {
		return ErrAlreadyMapped
	}
	t[idx] = encodeEntry(p, true, perm)
	return nil
}

// Unmap clears mappings covering [req.Virt, req.Virt+req.Size), optionally
// returning reclaimed frames to req.Alloc (Recycle), and frees any child
// table left with no present entries, mirroring try_unmap_at.
func Unmap(req UnmapRequest) *kernel.Error {
	remaining := req.Size
	v := req.Virt
	for remaining > 0 {
		level, err := unmapOne(req.Root, v, req.Alloc, req.Recycle)
		if err != nil {
			return err
		}
		step := addr.Size(level.PageSize())
		v = v.Offset(int64(step))
		if step > remaining {
			break
		}
		remaining -= step
	}
	reloadIfCurrent(req.Root)
	return nil
}

func unmapOne(root addr.Phys, v addr.Virt, fl Freelist, recycle bool) (addr.Level, *kernel.Error) {
	var path [6]struct {
		table addr.Phys
		idx   uint64
	}
	table := root
	depth := 0
	for l := addr.MaxLevel(); ; l-- {
		t := tableAt(table)
		idx := v.Index(l)
		path[depth] = struct {
			table addr.Phys
			idx   uint64
		}{table, idx}
		depth++
		entry := t[idx]
		if !entry.Present() {
			return l, ErrNotMapped
		}
		if entry.IsMapping() {
			if recycle {
				_ = fl.Return(entry.Phys(), l)
			}
			t[idx] = 0
			flushTLBFn(v)
			freeEmptyTables(path[:depth], fl)
			return l, nil
		}
		table = entry.Phys()
	}
}

// freeEmptyTables walks the recorded parent chain bottom-up, freeing any
// child table that no longer has a single present entry, mirroring
// original_source's post-recursion "any_present" check in try_unmap_at.
func freeEmptyTables(path []struct {
	table addr.Phys
	idx   uint64
}, fl Freelist) {
	for i := len(path) - 1; i > 0; i-- {
		parent := path[i-1]
		child := path[i]
		ct := tableAt(child.table)
		anyPresent := false
		for _, e := range ct {
			if e.Present() {
				anyPresent = true
				break
			}
		}
		if anyPresent {
			return
		}
		pt := tableAt(parent.table)
		pt[parent.idx] = 0
		_ = fl.Return(child.table, addr.LevelPT)
	}
}

// SetPerms rewrites the permissions of an existing mapping without moving
// the underlying pages, recursing into child tables exactly like
// do_set_perms.
func SetPerms(req MapRequest) *kernel.Error {
	table := req.Root
	for l := addr.MaxLevel(); l > addr.LevelPT; l-- {
		t := tableAt(table)
		idx := req.Virt.Index(l)
		entry := t[idx]
		if !entry.Present() {
			return ErrNotMapped
		}
		if entry.IsMapping() {
			t[idx] = encodeEntry(entry.Phys(), true, req.Perm)
			reloadIfCurrent(req.Root)
			return nil
		}
		table = entry.Phys()
	}
	t := tableAt(table)
	idx := req.Virt.Index(addr.LevelPT)
	if !t[idx].Present() {
		return ErrNotMapped
	}
	t[idx] = encodeEntry(t[idx].Phys(), true, req.Perm)
	reloadIfCurrent(req.Root)
	return nil
}

// Lookup returns the terminal entry and the level it terminates at for a
// virtual address, or ok=false if no mapping covers it.
func Lookup(root addr.Phys, v addr.Virt) (entry Entry, level addr.Level, ok bool) {
	table := root
	for l := addr.MaxLevel(); ; l-- {
		t := tableAt(table)
		idx := v.Index(l)
		e := t[idx]
		if !e.Present() {
			return 0, 0, false
		}
		if e.IsMapping() {
			return e, l, true
		}
		table = e.Phys()
	}
}

// reloadIfCurrent reloads the paging root register only when root is the
// currently active address space, mirroring page_tables_modified.
func reloadIfCurrent(root addr.Phys) {
	if activeRootFn() == root {
		reloadRootFn(root)
	}
}
