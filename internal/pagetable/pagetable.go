// Package pagetable implements the four-level (PML4/PML3/PML2/PML1)
// page-table manager. Intermediate levels are auto-allocated on first
// use. A level is a Go struct of 512 Entry values rather than a raw
// physical page, since this module targets a freestanding-agnostic Go
// data model instead of a direct-mapped physical memory window.
package pagetable

import (
	"patchwork/internal/defs"
	"patchwork/internal/pmm"
)

// Flags are page-table entry protection bits.
type Flags uint32

const (
	Present Flags = 1 << iota
	Write
	User
	Global
	NoExecute
	Owned  // this entry owns the life of its backing frame
	Pinned // set by the address-space manager's Pin; forbids unmap
)

// CallbackNone is the sentinel sixth-entry callback id meaning "no
// callback registered".
const CallbackNone int8 = -1

const callbackMask = 0x7f // 7-bit callback id field

// Entry is one page-table leaf entry.
type Entry struct {
	Flags      Flags
	Frame      pmm.Frame
	CallbackID int8
}

func (e *Entry) present() bool { return e.Flags&Present != 0 }

const entriesPerLevel = 512

// node is a PML4/PML3/PML2/PML1 table: either leaf entries (PML1) or
// pointers to the next level down (PML2..PML4). We keep both arrays and
// let PML1's `leaf` flag disambiguate, avoiding four near-identical
// struct types.
type node struct {
	leaf     bool
	entries  [entriesPerLevel]Entry // valid when leaf
	children [entriesPerLevel]*node // valid when !leaf
}

// Table is a complete 4-level page table (one address space's worth).
type Table struct {
	pmm  *pmm.Allocator
	pml4 *node

	// traversal cache: the last (pml3,pml2,pml1) triple visited, keyed by
	// the virtual page number of their covered range -- keeps the VMM's
	// per-page loop O(n) instead of O(n*depth).
	cacheVPN  uint64
	cacheHit  bool
	cachePML3 *node
	cachePML2 *node
	cachePML1 *node
}

// New allocates an empty page table. alloc is the frame allocator used to
// back auto-allocated intermediate levels (accounted for, even though the
// level's content lives in this Go struct rather than real physical RAM,
// so frame accounting stays consistent with the PMM's used/free counts).
func New(alloc *pmm.Allocator) *Table {
	t := &Table{pmm: alloc, pml4: &node{}}
	return t
}

const (
	pageShift  = 12
	levelBits  = 9
	levelMask  = entriesPerLevel - 1
)

func vpn(virt uintptr) uint64 { return uint64(virt) >> pageShift }

func indices(v uint64) (i4, i3, i2, i1 int) {
	i1 = int(v & levelMask)
	v >>= levelBits
	i2 = int(v & levelMask)
	v >>= levelBits
	i3 = int(v & levelMask)
	v >>= levelBits
	i4 = int(v & levelMask)
	return
}

func (t *Table) childOrAlloc(parent *node, idx int) *node {
	if parent.children[idx] == nil {
		if t.pmm != nil {
			// Account for the backing frame even though our Go struct,
			// not a dmap'd page, is the real storage.
			t.pmm.AllocPage()
		}
		parent.children[idx] = &node{}
	}
	return parent.children[idx]
}

// walk returns the PML1 (leaf) node covering virt, the leaf index within
// it, and whether that leaf exists (false when a level is missing and
// alloc is false). alloc controls
// whether missing intermediate levels are created.
func (t *Table) walk(virt uintptr, alloc bool) (leaf *node, idx int, ok bool) {
	v := vpn(virt)
	i4, i3, i2, i1 := indices(v)

	groupVPN := v &^ levelMask // same PML1 page for every index1 within it
	if t.cacheHit && t.cacheVPN == groupVPN {
		if t.cachePML1 == nil {
			if !alloc {
				return nil, 0, false
			}
		} else {
			return t.cachePML1, i1, true
		}
	}

	pml3 := t.pml4.children[i4]
	if pml3 == nil {
		if !alloc {
			t.cacheHit = false
			return nil, 0, false
		}
		pml3 = t.childOrAlloc(t.pml4, i4)
	}
	pml2 := pml3.children[i3]
	if pml2 == nil {
		if !alloc {
			t.cacheHit = false
			return nil, 0, false
		}
		pml2 = t.childOrAlloc(pml3, i3)
	}
	pml1 := pml2.children[i2]
	if pml1 == nil {
		if !alloc {
			t.cacheHit = false
			return nil, 0, false
		}
		pml1 = t.childOrAlloc(pml2, i2)
		pml1.leaf = true
	}

	t.cacheVPN = groupVPN
	t.cacheHit = true
	t.cachePML3, t.cachePML2, t.cachePML1 = pml3, pml2, pml1
	return pml1, i1, true
}

// Map installs n consecutive mappings starting at virt/phys. Returns
// EEXIST if any target page is already present: mapping into an occupied
// slot is a hard error from the caller's viewpoint, the VMM handles
// overwrite by unmapping first.
func (t *Table) Map(virt uintptr, phys pmm.Frame, n int, flags Flags, cbid int8) defs.Err_t {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, _ := t.walk(va, true)
		if leaf.entries[idx].present() {
			return defs.EEXIST
		}
		leaf.entries[idx] = Entry{Flags: flags | Present, Frame: phys + pmm.Frame(i), CallbackID: cbid}
	}
	return defs.EOK
}

// MapPages installs mappings for virt.. using the (possibly
// non-contiguous) physical frames in phys, one per page.
func (t *Table) MapPages(virt uintptr, phys []pmm.Frame, flags Flags, cbid int8) defs.Err_t {
	for i, f := range phys {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, _ := t.walk(va, true)
		if leaf.entries[idx].present() {
			return defs.EEXIST
		}
		leaf.entries[idx] = Entry{Flags: flags | Present, Frame: f, CallbackID: cbid}
	}
	return defs.EOK
}

// Unmap clears n mappings starting at virt. No-op for absent pages.
// Does not free owned frames -- see Clear.
func (t *Table) Unmap(virt uintptr, n int) {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, ok := t.walk(va, false)
		if !ok || !leaf.entries[idx].present() {
			continue
		}
		leaf.entries[idx] = Entry{}
	}
}

// Clear unmaps n pages starting at virt and returns to alloc any frame
// whose entry had Owned set.
func (t *Table) Clear(virt uintptr, n int, alloc *pmm.Allocator) {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, ok := t.walk(va, false)
		if !ok || !leaf.entries[idx].present() {
			continue
		}
		e := leaf.entries[idx]
		leaf.entries[idx] = Entry{}
		if e.Flags&Owned != 0 && alloc != nil {
			alloc.FreePage(e.Frame)
		}
	}
}

// SetFlags replaces the protection flags (preserving Frame/CallbackID) on
// n pages starting at virt. No-op on absent pages.
func (t *Table) SetFlags(virt uintptr, n int, flags Flags) {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, ok := t.walk(va, false)
		if !ok || !leaf.entries[idx].present() {
			continue
		}
		e := leaf.entries[idx]
		e.Flags = flags
		leaf.entries[idx] = e
	}
}

// AddFlags ORs flags into n pages' existing flags starting at virt,
// without disturbing Frame/CallbackID or any flag bit not in flags.
// No-op on absent pages. Used by the address-space manager's Pin, which
// must not clobber Present/Owned/etc while marking a range pinned.
func (t *Table) AddFlags(virt uintptr, n int, flags Flags) {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, ok := t.walk(va, false)
		if !ok || !leaf.entries[idx].present() {
			continue
		}
		leaf.entries[idx].Flags |= flags
	}
}

// ClearFlags clears flags from n pages' existing flags starting at virt,
// the complement of AddFlags; used by Unpin.
func (t *Table) ClearFlags(virt uintptr, n int, flags Flags) {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, ok := t.walk(va, false)
		if !ok || !leaf.entries[idx].present() {
			continue
		}
		leaf.entries[idx].Flags &^= flags
	}
}

// IsMapped reports whether virt has a present entry.
func (t *Table) IsMapped(virt uintptr) bool {
	leaf, idx, ok := t.walk(virt, false)
	return ok && leaf.entries[idx].present()
}

// IsUnmapped is the complement of IsMapped.
func (t *Table) IsUnmapped(virt uintptr) bool { return !t.IsMapped(virt) }

// IsPinned reports whether any page in [virt, virt+n*PageSize) carries
// the Pinned flag (set by the address-space manager's Pin).
func (t *Table) IsPinned(virt uintptr, n int) bool {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, ok := t.walk(va, false)
		if ok && leaf.entries[idx].present() && leaf.entries[idx].Flags&Pinned != 0 {
			return true
		}
	}
	return false
}

// CollectCallbacks increments counters[cbid] for every present page with
// a non-CallbackNone callback id in [virt, virt+n*PageSize). counters must
// have at least 128 entries (the per-address-space callback table size).
func (t *Table) CollectCallbacks(virt uintptr, n int, counters []int) {
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		leaf, idx, ok := t.walk(va, false)
		if !ok || !leaf.entries[idx].present() {
			continue
		}
		cb := leaf.entries[idx].CallbackID
		if cb != CallbackNone {
			counters[cb]++
		}
	}
}

// FindFirstMappedPage returns the lowest mapped virtual address in
// [start, end), or ok=false if none is mapped.
func (t *Table) FindFirstMappedPage(start, end uintptr) (uintptr, bool) {
	for va := start; va < end; va += pmm.PageSize {
		if t.IsMapped(va) {
			return va, true
		}
	}
	return 0, false
}

// Load marks this table as the currently loaded one on the calling CPU.
// On real hardware this writes CR3; here it is a no-op hook the VMM and
// scheduler call at the same points real code would, so tests can assert
// on the call without needing a CR3 register.
func (t *Table) Load() {}

// Entry returns a copy of the entry covering virt, and whether it is
// present -- exposed for the page-fault path and tests; not part of the
// spec's operation list but needed to query Frame/Flags without another
// table walk in callers.
func (t *Table) Entry(virt uintptr) (Entry, bool) {
	leaf, idx, ok := t.walk(virt, false)
	if !ok || !leaf.entries[idx].present() {
		return Entry{}, false
	}
	return leaf.entries[idx], true
}
