// Package symtab is the kernel symbol table: an address-ordered index
// for panic/unwind resolution and a name index for lookup, both keyed by
// a module "group" so an unloaded module's symbols can be dropped in
// bulk. The name index is internal/hashtable's xfnv-backed generic
// table; the address index is a plain sorted slice, floor-searched with
// sort.Search rather than internal/rbtree since it is append/compact-
// heavy rather than random-insert-heavy.
package symtab

import (
	"sort"
	"sync"

	"patchwork/internal/defs"
	"patchwork/internal/hashtable"
)

// Entry is one symbol: an address, its owning module group (kernel is
// group 0), and whether it carries STB_GLOBAL binding.
type Entry struct {
	Name    string
	Addr    uintptr
	GroupID int
	Global  bool
}

type nameBucket struct {
	global *Entry
	locals []*Entry
}

// Table is the symbol table. Safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	byName  *hashtable.Hashtable_t[*nameBucket]
	byAddr  []*Entry // sorted ascending by Addr
}

// New constructs an empty symbol table.
func New() *Table {
	return &Table{byName: hashtable.MkHash[*nameBucket](256)}
}

// Add inserts a symbol. Adding a STB_GLOBAL entry whose name already
// resolves (to any existing global or local entry) fails with EEXIST.
func (t *Table) Add(name string, addr uintptr, groupID int, global bool) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.byName.Get(name)
	if !ok {
		bucket = &nameBucket{}
	}
	if global {
		if bucket.global != nil || len(bucket.locals) > 0 {
			return defs.EEXIST
		}
	}

	e := &Entry{Name: name, Addr: addr, GroupID: groupID, Global: global}
	if global {
		bucket.global = e
	} else {
		bucket.locals = append(bucket.locals, e)
	}
	t.byName.Set(name, bucket)

	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].Addr >= addr })
	t.byAddr = append(t.byAddr, nil)
	copy(t.byAddr[i+1:], t.byAddr[i:])
	t.byAddr[i] = e
	return defs.EOK
}

// ResolveAddr returns the entry with the greatest address <= addr (a
// floor search over the address index), or ok=false if addr precedes
// every known symbol.
func (t *Table) ResolveAddr(addr uintptr) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].Addr > addr })
	if i == 0 {
		return nil, false
	}
	return t.byAddr[i-1], true
}

// ResolveName returns name's global binding if one exists, otherwise its
// first-added local binding, otherwise ok=false (ENOENT at the caller).
func (t *Table) ResolveName(name string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bucket, ok := t.byName.Get(name)
	if !ok {
		return nil, false
	}
	if bucket.global != nil {
		return bucket.global, true
	}
	if len(bucket.locals) > 0 {
		return bucket.locals[0], true
	}
	return nil, false
}

// RemoveGroup deletes every entry with the given group id, compacting
// the address index and shrinking its backing array's capacity once
// live entries drop below a quarter of it .
func (t *Table) RemoveGroup(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.byAddr[:0]
	for _, e := range t.byAddr {
		if e.GroupID == id {
			continue
		}
		kept = append(kept, e)
	}
	t.byAddr = kept
	if cap(t.byAddr) > 0 && len(t.byAddr) < cap(t.byAddr)/4 {
		shrunk := make([]*Entry, len(t.byAddr))
		copy(shrunk, t.byAddr)
		t.byAddr = shrunk
	}

	// Rebuild the name index's buckets, dropping this group's entries.
	// The table is not expected to hold enough distinct names for a full
	// rebuild to matter relative to the compaction pass above.
	fresh := hashtable.MkHash[*nameBucket](256)
	for _, e := range t.byAddr {
		bucket, ok := fresh.Get(e.Name)
		if !ok {
			bucket = &nameBucket{}
		}
		if e.Global {
			bucket.global = e
		} else {
			bucket.locals = append(bucket.locals, e)
		}
		fresh.Set(e.Name, bucket)
	}
	t.byName = fresh
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAddr)
}
