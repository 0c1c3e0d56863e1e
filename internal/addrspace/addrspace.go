// Package addrspace is the address-space manager: the user/kernel
// boundary check, the pin/unpin protocol that keeps a region's pages
// resident and unmappable while a syscall is touching user memory, the
// transient mapping-intent protocol the VMM drives, and the per-space
// callback table. The free-region index is reworked onto internal/rbtree
// in place of a linear free-extent list.
package addrspace

import (
	"sync"

	"patchwork/internal/defs"
	"patchwork/internal/pagetable"
	"patchwork/internal/pmm"
	"patchwork/internal/rbtree"
)

// maxCallbacks is the per-address-space callback table size: a 128-slot
// refcounted callback table.
const maxCallbacks = 128

type callbackSlot struct {
	inUse     bool
	pageCount int
	fn        func(data any)
	data      any
}

type pinnedRange struct {
	start, end uintptr // [start, end)
	stack      bool
}

// intent is the transient state MappingStart stashes for MappingEnd.
// MappingEnd always runs: on success it returns the chosen virtual
// address, on failure it rolls back reservations and unlocks.
type Intent struct {
	reserved bool
	virt     uintptr
	length   uintptr
	fromFree bool // whether the reservation came out of the free-region tracker (vs. caller-supplied virt)
}

// Space is one address space: a page table, the user-reachable range,
// the free-virtual-region tracker, pinned ranges and the callback table.
// The VMM holds a *Space per process/kernel and drives its
// protocol methods under the space lock.
type Space struct {
	mu sync.Mutex

	Table          *pagetable.Table
	userMin, userMax uintptr

	free *rbtree.Tree[uintptr, uintptr] // free-extent base -> length, first-fit by ascending base

	pinned []pinnedRange

	callbacks [maxCallbacks]callbackSlot

	// CPUs currently running a thread in this space -- targets for TLB
	// shootdown IPIs, one per CPU other than the initiator. internal/vmm
	// maintains membership; kept here because the field belongs to the
	// space, not to any one algorithm that touches it.
	CPUs map[defs.CPU]bool

	// ShootdownAcks counts shootdown-IPI acknowledgements received for the
	// in-flight TLB invalidation this space is waiting on. internal/vmm
	// owns the read/reset/spin protocol; the counter lives on the space
	// since it is scoped per address space, not per CPU.
	ShootdownAcks int32
}

func less(a, b uintptr) bool { return a < b }

// Init creates a space spanning [userMin, userMax) for user mappings,
// backed by a fresh page table.
func Init(alloc *pmm.Allocator, userMin, userMax uintptr) *Space {
	s := &Space{
		Table:   pagetable.New(alloc),
		userMin: userMin,
		userMax: userMax,
		free:    rbtree.New[uintptr, uintptr](less),
		CPUs:    make(map[defs.CPU]bool),
	}
	for i := range s.callbacks {
		s.callbacks[i].inUse = false
	}
	s.free.Insert(userMin, userMax-userMin)
	return s
}

// Deinit releases a space's virtual-address bookkeeping. The backing
// page table's frames are the VMM's responsibility to unmap/free first;
// the address-space manager never touches frames directly.
func (s *Space) Deinit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = rbtree.New[uintptr, uintptr](less)
	s.pinned = nil
}

// CheckAccess reports whether [addr, addr+len) lies entirely within the
// space's user range.
func (s *Space) CheckAccess(addr uintptr, length uintptr) bool {
	if length == 0 {
		return addr >= s.userMin && addr <= s.userMax
	}
	end := addr + length
	if end < addr {
		return false // overflow
	}
	return addr >= s.userMin && end <= s.userMax
}

// Pin reserves [addr, addr+len) against unmap until Unpin, and marks
// every page currently mapped in the range with the pagetable.Pinned
// flag (pages mapped into the range later are not retroactively pinned;
// callers pin after the mapping they care about already exists, matching
// the syscall-argument-pinning use case). stack is recorded with the pin
// as a stack-guard marker; nothing in this package reads it back.
func (s *Space) Pin(addr uintptr, length uintptr, stack bool) defs.Err_t {
	if !s.CheckAccess(addr, length) {
		return defs.EFAULT
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	end := addr + length
	s.pinned = append(s.pinned, pinnedRange{start: addr, end: end, stack: stack})
	n := int((length + pmm.PageSize - 1) / pmm.PageSize)
	s.Table.AddFlags(addr&^(pmm.PageSize-1), n, pagetable.Pinned)
	return defs.EOK
}

// Unpin releases a pin previously taken by Pin over the exact same
// range. Returns EINVAL if no matching pin is on record.
func (s *Space) Unpin(addr uintptr, length uintptr) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := addr + length
	for i, p := range s.pinned {
		if p.start == addr && p.end == end {
			s.pinned = append(s.pinned[:i], s.pinned[i+1:]...)
			n := int((length + pmm.PageSize - 1) / pmm.PageSize)
			// Only clear the flag if nothing else still pins these pages.
			if !s.stillPinnedLocked(addr, end) {
				s.Table.ClearFlags(addr&^(pmm.PageSize-1), n, pagetable.Pinned)
			}
			return defs.EOK
		}
	}
	return defs.EINVAL
}

func (s *Space) stillPinnedLocked(start, end uintptr) bool {
	for _, p := range s.pinned {
		if p.start < end && start < p.end {
			return true
		}
	}
	return false
}

// PinTerminated pins a user array of unknown length up to a terminator,
// bounded by maxLen so a missing terminator cannot pin unbounded memory.
// isTerm is called with each candidate element's byte offset from addr;
// it must read user memory itself (out of scope here) and report whether
// that element is the terminator.
func (s *Space) PinTerminated(addr uintptr, elemSize, maxLen int, isTerm func(elemOffset uintptr) bool) (uintptr, defs.Err_t) {
	if elemSize <= 0 {
		return 0, defs.EINVAL
	}
	for i := 0; i < maxLen; i++ {
		off := uintptr(i * elemSize)
		if !s.CheckAccess(addr+off, uintptr(elemSize)) {
			return 0, defs.EFAULT
		}
		if isTerm(off) {
			total := off + uintptr(elemSize)
			if err := s.Pin(addr, total, false); err != defs.EOK {
				return 0, err
			}
			return total, defs.EOK
		}
	}
	return 0, defs.ENAMETOOLONG
}

// MappingStart validates the request, takes the space lock, and (unless
// the caller supplied an exact virt) selects a free virtual range of the
// requested length/align from the free-region tracker. Must be followed
// by exactly one MappingEnd call, which always runs and always unlocks.
func (s *Space) MappingStart(intent *Intent, virt uintptr, length uintptr, align uintptr) (uintptr, defs.Err_t) {
	if length == 0 || (align != 0 && align&(align-1) != 0) {
		return 0, defs.EINVAL
	}
	s.mu.Lock()
	*intent = Intent{length: length}

	if virt != 0 {
		if !s.CheckAccess(virt, length) {
			s.mu.Unlock()
			return 0, defs.EFAULT
		}
		intent.virt = virt
		intent.reserved = true
		intent.fromFree = false
		return virt, defs.EOK
	}

	chosen, ok := s.reserveFromFreeLocked(length, align)
	if !ok {
		s.mu.Unlock()
		return 0, defs.ENOMEM
	}
	intent.virt = chosen
	intent.reserved = true
	intent.fromFree = true
	return chosen, defs.EOK
}

// MappingEnd completes the protocol MappingStart began. errno is EOK on
// success (the reservation is kept) or any failure code, in which case a
// free-tracker-sourced reservation is returned to the tracker. The space
// lock taken by MappingStart is always released here.
func (s *Space) MappingEnd(intent *Intent, errno defs.Err_t) {
	defer s.mu.Unlock()
	if !intent.reserved {
		return
	}
	if errno != defs.EOK && intent.fromFree {
		s.free.Insert(intent.virt, intent.length)
		s.coalesceLocked()
	}
	intent.reserved = false
}

// reserveFromFreeLocked finds the first free extent (by ascending base
// address) that can satisfy length at the given alignment, splits it,
// and returns the chosen base. Must be called with s.mu held.
func (s *Space) reserveFromFreeLocked(length, align uintptr) (uintptr, bool) {
	if align == 0 {
		align = 1
	}
	var foundBase, foundLen uintptr
	found := false
	s.free.Each(func(base uintptr, ln uintptr) bool {
		aligned := (base + align - 1) &^ (align - 1)
		pad := aligned - base
		if ln >= pad+length {
			foundBase, foundLen = base, ln
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}
	s.free.Delete(foundBase)
	aligned := (foundBase + align - 1) &^ (align - 1)
	if aligned > foundBase {
		s.free.Insert(foundBase, aligned-foundBase)
	}
	tailBase := aligned + length
	tailLen := (foundBase + foundLen) - tailBase
	if tailLen > 0 {
		s.free.Insert(tailBase, tailLen)
	}
	return aligned, true
}

// coalesceLocked merges adjacent free extents after an insert. Simple
// O(n) pass; the free-region tracker is not expected to hold enough
// extents for this to matter, and only lookup needs to stay fast.
func (s *Space) coalesceLocked() {
	type ext struct{ base, length uintptr }
	var all []ext
	s.free.Each(func(base, length uintptr) bool {
		all = append(all, ext{base, length})
		return true
	})
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(all); i++ {
			for j := 0; j < len(all); j++ {
				if i == j {
					continue
				}
				if all[i].base+all[i].length == all[j].base {
					all[i].length += all[j].length
					all = append(all[:j], all[j+1:]...)
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
	}
	s.free = rbtree.New[uintptr, uintptr](less)
	for _, e := range all {
		s.free.Insert(e.base, e.length)
	}
}

// AllocCallback reserves a callback slot for a page-unmap notification,
// returning its id, or ENOSPC if the 128-slot table is full.
func (s *Space) AllocCallback(pageCount int, fn func(data any), data any) (int8, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.callbacks {
		if !s.callbacks[i].inUse {
			s.callbacks[i] = callbackSlot{inUse: true, pageCount: pageCount, fn: fn, data: data}
			return int8(i), defs.EOK
		}
	}
	return pagetable.CallbackNone, defs.ENOSPC
}

// FreeCallback releases a callback slot. The VMM calls this exactly once
// a callback's collected unmap count reaches its registered page count --
// when the last mapped page using that callback id is unmapped.
func (s *Space) FreeCallback(id int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == pagetable.CallbackNone || int(id) >= len(s.callbacks) {
		return
	}
	slot := s.callbacks[id]
	s.callbacks[id] = callbackSlot{}
	if slot.inUse && slot.fn != nil {
		slot.fn(slot.data)
	}
}

// CallbackPageCount returns the registered page count for id, used by
// the VMM's collect_callbacks bookkeeping to know when a callback has
// seen its last page.
func (s *Space) CallbackPageCount(id int8) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == pagetable.CallbackNone || int(id) >= len(s.callbacks) || !s.callbacks[id].inUse {
		return 0, false
	}
	return s.callbacks[id].pageCount, true
}

// UserPageCount returns the number of user-range pages currently backed
// by the free-region tracker's complement (i.e. mapped pages), computed
// by walking the page table over the user range.
func (s *Space) UserPageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for va := s.userMin; va < s.userMax; va += pmm.PageSize {
		if s.Table.IsMapped(va) {
			n++
		}
	}
	return n
}

// Lock/Unlock expose the space lock to the VMM, which
// the shootdown algorithm drives directly ("take the space lock").
func (s *Space) Lock()   { s.mu.Lock() }
func (s *Space) Unlock() { s.mu.Unlock() }
