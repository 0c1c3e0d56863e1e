// Package vmm is the virtual memory manager: alloc/map/unmap/protect
// over an address space, driving the cross-CPU TLB shootdown protocol
// and the page-fault growth path. The mmap/munmap/mprotect trio and its
// cross-CPU invalidation are reworked onto internal/cpu.Bus for IPI
// delivery and github.com/cloudwego/gopkg/container/ring for the
// bounded per-CPU shootdown queue.
package vmm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/gopkg/container/ring"

	"patchwork/internal/addrspace"
	"patchwork/internal/config"
	"patchwork/internal/cpu"
	"patchwork/internal/defs"
	"patchwork/internal/pagetable"
	"patchwork/internal/pmm"
)

// AllocFlags control vmm.Alloc's behavior .
type AllocFlags uint32

const (
	// FailIfMapped errors with EEXIST if any target page is already
	// mapped, instead of the default unmap-with-shootdown-then-map.
	FailIfMapped AllocFlags = 1 << iota
	// Zero is accepted by Alloc but has no effect: frames carry no byte
	// storage in this model, so no memory is cleared (see Alloc).
	Zero
)

type shootdownRecord struct {
	space *addrspace.Space
	virt  uintptr
	n     int
}

// shootdownQueue is a bounded per-CPU queue of pending TLB invalidation
// records, backed by a preallocated github.com/cloudwego/gopkg/container/ring
// slice; we add head/tail/count bookkeeping on top since ring.Ring only
// gives index access, not queue semantics (DESIGN.md).
type shootdownQueue struct {
	mu    sync.Mutex
	items *ring.Ring[shootdownRecord]
	head  int
	count int
}

func newShootdownQueue(capacity int) *shootdownQueue {
	return &shootdownQueue{items: ring.NewFromSlice(make([]shootdownRecord, capacity))}
}

// push appends a record, reporting false if the queue is already full.
// The queue is bounded by design; overflow is fatal, so the caller
// panics on false.
func (q *shootdownQueue) push(r shootdownRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count >= q.items.Len() {
		return false
	}
	slot := (q.head + q.count) % q.items.Len()
	it, _ := q.items.Get(slot)
	*it.Pointer() = r
	q.count++
	return true
}

// drainAll removes and returns every queued record.
func (q *shootdownQueue) drainAll() []shootdownRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]shootdownRecord, 0, q.count)
	for i := 0; i < q.count; i++ {
		it, _ := q.items.Get((q.head + i) % q.items.Len())
		out = append(out, it.Value())
	}
	q.head = (q.head + q.count) % q.items.Len()
	q.count = 0
	return out
}

// Manager coordinates the VMM across every modeled CPU: the IPI bus, the
// per-CPU shootdown queues, and the physical allocator every space's
// frames come from.
type Manager struct {
	alloc      *pmm.Allocator
	bus        *cpu.Bus
	shootdowns *cpu.Table[*shootdownQueue]
	cfg        *config.Boot_t
	kernel     *addrspace.Space
}

// NewManager constructs a VMM over alloc, wiring one shootdown IPI
// handler per modeled CPU onto bus. kernelSpace is returned by Alloc
// et al. whenever the caller passes a nil space.
func NewManager(alloc *pmm.Allocator, bus *cpu.Bus, cfg *config.Boot_t, kernelSpace *addrspace.Space) *Manager {
	m := &Manager{
		alloc:      alloc,
		bus:        bus,
		shootdowns: cpu.NewTable[*shootdownQueue](cfg.NumCPU),
		cfg:        cfg,
		kernel:     kernelSpace,
	}
	for i := 0; i < cfg.NumCPU; i++ {
		*m.shootdowns.At(defs.CPU(i)) = newShootdownQueue(cfg.MaxShootdownRequests)
	}
	for i := 0; i < cfg.NumCPU; i++ {
		id := defs.CPU(i)
		bus.Handle(id, cpu.VectorTLBShootdown, func() { m.handleShootdownIPI(id) })
	}
	return m
}

// handleShootdownIPI is each sibling CPU's IPI handler: drain its
// shootdown list, invalidate (here: a no-op -- the pagetable entries
// were already rewritten by the initiator before the IPI was sent) and
// bump the initiating space's ack counter once per record. The space
// each record belongs to is threaded through via the record itself.
func (m *Manager) handleShootdownIPI(id defs.CPU) {
	q := *m.shootdowns.At(id)
	for _, rec := range q.drainAll() {
		// TLB invalidation for [rec.virt, rec.virt+rec.n*PageSize) is a
		// hardware no-op in this model; only the ack needs to happen.
		atomic.AddInt32(&rec.space.ShootdownAcks, 1)
	}
}

func space(m *Manager, s *addrspace.Space) *addrspace.Space {
	if s == nil {
		return m.kernel
	}
	return s
}

// shootdown executes the TLB shootdown algorithm: reset the ack
// counter, queue a record per other CPU currently running in this space,
// deliver an IPI to each, and spin until every ack lands or the timeout
// elapses. Assumes the page-table entries in [virt, virt+n*PageSize)
// have already been rewritten to their new state by the caller, under
// the space lock the caller still holds.
func (m *Manager) shootdown(s *addrspace.Space, self defs.CPU, virt uintptr, n int) {
	targets := make([]defs.CPU, 0, len(s.CPUs))
	for c := range s.CPUs {
		if c != self {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return // single-CPU fast path: no IPI, no ack wait
	}

	atomic.StoreInt32(&s.ShootdownAcks, 0)
	for _, c := range targets {
		q := *m.shootdowns.At(c)
		if !q.push(shootdownRecord{space: s, virt: virt, n: n}) {
			panic("vmm: shootdown queue overflow")
		}
	}
	for _, c := range targets {
		m.bus.Send(c, cpu.VectorTLBShootdown)
	}

	deadline := time.Now().Add(m.cfg.ShootdownAckTimeout)
	expected := int32(len(targets))
	for {
		if acksLoaded(s) >= expected {
			break
		}
		if time.Now().After(deadline) {
			panic("vmm: TLB shootdown ack timeout")
		}
	}
}

// acksLoaded reads the ack counter. Bus.Send runs each sibling's handler
// on its own goroutine, so two handlers can race to increment the same
// space's counter concurrently; the field is only ever touched through
// atomic load/add/store.
func acksLoaded(s *addrspace.Space) int32 { return atomic.LoadInt32(&s.ShootdownAcks) }

func pageCount(length uintptr) int { return int((length + pmm.PageSize - 1) / pmm.PageSize) }

// Alloc allocates length bytes (rounded up to pages) of fresh physical
// memory, frames stamped OWNED, and maps them into space at virt (or a
// tracker-chosen address if virt==0).
func (m *Manager) Alloc(s *addrspace.Space, virt uintptr, length uintptr, align uintptr, prot pagetable.Flags, flags AllocFlags) (uintptr, defs.Err_t) {
	s = space(m, s)
	n := pageCount(length)

	var intent addrspace.Intent
	chosen, err := s.MappingStart(&intent, virt, length, align)
	if err != defs.EOK {
		return 0, err
	}
	defer func() { s.MappingEnd(&intent, err) }()

	if flags&FailIfMapped != 0 {
		if found, ok := s.Table.FindFirstMappedPage(chosen, chosen+length); ok {
			_ = found
			err = defs.EEXIST
			return 0, err
		}
	} else if _, ok := s.Table.FindFirstMappedPage(chosen, chosen+length); ok {
		m.unmapLocked(s, chosen, n)
	}

	frames := make([]pmm.Frame, n)
	if e := m.alloc.AllocPages(frames, n); e != defs.EOK {
		err = e
		return 0, err
	}
	// Zero is a documented no-op here: this model's pmm.Allocator tracks
	// frame accounting only and has no addressable byte storage behind a
	// Frame the way a real direct-mapped kernel window would (the
	// VMM_ZERO semantics are about *when* zeroing happens relative to
	// mapping, which this preserves -- frames are reserved before the
	// caller can observe them -- the actual byte-clear has nothing to
	// clear in this representation).
	if e := s.Table.MapPages(chosen, frames, prot|pagetable.Owned, pagetable.CallbackNone); e != defs.EOK {
		m.alloc.FreePages(frames)
		err = e
		return 0, err
	}
	err = defs.EOK
	return chosen, defs.EOK
}

// Map installs a single mapping of n pages starting at phys into space
// at virt (or a tracker-chosen address), registering cbFn/cbData as an
// unmap-completion callback if cbFn is non-nil.
func (m *Manager) Map(s *addrspace.Space, virt uintptr, phys pmm.Frame, length uintptr, flags pagetable.Flags, cbFn func(data any), cbData any) (uintptr, defs.Err_t) {
	s = space(m, s)
	n := pageCount(length)

	var intent addrspace.Intent
	chosen, err := s.MappingStart(&intent, virt, length, 0)
	if err != defs.EOK {
		return 0, err
	}
	defer func() { s.MappingEnd(&intent, err) }()

	if _, ok := s.Table.FindFirstMappedPage(chosen, chosen+length); ok {
		m.unmapLocked(s, chosen, n)
	}

	cbid := pagetable.CallbackNone
	if cbFn != nil {
		id, e := s.AllocCallback(n, cbFn, cbData)
		if e != defs.EOK {
			err = e
			return 0, err
		}
		cbid = id
	}
	if e := s.Table.Map(chosen, phys, n, flags, cbid); e != defs.EOK {
		if cbid != pagetable.CallbackNone {
			s.FreeCallback(cbid)
		}
		err = e
		return 0, err
	}
	err = defs.EOK
	return chosen, defs.EOK
}

// MapPages is Map's non-contiguous-physical-frames counterpart.
func (m *Manager) MapPages(s *addrspace.Space, virt uintptr, phys []pmm.Frame, flags pagetable.Flags, cbFn func(data any), cbData any) (uintptr, defs.Err_t) {
	s = space(m, s)
	length := uintptr(len(phys)) * pmm.PageSize

	var intent addrspace.Intent
	chosen, err := s.MappingStart(&intent, virt, length, 0)
	if err != defs.EOK {
		return 0, err
	}
	defer func() { s.MappingEnd(&intent, err) }()

	if _, ok := s.Table.FindFirstMappedPage(chosen, chosen+length); ok {
		m.unmapLocked(s, chosen, len(phys))
	}

	cbid := pagetable.CallbackNone
	if cbFn != nil {
		id, e := s.AllocCallback(len(phys), cbFn, cbData)
		if e != defs.EOK {
			err = e
			return 0, err
		}
		cbid = id
	}
	if e := s.Table.MapPages(chosen, phys, flags, cbid); e != defs.EOK {
		if cbid != pagetable.CallbackNone {
			s.FreeCallback(cbid)
		}
		err = e
		return 0, err
	}
	err = defs.EOK
	return chosen, defs.EOK
}

// unmapLocked performs steps 1-6 of the TLB shootdown algorithm for n
// pages starting at virt, called with the space already selected
// (MappingStart took its lock, or the caller is Unmap/Protect which take
// it directly).
func (m *Manager) unmapLocked(s *addrspace.Space, virt uintptr, n int) {
	var counters [128]int
	s.Table.CollectCallbacks(virt, n, counters[:])

	var owned []pmm.Frame
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*pmm.PageSize
		if e, ok := s.Table.Entry(va); ok && e.Flags&pagetable.Owned != 0 {
			owned = append(owned, e.Frame)
		}
	}

	s.Table.Unmap(virt, n)
	m.shootdown(s, callerCPU, virt, n)

	if len(owned) > 0 {
		m.alloc.FreePages(owned)
	}

	for id, cnt := range counters {
		if cnt == 0 {
			continue
		}
		if total, ok := s.CallbackPageCount(int8(id)); ok {
			total -= cnt
			if total <= 0 {
				s.FreeCallback(int8(id))
			}
		}
	}
}

// callerCPU is the logical CPU issuing the current shootdown. Real
// hardware reads this from a CPU-local register; here it is supplied by
// SetCallerCPU for the single-threaded/test driver to control which CPU
// is "self" for the purposes of excluding it from the IPI fan-out.
var callerCPU defs.CPU

// SetCallerCPU sets the logical CPU id the VMM attributes subsequent
// operations to. Tests driving multiple simulated CPUs call this before
// each operation to pick which CPU is "self".
func SetCallerCPU(id defs.CPU) { callerCPU = id }

// Unmap removes n pages' worth of mappings starting at virt, shooting
// down any sibling CPU's TLB and freeing OWNED frames once the shootdown
// completes. No-op over already-absent pages.
func (m *Manager) Unmap(s *addrspace.Space, virt uintptr, length uintptr) {
	s = space(m, s)
	s.Lock()
	defer s.Unlock()
	m.unmapLocked(s, virt, pageCount(length))
}

// Protect changes the protection flags over [virt, virt+length).
// Protecting with Present cleared is unmap's equivalent.
func (m *Manager) Protect(s *addrspace.Space, virt uintptr, length uintptr, flags pagetable.Flags) {
	s = space(m, s)
	n := pageCount(length)
	if flags&pagetable.Present == 0 {
		m.Unmap(s, virt, length)
		return
	}
	s.Lock()
	defer s.Unlock()
	s.Table.SetFlags(virt, n, flags)
	m.shootdown(s, callerCPU, virt, n)
}

// StackRange describes a thread's growable stack extent, supplied by the
// caller so the VMM's page-fault path can decide whether a fault is
// stack growth without importing the process/thread package.
type StackRange struct {
	Base    uintptr
	Current uintptr // current low watermark; grows downward
	Limit   uintptr // lowest address the stack may grow to
}

// PageFault implements the page-fault path: a user fault inside the
// current thread's user-stack range grows the stack; a kernel-mode fault
// inside the kernel-stack range grows that stack; otherwise EFAULT.
// Growth allocates one new page with FailIfMapped to race-safely handle
// concurrent growth from another CPU.
func (m *Manager) PageFault(s *addrspace.Space, faultAddr uintptr, userMode bool, userStack, kernelStack *StackRange) defs.Err_t {
	grow := func(r *StackRange) defs.Err_t {
		if r == nil || faultAddr < r.Limit || faultAddr >= r.Base {
			return defs.EFAULT
		}
		pageAddr := faultAddr &^ (pmm.PageSize - 1)
		_, err := m.Alloc(s, pageAddr, pmm.PageSize, pmm.PageSize, pagetable.Present|pagetable.Write, FailIfMapped)
		if err == defs.EEXIST {
			// Another CPU already grew this page; not a fault.
			return defs.EOK
		}
		if err != defs.EOK {
			return err
		}
		r.Current = pageAddr
		return defs.EOK
	}
	if userMode {
		return grow(userStack)
	}
	return grow(kernelStack)
}
