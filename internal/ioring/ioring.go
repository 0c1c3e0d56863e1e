// Package ioring implements the async I/O ring engine layered on top of
// internal/irp: submission/completion queues, the register-load/store
// protocol SQE_LOAD/SQE_SAVE selectors drive, and LINK/HARDLINK chain
// dispatch (grounding details in DESIGN.md). Verb dispatch is an
// injected registry (`RegisterVerb`) rather than a fixed verb set, the
// same way the AML namespace pushes filesystem/sysfs concerns out
// through an injected `Exposer`.
package ioring

import (
	"sync"
	"sync/atomic"
	"time"

	"patchwork/internal/config"
	"patchwork/internal/defs"
	"patchwork/internal/irp"
)

// CQE is one completion queue entry.
type CQE struct {
	UserData uint64
	Result   int64
	Errno    defs.Err_t
}

// VerbFunc executes a submitted operation. It runs synchronously with
// respect to the caller of Enter's dispatch step; long-running verbs are
// expected to register a cancel callback via irp.SetCancel and complete
// asynchronously by calling Ring.Complete from elsewhere.
type VerbFunc func(m *Manager, r *Ring, req *irp.IRP) defs.Err_t

// Manager owns the verb registry and the IRP pool every ring submits
// into.
type Manager struct {
	pool  *irp.Pool
	verbs map[uint32]VerbFunc
	mu    sync.RWMutex
}

// NewManager builds a ring manager backed by an IRP pool of the given
// capacity.
func NewManager(cfg *config.Boot_t, capacity int, onDrained func()) *Manager {
	return &Manager{
		pool:  irp.NewPool(capacity, cfg.IRPLocationMax, onDrained),
		verbs: make(map[uint32]VerbFunc),
	}
}

// RegisterVerb installs the handler for opcode, overwriting any prior
// registration.
func (m *Manager) RegisterVerb(opcode uint32, fn VerbFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verbs[opcode] = fn
}

func (m *Manager) verb(opcode uint32) (VerbFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.verbs[opcode]
	return fn, ok
}

// Ring is one submission/completion ring: a fixed submission buffer, a
// fixed completion buffer, and a register scratch file SQE_LOAD/SQE_SAVE
// read and write.
type Ring struct {
	mgr *Manager

	mu   sync.Mutex
	sq   []irp.SQE
	sTail int
	sHead int

	cq    []CQE
	cHead int
	cTail int

	regs []uint64

	busy atomic.Bool

	waiters chan struct{} // closed-and-replaced broadcast on new completions
}

// NewRing constructs a ring with the given submission/completion depth,
// backed by mgr's IRP pool.
func NewRing(mgr *Manager, cfg *config.Boot_t, depth int) *Ring {
	return &Ring{
		mgr:     mgr,
		sq:      make([]irp.SQE, depth),
		cq:      make([]CQE, depth),
		regs:    make([]uint64, cfg.SQERegsMax),
		waiters: make(chan struct{}),
	}
}

// LoadRegs overwrites the register scratch file. Callers obtain this via
// whatever memory-mapping surface backs the ring; ioring itself is
// agnostic to how the bytes got there.
func (r *Ring) LoadRegs(vals []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.regs, vals)
}

func (r *Ring) selectedArgs(sel uint32) [5]uint64 {
	var out [5]uint64
	bit := uint32(0)
	n := 0
	for i := range r.regs {
		if sel&(1<<bit) != 0 && n < len(out) {
			out[n] = r.regs[i]
			n++
		}
		bit++
	}
	return out
}

func (r *Ring) storeRegs(sel uint32, result int64) {
	bit := uint32(0)
	for i := range r.regs {
		if sel&(1<<bit) != 0 {
			r.regs[i] = uint64(result)
			break
		}
		bit++
	}
}

// Push appends sqe to the submission queue, reporting false if full.
func (r *Ring) Push(sqe irp.SQE) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sTail-r.sHead >= len(r.sq) {
		return false
	}
	r.sq[r.sTail%len(r.sq)] = sqe
	r.sTail++
	return true
}

// Enter drains pending submission entries and dispatches each, following
// the six-step ring-notify path: (1) CAS the BUSY flag so only one
// notifier drains at a time, (2) pop a run of SQEs chained by
// SQE_LINK/SQE_HARDLINK, (3) allocate and chain their IRPs up front so
// every ChainNext link exists before any of them runs, (4) load selected
// registers if SQE_LOAD is set, (5) dispatch each to its verb handler in
// order, stopping (cancelling the remainder) on a synchronous LINK
// failure, (6) release BUSY. Returns the number of SQEs processed:
// dispatched to a verb or cancelled as the remainder of a failed LINK
// chain.
func (r *Ring) Enter() (int, defs.Err_t) {
	if !r.busy.CompareAndSwap(false, true) {
		return 0, defs.EBUSY
	}
	defer r.busy.Store(false)

	dispatched := 0
	for {
		group, ok := r.popChainGroup()
		if !ok {
			break
		}
		n, err := r.dispatchGroup(group)
		dispatched += n
		if err != defs.EOK {
			return dispatched, err
		}
	}
	return dispatched, defs.EOK
}

// popChainGroup pops one SQE, and then continues popping while the
// previously popped entry had SQE_LINK or SQE_HARDLINK set, so a whole
// linked run is returned together.
func (r *Ring) popChainGroup() ([]irp.SQE, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sHead >= r.sTail {
		return nil, false
	}
	var group []irp.SQE
	for r.sHead < r.sTail {
		sqe := r.sq[r.sHead%len(r.sq)]
		r.sHead++
		group = append(group, sqe)
		if sqe.Flags&(irp.SQELink|irp.SQEHardlink) == 0 {
			break
		}
	}
	return group, true
}

// dispatchGroup allocates and chains an IRP per SQE in group, then runs
// each verb in order. A synchronous non-EOK completion on a SQE_LINK
// (not SQE_HARDLINK) entry cancels every remaining entry in the group
// without dispatching its verb.
func (r *Ring) dispatchGroup(group []irp.SQE) (int, defs.Err_t) {
	reqs := make([]*irp.IRP, len(group))
	for i, sqe := range group {
		req, ok := r.mgr.pool.New(nil)
		if !ok {
			for _, prior := range reqs[:i] {
				if prior != nil {
					r.mgr.pool.Free(prior)
				}
			}
			return i, defs.ENOSPC
		}
		req.Args = sqe.Args
		if sqe.Flags&irp.SQELoad != 0 {
			r.mu.Lock()
			req.Args = r.selectedArgs(sqe.RegSelect)
			r.mu.Unlock()
		}
		req.Hardlink = sqe.Flags&irp.SQEHardlink != 0
		ringSQE := sqe
		req.PushLocation(func(done *irp.IRP, errno defs.Err_t) {
			r.finishOne(done, ringSQE, errno)
		}, nil)
		reqs[i] = req
	}
	for i := 0; i < len(reqs)-1; i++ {
		reqs[i].ChainNext = reqs[i+1]
	}

	dispatched := 0
	for i, req := range reqs {
		var err defs.Err_t
		if fn, ok := r.mgr.verb(group[i].Opcode); ok {
			err = fn(r.mgr, r, req)
			if err != defs.EOK && err != defs.EAGAIN {
				req.Complete(err)
			}
		} else {
			err = defs.ENOSYS
			req.Complete(err)
		}
		dispatched++

		failed := err != defs.EOK && err != defs.EAGAIN
		if failed && !req.Hardlink && req.ChainNext != nil {
			cancelRest(reqs[i+1:])
			dispatched += len(reqs) - i - 1
			break
		}
	}
	return dispatched, defs.EOK
}

// cancelRest completes every not-yet-dispatched member of a chain group
// with ECANCELED. Their verbs never ran, so none has a cancel callback
// registered yet -- RequestCancel would just set the sentinel and never
// drive Complete, leaking the IRP. Complete is what actually runs
// finishOne and frees it.
func cancelRest(reqs []*irp.IRP) {
	for _, req := range reqs {
		req.Complete(defs.ECANCELED)
	}
}

// finishOne runs the completion half of one dispatched SQE: store
// registers if requested, bump the completion tail (panicking on
// overflow -- a completion queue overrun is a kernel programming error,
// not a recoverable condition), write the CQE, broadcast to waiters,
// free the IRP, and, on a failure of a non-HARDLINK entry, request
// cancellation of the next link in the chain. Dispatching the next link
// is left to dispatchGroup.
func (r *Ring) finishOne(req *irp.IRP, sqe irp.SQE, errno defs.Err_t) {
	result := req.Result
	r.mu.Lock()
	if sqe.Flags&irp.SQESave != 0 {
		r.storeRegs(sqe.RegSelect, result)
	}
	if r.cTail-r.cHead >= len(r.cq) {
		r.mu.Unlock()
		panic("ioring: completion queue overflow")
	}
	r.cq[r.cTail%len(r.cq)] = CQE{UserData: sqe.UserData, Result: result, Errno: errno}
	r.cTail++
	w := r.waiters
	r.waiters = make(chan struct{})
	r.mu.Unlock()
	close(w)

	next := req.ChainNext
	r.mgr.pool.Free(req)

	if next == nil {
		return
	}
	if errno != defs.EOK && !req.Hardlink {
		next.RequestCancel(defs.ECANCELED)
		return
	}
}

// Complete finishes req's current location layer with errno, driving
// its IRP location stack forward. If the IRP is now fully complete, it
// is freed by the layer finishOne installed at submit time.
func (r *Ring) Complete(req *irp.IRP, result int64, errno defs.Err_t) {
	req.Result = result
	req.Complete(errno)
}

// PopCompletion pops the oldest completion entry, reporting ok=false if
// the completion queue is empty.
func (r *Ring) PopCompletion() (CQE, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cHead >= r.cTail {
		return CQE{}, false
	}
	cqe := r.cq[r.cHead%len(r.cq)]
	r.cHead++
	return cqe, true
}

// WaitCompletion blocks until either a new completion is posted or
// timeout elapses, returning false on timeout. timeout <= 0 waits
// forever.
func (r *Ring) WaitCompletion(timeout time.Duration) bool {
	r.mu.Lock()
	if r.cHead < r.cTail {
		r.mu.Unlock()
		return true
	}
	w := r.waiters
	r.mu.Unlock()

	if timeout <= 0 {
		<-w
		return true
	}
	select {
	case <-w:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Teardown cancels every IRP still outstanding against the ring's
// manager and reports whether the pool fully drained -- the
// irp_pool_cancel_all followed by an ENOT_CANCELLABLE-equivalent check.
// There is no ENOT_CANCELLABLE code in this module's error taxonomy;
// callers that need the distinction check the returned bool and
// synthesize whatever errno their syscall boundary uses.
func (r *Ring) Teardown(deadline time.Time) bool {
	r.mgr.pool.CancelAll(defs.ECANCELED)
	for time.Now().Before(deadline) {
		if r.mgr.pool.Used() == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return r.mgr.pool.Used() == 0
}
