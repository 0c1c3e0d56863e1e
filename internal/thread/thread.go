// Package thread defines the Thread type shared by the wait subsystem
// and scheduler: its state machine, the per-thread scheduling context,
// and the intrusive list entries both subsystems thread it through.
// Pulled out of the process/thread glue because both the wait subsystem
// and the scheduler need a concrete Thread to operate on, and Go has no
// forward-declared structs the way a split C header/source pair would.
package thread

import (
	"sync/atomic"
	"time"
	"unsafe"

	"patchwork/internal/defs"
	"patchwork/internal/util"
)

// State is a thread's scheduling state.
type State int32

const (
	Parked State = iota
	Ready
	Running
	PreBlock
	Blocked
	Unblocking
)

func (s State) String() string {
	switch s {
	case Parked:
		return "PARKED"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case PreBlock:
		return "PRE_BLOCK"
	case Blocked:
		return "BLOCKED"
	case Unblocking:
		return "UNBLOCKING"
	default:
		return "?"
	}
}

// SchedCtx is the per-thread scheduler context.
type SchedCtx struct {
	TimeSlice       time.Duration
	Deadline        time.Time
	ActualPriority  int
	RecentBlockTime time.Duration
	PrevBlockCheck  time.Time
	BasePriority    int
}

// Thread is a schedulable unit of execution.
type Thread struct {
	Tid   defs.Tid_t
	state atomic.Int32

	Sched SchedCtx

	// CPU is the logical CPU this thread is assigned to (for per-CPU
	// blocked lists and load balancing).
	CPU defs.CPU

	// WaitEntries links every wait.entry this thread currently sits in,
	// so cancel/commit/unblock can walk and remove them all.
	WaitEntries util.List

	// BlockedListEntry links this thread into its owning CPU's
	// deadline-ordered blocked list.
	BlockedListEntry util.ListEntry

	// RunQueueEntry links this thread into whichever scheduler run-queue
	// priority list currently holds it.
	RunQueueEntry util.ListEntry

	// NotePending marks an asynchronous signal delivery request; wait's
	// commit phase aborts with EINTR if this is set.
	NotePending atomic.Bool

	// Wake is the channel a parked goroutine representing this thread
	// receives its wait-completion error on. Buffered so a racing
	// unblocker/timeout never blocks trying to deliver it.
	Wake chan defs.Err_t
}

// FromBlockedEntry recovers the Thread whose BlockedListEntry field is
// e, the container-of idiom intrusive lists need to get back from a bare
// *util.ListEntry to its owning struct.
func FromBlockedEntry(e *util.ListEntry) *Thread {
	return (*Thread)(unsafe.Pointer(uintptr(unsafe.Pointer(e)) - unsafe.Offsetof(Thread{}.BlockedListEntry)))
}

// FromRunQueueEntry is RunQueueEntry's counterpart, used by the
// scheduler to recover a Thread popped off a priority run queue.
func FromRunQueueEntry(e *util.ListEntry) *Thread {
	return (*Thread)(unsafe.Pointer(uintptr(unsafe.Pointer(e)) - unsafe.Offsetof(Thread{}.RunQueueEntry)))
}

// New constructs a thread in the Parked state.
func New(tid defs.Tid_t, basePriority int) *Thread {
	t := &Thread{Tid: tid, Wake: make(chan defs.Err_t, 1)}
	t.Sched.BasePriority = basePriority
	t.Sched.ActualPriority = basePriority
	t.state.Store(int32(Parked))
	return t
}

// State returns the thread's current state.
func (t *Thread) State() State { return State(t.state.Load()) }

// SetState unconditionally sets the thread's state.
func (t *Thread) SetState(s State) { t.state.Store(int32(s)) }

// CAS atomically transitions from `from` to `to`, reporting success.
func (t *Thread) CAS(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}
