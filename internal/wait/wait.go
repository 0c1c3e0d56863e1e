// Package wait is the blocking/wait subsystem: wait queues, the
// three-phase setup/commit/cancel blocking protocol, unblock, and
// per-CPU timeout handling, generalized from a simple condvar-like
// sleep/wakeup pair to a richer multi-queue, cancellable, timeout-aware
// protocol (grounding details in DESIGN.md).
//
// Threads are modeled as goroutines (the same substrate internal/cpu
// uses for CPUs): a thread that blocks parks its goroutine on a
// buffered channel, which Unblock or the timeout path sends to. This is
// the idiomatic Go rendering of "switch away from a blocked thread",
// which a host process cannot otherwise do.
package wait

import (
	"sync"
	"time"
	"unsafe"

	"patchwork/internal/cpu"
	"patchwork/internal/defs"
	"patchwork/internal/thread"
	"patchwork/internal/util"
)

// Forever is the Setup/waitBlockLoop sentinel meaning "block with no
// deadline". It is distinct from a timeout of exactly 0: a 0 timeout
// has a real deadline (already passed) and returns ETIMEDOUT
// immediately if cond is false, where Forever never times out.
const Forever time.Duration = -1

// Queue is a wait queue: threads block on one or more queues at once
// (e.g. a futex queue, an IRP completion queue).
type Queue struct {
	mu   sync.Mutex
	list util.List
}

// NewQueue constructs an empty wait queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.list.Init()
	return q
}

// Deinit clears the queue. Callers must ensure no thread is linked into
// it first; deiniting a non-empty queue leaves those threads' entries
// dangling.
func (q *Queue) Deinit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.Init()
}

// entry links one thread into one queue for the duration of a block.
type entry struct {
	th         *thread.Thread
	q          *Queue
	qLink      util.ListEntry
	threadLink util.ListEntry
}

func entryFromQLink(e *util.ListEntry) *entry {
	return (*entry)(unsafe.Pointer(uintptr(unsafe.Pointer(e)) - unsafe.Offsetof(entry{}.qLink)))
}

func entryFromThreadLink(e *util.ListEntry) *entry {
	return (*entry)(unsafe.Pointer(uintptr(unsafe.Pointer(e)) - unsafe.Offsetof(entry{}.threadLink)))
}

// Block is the handle Setup returns and Commit/Cancel consume.
type Block struct {
	th         *thread.Thread
	entries    []*entry
	hasTimeout bool
	timeout    time.Duration
}

// Pusher is the scheduler's run-queue push operation, injected so this
// package never imports internal/sched (sched.WaitPusher implements it).
type Pusher interface {
	Push(th *thread.Thread)
}

type cpuState struct {
	mu      sync.Mutex
	blocked util.List // ordered by Thread.Sched.Deadline, ascending
}

func threadFromBlockedLink(e *util.ListEntry) *thread.Thread {
	return thread.FromBlockedEntry(e)
}

// Subsystem owns the per-CPU blocked-thread lists and the scheduler hook
// unblock pushes woken threads to.
type Subsystem struct {
	cpus    *cpu.Table[*cpuState]
	pusher  Pusher
}

// NewSubsystem constructs a wait subsystem sized for numCPU logical
// CPUs. SetPusher must be called once the scheduler exists (the two are
// mutually referential; this breaks the initialization cycle).
func NewSubsystem(numCPU int) *Subsystem {
	s := &Subsystem{cpus: cpu.NewTable[*cpuState](numCPU)}
	for i := 0; i < numCPU; i++ {
		cs := &cpuState{}
		cs.blocked.Init()
		*s.cpus.At(defs.CPU(i)) = cs
	}
	return s
}

// SetPusher wires the scheduler's Push as the unblock destination.
func (s *Subsystem) SetPusher(p Pusher) { s.pusher = p }

// Setup allocates one wait entry per queue, links th into each queue and
// into th's own entries list, and moves th to PRE_BLOCK. Go's GC makes a
// hard allocation-failure path unreachable, so there is no
// teardown-on-alloc-failure branch here (noted in DESIGN.md).
//
// timeout is Forever for an untimed block, or any other duration
// (including 0) for a real deadline; 0 means the deadline has already
// passed.
func (s *Subsystem) Setup(th *thread.Thread, queues []*Queue, timeout time.Duration) *Block {
	if th.Wake == nil {
		th.Wake = make(chan defs.Err_t, 1)
	}
	b := &Block{th: th}
	if timeout != Forever {
		b.hasTimeout = true
		b.timeout = timeout
	}
	for _, q := range queues {
		e := &entry{th: th, q: q}
		q.mu.Lock()
		q.list.PushBack(&e.qLink)
		q.mu.Unlock()
		th.WaitEntries.PushBack(&e.threadLink)
		b.entries = append(b.entries, e)
	}
	th.SetState(thread.PreBlock)
	return b
}

// teardown unlinks every entry Setup created, from both its queue and
// the thread's entries list.
func (s *Subsystem) teardown(b *Block) {
	for _, e := range b.entries {
		e.q.mu.Lock()
		if e.qLink.InList() {
			e.q.list.Remove(&e.qLink)
		}
		e.q.mu.Unlock()
		if e.threadLink.InList() {
			b.th.WaitEntries.Remove(&e.threadLink)
		}
	}
}

// Cancel is the symmetric teardown for a setup that never commits.
func (s *Subsystem) Cancel(b *Block) {
	s.teardown(b)
	b.th.SetState(thread.Ready)
}

// BlockFinalize inserts th into selfCPU's deadline-ordered blocked list
// and CAS-transitions PRE_BLOCK->BLOCKED. If a racing unblocker already
// set UNBLOCKING, finalize returns false (early unblock) and does not
// touch the blocked list. Called by Commit.
func (s *Subsystem) BlockFinalize(selfCPU defs.CPU, th *thread.Thread, deadline time.Time) bool {
	if th.NotePending.Load() {
		return false
	}
	cs := *s.cpus.At(selfCPU)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !th.CAS(thread.PreBlock, thread.Blocked) {
		return false
	}
	th.Sched.Deadline = deadline
	insertByDeadline(&cs.blocked, th)
	return true
}

// insertByDeadline keeps l sorted by ascending deadline. util.List has
// no insert-before primitive, so every entry with a later deadline is
// unlinked and re-appended after th.
func insertByDeadline(l *util.List, th *thread.Thread) {
	var later []*util.ListEntry
	for e := l.Front(); e != nil; {
		next := l.Next(e)
		if threadFromBlockedLink(e).Sched.Deadline.After(th.Sched.Deadline) {
			l.Remove(e)
			later = append(later, e)
		}
		e = next
	}
	l.PushBack(&th.BlockedListEntry)
	for _, e := range later {
		l.PushBack(e)
	}
}

// Commit runs phases 2-3 inline: if a note is pending, cancels and
// returns EINTR. Otherwise finalizes; on an early-unblock race, returns
// immediately with the race winner's error. Otherwise parks the calling
// goroutine on the block's wake channel (or a timer, if a timeout was
// set), returning the eventual wake error.
func (s *Subsystem) Commit(b *Block, selfCPU defs.CPU) defs.Err_t {
	if b.th.NotePending.Load() {
		s.Cancel(b)
		return defs.EINTR
	}
	deadline := time.Time{}
	if b.hasTimeout {
		deadline = time.Now().Add(b.timeout)
	} else {
		deadline = time.Now().Add(365 * 24 * time.Hour) // effectively unbounded
	}
	if !s.BlockFinalize(selfCPU, b.th, deadline) {
		if b.th.State() == thread.PreBlock {
			// A note arrived after the check above; no unblocker ran.
			s.Cancel(b)
			return defs.EINTR
		}
		s.teardown(b)
		return <-b.th.Wake
	}
	if b.hasTimeout {
		select {
		case err := <-b.th.Wake:
			return err
		case <-time.After(b.timeout):
			s.timeoutOne(selfCPU, b)
			return defs.ETIMEDOUT
		}
	}
	return <-b.th.Wake
}

func (s *Subsystem) timeoutOne(selfCPU defs.CPU, b *Block) {
	if !b.th.CAS(thread.Blocked, thread.Unblocking) {
		return
	}
	cs := *s.cpus.At(selfCPU)
	cs.mu.Lock()
	if b.th.BlockedListEntry.InList() {
		cs.blocked.Remove(&b.th.BlockedListEntry)
	}
	cs.mu.Unlock()
	s.teardown(b)
	if s.pusher != nil {
		s.pusher.Push(b.th)
	}
}

// Unblock pops up to k entries from q (k<0 means all) and wakes their
// threads with err. Returns the number of threads actually unblocked.
func (s *Subsystem) Unblock(q *Queue, k int, err defs.Err_t) int {
	q.mu.Lock()
	var picked []*entry
	for e := q.list.Front(); e != nil; {
		next := q.list.Next(e)
		if k >= 0 && len(picked) >= k {
			break
		}
		picked = append(picked, entryFromQLink(e))
		e = next
	}
	woken := 0
	for _, ent := range picked {
		th := ent.th
		if !th.CAS(thread.Blocked, thread.Unblocking) && !th.CAS(thread.PreBlock, thread.Unblocking) {
			continue
		}
		q.list.Remove(&ent.qLink)
		woken++
		s.finishUnblockLocked(th, ent, err)
	}
	q.mu.Unlock()
	return woken
}

// finishUnblockLocked removes th from every other queue it sits in and
// from its owning CPU's blocked list, then wakes it. Called with the
// originating queue's lock held; other queues are acquired in turn,
// matching the "remove from all other queues the thread sits in
// under each queue's lock" (the originating queue is simply one of
// those, already locked by the caller).
func (s *Subsystem) finishUnblockLocked(th *thread.Thread, skip *entry, err defs.Err_t) {
	for e := th.WaitEntries.Front(); e != nil; {
		next := th.WaitEntries.Next(e)
		other := entryFromThreadLink(e)
		if other != skip {
			other.q.mu.Lock()
			if other.qLink.InList() {
				other.q.list.Remove(&other.qLink)
			}
			other.q.mu.Unlock()
		}
		th.WaitEntries.Remove(&other.threadLink)
		e = next
	}
	cs := *s.cpus.At(th.CPU)
	cs.mu.Lock()
	if th.BlockedListEntry.InList() {
		cs.blocked.Remove(&th.BlockedListEntry)
	}
	cs.mu.Unlock()
	if s.pusher != nil {
		s.pusher.Push(th)
	}
	select {
	case th.Wake <- err:
	default:
	}
}

// UnblockThread wakes a single specific thread directly (the
// wait_unblock_thread), e.g. note delivery interrupting a blocked wait.
func (s *Subsystem) UnblockThread(th *thread.Thread, err defs.Err_t) bool {
	if !th.CAS(thread.Blocked, thread.Unblocking) && !th.CAS(thread.PreBlock, thread.Unblocking) {
		return false
	}
	s.finishUnblockLocked(th, nil, err)
	return true
}

// CheckTimeouts pops every thread on selfCPU's blocked list whose
// deadline has passed, transitions it BLOCKED->UNBLOCKING, tears down
// its wait entries, and pushes it to the scheduler with ETIMEDOUT.
// Present for explicit/test-driven timeout processing in addition to
// Commit's own per-block timer.
func (s *Subsystem) CheckTimeouts(selfCPU defs.CPU, now time.Time) int {
	cs := *s.cpus.At(selfCPU)
	cs.mu.Lock()
	var expired []*thread.Thread
	for e := cs.blocked.Front(); e != nil; {
		next := cs.blocked.Next(e)
		th := threadFromBlockedLink(e)
		if th.Sched.Deadline.After(now) {
			break
		}
		expired = append(expired, th)
		cs.blocked.Remove(e)
		e = next
	}
	cs.mu.Unlock()
	for _, th := range expired {
		if !th.CAS(thread.Blocked, thread.Unblocking) {
			continue
		}
		s.finishUnblockLocked(th, nil, defs.ETIMEDOUT)
	}
	return len(expired)
}

// WaitBlock is the Go rendering of the WAIT_BLOCK(q, cond) convenience
// macro: loop { if cond() return EOK; setup; commit; recheck cond }.
// Go has no macros, so cond is a closure and the calling thread is
// passed explicitly (a reference kernel itself threads *Thread_t through most of
// its proc code rather than relying on an implicit "current").
func (s *Subsystem) WaitBlock(th *thread.Thread, selfCPU defs.CPU, q *Queue, cond func() bool) defs.Err_t {
	return s.waitBlockLoop(th, selfCPU, []*Queue{q}, cond, Forever)
}

// WaitBlockTimeout is WAIT_BLOCK_TIMEOUT(q, cond, t). A timeout of 0
// returns ETIMEDOUT immediately if cond is false, rather than blocking
// forever; pass Forever for the untimed form instead.
func (s *Subsystem) WaitBlockTimeout(th *thread.Thread, selfCPU defs.CPU, q *Queue, cond func() bool, timeout time.Duration) defs.Err_t {
	return s.waitBlockLoop(th, selfCPU, []*Queue{q}, cond, timeout)
}

// WaitBlockLock is WAIT_BLOCK_LOCK(q, lock, cond): releases lock before
// blocking and reacquires it before recheck/return, per the
// release-before-block / reacquire-after-wake protocol.
func (s *Subsystem) WaitBlockLock(th *thread.Thread, selfCPU defs.CPU, q *Queue, lock *sync.Mutex, cond func() bool) defs.Err_t {
	for {
		if cond() {
			return defs.EOK
		}
		b := s.Setup(th, []*Queue{q}, Forever)
		lock.Unlock()
		err := s.Commit(b, selfCPU)
		lock.Lock()
		if err != defs.EOK {
			return err
		}
	}
}

// WaitBlockLockTimeout is WAIT_BLOCK_LOCK's timed variant.
func (s *Subsystem) WaitBlockLockTimeout(th *thread.Thread, selfCPU defs.CPU, q *Queue, lock *sync.Mutex, cond func() bool, timeout time.Duration) defs.Err_t {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return defs.EOK
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return defs.ETIMEDOUT
		}
		b := s.Setup(th, []*Queue{q}, remaining)
		lock.Unlock()
		err := s.Commit(b, selfCPU)
		lock.Lock()
		if err != defs.EOK {
			return err
		}
	}
}

// waitBlockLoop drives cond/Setup/Commit, recomputing the remaining
// timeout against a single fixed deadline each iteration so that a cond
// that keeps flipping false doesn't reset the caller's budget. timeout
// == Forever blocks with no deadline; any other value, including 0,
// has a real deadline and returns ETIMEDOUT immediately once cond is
// checked and found false, without ever calling Setup/Commit.
func (s *Subsystem) waitBlockLoop(th *thread.Thread, selfCPU defs.CPU, qs []*Queue, cond func() bool, timeout time.Duration) defs.Err_t {
	hasDeadline := timeout != Forever
	deadline := time.Time{}
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}
	for {
		if cond() {
			return defs.EOK
		}
		remaining := timeout
		if hasDeadline {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return defs.ETIMEDOUT
			}
		}
		b := s.Setup(th, qs, remaining)
		err := s.Commit(b, selfCPU)
		if err != defs.EOK {
			return err
		}
	}
}
