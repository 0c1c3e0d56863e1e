// Package sched is the priority scheduler: dual active/expired
// priority-bitmap run queues per CPU, priority boost/penalty, and
// cross-CPU load balancing. The priority linear-interpolation formula
// and load-balance ring walk are grounded in DESIGN.md; the
// highest-set-bit-at-or-above scan (`math/bits.Len64` over a masked
// word) borrows Maemo32-SupraX_Legacy's reservation-station bitmap
// idiom.
//
// Threads are goroutines (internal/thread, internal/wait); this package
// is the pure policy layer -- which thread runs next, how its time
// slice and priority evolve, when to migrate it to another CPU -- since
// the Go runtime, not this package, is what actually multiplexes
// goroutines onto OS threads. Invoke does not save/restore a CPU
// register frame (there is none to save): it updates bookkeeping and
// returns the thread the caller should now treat as "current".
package sched

import (
	"math/bits"
	"sync"
	"time"

	"patchwork/internal/config"
	"patchwork/internal/cpu"
	"patchwork/internal/defs"
	"patchwork/internal/thread"
	"patchwork/internal/util"
)

// Flags are the scheduler entry reasons.
type Flags int

const (
	Normal Flags = iota // timer tick or voluntary yield
	Die                 // calling thread is exiting
)

type priorityQueues struct {
	lists  [64]util.List
	bitmap uint64
}

func (q *priorityQueues) push(th *thread.Thread) {
	p := th.Sched.ActualPriority
	q.lists[p].PushBack(&th.RunQueueEntry)
	q.bitmap |= 1 << uint(p)
}

// pop finds the highest-priority non-empty list at or above minPriority
// and removes its first thread.
func (q *priorityQueues) pop(minPriority int) (*thread.Thread, bool) {
	masked := q.bitmap &^ ((1 << uint(minPriority)) - 1)
	if masked == 0 {
		return nil, false
	}
	hi := bits.Len64(masked) - 1
	e := q.lists[hi].Front()
	q.lists[hi].Remove(e)
	if q.lists[hi].Empty() {
		q.bitmap &^= 1 << uint(hi)
	}
	return thread.FromRunQueueEntry(e), true
}

func (q *priorityQueues) empty() bool { return q.bitmap == 0 }

func (q *priorityQueues) len() int {
	n := 0
	for i := range q.lists {
		n += q.lists[i].Len()
	}
	return n
}

type perCPU struct {
	mu sync.Mutex
	// active/expired are pointers, swapped by reassignment when active
	// empties. priorityQueues embeds util.List, whose
	// nodes hold self-referential pointers set at Init time -- swapping
	// by value would copy stale pointers, so the queues are heap objects
	// swapped by reference instead.
	active, expired *priorityQueues

	runThread  *thread.Thread
	idleThread *thread.Thread

	timerDeadline time.Time
	deadThreads   []*thread.Thread
}

// Scheduler owns every CPU's run queues and drives load balancing and
// the invoke algorithm.
type Scheduler struct {
	cfg  *config.Boot_t
	cpus *cpu.Table[*perCPU]
	bus  *cpu.Bus

	// FreeThread is called once per dead thread Invoke reaps (step 10).
	// Left nil in tests that don't care about thread teardown.
	FreeThread func(th *thread.Thread)
}

// New constructs a scheduler over cfg.NumCPU CPUs, each seeded with the
// given idle thread.
func New(cfg *config.Boot_t, bus *cpu.Bus, idleThreads []*thread.Thread) *Scheduler {
	s := &Scheduler{cfg: cfg, cpus: cpu.NewTable[*perCPU](cfg.NumCPU), bus: bus}
	for i := 0; i < cfg.NumCPU; i++ {
		pc := &perCPU{idleThread: idleThreads[i], active: &priorityQueues{}, expired: &priorityQueues{}}
		*s.cpus.At(defs.CPU(i)) = pc
		id := defs.CPU(i)
		bus.Handle(id, cpu.VectorReschedule, func() {})
	}
	return s
}

func (s *Scheduler) cpu(id defs.CPU) *perCPU { return *s.cpus.At(id) }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func linearInterp(outMin, outMax int, val, inMin, inMax time.Duration) int {
	if inMax <= inMin {
		return outMin
	}
	if val <= inMin {
		return outMin
	}
	if val >= inMax {
		return outMax
	}
	frac := float64(val-inMin) / float64(inMax-inMin)
	return outMin + int(frac*float64(outMax-outMin))
}

// recomputePriority derives actual_priority from base priority and
// recent_block_time's two-branch linear
// interpolation, clamped below PRIORITY_MAX.
func (s *Scheduler) recomputePriority(th *thread.Thread) {
	half := s.cfg.MaxRecentBlockTime / 2
	base := th.Sched.BasePriority
	rbt := th.Sched.RecentBlockTime
	var actual int
	if rbt >= half {
		actual = base + linearInterp(0, s.cfg.MaxBoost, rbt, half, s.cfg.MaxRecentBlockTime)
	} else {
		actual = base - linearInterp(0, s.cfg.MaxPenalty, rbt, 0, half)
	}
	th.Sched.ActualPriority = clamp(actual, 0, s.cfg.PriorityCount-1)
}

// recomputeTimeSlice derives time_slice from base priority, linearly
// interpolated between MinTimeSlice and MaxTimeSlice.
func (s *Scheduler) recomputeTimeSlice(th *thread.Thread) {
	frac := float64(th.Sched.BasePriority) / float64(s.cfg.PriorityCount-1)
	span := s.cfg.MaxTimeSlice - s.cfg.MinTimeSlice
	th.Sched.TimeSlice = s.cfg.MinTimeSlice + time.Duration(frac*float64(span))
}

// decayBlockTime applies the running-thread decay half of
// RecentBlockTime's EWMA-ish update, called once per Invoke for the
// outgoing thread. Blocking-side growth happens wherever a thread
// actually blocks (internal/wait), which stamps RecentBlockTime
// directly; this package only decays it while running.
func (s *Scheduler) decayBlockTime(th *thread.Thread, now time.Time) {
	if th == nil {
		return
	}
	elapsed := now.Sub(th.Sched.PrevBlockCheck)
	th.Sched.PrevBlockCheck = now
	if elapsed <= 0 {
		return
	}
	th.Sched.RecentBlockTime -= elapsed
	if th.Sched.RecentBlockTime < 0 {
		th.Sched.RecentBlockTime = 0
	}
}

// pushInitial queues a brand-new thread for the first time on the given
// CPU's active queue, without the outranks-so-IPI check push/push_new
// perform for already-running targets.
func (s *Scheduler) pushInitial(id defs.CPU, th *thread.Thread) {
	pc := s.cpu(id)
	s.recomputeTimeSlice(th)
	s.recomputePriority(th)
	th.CPU = id
	th.SetState(thread.Ready)
	pc.mu.Lock()
	pc.active.push(th)
	pc.mu.Unlock()
}

// PushNew selects the least-loaded CPU (excluding exclude, if >= 0) and
// queues th there.
func (s *Scheduler) PushNew(th *thread.Thread, exclude defs.CPU) defs.CPU {
	best := defs.NoCPU
	bestLoad := -1
	for i := 0; i < s.cpus.N(); i++ {
		id := defs.CPU(i)
		if id == exclude {
			continue
		}
		pc := s.cpu(id)
		pc.mu.Lock()
		load := pc.active.len() + pc.expired.len()
		pc.mu.Unlock()
		if bestLoad < 0 || load < bestLoad {
			bestLoad = load
			best = id
		}
	}
	s.Push(th, best)
	return best
}

// Push queues th on target, recomputing its time slice/priority, and
// IPIs target iff th outranks target's current thread or target is
// idling. WaitPusher wraps it as internal/wait.Pusher, defaulting target
// to th.CPU.
func (s *Scheduler) Push(th *thread.Thread, target defs.CPU) {
	pc := s.cpu(target)
	s.recomputeTimeSlice(th)
	s.recomputePriority(th)
	th.CPU = target
	th.SetState(thread.Ready)

	pc.mu.Lock()
	pc.active.push(th)
	running := pc.runThread
	pc.mu.Unlock()

	outranks := running == nil || running == pc.idleThread || th.Sched.ActualPriority > running.Sched.ActualPriority
	if outranks {
		s.bus.Send(target, cpu.VectorReschedule)
	}
}

// Yield sets the calling thread's deadline to the zero time (forcing
// Invoke to treat its slice as expired) and IPIs self to reschedule.
func (s *Scheduler) Yield(self defs.CPU, th *thread.Thread) {
	th.Sched.Deadline = time.Time{}
	s.bus.SendSync(self, cpu.VectorReschedule)
}

// lockCPUPair locks a and b's per-CPU state in ascending CPU-id order
// regardless of call order, so two CPUs balancing toward each other
// (e.g. CPU0 against neighbor CPU1 while CPU1 balances against
// neighbor CPU0) always acquire in the same global order instead of
// each locking itself first and deadlocking against the other.
func lockCPUPair(a *perCPU, aID defs.CPU, b *perCPU, bID defs.CPU) {
	if aID < bID {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

// unlockCPUPair reverses lockCPUPair.
func unlockCPUPair(a *perCPU, aID defs.CPU, b *perCPU, bID defs.CPU) {
	if aID < bID {
		b.mu.Unlock()
		a.mu.Unlock()
	} else {
		a.mu.Unlock()
		b.mu.Unlock()
	}
}

// loadBalance compares self's load against the next CPU in the ring; if
// self is overloaded by more than LoadBalanceBias, migrates threads from
// self's active queue into the neighbor's expired queue until balanced,
// IPI-ing the neighbor if a migrated thread outranks its run_thread.
func (s *Scheduler) loadBalance(self defs.CPU) {
	n := s.cpus.N()
	if n < 2 {
		return
	}
	neighbor := defs.CPU((int(self) + 1) % n)
	myPC := s.cpu(self)
	theirPC := s.cpu(neighbor)

	myPC.mu.Lock()
	myLoad := myPC.active.len() + myPC.expired.len()
	myPC.mu.Unlock()
	theirPC.mu.Lock()
	theirLoad := theirPC.active.len() + theirPC.expired.len()
	theirPC.mu.Unlock()

	if myLoad <= theirLoad+s.cfg.LoadBalanceBias {
		return
	}

	var migratedOutranks bool
	for {
		lockCPUPair(myPC, self, theirPC, neighbor)
		myLoad = myPC.active.len() + myPC.expired.len()
		theirLoad = theirPC.active.len() + theirPC.expired.len()
		if myLoad <= theirLoad+s.cfg.LoadBalanceBias {
			unlockCPUPair(myPC, self, theirPC, neighbor)
			break
		}
		th, ok := myPC.active.pop(0)
		if !ok {
			unlockCPUPair(myPC, self, theirPC, neighbor)
			break
		}
		th.CPU = neighbor
		theirPC.expired.push(th)
		if theirPC.runThread == nil || theirPC.runThread == theirPC.idleThread ||
			th.Sched.ActualPriority > theirPC.runThread.Sched.ActualPriority {
			migratedOutranks = true
		}
		unlockCPUPair(myPC, self, theirPC, neighbor)
	}
	if migratedOutranks {
		s.bus.Send(neighbor, cpu.VectorReschedule)
	}
}

// Invoke runs the ten-step scheduling algorithm for selfCPU and returns
// the thread now considered "current" on that CPU.
func (s *Scheduler) Invoke(self defs.CPU, flags Flags, now time.Time) *thread.Thread {
	pc := s.cpu(self)

	s.loadBalance(self) // step 1

	pc.mu.Lock()
	s.decayBlockTime(pc.runThread, now) // step 2

	old := pc.runThread
	if flags == Die {
		if old != nil && old != pc.idleThread {
			pc.deadThreads = append(pc.deadThreads, old)
		}
		old = nil
		pc.runThread = nil
	}

	minPriority := 0
	if old != nil && old != pc.idleThread && old.Sched.Deadline.After(now) {
		minPriority = old.Sched.ActualPriority
	}

	if pc.active.empty() {
		pc.active, pc.expired = pc.expired, pc.active
	}

	next, ok := pc.active.pop(minPriority) // step 6

	if ok { // step 7
		if old != nil && old != pc.idleThread {
			s.recomputeTimeSlice(old)
			s.recomputePriority(old)
			pc.expired.push(old)
		}
		next.Sched.Deadline = now.Add(next.Sched.TimeSlice)
		next.SetState(thread.Running)
		pc.runThread = next
	} else if pc.runThread == nil { // step 8
		pc.idleThread.SetState(thread.Running)
		pc.runThread = pc.idleThread
	}

	pc.timerDeadline = pc.runThread.Sched.Deadline // step 9 (wait-timeout min folded in by the caller wiring both timers)

	dead := pc.deadThreads
	pc.deadThreads = nil
	result := pc.runThread
	pc.mu.Unlock()

	for _, d := range dead { // step 10
		if s.FreeThread != nil {
			s.FreeThread(d)
		}
	}
	return result
}

// WaitPusher adapts Scheduler.Push (which needs an explicit target CPU)
// to internal/wait.Pusher's single-argument shape, always targeting the
// thread's own last-assigned CPU -- the behavior the unblock
// protocol wants ("push to scheduler", implicitly back onto the CPU the
// thread was running on).
type WaitPusher struct{ S *Scheduler }

func (w WaitPusher) Push(th *thread.Thread) { w.S.Push(th, th.CPU) }

// RunThread returns the thread a CPU currently considers current.
func (s *Scheduler) RunThread(id defs.CPU) *thread.Thread {
	pc := s.cpu(id)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.runThread
}

// TimerDeadline returns the deadline Invoke last armed for id's timer.
func (s *Scheduler) TimerDeadline(id defs.CPU) time.Time {
	pc := s.cpu(id)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.timerDeadline
}
