package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patchwork/internal/config"
	"patchwork/internal/cpu"
	"patchwork/internal/defs"
	"patchwork/internal/thread"
)

func newTestScheduler(t *testing.T, numCPU int) (*Scheduler, *cpu.Bus, []*thread.Thread) {
	t.Helper()
	cfg := config.Default()
	cfg.NumCPU = numCPU
	bus := cpu.NewBus()
	idles := make([]*thread.Thread, numCPU)
	for i := range idles {
		idles[i] = thread.New(defs.Tid_t(1000+i), 0)
	}
	return New(cfg, bus, idles), bus, idles
}

func TestInvokeRunsIdleThreadWhenQueueEmpty(t *testing.T) {
	s, _, idles := newTestScheduler(t, 1)
	got := s.Invoke(0, Normal, time.Now())
	require.Same(t, idles[0], got)
	require.Equal(t, thread.Running, got.State())
}

func TestPushThenInvokePicksHigherPriorityOverIdle(t *testing.T) {
	s, _, idles := newTestScheduler(t, 1)
	th := thread.New(1, 10)
	s.Push(th, 0)
	require.Equal(t, thread.Ready, th.State())

	got := s.Invoke(0, Normal, time.Now())
	require.Same(t, th, got)
	require.NotSame(t, idles[0], got)
	require.Equal(t, thread.Running, got.State())
}

func TestInvokePreemptsForHigherPriorityArrival(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	low := thread.New(1, 5)
	high := thread.New(2, 50)
	s.Push(low, 0)
	now := time.Now()
	got := s.Invoke(0, Normal, now)
	require.Same(t, low, got)

	s.Push(high, 0)
	got2 := s.Invoke(0, Normal, now.Add(time.Millisecond))
	require.Same(t, high, got2, "higher-priority newcomer must preempt the running thread's slot")
}

func TestInvokeWithDieFlagDropsOutgoingThreadAndCallsFreeThread(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	th := thread.New(1, 10)
	s.Push(th, 0)
	s.Invoke(0, Normal, time.Now())

	var freed *thread.Thread
	s.FreeThread = func(d *thread.Thread) { freed = d }

	got := s.Invoke(0, Die, time.Now())
	require.NotSame(t, th, got, "a dying thread must not be the new current thread")
	require.Same(t, th, freed)
}

func TestYieldForcesRescheduleOnNextInvoke(t *testing.T) {
	s, bus, _ := newTestScheduler(t, 1)
	th := thread.New(1, 10)
	s.Push(th, 0)
	s.Invoke(0, Normal, time.Now())

	require.NotPanics(t, func() { s.Yield(0, th) })
	_ = bus
	require.True(t, th.Sched.Deadline.IsZero())
}

func TestPushNewSelectsLeastLoadedCPU(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)
	busy := thread.New(1, 10)
	s.Push(busy, 0)

	newcomer := thread.New(2, 10)
	chosen := s.PushNew(newcomer, defs.NoCPU)
	require.Equal(t, defs.CPU(1), chosen)
}

func TestPushNewExcludesGivenCPU(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)
	th := thread.New(1, 10)
	chosen := s.PushNew(th, defs.CPU(1))
	require.Equal(t, defs.CPU(0), chosen)
}

func TestPushIPIsTargetWhenNewThreadOutranksRunning(t *testing.T) {
	s, bus, _ := newTestScheduler(t, 1)
	signalled := make(chan struct{}, 1)
	bus.Handle(0, cpu.VectorReschedule, func() { signalled <- struct{}{} })

	low := thread.New(1, 1)
	s.Push(low, 0)
	s.Invoke(0, Normal, time.Now())

	high := thread.New(2, 60)
	s.Push(high, 0)

	select {
	case <-signalled:
	case <-time.After(time.Second):
		t.Fatal("expected a reschedule IPI for the outranking push")
	}
}

func TestLoadBalanceMigratesFromOverloadedToIdleNeighbor(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)
	for i := 0; i < 5; i++ {
		s.Push(thread.New(defs.Tid_t(i), 10), 0)
	}

	s.loadBalance(0)

	pc0 := s.cpu(0)
	pc1 := s.cpu(1)
	pc0.mu.Lock()
	load0 := pc0.active.len() + pc0.expired.len()
	pc0.mu.Unlock()
	pc1.mu.Lock()
	load1 := pc1.active.len() + pc1.expired.len()
	pc1.mu.Unlock()

	require.Less(t, load0, 5, "migration must reduce the overloaded CPU's queue length")
	require.Greater(t, load1, 0, "migrated threads must land on the neighbor's queue")
}

func TestLoadBalanceConcurrentOppositeDirectionsDoesNotDeadlock(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)
	for i := 0; i < 5; i++ {
		s.Push(thread.New(defs.Tid_t(i), 10), 0)
	}
	for i := 5; i < 7; i++ {
		s.Push(thread.New(defs.Tid_t(i), 10), 1)
	}

	done := make(chan struct{})
	go func() {
		// CPU0 balances against neighbor CPU1 while CPU1 (below)
		// balances against neighbor CPU0 -- opposite lock-acquisition
		// directions that must not deadlock.
		for i := 0; i < 50; i++ {
			s.loadBalance(0)
		}
		close(done)
	}()
	for i := 0; i < 50; i++ {
		s.loadBalance(1)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loadBalance(0) and loadBalance(1) deadlocked against each other")
	}
}

func TestLoadBalanceNoopWhenBalanced(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2)
	s.Push(thread.New(1, 10), 0)
	s.Push(thread.New(2, 10), 1)

	require.NotPanics(t, func() { s.loadBalance(0) })
}

func TestRecomputePriorityBoostsAfterHeavyBlocking(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	th := thread.New(1, 10)
	th.Sched.RecentBlockTime = s.cfg.MaxRecentBlockTime
	s.recomputePriority(th)
	require.Greater(t, th.Sched.ActualPriority, th.Sched.BasePriority)
}

func TestRecomputePriorityPenalizesWithNoBlocking(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	th := thread.New(1, 10)
	th.Sched.RecentBlockTime = 0
	s.recomputePriority(th)
	require.LessOrEqual(t, th.Sched.ActualPriority, th.Sched.BasePriority)
}

func TestRecomputePriorityClampsWithinBounds(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	th := thread.New(1, s.cfg.PriorityCount-1)
	th.Sched.RecentBlockTime = s.cfg.MaxRecentBlockTime
	s.recomputePriority(th)
	require.Less(t, th.Sched.ActualPriority, s.cfg.PriorityCount)
	require.GreaterOrEqual(t, th.Sched.ActualPriority, 0)
}

func TestRecomputeTimeSliceScalesWithBasePriority(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	low := thread.New(1, 0)
	high := thread.New(2, s.cfg.PriorityCount-1)
	s.recomputeTimeSlice(low)
	s.recomputeTimeSlice(high)
	require.Equal(t, s.cfg.MinTimeSlice, low.Sched.TimeSlice)
	require.Equal(t, s.cfg.MaxTimeSlice, high.Sched.TimeSlice)
}

func TestDecayBlockTimeNeverGoesNegative(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1)
	th := thread.New(1, 10)
	now := time.Now()
	th.Sched.RecentBlockTime = time.Millisecond
	th.Sched.PrevBlockCheck = now
	s.decayBlockTime(th, now.Add(time.Hour))
	require.Equal(t, time.Duration(0), th.Sched.RecentBlockTime)
}

func TestWaitPusherTargetsThreadsOwnCPU(t *testing.T) {
	s, bus, _ := newTestScheduler(t, 2)
	signalled := make(chan struct{}, 1)
	bus.Handle(1, cpu.VectorReschedule, func() { signalled <- struct{}{} })

	th := thread.New(1, 60)
	th.CPU = 1

	pusher := WaitPusher{S: s}
	pusher.Push(th)

	select {
	case <-signalled:
	case <-time.After(time.Second):
		t.Fatal("expected WaitPusher to IPI the thread's own CPU")
	}
	require.Equal(t, defs.CPU(1), th.CPU)
}
