// Package limits tracks system-wide resource counters, adapted from
// 's Sysatomic_t/Syslimit_t pattern: a
// package-level struct of knobs built by a Mk... constructor, each knob an
// atomically decremented/incremented counter so a subsystem can "take" a
// unit of a resource (a callback slot, a shootdown-queue entry, an IRP)
// without a lock and give it back on release.
package limits

import "sync/atomic"

// Sysatomic_t is a numeric limit that can be atomically taken and given
// back. The zero value behaves as a limit of zero (every Taken call
// fails) until Given is called, since ceilings start at zero and count
// up as Given is invoked.
type Sysatomic_t struct {
	v int64
}

// Given increases the limit by n.
func (s *Sysatomic_t) Given(n int64) {
	if n < 0 {
		panic("limits: negative Given")
	}
	atomic.AddInt64(&s.v, n)
}

// Taken tries to decrement the limit by n, failing (and leaving the
// counter unchanged) if that would drive it negative.
func (s *Sysatomic_t) Taken(n int64) bool {
	if n < 0 {
		panic("limits: negative Taken")
	}
	if atomic.AddInt64(&s.v, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&s.v, n)
	return false
}

// Take decrements the limit by one.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Remaining returns the current counter value (for diagnostics).
func (s *Sysatomic_t) Remaining() int64 { return atomic.LoadInt64(&s.v) }

// Syslimit_t holds the kernel's configured system-wide resource limits.
type Syslimit_t struct {
	Vnodes    Sysatomic_t
	Futexes   Sysatomic_t
	Processes Sysatomic_t
	Threads   Sysatomic_t
	IRPs      Sysatomic_t
	Callbacks Sysatomic_t
}

// MkSysLimit returns the default set of limits.
func MkSysLimit() *Syslimit_t {
	s := &Syslimit_t{}
	s.Vnodes.Given(20000)
	s.Futexes.Given(1024)
	s.Processes.Given(1e4)
	s.Threads.Given(1e5)
	s.IRPs.Given(1 << 16)
	s.Callbacks.Given(128 * 1e4)
	return s
}

// Syslimit is the kernel-wide limit set.
var Syslimit = MkSysLimit()
