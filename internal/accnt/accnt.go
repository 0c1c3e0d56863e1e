// Package accnt accumulates per-thread/per-process CPU accounting,
// adapted near-verbatim from ; the rusage byte
// encoding is dropped (that belongs to the user/proc syscall ABI, out of
// this core's scope) in favor of plain accessor methods.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates user and system time consumed. Both fields are
// nanoseconds. The embedded mutex lets Add take a consistent snapshot
// when merging a dying thread's usage into its process.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter; delta may be
// negative, to subtract blocked/I/O-wait time that was conservatively
// charged to system time.
func (a *Accnt_t) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Finish adds the elapsed time since start to system time.
func (a *Accnt_t) Finish(start time.Time) {
	a.Systadd(time.Since(start))
}

// Add merges n's counters into a.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.Unlock()
}

// Snapshot returns a consistent (user, sys) duration pair.
func (a *Accnt_t) Snapshot() (time.Duration, time.Duration) {
	a.Lock()
	defer a.Unlock()
	return time.Duration(a.Userns), time.Duration(a.Sysns)
}
