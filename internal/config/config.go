// Package config collects boot-time tunables that would otherwise be
// scattered constants, grouped into one struct following the same
// pattern as limits.Syslimit_t: a package-level struct of knobs built by
// a constructor, here Default().
package config

import "time"

// Boot_t holds every boot-time tunable. A fresh kernel boot uses
// Default(); tests override individual fields to exercise edge cases
// (e.g. a tiny MaxShootdownRequests to force the overflow panic).
type Boot_t struct {
	// Scheduler.
	PriorityCount      int
	MinTimeSlice       time.Duration
	MaxTimeSlice       time.Duration
	MaxRecentBlockTime time.Duration
	MaxBoost           int
	MaxPenalty         int
	LoadBalanceBias    int

	// VMM.
	MaxShootdownRequests int
	ShootdownAckTimeout  time.Duration

	// Panic/unwinder.
	MaxStackFrames int

	// IRP + ring.
	IRPLocationMax int
	IRPArgsMax     int
	SQERegsMax     int

	// Number of logical CPUs modeled (internal/cpu).
	NumCPU int

	// Process/thread glue: kernel & user stack sizing and guard-page
	// counts on each side.
	KernelStackPages int
	UserStackPages   int
	StackGuardPages  int
}

// Default returns the kernel's stock tuning (PRIORITY_MAX=64,
// IRP_LOC_MAX=8, etc).
func Default() *Boot_t {
	return &Boot_t{
		PriorityCount:        64,
		MinTimeSlice:         1 * time.Millisecond,
		MaxTimeSlice:         100 * time.Millisecond,
		MaxRecentBlockTime:   200 * time.Millisecond,
		MaxBoost:             20,
		MaxPenalty:           20,
		LoadBalanceBias:      2,
		MaxShootdownRequests: 32,
		ShootdownAckTimeout:  50 * time.Millisecond,
		MaxStackFrames:       64,
		IRPLocationMax:       8,
		IRPArgsMax:           5,
		SQERegsMax:           8,
		NumCPU:               4,
		KernelStackPages:     4,
		UserStackPages:       32,
		StackGuardPages:      1,
	}
}
