package limits

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGivenThenTakenWithinLimitSucceeds(t *testing.T) {
	var s Sysatomic_t
	s.Given(5)
	require.True(t, s.Taken(3))
	require.Equal(t, int64(2), s.Remaining())
}

func TestTakenBeyondLimitFailsAndLeavesCounterUnchanged(t *testing.T) {
	var s Sysatomic_t
	s.Given(2)
	require.False(t, s.Taken(3))
	require.Equal(t, int64(2), s.Remaining(), "a failed Taken must not consume any of the limit")
}

func TestTakeGiveSingleUnitRoundTrip(t *testing.T) {
	var s Sysatomic_t
	s.Given(1)
	require.True(t, s.Take())
	require.False(t, s.Take())
	s.Give()
	require.True(t, s.Take())
}

func TestZeroValueStartsAtZeroLimit(t *testing.T) {
	var s Sysatomic_t
	require.False(t, s.Take())
	require.Equal(t, int64(0), s.Remaining())
}

func TestGivenWithNegativePanics(t *testing.T) {
	var s Sysatomic_t
	require.Panics(t, func() { s.Given(-1) })
}

func TestTakenWithNegativePanics(t *testing.T) {
	var s Sysatomic_t
	require.Panics(t, func() { s.Taken(-1) })
}

func TestMkSysLimitSeedsAllCounters(t *testing.T) {
	s := MkSysLimit()
	require.Equal(t, int64(20000), s.Vnodes.Remaining())
	require.Equal(t, int64(1024), s.Futexes.Remaining())
	require.True(t, s.Processes.Take())
}
