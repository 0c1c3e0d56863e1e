package circbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyinThenCopyoutRoundTrip(t *testing.T) {
	var cb Circbuf_t
	cb.Init(8)
	n := cb.Copyin([]byte("hello"))
	require.Equal(t, 5, n)
	require.Equal(t, 5, cb.Used())

	out := make([]byte, 5)
	got := cb.Copyout(out)
	require.Equal(t, 5, got)
	require.Equal(t, "hello", string(out))
	require.True(t, cb.Empty())
}

func TestCopyinOverflowOverwritesOldestBytes(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4)
	cb.Copyin([]byte("abcd"))
	cb.Copyin([]byte("ef"))

	out := make([]byte, 4)
	cb.Copyout(out)
	require.Equal(t, "cdef", string(out))
}

func TestCopyinLargerThanCapacityKeepsOnlyTail(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4)
	cb.Copyin([]byte("abcdefgh"))

	require.True(t, cb.Full())
	out := make([]byte, 4)
	cb.Copyout(out)
	require.Equal(t, "efgh", string(out))
}

func TestCopyoutPartialWhenDstSmallerThanUsed(t *testing.T) {
	var cb Circbuf_t
	cb.Init(8)
	cb.Copyin([]byte("abcdef"))

	out := make([]byte, 3)
	n := cb.Copyout(out)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(out))
	require.Equal(t, 3, cb.Used())
}

func TestSnapshotDoesNotConsume(t *testing.T) {
	var cb Circbuf_t
	cb.Init(8)
	cb.Copyin([]byte("xyz"))

	snap := cb.Snapshot()
	require.Equal(t, "xyz", string(snap))
	require.Equal(t, 3, cb.Used(), "Snapshot must not drain the buffer")
}

func TestFullAndLeftAccounting(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4)
	require.Equal(t, 4, cb.Left())
	cb.Copyin([]byte("ab"))
	require.Equal(t, 2, cb.Left())
	cb.Copyin([]byte("cd"))
	require.True(t, cb.Full())
	require.Equal(t, 0, cb.Left())
}

func TestInitWithNonPositiveSizePanics(t *testing.T) {
	var cb Circbuf_t
	require.Panics(t, func() { cb.Init(0) })
}

func TestCopyinBeforeInitPanics(t *testing.T) {
	var cb Circbuf_t
	require.Panics(t, func() { cb.Copyin([]byte("x")) })
}
