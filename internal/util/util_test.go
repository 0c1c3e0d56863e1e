package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMinMax(t *testing.T) {
	require.Equal(t, 3, Min(3, 7))
	require.Equal(t, 7, Max(3, 7))
	require.Equal(t, uintptr(2), Min(uintptr(5), uintptr(2)))
}

func TestRounddownAndRoundup(t *testing.T) {
	require.Equal(t, 0x1000, Rounddown(0x1234, 0x1000))
	require.Equal(t, 0x2000, Roundup(0x1234, 0x1000))
	require.Equal(t, 0x1000, Roundup(0x1000, 0x1000), "an already-aligned value must round up to itself")
}

func TestReadnWritenRoundTrip(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 4, 0, 0xdeadbeef)
	require.Equal(t, 0xdeadbeef, Readn(buf, 4, 0))

	Writen(buf, 8, 8, 0x1122334455667788)
	require.Equal(t, 0x1122334455667788, Readn(buf, 8, 8))

	Writen(buf, 1, 2, 0xff)
	require.Equal(t, 0xff, Readn(buf, 1, 2))
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	buf := make([]uint8, 4)
	require.Panics(t, func() { Readn(buf, 4, 2) })
}

func TestWritenUnsupportedSizePanics(t *testing.T) {
	buf := make([]uint8, 4)
	require.Panics(t, func() { Writen(buf, 3, 0, 0) })
}

func TestListPushBackAndFrontOrdering(t *testing.T) {
	var l List
	var a, b, c ListEntry
	l.PushBack(&a)
	l.PushBack(&b)
	l.PushBack(&c)

	require.Equal(t, 3, l.Len())
	require.Same(t, &a, l.Front())
	require.Same(t, &b, l.Next(&a))
	require.Same(t, &c, l.Next(&b))
	require.Nil(t, l.Next(&c))
}

func TestListPushFrontInsertsAtHead(t *testing.T) {
	var l List
	var a, b ListEntry
	l.PushBack(&a)
	l.PushFront(&b)
	require.Same(t, &b, l.Front())
}

func TestListRemoveUnlinksAndDecrementsLen(t *testing.T) {
	var l List
	var a, b ListEntry
	l.PushBack(&a)
	l.PushBack(&b)
	l.Remove(&a)
	require.Equal(t, 1, l.Len())
	require.False(t, a.InList())
	require.Same(t, &b, l.Front())
}

func TestListRemoveOnUnlinkedEntryIsNoop(t *testing.T) {
	var l List
	var a ListEntry
	require.NotPanics(t, func() { l.Remove(&a) })
}

func TestListPushBackOnAlreadyLinkedEntryPanics(t *testing.T) {
	var l1, l2 List
	var a ListEntry
	l1.PushBack(&a)
	require.Panics(t, func() { l2.PushBack(&a) })
}

func TestListRemoveFromWrongListPanics(t *testing.T) {
	var l1, l2 List
	var a ListEntry
	l1.PushBack(&a)
	require.Panics(t, func() { l2.Remove(&a) })
}

func TestListEmptyOnZeroValue(t *testing.T) {
	var l List
	require.True(t, l.Empty())
	require.Nil(t, l.Front())
}
