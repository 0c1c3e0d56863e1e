package defs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOkOnlyTrueForEOK(t *testing.T) {
	require.True(t, EOK.Ok())
	require.False(t, EFAULT.Ok())
	require.False(t, EINPROGRESS.Ok())
}

func TestStringReturnsKnownMnemonics(t *testing.T) {
	require.Equal(t, "EFAULT", EFAULT.String())
	require.Equal(t, "ECANCELED", ECANCELED.String())
	require.Equal(t, "EINPROGRESS", EINPROGRESS.String())
}

func TestStringOnUnknownCodeReturnsPlaceholder(t *testing.T) {
	require.Equal(t, "E?", Err_t(999).String())
}

func TestNoCPUIsNegativeSentinel(t *testing.T) {
	require.Equal(t, CPU(-1), NoCPU)
}
