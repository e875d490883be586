package memutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cruciblemem/crucible/memutils"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 8))
	require.Equal(t, 8, memutils.AlignUp(1, 8))
	require.Equal(t, 8, memutils.AlignUp(8, 8))
	require.Equal(t, 16, memutils.AlignUp(9, 8))
	require.Equal(t, 4096, memutils.AlignUp(4095, 4096))
	require.Equal(t, 8192, memutils.AlignUp(4097, 4096))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(7, 8))
	require.Equal(t, 8, memutils.AlignDown(8, 8))
	require.Equal(t, 8, memutils.AlignDown(15, 8))
	require.Equal(t, 4096, memutils.AlignDown(4097, 4096))
}

func TestIsAligned(t *testing.T) {
	require.True(t, memutils.IsAligned(0, 8))
	require.True(t, memutils.IsAligned(64, 8))
	require.False(t, memutils.IsAligned(65, 8))
	require.True(t, memutils.IsAligned(uintptr(4096), uintptr(4096)))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(64, "value"))
	require.NoError(t, memutils.CheckPow2(4096, "value"))

	err := memutils.CheckPow2(63, "value")
	require.Error(t, err)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}
