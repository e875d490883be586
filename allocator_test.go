package crucible_test

import (
	"encoding/json"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/cruciblemem/crucible"
	"github.com/cruciblemem/crucible/block"
	"github.com/cruciblemem/crucible/memutils"
)

func newTestAllocator(t *testing.T) *crucible.Allocator {
	allocator, err := crucible.New(nil, crucible.CreateOptions{})
	require.NoError(t, err)
	return allocator
}

func TestAllocatorRoundTrip(t *testing.T) {
	allocator := newTestAllocator(t)

	ptr, err := allocator.Allocate(100)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, allocator.Validate())

	region := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 100)
	for i := range region {
		region[i] = byte(i)
	}
	for i := range region {
		require.Equal(t, byte(i), region[i])
	}

	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Validate())
}

func TestAllocatorZeroSize(t *testing.T) {
	allocator := newTestAllocator(t)

	ptr, err := allocator.Allocate(0)
	require.NoError(t, err)
	require.Nil(t, ptr)

	ptr, err = allocator.Allocate(-1)
	require.NoError(t, err)
	require.Nil(t, ptr)

	require.NoError(t, allocator.Free(nil))
}

func TestAllocatorRoutingThreshold(t *testing.T) {
	allocator := newTestAllocator(t)

	// At the threshold the heap serves the request; one byte above, the
	// mapped path takes over.
	heapPtr, err := allocator.Allocate(crucible.DefaultMapThreshold)
	require.NoError(t, err)
	require.False(t, block.FromPayload(uintptr(heapPtr)).Mapped())
	require.True(t, allocator.Heap().Contains(uintptr(heapPtr)))

	mappedPtr, err := allocator.Allocate(crucible.DefaultMapThreshold + 1)
	require.NoError(t, err)
	require.True(t, block.FromPayload(uintptr(mappedPtr)).Mapped())
	require.False(t, allocator.Heap().Contains(uintptr(mappedPtr)))
	require.Equal(t, 1, allocator.MappedBlocks().Count())

	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Free(mappedPtr))
	require.NoError(t, allocator.Free(heapPtr))
	require.NoError(t, allocator.Validate())
	require.True(t, allocator.MappedBlocks().IsEmpty())
}

func TestAllocatorLargeAllocation(t *testing.T) {
	allocator := newTestAllocator(t)

	const payloadSize = 262144
	ptr, err := allocator.Allocate(payloadSize)
	require.NoError(t, err)

	region := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), payloadSize)
	region[0] = 0xA5
	region[payloadSize-1] = 0x5A
	require.Equal(t, byte(0xA5), region[0])
	require.Equal(t, byte(0x5A), region[payloadSize-1])

	require.False(t, allocator.Heap().Contains(uintptr(ptr)))
	require.NoError(t, allocator.Free(ptr))

	// The heap still serves small requests afterwards
	small, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.True(t, allocator.Heap().Contains(uintptr(small)))
	require.NoError(t, allocator.Free(small))
	require.NoError(t, allocator.Validate())
}

func TestAllocatorStatistics(t *testing.T) {
	allocator := newTestAllocator(t)

	ptr1, err := allocator.Allocate(100)
	require.NoError(t, err)
	ptr2, err := allocator.Allocate(crucible.DefaultMapThreshold + 1)
	require.NoError(t, err)

	var stats memutils.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 2, stats.BlockCount)
	require.Greater(t, stats.BlockBytes, crucible.DefaultMapThreshold)

	var detailed memutils.DetailedStatistics
	allocator.CalculateDetailedStatistics(&detailed)
	require.Equal(t, 2, detailed.AllocationCount)
	require.Equal(t, block.SizeFor(100), detailed.AllocationSizeMin)

	require.NoError(t, allocator.Free(ptr1))
	require.NoError(t, allocator.Free(ptr2))

	allocator.CalculateStatistics(&stats)
	require.Zero(t, stats.AllocationCount)
}

func TestAllocatorBuildStatsString(t *testing.T) {
	allocator := newTestAllocator(t)

	ptr, err := allocator.Allocate(100)
	require.NoError(t, err)

	str := allocator.BuildStatsString(true)
	require.NotEmpty(t, str)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(str), &parsed))
	require.Contains(t, parsed, "Total")
	require.Contains(t, parsed, "Heap")
	require.Contains(t, parsed, "MappedBlocks")

	require.NoError(t, allocator.Free(ptr))
}

func TestAllocatorReuseAfterFree(t *testing.T) {
	allocator := newTestAllocator(t)

	ptr1, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr1))

	ptr2, err := allocator.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, ptr1, ptr2)
	require.NoError(t, allocator.Free(ptr2))
}

func TestDefaultAllocator(t *testing.T) {
	require.Same(t, crucible.Default(), crucible.Default())

	ptr, err := crucible.Malloc(128)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	region := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 128)
	region[0] = 0xA5
	region[127] = 0x5A

	require.NoError(t, crucible.Free(ptr))
}
