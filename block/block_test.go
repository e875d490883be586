package block_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/cruciblemem/crucible/block"
)

func alignedSlab(t *testing.T, size int) uintptr {
	slab := make([]byte, size+block.WordSize)
	t.Cleanup(func() { runtime.KeepAlive(slab) })

	base := uintptr(unsafe.Pointer(&slab[0]))
	mask := uintptr(block.WordSize - 1)
	return (base + mask) &^ mask
}

func TestSizeFor(t *testing.T) {
	require.Equal(t, block.MinBlockSize, block.SizeFor(1))
	require.Equal(t, block.MinBlockSize, block.SizeFor(block.WordSize))
	require.Equal(t, block.MinBlockSize, block.SizeFor(2*block.WordSize))
	require.Equal(t, 40, block.SizeFor(17))
	require.Equal(t, 80, block.SizeFor(64))
	require.Equal(t, 144, block.SizeFor(121))
}

func TestHeaderCodec(t *testing.T) {
	b := block.Block(alignedSlab(t, 256))

	b.SetHeader(128, false, false)
	require.Equal(t, 128, b.Size())
	require.False(t, b.Used())
	require.False(t, b.Mapped())

	b.SetHeader(128, true, false)
	require.Equal(t, 128, b.Size())
	require.True(t, b.Used())
	require.False(t, b.Mapped())

	b.SetHeader(128, true, true)
	require.Equal(t, 128, b.Size())
	require.True(t, b.Used())
	require.True(t, b.Mapped())

	b.SetUsed(false)
	require.Equal(t, 128, b.Size())
	require.False(t, b.Used())
	require.True(t, b.Mapped())
}

func TestFooterNavigation(t *testing.T) {
	base := alignedSlab(t, 256)

	first := block.Block(base)
	first.SetHeader(96, false, false)
	first.WriteFooter()
	require.Equal(t, 96, first.FooterSize())

	second := first.Next()
	require.Equal(t, base+96, second.Base())
	second.SetHeader(64, true, false)
	second.WriteFooter()

	require.Equal(t, 96, second.PrevFooterSize())
	require.Equal(t, first, second.Prev())
}

func TestPayloadRoundTrip(t *testing.T) {
	b := block.Block(alignedSlab(t, 64))
	b.SetHeader(48, true, false)

	payload := b.Payload()
	require.Equal(t, b.Base()+uintptr(block.WordSize), payload)
	require.Equal(t, b, block.FromPayload(payload))
}

func TestFreeLinks(t *testing.T) {
	base := alignedSlab(t, 256)

	first := block.Block(base)
	first.SetHeader(64, false, false)
	second := block.Block(base + 64)
	second.SetHeader(64, false, false)

	first.SetNextFree(second)
	first.SetPrevFree(0)
	second.SetPrevFree(first)
	second.SetNextFree(0)

	require.Equal(t, second, first.NextFree())
	require.Equal(t, first, second.PrevFree())
	require.Zero(t, first.PrevFree())
	require.Zero(t, second.NextFree())
}
