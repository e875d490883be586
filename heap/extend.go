package heap

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/cruciblemem/crucible/block"
	"github.com/cruciblemem/crucible/memutils"
)

// extend makes room for a block of needed bytes. If the unformatted reserve
// above top cannot hold it, the segment break is moved forward; a break that
// lands above the current end is bridged with a permanently used gap block.
// The reserve is then formatted into one free block and handed to the
// coalescer.
func (h *Heap) extend(needed int) error {
	if int(h.end-h.top)-block.WordSize < needed {
		delta := needed + block.WordSize

		prevBreak, granted, err := h.segment.Grow(delta)
		if err != nil {
			return cerrors.Wrapf(memutils.OutOfMemoryError, "growing the data segment by %d bytes: %v", delta, err)
		}
		if granted < delta {
			return cerrors.Errorf("segment granted %d bytes for a request of %d", granted, delta)
		}
		if prevBreak < h.end {
			panic(fmt.Sprintf("segment break moved backward: previous break %x lies below the known end %x", prevBreak, h.end))
		}

		if prevBreak > h.end {
			h.bridgeGap(prevBreak)
		}
		h.end = prevBreak + uintptr(granted)
	}

	h.formatTail()
	return nil
}

// bridgeGap covers the address range between the formatted heap and a
// non-contiguous previous break with a synthetic block. The bridge is marked
// used so the coalescer refuses to merge across it, is never listed, and is
// never freed. It carries no footer: its trailing bytes belong to whatever
// claimed the intervening part of the segment.
func (h *Heap) bridgeGap(prevBreak uintptr) {
	gap := block.Block(h.top)
	gap.SetHeader(int(prevBreak-h.top), true, false)

	h.gaps = append(h.gaps, gap)
	h.gapBytes += gap.Size()
	h.top = prevBreak
}

// formatTail turns the reserve [top, end) into one free block, keeping the
// final word back as the boundary header so that a bridge can always be
// placed at top and forward walks stop deterministically.
func (h *Heap) formatTail() {
	size := int(h.end-h.top) - block.WordSize
	if size < block.MinBlockSize {
		return
	}

	b := block.Block(h.top)
	b.SetHeader(size, false, false)
	b.WriteFooter()
	h.top += uintptr(size)

	block.Block(h.top).SetHeader(0, true, false)

	h.coalesce(b)
}
