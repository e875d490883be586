package heap

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/cruciblemem/crucible/block"
	"github.com/cruciblemem/crucible/memutils"
)

func (h *Heap) isGap(b block.Block) bool {
	for _, gap := range h.gaps {
		if gap == b {
			return true
		}
	}
	return false
}

// Validate performs internal consistency checks on the heap: exact tiling of
// the formatted region, header/footer agreement, total coalescing, and
// agreement between the physical walk and the segregated free lists. When the
// engine is functioning correctly it should not be possible for this method
// to return an error.
func (h *Heap) Validate() error {
	if h.start == 0 {
		if h.allocCount != 0 || h.blocksFreeCount != 0 || h.blocksFreeSize != 0 {
			return cerrors.New("the heap has allocation counts before its first allocation")
		}
		return nil
	}

	// Check integrity of free lists
	var freeListCount, freeListBytes int
	for index, head := range h.freeLists {
		if head != 0 && head.PrevFree() != 0 {
			return cerrors.Errorf("block at %x is the head of a free list but has a previous block", uintptr(head))
		}

		for b := head; b != 0; b = b.NextFree() {
			if b.Used() {
				return cerrors.Errorf("block at %x is in the free list but is not free", uintptr(b))
			}
			if b.Mapped() {
				return cerrors.Errorf("block at %x is in the free list but carries the mapped flag", uintptr(b))
			}
			if sizeClass(b.Size()) != index {
				return cerrors.Errorf("block at %x has size %d but sits in class %d", uintptr(b), b.Size(), index)
			}
			if b.NextFree() != 0 && b.NextFree().PrevFree() != b {
				return cerrors.Errorf("block at %x lists the block at %x as its next block, but the reverse reference is broken", uintptr(b), uintptr(b.NextFree()))
			}

			freeListCount++
			freeListBytes += b.Size()
		}
	}

	// Walk the physical tiling
	var freeCount, allocCount, gapCount int
	prevWasFree := false

	for addr := h.start; addr < h.top; {
		b := block.Block(addr)
		size := b.Size()

		if size <= 0 {
			return cerrors.Errorf("block at %x has a non-positive size", addr)
		}
		if !memutils.IsAligned(size, block.WordSize) {
			return cerrors.Errorf("block at %x has size %d, which is not a multiple of the word size", addr, size)
		}

		if h.isGap(b) {
			if !b.Used() {
				return cerrors.Errorf("bridge block at %x is not marked used", addr)
			}
			gapCount++
			prevWasFree = false
		} else {
			if size < block.MinBlockSize {
				return cerrors.Errorf("block at %x has size %d, below the minimum block size", addr, size)
			}
			if b.Mapped() {
				return cerrors.Errorf("heap block at %x carries the mapped flag", addr)
			}
			if b.FooterSize() != size {
				return cerrors.Errorf("block at %x has header size %d but footer size %d", addr, size, b.FooterSize())
			}

			if b.Used() {
				allocCount++
				prevWasFree = false
			} else {
				if prevWasFree {
					return cerrors.Errorf("blocks at %x and below are adjacent and both free", addr)
				}
				freeCount++
				prevWasFree = true
			}
		}

		addr += uintptr(size)
		if addr > h.top {
			return cerrors.Errorf("block at %x extends past the formatted region", uintptr(b))
		}
	}

	boundary := block.Block(h.top)
	if boundary.Size() != 0 || !boundary.Used() {
		return cerrors.Errorf("the boundary header at %x has been overwritten", h.top)
	}

	if freeListCount != freeCount {
		return cerrors.Errorf("the number of free blocks in the physical tiling and the number of blocks in the free lists do not match! free list size: %d, physical free blocks: %d", freeListCount, freeCount)
	}
	if freeCount != h.blocksFreeCount {
		return cerrors.Errorf("the free block count of the heap is %d, but there were %d free blocks", h.blocksFreeCount, freeCount)
	}
	if freeListBytes != h.blocksFreeSize {
		return cerrors.Errorf("the free size of the heap is %d, but the free blocks added up to %d", h.blocksFreeSize, freeListBytes)
	}
	if allocCount != h.allocCount {
		return cerrors.Errorf("the allocation count of the heap is %d, but the taken blocks added up to %d", h.allocCount, allocCount)
	}
	if gapCount != len(h.gaps) {
		return cerrors.Errorf("the heap tracks %d bridge blocks, but %d were encountered in the tiling", len(h.gaps), gapCount)
	}

	return nil
}

// VisitBlocks calls the provided callback once for every block in the
// formatted region, in address order, bridge blocks included. Depending on
// heap size this can be slow and should generally only be done for
// diagnostic purposes.
func (h *Heap) VisitBlocks(visit func(b block.Block, free bool) error) error {
	for addr := h.start; addr < h.top; {
		b := block.Block(addr)

		err := visit(b, !b.Used())
		if err != nil {
			return err
		}

		addr += uintptr(b.Size())
	}

	return nil
}
