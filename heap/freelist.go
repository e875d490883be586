package heap

import (
	"fmt"
	"math/bits"

	"github.com/cruciblemem/crucible/block"
)

// sizeClass maps a block size to its segregated list index. Class i holds
// sizes in [MinBlockSize<<i, MinBlockSize<<(i+1)), except the last class,
// which is unbounded above.
func sizeClass(size int) int {
	class := bits.Len(uint(size/block.MinBlockSize)) - 1
	if class >= NumLists {
		class = NumLists - 1
	}
	return class
}

// findFirstFit returns the first free block able to hold size bytes, starting
// at the matching size class and walking every higher list on a miss. Blocks
// in a class only share a size range, not an exact size, so the matching list
// can miss while a higher list still holds a fit.
func (h *Heap) findFirstFit(size int) block.Block {
	for index := sizeClass(size); index < NumLists; index++ {
		for b := h.freeLists[index]; b != 0; b = b.NextFree() {
			if b.Size() >= size {
				return b
			}
		}
	}

	return 0
}

// insertFree pushes a formatted free block onto the head of its size class.
func (h *Heap) insertFree(b block.Block) {
	if b.Used() || b.Mapped() {
		panic(fmt.Sprintf("block at %x is not free and cannot be inserted into the free list", uintptr(b)))
	}

	index := sizeClass(b.Size())

	b.SetPrevFree(0)
	b.SetNextFree(h.freeLists[index])
	if h.freeLists[index] != 0 {
		h.freeLists[index].SetPrevFree(b)
	}
	h.freeLists[index] = b

	h.blocksFreeCount++
	h.blocksFreeSize += b.Size()
}

// removeFree unlinks a block from its free list. Blocks are always inserted
// under the class of their current size and never resized while listed, so
// recomputing the class identifies the list a head block belongs to.
func (h *Heap) removeFree(b block.Block) {
	if b.Used() || b.Mapped() {
		panic(fmt.Sprintf("block at %x is not free and cannot be removed from the free list", uintptr(b)))
	}

	next := b.NextFree()
	prev := b.PrevFree()

	if next != 0 {
		next.SetPrevFree(prev)
	}
	if prev != 0 {
		prev.SetNextFree(next)
	} else {
		index := sizeClass(b.Size())
		if h.freeLists[index] != b {
			panic(fmt.Sprintf("block at %x was not in the free list at the expected location", uintptr(b)))
		}
		h.freeLists[index] = next
	}

	h.blocksFreeCount--
	h.blocksFreeSize -= b.Size()
}
