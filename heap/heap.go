// Package heap implements the block-level heap engine: a segregated free-list
// manager over a contiguous byte region obtained from a Segment, with
// boundary-tag coalescing, block splitting, and gap bridging across
// non-contiguous segment extensions.
package heap

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/cruciblemem/crucible/block"
	"github.com/cruciblemem/crucible/memutils"
)

// NumLists is the number of segregated size classes. Classes cover power-of-two
// ranges upward from block.MinBlockSize, with the last class unbounded above.
const NumLists = 8

// Segment is the source of the byte region the heap formats into blocks. It
// models a program data segment: a fixed starting reservation plus a break
// that can only move toward higher addresses.
type Segment interface {
	// Reserve establishes the initial region of the given size and returns its
	// base address. The base must be aligned to block.WordSize. Reserve is
	// called exactly once, before any Grow.
	Reserve(size int) (uintptr, error)
	// Grow moves the break forward by at least delta bytes. It returns the
	// previous break and the number of bytes actually granted, which may
	// exceed delta. The previous break may lie above the region the heap has
	// seen so far when intervening bytes have been claimed by other residents
	// of the segment.
	Grow(delta int) (uintptr, int, error)
}

// Heap is the block-level engine. Blocks tile the address range
// [start, top) exactly; the word at top holds a size-zero used boundary
// header, and [top+WordSize, end) is unformatted reserve. Heap is not safe
// for concurrent use.
type Heap struct {
	segment   Segment
	totalSize int

	start uintptr
	top   uintptr
	end   uintptr

	freeLists [NumLists]block.Block
	gaps      []block.Block

	allocCount      int
	blocksFreeCount int
	blocksFreeSize  int
	gapBytes        int
}

var _ memutils.Validatable = &Heap{}

// New creates an engine over the provided segment. The initial reservation of
// totalSize bytes is deferred until the first Allocate call.
func New(segment Segment, totalSize int) (*Heap, error) {
	if segment == nil {
		return nil, cerrors.New("a heap requires a segment to draw memory from")
	}
	if totalSize < block.MinBlockSize+block.WordSize {
		return nil, cerrors.Errorf("initial size %d cannot hold a block and the boundary word", totalSize)
	}
	if !memutils.IsAligned(totalSize, block.WordSize) {
		return nil, cerrors.Errorf("initial size %d is not a multiple of the word size", totalSize)
	}

	return &Heap{
		segment:   segment,
		totalSize: totalSize,
	}, nil
}

// Bounds returns the current extent of the segment region the heap manages.
// Both values are zero before the first allocation.
func (h *Heap) Bounds() (start, end uintptr) {
	return h.start, h.end
}

// Contains reports whether an address lies inside the heap region. Mapped
// blocks live outside it.
func (h *Heap) Contains(addr uintptr) bool {
	return addr >= h.start && addr < h.end
}

// AllocationCount returns the number of live allocations in the heap.
func (h *Heap) AllocationCount() int {
	return h.allocCount
}

// FreeBlockCount returns the number of blocks currently in the segregated
// free lists.
func (h *Heap) FreeBlockCount() int {
	return h.blocksFreeCount
}

// SumFreeSize returns the number of bytes held by free blocks.
func (h *Heap) SumFreeSize() int {
	return h.blocksFreeSize
}

// IsEmpty returns true if the heap has no live allocations.
func (h *Heap) IsEmpty() bool {
	return h.allocCount == 0
}

// Gaps returns the bridge blocks synthesized for non-contiguous segment
// extensions, for diagnostics.
func (h *Heap) Gaps() []block.Block {
	return h.gaps
}

func (h *Heap) init() error {
	base, err := h.segment.Reserve(h.totalSize)
	if err != nil {
		return cerrors.Wrapf(memutils.OutOfMemoryError, "reserving the initial %d-byte heap region: %v", h.totalSize, err)
	}
	if !memutils.IsAligned(base, uintptr(block.WordSize)) {
		return cerrors.Errorf("segment returned a misaligned base address %x", base)
	}

	h.start = base
	h.top = base
	h.end = base + uintptr(h.totalSize)
	h.formatTail()

	return nil
}

// Allocate carves a block whose payload can hold size bytes and returns the
// payload address. The heap is extended through the segment when no free
// block fits; a miss after extension is out of memory.
func (h *Heap) Allocate(size int) (uintptr, error) {
	if size < 1 {
		return 0, cerrors.Errorf("invalid allocation size: %d", size)
	}

	if h.start == 0 {
		if err := h.init(); err != nil {
			return 0, err
		}
	}

	memutils.DebugValidate(h)

	blockSize := block.SizeFor(size)

	b := h.findFirstFit(blockSize)
	if b == 0 {
		if err := h.extend(blockSize); err != nil {
			return 0, err
		}

		b = h.findFirstFit(blockSize)
		if b == 0 {
			return 0, cerrors.Wrapf(memutils.OutOfMemoryError, "no block of %d bytes available after extending the heap", blockSize)
		}
	}

	h.removeFree(b)
	h.split(b, blockSize)

	// When the split is suppressed the whole block is handed out, so the
	// header keeps whatever size the block has after split.
	b.SetHeader(b.Size(), true, false)
	b.WriteFooter()
	h.allocCount++

	return b.Payload(), nil
}

// Free returns a payload previously handed out by Allocate to the free lists,
// merging it with any free neighbor.
func (h *Heap) Free(payload uintptr) {
	b := block.FromPayload(payload)

	b.SetUsed(false)
	b.WriteFooter()
	h.allocCount--

	h.coalesce(b)

	memutils.DebugValidate(h)
}

// split divides an unlinked free block of at least need bytes into a head of
// exactly need bytes and a free remainder, unless the remainder would be too
// small to stand as a block of its own.
func (h *Heap) split(b block.Block, need int) {
	remainder := b.Size() - need
	if remainder < block.MinBlockSize {
		return
	}

	b.SetHeader(need, false, false)
	b.WriteFooter()

	tail := b.Next()
	tail.SetHeader(remainder, false, false)
	tail.WriteFooter()
	h.insertFree(tail)
}

// coalesce merges b with its free neighbors on both sides, writes the merged
// header and footer, and inserts the result into the free lists. It returns
// the base of the merged block.
func (h *Heap) coalesce(b block.Block) block.Block {
	size := b.Size()

	next := b.Next()
	if uintptr(next) < h.top && !next.Used() && !next.Mapped() {
		h.removeFree(next)
		size += next.Size()
	}

	if prev, ok := h.prevNeighbor(b); ok {
		h.removeFree(prev)
		size += prev.Size()
		b = prev
	}

	b.SetHeader(size, false, false)
	b.WriteFooter()
	h.insertFree(b)

	return b
}

// prevNeighbor locates the block immediately below b through b's preceding
// footer word and decides whether it is safe to merge with. The footer is
// untrusted: below the first block of a span it holds bytes belonging to a
// bridge gap or to nothing at all, so the candidate is rejected unless it
// lies in the same contiguous span, its header agrees with the footer, and
// it is free.
func (h *Heap) prevNeighbor(b block.Block) (block.Block, bool) {
	base := uintptr(b)
	spanStart := h.spanStart(base)
	if base == spanStart {
		return 0, false
	}

	footerSize := b.PrevFooterSize()
	if footerSize < block.MinBlockSize || !memutils.IsAligned(footerSize, block.WordSize) {
		return 0, false
	}

	prevBase := base - uintptr(footerSize)
	if prevBase < spanStart {
		return 0, false
	}

	prev := block.Block(prevBase)
	if prev.Used() || prev.Mapped() || prev.Size() != footerSize {
		return 0, false
	}

	return prev, true
}

// spanStart returns the lowest address of the contiguous span containing
// addr: the heap start, or the end of the nearest bridge block below addr.
func (h *Heap) spanStart(addr uintptr) uintptr {
	spanStart := h.start
	for _, gap := range h.gaps {
		gapEnd := uintptr(gap.Next())
		if gapEnd <= addr && gapEnd > spanStart {
			spanStart = gapEnd
		}
	}
	return spanStart
}
