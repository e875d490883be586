// Package block defines the in-memory representation of allocator blocks: a
// single header word packing the block size with its status flags, an optional
// footer word mirroring the size, and the payload region that doubles as
// free-list link storage while the block is free.
package block

import "unsafe"

const (
	// WordSize is the machine word in bytes. It is both the alignment unit of
	// every payload and the width of the header, footer, and link words.
	WordSize = int(unsafe.Sizeof(uintptr(0)))

	// MinBlockSize is the smallest representable block: header word, two link
	// words, and footer word. Blocks are never split below this size.
	MinBlockSize = 4 * WordSize

	usedFlag   uintptr = 0x1
	mappedFlag uintptr = 0x2
	flagsMask  uintptr = 0x7
)

// Block is the base address of a block: the address of its header word. The
// zero Block is the nil block.
//
// Because block sizes are always multiples of WordSize, the low three bits of
// the header word are free to carry the used and mapped flags.
type Block uintptr

// FromPayload recovers the block that owns a payload address handed out by
// the allocator.
func FromPayload(payload uintptr) Block {
	return Block(payload - uintptr(WordSize))
}

// SizeFor returns the block size needed to carry a payload of the requested
// byte count: the payload rounded up to the word size, plus the header and
// footer words, raised to MinBlockSize.
func SizeFor(payload int) int {
	size := alignWord(payload) + 2*WordSize
	if size < MinBlockSize {
		return MinBlockSize
	}
	return size
}

func alignWord(n int) int {
	return (n + WordSize - 1) &^ (WordSize - 1)
}

func load(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func store(addr uintptr, value uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = value
}

// Base returns the address of the block's header word.
func (b Block) Base() uintptr {
	return uintptr(b)
}

// Payload returns the address of the caller-visible region, one word past the
// header. While the block is free the same bytes hold the free-list links.
func (b Block) Payload() uintptr {
	return uintptr(b) + uintptr(WordSize)
}

// Size returns the full block size in bytes, headers included.
func (b Block) Size() int {
	return int(load(uintptr(b)) &^ flagsMask)
}

// Used reports whether the block is currently handed out to a caller.
func (b Block) Used() bool {
	return load(uintptr(b))&usedFlag != 0
}

// Mapped reports whether the block is an anonymous-mapping block rather than
// a heap block.
func (b Block) Mapped() bool {
	return load(uintptr(b))&mappedFlag != 0
}

// SetHeader writes the header word. The size must be a multiple of WordSize
// so that the flag bits stay clear of it.
func (b Block) SetHeader(size int, used bool, mapped bool) {
	header := uintptr(size)
	if used {
		header |= usedFlag
	}
	if mapped {
		header |= mappedFlag
	}
	store(uintptr(b), header)
}

// SetUsed rewrites only the used flag, leaving size and the mapped flag as
// they are.
func (b Block) SetUsed(used bool) {
	header := load(uintptr(b))
	if used {
		header |= usedFlag
	} else {
		header &^= usedFlag
	}
	store(uintptr(b), header)
}

// WriteFooter mirrors the header's size into the trailing footer word. Flags
// are not mirrored; only the size is needed for backward navigation. Every
// size change and every used/free transition must be followed by a footer
// write before the block is observed again.
func (b Block) WriteFooter() {
	store(uintptr(b)+uintptr(b.Size())-uintptr(WordSize), uintptr(b.Size()))
}

// FooterSize reads the size recorded in this block's own footer word.
func (b Block) FooterSize() int {
	return int(load(uintptr(b) + uintptr(b.Size()) - uintptr(WordSize)))
}

// PrevFooterSize reads the footer word of the block immediately below this
// one in address order. It is only meaningful when such a block exists; the
// caller is responsible for range-checking the result before trusting it.
func (b Block) PrevFooterSize() int {
	return int(load(uintptr(b) - uintptr(WordSize)))
}

// Next returns the block immediately above this one in address order. The
// caller must check the result against the heap's formatted bound before
// dereferencing it.
func (b Block) Next() Block {
	return Block(uintptr(b) + uintptr(b.Size()))
}

// Prev returns the block immediately below this one in address order, located
// through the preceding footer word. Like PrevFooterSize, the result is only
// as trustworthy as that footer.
func (b Block) Prev() Block {
	return Block(uintptr(b) - uintptr(b.PrevFooterSize()))
}

// NextFree returns the forward free-list link stored in the first payload
// word. Valid only while the block is free.
func (b Block) NextFree() Block {
	return Block(load(b.Payload()))
}

// PrevFree returns the backward free-list link stored in the second payload
// word. Valid only while the block is free.
func (b Block) PrevFree() Block {
	return Block(load(b.Payload() + uintptr(WordSize)))
}

func (b Block) SetNextFree(next Block) {
	store(b.Payload(), uintptr(next))
}

func (b Block) SetPrevFree(prev Block) {
	store(b.Payload()+uintptr(WordSize), uintptr(prev))
}
