package crucible

import (
	"strconv"
	"sync"
	"unsafe"
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide allocator, creating it with default
// options on first use. The heap region itself is not reserved until the
// first allocation.
func Default() *Allocator {
	defaultOnce.Do(func() {
		var err error
		defaultAllocator, err = New(nil, CreateOptions{})
		if err != nil {
			panic(err)
		}
	})

	return defaultAllocator
}

// Malloc allocates from the process-wide allocator.
func Malloc(size int) (unsafe.Pointer, error) {
	return Default().Allocate(size)
}

// Free releases a payload obtained from Malloc.
func Free(ptr unsafe.Pointer) error {
	return Default().Free(ptr)
}

func addrString(addr uintptr) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}
