//go:build unix

package sysmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// AnonMapper obtains and releases whole anonymous mappings. Each mapping is
// independent of the data segment and of every other mapping.
type AnonMapper struct{}

func (AnonMapper) Map(length int) (uintptr, error) {
	region, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, cerrors.Wrapf(err, "mapping %d anonymous bytes", length)
	}

	return uintptr(unsafe.Pointer(&region[0])), nil
}

func (AnonMapper) Unmap(base uintptr, length int) error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(base)), length)

	err := unix.Munmap(region)
	if err != nil {
		return cerrors.Wrapf(err, "unmapping %d bytes at %x", length, base)
	}

	return nil
}

func (AnonMapper) PageSize() int {
	return unix.Getpagesize()
}
