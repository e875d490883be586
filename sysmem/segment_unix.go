//go:build unix

// Package sysmem provides the operating-system memory sources the allocator
// draws from: break-style data segments for the heap engine and anonymous
// page mappings for the large-allocation path.
package sysmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/cruciblemem/crucible/memutils"
)

// DefaultReserveCapacity is the address-space reservation backing a
// ReservedSegment when no capacity is given. Reserved pages cost no memory
// until they are committed.
const DefaultReserveCapacity = 256 * 1024 * 1024

// ReservedSegment emulates a growable data segment on top of a single
// anonymous mapping: the full capacity is reserved inaccessible up front and
// pages are committed as the break moves. The break therefore always grows
// contiguously, and growth beyond the reserved capacity fails as out of
// memory.
type ReservedSegment struct {
	capacity int

	region []byte
	base   uintptr
	brk    uintptr
}

// NewReservedSegment creates a segment with the given address-space capacity,
// or DefaultReserveCapacity if capacity is 0.
func NewReservedSegment(capacity int) (*ReservedSegment, error) {
	if capacity == 0 {
		capacity = DefaultReserveCapacity
	}
	if capacity < 0 {
		return nil, cerrors.Errorf("invalid segment capacity: %d", capacity)
	}

	return &ReservedSegment{
		capacity: memutils.AlignUp(capacity, unix.Getpagesize()),
	}, nil
}

// Reserve maps the full capacity inaccessible, commits enough pages to cover
// size, and returns the base address. The logical break sits exactly size
// bytes past the base regardless of page rounding, so the first Grow is
// always contiguous.
func (s *ReservedSegment) Reserve(size int) (uintptr, error) {
	if s.region != nil {
		return 0, cerrors.New("the segment has already been reserved")
	}
	if size < 1 || size > s.capacity {
		return 0, cerrors.Errorf("initial size %d does not fit the segment capacity %d", size, s.capacity)
	}

	region, err := unix.Mmap(-1, 0, s.capacity, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, cerrors.Wrapf(err, "reserving %d bytes of address space", s.capacity)
	}

	s.region = region
	s.base = uintptr(unsafe.Pointer(&region[0]))
	s.brk = s.base

	if err := s.commit(size); err != nil {
		return 0, err
	}

	return s.base, nil
}

// Grow moves the break forward by exactly delta bytes, committing whatever
// pages the move uncovers. The previous break is returned; it always equals
// the end of the previously granted region.
func (s *ReservedSegment) Grow(delta int) (uintptr, int, error) {
	if s.region == nil {
		return 0, 0, cerrors.New("the segment has not been reserved")
	}
	if delta < 1 {
		return 0, 0, cerrors.Errorf("invalid break adjustment: %d", delta)
	}

	prev := s.brk
	if err := s.commit(delta); err != nil {
		return 0, 0, err
	}

	return prev, delta, nil
}

func (s *ReservedSegment) commit(delta int) error {
	next := s.brk + uintptr(delta)
	if next > s.base+uintptr(s.capacity) {
		return cerrors.Wrapf(memutils.OutOfMemoryError, "the segment capacity of %d bytes is exhausted", s.capacity)
	}

	pageSize := uintptr(unix.Getpagesize())
	lo := memutils.AlignDown(s.brk-s.base, pageSize)
	hi := memutils.AlignUp(next-s.base, pageSize)

	err := unix.Mprotect(s.region[lo:hi], unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return cerrors.Wrapf(err, "committing segment pages [%x, %x)", lo, hi)
	}

	s.brk = next
	return nil
}
