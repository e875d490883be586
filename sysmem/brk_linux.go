//go:build linux

package sysmem

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/cruciblemem/crucible/memutils"
)

// BreakSegment adjusts the real program break of the process. Unlike
// ReservedSegment, the bytes between two adjustments may have been claimed by
// other residents of the data segment, so consumers must be prepared for a
// non-contiguous previous break. The engine assumes exclusive use of the
// break within the process; interleaving adjustments from elsewhere corrupts
// its view of the segment.
type BreakSegment struct {
	reserved bool
}

func brk(addr uintptr) uintptr {
	current, _, _ := unix.Syscall(unix.SYS_BRK, addr, 0, 0)
	return current
}

// Reserve claims the initial region by moving the break size bytes past its
// current position.
func (s *BreakSegment) Reserve(size int) (uintptr, error) {
	if s.reserved {
		return 0, cerrors.New("the segment has already been reserved")
	}
	if size < 1 {
		return 0, cerrors.Errorf("invalid initial size: %d", size)
	}

	base, _, err := s.Grow(size)
	if err != nil {
		return 0, err
	}

	s.reserved = true
	return base, nil
}

// Grow moves the program break forward by delta bytes and returns the
// previous break. The kernel leaves the break untouched on failure, which
// surfaces as out of memory.
func (s *BreakSegment) Grow(delta int) (uintptr, int, error) {
	if delta < 1 {
		return 0, 0, cerrors.Errorf("invalid break adjustment: %d", delta)
	}

	prev := brk(0)
	next := brk(prev + uintptr(delta))
	if next < prev+uintptr(delta) {
		return 0, 0, cerrors.Wrapf(memutils.OutOfMemoryError, "the kernel refused to move the break %d bytes", delta)
	}

	return prev, int(next - prev), nil
}
