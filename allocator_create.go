package crucible

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cruciblemem/crucible/heap"
	"github.com/cruciblemem/crucible/mapped"
	"github.com/cruciblemem/crucible/sysmem"
)

const (
	// DefaultHeapTotalSize is the initial heap reservation used when none is
	// provided via CreateOptions.
	DefaultHeapTotalSize = 4096

	// DefaultMapThreshold is the payload byte count above which requests are
	// served from anonymous mappings when none is provided via CreateOptions.
	// It is equal to 128KiB.
	DefaultMapThreshold = 128 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// HeapTotalSize is the size in bytes of the initial heap reservation. The
	// heap grows past it through the segment break as demand requires.
	HeapTotalSize int

	// MapThreshold is the payload size in bytes above which a request bypasses
	// the heap and is served from a dedicated anonymous mapping.
	MapThreshold int

	// Segment is the data segment the heap engine draws from. When nil, a
	// sysmem.ReservedSegment with the default capacity is used.
	Segment heap.Segment

	// PageMapper is the source of anonymous mappings for large requests. When
	// nil, sysmem.AnonMapper is used.
	PageMapper mapped.PageMapper
}

// New creates a new Allocator
//
// logger - Destination for debug records of allocation activity. When nil,
// slog.Default() is used.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	heapTotalSize := options.HeapTotalSize
	if heapTotalSize == 0 {
		heapTotalSize = DefaultHeapTotalSize
	}
	if heapTotalSize < 0 {
		return nil, cerrors.Errorf("provided HeapTotalSize %d was not a positive integer", heapTotalSize)
	}

	mapThreshold := options.MapThreshold
	if mapThreshold == 0 {
		mapThreshold = DefaultMapThreshold
	}
	if mapThreshold < 0 {
		return nil, cerrors.Errorf("provided MapThreshold %d was not a positive integer", mapThreshold)
	}

	segment := options.Segment
	if segment == nil {
		var err error
		segment, err = sysmem.NewReservedSegment(0)
		if err != nil {
			return nil, err
		}
	}

	mapper := options.PageMapper
	if mapper == nil {
		mapper = sysmem.AnonMapper{}
	}

	heapEngine, err := heap.New(segment, heapTotalSize)
	if err != nil {
		return nil, err
	}

	registry, err := mapped.NewRegistry(mapper)
	if err != nil {
		return nil, err
	}

	return &Allocator{
		logger:       logger,
		mapThreshold: mapThreshold,
		heap:         heapEngine,
		mapped:       registry,
	}, nil
}
