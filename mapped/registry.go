// Package mapped manages the large-allocation side path: payloads above the
// mapping threshold are served from whole anonymous mappings instead of the
// heap, tagged through the mapped flag in their header so that free can
// dispatch on the pointer alone.
package mapped

import (
	"strconv"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/cruciblemem/crucible/block"
	"github.com/cruciblemem/crucible/memutils"
)

// PageMapper obtains and releases anonymous page-granular mappings from the
// operating system.
type PageMapper interface {
	// Map reserves a read-write anonymous mapping of length bytes and returns
	// its base address. Length is always a multiple of PageSize.
	Map(length int) (uintptr, error)
	// Unmap releases a mapping previously returned by Map, in full.
	Unmap(base uintptr, length int) error
	// PageSize returns the system page granularity. It must be a power of two.
	PageSize() int
}

// Registry tracks the mapped blocks currently live. Each block is a single
// mapping holding one header word followed by the payload; mapped blocks
// carry no footer and never appear in the heap's free lists. Registry is not
// safe for concurrent use.
type Registry struct {
	mapper PageMapper

	lengths    *swiss.Map[uintptr, int]
	count      int
	totalBytes int
}

var _ memutils.Validatable = &Registry{}

// NewRegistry creates a registry over the provided mapper.
func NewRegistry(mapper PageMapper) (*Registry, error) {
	if mapper == nil {
		return nil, errors.New("a mapped-block registry requires a page mapper")
	}
	if err := memutils.CheckPow2(mapper.PageSize(), "page size"); err != nil {
		return nil, err
	}

	return &Registry{
		mapper:  mapper,
		lengths: swiss.NewMap[uintptr, int](42),
	}, nil
}

// Allocate maps a fresh block able to hold payloadSize bytes and returns the
// payload address. The mapping length is the header plus the payload, rounded
// up to the page size; the header records the full length.
func (r *Registry) Allocate(payloadSize int) (uintptr, error) {
	if payloadSize < 1 {
		return 0, errors.Errorf("invalid allocation size: %d", payloadSize)
	}

	length := memutils.AlignUp(payloadSize+block.WordSize, r.mapper.PageSize())

	base, err := r.mapper.Map(length)
	if err != nil {
		return 0, errors.Wrapf(memutils.OutOfMemoryError, "mapping %d bytes: %v", length, err)
	}

	b := block.Block(base)
	b.SetHeader(length, true, true)

	r.lengths.Put(base, length)
	r.count++
	r.totalBytes += length

	return b.Payload(), nil
}

// Free releases the mapped block owning the provided payload address. The
// block is deregistered even if the operating system refuses the unmap, so a
// failure cannot be released twice.
func (r *Registry) Free(payload uintptr) error {
	b := block.FromPayload(payload)
	base := b.Base()

	length, ok := r.lengths.Get(base)
	if !ok {
		return errors.Errorf("no mapped block at %x is registered with this allocator", base)
	}
	if b.Size() != length {
		return errors.Errorf("mapped block at %x declares %d bytes but was mapped with %d", base, b.Size(), length)
	}

	r.lengths.Delete(base)
	r.count--
	r.totalBytes -= length

	err := r.mapper.Unmap(base, length)
	if err != nil {
		return errors.Wrapf(err, "releasing the mapped block at %x", base)
	}

	return nil
}

// Owns reports whether the payload belongs to a live mapped block.
func (r *Registry) Owns(payload uintptr) bool {
	_, ok := r.lengths.Get(block.FromPayload(payload).Base())
	return ok
}

// Count returns the number of live mapped blocks.
func (r *Registry) Count() int {
	return r.count
}

// TotalBytes returns the summed mapping lengths of all live mapped blocks.
func (r *Registry) TotalBytes() int {
	return r.totalBytes
}

// IsEmpty returns true if no mapped blocks are live.
func (r *Registry) IsEmpty() bool {
	return r.count == 0
}

func (r *Registry) Validate() error {
	if r.count != r.lengths.Count() {
		return errors.Errorf("the listed number of mapped blocks (%d) does not match the registered number (%d)", r.count, r.lengths.Count())
	}

	var failure error
	summedBytes := 0
	r.lengths.Iter(func(base uintptr, length int) bool {
		b := block.Block(base)
		switch {
		case !b.Used():
			failure = errors.Errorf("mapped block at %x is not marked used", base)
		case !b.Mapped():
			failure = errors.Errorf("mapped block at %x has lost its mapped flag", base)
		case b.Size() != length:
			failure = errors.Errorf("mapped block at %x declares %d bytes but was mapped with %d", base, b.Size(), length)
		}
		summedBytes += length
		return failure != nil
	})
	if failure != nil {
		return failure
	}

	if summedBytes != r.totalBytes {
		return errors.Errorf("the mapped byte total is %d, but the registered blocks added up to %d", r.totalBytes, summedBytes)
	}

	return nil
}

// AddStatistics sums this registry's allocation statistics into the provided
// statistics object.
func (r *Registry) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount += r.count
	stats.AllocationCount += r.count
	stats.BlockBytes += r.totalBytes
	stats.AllocationBytes += r.totalBytes
}

// AddDetailedStatistics sums this registry's allocation statistics into the
// statistics currently present in the provided statistics object.
func (r *Registry) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	r.lengths.Iter(func(base uintptr, length int) bool {
		stats.BlockCount++
		stats.BlockBytes += length
		stats.AddAllocation(length)
		return false
	})
}

// BuildStatsString writes a json array describing every live mapped block.
func (r *Registry) BuildStatsString(writer *jwriter.Writer) {
	arrayState := writer.Array()
	defer arrayState.End()

	r.lengths.Iter(func(base uintptr, length int) bool {
		objectState := arrayState.Object()
		objectState.Name("Base").String(addrString(base))
		objectState.Name("Size").Int(length)
		objectState.End()
		return false
	})
}

func addrString(addr uintptr) string {
	return "0x" + strconv.FormatUint(uint64(addr), 16)
}
