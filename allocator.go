// Package crucible is a general-purpose dynamic memory allocator managing its
// own heap region in user space. Small requests are served from a segregated
// free-list heap engine over a break-style data segment; requests above a
// threshold bypass the heap entirely through whole anonymous mappings.
package crucible

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/cruciblemem/crucible/block"
	"github.com/cruciblemem/crucible/heap"
	"github.com/cruciblemem/crucible/mapped"
	"github.com/cruciblemem/crucible/memutils"
)

// Allocator coordinates the heap engine and the mapped-block registry behind
// the two public operations, Allocate and Free. It is not safe for concurrent
// use; a multi-threaded consumer must serialize calls with an external mutex.
type Allocator struct {
	logger       *slog.Logger
	mapThreshold int

	heap   *heap.Heap
	mapped *mapped.Registry
}

var _ memutils.Validatable = &Allocator{}

// Allocate returns a word-aligned payload of at least size bytes, or nil with
// a wrapped memutils.OutOfMemoryError when neither the heap nor the operating
// system can serve the request. A size of zero or less returns nil with no
// error.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, nil
	}

	if size > a.mapThreshold {
		payload, err := a.mapped.Allocate(size)
		if err != nil {
			return nil, err
		}

		a.logger.Debug("Allocator::Allocate mapped", slog.Int("Size", size), slog.String("Payload", addrString(payload)))
		return unsafe.Pointer(payload), nil
	}

	payload, err := a.heap.Allocate(size)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size), slog.String("Payload", addrString(payload)))
	return unsafe.Pointer(payload), nil
}

// Free releases a payload previously returned by Allocate. A nil pointer is a
// silent no-op. Passing any other pointer not issued by Allocate, or freeing
// the same payload twice, is undefined behavior.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	payload := uintptr(ptr)

	if block.FromPayload(payload).Mapped() {
		a.logger.Debug("Allocator::Free mapped", slog.String("Payload", addrString(payload)))
		return a.mapped.Free(payload)
	}

	a.logger.Debug("Allocator::Free", slog.String("Payload", addrString(payload)))
	a.heap.Free(payload)
	return nil
}

// Heap exposes the block-level heap engine for diagnostics.
func (a *Allocator) Heap() *heap.Heap {
	return a.heap
}

// MappedBlocks exposes the registry of live mapped blocks for diagnostics.
func (a *Allocator) MappedBlocks() *mapped.Registry {
	return a.mapped
}

// Validate performs internal consistency checks on the heap engine and the
// mapped-block registry.
func (a *Allocator) Validate() error {
	if err := a.heap.Validate(); err != nil {
		return err
	}

	return a.mapped.Validate()
}

// CalculateStatistics populates stats with a summary of allocation activity
// across the heap and the mapped blocks.
func (a *Allocator) CalculateStatistics(stats *memutils.Statistics) {
	stats.Clear()
	a.heap.AddStatistics(stats)
	a.mapped.AddStatistics(stats)
}

// CalculateDetailedStatistics populates stats by walking every block across
// the heap and the mapped blocks. This is meaningfully more expensive than
// CalculateStatistics.
func (a *Allocator) CalculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	a.heap.AddDetailedStatistics(stats)
	a.mapped.AddDetailedStatistics(stats)
}

// BuildStatsString returns a json string describing the allocator's current
// state. With detailedMap set, it additionally enumerates every block in the
// heap and every live mapping.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()

	objectState := writer.Object()

	var stats memutils.DetailedStatistics
	a.CalculateDetailedStatistics(&stats)

	totalState := objectState.Name("Total").Object()
	stats.PrintJson(&totalState)
	totalState.End()

	if detailedMap {
		a.heap.BuildStatsString(objectState.Name("Heap"))
		a.mapped.BuildStatsString(objectState.Name("MappedBlocks"))
	}

	objectState.End()

	return string(writer.Bytes())
}
