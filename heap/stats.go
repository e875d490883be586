package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/cruciblemem/crucible/block"
	"github.com/cruciblemem/crucible/memutils"
)

// AddStatistics sums this heap's allocation statistics into the provided
// statistics object.
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	if h.start == 0 {
		return
	}

	stats.BlockCount++
	stats.AllocationCount += h.allocCount
	stats.BlockBytes += int(h.top - h.start)
	stats.AllocationBytes += int(h.top-h.start) - h.blocksFreeSize - h.gapBytes
}

// AddDetailedStatistics walks every block and sums this heap's detailed
// allocation statistics into the provided statistics object. Bridge blocks
// count toward block bytes but are neither allocations nor unused ranges.
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	if h.start == 0 {
		return
	}

	stats.BlockCount++
	stats.BlockBytes += int(h.top - h.start)

	_ = h.VisitBlocks(func(b block.Block, free bool) error {
		switch {
		case free:
			stats.AddUnusedRange(b.Size())
		case !h.isGap(b):
			stats.AddAllocation(b.Size())
		}
		return nil
	})
}

// BuildStatsString writes a json object describing the heap region and every
// block in it, in address order.
func (h *Heap) BuildStatsString(writer *jwriter.Writer) {
	objectState := writer.Object()
	defer objectState.End()

	objectState.Name("TotalBytes").Int(int(h.top - h.start))
	objectState.Name("FreeBytes").Int(h.blocksFreeSize)
	objectState.Name("Allocations").Int(h.allocCount)
	objectState.Name("FreeBlocks").Int(h.blocksFreeCount)
	objectState.Name("BridgeBlocks").Int(len(h.gaps))

	arrayState := objectState.Name("Blocks").Array()
	defer arrayState.End()

	_ = h.VisitBlocks(func(b block.Block, free bool) error {
		blockState := arrayState.Object()
		blockState.Name("Offset").Int(int(uintptr(b) - h.start))
		blockState.Name("Size").Int(b.Size())
		switch {
		case free:
			blockState.Name("Type").String("FREE")
		case h.isGap(b):
			blockState.Name("Type").String("BRIDGE")
		default:
			blockState.Name("Type").String("ALLOCATION")
		}
		blockState.End()
		return nil
	})
}
