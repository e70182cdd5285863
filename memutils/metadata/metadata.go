package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devmem/memutils"
)

// BlockMetadata represents the bookkeeping for a single large allocation of memory within some system.
// It manages suballocations within the block, allowing allocations to be requested and freed, as well
// as enumerated and queried. It knows nothing about the memory itself: only offsets and sizes.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It resets the metadata to a single free
	// region spanning [offset, offset+size).
	Init(offset, size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation.
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions tracked by the block. Address-adjacent
	// regions that have not been merged are counted separately.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in address order. Allocations are reported with the full span they reserve.
	VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// Allocate carves size bytes aligned to alignment out of the block. It fails with an error wrapping
	// memutils.ErrOutOfMemory when no free region can hold the request, leaving the metadata untouched.
	Allocate(size int, alignment uint) (Suballocation, error)
	// Free returns the allocation that starts at offset to the block. It returns false if no live
	// allocation starts at offset.
	Free(offset int) bool
}

// writeBlockJson writes the summary fields shared by every BlockMetadata implementation
func writeBlockJson(json jwriter.ObjectState, size, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(size)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
