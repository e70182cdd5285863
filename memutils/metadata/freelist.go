package metadata

import (
	"math"
	"sort"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/devmem/memutils"
)

// MinBlockSize is the largest leftover that will not be returned to the free list when a free region
// is carved. Leftovers of this size or smaller stay attached to the allocation that produced them
// until it is freed.
const MinBlockSize = 32

// FreeListAllocator is a BlockMetadata implementation that keeps an unordered list of free regions
// and a map of live allocations keyed by the offset handed to the caller.
//
// Allocation is best-fit: every free region is scanned and the one that leaves the least space over
// after alignment padding is chosen. Ties go to the region found first in list order.
//
// Freed regions are appended to the end of the free list, after which FastDefrag merges the first two
// entries in the list if they touch. No other merging happens unless FullDefrag is called, so
// address-adjacent free regions can stay separate for the lifetime of the allocator.
type FreeListAllocator struct {
	base        Suballocation
	freeBlocks  []Suballocation
	usedBlocks  *swiss.Map[int, usedBlock]
	sumFreeSize int
}

var _ BlockMetadata = &FreeListAllocator{}

func NewFreeListAllocator() *FreeListAllocator {
	return &FreeListAllocator{
		usedBlocks: swiss.NewMap[int, usedBlock](42),
	}
}

// Init resets the allocator to a single free region spanning [offset, offset+size). Any live
// allocations are forgotten.
func (m *FreeListAllocator) Init(offset, size int) {
	m.base = Suballocation{Offset: offset, Size: size}
	m.freeBlocks = []Suballocation{m.base}
	m.usedBlocks = swiss.NewMap[int, usedBlock](42)
	m.sumFreeSize = size
}

// Base returns the region this allocator was initialized with
func (m *FreeListAllocator) Base() Suballocation { return m.base }

// Size returns the size of the managed region in bytes
func (m *FreeListAllocator) Size() int { return m.base.Size }

func (m *FreeListAllocator) AllocationCount() int { return m.usedBlocks.Count() }

func (m *FreeListAllocator) FreeRegionsCount() int { return len(m.freeBlocks) }

func (m *FreeListAllocator) SumFreeSize() int { return m.sumFreeSize }

func (m *FreeListAllocator) IsEmpty() bool { return m.usedBlocks.Count() == 0 }

// FreeRegions returns a copy of the free list in list order
func (m *FreeListAllocator) FreeRegions() []Suballocation {
	regions := make([]Suballocation, len(m.freeBlocks))
	copy(regions, m.freeBlocks)
	return regions
}

// Allocation returns the live allocation that starts at offset, as it was handed to the caller
func (m *FreeListAllocator) Allocation(offset int) (Suballocation, bool) {
	used, ok := m.usedBlocks.Get(offset)
	if !ok {
		return Suballocation{}, false
	}
	return Suballocation{Offset: offset, Size: used.size}, true
}

// Allocate carves size bytes aligned to alignment out of the best-fitting free region. An alignment
// of 0 is treated as 1. On failure the allocator is left untouched.
func (m *FreeListAllocator) Allocate(size int, alignment uint) (Suballocation, error) {
	if size < 1 {
		return Suballocation{}, cerrors.Wrapf(memutils.ErrInvalidSize, "requested %d bytes", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return Suballocation{}, err
	}
	// Offsets are ints, so no region can be aligned past math.MaxInt
	if alignment > uint(math.MaxInt) {
		return Suballocation{}, cerrors.Wrapf(memutils.ErrOutOfMemory, "alignment %d", alignment)
	}

	bestIndex := -1
	minOverhead := 0

	for i, block := range m.freeBlocks {
		padding := memutils.AlignmentPadding(block.Offset, alignment)
		if padding > block.Size || size > block.Size-padding {
			continue
		}

		overhead := block.Size - padding - size
		if bestIndex < 0 || overhead < minOverhead {
			bestIndex = i
			minOverhead = overhead
		}
	}

	if bestIndex < 0 {
		return Suballocation{}, cerrors.Wrapf(memutils.ErrOutOfMemory,
			"size %d alignment %d: %d bytes free across %d regions", size, alignment, m.sumFreeSize, len(m.freeBlocks))
	}

	block := m.freeBlocks[bestIndex]
	m.removeFreeBlock(bestIndex)

	allocation := Suballocation{Offset: memutils.AlignUp(block.Offset, alignment), Size: size}
	padding := allocation.Offset - block.Offset
	reserved := Suballocation{Offset: block.Offset, Size: padding + size}

	// Large alignment gaps go back to the free list rather than sitting idle behind the allocation
	if padding > MinBlockSize {
		m.freeBlocks = append(m.freeBlocks, Suballocation{Offset: block.Offset, Size: padding})
		reserved = allocation
	}

	remainder := block.End() - allocation.End()
	if remainder > MinBlockSize {
		m.freeBlocks = append(m.freeBlocks, Suballocation{Offset: allocation.End(), Size: remainder})
	} else {
		reserved.Size += remainder
	}

	m.usedBlocks.Put(allocation.Offset, usedBlock{reserved: reserved, size: size})
	m.sumFreeSize -= reserved.Size

	memutils.DebugValidate(m)
	return allocation, nil
}

// Free returns the allocation that starts at offset to the free list and attempts a FastDefrag. It
// returns false, and changes nothing, when no live allocation starts at offset.
func (m *FreeListAllocator) Free(offset int) bool {
	used, ok := m.usedBlocks.Get(offset)
	if !ok {
		return false
	}

	m.usedBlocks.Delete(offset)
	m.freeBlocks = append(m.freeBlocks, used.reserved)
	m.sumFreeSize += used.reserved.Size
	m.FastDefrag()

	memutils.DebugValidate(m)
	return true
}

// FastDefrag looks at the first two entries of the free list and merges them into one entry at the
// head of the list if they are address-adjacent. It reports whether a merge took place. Nothing past
// the second entry is examined.
func (m *FreeListAllocator) FastDefrag() bool {
	if len(m.freeBlocks) < 2 {
		return false
	}

	first, second := m.freeBlocks[0], m.freeBlocks[1]
	if second.Offset < first.Offset {
		first, second = second, first
	}

	if first.End() != second.Offset {
		return false
	}

	m.freeBlocks[0] = Suballocation{Offset: first.Offset, Size: first.Size + second.Size}
	m.removeFreeBlock(1)
	return true
}

// FullDefrag sorts the free list by address and merges every run of adjacent free regions. It returns
// the number of merges performed. Afterward the free list is in address order.
func (m *FreeListAllocator) FullDefrag() int {
	if len(m.freeBlocks) < 2 {
		return 0
	}

	sort.Slice(m.freeBlocks, func(i, j int) bool {
		return m.freeBlocks[i].Offset < m.freeBlocks[j].Offset
	})

	merges := 0
	merged := m.freeBlocks[:1]
	for _, block := range m.freeBlocks[1:] {
		last := &merged[len(merged)-1]
		if last.End() == block.Offset {
			last.Size += block.Size
			merges++
			continue
		}
		merged = append(merged, block)
	}
	m.freeBlocks = merged

	memutils.DebugValidate(m)
	return merges
}

func (m *FreeListAllocator) removeFreeBlock(index int) {
	copy(m.freeBlocks[index:], m.freeBlocks[index+1:])
	m.freeBlocks = m.freeBlocks[:len(m.freeBlocks)-1]
}

type region struct {
	Suballocation
	free bool
}

func (m *FreeListAllocator) sortedRegions() []region {
	regions := make([]region, 0, len(m.freeBlocks)+m.usedBlocks.Count())
	for _, block := range m.freeBlocks {
		regions = append(regions, region{Suballocation: block, free: true})
	}
	m.usedBlocks.Iter(func(_ int, used usedBlock) bool {
		regions = append(regions, region{Suballocation: used.reserved})
		return false
	})

	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Offset < regions[j].Offset
	})
	return regions
}

// Allocations returns every live allocation, as it was handed to the caller, in address order
func (m *FreeListAllocator) Allocations() []Suballocation {
	allocations := make([]Suballocation, 0, m.usedBlocks.Count())
	m.usedBlocks.Iter(func(offset int, used usedBlock) bool {
		allocations = append(allocations, Suballocation{Offset: offset, Size: used.size})
		return false
	})

	sort.Slice(allocations, func(i, j int) bool {
		return allocations[i].Offset < allocations[j].Offset
	})
	return allocations
}

// VisitAllRegions calls handleRegion for every free region and every live allocation in address
// order. Allocations are reported with the span they reserve, so the reported regions tile the block.
func (m *FreeListAllocator) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	for _, r := range m.sortedRegions() {
		err := handleRegion(r.Offset, r.Size, r.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate checks that the free regions and live allocations tile the managed region exactly, that
// no two of them overlap, and that the cached counters agree with the lists.
func (m *FreeListAllocator) Validate() error {
	if m.sumFreeSize > m.base.Size {
		return errors.Errorf("free size %d is larger than the block size %d", m.sumFreeSize, m.base.Size)
	}

	calculatedFreeSize := 0
	for _, block := range m.freeBlocks {
		if block.Size < 1 {
			return errors.Errorf("free region at offset %d has invalid size %d", block.Offset, block.Size)
		}
		calculatedFreeSize += block.Size
	}

	if calculatedFreeSize != m.sumFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free regions add up to %d", m.sumFreeSize, calculatedFreeSize)
	}

	var validateErr error
	m.usedBlocks.Iter(func(offset int, used usedBlock) bool {
		if offset < used.reserved.Offset || offset+used.size > used.reserved.End() {
			validateErr = errors.Errorf("allocation at offset %d of size %d lies outside its reserved span [%d, %d)",
				offset, used.size, used.reserved.Offset, used.reserved.End())
			return true
		}
		return false
	})
	if validateErr != nil {
		return validateErr
	}

	nextOffset := m.base.Offset
	for _, r := range m.sortedRegions() {
		if r.Offset < nextOffset {
			return errors.Errorf("region at offset %d overlaps the region ending at %d", r.Offset, nextOffset)
		}
		if r.Offset > nextOffset {
			return errors.Errorf("bytes [%d, %d) are neither free nor allocated", nextOffset, r.Offset)
		}
		nextOffset = r.End()
	}

	if nextOffset != m.base.End() {
		return errors.Errorf("the block ends at %d, but its regions only reach %d", m.base.End(), nextOffset)
	}

	return nil
}

func (m *FreeListAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.base.Size

	for _, block := range m.freeBlocks {
		stats.AddUnusedRange(block.Size)
	}

	m.usedBlocks.Iter(func(_ int, used usedBlock) bool {
		stats.AddAllocation(used.size, used.reserved.Size)
		return false
	})
}

func (m *FreeListAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.base.Size
	stats.AllocationCount += m.usedBlocks.Count()

	m.usedBlocks.Iter(func(_ int, used usedBlock) bool {
		stats.AllocationBytes += used.size
		stats.PaddingBytes += used.reserved.Size - used.size
		return false
	})
}

// BlockJsonData populates a json object with information about this block
func (m *FreeListAllocator) BlockJsonData(json jwriter.ObjectState) {
	writeBlockJson(json, m.base.Size, m.sumFreeSize, m.usedBlocks.Count(), len(m.freeBlocks))

	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	for _, r := range m.sortedRegions() {
		obj := arrayState.Object()
		obj.Name("Offset").Int(r.Offset)
		obj.Name("Size").Int(r.Size)
		if r.free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		obj.End()
	}
}
