package memory

import (
	"context"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/devmem/memory/internal/utils"
	"github.com/vkngwrapper/devmem/memory/vulkan"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

type region struct {
	memType   MemoryType
	memory    *vulkan.DeviceMemory
	allocator *metadata.FreeListAllocator
}

// GPUMemory owns two fixed device memory objects, one device-local and one host-coherent, and
// sub-allocates blocks out of them. Capacity never grows after New.
type GPUMemory struct {
	logger       *slog.Logger
	mutex        utils.OptionalMutex
	deviceMemory *vulkan.DeviceMemoryProperties

	regions  [2]region
	released bool
}

func (m *GPUMemory) region(memType MemoryType) (*region, error) {
	if memType != MemoryTypeCoherent && memType != MemoryTypeLocal {
		return nil, cerrors.Newf("unknown memory type %s", memType)
	}
	if m.released {
		return nil, ErrReleased
	}

	return &m.regions[memType], nil
}

func (m *GPUMemory) regionForBlock(block MemoryBlock) *region {
	if block.Memory == nil || m.released {
		return nil
	}

	for i := range m.regions {
		if m.regions[i].memory == block.Memory {
			return &m.regions[i]
		}
	}

	return nil
}

// Allocate carves size bytes aligned to alignment out of the region for memType. The returned block
// reports exactly the requested size. Failure leaves the region untouched.
func (m *GPUMemory) Allocate(memType MemoryType, size int, alignment uint) (MemoryBlock, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, err := m.region(memType)
	if err != nil {
		return MemoryBlock{}, err
	}

	allocation, err := r.allocator.Allocate(size, alignment)
	if err != nil {
		m.logger.Debug("GPUMemory::Allocate FAILED",
			slog.String("MemoryType", memType.String()),
			slog.Int("Size", size),
			slog.Any("error", err))
		return MemoryBlock{}, cerrors.Wrapf(err, "failed to allocate from %s", memType)
	}

	m.deviceMemory.AddAllocation(r.memory.HeapIndex(), allocation.Size)
	m.logger.Debug("GPUMemory::Allocate",
		slog.String("MemoryType", memType.String()),
		slog.Int("Offset", allocation.Offset),
		slog.Int("Size", allocation.Size))

	return MemoryBlock{
		Memory: r.memory,
		Offset: allocation.Offset,
		Size:   allocation.Size,
	}, nil
}

// Free returns the block at offset in the region for memType. It returns false if no live block
// starts at that offset.
func (m *GPUMemory) Free(memType MemoryType, offset int) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, err := m.region(memType)
	if err != nil {
		return false
	}

	return m.freeFromRegion(r, offset)
}

// FreeBlock returns a block to whichever region it was allocated from. It returns false if the block
// belongs to neither region or was already freed.
func (m *GPUMemory) FreeBlock(block MemoryBlock) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r := m.regionForBlock(block)
	if r == nil {
		return false
	}

	return m.freeFromRegion(r, block.Offset)
}

func (m *GPUMemory) freeFromRegion(r *region, offset int) bool {
	allocation, found := r.allocator.Allocation(offset)
	if !found || !r.allocator.Free(offset) {
		m.logger.Debug("GPUMemory::Free of unknown block",
			slog.String("MemoryType", r.memType.String()),
			slog.Int("Offset", offset))
		return false
	}

	m.deviceMemory.RemoveAllocation(r.memory.HeapIndex(), allocation.Size)
	m.logger.Debug("GPUMemory::Free",
		slog.String("MemoryType", r.memType.String()),
		slog.Int("Offset", offset),
		slog.Int("Size", allocation.Size))
	return true
}

// Map returns a pointer to the first byte of a live coherent block. Every Map must be paired
// with an Unmap of the same block.
func (m *GPUMemory) Map(block MemoryBlock) (unsafe.Pointer, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, err := m.mappableRegion(block)
	if err != nil {
		return nil, err
	}

	data, _, err := r.memory.Map(1)
	if err != nil {
		return nil, cerrors.Wrap(err, "failed to map coherent memory")
	}

	return unsafe.Add(data, block.Offset), nil
}

func (m *GPUMemory) Unmap(block MemoryBlock) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, err := m.mappableRegion(block)
	if err != nil {
		return err
	}

	return r.memory.Unmap(1)
}

func (m *GPUMemory) mappableRegion(block MemoryBlock) (*region, error) {
	if m.released {
		return nil, ErrReleased
	}

	r := m.regionForBlock(block)
	if r == nil {
		return nil, ErrUnknownBlock
	}
	if r.memType != MemoryTypeCoherent {
		return nil, cerrors.Wrapf(ErrNotHostVisible, "block at offset %d of %s", block.Offset, r.memType)
	}
	if _, found := r.allocator.Allocation(block.Offset); !found {
		return nil, cerrors.Wrapf(ErrUnknownBlock, "offset %d of %s", block.Offset, r.memType)
	}

	return r, nil
}

// FullDefrag merges every run of address-adjacent free regions in both regions and returns the
// number of merges. It is never run implicitly.
func (m *GPUMemory) FullDefrag() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.released {
		return 0
	}

	merges := 0
	for i := range m.regions {
		merges += m.regions[i].allocator.FullDefrag()
	}

	m.logger.Debug("GPUMemory::FullDefrag", slog.Int("Merges", merges))
	return merges
}

// MemoryTypeIndex returns the Vulkan memory type index chosen for memType, or -1 for an unknown type
func (m *GPUMemory) MemoryTypeIndex(memType MemoryType) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, err := m.region(memType)
	if err != nil {
		return -1
	}
	return r.memory.MemoryTypeIndex()
}

// Memory returns the device memory backing memType, or nil after Release
func (m *GPUMemory) Memory(memType MemoryType) *vulkan.DeviceMemory {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	r, err := m.region(memType)
	if err != nil {
		return nil
	}
	return r.memory
}

// Release frees both device memory objects. Blocks still live at this point are reported in the log
// and in the returned error, but the memory is freed regardless. Calling Release again does nothing.
func (m *GPUMemory) Release() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.released {
		return nil
	}

	leaked := 0
	// Reverse order of creation
	for _, memType := range []MemoryType{MemoryTypeCoherent, MemoryTypeLocal} {
		r := &m.regions[memType]

		leaked += m.releaseUnfreedBlocks(r)

		m.deviceMemory.FreeVulkanMemory(r.memory)
		r.memory = nil
	}

	m.released = true

	if leaked > 0 {
		return cerrors.Newf("%d memory blocks were not freed before the device memory was released", leaked)
	}
	return nil
}

// releaseUnfreedBlocks logs every block still live in the region and drops it from the heap
// counters. It returns the number of blocks found.
func (m *GPUMemory) releaseUnfreedBlocks(r *region) int {
	allocations := r.allocator.Allocations()
	for _, allocation := range allocations {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed block",
			slog.String("MemoryType", r.memType.String()),
			slog.Int("offset", allocation.Offset),
			slog.Int("size", allocation.Size),
		)
		m.deviceMemory.RemoveAllocation(r.memory.HeapIndex(), allocation.Size)
	}

	return len(allocations)
}

// Budgets reports what has been placed on each memory heap of the device
func (m *GPUMemory) Budgets() []vulkan.Budget {
	budgets := make([]vulkan.Budget, m.deviceMemory.MemoryHeapCount())
	m.deviceMemory.HeapBudgets(0, budgets)
	return budgets
}

var _ memutils.Validatable = &GPUMemory{}

// Validate checks the bookkeeping of both regions
func (m *GPUMemory) Validate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.released {
		return ErrReleased
	}

	for i := range m.regions {
		err := m.regions[i].allocator.Validate()
		if err != nil {
			return cerrors.Wrapf(err, "%s", m.regions[i].memType)
		}
	}
	return nil
}
