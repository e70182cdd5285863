package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memory/internal/utils"
)

// Budget reports what this process has placed on one memory heap
type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

// DeviceMemoryProperties caches the memory layout of a physical device and tracks how many device
// memory objects and sub-allocations have been placed on each heap.
type DeviceMemoryProperties struct {
	blockCount      [common.MaxMemoryHeaps]uint32
	allocationCount [common.MaxMemoryHeaps]uint32
	blockBytes      [common.MaxMemoryHeaps]uint64
	allocationBytes [common.MaxMemoryHeaps]uint64

	useMutex            bool
	allocationCallbacks *driver.AllocationCallbacks

	driver           Driver
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewDeviceMemoryProperties(
	useMutex bool,
	allocationCallbacks *driver.AllocationCallbacks,
	memoryDriver Driver,
) *DeviceMemoryProperties {
	return &DeviceMemoryProperties{
		useMutex:            useMutex,
		allocationCallbacks: allocationCallbacks,
		driver:              memoryDriver,
		memoryProperties:    memoryDriver.MemoryProperties(),
	}
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

// FindMemoryTypeIndex returns the lowest memory type index that carries every flag in required, none of
// the flags in forbidden, and lives on a heap of at least minHeapSize bytes.
func (m *DeviceMemoryProperties) FindMemoryTypeIndex(required, forbidden core1_0.MemoryPropertyFlags, minHeapSize int) (int, bool) {
	for typeIndex, memType := range m.memoryProperties.MemoryTypes {
		if memType.PropertyFlags&required != required {
			continue
		}
		if memType.PropertyFlags&forbidden != 0 {
			continue
		}
		if m.memoryProperties.MemoryHeaps[memType.HeapIndex].Size < minHeapSize {
			continue
		}

		return typeIndex, true
	}

	return -1, false
}

func (m *DeviceMemoryProperties) AddBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddUint64(&m.blockBytes[heapIndex], uint64(allocationSize))
	atomic.AddUint32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveBlockAllocation(heapIndex, allocationSize int) {
	if atomic.LoadUint64(&m.blockBytes[heapIndex]) < uint64(allocationSize) {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}
	atomic.AddUint64(&m.blockBytes[heapIndex], uint64(-allocationSize))
	if atomic.LoadUint32(&m.blockCount[heapIndex]) == 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}

	atomic.AddUint32(&m.blockCount[heapIndex], ^uint32(0))
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, allocationSize int) {
	atomic.AddUint64(&m.allocationBytes[heapIndex], uint64(allocationSize))
	atomic.AddUint32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, allocationSize int) {
	if atomic.LoadUint64(&m.allocationBytes[heapIndex]) < uint64(allocationSize) {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}
	atomic.AddUint64(&m.allocationBytes[heapIndex], uint64(-allocationSize))
	if atomic.LoadUint32(&m.allocationCount[heapIndex]) == 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}

	atomic.AddUint32(&m.allocationCount[heapIndex], ^uint32(0))
}

// AllocateVulkanMemory allocates a single device memory object of the requested type and size
func (m *DeviceMemoryProperties) AllocateVulkanMemory(memoryTypeIndex int, size int) (*DeviceMemory, common.VkResult, error) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	vulkanMem, res, err := m.driver.AllocateMemory(m.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	m.AddBlockAllocation(heapIndex, size)

	return &DeviceMemory{
		memory:    vulkanMem,
		driver:    m.driver,
		typeIndex: memoryTypeIndex,
		heapIndex: heapIndex,
		size:      size,
		mapMutex: utils.OptionalMutex{
			UseMutex: m.useMutex,
		},
	}, res, nil
}

func (m *DeviceMemoryProperties) FreeVulkanMemory(memory *DeviceMemory) {
	memory.freeMemory(m.allocationCallbacks)
	m.RemoveBlockAllocation(memory.heapIndex, memory.size)
}

// HeapBudgets fills budgets with the usage of len(budgets) heaps starting at firstHeap
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadUint32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadUint32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadUint64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadUint64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].Budget = m.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10
	}
}
