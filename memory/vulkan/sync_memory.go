package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/devmem/memory/internal/utils"
)

// DeviceMemory is one device memory object. The whole object is mapped at once and the mapping is
// reference counted, so several sub-allocations can hold pointers into it at the same time.
type DeviceMemory struct {
	mapReferences int
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   core1_0.DeviceMemory
	driver   Driver

	typeIndex int
	heapIndex int
	size      int
}

func (m *DeviceMemory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *DeviceMemory) MemoryTypeIndex() int { return m.typeIndex }

func (m *DeviceMemory) HeapIndex() int { return m.heapIndex }

func (m *DeviceMemory) Size() int { return m.size }

func (m *DeviceMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *DeviceMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

// Map adds references to the mapping of this memory, mapping it on the first reference, and returns
// a pointer to its first byte
func (m *DeviceMemory) Map(references int) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the memory is showing existing mapping references, but no mapped memory")
		}

		m.mapReferences += references
		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, result, err := m.driver.MapMemory(m.memory, 0, m.size)
	if err != nil {
		return nil, result, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, result, nil
}

// Unmap removes references from the mapping of this memory and unmaps it when none are left
func (m *DeviceMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return nil
	}

	if m.mapReferences < references {
		return errors.Newf("device memory has %d references being unmapped but only %d are mapped", references, m.mapReferences)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.driver.UnmapMemory(m.memory)
		m.mapData = nil
	}

	return nil
}

func (m *DeviceMemory) freeMemory(callbacks *driver.AllocationCallbacks) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.driver.UnmapMemory(m.memory)
		m.mapReferences = 0
		m.mapData = nil
	}

	m.driver.FreeMemory(m.memory, callbacks)
}
