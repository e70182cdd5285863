package vulkan

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

//go:generate mockgen -source driver.go -destination ./mocks/driver.go -package mocks

// Driver is the slice of the Vulkan device surface that device memory management needs. NewDriver
// provides the implementation over vkngwrapper objects.
type Driver interface {
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
	AllocateMemory(callbacks *driver.AllocationCallbacks, allocateInfo core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
	FreeMemory(memory core1_0.DeviceMemory, callbacks *driver.AllocationCallbacks)
	MapMemory(memory core1_0.DeviceMemory, offset int, size int) (unsafe.Pointer, common.VkResult, error)
	UnmapMemory(memory core1_0.DeviceMemory)
}

type vulkanDriver struct {
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device

	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

// NewDriver wraps a physical device and the logical device created from it
func NewDriver(physicalDevice core1_0.PhysicalDevice, device core1_0.Device) Driver {
	return &vulkanDriver{
		physicalDevice: physicalDevice,
		device:         device,
	}
}

func (d *vulkanDriver) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	if d.memoryProperties == nil {
		d.memoryProperties = d.physicalDevice.MemoryProperties()
	}
	return d.memoryProperties
}

func (d *vulkanDriver) AllocateMemory(callbacks *driver.AllocationCallbacks, allocateInfo core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
	return d.device.AllocateMemory(callbacks, allocateInfo)
}

func (d *vulkanDriver) FreeMemory(memory core1_0.DeviceMemory, callbacks *driver.AllocationCallbacks) {
	memory.Free(callbacks)
}

func (d *vulkanDriver) MapMemory(memory core1_0.DeviceMemory, offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	return memory.Map(offset, size, 0)
}

func (d *vulkanDriver) UnmapMemory(memory core1_0.DeviceMemory) {
	memory.Unmap()
}
