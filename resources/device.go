package resources

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mocks

// Device is the slice of a Vulkan device that the resource storage needs. NewDevice provides the
// implementation over vkngwrapper objects.
type Device interface {
	CreateBuffer(createInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error)
	BufferMemoryRequirements(buffer core1_0.Buffer) *core1_0.MemoryRequirements
	BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
	DestroyBuffer(buffer core1_0.Buffer)

	CreateImage(createInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error)
	ImageMemoryRequirements(image core1_0.Image) *core1_0.MemoryRequirements
	BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
	DestroyImage(image core1_0.Image)

	CreateImageView(createInfo core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error)
	DestroyImageView(view core1_0.ImageView)
}

type vulkanDevice struct {
	device    core1_0.Device
	callbacks *driver.AllocationCallbacks
}

// NewDevice wraps a logical device. callbacks is passed to every create and destroy call and may be nil.
func NewDevice(device core1_0.Device, callbacks *driver.AllocationCallbacks) Device {
	return &vulkanDevice{
		device:    device,
		callbacks: callbacks,
	}
}

func (d *vulkanDevice) CreateBuffer(createInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	return d.device.CreateBuffer(d.callbacks, createInfo)
}

func (d *vulkanDevice) BufferMemoryRequirements(buffer core1_0.Buffer) *core1_0.MemoryRequirements {
	return buffer.MemoryRequirements()
}

func (d *vulkanDevice) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return buffer.BindBufferMemory(memory, offset)
}

func (d *vulkanDevice) DestroyBuffer(buffer core1_0.Buffer) {
	buffer.Destroy(d.callbacks)
}

func (d *vulkanDevice) CreateImage(createInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	return d.device.CreateImage(d.callbacks, createInfo)
}

func (d *vulkanDevice) ImageMemoryRequirements(image core1_0.Image) *core1_0.MemoryRequirements {
	return image.MemoryRequirements()
}

func (d *vulkanDevice) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return image.BindImageMemory(memory, offset)
}

func (d *vulkanDevice) DestroyImage(image core1_0.Image) {
	image.Destroy(d.callbacks)
}

func (d *vulkanDevice) CreateImageView(createInfo core1_0.ImageViewCreateInfo) (core1_0.ImageView, common.VkResult, error) {
	return d.device.CreateImageView(d.callbacks, createInfo)
}

func (d *vulkanDevice) DestroyImageView(view core1_0.ImageView) {
	view.Destroy(d.callbacks)
}
