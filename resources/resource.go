package resources

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/memory"
	"github.com/vkngwrapper/devmem/rcstorage"
)

type BufferID = rcstorage.ID[Buffer, *Storage]
type ImageID = rcstorage.ID[Image, *Storage]
type ImageViewID = rcstorage.ID[ImageView, *Storage]

// Buffer is a Vulkan buffer bound to a block of GPUMemory
type Buffer struct {
	buffer  core1_0.Buffer
	block   memory.MemoryBlock
	memType memory.MemoryType
	size    int
	usage   core1_0.BufferUsageFlags
}

func (b Buffer) VulkanBuffer() core1_0.Buffer    { return b.buffer }
func (b Buffer) Block() memory.MemoryBlock       { return b.block }
func (b Buffer) MemoryType() memory.MemoryType   { return b.memType }
func (b Buffer) Size() int                       { return b.size }
func (b Buffer) Usage() core1_0.BufferUsageFlags { return b.usage }

// Release destroys the buffer and returns its memory
func (b Buffer) Release(storage *Storage) error {
	storage.device.DestroyBuffer(b.buffer)
	if !storage.memory.FreeBlock(b.block) {
		return errUnknownBlock(b.block)
	}
	return nil
}

// Image is a Vulkan image bound to a block of device-local GPUMemory
type Image struct {
	image core1_0.Image
	block memory.MemoryBlock
	info  core1_0.ImageCreateInfo
}

func (i Image) VulkanImage() core1_0.Image    { return i.image }
func (i Image) Block() memory.MemoryBlock     { return i.block }
func (i Image) Info() core1_0.ImageCreateInfo { return i.info }

// Release destroys the image and returns its memory
func (i Image) Release(storage *Storage) error {
	storage.device.DestroyImage(i.image)
	if !storage.memory.FreeBlock(i.block) {
		return errUnknownBlock(i.block)
	}
	return nil
}

// ImageView is a Vulkan image view. It holds a reference to its image, so the image outlives every
// view made from it.
type ImageView struct {
	view  core1_0.ImageView
	image ImageID
}

func (v ImageView) VulkanImageView() core1_0.ImageView { return v.view }

// Image returns the view's handle to its image. The handle is owned by the view: Clone it to keep
// the image beyond the view's lifetime.
func (v ImageView) Image() ImageID { return v.image }

// Release destroys the view and drops its reference to the image. The image itself is torn down by a
// later collect of the image storage.
func (v ImageView) Release(storage *Storage) error {
	storage.device.DestroyImageView(v.view)
	v.image.Release()
	return nil
}
