package resources

import (
	"context"
	"time"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/internal/logging"
	"github.com/vkngwrapper/devmem/memory"
	"github.com/vkngwrapper/devmem/rcstorage"
	"golang.org/x/exp/slog"
)

// Waiter is a completion signal, normally a fence, that reports when the device has finished the
// work submitted before it
type Waiter interface {
	Wait(timeout time.Duration) (common.VkResult, error)
}

// Storage creates buffers, images and image views backed by a GPUMemory and hands them out as
// reference-counted handles. Dropping the last handle to a resource does not destroy it: that
// happens on the next Collect, which the owner calls once the device is done with the resource.
//
// Storage is not safe for concurrent use.
type Storage struct {
	logger *slog.Logger
	device Device
	memory *memory.GPUMemory

	buffers *rcstorage.Storage[Buffer, *Storage]
	images  *rcstorage.Storage[Image, *Storage]
	views   *rcstorage.Storage[ImageView, *Storage]
}

func New(logger *slog.Logger, device Device, gpuMemory *memory.GPUMemory) *Storage {
	logger = logging.OrDiscard(logger)

	return &Storage{
		logger: logger,
		device: device,
		memory: gpuMemory,

		buffers: rcstorage.New[Buffer, *Storage](logger.With(slog.String("Storage", "Buffers"))),
		images:  rcstorage.New[Image, *Storage](logger.With(slog.String("Storage", "Images"))),
		views:   rcstorage.New[ImageView, *Storage](logger.With(slog.String("Storage", "ImageViews"))),
	}
}

func (s *Storage) allocateFor(memType memory.MemoryType, requirements *core1_0.MemoryRequirements) (memory.MemoryBlock, error) {
	typeIndex := s.memory.MemoryTypeIndex(memType)
	if typeIndex < 0 || requirements.MemoryTypeBits&(1<<uint(typeIndex)) == 0 {
		return memory.MemoryBlock{}, cerrors.Wrapf(ErrIncompatibleMemory,
			"%s uses memory type %d, but the resource allows memory types %#x", memType, typeIndex, requirements.MemoryTypeBits)
	}

	return s.memory.Allocate(memType, requirements.Size, uint(requirements.Alignment))
}

// CreateBuffer creates a buffer of size bytes in memType memory. Nothing is left behind on failure.
func (s *Storage) CreateBuffer(memType memory.MemoryType, size int, usage core1_0.BufferUsageFlags) (BufferID, error) {
	buffer, _, err := s.device.CreateBuffer(core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return BufferID{}, cerrors.Wrapf(err, "failed to create buffer of %d bytes", size)
	}

	block, err := s.allocateFor(memType, s.device.BufferMemoryRequirements(buffer))
	if err != nil {
		s.device.DestroyBuffer(buffer)
		return BufferID{}, cerrors.Wrapf(err, "failed to allocate memory for buffer of %d bytes", size)
	}

	_, err = s.device.BindBufferMemory(buffer, block.Memory.VulkanDeviceMemory(), block.Offset)
	if err != nil {
		s.memory.FreeBlock(block)
		s.device.DestroyBuffer(buffer)
		return BufferID{}, cerrors.Wrap(err, "failed to bind buffer memory")
	}

	s.logger.Debug("Storage::CreateBuffer",
		slog.String("MemoryType", memType.String()),
		slog.Int("Size", size),
		slog.Int("Offset", block.Offset))

	return s.buffers.Create(Buffer{
		buffer:  buffer,
		block:   block,
		memType: memType,
		size:    size,
		usage:   usage,
	}), nil
}

// CreateImage creates an image in device-local memory. Nothing is left behind on failure.
func (s *Storage) CreateImage(info core1_0.ImageCreateInfo) (ImageID, error) {
	image, _, err := s.device.CreateImage(info)
	if err != nil {
		return ImageID{}, cerrors.Wrap(err, "failed to create image")
	}

	block, err := s.allocateFor(memory.MemoryTypeLocal, s.device.ImageMemoryRequirements(image))
	if err != nil {
		s.device.DestroyImage(image)
		return ImageID{}, cerrors.Wrap(err, "failed to allocate memory for image")
	}

	_, err = s.device.BindImageMemory(image, block.Memory.VulkanDeviceMemory(), block.Offset)
	if err != nil {
		s.memory.FreeBlock(block)
		s.device.DestroyImage(image)
		return ImageID{}, cerrors.Wrap(err, "failed to bind image memory")
	}

	s.logger.Debug("Storage::CreateImage",
		slog.Int("Width", info.Extent.Width),
		slog.Int("Height", info.Extent.Height),
		slog.Int("Offset", block.Offset))

	return s.images.Create(Image{
		image: image,
		block: block,
		info:  info,
	}), nil
}

// CreateImageView creates a view of image. info.Image is filled in from the handle. The view takes
// its own reference to the image.
func (s *Storage) CreateImageView(image ImageID, info core1_0.ImageViewCreateInfo) (ImageViewID, error) {
	img, err := image.Get()
	if err != nil {
		return ImageViewID{}, cerrors.Wrap(err, "cannot create a view of an invalid image")
	}

	info.Image = img.image
	view, _, err := s.device.CreateImageView(info)
	if err != nil {
		return ImageViewID{}, cerrors.Wrap(err, "failed to create image view")
	}

	return s.views.Create(ImageView{
		view:  view,
		image: image.Clone(),
	}), nil
}

// Map returns the contents of a coherent buffer as a byte slice. Each Map must be paired with an
// Unmap, after which the slice must not be used.
func (s *Storage) Map(id BufferID) ([]byte, error) {
	buffer, err := id.Get()
	if err != nil {
		return nil, err
	}

	if buffer.memType != memory.MemoryTypeCoherent {
		return nil, cerrors.Wrapf(memory.ErrNotHostVisible, "buffer %s is in %s", id, buffer.memType)
	}

	ptr, err := s.memory.Map(buffer.block)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), buffer.size), nil
}

func (s *Storage) Unmap(id BufferID) error {
	buffer, err := id.Get()
	if err != nil {
		return err
	}

	return s.memory.Unmap(buffer.block)
}

// Write copies data into a coherent buffer starting offset bytes in
func (s *Storage) Write(id BufferID, offset int, data []byte) error {
	buffer, err := id.Get()
	if err != nil {
		return err
	}

	if offset < 0 || offset+len(data) > buffer.size {
		return cerrors.Wrapf(ErrOutOfBounds, "writing %d bytes at offset %d of a %d byte buffer", len(data), offset, buffer.size)
	}

	mapped, err := s.Map(id)
	if err != nil {
		return err
	}

	copy(mapped[offset:], data)
	return s.Unmap(id)
}

// Collect destroys every resource whose last handle has been dropped. Views go first because they
// hold references to images.
func (s *Storage) Collect() error {
	return cerrors.CombineErrors(
		cerrors.CombineErrors(s.views.Collect(s), s.buffers.Collect(s)),
		s.images.Collect(s),
	)
}

// CollectAfter waits for fence and then collects. Nothing is collected if the wait fails or times out.
func (s *Storage) CollectAfter(fence Waiter, timeout time.Duration) error {
	res, err := fence.Wait(timeout)
	if err != nil {
		return cerrors.Wrap(err, "failed to wait for fence before collecting")
	}
	if res == core1_0.VKTimeout {
		return cerrors.Wrapf(ErrFenceTimeout, "after %s", timeout)
	}

	return s.Collect()
}

// Release collects everything that can be collected and reports resources that still have handles.
// The GPUMemory is left to its owner.
func (s *Storage) Release() error {
	err := s.Collect()

	leaked := 0
	s.views.VisitLive(func(index uint32, view *ImageView, refs uint32) bool {
		leaked++
		s.logUnreleasedResource("ImageView", index, refs)
		return true
	})
	s.buffers.VisitLive(func(index uint32, buffer *Buffer, refs uint32) bool {
		leaked++
		s.logUnreleasedResource("Buffer", index, refs, slog.Int("size", buffer.size))
		return true
	})
	s.images.VisitLive(func(index uint32, image *Image, refs uint32) bool {
		leaked++
		s.logUnreleasedResource("Image", index, refs)
		return true
	})

	if leaked > 0 {
		err = cerrors.CombineErrors(err, cerrors.Newf("%d resources still had handles when the storage was released", leaked))
	}
	return err
}

func (s *Storage) logUnreleasedResource(kind string, index uint32, refs uint32, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{
		slog.String("kind", kind),
		slog.Int("index", int(index)),
		slog.Int("references", int(refs)),
	}, attrs...)

	s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED RESOURCE] live handle", attrs...)
}

// Buffers, Images and ImageViews expose the underlying handle storages for inspection
func (s *Storage) Buffers() *rcstorage.Storage[Buffer, *Storage]       { return s.buffers }
func (s *Storage) Images() *rcstorage.Storage[Image, *Storage]         { return s.images }
func (s *Storage) ImageViews() *rcstorage.Storage[ImageView, *Storage] { return s.views }
