package memory

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/devmem/internal/logging"
	"github.com/vkngwrapper/devmem/memory/internal/utils"
	"github.com/vkngwrapper/devmem/memory/vulkan"
	"github.com/vkngwrapper/devmem/memutils"
	"github.com/vkngwrapper/devmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific GPUMemory behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the GPUMemory and the device memory it owns will not be
	// synchronized internally. The consumer must guarantee they are used from only one thread at a time
	// or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	localRequiredFlags     = core1_0.MemoryPropertyDeviceLocal
	localForbiddenFlags    = core1_0.MemoryPropertyHostVisible
	coherentRequiredFlags  = core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	coherentForbiddenFlags = core1_0.MemoryPropertyFlags(0)
)

// CreateOptions contains optional settings when creating a GPUMemory
type CreateOptions struct {
	// Flags indicates specific behaviors to activate or deactivate
	Flags CreateFlags

	// AllocationCallbacks is an optional set of callbacks that will be passed to Vulkan when the two
	// device memory objects are allocated and freed
	AllocationCallbacks *driver.AllocationCallbacks
}

// New creates a GPUMemory that owns one device memory object of localBudget bytes in device-local
// memory and one of coherentBudget bytes in host-visible, host-coherent, device-local memory.
//
// logger - Receives allocation traces and unreleased memory reports. May be nil.
//
// device - The device that memory will be allocated from
//
// coherentBudget, localBudget - The fixed capacity of each region in bytes
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device vulkan.Driver, coherentBudget, localBudget int, options CreateOptions) (*GPUMemory, error) {
	logger = logging.OrDiscard(logger)

	if coherentBudget < 1 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidSize, "coherent budget of %d bytes", coherentBudget)
	}
	if localBudget < 1 {
		return nil, cerrors.Wrapf(memutils.ErrInvalidSize, "local budget of %d bytes", localBudget)
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0
	deviceMemory := vulkan.NewDeviceMemoryProperties(useMutex, options.AllocationCallbacks, device)

	localTypeIndex, found := deviceMemory.FindMemoryTypeIndex(localRequiredFlags, localForbiddenFlags, localBudget)
	if !found {
		return nil, cerrors.Wrapf(memutils.ErrNoSuitableMemory, "no device-local memory type with a heap of at least %d bytes", localBudget)
	}

	coherentTypeIndex, found := deviceMemory.FindMemoryTypeIndex(coherentRequiredFlags, coherentForbiddenFlags, coherentBudget)
	if !found {
		return nil, cerrors.Wrapf(memutils.ErrNoSuitableMemory, "no host-coherent device-local memory type with a heap of at least %d bytes", coherentBudget)
	}

	logger.Info("GPUMemory::New selected memory types",
		slog.Int("LocalMemoryTypeIndex", localTypeIndex),
		slog.Int("LocalBudget", localBudget),
		slog.Int("CoherentMemoryTypeIndex", coherentTypeIndex),
		slog.Int("CoherentBudget", coherentBudget),
	)

	localMemory, _, err := deviceMemory.AllocateVulkanMemory(localTypeIndex, localBudget)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to allocate %d bytes of local memory", localBudget)
	}

	coherentMemory, _, err := deviceMemory.AllocateVulkanMemory(coherentTypeIndex, coherentBudget)
	if err != nil {
		deviceMemory.FreeVulkanMemory(localMemory)
		return nil, cerrors.Wrapf(err, "failed to allocate %d bytes of coherent memory", coherentBudget)
	}

	gpuMemory := &GPUMemory{
		logger:       logger,
		mutex:        utils.OptionalMutex{UseMutex: useMutex},
		deviceMemory: deviceMemory,
	}
	gpuMemory.regions[MemoryTypeCoherent] = newRegion(MemoryTypeCoherent, coherentMemory)
	gpuMemory.regions[MemoryTypeLocal] = newRegion(MemoryTypeLocal, localMemory)

	return gpuMemory, nil
}

func newRegion(memType MemoryType, memory *vulkan.DeviceMemory) region {
	allocator := metadata.NewFreeListAllocator()
	allocator.Init(0, memory.Size())

	return region{
		memType:   memType,
		memory:    memory,
		allocator: allocator,
	}
}
