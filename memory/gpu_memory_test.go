package memory

import (
	"context"
	"testing"
	"unsafe"

	coregomock "github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	coremocks "github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/devmem/memory/vulkan"
	"github.com/vkngwrapper/devmem/memory/vulkan/mocks"
	"github.com/vkngwrapper/devmem/memutils"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const (
	testCoherentBudget = 4096
	testLocalBudget    = 8192
)

// Each memory gets its own controller, so gomock's argument matching can tell them apart
func newVulkanMemory(t *testing.T) *coremocks.MockDeviceMemory {
	return coremocks.EasyMockDeviceMemory(coregomock.NewController(t))
}

type recordingHandler struct {
	messages *[]string
}

func (h recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h recordingHandler) Handle(_ context.Context, record slog.Record) error {
	*h.messages = append(*h.messages, record.Message)
	return nil
}
func (h recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h recordingHandler) WithGroup(string) slog.Handler      { return h }

func testMemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     2,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1 << 30},
			{Size: 1 << 32},
			{Size: 256 * 1024 * 1024},
		},
	}
}

type testSetup struct {
	driver   *mocks.MockDriver
	coherent *coremocks.MockDeviceMemory
	local    *coremocks.MockDeviceMemory
}

func newTestMemory(t *testing.T, logger *slog.Logger) (*GPUMemory, testSetup) {
	ctrl := gomock.NewController(t)
	setup := testSetup{
		driver:   mocks.NewMockDriver(ctrl),
		coherent: newVulkanMemory(t),
		local:    newVulkanMemory(t),
	}

	setup.driver.EXPECT().MemoryProperties().Return(testMemoryProperties())
	gomock.InOrder(
		setup.driver.EXPECT().AllocateMemory(gomock.Nil(), core1_0.MemoryAllocateInfo{
			AllocationSize:  testLocalBudget,
			MemoryTypeIndex: 1,
		}).Return(setup.local, core1_0.VKSuccess, nil),
		setup.driver.EXPECT().AllocateMemory(gomock.Nil(), core1_0.MemoryAllocateInfo{
			AllocationSize:  testCoherentBudget,
			MemoryTypeIndex: 2,
		}).Return(setup.coherent, core1_0.VKSuccess, nil),
	)

	gpuMemory, err := New(logger, setup.driver, testCoherentBudget, testLocalBudget, CreateOptions{})
	require.NoError(t, err)

	return gpuMemory, setup
}

func (s testSetup) expectRelease() {
	gomock.InOrder(
		s.driver.EXPECT().FreeMemory(s.coherent, gomock.Nil()),
		s.driver.EXPECT().FreeMemory(s.local, gomock.Nil()),
	)
}

func TestNewSelectsMemoryTypes(t *testing.T) {
	gpuMemory, setup := newTestMemory(t, nil)

	require.Equal(t, 2, gpuMemory.MemoryTypeIndex(MemoryTypeCoherent))
	require.Equal(t, 1, gpuMemory.MemoryTypeIndex(MemoryTypeLocal))
	require.Equal(t, -1, gpuMemory.MemoryTypeIndex(MemoryType(7)))
	require.Equal(t, testCoherentBudget, gpuMemory.Memory(MemoryTypeCoherent).Size())
	require.Equal(t, testLocalBudget, gpuMemory.Memory(MemoryTypeLocal).Size())
	require.Same(t, setup.local, gpuMemory.Memory(MemoryTypeLocal).VulkanDeviceMemory())
	require.Same(t, setup.coherent, gpuMemory.Memory(MemoryTypeCoherent).VulkanDeviceMemory())

	setup.expectRelease()
	require.NoError(t, gpuMemory.Release())
	require.Nil(t, gpuMemory.Memory(MemoryTypeLocal))
}

var noSuitableMemoryTestCases = map[string]struct {
	MemoryTypes    []core1_0.MemoryType
	CoherentBudget int
	LocalBudget    int
}{
	"NoLocalMemory": {
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		CoherentBudget: 4096,
		LocalBudget:    4096,
	},
	"NoCoherentMemory": {
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		CoherentBudget: 4096,
		LocalBudget:    4096,
	},
	"HeapTooSmall": {
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     0,
			},
		},
		CoherentBudget: 4096,
		LocalBudget:    2 << 20,
	},
}

func TestNewNoSuitableMemory(t *testing.T) {
	for testName, testCase := range noSuitableMemoryTestCases {
		t.Run(testName, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			driver := mocks.NewMockDriver(ctrl)
			driver.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
				MemoryTypes: testCase.MemoryTypes,
				MemoryHeaps: []core1_0.MemoryHeap{{Size: 1 << 20}},
			})

			gpuMemory, err := New(nil, driver, testCase.CoherentBudget, testCase.LocalBudget, CreateOptions{})
			require.ErrorIs(t, err, memutils.ErrNoSuitableMemory)
			require.Nil(t, gpuMemory)
		})
	}
}

func TestNewRejectsEmptyBudgets(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mocks.NewMockDriver(ctrl)

	_, err := New(nil, driver, 0, 4096, CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = New(nil, driver, 4096, -1, CreateOptions{})
	require.ErrorIs(t, err, memutils.ErrInvalidSize)
}

func TestNewFreesLocalWhenCoherentFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mocks.NewMockDriver(ctrl)
	local := newVulkanMemory(t)

	driver.EXPECT().MemoryProperties().Return(testMemoryProperties())
	gomock.InOrder(
		driver.EXPECT().AllocateMemory(gomock.Nil(), core1_0.MemoryAllocateInfo{
			AllocationSize:  testLocalBudget,
			MemoryTypeIndex: 1,
		}).Return(local, core1_0.VKSuccess, nil),
		driver.EXPECT().AllocateMemory(gomock.Nil(), core1_0.MemoryAllocateInfo{
			AllocationSize:  testCoherentBudget,
			MemoryTypeIndex: 2,
		}).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
		driver.EXPECT().FreeMemory(local, gomock.Nil()),
	)

	gpuMemory, err := New(nil, driver, testCoherentBudget, testLocalBudget, CreateOptions{Flags: CreateExternallySynchronized})
	require.Error(t, err)
	require.Nil(t, gpuMemory)
}

func TestAllocateAndFree(t *testing.T) {
	gpuMemory, setup := newTestMemory(t, nil)

	block, err := gpuMemory.Allocate(MemoryTypeLocal, 100, 64)
	require.NoError(t, err)
	require.Equal(t, gpuMemory.Memory(MemoryTypeLocal), block.Memory)
	require.Equal(t, 0, block.Offset)
	require.Equal(t, 100, block.Size)

	second, err := gpuMemory.Allocate(MemoryTypeLocal, 100, 64)
	require.NoError(t, err)
	require.Equal(t, 128, second.Offset)

	coherent, err := gpuMemory.Allocate(MemoryTypeCoherent, 16, 16)
	require.NoError(t, err)
	require.Equal(t, gpuMemory.Memory(MemoryTypeCoherent), coherent.Memory)
	require.NoError(t, gpuMemory.Validate())

	budgets := gpuMemory.Budgets()
	require.Len(t, budgets, 3)
	require.Equal(t, 200, budgets[0].Statistics.AllocationBytes)
	require.Equal(t, testLocalBudget, budgets[0].Statistics.BlockBytes)
	require.Equal(t, 16, budgets[2].Statistics.AllocationBytes)

	// Identity is the owning memory, not the offset
	require.False(t, gpuMemory.FreeBlock(MemoryBlock{Memory: &vulkan.DeviceMemory{}, Offset: 0, Size: 100}))
	require.False(t, gpuMemory.FreeBlock(MemoryBlock{}))
	require.False(t, gpuMemory.Free(MemoryTypeCoherent, 128))

	require.True(t, gpuMemory.FreeBlock(block))
	require.False(t, gpuMemory.FreeBlock(block))
	require.True(t, gpuMemory.Free(MemoryTypeLocal, 128))
	require.False(t, gpuMemory.Free(MemoryTypeLocal, 128))
	require.True(t, gpuMemory.FreeBlock(coherent))

	budgets = gpuMemory.Budgets()
	require.Equal(t, 0, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 0, budgets[2].Statistics.AllocationCount)

	setup.expectRelease()
	require.NoError(t, gpuMemory.Release())
}

func TestAllocateOutOfMemory(t *testing.T) {
	gpuMemory, setup := newTestMemory(t, nil)

	_, err := gpuMemory.Allocate(MemoryTypeCoherent, testCoherentBudget+1, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	block, err := gpuMemory.Allocate(MemoryTypeCoherent, testCoherentBudget, 1)
	require.NoError(t, err)

	_, err = gpuMemory.Allocate(MemoryTypeCoherent, 1, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	_, err = gpuMemory.Allocate(MemoryTypeLocal, 0, 1)
	require.ErrorIs(t, err, memutils.ErrInvalidSize)

	_, err = gpuMemory.Allocate(MemoryTypeLocal, 16, 3)
	require.ErrorIs(t, err, memutils.ErrPowerOfTwo)

	require.True(t, gpuMemory.FreeBlock(block))

	setup.expectRelease()
	require.NoError(t, gpuMemory.Release())
}

func TestMapCoherentBlocks(t *testing.T) {
	gpuMemory, setup := newTestMemory(t, nil)

	first, err := gpuMemory.Allocate(MemoryTypeCoherent, 64, 16)
	require.NoError(t, err)
	second, err := gpuMemory.Allocate(MemoryTypeCoherent, 64, 16)
	require.NoError(t, err)
	require.Equal(t, 64, second.Offset)

	backing := make([]byte, testCoherentBudget)
	setup.driver.EXPECT().MapMemory(setup.coherent, 0, testCoherentBudget).
		Return(unsafe.Pointer(&backing[0]), core1_0.VKSuccess, nil)

	ptr, err := gpuMemory.Map(second)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&backing[64]), ptr)

	*(*byte)(ptr) = 0xAB
	require.Equal(t, byte(0xAB), backing[64])

	ptr, err = gpuMemory.Map(first)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&backing[0]), ptr)
	require.Equal(t, 2, gpuMemory.Memory(MemoryTypeCoherent).References())

	require.NoError(t, gpuMemory.Unmap(first))
	setup.driver.EXPECT().UnmapMemory(setup.coherent)
	require.NoError(t, gpuMemory.Unmap(second))

	local, err := gpuMemory.Allocate(MemoryTypeLocal, 64, 16)
	require.NoError(t, err)
	_, err = gpuMemory.Map(local)
	require.ErrorIs(t, err, ErrNotHostVisible)

	require.True(t, gpuMemory.FreeBlock(first))
	_, err = gpuMemory.Map(first)
	require.ErrorIs(t, err, ErrUnknownBlock)

	require.True(t, gpuMemory.FreeBlock(second))
	require.True(t, gpuMemory.FreeBlock(local))

	setup.expectRelease()
	require.NoError(t, gpuMemory.Release())
}

func TestReleaseReportsUnreleasedMemory(t *testing.T) {
	var messages []string
	logger := slog.New(recordingHandler{messages: &messages})
	gpuMemory, setup := newTestMemory(t, logger)

	block, err := gpuMemory.Allocate(MemoryTypeLocal, 256, 1)
	require.NoError(t, err)
	_, err = gpuMemory.Allocate(MemoryTypeCoherent, 256, 1)
	require.NoError(t, err)

	budgets := gpuMemory.Budgets()
	require.Equal(t, 1, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 1, budgets[2].Statistics.AllocationCount)

	setup.expectRelease()
	err = gpuMemory.Release()
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 memory blocks")
	require.Contains(t, messages, "[UNRELEASED MEMORY] unfreed block")

	// Leaked blocks leave the heap counters along with their memory
	for _, budget := range gpuMemory.Budgets() {
		require.Equal(t, memutils.Statistics{}, budget.Statistics)
		require.Equal(t, 0, budget.Usage)
	}

	// The memory is gone regardless
	require.NoError(t, gpuMemory.Release())
	require.False(t, gpuMemory.FreeBlock(block))
	require.False(t, gpuMemory.Free(MemoryTypeLocal, block.Offset))

	_, err = gpuMemory.Allocate(MemoryTypeLocal, 16, 1)
	require.ErrorIs(t, err, ErrReleased)
	require.ErrorIs(t, gpuMemory.Validate(), ErrReleased)
}

func TestFullDefragMergesAdjacentRegions(t *testing.T) {
	gpuMemory, setup := newTestMemory(t, nil)

	var blocks []MemoryBlock
	for i := 0; i < 3; i++ {
		block, err := gpuMemory.Allocate(MemoryTypeCoherent, 64, 1)
		require.NoError(t, err)
		require.Equal(t, i*64, block.Offset)
		blocks = append(blocks, block)
	}

	// The tail region sits at the head of the free list, so none of these merge on free
	for _, block := range blocks {
		require.True(t, gpuMemory.FreeBlock(block))
	}

	// The whole region is free but fragmented, so a full-size request fails until a full defrag
	_, err := gpuMemory.Allocate(MemoryTypeCoherent, testCoherentBudget, 1)
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	require.Equal(t, 3, gpuMemory.FullDefrag())
	require.Equal(t, 0, gpuMemory.FullDefrag())

	block, err := gpuMemory.Allocate(MemoryTypeCoherent, testCoherentBudget, 1)
	require.NoError(t, err)
	require.True(t, gpuMemory.FreeBlock(block))

	setup.expectRelease()
	require.NoError(t, gpuMemory.Release())
}

func TestBuildStatsString(t *testing.T) {
	gpuMemory, setup := newTestMemory(t, nil)

	block, err := gpuMemory.Allocate(MemoryTypeLocal, 100, 1)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	gpuMemory.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, testCoherentBudget+testLocalBudget, stats.BlockBytes)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 100, stats.AllocationBytes)
	require.Equal(t, testCoherentBudget+testLocalBudget-100, stats.UnusedBytes())

	str, err := gpuMemory.BuildStatsString(false)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"Regions": {
			"MemoryTypeCoherent": {
				"MemoryTypeIndex": 2, "HeapIndex": 2, "MapReferences": 0,
				"Stats": {"BlockCount": 1, "BlockBytes": 4096, "AllocationCount": 0, "AllocationBytes": 0, "PaddingBytes": 0, "UnusedRangeCount": 1}
			},
			"MemoryTypeLocal": {
				"MemoryTypeIndex": 1, "HeapIndex": 0, "MapReferences": 0,
				"Stats": {"BlockCount": 1, "BlockBytes": 8192, "AllocationCount": 1, "AllocationBytes": 100, "PaddingBytes": 0, "UnusedRangeCount": 1}
			}
		},
		"Total": {
			"BlockCount": 2, "BlockBytes": 12288, "AllocationCount": 1, "AllocationBytes": 100, "PaddingBytes": 0,
			"UnusedRangeCount": 2, "UnusedRangeSizeMin": 4096, "UnusedRangeSizeMax": 8092
		}
	}`, str)

	str, err = gpuMemory.BuildStatsString(true)
	require.NoError(t, err)
	require.Contains(t, str, `"Suballocations"`)
	require.Contains(t, str, `"Type":"USED"`)

	require.True(t, gpuMemory.FreeBlock(block))

	setup.expectRelease()
	require.NoError(t, gpuMemory.Release())

	_, err = gpuMemory.BuildStatsString(false)
	require.ErrorIs(t, err, ErrReleased)
}

func TestFlagStrings(t *testing.T) {
	require.Equal(t, "CreateExternallySynchronized", CreateExternallySynchronized.String())
	require.Equal(t, "MemoryTypeLocal", MemoryTypeLocal.String())
	require.Equal(t, "MemoryType(9)", MemoryType(9).String())
}
