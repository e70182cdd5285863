package memory

import (
	"fmt"

	"github.com/vkngwrapper/devmem/memory/vulkan"
)

// MemoryType selects one of the two regions owned by a GPUMemory
type MemoryType int

const (
	// MemoryTypeCoherent is memory that the host can map and write without explicit flushes, and
	// that the device can still read at full speed
	MemoryTypeCoherent MemoryType = iota
	// MemoryTypeLocal is device-local memory that the host cannot map
	MemoryTypeLocal
)

var memoryTypeMapping = map[MemoryType]string{
	MemoryTypeCoherent: "MemoryTypeCoherent",
	MemoryTypeLocal:    "MemoryTypeLocal",
}

func (t MemoryType) String() string {
	str, ok := memoryTypeMapping[t]
	if !ok {
		return fmt.Sprintf("MemoryType(%d)", int(t))
	}
	return str
}

// MemoryBlock is a sub-allocation of one of the regions owned by a GPUMemory. Memory identifies the
// region: two live blocks with the same Memory never overlap.
type MemoryBlock struct {
	Memory *vulkan.DeviceMemory
	Offset int
	Size   int
}

// IsNull reports whether this block was never allocated
func (b MemoryBlock) IsNull() bool {
	return b.Memory == nil
}
