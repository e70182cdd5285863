package resources

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/devmem/memory"
)

var (
	// ErrOutOfBounds is returned when a write would reach past the end of a buffer
	ErrOutOfBounds = errors.New("write is outside the bounds of the buffer")
	// ErrIncompatibleMemory is returned when a buffer or image cannot be placed in the memory type that
	// backs the requested memory category
	ErrIncompatibleMemory = errors.New("resource cannot be bound to the requested memory type")
	// ErrFenceTimeout is returned by CollectAfter when the fence is not signaled in time
	ErrFenceTimeout = errors.New("timed out waiting for fence")
)

func errUnknownBlock(block memory.MemoryBlock) error {
	return cerrors.Wrapf(memory.ErrUnknownBlock, "offset %d size %d", block.Offset, block.Size)
}
