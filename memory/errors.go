package memory

import "github.com/pkg/errors"

var (
	// ErrNotHostVisible is returned when a block of device-local memory is mapped
	ErrNotHostVisible = errors.New("memory block is not host visible")
	// ErrReleased is returned by operations on a GPUMemory after Release
	ErrReleased = errors.New("device memory has already been released")
	// ErrUnknownBlock is returned when a block does not refer to a live sub-allocation
	ErrUnknownBlock = errors.New("memory block is not a live allocation")
)
