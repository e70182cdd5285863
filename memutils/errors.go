package memutils

import "github.com/pkg/errors"

var (
	// ErrPowerOfTwo is returned from CheckPow2 or other methods if the number being tested is not a power of two
	ErrPowerOfTwo = errors.New("number must be a power of two")
	// ErrInvalidSize is returned when an allocation of zero or negative bytes is requested
	ErrInvalidSize = errors.New("allocation size must be greater than zero")
	// ErrOutOfMemory is returned when no free region of a block can hold a requested allocation, even
	// after alignment padding. It is never retried internally.
	ErrOutOfMemory = errors.New("no free region large enough for the requested allocation")
	// ErrNoSuitableMemory is returned when the device exposes no memory type that satisfies the placement
	// and capacity requirements of a memory category.
	ErrNoSuitableMemory = errors.New("suitable device memory not found")
)
