package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns an error wrapping ErrPowerOfTwo if number is not a power of two. Zero passes,
// since callers treat a zero alignment as "no alignment".
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(ErrPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	if alignment <= 1 {
		return value
	}
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignmentPadding returns the number of bytes that must be skipped from offset to reach the next
// multiple of alignment.
func AlignmentPadding(offset int, alignment uint) int {
	if alignment <= 1 {
		return 0
	}

	mod := offset % int(alignment)
	if mod == 0 {
		return 0
	}
	return int(alignment) - mod
}
