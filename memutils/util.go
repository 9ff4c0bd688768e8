package memutils

import (
	"math"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

const (
	// MaxAlignSize is the largest alignment the underlying platform guarantees for natural
	// allocations. It adjusts the zeroed span of large-alignment allocations when DebugMargin
	// is active.
	MaxAlignSize int = 16
	// MaxAllocSize is the largest size in bytes that a single allocation request may ask for.
	// It is held to half the signed range so that size+alignment arithmetic cannot overflow
	// for any power-of-two alignment.
	MaxAllocSize int = math.MaxInt >> 1
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// IsPow2 returns true when the provided number is a power of two. Zero passes this test,
// matching the arithmetic in CheckPow2, so callers that need to exclude it must do so
// themselves.
func IsPow2[T Number](number T) bool {
	return number&(number-1) == 0
}

// CheckMulOverflow multiplies a count of objects by the size of each object, as in calloc-style
// methods, and returns SizeOverflowError if the product overflows or exceeds MaxAllocSize.
func CheckMulOverflow(count, size int) (int, error) {
	if count < 0 || size < 0 {
		return 0, cerrors.Wrapf(SizeOverflowError, "count is %d and size is %d", count, size)
	}
	hi, lo := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || lo > uint64(MaxAllocSize) {
		return 0, cerrors.Wrapf(SizeOverflowError, "count %d and size %d multiply beyond the maximum allocation size", count, size)
	}
	return int(lo), nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignPointerUp rounds a raw address up to the next multiple of alignment, which must be a
// power of two.
func AlignPointerUp(address uintptr, alignment uintptr) uintptr {
	return (address + alignment - 1) &^ (alignment - 1)
}

// AlignPointerDown rounds a raw address down to a multiple of alignment, which must be a
// power of two.
func AlignPointerDown(address uintptr, alignment uintptr) uintptr {
	return address &^ (alignment - 1)
}
