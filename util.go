package hostmem

import (
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
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

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// byteSize converts an element count into a byte size, failing when the product
// cannot be represented in an int. count must be non-negative.
func byteSize(count int, elemSize int) (int, error) {
	if elemSize == 0 || count == 0 {
		return 0, nil
	}
	if count > math.MaxInt/elemSize {
		return 0, cerrors.Wrapf(SizeOverflowError, "%d elements of %d bytes", count, elemSize)
	}
	return count * elemSize, nil
}

// zeroRegion clears size bytes starting at ptr. The range-over-slice form compiles
// down to the runtime's bulk memory clear.
func zeroRegion(ptr unsafe.Pointer, size int) {
	if ptr == nil || size <= 0 {
		return
	}
	region := unsafe.Slice((*byte)(ptr), size)
	for i := range region {
		region[i] = 0
	}
}

// fillRegion writes pattern across size bytes starting at ptr.
func fillRegion(ptr unsafe.Pointer, size int, pattern uint8) {
	if ptr == nil || size <= 0 {
		return
	}
	region := unsafe.Slice((*byte)(ptr), size)
	for i := range region {
		region[i] = pattern
	}
}
