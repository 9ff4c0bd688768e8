package pageheap

import (
	"golang.org/x/exp/slices"
)

// sizeClasses is the ordered table of block sizes that pages are carved into. Sizes up to 8
// pointer words advance a word at a time, and beyond that each power of two is subdivided into
// four linear steps. The table ends exactly at MediumObjSizeMax.
//
// The subdivision preserves an alignment property that the allocation fast paths depend on:
// for any power of two a, a size that is a multiple of a maps to a class that is also a
// multiple of a, as long as a is no larger than the size itself.
var sizeClasses []int

func init() {
	for words := 1; words <= 8; words++ {
		sizeClasses = append(sizeClasses, words*PtrSize)
	}

	for base := 8 * PtrSize; base < MediumObjSizeMax; base *= 2 {
		step := base / 4
		for i := 1; i <= 4; i++ {
			sizeClasses = append(sizeClasses, base+i*step)
		}
	}
}

// classIndexFor returns the index of the smallest size class that can hold the provided size.
// The size must not be larger than MediumObjSizeMax.
func classIndexFor(size int) int {
	index, _ := slices.BinarySearch(sizeClasses, size)
	return index
}
