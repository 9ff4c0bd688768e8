package malloc

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/minalloc/memutils"
	"github.com/vkngwrapper/minalloc/pageheap"
)

// MallocAligned allocates a block of at least the provided size whose address is a multiple
// of the provided alignment
//
// size - The number of bytes to allocate
//
// alignment - The alignment the returned address must satisfy. It must be a nonzero power of
// two. Alignments above pageheap.AlignmentMax are served from dedicated segments and cannot
// be combined with an alignment offset.
func (h *Heap) MallocAligned(size, alignment int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::MallocAligned")

	if memutils.DebugMargin == 0 {
		err := checkAlignment(alignment)
		if err != nil {
			return nil, err
		}

		// Power-of-two sizes are exact size classes, so these blocks land on a multiple of
		// their own size
		if memutils.IsPow2(size) && size >= alignment && size <= pageheap.SmallSizeMax {
			return h.mallocZero(size, false)
		}
	} else if alignment == pageheap.PtrSize && size <= pageheap.SmallSizeMax {
		// With the debug margin in play only word alignment survives the size classes, since
		// the padded size can land in a class that is not a multiple of anything larger
		return h.mallocZero(size, false)
	}

	return h.mallocZeroAlignedAt(size, alignment, 0, false)
}

// MallocAlignedAt allocates a block of at least the provided size such that the address
// offset bytes into the block is a multiple of the provided alignment
//
// size - The number of bytes to allocate. The size does not need to exceed the offset: the
// address at the offset is aligned regardless of the allocated size.
//
// alignment - The alignment to satisfy at the offset. It must be a nonzero power of two.
//
// offset - The distance in bytes from the returned address at which the alignment must hold
func (h *Heap) MallocAlignedAt(size, alignment, offset int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::MallocAlignedAt")

	return h.mallocZeroAlignedAt(size, alignment, offset, false)
}

// ZallocAligned behaves as MallocAligned, but the returned block reads as zero across the
// requested size
func (h *Heap) ZallocAligned(size, alignment int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::ZallocAligned")

	return h.mallocZeroAlignedAt(size, alignment, 0, true)
}

// ZallocAlignedAt behaves as MallocAlignedAt, but the returned block reads as zero across
// the requested size
func (h *Heap) ZallocAlignedAt(size, alignment, offset int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::ZallocAlignedAt")

	return h.mallocZeroAlignedAt(size, alignment, offset, true)
}

// CallocAligned allocates a zeroed block large enough for count objects of the provided size
// each, with the block's address a multiple of the provided alignment. It fails with
// memutils.SizeOverflowError if the total size overflows, in which case nothing is
// allocated.
func (h *Heap) CallocAligned(count, size, alignment int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::CallocAligned")

	total, err := memutils.CheckMulOverflow(count, size)
	if err != nil {
		return nil, err
	}

	return h.mallocZeroAlignedAt(total, alignment, 0, true)
}

// CallocAlignedAt behaves as CallocAligned with the alignment satisfied offset bytes into
// the block
func (h *Heap) CallocAlignedAt(count, size, alignment, offset int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::CallocAlignedAt")

	total, err := memutils.CheckMulOverflow(count, size)
	if err != nil {
		return nil, err
	}

	return h.mallocZeroAlignedAt(total, alignment, offset, true)
}

// mallocZeroAlignedAt is the engine behind every aligned allocation method. It guarantees
// that the returned address, offset bytes in, is a multiple of alignment.
func (h *Heap) mallocZeroAlignedAt(size, alignment, offset int, zero bool) (unsafe.Pointer, error) {
	err := checkAlignment(alignment)
	if err != nil {
		return nil, err
	}
	err = checkAllocSize(size)
	if err != nil {
		return nil, err
	}

	alignMask := uintptr(alignment) - 1
	padsize := size + memutils.DebugMargin

	// Try first whether a small block happens to be available with just the right alignment
	if padsize <= pageheap.SmallSizeMax && alignment <= padsize {
		page := h.pages.SmallPageFor(padsize)
		if page != nil {
			head := page.FreeListHead()
			if head != nil && (uintptr(head)+uintptr(offset))&alignMask == 0 {
				ptr, err := h.pages.AllocateFromPage(page, padsize, zero)
				if err != nil {
					return nil, err
				}
				memutils.DebugAssert((uintptr(ptr)+uintptr(offset))&alignMask == 0, "an aligned allocation did not satisfy its alignment")

				if !zero {
					h.fillAllocation(ptr, size, memutils.CreatedFillPattern)
				}

				return ptr, nil
			}
		}
	}

	return h.mallocZeroAlignedAtFallback(size, alignment, offset, zero)
}

// mallocZeroAlignedAtFallback places a block at an aligned address when no free block
// satisfies the alignment already: either a plain allocation whose size class guarantees the
// alignment, or an over-allocated block whose returned address is shifted up to the next
// aligned one.
func (h *Heap) mallocZeroAlignedAtFallback(size, alignment, offset int, zero bool) (unsafe.Pointer, error) {
	alignMask := uintptr(alignment) - 1
	padsize := size + memutils.DebugMargin

	// A plain allocation fits the constraints whenever the padded size is a multiple of the
	// alignment: size classes preserve every power-of-two divisor up to the class size
	if offset == 0 && alignment <= padsize && padsize <= pageheap.MediumObjSizeMax && uintptr(padsize)&alignMask == 0 {
		ptr, err := h.mallocZero(size, zero)
		memutils.DebugAssert(ptr == nil || uintptr(ptr)&alignMask == 0, "an aligned allocation did not satisfy its alignment")
		return ptr, err
	}

	var ptr unsafe.Pointer
	var err error

	if alignment > pageheap.AlignmentMax {
		// In-page blocks can never reach these alignments, so the block gets a dedicated
		// segment with an aligned base. The segment base cannot also honor an offset.
		if offset != 0 {
			return nil, errors.Wrapf(memutils.LargeAlignmentOffsetError, "requested alignment %d is beyond the largest in-page alignment %d and the offset %d is nonzero", alignment, pageheap.AlignmentMax, offset)
		}

		oversize := size
		if size <= pageheap.SmallSizeMax {
			oversize = pageheap.SmallSizeMax + 1
		}

		// Zeroing waits until after the shift below, since only the span from the aligned
		// address onward is meaningful
		ptr, err = h.pages.AllocateDedicated(oversize+memutils.DebugMargin, alignment, false)
	} else {
		ptr, err = h.mallocZero(size+alignment-1, zero)
	}
	if err != nil {
		return nil, err
	}

	// Shift up to the first address that satisfies the alignment at the offset
	poffset := (uintptr(ptr) + uintptr(offset)) & alignMask
	adjust := 0
	if poffset != 0 {
		adjust = alignment - int(poffset)
	}
	memutils.DebugAssert(adjust < alignment, "the alignment shift must stay within one alignment unit")

	alignedPtr := unsafe.Add(ptr, adjust)
	if alignedPtr != ptr {
		page, pageOk := h.pages.PageOf(ptr)
		memutils.DebugAssert(pageOk, "a block allocated moments ago did not resolve to a page")
		if pageOk {
			page.SetHasAligned(true)
		}
	}
	memutils.DebugAssert((uintptr(alignedPtr)+uintptr(offset))&alignMask == 0, "an aligned allocation did not satisfy its alignment")

	if memutils.DebugMargin > 0 {
		usable, usableErr := h.pages.UsableSize(ptr)
		memutils.DebugAssert(usableErr == nil, "a block allocated moments ago did not resolve to a usable size")
		memutils.DebugAssert(usable >= adjust+size, "an aligned block cannot hold the requested size beyond its shift")
	}

	if alignment > pageheap.AlignmentMax {
		if zero {
			usable, usableErr := h.pages.UsableSize(ptr)
			if usableErr != nil {
				panic(fmt.Sprintf("a dedicated block allocated moments ago at %p did not resolve to its own heap: %+v", ptr, usableErr))
			}

			// The span past the caller's size is backed off by the debug margin and the
			// platform alignment, mirroring the slack the dedicated block was given
			zsize := usable - adjust - memutils.DebugMargin
			if memutils.DebugMargin > 0 {
				zsize -= memutils.MaxAlignSize
			}
			if zsize > 0 {
				zeroRegion(alignedPtr, zsize)
			}
		} else {
			h.fillAllocation(alignedPtr, size, memutils.CreatedFillPattern)
		}
	}

	return alignedPtr, nil
}
