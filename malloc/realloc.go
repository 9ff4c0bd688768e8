package malloc

import (
	"unsafe"

	"github.com/vkngwrapper/minalloc/memutils"
	"github.com/vkngwrapper/minalloc/pageheap"
)

// Realloc resizes the block at ptr to at least newSize bytes, moving it when the current
// block cannot serve the new size, and returns the block's address. Contents are preserved
// up to the smaller of the old and new sizes. A nil ptr behaves as Malloc. On failure the
// original block is untouched and still allocated.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::Realloc")

	return h.reallocZero(ptr, newSize, false)
}

// ReallocAligned resizes the block at ptr to at least newSize bytes while keeping the
// returned address a multiple of the provided alignment, moving the block when necessary.
// The old address's position within the alignment carries over to the new block. A nil ptr
// behaves as MallocAligned. On failure the original block is untouched and still allocated.
func (h *Heap) ReallocAligned(ptr unsafe.Pointer, newSize, alignment int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::ReallocAligned")

	return h.reallocZeroAligned(ptr, newSize, alignment, false)
}

// ReallocAlignedAt behaves as ReallocAligned with the alignment satisfied offset bytes into
// the block
func (h *Heap) ReallocAlignedAt(ptr unsafe.Pointer, newSize, alignment, offset int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::ReallocAlignedAt")

	return h.reallocZeroAlignedAt(ptr, newSize, alignment, offset, false)
}

// RezallocAligned behaves as ReallocAligned, and when the block grows, the bytes beyond the
// old block's usable size read as zero
func (h *Heap) RezallocAligned(ptr unsafe.Pointer, newSize, alignment int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::RezallocAligned")

	return h.reallocZeroAligned(ptr, newSize, alignment, true)
}

// RezallocAlignedAt behaves as RezallocAligned with the alignment satisfied offset bytes
// into the block
func (h *Heap) RezallocAlignedAt(ptr unsafe.Pointer, newSize, alignment, offset int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::RezallocAlignedAt")

	return h.reallocZeroAlignedAt(ptr, newSize, alignment, offset, true)
}

// RecallocAligned resizes the block at ptr to hold count objects of the provided size each,
// zero-extending as in RezallocAligned. It fails with memutils.SizeOverflowError if the
// total size overflows, in which case the original block is untouched.
func (h *Heap) RecallocAligned(ptr unsafe.Pointer, count, size, alignment int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::RecallocAligned")

	total, err := memutils.CheckMulOverflow(count, size)
	if err != nil {
		return nil, err
	}

	return h.reallocZeroAligned(ptr, total, alignment, true)
}

// RecallocAlignedAt behaves as RecallocAligned with the alignment satisfied offset bytes
// into the block
func (h *Heap) RecallocAlignedAt(ptr unsafe.Pointer, count, size, alignment, offset int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::RecallocAlignedAt")

	total, err := memutils.CheckMulOverflow(count, size)
	if err != nil {
		return nil, err
	}

	return h.reallocZeroAlignedAt(ptr, total, alignment, offset, true)
}

// reallocZero resizes a block in place when the new size still fits and wastes no more than
// half the block, and relocates it otherwise
func (h *Heap) reallocZero(ptr unsafe.Pointer, newSize int, zero bool) (unsafe.Pointer, error) {
	size, err := h.pages.UsableSize(ptr)
	if err != nil {
		return nil, err
	}

	if newSize <= size && newSize >= size/2 && newSize > 0 {
		return ptr, nil
	}

	newPtr, err := h.mallocZero(newSize, false)
	if err != nil {
		return nil, err
	}

	if zero && newSize > size {
		// Clear from one word before the end of the old span, so the word the copy below
		// only partially covers cannot carry stray bytes
		start := 0
		if size >= pageheap.PtrSize {
			start = size - pageheap.PtrSize
		}
		zeroRegion(unsafe.Add(newPtr, start), newSize-start)
	}

	if ptr != nil {
		copySize := newSize
		if size < copySize {
			copySize = size
		}
		copyRegion(newPtr, ptr, copySize)

		err = h.free(ptr)
		memutils.DebugAssert(err == nil, "failed to free the old block after a relocating reallocation")
	}

	return newPtr, nil
}

// reallocZeroAlignedAt is the engine behind every aligned reallocation method
func (h *Heap) reallocZeroAlignedAt(ptr unsafe.Pointer, newSize, alignment, offset int, zero bool) (unsafe.Pointer, error) {
	err := checkAlignment(alignment)
	if err != nil {
		return nil, err
	}
	if alignment <= pageheap.PtrSize {
		// Every block the heap hands out is at least word aligned, so the plain path already
		// satisfies the alignment
		return h.reallocZero(ptr, newSize, zero)
	}
	if ptr == nil {
		return h.mallocZeroAlignedAt(newSize, alignment, offset, zero)
	}

	size, err := h.pages.UsableSize(ptr)
	if err != nil {
		return nil, err
	}

	if newSize <= size && newSize >= size-size/2 &&
		(uintptr(ptr)+uintptr(offset))&(uintptr(alignment)-1) == 0 {
		// Still fits, still aligned, and no more than half the block goes to waste
		return ptr, nil
	}

	newPtr, err := h.mallocZeroAlignedAt(newSize, alignment, offset, false)
	if err != nil {
		return nil, err
	}

	if zero && newSize > size {
		page, pageOk := h.pages.PageOf(newPtr)
		// A block from a zeroed page is already clear beyond its free list link word, and
		// the copy below overwrites the link word whenever at least a whole word is copied
		if InitializeAllocs || !pageOk || !page.IsZero() || size < pageheap.PtrSize {
			start := 0
			if size >= pageheap.PtrSize {
				start = size - pageheap.PtrSize
			}
			zeroRegion(unsafe.Add(newPtr, start), newSize-start)
		}
	}

	copySize := newSize
	if size < copySize {
		copySize = size
	}
	copyRegion(newPtr, ptr, copySize)

	err = h.free(ptr)
	memutils.DebugAssert(err == nil, "failed to free the old block after a relocating reallocation")

	return newPtr, nil
}

// reallocZeroAligned derives the alignment offset from the old address's position within the
// alignment, so reallocating a shifted block keeps it serviceable at the same offset. A nil
// ptr derives an offset of zero.
func (h *Heap) reallocZeroAligned(ptr unsafe.Pointer, newSize, alignment int, zero bool) (unsafe.Pointer, error) {
	err := checkAlignment(alignment)
	if err != nil {
		return nil, err
	}
	if alignment <= pageheap.PtrSize {
		return h.reallocZero(ptr, newSize, zero)
	}

	offset := int(uintptr(ptr) % uintptr(alignment))
	return h.reallocZeroAlignedAt(ptr, newSize, alignment, offset, zero)
}
