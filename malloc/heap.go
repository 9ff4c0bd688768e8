package malloc

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/minalloc/memutils"
	"github.com/vkngwrapper/minalloc/pageheap"
	"golang.org/x/exp/slog"
)

// Heap is a general-purpose memory allocator. It hands out blocks of caller-requested sizes
// and alignments, carved from large segments of runtime-backed memory that are recycled as
// allocations come and go. Heaps are independent of one another: memory allocated from a
// heap must be freed on the same heap.
//
// A Heap's methods must be used from only one goroutine at a time. The segment registry
// keeps an internal mutex so that pointer lookups stay consistent with segment creation and
// release; HeapCreateExternallySynchronized disables that mutex as well.
type Heap struct {
	logger      *slog.Logger
	createFlags HeapCreateFlags

	pages pageheap.Heap
}

// Malloc allocates a block of at least the provided size and returns its address. The
// block's contents are not initialized. It is valid to allocate 0 bytes.
func (h *Heap) Malloc(size int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::Malloc")

	return h.mallocZero(size, false)
}

// Zalloc behaves as Malloc, but the returned block reads as zero across the requested size
func (h *Heap) Zalloc(size int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::Zalloc")

	return h.mallocZero(size, true)
}

// Calloc allocates a zeroed block large enough for count objects of the provided size each.
// It fails with memutils.SizeOverflowError if the total size overflows, in which case
// nothing is allocated.
func (h *Heap) Calloc(count, size int) (unsafe.Pointer, error) {
	h.logger.Debug("Heap::Calloc")

	total, err := memutils.CheckMulOverflow(count, size)
	if err != nil {
		return nil, err
	}

	return h.mallocZero(total, true)
}

// Free returns a block to the heap. ptr must be an address previously returned from this
// heap and not yet freed, or nil, in which case Free does nothing.
func (h *Heap) Free(ptr unsafe.Pointer) error {
	h.logger.Debug("Heap::Free")

	return h.free(ptr)
}

// UsableSize returns the number of bytes that may actually be used at and beyond the
// provided address, which is at least the size that was requested when the block was
// allocated. A nil pointer has a usable size of zero.
func (h *Heap) UsableSize(ptr unsafe.Pointer) (int, error) {
	h.logger.Debug("Heap::UsableSize")

	return h.pages.UsableSize(ptr)
}

// Destroy releases all memory held by the heap. Allocations that have not been freed are
// reported through the heap's logger and cause an error to be returned, but the memory is
// released regardless. When the heap was created with HeapCreateLeakCheck, unfreed
// allocations panic instead.
func (h *Heap) Destroy() error {
	h.logger.Debug("Heap::Destroy")

	err := h.pages.Destroy()
	if err != nil && h.createFlags&HeapCreateLeakCheck != 0 {
		panic(fmt.Sprintf("destroyed a heap with unfreed allocations: %+v", err))
	}

	return err
}

// mallocZero serves the basic allocation methods: the page heap rounds the padded size up to
// a size class, or gives it a dedicated segment beyond the largest class
func (h *Heap) mallocZero(size int, zero bool) (unsafe.Pointer, error) {
	err := checkAllocSize(size)
	if err != nil {
		return nil, err
	}

	ptr, err := h.pages.Allocate(size+memutils.DebugMargin, zero)
	if err != nil {
		return nil, err
	}

	if !zero {
		h.fillAllocation(ptr, size, memutils.CreatedFillPattern)
	}

	return ptr, nil
}

func (h *Heap) free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	if InitializeAllocs {
		usable, err := h.pages.UsableSize(ptr)
		if err == nil {
			h.fillAllocation(ptr, usable, memutils.DestroyedFillPattern)
		}
	}

	return h.pages.Free(ptr)
}

func checkAllocSize(size int) error {
	if size < 0 {
		return errors.Wrapf(memutils.SizeOverflowError, "attempted to allocate a negative size %d", size)
	}
	if size > memutils.MaxAllocSize {
		return errors.Wrapf(memutils.SizeOverflowError, "attempted to allocate %d bytes, but the largest supported allocation is %d bytes", size, memutils.MaxAllocSize)
	}

	return nil
}

func checkAlignment(alignment int) error {
	if alignment <= 0 || !memutils.IsPow2(alignment) {
		return errors.Wrapf(memutils.InvalidAlignmentError, "requested alignment is %d", alignment)
	}

	return nil
}

// zeroRegion writes zeroes across size bytes beginning at ptr
func zeroRegion(ptr unsafe.Pointer, size int) {
	dataSlice := ([]uint8)(unsafe.Slice((*uint8)(ptr), size))
	for i := 0; i < size; i++ {
		dataSlice[i] = 0
	}
}

// copyRegion copies size bytes from the block at src into the block at dst
func copyRegion(dst, src unsafe.Pointer, size int) {
	copy(unsafe.Slice((*uint8)(dst), size), unsafe.Slice((*uint8)(src), size))
}
