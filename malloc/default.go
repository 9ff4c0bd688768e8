package malloc

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/exp/slog"
)

var (
	defaultHeapOnce sync.Once
	defaultHeap     *Heap
)

// Default returns the process-wide heap, creating it against slog.Default on the first use.
// The single-goroutine discipline of Heap applies to the default heap as well: consumers
// that allocate from several goroutines must synchronize them.
func Default() *Heap {
	defaultHeapOnce.Do(func() {
		var err error
		defaultHeap, err = New(slog.Default(), CreateOptions{})
		if err != nil {
			panic(fmt.Sprintf("failed to create the process-wide heap: %+v", err))
		}
	})

	return defaultHeap
}

// Malloc allocates from the process-wide heap, as in Heap.Malloc
func Malloc(size int) (unsafe.Pointer, error) {
	return Default().Malloc(size)
}

// Zalloc allocates from the process-wide heap, as in Heap.Zalloc
func Zalloc(size int) (unsafe.Pointer, error) {
	return Default().Zalloc(size)
}

// Calloc allocates from the process-wide heap, as in Heap.Calloc
func Calloc(count, size int) (unsafe.Pointer, error) {
	return Default().Calloc(count, size)
}

// Realloc resizes a block of the process-wide heap, as in Heap.Realloc
func Realloc(ptr unsafe.Pointer, newSize int) (unsafe.Pointer, error) {
	return Default().Realloc(ptr, newSize)
}

// Free returns a block to the process-wide heap, as in Heap.Free
func Free(ptr unsafe.Pointer) error {
	return Default().Free(ptr)
}

// UsableSize queries the process-wide heap, as in Heap.UsableSize
func UsableSize(ptr unsafe.Pointer) (int, error) {
	return Default().UsableSize(ptr)
}

// MallocAligned allocates from the process-wide heap, as in Heap.MallocAligned
func MallocAligned(size, alignment int) (unsafe.Pointer, error) {
	return Default().MallocAligned(size, alignment)
}

// MallocAlignedAt allocates from the process-wide heap, as in Heap.MallocAlignedAt
func MallocAlignedAt(size, alignment, offset int) (unsafe.Pointer, error) {
	return Default().MallocAlignedAt(size, alignment, offset)
}

// ZallocAligned allocates from the process-wide heap, as in Heap.ZallocAligned
func ZallocAligned(size, alignment int) (unsafe.Pointer, error) {
	return Default().ZallocAligned(size, alignment)
}

// ZallocAlignedAt allocates from the process-wide heap, as in Heap.ZallocAlignedAt
func ZallocAlignedAt(size, alignment, offset int) (unsafe.Pointer, error) {
	return Default().ZallocAlignedAt(size, alignment, offset)
}

// CallocAligned allocates from the process-wide heap, as in Heap.CallocAligned
func CallocAligned(count, size, alignment int) (unsafe.Pointer, error) {
	return Default().CallocAligned(count, size, alignment)
}

// CallocAlignedAt allocates from the process-wide heap, as in Heap.CallocAlignedAt
func CallocAlignedAt(count, size, alignment, offset int) (unsafe.Pointer, error) {
	return Default().CallocAlignedAt(count, size, alignment, offset)
}

// ReallocAligned resizes a block of the process-wide heap, as in Heap.ReallocAligned
func ReallocAligned(ptr unsafe.Pointer, newSize, alignment int) (unsafe.Pointer, error) {
	return Default().ReallocAligned(ptr, newSize, alignment)
}

// ReallocAlignedAt resizes a block of the process-wide heap, as in Heap.ReallocAlignedAt
func ReallocAlignedAt(ptr unsafe.Pointer, newSize, alignment, offset int) (unsafe.Pointer, error) {
	return Default().ReallocAlignedAt(ptr, newSize, alignment, offset)
}

// RezallocAligned resizes a block of the process-wide heap, as in Heap.RezallocAligned
func RezallocAligned(ptr unsafe.Pointer, newSize, alignment int) (unsafe.Pointer, error) {
	return Default().RezallocAligned(ptr, newSize, alignment)
}

// RezallocAlignedAt resizes a block of the process-wide heap, as in Heap.RezallocAlignedAt
func RezallocAlignedAt(ptr unsafe.Pointer, newSize, alignment, offset int) (unsafe.Pointer, error) {
	return Default().RezallocAlignedAt(ptr, newSize, alignment, offset)
}

// RecallocAligned resizes a block of the process-wide heap, as in Heap.RecallocAligned
func RecallocAligned(ptr unsafe.Pointer, count, size, alignment int) (unsafe.Pointer, error) {
	return Default().RecallocAligned(ptr, count, size, alignment)
}

// RecallocAlignedAt resizes a block of the process-wide heap, as in Heap.RecallocAlignedAt
func RecallocAlignedAt(ptr unsafe.Pointer, count, size, alignment, offset int) (unsafe.Pointer, error) {
	return Default().RecallocAlignedAt(ptr, count, size, alignment, offset)
}
