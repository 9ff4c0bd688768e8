package malloc_test

import (
	"math"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/minalloc/malloc"
	"github.com/vkngwrapper/minalloc/memutils"
	"github.com/vkngwrapper/minalloc/pageheap"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestMallocAlignedBasic(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.MallocAligned(100, 64)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, uintptr(0), uintptr(ptr)%64)

	data := unsafe.Slice((*uint8)(ptr), 100)
	for i := range data {
		data[i] = uint8(i)
	}
	for i := range data {
		require.Equal(t, uint8(i), data[i])
	}

	usable, err := heap.UsableSize(ptr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable, 100)

	require.NoError(t, heap.Free(ptr))
}

func TestMallocAlignedSweep(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	sizes := []int{1, 8, 24, 100, 1000, 4096, 33000}

	for alignment := 8; alignment <= 65536; alignment *= 2 {
		for _, size := range sizes {
			ptr, err := heap.MallocAligned(size, alignment)
			require.NoError(t, err)
			require.Equal(t, uintptr(0), uintptr(ptr)%uintptr(alignment))

			usable, err := heap.UsableSize(ptr)
			require.NoError(t, err)
			require.GreaterOrEqual(t, usable, size)

			*(*uint8)(ptr) = 0xA5
			*(*uint8)(unsafe.Add(ptr, size-1)) = 0x5A

			require.NoError(t, heap.Free(ptr))
		}
	}
}

func TestMallocAlignedPow2Sizes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	// Power-of-two sizes are exact size classes, so every alignment up to the size itself
	// comes straight from block placement
	for _, size := range []int{8, 64, 256, 1024} {
		for alignment := 8; alignment <= size; alignment *= 2 {
			ptr, err := heap.MallocAligned(size, alignment)
			require.NoError(t, err)
			require.Equal(t, uintptr(0), uintptr(ptr)%uintptr(alignment))
			require.NoError(t, heap.Free(ptr))
		}
	}
}

func TestMallocAlignedHugeAlignment(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	alignment := 2 * pageheap.AlignmentMax

	ptr, err := heap.MallocAligned(100, alignment)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(ptr)%uintptr(alignment))

	data := unsafe.Slice((*uint8)(ptr), 100)
	for i := range data {
		data[i] = uint8(i)
	}
	for i := range data {
		require.Equal(t, uint8(i), data[i])
	}

	big, err := heap.MallocAligned(300000, alignment)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(big)%uintptr(alignment))

	usable, err := heap.UsableSize(big)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable, 300000)

	require.NoError(t, heap.Free(ptr))
	require.NoError(t, heap.Free(big))
}

func TestMallocAlignedAt(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.MallocAlignedAt(24, 32, 8)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), (uintptr(ptr)+8)%32)

	data := unsafe.Slice((*uint8)(ptr), 24)
	for i := range data {
		data[i] = uint8(i)
	}

	require.NoError(t, heap.Free(ptr))

	for _, offset := range []int{0, 8, 16, 128} {
		for alignment := 8; alignment <= 1024; alignment *= 2 {
			ptr, err := heap.MallocAlignedAt(64, alignment, offset)
			require.NoError(t, err)
			require.Equal(t, uintptr(0), (uintptr(ptr)+uintptr(offset))%uintptr(alignment))
			require.NoError(t, heap.Free(ptr))
		}
	}
}

func TestMallocAlignedAtHugeAlignmentOffset(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	// Alignments beyond the in-page maximum come from dedicated segments, whose base cannot
	// also honor an offset
	_, err = heap.MallocAlignedAt(100, 2*pageheap.AlignmentMax, 8)
	require.ErrorIs(t, err, memutils.LargeAlignmentOffsetError)

	ptr, err := heap.MallocAlignedAt(100, 2*pageheap.AlignmentMax, 0)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(ptr)%uintptr(2*pageheap.AlignmentMax))

	require.NoError(t, heap.Free(ptr))
}

func TestMallocAlignedInvalidAlignment(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	for _, alignment := range []int{0, -8, 3, 24, 1000} {
		_, err := heap.MallocAligned(100, alignment)
		require.ErrorIs(t, err, memutils.InvalidAlignmentError)
	}

	_, err = heap.MallocAlignedAt(100, 3, 8)
	require.ErrorIs(t, err, memutils.InvalidAlignmentError)

	_, err = heap.ZallocAligned(100, 3)
	require.ErrorIs(t, err, memutils.InvalidAlignmentError)

	_, err = heap.CallocAligned(10, 10, 3)
	require.ErrorIs(t, err, memutils.InvalidAlignmentError)
}

func TestMallocAlignedSizeOverflow(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	_, err = heap.MallocAligned(memutils.MaxAllocSize+1, 64)
	require.ErrorIs(t, err, memutils.SizeOverflowError)

	_, err = heap.MallocAligned(-5, 64)
	require.ErrorIs(t, err, memutils.SizeOverflowError)

	_, err = heap.CallocAligned(math.MaxInt, 4, 64)
	require.ErrorIs(t, err, memutils.SizeOverflowError)

	_, err = heap.CallocAlignedAt(math.MaxInt, 4, 64, 8)
	require.ErrorIs(t, err, memutils.SizeOverflowError)
}

func TestZallocAligned(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.ZallocAligned(1000, 256)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(ptr)%256)

	data := unsafe.Slice((*uint8)(ptr), 1000)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	require.NoError(t, heap.Free(ptr))

	// An alignment above the padded size forces the over-allocating path
	shifted, err := heap.ZallocAligned(100, 512)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(shifted)%512)

	data = unsafe.Slice((*uint8)(shifted), 100)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	require.NoError(t, heap.Free(shifted))

	big, err := heap.ZallocAligned(100, 2*pageheap.AlignmentMax)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(big)%uintptr(2*pageheap.AlignmentMax))

	data = unsafe.Slice((*uint8)(big), 100)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	require.NoError(t, heap.Free(big))
}

func TestCallocAligned(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.CallocAligned(25, 40, 128)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(ptr)%128)

	data := unsafe.Slice((*uint8)(ptr), 1000)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	require.NoError(t, heap.Free(ptr))

	atPtr, err := heap.CallocAlignedAt(25, 40, 128, 8)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), (uintptr(atPtr)+8)%128)

	data = unsafe.Slice((*uint8)(atPtr), 1000)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	require.NoError(t, heap.Free(atPtr))
}

func TestMallocAlignedFastPathReusesProbedBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	// Prime a small page, so the block after the first one is known to be at the head of
	// the page's free list
	first, err := heap.Malloc(64)
	require.NoError(t, err)

	usable, err := heap.UsableSize(first)
	require.NoError(t, err)
	head := unsafe.Add(first, usable+memutils.DebugMargin)

	alignment := 32
	offset := (alignment - int(uintptr(head)%uintptr(alignment))) % alignment

	ptr, err := heap.MallocAlignedAt(64, alignment, offset)
	require.NoError(t, err)
	require.Equal(t, head, ptr)
	require.Equal(t, uintptr(0), (uintptr(ptr)+uintptr(offset))%uintptr(alignment))

	require.NoError(t, heap.Free(first))
	require.NoError(t, heap.Free(ptr))
}

func TestMallocAlignedOverAllocated(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	// Consecutive blocks of the over-allocated class land at varying distances from the
	// next aligned address, so some of these come back shifted into their block's interior
	var ptrs [8]unsafe.Pointer
	for i := 0; i < len(ptrs); i++ {
		ptr, err := heap.MallocAligned(100, 512)
		require.NoError(t, err)
		require.Equal(t, uintptr(0), uintptr(ptr)%512)

		usable, err := heap.UsableSize(ptr)
		require.NoError(t, err)
		require.GreaterOrEqual(t, usable, 100)

		*(*uint8)(ptr) = 0xA5
		*(*uint8)(unsafe.Add(ptr, 99)) = 0x5A

		ptrs[i] = ptr
	}

	for _, ptr := range ptrs {
		require.NoError(t, heap.Free(ptr))
	}
}
