package malloc_test

import (
	"math"
	"os"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/minalloc/malloc"
	"github.com/vkngwrapper/minalloc/memutils"
	"github.com/vkngwrapper/minalloc/pageheap"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestHeapMallocFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.Malloc(100)
	require.NoError(t, err)
	require.NotNil(t, ptr)

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

func TestHeapMallocZeroSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	// Zero-size allocations hand out real, distinct blocks
	first, err := heap.Malloc(0)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := heap.Malloc(0)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first, second)

	require.NoError(t, heap.Free(first))
	require.NoError(t, heap.Free(second))
}

func TestHeapZallocZeroesRecycledBlocks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.Zalloc(1000)
	require.NoError(t, err)

	data := unsafe.Slice((*uint8)(ptr), 1000)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	// Dirty the block and recycle it
	for i := range data {
		data[i] = 0xA5
	}
	require.NoError(t, heap.Free(ptr))

	// Far enough to drain the page's fresh blocks and reach the dirtied one
	ptrs := make([]unsafe.Pointer, 80)
	for i := 0; i < len(ptrs); i++ {
		ptrs[i], err = heap.Zalloc(1000)
		require.NoError(t, err)

		zeroed := unsafe.Slice((*uint8)(ptrs[i]), 1000)
		for j := range zeroed {
			require.Equal(t, uint8(0), zeroed[j])
		}
	}

	for _, ptr := range ptrs {
		require.NoError(t, heap.Free(ptr))
	}
}

func TestHeapCalloc(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.Calloc(25, 40)
	require.NoError(t, err)

	data := unsafe.Slice((*uint8)(ptr), 1000)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	require.NoError(t, heap.Free(ptr))

	_, err = heap.Calloc(math.MaxInt, 2)
	require.ErrorIs(t, err, memutils.SizeOverflowError)

	_, err = heap.Calloc(-1, 10)
	require.ErrorIs(t, err, memutils.SizeOverflowError)
}

func TestHeapAllocationSizeLimits(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	_, err = heap.Malloc(-1)
	require.ErrorIs(t, err, memutils.SizeOverflowError)

	_, err = heap.Malloc(memutils.MaxAllocSize + 1)
	require.ErrorIs(t, err, memutils.SizeOverflowError)

	_, err = heap.Zalloc(-100)
	require.ErrorIs(t, err, memutils.SizeOverflowError)
}

func TestHeapNilPointers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	require.NoError(t, heap.Free(nil))

	usable, err := heap.UsableSize(nil)
	require.NoError(t, err)
	require.Equal(t, 0, usable)
}

func TestHeapForeignPointer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	local := 42
	foreign := unsafe.Pointer(&local)

	_, err = heap.UsableSize(foreign)
	require.Error(t, err)

	err = heap.Free(foreign)
	require.Error(t, err)
}

func TestHeapDestroyReportsLeaks(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logOutput := &strings.Builder{}
	logger := slog.New(slog.NewTextHandler(logOutput))

	heap, err := malloc.New(logger, malloc.CreateOptions{})
	require.NoError(t, err)

	_, err = heap.Malloc(100)
	require.NoError(t, err)
	_, err = heap.Malloc(200)
	require.NoError(t, err)

	err = heap.Destroy()
	require.Error(t, err)
	require.Equal(t, 2, strings.Count(logOutput.String(), "[UNRELEASED MEMORY]"))
}

func TestHeapLeakCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{
		Flags: malloc.HeapCreateLeakCheck,
	})
	require.NoError(t, err)

	ptr, err := heap.Malloc(100)
	require.NoError(t, err)
	require.NoError(t, heap.Free(ptr))
	require.NoError(t, heap.Destroy())

	heap, err = malloc.New(logger, malloc.CreateOptions{
		Flags: malloc.HeapCreateLeakCheck,
	})
	require.NoError(t, err)

	_, err = heap.Malloc(100)
	require.NoError(t, err)
	require.Panics(t, func() {
		_ = heap.Destroy()
	})
}

func TestHeapExternallySynchronized(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{
		Flags: malloc.HeapCreateExternallySynchronized,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	ptr, err := heap.Malloc(100)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	usable, err := heap.UsableSize(ptr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable, 100)

	require.NoError(t, heap.Free(ptr))
}

func TestHeapNegativeMaxSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	_, err := malloc.New(logger, malloc.CreateOptions{MaxHeapSize: -1})
	require.Error(t, err)
}

func TestHeapMaxSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logger := slog.New(slog.NewTextHandler(os.Stdout))

	heap, err := malloc.New(logger, malloc.CreateOptions{
		MaxHeapSize: pageheap.SegmentSize,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, heap.Destroy())
	}()

	// The first small allocation reserves a segment that consumes the whole budget
	small, err := heap.Malloc(100)
	require.NoError(t, err)

	_, err = heap.Malloc(pageheap.MediumObjSizeMax + 1)
	require.ErrorIs(t, err, memutils.OutOfMemoryError)

	require.NoError(t, heap.Free(small))
}

func TestHeapCreateFlagsString(t *testing.T) {
	require.Equal(t, "HeapCreateLeakCheck", malloc.HeapCreateLeakCheck.String())
	require.Equal(t, "HeapCreateExternallySynchronized|HeapCreateLeakCheck",
		(malloc.HeapCreateExternallySynchronized | malloc.HeapCreateLeakCheck).String())
}

func TestDefaultHeap(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	require.Same(t, malloc.Default(), malloc.Default())

	ptr, err := malloc.Malloc(100)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	usable, err := malloc.UsableSize(ptr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable, 100)

	grown, err := malloc.Realloc(ptr, 5000)
	require.NoError(t, err)

	aligned, err := malloc.ZallocAligned(100, 256)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), uintptr(aligned)%256)

	data := unsafe.Slice((*uint8)(aligned), 100)
	for i := range data {
		require.Equal(t, uint8(0), data[i])
	}

	require.NoError(t, malloc.Free(grown))
	require.NoError(t, malloc.Free(aligned))
}
