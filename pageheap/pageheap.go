package pageheap

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/minalloc/memutils"
)

// PtrSize is the size in bytes of a pointer on the current platform
const PtrSize = int(unsafe.Sizeof(uintptr(0)))

const (
	// SmallPageSize is the size in bytes of pages that serve small block sizes
	SmallPageSize int = 64 * 1024
	// MediumPageSize is the size in bytes of pages that serve block sizes above SmallObjSizeMax
	MediumPageSize int = 512 * 1024
	// SegmentSize is the size in bytes of the aligned address windows that segments are carved
	// into. Every pointer handed out by a heap can be mapped back to its segment by rounding
	// the address down to a multiple of SegmentSize.
	SegmentSize int = 4 * 1024 * 1024

	// SmallObjSizeMax is the largest block size served from small pages
	SmallObjSizeMax int = SmallPageSize / 4
	// MediumObjSizeMax is the largest block size served from pages at all. Requests beyond it
	// are given a dedicated segment of their own.
	MediumObjSizeMax int = MediumPageSize / 4

	// SmallSizeMax is the largest block size that participates in the small allocation fast
	// path. It is sized in pointer words so that the fast path covers the same range of sizes
	// on 32-bit and 64-bit platforms.
	SmallSizeMax int = 128 * PtrSize

	// AlignmentMax is the largest alignment that in-page blocks can satisfy. Page starting
	// addresses are only aligned up to their containing segment, so alignments beyond this
	// must be requested through AllocateDedicated with an explicit alignment hint.
	AlignmentMax int = 1024 * 1024
)

// PageRef is a view of the page that backs one or more allocated blocks. It allows consumers
// to inspect the page's free list and zero state without exposing the page internals, and to
// record that blocks within the page have been handed out at interior addresses.
type PageRef interface {
	// FreeListHead returns the address of the block that the next allocation from this page
	// will return, or nil if the page has no blocks ready for immediate reuse. A nil return
	// does not mean the page is full, only that a fresh block is not immediately available.
	FreeListHead() unsafe.Pointer
	// BlockSize returns the size in bytes of every block in this page, including the debug
	// margin when one is configured
	BlockSize() int
	// IsZero returns true while blocks popped from this page's free list are guaranteed to
	// contain only zero bytes, apart from the pointer-sized word used to link the free list
	IsZero() bool
	// HasAligned returns true if any block in this page has been handed out at an address
	// beyond the block's own starting address
	HasAligned() bool
	// SetHasAligned records whether blocks in this page may have been handed out at interior
	// addresses. Once set, frees of interior pointers into this page resolve back to the
	// containing block rather than being rejected.
	SetHasAligned(hasAligned bool)
}

// Heap hands out fixed-size blocks of memory carved from large aligned segments. Blocks up to
// MediumObjSizeMax are rounded up to a size class and served from pages that are shared with
// other blocks of the same class. Larger blocks, and blocks that need alignment beyond
// AlignmentMax, receive a dedicated segment.
//
// Sizes passed to allocation methods must include the debug margin from memutils.DebugMargin
// when one is configured. The heap reserves the final DebugMargin bytes of every block for
// corruption markers, which are written on allocation and verified on free.
type Heap interface {
	// Allocate returns a pointer to a block of at least the provided size. When zero is true,
	// the usable portion of the block is zero-filled. The block's starting address is always
	// aligned to at least the pointer size.
	Allocate(size int, zero bool) (unsafe.Pointer, error)
	// AllocateDedicated returns a pointer to a block with a dedicated segment of its own. The
	// block's starting address is aligned to the provided alignment, or to SegmentSize when
	// the alignment is smaller. The alignment must be zero or a power of two.
	AllocateDedicated(size int, alignment int, zero bool) (unsafe.Pointer, error)
	// SmallPageFor returns the page that a subsequent Allocate of the provided size would
	// serve the allocation from, or nil when no page for that size class is currently
	// available. It never creates a page.
	SmallPageFor(size int) PageRef
	// AllocateFromPage pops the block at the head of the provided page's free list. The page
	// must have been returned from SmallPageFor on this heap and must have a non-nil
	// FreeListHead, and the provided size must fit the page's block size.
	AllocateFromPage(page PageRef, size int, zero bool) (unsafe.Pointer, error)
	// UsableSize returns the number of bytes that may be used at and beyond the provided
	// pointer, excluding any debug margin. For pointers into the interior of a block this is
	// the block's usable size minus the pointer's offset within the block. A nil pointer has
	// a usable size of zero.
	UsableSize(ptr unsafe.Pointer) (int, error)
	// Free returns the block containing the provided pointer to its page's free list,
	// releasing the page and its segment when they become empty. Interior pointers are only
	// accepted for pages whose HasAligned flag has been set. Freeing nil is a no-op.
	Free(ptr unsafe.Pointer) error
	// PageOf returns the page containing the provided pointer, or false when the pointer was
	// not allocated from this heap
	PageOf(ptr unsafe.Pointer) (PageRef, bool)
	// Destroy releases all memory held by the heap. Any blocks that have not been freed are
	// logged and cause an error to be returned, but the memory is released regardless.
	Destroy() error

	// AddStatistics sums this heap's allocation statistics into the statistics currently
	// present in the provided memutils.Statistics object
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this heap's allocation statistics into the statistics
	// currently present in the provided memutils.DetailedStatistics object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// PrintDetailedMap populates a json object with one entry per live segment describing the
	// segment's pages and their occupancy
	PrintDetailedMap(json jwriter.ObjectState)
}

var _ Heap = &SegmentedHeap{}
var _ PageRef = &Page{}
