package pageheap

import (
	"context"
	"fmt"
	"strconv"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/minalloc/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// SegmentedHeap is the default Heap implementation. It keeps one queue of partially-free
// pages per size class and a registry mapping aligned address windows back to segments.
//
// Allocation methods must be externally synchronized. The registry can additionally be
// guarded by its own mutex so that read-only queries remain safe while one writer works,
// which is the default behavior.
type SegmentedHeap struct {
	logger   *slog.Logger
	registry *segmentRegistry

	segments []*Segment
	queues   []pageQueue

	maxHeapSize   int
	reservedBytes int
	nextSegmentID int
}

// NewSegmentedHeap creates an empty heap. A maxHeapSize of 0 leaves the heap's reserved
// memory unbounded. When useMutex is false the segment registry skips its internal locking
// and all methods require external synchronization.
func NewSegmentedHeap(logger *slog.Logger, maxHeapSize int, useMutex bool) *SegmentedHeap {
	if logger == nil {
		logger = slog.Default()
	}

	return &SegmentedHeap{
		logger:   logger,
		registry: newSegmentRegistry(useMutex),
		queues:   make([]pageQueue, len(sizeClasses)),

		maxHeapSize: maxHeapSize,
	}
}

func (h *SegmentedHeap) Allocate(size int, zero bool) (unsafe.Pointer, error) {
	if size > MediumObjSizeMax {
		return h.AllocateDedicated(size, 0, zero)
	}

	classIndex := classIndexFor(size)
	page := h.queues[classIndex].head
	if page == nil {
		var err error
		page, err = h.freshPage(classIndex)
		if err != nil {
			return nil, err
		}
		h.queues[classIndex].pushFront(page)
	}

	return h.allocateBlock(page, zero), nil
}

func (h *SegmentedHeap) AllocateDedicated(size int, alignment int, zero bool) (unsafe.Pointer, error) {
	memutils.DebugCheckPow2(uint(alignment), "dedicated alignment")

	// The engine zeroes large aligned allocations itself and backs the span off by the
	// debug margin and platform alignment while doing so, so reserve enough slack that the
	// backed-off span still covers the caller's size.
	slack := 0
	if memutils.DebugMargin > 0 {
		slack = memutils.DebugMargin + memutils.MaxAlignSize
	}
	blockSize := memutils.AlignUp(size+slack, uint(PtrSize))

	if err := h.reserve(blockSize); err != nil {
		return nil, err
	}

	align := SegmentSize
	if alignment > align {
		align = alignment
	}

	backing := make([]byte, blockSize+align)
	s := &Segment{
		id:   h.nextSegmentID,
		kind: segmentKindDedicated,

		dedicatedBacking: backing,
		base:             alignedBase(backing, align),
		size:             blockSize,
		pageSize:         blockSize,

		pages:  make([]Page, 1),
		zeroed: true,
	}
	h.nextSegmentID++

	page := s.acquirePage(blockSize)
	h.addSegment(s)

	return h.allocateBlock(page, zero), nil
}

func (h *SegmentedHeap) SmallPageFor(size int) PageRef {
	page := h.queues[classIndexFor(size)].head
	if page == nil {
		return nil
	}

	return page
}

func (h *SegmentedHeap) AllocateFromPage(page PageRef, size int, zero bool) (unsafe.Pointer, error) {
	concrete, ok := page.(*Page)
	if !ok {
		return nil, errors.New("received a page that was not created by this heap")
	}
	if size > concrete.blockSize {
		return nil, errors.Errorf("requested %d bytes from a page with a block size of only %d bytes", size, concrete.blockSize)
	}
	if !concrete.hasFreeBlocks() {
		return nil, errors.New("received a page with no free blocks")
	}

	return h.allocateBlock(concrete, zero), nil
}

// allocateBlock pops a block from a page that is known to have one, then unlinks the page
// from its queue once it fills
func (h *SegmentedHeap) allocateBlock(page *Page, zero bool) unsafe.Pointer {
	block := page.popBlock()
	if block == nil {
		panic(fmt.Sprintf("the page queue for block size %d contained a page with no free blocks", page.blockSize))
	}

	if page.inQueue && !page.hasFreeBlocks() {
		h.queueFor(page.blockSize).unlink(page)
	}

	if zero {
		page.zeroBlock(block)
	}
	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(block, page.blockSize-memutils.DebugMargin)
	}

	return block
}

func (h *SegmentedHeap) UsableSize(ptr unsafe.Pointer) (int, error) {
	if ptr == nil {
		return 0, nil
	}

	_, page, err := h.resolve(ptr)
	if err != nil {
		return 0, err
	}

	_, delta := page.blockStartFor(ptr)
	return page.blockSize - memutils.DebugMargin - delta, nil
}

func (h *SegmentedHeap) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	s, page, err := h.resolve(ptr)
	if err != nil {
		return err
	}

	block, delta := page.blockStartFor(ptr)
	if delta != 0 && !page.hasAligned {
		return errors.New("received a pointer into the interior of an allocation from a page with no aligned allocations")
	}

	if memutils.DebugMargin > 0 && !memutils.ValidateMagicValue(block, page.blockSize-memutils.DebugMargin) {
		panic(fmt.Sprintf("memory corruption detected after the allocation at %p", block))
	}

	if s.kind == segmentKindDedicated {
		h.releaseSegment(s)
		return nil
	}

	page.freeBlock(block)

	q := h.queueFor(page.blockSize)
	if !page.inQueue {
		q.pushFront(page)
	}

	// Retire drained pages, but keep the queue head warm for the next allocation
	if page.usedCount == 0 && q.head != page {
		q.unlink(page)
		s.releasePage(page)
		if s.usedSlots == 0 {
			h.releaseSegment(s)
		}
	}

	return nil
}

func (h *SegmentedHeap) PageOf(ptr unsafe.Pointer) (PageRef, bool) {
	if ptr == nil {
		return nil, false
	}

	_, page, err := h.resolve(ptr)
	if err != nil {
		return nil, false
	}

	return page, true
}

func (h *SegmentedHeap) resolve(ptr unsafe.Pointer) (*Segment, *Page, error) {
	s, ok := h.registry.lookup(ptr)
	if !ok {
		return nil, nil, errors.New("received a pointer that was not allocated from this heap")
	}
	memutils.DebugValidate(s)

	offset := int(uintptr(ptr) - uintptr(s.base))
	if offset >= s.size {
		return nil, nil, errors.New("received a pointer that was not allocated from this heap")
	}

	page := &s.pages[offset/s.pageSize]
	if !page.active {
		return nil, nil, errors.New("received a pointer into memory that is not currently allocated")
	}

	// The tail of the page area that does not fit a whole block is never handed out
	if offset%s.pageSize >= page.capacity*page.blockSize {
		return nil, nil, errors.New("received a pointer into memory that is not currently allocated")
	}

	return s, page, nil
}

func (h *SegmentedHeap) Destroy() error {
	leaked := false
	for _, s := range h.segments {
		for i := range s.pages {
			page := &s.pages[i]
			if !page.active || page.usedCount == 0 {
				continue
			}

			leaked = true
			pageOffset := int(uintptr(page.area) - uintptr(s.base))
			page.visitLiveBlocks(func(index int) {
				h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
					slog.Int("segment", s.id),
					slog.Int("offset", pageOffset+index*page.blockSize),
					slog.Int("size", page.blockSize),
				)
			})
		}
	}

	for _, s := range h.segments {
		h.registry.unregister(s)
		if s.kind != segmentKindDedicated && s.liveAllocations() == 0 {
			s.backing.dirty = true
			segmentBackingPool.Put(s.backing)
			s.backing = nil
		}
	}

	h.segments = nil
	h.queues = make([]pageQueue, len(sizeClasses))
	h.reservedBytes = 0

	if leaked {
		return errors.New("some allocations were not freed before the destruction of this heap!")
	}

	return nil
}

func (h *SegmentedHeap) AddStatistics(stats *memutils.Statistics) {
	for _, s := range h.segments {
		stats.BlockCount++
		stats.BlockBytes += s.size

		for i := range s.pages {
			page := &s.pages[i]
			if !page.active {
				continue
			}

			stats.AllocationCount += page.usedCount
			stats.AllocationBytes += page.usedCount * page.blockSize
		}
	}
}

func (h *SegmentedHeap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, s := range h.segments {
		stats.BlockCount++
		stats.BlockBytes += s.size

		for i := range s.pages {
			page := &s.pages[i]
			if !page.active {
				continue
			}

			for block := 0; block < page.usedCount; block++ {
				stats.AddAllocation(page.blockSize)
			}

			freeBlocks := page.capacity - page.usedCount
			if freeBlocks > 0 {
				stats.AddUnusedRange(freeBlocks * page.blockSize)
			}
		}

		freeSlots := len(s.pages) - s.usedSlots
		if freeSlots > 0 {
			stats.AddUnusedRange(freeSlots * s.pageSize)
		}
	}
}

func (h *SegmentedHeap) PrintDetailedMap(json jwriter.ObjectState) {
	ordered := slices.Clone(h.segments)
	slices.SortFunc(ordered, func(a, b *Segment) bool { return a.id < b.id })

	for _, s := range ordered {
		segObj := json.Name(strconv.Itoa(s.id)).Object()
		segObj.Name("Kind").String(s.kind.String())
		segObj.Name("TotalBytes").Int(s.size)
		segObj.Name("PageSize").Int(s.pageSize)

		pagesObj := segObj.Name("Pages").Object()
		for i := range s.pages {
			page := &s.pages[i]
			if !page.active {
				continue
			}

			pageObj := pagesObj.Name(strconv.Itoa(i)).Object()
			pageObj.Name("BlockSize").Int(page.blockSize)
			pageObj.Name("Capacity").Int(page.capacity)
			pageObj.Name("UsedBlocks").Int(page.usedCount)
			pageObj.Name("HasAligned").Bool(page.hasAligned)
			pageObj.End()
		}
		pagesObj.End()

		segObj.End()
	}
}

func (h *SegmentedHeap) queueFor(blockSize int) *pageQueue {
	return &h.queues[classIndexFor(blockSize)]
}

// freshPage finds or creates a segment of the right kind with a free slot and carves a new
// page for the provided size class out of it
func (h *SegmentedHeap) freshPage(classIndex int) (*Page, error) {
	blockSize := sizeClasses[classIndex]

	kind := segmentKindSmall
	pageSize := SmallPageSize
	if blockSize > SmallObjSizeMax {
		kind = segmentKindMedium
		pageSize = MediumPageSize
	}

	for _, s := range h.segments {
		if s.kind == kind && s.hasFreeSlot() {
			return s.acquirePage(blockSize), nil
		}
	}

	s, err := h.newStandardSegment(kind, pageSize)
	if err != nil {
		return nil, err
	}

	return s.acquirePage(blockSize), nil
}

func (h *SegmentedHeap) newStandardSegment(kind segmentKind, pageSize int) (*Segment, error) {
	if err := h.reserve(SegmentSize); err != nil {
		return nil, err
	}

	backing := segmentBackingPool.Get().(*segmentBacking)
	s := &Segment{
		id:   h.nextSegmentID,
		kind: kind,

		backing:  backing,
		base:     alignedBase(backing.data, SegmentSize),
		size:     SegmentSize,
		pageSize: pageSize,

		pages:  make([]Page, SegmentSize/pageSize),
		zeroed: !backing.dirty,
	}
	h.nextSegmentID++

	h.addSegment(s)
	return s, nil
}

func (h *SegmentedHeap) addSegment(s *Segment) {
	memutils.DebugValidate(s)

	s.heapIndex = len(h.segments)
	h.segments = append(h.segments, s)
	h.registry.register(s)
}

func (h *SegmentedHeap) releaseSegment(s *Segment) {
	h.registry.unregister(s)

	last := len(h.segments) - 1
	h.segments[s.heapIndex] = h.segments[last]
	h.segments[s.heapIndex].heapIndex = s.heapIndex
	h.segments = h.segments[:last]
	h.reservedBytes -= s.size

	if s.kind == segmentKindDedicated {
		s.dedicatedBacking = nil
		return
	}

	s.backing.dirty = true
	segmentBackingPool.Put(s.backing)
	s.backing = nil
}

func (h *SegmentedHeap) reserve(size int) error {
	if h.maxHeapSize > 0 && h.reservedBytes+size > h.maxHeapSize {
		return errors.Wrapf(memutils.OutOfMemoryError, "reserving %d additional bytes would exceed the heap's maximum size of %d bytes with %d bytes already reserved", size, h.maxHeapSize, h.reservedBytes)
	}

	h.reservedBytes += size
	return nil
}
