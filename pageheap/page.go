package pageheap

import (
	"unsafe"

	"github.com/vkngwrapper/minalloc/memutils"
)

// Page is a span of a segment carved into blocks of a single size class. Free blocks are
// threaded into singly-linked lists through their own first pointer word, so an idle page
// consumes no memory beyond its slot metadata.
//
// Two lists are kept. The fresh list holds blocks in the order they were first carved from the
// page area and is the only list allocations are popped from. The recycled list collects freed
// blocks, and is spliced into the fresh list only when the fresh list runs dry, which is also
// the point at which the page's zero guarantee is forfeited.
type Page struct {
	segment *Segment
	index   int

	area      unsafe.Pointer
	areaSize  int
	blockSize int
	capacity  int

	fresh    unsafe.Pointer
	recycled unsafe.Pointer

	usedCount  int
	isZero     bool
	hasAligned bool

	// active marks the page's slot as in use by its segment. touched stays set across
	// releases of the slot, since a previous tenant leaves the area dirty.
	active  bool
	touched bool

	prev, next *Page
	inQueue    bool
}

func (p *Page) init(segment *Segment, index int, area unsafe.Pointer, areaSize, blockSize int, zeroed bool) {
	p.segment = segment
	p.index = index
	p.area = area
	p.areaSize = areaSize
	p.blockSize = blockSize
	p.capacity = areaSize / blockSize
	p.usedCount = 0
	p.isZero = zeroed
	p.hasAligned = false
	p.recycled = nil
	p.prev = nil
	p.next = nil
	p.inQueue = false

	// Thread the fresh list through the first word of every block, in address order
	var fresh unsafe.Pointer
	for i := p.capacity - 1; i >= 0; i-- {
		block := unsafe.Add(area, i*blockSize)
		*(*unsafe.Pointer)(block) = fresh
		fresh = block
	}
	p.fresh = fresh
}

// FreeListHead returns the address of the block that the next allocation from this page
// will return, or nil if the page has no blocks ready for immediate reuse
func (p *Page) FreeListHead() unsafe.Pointer {
	return p.fresh
}

// BlockSize returns the size in bytes of every block in this page
func (p *Page) BlockSize() int {
	return p.blockSize
}

// IsZero returns true while blocks popped from this page's free list are guaranteed to contain
// only zero bytes, apart from the free list link word
func (p *Page) IsZero() bool {
	return p.isZero
}

// HasAligned returns true if any block in this page has been handed out at an interior address
func (p *Page) HasAligned() bool {
	return p.hasAligned
}

// SetHasAligned records whether blocks in this page may have been handed out at interior
// addresses
func (p *Page) SetHasAligned(hasAligned bool) {
	p.hasAligned = hasAligned
}

func (p *Page) hasFreeBlocks() bool {
	return p.fresh != nil || p.recycled != nil
}

// popBlock removes and returns the head of the fresh list, splicing in the recycled list
// first if the fresh list is empty. Returns nil when the page is full.
func (p *Page) popBlock() unsafe.Pointer {
	if p.fresh == nil && p.recycled != nil {
		p.fresh = p.recycled
		p.recycled = nil
		p.isZero = false
	}

	block := p.fresh
	if block == nil {
		return nil
	}

	p.fresh = *(*unsafe.Pointer)(block)
	p.usedCount++
	return block
}

func (p *Page) freeBlock(block unsafe.Pointer) {
	*(*unsafe.Pointer)(block) = p.recycled
	p.recycled = block
	p.usedCount--
}

// zeroBlock clears the usable portion of a block that was just popped. Fresh blocks from a
// zeroed page only carry the free list link word, so only that word needs to be cleared.
func (p *Page) zeroBlock(block unsafe.Pointer) {
	if p.isZero {
		*(*unsafe.Pointer)(block) = nil
		return
	}

	data := unsafe.Slice((*uint8)(block), p.blockSize-memutils.DebugMargin)
	for i := range data {
		data[i] = 0
	}
}

// blockStartFor maps a pointer anywhere within a block back to the block's starting address,
// along with the pointer's offset from that address
func (p *Page) blockStartFor(ptr unsafe.Pointer) (unsafe.Pointer, int) {
	delta := int(uintptr(ptr) - uintptr(p.area))
	index := delta / p.blockSize
	return unsafe.Add(p.area, index*p.blockSize), delta - index*p.blockSize
}

// visitLiveBlocks calls the provided callback with the block index of every block that is
// currently allocated. It walks both free lists to build the complement, so it should only be
// used for diagnostics.
func (p *Page) visitLiveBlocks(visit func(index int)) {
	free := make([]bool, p.capacity)

	for block := p.fresh; block != nil; block = *(*unsafe.Pointer)(block) {
		free[p.indexOf(block)] = true
	}
	for block := p.recycled; block != nil; block = *(*unsafe.Pointer)(block) {
		free[p.indexOf(block)] = true
	}

	for i := 0; i < p.capacity; i++ {
		if !free[i] {
			visit(i)
		}
	}
}

func (p *Page) indexOf(block unsafe.Pointer) int {
	return int(uintptr(block)-uintptr(p.area)) / p.blockSize
}

// pageQueue is the list of pages of a single size class that still have free blocks. Pages
// leave the queue when they fill and rejoin at the front when one of their blocks is freed.
type pageQueue struct {
	head *Page
}

func (q *pageQueue) pushFront(page *Page) {
	page.prev = nil
	page.next = q.head
	if q.head != nil {
		q.head.prev = page
	}
	q.head = page
	page.inQueue = true
}

func (q *pageQueue) unlink(page *Page) {
	if page.prev != nil {
		page.prev.next = page.next
	} else {
		q.head = page.next
	}
	if page.next != nil {
		page.next.prev = page.prev
	}
	page.prev = nil
	page.next = nil
	page.inQueue = false
}
