package pageheap

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/minalloc/memutils"
)

type segmentKind int

const (
	segmentKindSmall segmentKind = iota
	segmentKindMedium
	segmentKindDedicated
)

func (k segmentKind) String() string {
	switch k {
	case segmentKindSmall:
		return "SMALL"
	case segmentKindMedium:
		return "MEDIUM"
	case segmentKindDedicated:
		return "DEDICATED"
	}

	return "UNKNOWN"
}

// segmentBacking is the raw storage behind a standard segment, over-allocated so that a
// SegmentSize-aligned base can be carved from it. Backings are recycled through
// segmentBackingPool, and dirty distinguishes a recycled backing from a zeroed fresh one.
type segmentBacking struct {
	data  []byte
	dirty bool
}

var segmentBackingPool = sync.Pool{
	New: func() any {
		return &segmentBacking{data: make([]byte, 2*SegmentSize)}
	},
}

// Segment is a contiguous aligned region that pages are carved from. Standard segments span
// SegmentSize bytes and hold a fixed number of page slots of a single page size. Dedicated
// segments hold exactly one block and are sized to fit it.
type Segment struct {
	id   int
	kind segmentKind

	backing          *segmentBacking
	dedicatedBacking []byte

	base     unsafe.Pointer
	size     int
	pageSize int

	pages     []Page
	usedSlots int

	// zeroed is true while page slots that have never been touched are known to be zero-filled
	zeroed bool

	heapIndex int
}

func (s *Segment) hasFreeSlot() bool {
	return s.usedSlots < len(s.pages)
}

// acquirePage claims a free page slot and prepares it for blocks of the provided size.
// Returns nil when every slot is in use.
func (s *Segment) acquirePage(blockSize int) *Page {
	for i := range s.pages {
		if s.pages[i].active {
			continue
		}

		page := &s.pages[i]
		zeroed := s.zeroed && !page.touched
		page.init(s, i, unsafe.Add(s.base, i*s.pageSize), s.pageSize, blockSize, zeroed)
		page.active = true
		page.touched = true
		s.usedSlots++
		return page
	}

	return nil
}

func (s *Segment) releasePage(page *Page) {
	page.active = false
	page.fresh = nil
	page.recycled = nil
	s.usedSlots--
}

// Validate checks the segment's bookkeeping against its layout and reports the first
// inconsistency it finds
func (s *Segment) Validate() error {
	if s.base == nil {
		return errors.New("the segment has no backing memory")
	}

	if s.kind == segmentKindDedicated {
		if len(s.pages) != 1 {
			return errors.New("a dedicated segment must hold exactly one page slot")
		}
	} else {
		if uintptr(s.base)%uintptr(SegmentSize) != 0 {
			return errors.New("the segment base is not aligned to the segment size")
		}
		if s.pageSize <= 0 || len(s.pages) != s.size/s.pageSize {
			return errors.New("the segment's page slots do not tile its memory")
		}
	}

	active := 0
	for i := range s.pages {
		if s.pages[i].active {
			active++
		}
	}
	if active != s.usedSlots {
		return errors.New("the segment's used slot count does not match its active pages")
	}

	return nil
}

func (s *Segment) liveAllocations() int {
	live := 0
	for i := range s.pages {
		if s.pages[i].active {
			live += s.pages[i].usedCount
		}
	}

	return live
}

// alignedBase returns a pointer within data aligned up to the provided alignment, which must
// be a power of two no larger than the over-allocated slack in data
func alignedBase(data []byte, alignment int) unsafe.Pointer {
	start := unsafe.Pointer(&data[0])
	shift := int(memutils.AlignPointerUp(uintptr(start), uintptr(alignment)) - uintptr(start))
	return unsafe.Add(start, shift)
}
