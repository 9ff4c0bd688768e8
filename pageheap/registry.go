package pageheap

import (
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/minalloc/internal/utils"
	"github.com/vkngwrapper/minalloc/memutils"
)

// segmentRegistry maps SegmentSize-aligned address windows to the segments that cover them,
// so that any pointer handed out by the heap can be resolved back to its segment with a
// single aligned lookup. Segments larger than one window register every window they cover.
type segmentRegistry struct {
	mutex    utils.OptionalRWMutex
	segments *swiss.Map[uintptr, *Segment]
}

func newSegmentRegistry(useMutex bool) *segmentRegistry {
	return &segmentRegistry{
		mutex:    utils.OptionalRWMutex{UseMutex: useMutex},
		segments: swiss.NewMap[uintptr, *Segment](42),
	}
}

func (r *segmentRegistry) register(s *Segment) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	base := uintptr(s.base)
	for offset := 0; offset < s.size; offset += SegmentSize {
		r.segments.Put(base+uintptr(offset), s)
	}
}

func (r *segmentRegistry) unregister(s *Segment) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	base := uintptr(s.base)
	for offset := 0; offset < s.size; offset += SegmentSize {
		r.segments.Delete(base + uintptr(offset))
	}
}

func (r *segmentRegistry) lookup(ptr unsafe.Pointer) (*Segment, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.segments.Get(memutils.AlignPointerDown(uintptr(ptr), uintptr(SegmentSize)))
}
