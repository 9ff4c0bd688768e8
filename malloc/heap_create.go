package malloc

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/minalloc/memutils"
	"github.com/vkngwrapper/minalloc/pageheap"
	"golang.org/x/exp/slog"
)

// HeapCreateFlags indicate specific heap behaviors to activate or deactivate
type HeapCreateFlags int32

var heapCreateFlagsMapping = memutils.NewFlagStringMapping[HeapCreateFlags]()

func (f HeapCreateFlags) Register(str string) {
	heapCreateFlagsMapping.Register(f, str)
}
func (f HeapCreateFlags) String() string {
	return heapCreateFlagsMapping.FlagsToString(f)
}

const (
	// HeapCreateExternallySynchronized ensures that this heap will not be synchronized internally.
	// The consumer must guarantee the heap is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used.
	HeapCreateExternallySynchronized HeapCreateFlags = 1 << iota
	// HeapCreateLeakCheck causes Heap.Destroy to panic when allocations are still live instead
	// of logging them and returning an error
	HeapCreateLeakCheck
)

func init() {
	HeapCreateExternallySynchronized.Register("HeapCreateExternallySynchronized")
	HeapCreateLeakCheck.Register("HeapCreateLeakCheck")
}

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags HeapCreateFlags

	// MaxHeapSize is the maximum number of bytes of backing memory the heap may reserve from
	// the runtime. Allocations that would push the heap's reserved memory beyond this limit
	// fail with memutils.OutOfMemoryError. When 0, the heap's backing memory is unbounded.
	MaxHeapSize int
}

// New creates a new Heap
//
// logger - The logger that the heap and its pages will write diagnostics to. When nil,
// slog.Default() is used
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Heap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.MaxHeapSize < 0 {
		return nil, errors.Newf("attempted to create a heap with a negative maximum size %d", options.MaxHeapSize)
	}

	useMutex := options.Flags&HeapCreateExternallySynchronized == 0

	return &Heap{
		logger:      logger,
		createFlags: options.Flags,

		pages: pageheap.NewSegmentedHeap(logger, options.MaxHeapSize, useMutex),
	}, nil
}
