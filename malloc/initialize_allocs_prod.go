//go:build !debug_init_allocs

package malloc

import "unsafe"

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data, and
	// freed allocations to be overwritten before their memory is recycled. If you are
	// concerned that nondeterministic initialization of memory is causing a bug, you can
	// activate this to help diagnose the issue. It impacts performance and should generally
	// be left deactivated.
	InitializeAllocs bool = false
)

func (h *Heap) fillAllocation(ptr unsafe.Pointer, size int, pattern uint8) {
}
