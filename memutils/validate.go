package memutils

const (
	// CreatedFillPattern is the byte written across newly-created allocations when allocation
	// fills are active
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is the byte written across allocations that are about to be freed
	// when allocation fills are active
	DestroyedFillPattern uint8 = 0xEF
)

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}
