package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// InvalidAlignmentError is the error returned from aligned allocation methods if the requested
// alignment is zero or not a power of two
var InvalidAlignmentError error = errors.New("alignment must be a nonzero power of two")

// SizeOverflowError is the error returned from allocation methods if the requested size (or the
// product of a count and a size) exceeds the maximum supported allocation size
var SizeOverflowError error = errors.New("allocation size is too large")

// LargeAlignmentOffsetError is the error returned from aligned allocation methods if a nonzero
// offset is requested together with an alignment beyond the supported maximum
var LargeAlignmentOffsetError error = errors.New("alignments above the supported maximum cannot be combined with an alignment offset")

// OutOfMemoryError is the error returned from allocation methods if the underlying heap cannot
// provide backing memory for the request
var OutOfMemoryError error = errors.New("out of memory")
