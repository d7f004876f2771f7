package hostmem

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// NegativeCountError is the error returned from Allocate when the requested element count is below zero
var NegativeCountError error = errors.New("element count cannot be negative")

// InvalidSizeError is the error returned from AllocateRaw when the requested byte size is zero or below
var InvalidSizeError error = errors.New("allocation size must be a positive number of bytes")

// SizeOverflowError is the error returned from Allocate when count*sizeof(T) does not fit in an int
var SizeOverflowError error = errors.New("allocation size overflows the addressable range")

// OutOfMemoryError is the error returned when the platform refuses to provide the requested memory
var OutOfMemoryError error = errors.New("the platform could not provide the requested memory")

// DisposedError is the error returned when an allocator or buffer is used after being disposed
var DisposedError error = errors.New("object has already been disposed")

// IndividualFreeError is the error returned from Free on allocators that only release memory in bulk
var IndividualFreeError error = errors.New("this allocator does not support freeing individual allocations")

// BoundsError is the error returned from buffer element access when the index lies outside [0, Len)
var BoundsError error = errors.New("index is outside the bounds of the buffer")

// NilBufferError is the error returned from element access on a buffer with no backing address. It is
// deliberately distinct from BoundsError: an empty buffer has no valid index at all.
var NilBufferError error = errors.New("buffer does not point at any memory")

// CorruptionError is the error returned from the debug allocator when the canary bytes around an
// allocation have been overwritten
var CorruptionError error = errors.New("memory corruption detected around allocation")
