package hostmem

import (
	"runtime"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

type bufferOwnership byte

const (
	// ownershipNone marks a wrapped view over memory this package did not allocate
	ownershipNone bufferOwnership = iota
	// ownershipAllocator marks a buffer whose disposal frees through the owning allocator
	ownershipAllocator
	// ownershipScoped marks a buffer whose memory is only released in bulk when the
	// owning allocator is torn down, so disposal just marks the buffer unusable
	ownershipScoped
	// ownershipPinned marks a buffer over a pinned managed array, so disposal releases
	// the pin rather than freeing native memory
	ownershipPinned
)

var bufferOwnershipMapping = make(map[bufferOwnership]string)

func (o bufferOwnership) String() string {
	return bufferOwnershipMapping[o]
}

func init() {
	bufferOwnershipMapping[ownershipNone] = "None"
	bufferOwnershipMapping[ownershipAllocator] = "Allocator"
	bufferOwnershipMapping[ownershipScoped] = "Scoped"
	bufferOwnershipMapping[ownershipPinned] = "Pinned"
}

// Buffer is an owned, typed view over count contiguous elements of native memory. It
// remembers the allocator that produced it and how disposal must behave, so callers
// can pass buffers around without also threading the allocator that made them.
//
// A buffer is not safe for concurrent mutation, matching the slices it stands in for.
// Disposal is idempotent: the first Dispose releases or detaches the memory according
// to the buffer's ownership, and every later Dispose is a no-op.
type Buffer[T any] struct {
	ptr       unsafe.Pointer
	length    int
	owner     Allocator
	view      []T
	pin       *runtime.Pinner
	ownership bufferOwnership
	disposed  bool
}

// WrapPointer builds a non-owning buffer over count elements of memory that some other
// system allocated. The buffer will never free the memory; disposal only marks the
// view unusable. count must not be negative, and a positive count requires a non-nil
// address.
func WrapPointer[T any](ptr unsafe.Pointer, count int) (*Buffer[T], error) {
	if count < 0 {
		return nil, cerrors.Wrapf(NegativeCountError, "requested count is %d", count)
	}
	if count > 0 && ptr == nil {
		return nil, cerrors.Wrapf(NilBufferError, "cannot wrap %d elements at a nil address", count)
	}

	return &Buffer[T]{ptr: ptr, length: count, ownership: ownershipNone}, nil
}

// WrapSlice builds a non-owning buffer over an existing slice's elements. The buffer
// holds a reference to the slice so the memory stays reachable for the buffer's
// lifetime, but it never frees anything.
func WrapSlice[T any](view []T) *Buffer[T] {
	if len(view) == 0 {
		return &Buffer[T]{ownership: ownershipNone}
	}

	return &Buffer[T]{
		ptr:       unsafe.Pointer(&view[0]),
		length:    len(view),
		view:      view,
		ownership: ownershipNone,
	}
}

// Len is the number of elements in the buffer.
func (b *Buffer[T]) Len() int {
	return b.length
}

// SizeInBytes is the number of bytes the buffer's elements span.
func (b *Buffer[T]) SizeInBytes() int {
	return b.length * int(unsafe.Sizeof(*new(T)))
}

// Pointer is the address of the buffer's first element, or nil for an empty or
// disposed buffer.
func (b *Buffer[T]) Pointer() unsafe.Pointer {
	if b.disposed {
		return nil
	}
	return b.ptr
}

// IsEmpty reports whether the buffer holds no elements.
func (b *Buffer[T]) IsEmpty() bool {
	return b.length == 0
}

// IsValid reports whether the buffer still addresses live memory.
func (b *Buffer[T]) IsValid() bool {
	return b.ptr != nil && !b.disposed
}

// IsDisposed reports whether Dispose has already run.
func (b *Buffer[T]) IsDisposed() bool {
	return b.disposed
}

// IsPinned reports whether the buffer's memory lives on the managed heap and is pinned
// in place rather than natively allocated.
func (b *Buffer[T]) IsPinned() bool {
	return b.ownership == ownershipPinned
}

func (b *Buffer[T]) elements() []T {
	return unsafe.Slice((*T)(b.ptr), b.length)
}

// At returns a pointer to the element at index. Access to a disposed buffer fails with
// DisposedError and access through a nil address with NilBufferError, both distinct
// from the BoundsError an out-of-range index produces.
func (b *Buffer[T]) At(index int) (*T, error) {
	if b.disposed {
		return nil, cerrors.Wrapf(DisposedError, "element %d of a disposed buffer", index)
	}
	if b.ptr == nil {
		return nil, cerrors.Wrapf(NilBufferError, "element %d of a buffer with no memory", index)
	}
	if index < 0 || index >= b.length {
		return nil, cerrors.Wrapf(BoundsError, "index %d in a buffer of length %d", index, b.length)
	}

	return (*T)(unsafe.Add(b.ptr, uintptr(index)*unsafe.Sizeof(*new(T)))), nil
}

// Get reads the element at index.
func (b *Buffer[T]) Get(index int) (T, error) {
	elem, err := b.At(index)
	if err != nil {
		var empty T
		return empty, err
	}

	return *elem, nil
}

// Set writes the element at index.
func (b *Buffer[T]) Set(index int, value T) error {
	elem, err := b.At(index)
	if err != nil {
		return err
	}

	*elem = value
	return nil
}

// First returns a pointer to the first element.
func (b *Buffer[T]) First() (*T, error) {
	if b.disposed {
		return nil, cerrors.Wrapf(DisposedError, "first element of a disposed buffer")
	}
	if b.ptr == nil || b.length == 0 {
		return nil, cerrors.Wrapf(NilBufferError, "first element of a buffer with no memory")
	}

	return b.At(0)
}

// Last returns a pointer to the last element.
func (b *Buffer[T]) Last() (*T, error) {
	if b.disposed {
		return nil, cerrors.Wrapf(DisposedError, "last element of a disposed buffer")
	}
	if b.ptr == nil || b.length == 0 {
		return nil, cerrors.Wrapf(NilBufferError, "last element of a buffer with no memory")
	}

	return b.At(b.length - 1)
}

// View returns a slice over the first count elements, borrowing the buffer's memory
// rather than copying it. The slice must not outlive the buffer.
func (b *Buffer[T]) View(count int) ([]T, error) {
	if b.disposed {
		return nil, cerrors.Wrapf(DisposedError, "view of a disposed buffer")
	}
	if count < 0 || count > b.length {
		return nil, cerrors.Wrapf(BoundsError, "view of %d elements in a buffer of length %d", count, b.length)
	}
	if count == 0 {
		return []T{}, nil
	}

	return b.elements()[:count:count], nil
}

// CopyFrom copies all of src into the front of the buffer. It fails with BoundsError
// when src has more elements than the buffer can hold.
func (b *Buffer[T]) CopyFrom(src []T) error {
	if b.disposed {
		return cerrors.Wrapf(DisposedError, "copy into a disposed buffer")
	}
	if len(src) > b.length {
		return cerrors.Wrapf(BoundsError, "copy of %d elements into a buffer of length %d", len(src), b.length)
	}
	if len(src) == 0 {
		return nil
	}

	copy(b.elements(), src)
	return nil
}

// Fill assigns value to every element of the buffer.
func (b *Buffer[T]) Fill(value T) error {
	if b.disposed {
		return cerrors.Wrapf(DisposedError, "fill of a disposed buffer")
	}
	if b.length == 0 {
		return nil
	}

	elements := b.elements()
	for i := range elements {
		elements[i] = value
	}
	return nil
}

// Clear zeroes every byte of the buffer.
func (b *Buffer[T]) Clear() error {
	if b.disposed {
		return cerrors.Wrapf(DisposedError, "clear of a disposed buffer")
	}
	if b.length == 0 {
		return nil
	}

	zeroRegion(b.ptr, b.SizeInBytes())
	return nil
}

// Dispose releases the buffer's memory according to its ownership. Allocator-owned
// buffers free through the allocator that produced them, pinned buffers release their
// pin, and scoped or wrapped buffers only mark themselves unusable. Dispose is safe to
// call more than once; every call after the first is a no-op.
func (b *Buffer[T]) Dispose() error {
	if b.disposed {
		return nil
	}
	b.disposed = true

	switch b.ownership {
	case ownershipAllocator:
		if b.owner != nil && b.ptr != nil {
			return b.owner.Free(b.ptr)
		}
	case ownershipPinned:
		if b.pin != nil {
			b.pin.Unpin()
			b.pin = nil
		}
		b.view = nil
	}

	return nil
}
