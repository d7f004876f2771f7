package hostmem

import (
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Allocator is the capability contract shared by every allocation strategy in this
// package. Strategies compose by wrapping another Allocator, their "backing allocator":
// the native allocator sits at the bottom against the platform, and arenas, pools,
// slabs, large-block pools, debug trackers and hybrid policies stack on top of it
// without changing call sites.
//
// Typed allocation happens through the package-level Allocate function, which layers
// element counting, overflow checking and Buffer ownership over AllocateRaw.
type Allocator interface {
	// AllocateRaw obtains a region of at least size bytes and returns its starting
	// address. size must be positive. When zeroFill is set the returned region reads
	// as zeroes; otherwise its contents are unspecified. Implementations may return
	// a region larger than requested (a pool size class, for instance) but callers
	// may only rely on size bytes.
	AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error)
	// Free releases a region previously returned from AllocateRaw on this same
	// allocator. Freeing nil is a no-op. Passing an address this allocator did not
	// hand out is a contract violation: implementations that can detect it do, by
	// warning and forwarding or by returning an error, but no implementation is
	// required to survive a double free of the same live address.
	Free(ptr unsafe.Pointer) error
	// SupportsIndividualDeallocation reports whether a single prior allocation can be
	// freed independently of all others from this allocator. When it is false the
	// allocator releases memory only in bulk during its own teardown, and buffers it
	// produces do not route their disposal through Free.
	SupportsIndividualDeallocation() bool
	// TotalAllocatedBytes is a monotonically non-decreasing count of the bytes this
	// instance has drawn from its underlying source. It measures allocation volume,
	// not live usage: it never decreases on free, and regions reissued from an
	// internal cache do not count again.
	TotalAllocatedBytes() int64
}

// Allocate obtains count contiguous elements of type T from the provided allocator and
// returns a Buffer that owns them. count == 0 succeeds with an empty buffer and does
// not touch the allocator's memory source. The allocation fails with
// NegativeCountError when count is below zero and with SizeOverflowError when
// count*sizeof(T) cannot be represented.
//
// When a is a *HybridAllocator the element type also steers the managed-versus-
// unmanaged decision; every other allocator receives a plain byte-level request.
func Allocate[T any](a Allocator, count int, zeroFill bool) (*Buffer[T], error) {
	if count < 0 {
		return nil, cerrors.Wrapf(NegativeCountError, "requested count is %d", count)
	}

	if hybrid, ok := a.(*HybridAllocator); ok {
		return hybridAllocate[T](hybrid, count, zeroFill)
	}

	ownership := ownershipAllocator
	if !a.SupportsIndividualDeallocation() {
		ownership = ownershipScoped
	}

	if count == 0 {
		return &Buffer[T]{owner: a, ownership: ownership}, nil
	}

	elemSize := int(unsafe.Sizeof(*new(T)))
	if elemSize == 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "element type has no size")
	}

	size, err := byteSize(count, elemSize)
	if err != nil {
		return nil, err
	}

	ptr, err := a.AllocateRaw(size, zeroFill)
	if err != nil {
		return nil, err
	}

	return &Buffer[T]{ptr: ptr, length: count, owner: a, ownership: ownership}, nil
}

var (
	defaultMutex     sync.Mutex
	defaultAllocator Allocator
)

// Default returns the process-wide allocator handle, creating a native allocator over
// slog.Default on first use. The handle exists for code that wants one shared
// allocator without threading it through every call; anything with real lifecycle
// requirements should construct and own its allocators explicitly.
func Default() Allocator {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	if defaultAllocator == nil {
		defaultAllocator = NewNative(slog.Default())
	}

	return defaultAllocator
}

// SetDefault replaces the process-wide allocator handle. Passing nil resets it, so the
// next Default call lazily creates a fresh native allocator.
func SetDefault(a Allocator) {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	defaultAllocator = a
}
