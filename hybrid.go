package hostmem

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// HybridThresholds carries the per-element-kind ceilings at or below which a hybrid
// allocator prefers the managed heap. The ceilings are element counts for the scalar
// kinds and a byte total for everything else.
type HybridThresholds struct {
	// MaxByteElements is the ceiling for 1-byte element types
	MaxByteElements int
	// MaxIntElements is the ceiling for integer element types
	MaxIntElements int
	// MaxFloatElements is the ceiling for floating-point element types
	MaxFloatElements int
	// MaxStructBytes is the byte-size ceiling for every other element type
	MaxStructBytes int
}

// DefaultHybridThresholds returns the stock threshold table: 1024 bytes, 256
// integers, 128 floats, and 1KiB of anything else.
func DefaultHybridThresholds() HybridThresholds {
	return HybridThresholds{
		MaxByteElements:  1024,
		MaxIntElements:   256,
		MaxFloatElements: 128,
		MaxStructBytes:   1024,
	}
}

// HybridCreateInfo contains optional settings for a hybrid allocator
type HybridCreateInfo struct {
	// Thresholds is the managed-heap decision table. The zero value selects
	// DefaultHybridThresholds.
	Thresholds HybridThresholds
}

type elemKind byte

const (
	elemKindStruct elemKind = iota
	elemKindByte
	elemKindInt
	elemKindFloat
)

// elemKindOf classifies an element type the way the threshold table is keyed.
func elemKindOf[T any]() elemKind {
	switch any(*new(T)).(type) {
	case uint8, int8, bool:
		return elemKindByte
	case int16, uint16, int32, uint32, int64, uint64, int, uint, uintptr:
		return elemKindInt
	case float32, float64:
		return elemKindFloat
	default:
		return elemKindStruct
	}
}

// HybridAllocator routes small typed allocations to the managed heap and large ones
// to its backing allocator. Small buffers come and go too quickly for native
// allocation to pay off, so they live as ordinary garbage-collected arrays, pinned in
// place so their address is stable for the buffer's lifetime. Everything past the
// thresholds behaves exactly like the backing allocator.
//
// The routing decision needs an element type, so it only happens through Allocate.
// Byte-level AllocateRaw calls always take the unmanaged branch.
type HybridAllocator struct {
	logger     *slog.Logger
	backing    Allocator
	thresholds HybridThresholds

	total atomic.Int64
}

var _ Allocator = &HybridAllocator{}

// NewHybrid creates a new HybridAllocator over the provided backing allocator. A nil
// logger selects slog.Default, and the zero value of info selects the default
// thresholds.
func NewHybrid(logger *slog.Logger, backing Allocator, info HybridCreateInfo) *HybridAllocator {
	if logger == nil {
		logger = slog.Default()
	}

	thresholds := info.Thresholds
	if thresholds == (HybridThresholds{}) {
		thresholds = DefaultHybridThresholds()
	}

	return &HybridAllocator{
		logger:     logger,
		backing:    backing,
		thresholds: thresholds,
	}
}

// usesManagedHeap is the routing decision for count elements of the given kind and
// size.
func (h *HybridAllocator) usesManagedHeap(kind elemKind, elemSize, count int) bool {
	switch kind {
	case elemKindByte:
		return count <= h.thresholds.MaxByteElements
	case elemKindInt:
		return count <= h.thresholds.MaxIntElements
	case elemKindFloat:
		return count <= h.thresholds.MaxFloatElements
	default:
		return count*elemSize <= h.thresholds.MaxStructBytes
	}
}

func hybridAllocate[T any](h *HybridAllocator, count int, zeroFill bool) (*Buffer[T], error) {
	if count == 0 {
		return &Buffer[T]{owner: h, ownership: ownershipAllocator}, nil
	}

	elemSize := int(unsafe.Sizeof(*new(T)))
	if elemSize == 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "element type has no size")
	}

	size, err := byteSize(count, elemSize)
	if err != nil {
		return nil, err
	}

	if h.usesManagedHeap(elemKindOf[T](), elemSize, count) {
		// Managed arrays arrive zeroed from the runtime, so zeroFill needs no extra
		// work on this branch. The pin keeps the array's address stable and the
		// array itself reachable until the buffer is disposed.
		view := make([]T, count)
		pin := new(runtime.Pinner)
		pin.Pin(&view[0])

		h.total.Add(int64(size))
		h.logger.Debug("HybridAllocator::Allocate",
			slog.Int("count", count),
			slog.String("branch", "managed"),
		)

		return &Buffer[T]{
			ptr:       unsafe.Pointer(&view[0]),
			length:    count,
			view:      view,
			pin:       pin,
			ownership: ownershipPinned,
		}, nil
	}

	ptr, err := h.AllocateRaw(size, zeroFill)
	if err != nil {
		return nil, err
	}

	h.logger.Debug("HybridAllocator::Allocate",
		slog.Int("count", count),
		slog.String("branch", "unmanaged"),
	)

	return &Buffer[T]{
		ptr:       ptr,
		length:    count,
		owner:     h,
		ownership: ownershipAllocator,
	}, nil
}

// AllocateRaw always takes the unmanaged branch, since a byte-level request carries no
// element type for the routing decision.
func (h *HybridAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "requested %d bytes", size)
	}

	ptr, err := h.backing.AllocateRaw(size, zeroFill)
	if err != nil {
		return nil, err
	}

	h.total.Add(int64(size))
	return ptr, nil
}

func (h *HybridAllocator) Free(ptr unsafe.Pointer) error {
	return h.backing.Free(ptr)
}

func (h *HybridAllocator) SupportsIndividualDeallocation() bool {
	return true
}

// TotalAllocatedBytes counts both branches: bytes drawn from the backing allocator
// and bytes handed out as pinned managed arrays.
func (h *HybridAllocator) TotalAllocatedBytes() int64 {
	return h.total.Load()
}
