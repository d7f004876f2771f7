package hostmem

import (
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/internal/sysmem"
	"golang.org/x/exp/slog"
)

// NativeAllocator is the leaf strategy: a thin, thread-safe wrapper over the
// platform's raw page allocation primitive. Every other strategy in this package
// ultimately bottoms out in one of these. It keeps no free lists and no caches, so
// every AllocateRaw is a platform call and every Free genuinely releases memory.
type NativeAllocator struct {
	logger *slog.Logger
	total  atomic.Int64
}

var _ Allocator = &NativeAllocator{}

// NewNative creates a new NativeAllocator. A nil logger selects slog.Default.
func NewNative(logger *slog.Logger) *NativeAllocator {
	if logger == nil {
		logger = slog.Default()
	}

	return &NativeAllocator{
		logger: logger,
	}
}

func (n *NativeAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "requested %d bytes", size)
	}

	ptr, err := sysmem.Alloc(size)
	if err != nil {
		return nil, cerrors.Wrapf(OutOfMemoryError, "requesting %d bytes from the platform: %s", size, err)
	}

	// Fresh platform regions already read as zeroes, so zeroFill needs no extra work
	_ = zeroFill

	n.total.Add(int64(size))
	n.logger.Debug("NativeAllocator::AllocateRaw", slog.Int("size", size))

	return ptr, nil
}

func (n *NativeAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	n.logger.Debug("NativeAllocator::Free", slog.Uint64("address", uint64(uintptr(ptr))))

	err := sysmem.Free(ptr)
	if err != nil {
		return cerrors.Wrapf(err, "freeing platform region at 0x%x", uintptr(ptr))
	}

	return nil
}

func (n *NativeAllocator) SupportsIndividualDeallocation() bool {
	return true
}

func (n *NativeAllocator) TotalAllocatedBytes() int64 {
	return n.total.Load()
}
