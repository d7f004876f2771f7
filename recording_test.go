package hostmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

// A backing allocator that serves requests from the Go heap and records the order of
// every allocation and free
type RecordingAllocator struct {
	Allocated []unsafe.Pointer
	Freed     []unsafe.Pointer
	Sizes     map[uintptr]int

	regions map[uintptr][]byte
	total   int64
}

func NewRecordingAllocator() *RecordingAllocator {
	return &RecordingAllocator{
		Sizes:   make(map[uintptr]int),
		regions: make(map[uintptr][]byte),
	}
}

func (r *RecordingAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "requested %d bytes", size)
	}

	region := make([]byte, size)
	ptr := unsafe.Pointer(&region[0])

	r.regions[uintptr(ptr)] = region
	r.Sizes[uintptr(ptr)] = size
	r.Allocated = append(r.Allocated, ptr)
	r.total += int64(size)
	return ptr, nil
}

func (r *RecordingAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	_, ok := r.regions[uintptr(ptr)]
	if !ok {
		return cerrors.Errorf("free of an address this allocator never handed out: 0x%x", uintptr(ptr))
	}

	delete(r.regions, uintptr(ptr))
	r.Freed = append(r.Freed, ptr)
	return nil
}

func (r *RecordingAllocator) SupportsIndividualDeallocation() bool {
	return true
}

func (r *RecordingAllocator) TotalAllocatedBytes() int64 {
	return r.total
}

// LiveRegionCount reports how many regions have been allocated and not yet freed.
func (r *RecordingAllocator) LiveRegionCount() int {
	return len(r.regions)
}
