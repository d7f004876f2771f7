package mocks

import (
	"unsafe"

	"go.uber.org/mock/gomock"
)

// EasyMockAllocator creates a MockAllocator that behaves like a plain heap-backed
// allocator: requests are served from Go slices, frees always succeed, and the
// capability methods report individual deallocation support and zero volume. Tests
// that only need a working backing allocator can use this and layer precise
// expectations on top.
func EasyMockAllocator(ctrl *gomock.Controller) *MockAllocator {
	allocator := NewMockAllocator(ctrl)

	regions := make(map[uintptr][]byte)
	allocator.EXPECT().AllocateRaw(gomock.Any(), gomock.Any()).DoAndReturn(
		func(size int, zeroFill bool) (unsafe.Pointer, error) {
			region := make([]byte, size)
			ptr := unsafe.Pointer(&region[0])
			regions[uintptr(ptr)] = region
			return ptr, nil
		}).AnyTimes()
	allocator.EXPECT().Free(gomock.Any()).DoAndReturn(
		func(ptr unsafe.Pointer) error {
			delete(regions, uintptr(ptr))
			return nil
		}).AnyTimes()
	allocator.EXPECT().SupportsIndividualDeallocation().Return(true).AnyTimes()
	allocator.EXPECT().TotalAllocatedBytes().Return(int64(0)).AnyTimes()

	return allocator
}
