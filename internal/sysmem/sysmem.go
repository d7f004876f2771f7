// Package sysmem is the platform allocation primitive underneath the native allocator.
// It hands out raw regions and keeps an address registry so a region can be released
// again from nothing but its starting address.
package sysmem

import (
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
)

// UnknownAddressError is the error returned from Free when the address was not handed out
// by Alloc, or has already been released
var UnknownAddressError error = errors.New("address is not a live platform allocation")

var (
	registryMutex sync.Mutex
	registry      = swiss.NewMap[uintptr, []byte](512)
)

// Alloc obtains size bytes from the platform and returns the region's starting address.
// Fresh regions are zeroed. size must be positive.
func Alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Errorf("cannot allocate %d bytes from the platform", size)
	}

	region, err := allocate(size)
	if err != nil {
		return nil, err
	}

	ptr := unsafe.Pointer(&region[0])
	registryMutex.Lock()
	registry.Put(uintptr(ptr), region)
	registryMutex.Unlock()

	return ptr, nil
}

// Free releases a region previously returned from Alloc. Freeing nil is a no-op.
func Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	registryMutex.Lock()
	region, ok := registry.Get(uintptr(ptr))
	if ok {
		registry.Delete(uintptr(ptr))
	}
	registryMutex.Unlock()

	if !ok {
		return cerrors.Wrapf(UnknownAddressError, "0x%x", uintptr(ptr))
	}

	return release(region)
}

// LiveRegionCount reports how many platform regions are currently outstanding.
func LiveRegionCount() int {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	return registry.Count()
}
