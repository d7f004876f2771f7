//go:build !debug_host_mem

package hostmem

import "unsafe"

const (
	// DebugMargin is the number of canary bytes the debug allocator places on each side
	// of every tracked allocation
	DebugMargin int = 0

	// CreatedFillPattern is written across newly-allocated memory that was not requested
	// zero-filled, so reads of uninitialized memory are recognizable in a debugger
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is written across memory immediately before it is freed, so
	// use-after-free reads are recognizable in a debugger
	DestroyedFillPattern uint8 = 0xEF
)

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method no-ops unless the debug_host_mem build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the provided pointer and offset.
// This method no-ops unless the debug_host_mem build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_host_mem build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_host_mem build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
