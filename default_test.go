package hostmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem"
)

func TestDefaultHandle(t *testing.T) {
	defer hostmem.SetDefault(nil)

	original := hostmem.Default()
	require.NotNil(t, original)
	require.IsType(t, &hostmem.NativeAllocator{}, original)
	require.Same(t, original, hostmem.Default())

	replacement := hostmem.NewRecordingAllocator()
	hostmem.SetDefault(replacement)
	require.Same(t, replacement, hostmem.Default())

	buffer, err := hostmem.Allocate[byte](hostmem.Default(), 32, false)
	require.NoError(t, err)
	require.Len(t, replacement.Allocated, 1)
	require.NoError(t, buffer.Dispose())

	// Resetting the handle makes the next Default call build a fresh allocator
	hostmem.SetDefault(nil)
	fresh := hostmem.Default()
	require.IsType(t, &hostmem.NativeAllocator{}, fresh)
	require.NotSame(t, original, fresh)
}
