package hostmem_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem"
	"golang.org/x/exp/slog"
)

func TestLargeBlockAlignedRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	large, err := hostmem.NewLargeBlock(logger, native, hostmem.LargeBlockCreateInfo{})
	require.NoError(t, err)

	buffer, err := hostmem.Allocate[byte](large, 100000, false)
	require.NoError(t, err)
	require.Zero(t, uintptr(buffer.Pointer())%4096)

	require.NoError(t, buffer.Set(0, 0xAA))
	require.NoError(t, buffer.Set(99999, 0xBB))
	firstAddress := buffer.Pointer()
	require.NoError(t, buffer.Dispose())

	// The freed block was pooled, so the same aligned address comes back, dirty
	recycled, err := hostmem.Allocate[byte](large, 100000, false)
	require.NoError(t, err)
	require.Equal(t, firstAddress, recycled.Pointer())

	value, err := recycled.Get(0)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), value)
	value, err = recycled.Get(99999)
	require.NoError(t, err)
	require.Equal(t, byte(0xBB), value)

	require.NoError(t, recycled.Dispose())
	require.NoError(t, large.Destroy())
}

func TestLargeBlockHeaderRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	large, err := hostmem.NewLargeBlock(logger, backing, hostmem.LargeBlockCreateInfo{
		BlocksPerSize: 1,
	})
	require.NoError(t, err)

	first, err := large.AllocateRaw(70000, false)
	require.NoError(t, err)
	second, err := large.AllocateRaw(70000, false)
	require.NoError(t, err)
	require.Len(t, backing.Allocated, 2)

	// The first free is pooled; the second finds the pool full and must release
	// through the original backing address stored below the aligned one
	require.NoError(t, large.Free(first))
	require.Empty(t, backing.Freed)
	require.NoError(t, large.Free(second))
	require.Len(t, backing.Freed, 1)
	require.Contains(t, backing.Allocated, backing.Freed[0])

	require.NoError(t, large.Destroy())
	require.Len(t, backing.Freed, 2)
	require.Equal(t, 0, backing.LiveRegionCount())
}

func TestLargeBlockDelegatesSmall(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	large, err := hostmem.NewLargeBlock(logger, backing, hostmem.LargeBlockCreateInfo{})
	require.NoError(t, err)

	small, err := large.AllocateRaw(1000, false)
	require.NoError(t, err)
	require.Equal(t, small, backing.Allocated[0])
	require.Equal(t, 1000, backing.Sizes[uintptr(small)])

	require.NoError(t, large.Free(small))
	require.Len(t, backing.Freed, 1)
	require.Equal(t, small, backing.Freed[0])

	require.NoError(t, large.Destroy())
}

func TestLargeBlockZeroFillRecycled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	large, err := hostmem.NewLargeBlock(logger, native, hostmem.LargeBlockCreateInfo{})
	require.NoError(t, err)

	dirty, err := hostmem.Allocate[byte](large, 65536, false)
	require.NoError(t, err)
	require.NoError(t, dirty.Fill(0xEE))
	dirtyAddress := dirty.Pointer()
	require.NoError(t, dirty.Dispose())

	fresh, err := hostmem.Allocate[byte](large, 65536, true)
	require.NoError(t, err)
	require.Equal(t, dirtyAddress, fresh.Pointer())

	view, err := fresh.View(65536)
	require.NoError(t, err)
	for _, value := range view {
		require.Equal(t, byte(0), value)
	}

	require.NoError(t, fresh.Dispose())
	require.NoError(t, large.Destroy())
}

func TestLargeBlockCreateValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()

	_, err := hostmem.NewLargeBlock(logger, backing, hostmem.LargeBlockCreateInfo{
		Alignment: 3000,
	})
	require.ErrorIs(t, err, hostmem.PowerOfTwoError)

	_, err = hostmem.NewLargeBlock(logger, backing, hostmem.LargeBlockCreateInfo{
		Threshold: -1,
	})
	require.ErrorIs(t, err, hostmem.InvalidSizeError)
}

func TestLargeBlockCounter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	large, err := hostmem.NewLargeBlock(logger, backing, hostmem.LargeBlockCreateInfo{})
	require.NoError(t, err)

	// 70000 rounds up to 73728, plus 4096 alignment slack and the header slot
	block, err := large.AllocateRaw(70000, false)
	require.NoError(t, err)
	expected := int64(73728 + 4096 + int(unsafe.Sizeof(uintptr(0))))
	require.Equal(t, expected, large.TotalAllocatedBytes())

	// Recycling draws nothing new
	require.NoError(t, large.Free(block))
	again, err := large.AllocateRaw(70000, false)
	require.NoError(t, err)
	require.Equal(t, block, again)
	require.Equal(t, expected, large.TotalAllocatedBytes())

	small, err := large.AllocateRaw(1000, false)
	require.NoError(t, err)
	require.Equal(t, expected+1000, large.TotalAllocatedBytes())

	require.NoError(t, large.Free(small))
	require.NoError(t, large.Free(again))
	require.NoError(t, large.Destroy())
}
