package hostmem_test

import (
	"os"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem"
	"golang.org/x/exp/slog"
)

func TestSlabSlotUniqueness(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	slab, err := hostmem.NewSlab(logger, backing, hostmem.SlabCreateInfo{})
	require.NoError(t, err)

	seen := make(map[uintptr]struct{})
	for i := 0; i < 50; i++ {
		ptr, err := slab.AllocateRaw(128, false)
		require.NoError(t, err)

		_, duplicate := seen[uintptr(ptr)]
		require.False(t, duplicate)
		seen[uintptr(ptr)] = struct{}{}
	}

	// Fifty 128-byte slots fit comfortably in one slab, so the backing allocator
	// was only asked once
	require.Len(t, backing.Allocated, 1)
	base := uintptr(backing.Allocated[0])
	for address := range seen {
		require.GreaterOrEqual(t, address, base)
		require.Less(t, address, base+1<<20)
		require.Zero(t, (address-base)%128)
	}

	require.NoError(t, slab.Destroy())
}

func TestSlabSlotReuse(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	slab, err := hostmem.NewSlab(logger, backing, hostmem.SlabCreateInfo{})
	require.NoError(t, err)

	first, err := slab.AllocateRaw(256, false)
	require.NoError(t, err)
	second, err := slab.AllocateRaw(256, false)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Slots hand out lowest-first, so a released slot is the next one reissued
	require.NoError(t, slab.Free(first))
	third, err := slab.AllocateRaw(256, false)
	require.NoError(t, err)
	require.Equal(t, first, third)

	require.NoError(t, slab.Destroy())
}

func TestSlabDelegatesOversize(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	slab, err := hostmem.NewSlab(logger, backing, hostmem.SlabCreateInfo{})
	require.NoError(t, err)

	big, err := slab.AllocateRaw(5000, false)
	require.NoError(t, err)
	require.Len(t, backing.Allocated, 1)
	require.Equal(t, 5000, backing.Sizes[uintptr(big)])

	require.NoError(t, slab.Free(big))
	require.Len(t, backing.Freed, 1)
	require.Equal(t, big, backing.Freed[0])

	// At the ceiling the request is still slab-handled
	edge, err := slab.AllocateRaw(4096, false)
	require.NoError(t, err)
	require.Len(t, backing.Allocated, 2)
	require.Equal(t, 1<<20, backing.Sizes[uintptr(backing.Allocated[1])])

	require.NoError(t, slab.Free(edge))
	require.NoError(t, slab.Destroy())
}

func TestSlabQuarterRule(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	slab, err := hostmem.NewSlab(logger, backing, hostmem.SlabCreateInfo{
		SlabSize:    16384,
		MaxSlotSize: 4096,
	})
	require.NoError(t, err)

	// 4096 is within MaxSlotSize and exactly a quarter of the slab, so it is the
	// largest size the slabs will carve
	carved, err := slab.AllocateRaw(4096, false)
	require.NoError(t, err)
	require.Equal(t, 16384, backing.Sizes[uintptr(backing.Allocated[0])])

	delegated, err := slab.AllocateRaw(4097, false)
	require.NoError(t, err)
	require.Equal(t, 4097, backing.Sizes[uintptr(delegated)])

	require.NoError(t, slab.Free(carved))
	require.NoError(t, slab.Free(delegated))
	require.NoError(t, slab.Destroy())
}

func TestSlabCreateValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()

	_, err := hostmem.NewSlab(logger, backing, hostmem.SlabCreateInfo{
		SlabSize:    32768,
		MaxSlotSize: 16384,
	})
	require.Error(t, err)

	_, err = hostmem.NewSlab(logger, backing, hostmem.SlabCreateInfo{SlabSize: -1})
	require.ErrorIs(t, err, hostmem.InvalidSizeError)
}

func TestSlabZeroFillScrubsSlot(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	slab, err := hostmem.NewSlab(logger, native, hostmem.SlabCreateInfo{})
	require.NoError(t, err)

	dirty, err := hostmem.Allocate[byte](slab, 512, false)
	require.NoError(t, err)
	require.NoError(t, dirty.Fill(0xCD))
	dirtyAddress := dirty.Pointer()
	require.NoError(t, dirty.Dispose())

	fresh, err := hostmem.Allocate[byte](slab, 512, true)
	require.NoError(t, err)
	require.Equal(t, dirtyAddress, fresh.Pointer())

	view, err := fresh.View(512)
	require.NoError(t, err)
	for _, value := range view {
		require.Equal(t, byte(0), value)
	}

	require.NoError(t, fresh.Dispose())
	require.NoError(t, slab.Destroy())
}

func TestSlabDestroyReleasesSlabs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	slab, err := hostmem.NewSlab(logger, backing, hostmem.SlabCreateInfo{})
	require.NoError(t, err)

	_, err = slab.AllocateRaw(128, false)
	require.NoError(t, err)
	_, err = slab.AllocateRaw(128, false)
	require.NoError(t, err)
	delegated, err := slab.AllocateRaw(100000, false)
	require.NoError(t, err)

	require.NoError(t, slab.Destroy())

	// The slab itself is released even though slots were still in use; the
	// delegated region stays live because only its owner can free it
	require.Len(t, backing.Freed, 1)
	require.Equal(t, backing.Allocated[0], backing.Freed[0])
	require.Equal(t, 1, backing.LiveRegionCount())

	_, err = slab.AllocateRaw(128, false)
	require.ErrorIs(t, err, hostmem.DisposedError)
	require.ErrorIs(t, slab.Free(delegated), hostmem.DisposedError)
	require.NoError(t, backing.Free(delegated))
}

func TestSlabStatistics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	slab, err := hostmem.NewSlab(logger, native, hostmem.SlabCreateInfo{
		SlabSize:    65536,
		MaxSlotSize: 4096,
	})
	require.NoError(t, err)

	first, err := slab.AllocateRaw(256, false)
	require.NoError(t, err)
	_, err = slab.AllocateRaw(256, false)
	require.NoError(t, err)

	var stats hostmem.DetailedStatistics
	stats.Clear()
	slab.AddDetailedStatistics(&stats)

	require.Equal(t, hostmem.DetailedStatistics{
		Statistics: hostmem.Statistics{
			BlockCount:      1,
			BlockBytes:      65536,
			AllocationCount: 2,
			AllocationBytes: 512,
		},
		FreeRangeCount:    254,
		AllocationSizeMin: 256,
		AllocationSizeMax: 256,
		FreeRangeSizeMin:  256,
		FreeRangeSizeMax:  256,
	}, stats)

	require.NoError(t, slab.Validate())
	require.NoError(t, slab.Free(first))
	require.NoError(t, slab.Validate())

	require.NoError(t, slab.Destroy())
}

func TestSlabStatsString(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	slab, err := hostmem.NewSlab(logger, native, hostmem.SlabCreateInfo{})
	require.NoError(t, err)

	_, err = slab.AllocateRaw(1024, false)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	slab.BuildStatsString(&writer)
	statsString := string(writer.Bytes())
	require.Contains(t, statsString, `"SlotSize":1024`)
	require.Contains(t, statsString, `"SlotCount":1024`)
	require.Contains(t, statsString, `"UsedSlots":1`)

	require.NoError(t, slab.Destroy())
}
