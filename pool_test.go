package hostmem_test

import (
	"math"
	"os"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem"
	"golang.org/x/exp/slog"
)

func TestPoolReuseBoundsGrowth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	pool, err := hostmem.NewPool(logger, native, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	// Churning the same size class over and over draws from the backing allocator
	// exactly once
	for i := 0; i < 5; i++ {
		buffer, err := hostmem.Allocate[byte](pool, 100, false)
		require.NoError(t, err)
		require.NoError(t, buffer.Dispose())
		require.Equal(t, int64(128), pool.TotalAllocatedBytes())
	}

	big, err := hostmem.Allocate[byte](pool, 3000, false)
	require.NoError(t, err)
	require.Equal(t, int64(128+4096), pool.TotalAllocatedBytes())

	require.NoError(t, big.Dispose())
	require.NoError(t, pool.Destroy())
}

func TestPoolRoundsToSizeClasses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	pool, err := hostmem.NewPool(logger, backing, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	small, err := pool.AllocateRaw(100, false)
	require.NoError(t, err)
	require.Equal(t, 128, backing.Sizes[uintptr(small)])

	tiny, err := pool.AllocateRaw(1, false)
	require.NoError(t, err)
	require.Equal(t, 16, backing.Sizes[uintptr(tiny)])

	// Beyond the largest class the requested size passes through unchanged
	odd, err := pool.AllocateRaw(5000, false)
	require.NoError(t, err)
	require.Equal(t, 5000, backing.Sizes[uintptr(odd)])

	require.NoError(t, pool.Free(small))
	require.NoError(t, pool.Free(tiny))
	require.NoError(t, pool.Free(odd))
	require.NoError(t, pool.Destroy())
}

func TestPoolFallbackReuse(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	pool, err := hostmem.NewPool(logger, backing, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	first, err := pool.AllocateRaw(5000, false)
	require.NoError(t, err)
	require.NoError(t, pool.Free(first))

	second, err := pool.AllocateRaw(5000, false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, backing.Allocated, 1)

	require.NoError(t, pool.Free(second))
	require.NoError(t, pool.Destroy())
}

func TestPoolCapacityBound(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	pool, err := hostmem.NewPool(logger, backing, hostmem.PoolCreateInfo{SlotsPerClass: 2})
	require.NoError(t, err)

	first, err := pool.AllocateRaw(64, false)
	require.NoError(t, err)
	second, err := pool.AllocateRaw(64, false)
	require.NoError(t, err)
	third, err := pool.AllocateRaw(64, false)
	require.NoError(t, err)

	require.NoError(t, pool.Free(first))
	require.NoError(t, pool.Free(second))
	require.Empty(t, backing.Freed)

	// The class already holds two cached regions, so the third free releases
	require.NoError(t, pool.Free(third))
	require.Len(t, backing.Freed, 1)

	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, backing.LiveRegionCount())
}

func TestPoolZeroFillScrubsRecycled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	pool, err := hostmem.NewPool(logger, native, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	dirty, err := hostmem.Allocate[byte](pool, 64, false)
	require.NoError(t, err)
	require.NoError(t, dirty.Fill(0xAB))
	dirtyAddress := dirty.Pointer()
	require.NoError(t, dirty.Dispose())

	fresh, err := hostmem.Allocate[byte](pool, 64, true)
	require.NoError(t, err)
	require.Equal(t, dirtyAddress, fresh.Pointer())

	view, err := fresh.View(64)
	require.NoError(t, err)
	for _, value := range view {
		require.Equal(t, byte(0), value)
	}

	require.NoError(t, fresh.Dispose())
	require.NoError(t, pool.Destroy())
}

func TestPoolClearReleasesCaches(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	pool, err := hostmem.NewPool(logger, backing, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	classed, err := pool.AllocateRaw(64, false)
	require.NoError(t, err)
	fallback, err := pool.AllocateRaw(5000, false)
	require.NoError(t, err)
	require.NoError(t, pool.Free(classed))
	require.NoError(t, pool.Free(fallback))

	pool.Clear()
	require.Len(t, backing.Freed, 2)
	require.Equal(t, 0, backing.LiveRegionCount())

	// The pool stays usable after a clear; the next allocation is simply fresh
	again, err := pool.AllocateRaw(64, false)
	require.NoError(t, err)
	require.Len(t, backing.Allocated, 3)

	require.NoError(t, pool.Free(again))
	require.NoError(t, pool.Destroy())
}

func TestPoolDisposedErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	backing := hostmem.NewRecordingAllocator()
	pool, err := hostmem.NewPool(logger, backing, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	region, err := pool.AllocateRaw(64, false)
	require.NoError(t, err)
	require.NoError(t, pool.Free(region))

	require.NoError(t, pool.Destroy())
	require.NoError(t, pool.Destroy())

	_, err = pool.AllocateRaw(64, false)
	require.ErrorIs(t, err, hostmem.DisposedError)
	require.ErrorIs(t, pool.Free(region), hostmem.DisposedError)
}

func TestPoolStatistics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	pool, err := hostmem.NewPool(logger, native, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	live, err := pool.AllocateRaw(100, false)
	require.NoError(t, err)
	returned, err := pool.AllocateRaw(200, false)
	require.NoError(t, err)
	require.NoError(t, pool.Free(returned))

	var stats hostmem.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(&stats)

	require.Equal(t, hostmem.DetailedStatistics{
		Statistics: hostmem.Statistics{
			BlockCount:      2,
			BlockBytes:      128 + 256,
			AllocationCount: 1,
			AllocationBytes: 128,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: 128,
		AllocationSizeMax: 128,
		FreeRangeSizeMin:  256,
		FreeRangeSizeMax:  256,
	}, stats)

	require.NoError(t, pool.Free(live))
	require.NoError(t, pool.Destroy())
}

func TestPoolValidateAndStatsString(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	pool, err := hostmem.NewPool(logger, native, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	region, err := pool.AllocateRaw(60, false)
	require.NoError(t, err)
	require.NoError(t, pool.Free(region))
	require.NoError(t, pool.Validate())

	writer := jwriter.NewWriter()
	pool.BuildStatsString(&writer)
	statsString := string(writer.Bytes())
	require.Contains(t, statsString, `"SlotsPerClass":1024`)
	require.Contains(t, statsString, `"ClassSize":64`)
	require.Contains(t, statsString, `"CachedRegions":1`)

	require.NoError(t, pool.Destroy())
}

func TestPoolStatisticsEmpty(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	native := hostmem.NewNative(logger)
	pool, err := hostmem.NewPool(logger, native, hostmem.PoolCreateInfo{})
	require.NoError(t, err)

	var stats hostmem.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(&stats)

	require.Equal(t, hostmem.DetailedStatistics{
		FreeRangeCount:    0,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  math.MaxInt,
		FreeRangeSizeMax:  0,
	}, stats)

	require.NoError(t, pool.Destroy())
}
