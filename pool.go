package hostmem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/internal/utils"
	"golang.org/x/exp/slog"
)

var poolSizeClasses = [...]int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

const defaultSlotsPerClass = 1024

// PoolCreateInfo contains optional settings for a pool allocator
type PoolCreateInfo struct {
	// SlotsPerClass bounds how many freed regions each size class or fallback bucket
	// retains for reuse. Zero selects the default of 1024. Frees arriving beyond the
	// bound release through the backing allocator immediately.
	SlotsPerClass int
}

type poolClass struct {
	lock  utils.SpinLock
	slots []unsafe.Pointer
}

type poolBucket struct {
	slots []unsafe.Pointer
}

// PoolAllocator recycles freed regions instead of returning them to its backing
// allocator. Requests up to 4KiB round up to a power-of-two size class with a
// fixed-capacity slot stack each, and odd larger sizes fall back to per-size buckets
// with the same capacity bound. A free that finds its class full is released for real,
// which keeps a pool's footprint bounded no matter how many times callers churn.
//
// The class stacks sit on the allocation fast path and are guarded by spin locks;
// everything that can miss into the backing allocator takes a conventional mutex.
type PoolAllocator struct {
	logger   *slog.Logger
	backing  Allocator
	capacity int

	classes [len(poolSizeClasses)]poolClass

	fallbackMutex sync.Mutex
	fallback      *swiss.Map[int, *poolBucket]

	sizesMutex sync.Mutex
	sizes      *swiss.Map[uintptr, int]

	total     atomic.Int64
	liveCount atomic.Int64
	liveBytes atomic.Int64
	disposed  atomic.Bool
}

var _ Allocator = &PoolAllocator{}

// NewPool creates a new PoolAllocator over the provided backing allocator. A nil
// logger selects slog.Default, and the zero value of info selects the default
// capacity.
func NewPool(logger *slog.Logger, backing Allocator, info PoolCreateInfo) (*PoolAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	capacity := info.SlotsPerClass
	if capacity == 0 {
		capacity = defaultSlotsPerClass
	}
	if capacity < 0 {
		return nil, cerrors.Errorf("PoolCreateInfo.SlotsPerClass cannot be negative: %d", capacity)
	}

	pool := &PoolAllocator{
		logger:   logger,
		backing:  backing,
		capacity: capacity,
		fallback: swiss.NewMap[int, *poolBucket](42),
		sizes:    swiss.NewMap[uintptr, int](512),
	}
	for i := range pool.classes {
		pool.classes[i].slots = make([]unsafe.Pointer, 0, capacity)
	}

	return pool, nil
}

// classForSize is the index of the smallest size class that fits size, or -1 for
// requests beyond the largest class.
func classForSize(size int) int {
	for i, classSize := range poolSizeClasses {
		if size <= classSize {
			return i
		}
	}

	return -1
}

func (p *PoolAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "requested %d bytes", size)
	}
	if p.disposed.Load() {
		return nil, cerrors.Wrapf(DisposedError, "pool allocation of %d bytes", size)
	}

	classIndex := classForSize(size)
	grantedSize := size
	if classIndex >= 0 {
		grantedSize = poolSizeClasses[classIndex]
	}

	var reused unsafe.Pointer
	if classIndex >= 0 {
		class := &p.classes[classIndex]

		class.lock.Lock()
		if n := len(class.slots); n > 0 {
			reused = class.slots[n-1]
			class.slots = class.slots[:n-1]
		}
		class.lock.Unlock()
	} else {
		p.fallbackMutex.Lock()
		bucket, ok := p.fallback.Get(size)
		if ok {
			if n := len(bucket.slots); n > 0 {
				reused = bucket.slots[n-1]
				bucket.slots = bucket.slots[:n-1]
			}
		}
		p.fallbackMutex.Unlock()
	}

	if reused != nil {
		// Recycled regions are dirty with their previous contents
		if zeroFill {
			zeroRegion(reused, grantedSize)
		}

		p.liveCount.Add(1)
		p.liveBytes.Add(int64(grantedSize))
		return reused, nil
	}

	ptr, err := p.backing.AllocateRaw(grantedSize, zeroFill)
	if err != nil {
		return nil, err
	}

	p.sizesMutex.Lock()
	p.sizes.Put(uintptr(ptr), grantedSize)
	p.sizesMutex.Unlock()

	p.total.Add(int64(grantedSize))
	p.liveCount.Add(1)
	p.liveBytes.Add(int64(grantedSize))
	p.logger.Debug("PoolAllocator::AllocateRaw",
		slog.Int("size", size),
		slog.Int("grantedSize", grantedSize),
	)

	return ptr, nil
}

func (p *PoolAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	if p.disposed.Load() {
		return cerrors.Wrapf(DisposedError, "pool free of 0x%x", uintptr(ptr))
	}

	p.sizesMutex.Lock()
	grantedSize, known := p.sizes.Get(uintptr(ptr))
	p.sizesMutex.Unlock()

	if !known {
		p.logger.Warn("freeing an address this pool never handed out",
			slog.Uint64("address", uint64(uintptr(ptr))),
		)
		return p.backing.Free(ptr)
	}

	p.liveCount.Add(-1)
	p.liveBytes.Add(-int64(grantedSize))

	classIndex := classForSize(grantedSize)
	if classIndex >= 0 {
		class := &p.classes[classIndex]

		class.lock.Lock()
		if len(class.slots) < p.capacity {
			class.slots = append(class.slots, ptr)
			class.lock.Unlock()
			return nil
		}
		class.lock.Unlock()
	} else {
		p.fallbackMutex.Lock()
		bucket, ok := p.fallback.Get(grantedSize)
		if !ok {
			bucket = &poolBucket{slots: make([]unsafe.Pointer, 0, p.capacity)}
			p.fallback.Put(grantedSize, bucket)
		}
		if len(bucket.slots) < p.capacity {
			bucket.slots = append(bucket.slots, ptr)
			p.fallbackMutex.Unlock()
			return nil
		}
		p.fallbackMutex.Unlock()
	}

	// The class or bucket is at capacity, so this region genuinely releases
	p.sizesMutex.Lock()
	p.sizes.Delete(uintptr(ptr))
	p.sizesMutex.Unlock()

	return p.backing.Free(ptr)
}

func (p *PoolAllocator) SupportsIndividualDeallocation() bool {
	return true
}

func (p *PoolAllocator) TotalAllocatedBytes() int64 {
	return p.total.Load()
}

func (p *PoolAllocator) drainCaches() {
	for i := range p.classes {
		class := &p.classes[i]

		class.lock.Lock()
		drained := class.slots
		class.slots = make([]unsafe.Pointer, 0, p.capacity)
		class.lock.Unlock()

		p.releaseRegions(drained)
	}

	var drained []unsafe.Pointer
	p.fallbackMutex.Lock()
	p.fallback.Iter(func(size int, bucket *poolBucket) bool {
		drained = append(drained, bucket.slots...)
		return false
	})
	p.fallback = swiss.NewMap[int, *poolBucket](42)
	p.fallbackMutex.Unlock()

	p.releaseRegions(drained)
}

func (p *PoolAllocator) releaseRegions(regions []unsafe.Pointer) {
	for _, ptr := range regions {
		p.sizesMutex.Lock()
		p.sizes.Delete(uintptr(ptr))
		p.sizesMutex.Unlock()

		err := p.backing.Free(ptr)
		if err != nil {
			p.logger.Error("failed to release a cached region",
				slog.Any("error", err),
				slog.Uint64("address", uint64(uintptr(ptr))),
			)
		}
	}
}

// Clear releases every cached region back through the backing allocator. The pool
// remains usable afterward; only the recycling stock is dropped. A region that fails
// to free is logged and skipped.
func (p *PoolAllocator) Clear() {
	if p.disposed.Load() {
		return
	}

	p.logger.Debug("PoolAllocator::Clear")
	p.drainCaches()
	DebugValidate(p)
}

// Destroy releases every cached region and marks the pool unusable. Live regions the
// pool handed out are not touched; their owners are expected to have freed them
// already. Calling Destroy again is a no-op.
func (p *PoolAllocator) Destroy() error {
	if p.disposed.Swap(true) {
		return nil
	}

	p.logger.Debug("PoolAllocator::Destroy",
		slog.Int64("liveRegions", p.liveCount.Load()),
	)
	p.drainCaches()

	return nil
}

// Validate rechecks the capacity bound on every size class and fallback bucket. It
// only runs real work in debug builds, where DebugValidate calls it.
func (p *PoolAllocator) Validate() error {
	for i := range p.classes {
		class := &p.classes[i]

		class.lock.Lock()
		cached := len(class.slots)
		class.lock.Unlock()

		if cached > p.capacity {
			return cerrors.Errorf("size class %d holds %d cached regions, beyond its bound of %d",
				poolSizeClasses[i], cached, p.capacity)
		}
	}

	var err error
	p.fallbackMutex.Lock()
	p.fallback.Iter(func(size int, bucket *poolBucket) bool {
		if len(bucket.slots) > p.capacity {
			err = cerrors.Errorf("fallback bucket %d holds %d cached regions, beyond its bound of %d",
				size, len(bucket.slots), p.capacity)
			return true
		}
		return false
	})
	p.fallbackMutex.Unlock()

	return err
}

// AddDetailedStatistics accumulates this pool's regions into stats. Every region in
// the size table is a block the pool has drawn; cached regions report as free ranges
// and the rest as live allocations.
func (p *PoolAllocator) AddDetailedStatistics(stats *DetailedStatistics) {
	cached := make(map[uintptr]struct{})

	for i := range p.classes {
		class := &p.classes[i]

		class.lock.Lock()
		for _, ptr := range class.slots {
			cached[uintptr(ptr)] = struct{}{}
		}
		class.lock.Unlock()
	}

	p.fallbackMutex.Lock()
	p.fallback.Iter(func(size int, bucket *poolBucket) bool {
		for _, ptr := range bucket.slots {
			cached[uintptr(ptr)] = struct{}{}
		}
		return false
	})
	p.fallbackMutex.Unlock()

	p.sizesMutex.Lock()
	p.sizes.Iter(func(address uintptr, grantedSize int) bool {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += grantedSize

		if _, isCached := cached[address]; isCached {
			stats.AddFreeRange(grantedSize)
		} else {
			stats.AddAllocation(grantedSize)
		}
		return false
	})
	p.sizesMutex.Unlock()
}

// BuildStatsString writes a json description of the pool's cache occupancy to the
// provided writer.
func (p *PoolAllocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("SlotsPerClass").Int(p.capacity)
	obj.Name("LiveRegions").Int(int(p.liveCount.Load()))
	obj.Name("LiveBytes").Int(int(p.liveBytes.Load()))

	classes := obj.Name("SizeClasses").Array()
	for i := range p.classes {
		class := &p.classes[i]

		class.lock.Lock()
		cached := len(class.slots)
		class.lock.Unlock()

		o := classes.Object()
		o.Name("ClassSize").Int(poolSizeClasses[i])
		o.Name("CachedRegions").Int(cached)
		o.End()
	}
	classes.End()

	buckets := obj.Name("FallbackBuckets").Array()
	p.fallbackMutex.Lock()
	p.fallback.Iter(func(size int, bucket *poolBucket) bool {
		o := buckets.Object()
		o.Name("Size").Int(size)
		o.Name("CachedRegions").Int(len(bucket.slots))
		o.End()
		return false
	})
	p.fallbackMutex.Unlock()
	buckets.End()
}
