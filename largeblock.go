package hostmem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

const (
	defaultLargeBlockThreshold = 64 * 1024
	defaultBlocksPerSize       = 8
)

const defaultLargeBlockAlignment uint = 4096

var ptrSlotSize = int(unsafe.Sizeof(uintptr(0)))

// LargeBlockCreateInfo contains optional settings for a large-block allocator
type LargeBlockCreateInfo struct {
	// Threshold is the size at which requests count as large. Zero selects 64KiB.
	// Smaller requests delegate to the backing allocator untouched.
	Threshold int
	// Alignment is the boundary large block addresses land on. It must be a power of
	// two, and zero selects 4096.
	Alignment uint
	// BlocksPerSize bounds how many freed blocks of each aligned size are retained
	// for reuse. Zero selects 8.
	BlocksPerSize int
}

type alignedBlockPool struct {
	lock   sync.Mutex
	blocks []unsafe.Pointer
}

// LargeBlockAllocator specializes in requests at or beyond a size threshold. Large
// requests round up to an alignment boundary, land on aligned addresses, and recycle
// through small per-size pools when freed, since workloads that allocate huge blocks
// tend to ask for the same sizes repeatedly. Requests under the threshold delegate to
// the backing allocator untouched.
//
// The backing allocator never guarantees alignment, so each large block is
// over-allocated by the alignment plus one pointer slot. The address handed out is the
// first aligned boundary with room for a header slot just below it, and that slot
// stores the original backing address for the eventual genuine release.
type LargeBlockAllocator struct {
	logger        *slog.Logger
	backing       Allocator
	threshold     int
	alignment     uint
	blocksPerSize int

	poolsMutex sync.Mutex
	pools      *swiss.Map[int, *alignedBlockPool]

	trackedMutex sync.Mutex
	tracked      *swiss.Map[uintptr, int]

	total    atomic.Int64
	disposed atomic.Bool
}

var _ Allocator = &LargeBlockAllocator{}

// NewLargeBlock creates a new LargeBlockAllocator over the provided backing
// allocator. A nil logger selects slog.Default, and zero values in info select the
// defaults.
func NewLargeBlock(logger *slog.Logger, backing Allocator, info LargeBlockCreateInfo) (*LargeBlockAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	threshold := info.Threshold
	if threshold == 0 {
		threshold = defaultLargeBlockThreshold
	}
	alignment := info.Alignment
	if alignment == 0 {
		alignment = defaultLargeBlockAlignment
	}
	blocksPerSize := info.BlocksPerSize
	if blocksPerSize == 0 {
		blocksPerSize = defaultBlocksPerSize
	}

	if threshold < 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "threshold %d", threshold)
	}
	if blocksPerSize < 0 {
		return nil, cerrors.Errorf("LargeBlockCreateInfo.BlocksPerSize cannot be negative: %d", blocksPerSize)
	}
	err := CheckPow2(alignment, "LargeBlockCreateInfo.Alignment")
	if err != nil {
		return nil, err
	}

	return &LargeBlockAllocator{
		logger:        logger,
		backing:       backing,
		threshold:     threshold,
		alignment:     alignment,
		blocksPerSize: blocksPerSize,
		pools:         swiss.NewMap[int, *alignedBlockPool](42),
		tracked:       swiss.NewMap[uintptr, int](42),
	}, nil
}

// alignAndStore finds the first alignment boundary in the raw region with room for a
// pointer slot below it, stores the region's original address in that slot, and
// returns the boundary address. The region must have been allocated with room for the
// alignment padding plus the slot.
func alignAndStore(raw unsafe.Pointer, alignment uint) unsafe.Pointer {
	misalignment := (uintptr(raw) + uintptr(ptrSlotSize)) & uintptr(alignment-1)
	padding := 0
	if misalignment != 0 {
		padding = int(alignment) - int(misalignment)
	}

	aligned := unsafe.Add(raw, ptrSlotSize+padding)
	*(*uintptr)(unsafe.Add(aligned, -ptrSlotSize)) = uintptr(raw)

	return aligned
}

// recoverRaw reads back the original backing address alignAndStore placed below the
// aligned address.
func recoverRaw(aligned unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(*(*uintptr)(unsafe.Add(aligned, -ptrSlotSize)))
}

func (l *LargeBlockAllocator) poolForSize(alignedSize int) *alignedBlockPool {
	l.poolsMutex.Lock()
	defer l.poolsMutex.Unlock()

	pool, ok := l.pools.Get(alignedSize)
	if !ok {
		pool = &alignedBlockPool{}
		l.pools.Put(alignedSize, pool)
	}

	return pool
}

func (l *LargeBlockAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "requested %d bytes", size)
	}
	if l.disposed.Load() {
		return nil, cerrors.Wrapf(DisposedError, "large-block allocation of %d bytes", size)
	}

	if size < l.threshold {
		ptr, err := l.backing.AllocateRaw(size, zeroFill)
		if err != nil {
			return nil, err
		}

		l.total.Add(int64(size))
		return ptr, nil
	}

	alignedSize := AlignUp(size, l.alignment)

	pool := l.poolForSize(alignedSize)
	pool.lock.Lock()
	var reused unsafe.Pointer
	if n := len(pool.blocks); n > 0 {
		reused = pool.blocks[n-1]
		pool.blocks = pool.blocks[:n-1]
	}
	pool.lock.Unlock()

	if reused != nil {
		// Recycled blocks are dirty with their previous contents
		if zeroFill {
			zeroRegion(reused, alignedSize)
		}
		return reused, nil
	}

	rawSize := alignedSize + int(l.alignment) + ptrSlotSize
	raw, err := l.backing.AllocateRaw(rawSize, false)
	if err != nil {
		return nil, err
	}

	aligned := alignAndStore(raw, l.alignment)
	if zeroFill {
		zeroRegion(aligned, alignedSize)
	}

	l.trackedMutex.Lock()
	l.tracked.Put(uintptr(aligned), alignedSize)
	l.trackedMutex.Unlock()

	l.total.Add(int64(rawSize))
	l.logger.Debug("LargeBlockAllocator::AllocateRaw",
		slog.Int("size", size),
		slog.Int("alignedSize", alignedSize),
	)

	return aligned, nil
}

func (l *LargeBlockAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	if l.disposed.Load() {
		return cerrors.Wrapf(DisposedError, "large-block free of 0x%x", uintptr(ptr))
	}

	l.trackedMutex.Lock()
	alignedSize, known := l.tracked.Get(uintptr(ptr))
	l.trackedMutex.Unlock()

	if !known {
		// Either a delegated small region or a foreign address; the backing
		// allocator can tell them apart
		return l.backing.Free(ptr)
	}

	pool := l.poolForSize(alignedSize)
	pool.lock.Lock()
	if len(pool.blocks) < l.blocksPerSize {
		pool.blocks = append(pool.blocks, ptr)
		pool.lock.Unlock()
		return nil
	}
	pool.lock.Unlock()

	// The pool for this size is full, so the block genuinely releases through its
	// stored backing address
	l.trackedMutex.Lock()
	l.tracked.Delete(uintptr(ptr))
	l.trackedMutex.Unlock()

	return l.backing.Free(recoverRaw(ptr))
}

func (l *LargeBlockAllocator) SupportsIndividualDeallocation() bool {
	return true
}

func (l *LargeBlockAllocator) TotalAllocatedBytes() int64 {
	return l.total.Load()
}

// Destroy releases every pooled block back through the backing allocator and marks
// the allocator unusable. Large blocks still in callers' hands are left alone; they
// leak unless their owners freed them first, exactly as with a native allocator. A
// block that fails to free is logged and skipped. Calling Destroy again is a no-op.
func (l *LargeBlockAllocator) Destroy() error {
	if l.disposed.Swap(true) {
		return nil
	}

	l.logger.Debug("LargeBlockAllocator::Destroy")

	type pooledBlock struct {
		block       unsafe.Pointer
		alignedSize int
	}
	var drained []pooledBlock

	l.poolsMutex.Lock()
	l.pools.Iter(func(alignedSize int, pool *alignedBlockPool) bool {
		pool.lock.Lock()
		for _, block := range pool.blocks {
			drained = append(drained, pooledBlock{block: block, alignedSize: alignedSize})
		}
		pool.blocks = nil
		pool.lock.Unlock()
		return false
	})
	l.pools = swiss.NewMap[int, *alignedBlockPool](42)
	l.poolsMutex.Unlock()

	for _, entry := range drained {
		l.trackedMutex.Lock()
		l.tracked.Delete(uintptr(entry.block))
		l.trackedMutex.Unlock()

		err := l.backing.Free(recoverRaw(entry.block))
		if err != nil {
			l.logger.Error("failed to free a pooled block during teardown",
				slog.Any("error", err),
				slog.Int("alignedSize", entry.alignedSize),
			)
		}
	}

	return nil
}

// AddDetailedStatistics accumulates this allocator's large blocks into stats. Pooled
// blocks report as free ranges, and blocks in callers' hands as allocations.
func (l *LargeBlockAllocator) AddDetailedStatistics(stats *DetailedStatistics) {
	pooled := make(map[uintptr]struct{})

	l.poolsMutex.Lock()
	l.pools.Iter(func(alignedSize int, pool *alignedBlockPool) bool {
		pool.lock.Lock()
		for _, block := range pool.blocks {
			pooled[uintptr(block)] = struct{}{}
			stats.AddFreeRange(alignedSize)
		}
		pool.lock.Unlock()
		return false
	})
	l.poolsMutex.Unlock()

	l.trackedMutex.Lock()
	l.tracked.Iter(func(address uintptr, alignedSize int) bool {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += alignedSize

		if _, isPooled := pooled[address]; !isPooled {
			stats.AddAllocation(alignedSize)
		}
		return false
	})
	l.trackedMutex.Unlock()
}

// BuildStatsString writes a json description of the block pools to the provided
// writer.
func (l *LargeBlockAllocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Threshold").Int(l.threshold)
	obj.Name("Alignment").Int(int(l.alignment))
	obj.Name("BlocksPerSize").Int(l.blocksPerSize)

	pools := obj.Name("Pools").Array()
	l.poolsMutex.Lock()
	l.pools.Iter(func(alignedSize int, pool *alignedBlockPool) bool {
		pool.lock.Lock()
		cached := len(pool.blocks)
		pool.lock.Unlock()

		o := pools.Object()
		o.Name("AlignedSize").Int(alignedSize)
		o.Name("CachedBlocks").Int(cached)
		o.End()
		return false
	})
	l.poolsMutex.Unlock()
	pools.End()
}
