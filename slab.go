package hostmem

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

const (
	defaultSlabSize    = 1 << 20
	defaultMaxSlotSize = 4096
)

// SlabCreateInfo contains optional settings for a slab allocator
type SlabCreateInfo struct {
	// SlabSize is the size of each backing slab. Zero selects 1MiB.
	SlabSize int
	// MaxSlotSize is the largest request the slabs will carve slots for. Zero selects
	// 4KiB. Requests above this ceiling, or above a quarter of the slab size,
	// delegate to the backing allocator.
	MaxSlotSize int
}

// slab is one backing region carved into equal slots, with a bitmap recording which
// slots are handed out.
type slab struct {
	lock      sync.Mutex
	base      unsafe.Pointer
	slotSize  int
	slotCount int
	inUse     []uint64
	usedCount int
}

func newSlab(base unsafe.Pointer, slotSize, slotCount int) *slab {
	return &slab{
		base:      base,
		slotSize:  slotSize,
		slotCount: slotCount,
		inUse:     make([]uint64, (slotCount+63)/64),
	}
}

// acquireSlot claims the lowest free slot and returns its index, or false when the
// slab is full.
func (s *slab) acquireSlot() (int, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.usedCount == s.slotCount {
		return 0, false
	}

	for wordIndex, word := range s.inUse {
		if word == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^word)
		slot := wordIndex*64 + bit
		if slot >= s.slotCount {
			// Only the padding bits of the final word are left
			break
		}

		s.inUse[wordIndex] = word | 1<<bit
		s.usedCount++
		return slot, true
	}

	return 0, false
}

// releaseSlot returns a slot to the free set. The index is validated against the slab
// geometry and the in-use table before anything changes.
func (s *slab) releaseSlot(slot int) error {
	if slot < 0 || slot >= s.slotCount {
		return cerrors.Errorf("slot %d is outside this slab's %d slots", slot, s.slotCount)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	mask := uint64(1) << (slot % 64)
	if s.inUse[slot/64]&mask == 0 {
		return cerrors.Errorf("slot %d is not in use", slot)
	}

	s.inUse[slot/64] &^= mask
	s.usedCount--
	return nil
}

func (s *slab) slotPointer(slot int) unsafe.Pointer {
	return unsafe.Add(s.base, slot*s.slotSize)
}

func (s *slab) Validate() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	inUse := 0
	for _, word := range s.inUse {
		inUse += bits.OnesCount64(word)
	}
	if inUse != s.usedCount {
		return cerrors.Errorf("the listed number of used slots (%d) does not match the in-use table (%d)", s.usedCount, inUse)
	}

	return nil
}

type slabSlotRef struct {
	owner *slab
	slot  int
}

type slabPool struct {
	slabs []*slab
}

// SlabAllocator serves small fixed-size requests out of large backing slabs. Each
// distinct request size gets its own run of slabs carved into exactly that slot size,
// so a workload that allocates the same handful of sizes over and over touches the
// backing allocator once per slab instead of once per allocation. Requests too large
// for slab handling delegate to the backing allocator untouched.
//
// Slabs are never returned to the backing allocator while the slab allocator lives;
// Destroy releases all of them at once.
type SlabAllocator struct {
	logger      *slog.Logger
	backing     Allocator
	slabSize    int
	maxSlotSize int

	poolsMutex sync.RWMutex
	pools      *swiss.Map[int, *slabPool]

	slotsMutex sync.Mutex
	slots      *swiss.Map[uintptr, slabSlotRef]

	total    atomic.Int64
	disposed atomic.Bool
}

var _ Allocator = &SlabAllocator{}

// NewSlab creates a new SlabAllocator over the provided backing allocator. A nil
// logger selects slog.Default, and zero values in info select the defaults. The slot
// ceiling must not exceed a quarter of the slab size, so every slab holds at least
// four slots.
func NewSlab(logger *slog.Logger, backing Allocator, info SlabCreateInfo) (*SlabAllocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	slabSize := info.SlabSize
	if slabSize == 0 {
		slabSize = defaultSlabSize
	}
	maxSlotSize := info.MaxSlotSize
	if maxSlotSize == 0 {
		maxSlotSize = defaultMaxSlotSize
	}

	if slabSize < 0 || maxSlotSize < 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "slab size %d with max slot size %d", slabSize, maxSlotSize)
	}
	if maxSlotSize > slabSize/4 {
		return nil, cerrors.Errorf("max slot size %d cannot exceed a quarter of the slab size %d", maxSlotSize, slabSize)
	}

	return &SlabAllocator{
		logger:      logger,
		backing:     backing,
		slabSize:    slabSize,
		maxSlotSize: maxSlotSize,
		pools:       swiss.NewMap[int, *slabPool](42),
		slots:       swiss.NewMap[uintptr, slabSlotRef](512),
	}, nil
}

func (s *SlabAllocator) poolForSlotSize(size int) *slabPool {
	s.poolsMutex.RLock()
	pool, ok := s.pools.Get(size)
	s.poolsMutex.RUnlock()
	if ok {
		return pool
	}

	s.poolsMutex.Lock()
	defer s.poolsMutex.Unlock()

	pool, ok = s.pools.Get(size)
	if !ok {
		pool = &slabPool{}
		s.pools.Put(size, pool)
	}

	return pool
}

func (s *SlabAllocator) commitSlot(owner *slab, slot int, zeroFill bool) unsafe.Pointer {
	ptr := owner.slotPointer(slot)

	// A recycled slot is dirty with its previous occupant, and only the slot's own
	// bytes get cleared, never the whole slab
	if zeroFill {
		zeroRegion(ptr, owner.slotSize)
	}

	s.slotsMutex.Lock()
	s.slots.Put(uintptr(ptr), slabSlotRef{owner: owner, slot: slot})
	s.slotsMutex.Unlock()

	return ptr
}

func (s *SlabAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "requested %d bytes", size)
	}
	if s.disposed.Load() {
		return nil, cerrors.Wrapf(DisposedError, "slab allocation of %d bytes", size)
	}

	if size > s.maxSlotSize || size > s.slabSize/4 {
		ptr, err := s.backing.AllocateRaw(size, zeroFill)
		if err != nil {
			return nil, err
		}

		s.total.Add(int64(size))
		return ptr, nil
	}

	pool := s.poolForSlotSize(size)

	s.poolsMutex.RLock()
	slabs := pool.slabs
	s.poolsMutex.RUnlock()

	for _, existing := range slabs {
		if slot, ok := existing.acquireSlot(); ok {
			return s.commitSlot(existing, slot, zeroFill), nil
		}
	}

	// Every slab for this size is full, so draw a fresh one
	base, err := s.backing.AllocateRaw(s.slabSize, false)
	if err != nil {
		return nil, err
	}

	fresh := newSlab(base, size, s.slabSize/size)
	slot, _ := fresh.acquireSlot()

	s.poolsMutex.Lock()
	pool.slabs = append(pool.slabs, fresh)
	s.poolsMutex.Unlock()

	s.total.Add(int64(s.slabSize))
	s.logger.Debug("SlabAllocator::AllocateRaw",
		slog.Int("slotSize", size),
		slog.Int("slotCount", fresh.slotCount),
	)

	return s.commitSlot(fresh, slot, zeroFill), nil
}

func (s *SlabAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	if s.disposed.Load() {
		return cerrors.Wrapf(DisposedError, "slab free of 0x%x", uintptr(ptr))
	}

	s.slotsMutex.Lock()
	ref, known := s.slots.Get(uintptr(ptr))
	if known {
		s.slots.Delete(uintptr(ptr))
	}
	s.slotsMutex.Unlock()

	if !known {
		// Either a delegated oversize region or a foreign address; the backing
		// allocator can tell them apart
		return s.backing.Free(ptr)
	}

	err := ref.owner.releaseSlot(ref.slot)
	if err != nil {
		return err
	}

	DebugValidate(ref.owner)
	return nil
}

func (s *SlabAllocator) SupportsIndividualDeallocation() bool {
	return true
}

func (s *SlabAllocator) TotalAllocatedBytes() int64 {
	return s.total.Load()
}

// Destroy releases every slab back through the backing allocator and marks the slab
// allocator unusable, invalidating any slots still handed out. A slab that fails to
// free is logged and skipped. Calling Destroy again is a no-op.
func (s *SlabAllocator) Destroy() error {
	if s.disposed.Swap(true) {
		return nil
	}

	s.logger.Debug("SlabAllocator::Destroy")

	type slabRegion struct {
		base     unsafe.Pointer
		slotSize int
	}
	var regions []slabRegion

	s.poolsMutex.Lock()
	s.pools.Iter(func(slotSize int, pool *slabPool) bool {
		for _, sl := range pool.slabs {
			regions = append(regions, slabRegion{base: sl.base, slotSize: slotSize})
		}
		return false
	})
	s.pools = swiss.NewMap[int, *slabPool](42)
	s.poolsMutex.Unlock()

	s.slotsMutex.Lock()
	s.slots = swiss.NewMap[uintptr, slabSlotRef](512)
	s.slotsMutex.Unlock()

	for _, region := range regions {
		err := s.backing.Free(region.base)
		if err != nil {
			s.logger.Error("failed to free a slab during teardown",
				slog.Any("error", err),
				slog.Int("slotSize", region.slotSize),
			)
		}
	}

	return nil
}

// Validate rechecks every slab's bitmap against its used-slot count. It only runs
// real work in debug builds, where DebugValidate calls it.
func (s *SlabAllocator) Validate() error {
	s.poolsMutex.RLock()
	defer s.poolsMutex.RUnlock()

	var err error
	s.pools.Iter(func(slotSize int, pool *slabPool) bool {
		for _, sl := range pool.slabs {
			err = sl.Validate()
			if err != nil {
				err = cerrors.Wrapf(err, "slab with slot size %d", slotSize)
				return true
			}
		}
		return false
	})

	return err
}

// AddDetailedStatistics accumulates every slab's occupancy into stats. Free slots
// report as free ranges of the slab's slot size.
func (s *SlabAllocator) AddDetailedStatistics(stats *DetailedStatistics) {
	s.poolsMutex.RLock()
	defer s.poolsMutex.RUnlock()

	s.pools.Iter(func(slotSize int, pool *slabPool) bool {
		for _, sl := range pool.slabs {
			sl.lock.Lock()
			used := sl.usedCount
			free := sl.slotCount - used
			sl.lock.Unlock()

			stats.Statistics.BlockCount++
			stats.Statistics.BlockBytes += s.slabSize
			for i := 0; i < used; i++ {
				stats.AddAllocation(slotSize)
			}
			for i := 0; i < free; i++ {
				stats.AddFreeRange(slotSize)
			}
		}
		return false
	})
}

// BuildStatsString writes a json description of every slab's occupancy to the provided
// writer.
func (s *SlabAllocator) BuildStatsString(writer *jwriter.Writer) {
	s.poolsMutex.RLock()
	defer s.poolsMutex.RUnlock()

	arr := writer.Array()
	defer arr.End()

	s.pools.Iter(func(slotSize int, pool *slabPool) bool {
		for _, sl := range pool.slabs {
			sl.lock.Lock()
			used := sl.usedCount
			sl.lock.Unlock()

			o := arr.Object()
			o.Name("SlotSize").Int(slotSize)
			o.Name("SlotCount").Int(sl.slotCount)
			o.Name("UsedSlots").Int(used)
			o.End()
		}
		return false
	})
}
