package hostmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

type arenaRecord struct {
	ptr  unsafe.Pointer
	size int
}

// ArenaAllocator draws regions from a backing allocator and releases all of them in a
// single sweep when it is destroyed. Individual frees are not supported: buffers it
// produces carry scoped ownership, so disposing one marks it unusable without touching
// memory, and the memory itself lives until Destroy.
//
// An arena is deliberately not safe for concurrent use. The intended shape is one
// arena per task or frame, owned by a single goroutine, torn down when the work
// completes.
type ArenaAllocator struct {
	logger   *slog.Logger
	backing  Allocator
	records  []arenaRecord
	total    int64
	disposed bool
}

var _ Allocator = &ArenaAllocator{}

// NewArena creates a new ArenaAllocator over the provided backing allocator. A nil
// logger selects slog.Default.
func NewArena(logger *slog.Logger, backing Allocator) *ArenaAllocator {
	if logger == nil {
		logger = slog.Default()
	}

	return &ArenaAllocator{
		logger:  logger,
		backing: backing,
	}
}

func (a *ArenaAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if a.disposed {
		return nil, cerrors.Wrapf(DisposedError, "arena allocation of %d bytes", size)
	}

	ptr, err := a.backing.AllocateRaw(size, zeroFill)
	if err != nil {
		return nil, err
	}

	a.records = append(a.records, arenaRecord{ptr: ptr, size: size})
	a.total += int64(size)

	return ptr, nil
}

// Free always fails with IndividualFreeError. Arena memory is released in bulk by
// Destroy.
func (a *ArenaAllocator) Free(ptr unsafe.Pointer) error {
	return cerrors.Wrapf(IndividualFreeError, "arena cannot free 0x%x", uintptr(ptr))
}

func (a *ArenaAllocator) SupportsIndividualDeallocation() bool {
	return false
}

func (a *ArenaAllocator) TotalAllocatedBytes() int64 {
	return a.total
}

// AllocationCount is the number of live regions the arena is holding for its final
// sweep.
func (a *ArenaAllocator) AllocationCount() int {
	return len(a.records)
}

// Destroy releases every region the arena handed out, in reverse allocation order, and
// marks the arena unusable. A region that fails to free is logged and skipped so the
// rest of the sweep still runs. Calling Destroy again is a no-op.
func (a *ArenaAllocator) Destroy() error {
	if a.disposed {
		return nil
	}
	a.disposed = true

	a.logger.Debug("ArenaAllocator::Destroy", slog.Int("allocations", len(a.records)))

	for i := len(a.records) - 1; i >= 0; i-- {
		record := a.records[i]

		err := a.backing.Free(record.ptr)
		if err != nil {
			a.logger.Error("failed to free an arena region during teardown",
				slog.Any("error", err),
				slog.Uint64("address", uint64(uintptr(record.ptr))),
				slog.Int("size", record.size),
			)
		}
	}

	a.records = nil
	return nil
}

// AddDetailedStatistics accumulates this arena's live regions into stats.
func (a *ArenaAllocator) AddDetailedStatistics(stats *DetailedStatistics) {
	for _, record := range a.records {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += record.size
		stats.AddAllocation(record.size)
	}
}
