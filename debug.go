package hostmem

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// ReportMode selects how a debug allocator surfaces leaked allocations when it is
// destroyed.
type ReportMode byte

const (
	// ReportModeLog writes each leak to the logger at error level and completes the
	// teardown
	ReportModeLog ReportMode = iota
	// ReportModeThrow returns the leak report from Destroy as a *LeakDetectedError
	ReportModeThrow
	// ReportModeBreak logs each leak and then requests a debugger interrupt, so it
	// should only be selected inside a debugging session
	ReportModeBreak
)

var reportModeMapping = make(map[ReportMode]string)

func (m ReportMode) String() string {
	return reportModeMapping[m]
}

func init() {
	reportModeMapping[ReportModeLog] = "ReportModeLog"
	reportModeMapping[ReportModeThrow] = "ReportModeThrow"
	reportModeMapping[ReportModeBreak] = "ReportModeBreak"
}

type trackedAllocation struct {
	size     int
	file     string
	line     int
	function string
}

// LeakEntry describes a single allocation that was still live when its debug allocator
// was inspected or destroyed.
type LeakEntry struct {
	Address  uintptr
	Size     int
	File     string
	Line     int
	Function string
}

// LeakReport is the full set of live allocations a debug allocator knows about,
// ordered by address.
type LeakReport struct {
	AllocatorName string
	Entries       []LeakEntry
}

// TotalLeakedBytes is the byte total across all entries in the report.
func (r *LeakReport) TotalLeakedBytes() int {
	total := 0
	for _, entry := range r.Entries {
		total += entry.Size
	}

	return total
}

// PrintReport writes the report to the provided json stream.
func (r *LeakReport) PrintReport(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Allocator").String(r.AllocatorName)
	obj.Name("LeakCount").Int(len(r.Entries))
	obj.Name("LeakedBytes").Int(r.TotalLeakedBytes())

	entries := obj.Name("Leaks").Array()
	defer entries.End()

	for _, entry := range r.Entries {
		o := entries.Object()
		o.Name("Address").String(fmt.Sprintf("0x%x", entry.Address))
		o.Name("Size").Int(entry.Size)
		o.Name("File").String(entry.File)
		o.Name("Line").Int(entry.Line)
		o.Name("Function").String(entry.Function)
		o.End()
	}
}

// BuildReportString renders the report as a json string.
func (r *LeakReport) BuildReportString() string {
	writer := jwriter.NewWriter()
	r.PrintReport(&writer)

	return string(writer.Bytes())
}

// LeakDetectedError is returned from Destroy in ReportModeThrow when tracked
// allocations outlive the allocator.
type LeakDetectedError struct {
	Report LeakReport
}

func (e *LeakDetectedError) Error() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "allocator %q was destroyed with %d live allocations (%d bytes)",
		e.Report.AllocatorName, len(e.Report.Entries), e.Report.TotalLeakedBytes())
	for _, entry := range e.Report.Entries {
		fmt.Fprintf(&sb, "\n\t0x%x: %d bytes allocated at %s:%d (%s)",
			entry.Address, entry.Size, entry.File, entry.Line, entry.Function)
	}

	return sb.String()
}

// DebugCreateInfo contains optional settings for a debug allocator
type DebugCreateInfo struct {
	// Name distinguishes this allocator in log lines and leak reports
	Name string
	// Mode selects how leaks surface at destroy time
	Mode ReportMode
}

// DebugAllocator wraps any backing allocator with allocation tracking. Every live
// region is recorded together with the file, line and function that requested it, so
// anything still tracked at destroy time can be reported as a leak with enough context
// to find the owner. When the debug_host_mem build tag widens DebugMargin, each region
// is also bracketed with canary words that are verified on free, and allocated and
// freed memory is filled with recognizable patterns.
//
// The wrapper adds observability, not policy: allocation failures from the backing
// allocator propagate unchanged, and the deallocation capability it reports is its
// backing allocator's.
type DebugAllocator struct {
	logger  *slog.Logger
	backing Allocator
	name    string
	mode    ReportMode

	mutex    sync.RWMutex
	tracked  *swiss.Map[uintptr, trackedAllocation]
	disposed bool

	total atomic.Int64
}

var _ Allocator = &DebugAllocator{}

// NewDebug creates a new DebugAllocator over the provided backing allocator. A nil
// logger selects slog.Default, and the zero value of info selects an unnamed
// allocator in ReportModeLog.
func NewDebug(logger *slog.Logger, backing Allocator, info DebugCreateInfo) *DebugAllocator {
	if logger == nil {
		logger = slog.Default()
	}

	name := info.Name
	if name == "" {
		name = "DebugAllocator"
	}

	return &DebugAllocator{
		logger:  logger,
		backing: backing,
		name:    name,
		mode:    info.Mode,
		tracked: swiss.NewMap[uintptr, trackedAllocation](42),
	}
}

// Name is the identifier this allocator uses in log lines and leak reports.
func (d *DebugAllocator) Name() string {
	return d.name
}

const modulePathPrefix = "github.com/vkngwrapper/hostmem."

// callSite walks up the stack to the first frame outside this module, which is the
// caller that requested the allocation.
func callSite() (file string, line int, function string) {
	var pcs [8]uintptr
	depth := runtime.Callers(2, pcs[:])

	frames := runtime.CallersFrames(pcs[:depth])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, modulePathPrefix) {
			return frame.File, frame.Line, frame.Function
		}
		if !more {
			return frame.File, frame.Line, frame.Function
		}
	}
}

func (d *DebugAllocator) AllocateRaw(size int, zeroFill bool) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, cerrors.Wrapf(InvalidSizeError, "%s requested %d bytes", d.name, size)
	}

	d.mutex.RLock()
	disposed := d.disposed
	d.mutex.RUnlock()
	if disposed {
		return nil, cerrors.Wrapf(DisposedError, "%s allocation of %d bytes", d.name, size)
	}

	// The lock is never held across the backing allocator's platform call
	rawPtr, err := d.backing.AllocateRaw(size+2*DebugMargin, zeroFill)
	if err != nil {
		return nil, err
	}

	ptr := rawPtr
	if DebugMargin > 0 {
		WriteMagicValue(rawPtr, 0)
		WriteMagicValue(rawPtr, DebugMargin+size)
		ptr = unsafe.Add(rawPtr, DebugMargin)

		if !zeroFill {
			fillRegion(ptr, size, CreatedFillPattern)
		}
	}

	file, line, function := callSite()

	d.mutex.Lock()
	if d.disposed {
		d.mutex.Unlock()

		freeErr := d.backing.Free(rawPtr)
		if freeErr != nil {
			d.logger.Error("failed to return a region raced against teardown", slog.Any("error", freeErr))
		}
		return nil, cerrors.Wrapf(DisposedError, "%s allocation of %d bytes", d.name, size)
	}
	d.tracked.Put(uintptr(ptr), trackedAllocation{
		size:     size,
		file:     file,
		line:     line,
		function: function,
	})
	d.mutex.Unlock()

	d.total.Add(int64(size))
	d.logger.Debug("DebugAllocator::AllocateRaw",
		slog.String("name", d.name),
		slog.Int("size", size),
		slog.String("caller", fmt.Sprintf("%s:%d", file, line)),
	)

	return ptr, nil
}

func (d *DebugAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	d.mutex.Lock()
	if d.disposed {
		d.mutex.Unlock()
		return cerrors.Wrapf(DisposedError, "%s free of 0x%x", d.name, uintptr(ptr))
	}

	entry, known := d.tracked.Get(uintptr(ptr))
	if known {
		d.tracked.Delete(uintptr(ptr))
	}
	d.mutex.Unlock()

	if !known {
		d.logger.Warn("freeing an address this debug allocator never handed out",
			slog.String("name", d.name),
			slog.Uint64("address", uint64(uintptr(ptr))),
		)
		return d.backing.Free(ptr)
	}

	rawPtr := ptr
	var corruption error
	if DebugMargin > 0 {
		rawPtr = unsafe.Add(ptr, -DebugMargin)

		if !ValidateMagicValue(rawPtr, 0) {
			corruption = cerrors.Wrapf(CorruptionError, "bytes before allocation 0x%x of %d bytes", uintptr(ptr), entry.size)
		} else if !ValidateMagicValue(ptr, entry.size) {
			corruption = cerrors.Wrapf(CorruptionError, "bytes after allocation 0x%x of %d bytes", uintptr(ptr), entry.size)
		}
		if corruption != nil {
			d.logger.Error("margin canary destroyed",
				slog.String("name", d.name),
				slog.Any("error", corruption),
				slog.String("allocatedAt", fmt.Sprintf("%s:%d", entry.file, entry.line)),
			)
		}

		fillRegion(ptr, entry.size, DestroyedFillPattern)
	}

	err := d.backing.Free(rawPtr)
	if err != nil {
		return err
	}

	return corruption
}

func (d *DebugAllocator) SupportsIndividualDeallocation() bool {
	return d.backing.SupportsIndividualDeallocation()
}

func (d *DebugAllocator) TotalAllocatedBytes() int64 {
	return d.total.Load()
}

// LiveAllocationCount is the number of allocations handed out and not yet freed.
func (d *DebugAllocator) LiveAllocationCount() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.tracked.Count()
}

func (d *DebugAllocator) collectLeaks() LeakReport {
	report := LeakReport{AllocatorName: d.name}

	d.tracked.Iter(func(address uintptr, t trackedAllocation) bool {
		report.Entries = append(report.Entries, LeakEntry{
			Address:  address,
			Size:     t.size,
			File:     t.file,
			Line:     t.line,
			Function: t.function,
		})
		return false
	})
	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].Address < report.Entries[j].Address
	})

	return report
}

// ReportMemoryLeaks returns the current set of live allocations without tearing the
// allocator down.
func (d *DebugAllocator) ReportMemoryLeaks() (LeakReport, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.disposed {
		return LeakReport{}, cerrors.Wrapf(DisposedError, "%s leak report", d.name)
	}

	return d.collectLeaks(), nil
}

func (d *DebugAllocator) logLeaks(report LeakReport) {
	for _, entry := range report.Entries {
		d.logger.LogAttrs(context.Background(), slog.LevelError, "[MEMORY LEAK] unfreed allocation",
			slog.String("name", report.AllocatorName),
			slog.String("address", fmt.Sprintf("0x%x", entry.Address)),
			slog.Int("size", entry.Size),
			slog.String("file", entry.File),
			slog.Int("line", entry.Line),
			slog.String("function", entry.Function),
		)
	}
}

// Destroy marks the allocator unusable and surfaces anything still tracked according
// to the configured ReportMode. The leaked memory itself is left alone: it still
// belongs to whoever failed to free it, and its backing allocator outlives this
// wrapper. Calling Destroy again is a no-op.
func (d *DebugAllocator) Destroy() error {
	d.mutex.Lock()
	if d.disposed {
		d.mutex.Unlock()
		return nil
	}
	d.disposed = true

	report := d.collectLeaks()
	d.tracked = swiss.NewMap[uintptr, trackedAllocation](42)
	d.mutex.Unlock()

	d.logger.Debug("DebugAllocator::Destroy",
		slog.String("name", d.name),
		slog.Int("leaks", len(report.Entries)),
	)

	if len(report.Entries) == 0 {
		return nil
	}

	switch d.mode {
	case ReportModeThrow:
		return &LeakDetectedError{Report: report}
	case ReportModeBreak:
		d.logLeaks(report)
		runtime.Breakpoint()
	default:
		d.logLeaks(report)
	}

	return nil
}
