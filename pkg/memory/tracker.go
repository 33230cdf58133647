// Package memory accounts for heap used by lock bookkeeping.
package memory

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"
)

// ErrLimitExceeded is returned when an allocation would push a tracker past its limit.
var ErrLimitExceeded = errors.New("memory limit exceeded")

// Tracker records heap allocations.
type Tracker interface {
	// AllocateHeap records bytes, or fails without recording anything.
	AllocateHeap(bytes int64) error
	ReleaseHeap(bytes int64)
	EstimatedHeapMemory() int64
}

type emptyTracker struct{}

func (emptyTracker) AllocateHeap(int64) error   { return nil }
func (emptyTracker) ReleaseHeap(int64)          {}
func (emptyTracker) EstimatedHeapMemory() int64 { return 0 }

// EmptyTracker accepts everything and records nothing.
var EmptyTracker Tracker = emptyTracker{}

// LocalTracker counts bytes against an optional limit. A limit of zero means unlimited.
type LocalTracker struct {
	limit int64
	used  atomic.Int64
	peak  atomic.Int64
}

// NewLocalTracker returns a tracker bounded by limit bytes.
func NewLocalTracker(limit int64) *LocalTracker {
	return &LocalTracker{limit: limit}
}

func (t *LocalTracker) AllocateHeap(bytes int64) error {
	if bytes < 0 {
		return errors.AssertionFailedf("negative allocation of %d bytes", bytes)
	}
	for {
		used := t.used.Load()
		next := used + bytes
		if t.limit > 0 && next > t.limit {
			return errors.Mark(
				errors.Newf("allocating %s would use %s, over the limit of %s",
					humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(next)), humanize.IBytes(uint64(t.limit))),
				ErrLimitExceeded)
		}
		if t.used.CompareAndSwap(used, next) {
			t.recordPeak(next)
			return nil
		}
	}
}

func (t *LocalTracker) recordPeak(used int64) {
	for {
		peak := t.peak.Load()
		if used <= peak || t.peak.CompareAndSwap(peak, used) {
			return
		}
	}
}

func (t *LocalTracker) ReleaseHeap(bytes int64) {
	t.used.Sub(bytes)
}

func (t *LocalTracker) EstimatedHeapMemory() int64 {
	return t.used.Load()
}

// Peak returns the highest value EstimatedHeapMemory has reached.
func (t *LocalTracker) Peak() int64 {
	return t.peak.Load()
}

// Limit returns the configured limit, zero when unbounded.
func (t *LocalTracker) Limit() int64 {
	return t.limit
}

// ScopedTracker forwards to a parent and gives back whatever is still held when closed.
type ScopedTracker struct {
	mu     sync.Mutex
	parent Tracker
	held   int64
	closed bool
}

// NewScopedTracker returns a child of parent.
func NewScopedTracker(parent Tracker) *ScopedTracker {
	return &ScopedTracker{parent: parent}
}

func (t *ScopedTracker) AllocateHeap(bytes int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.AssertionFailedf("allocation on closed scoped tracker")
	}
	if err := t.parent.AllocateHeap(bytes); err != nil {
		return err
	}
	t.held += bytes
	return nil
}

func (t *ScopedTracker) ReleaseHeap(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.held -= bytes
	t.parent.ReleaseHeap(bytes)
}

func (t *ScopedTracker) EstimatedHeapMemory() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

// Close releases everything still held to the parent. Later calls are no-ops.
func (t *ScopedTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.held != 0 {
		t.parent.ReleaseHeap(t.held)
		t.held = 0
	}
}
