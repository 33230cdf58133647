package concurrency

import (
	"sync"

	"github.com/brown-csci1270/glock/pkg/memory"
	"github.com/cockroachdb/errors"
)

// deferredTracker forwards a client's charges to the tracker it was
// initialized with. Once stopped, allocations are refused and releases are kept back and handed over in
// one go on close, so the goroutine stopping the client never writes to the
// transaction's tracker.
type deferredTracker struct {
	mu       sync.Mutex
	parent   memory.Tracker
	held     int64
	deferred int64
	stopped  bool
	closed   bool
}

func newDeferredTracker(parent memory.Tracker) *deferredTracker {
	return &deferredTracker{parent: parent}
}

func (t *deferredTracker) AllocateHeap(bytes int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.AssertionFailedf("allocation of %d bytes on a closed tracker", bytes)
	}
	if t.stopped {
		return errors.Mark(errors.Newf("allocation of %d bytes on a stopped tracker", bytes), ErrClientStopped)
	}
	if err := t.parent.AllocateHeap(bytes); err != nil {
		return err
	}
	t.held += bytes
	return nil
}

func (t *deferredTracker) ReleaseHeap(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.held -= bytes
	if t.stopped {
		t.deferred += bytes
		return
	}
	t.parent.ReleaseHeap(bytes)
}

func (t *deferredTracker) EstimatedHeapMemory() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

func (t *deferredTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// close gives everything still charged back to the parent.
func (t *deferredTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if refund := t.deferred + t.held; refund != 0 {
		t.parent.ReleaseHeap(refund)
	}
	t.deferred, t.held = 0, 0
}
