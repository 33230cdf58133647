package concurrency

import (
	"runtime"
	"time"

	"go.uber.org/atomic"
)

const (
	stateStopped  int64 = 1 << 62
	statePrepared int64 = 1 << 61
	stateClosed   int64 = 1 << 60
	activeMask          = stateClosed - 1
)

// clientState packs the lifecycle flags and the number of operations in
// flight into one word, so that checking the flags and entering an
// operation happen together.
type clientState struct {
	v atomic.Int64
}

// incrementActive enters an operation. It fails once the client is stopped or closed.
func (s *clientState) incrementActive() bool {
	for {
		cur := s.v.Load()
		if cur&(stateStopped|stateClosed) != 0 {
			return false
		}
		if s.v.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *clientState) decrementActive() {
	s.v.Dec()
}

// stop marks the client stopped and enters an operation on behalf of the
// stopping goroutine. It returns false if the client was already stopped.
func (s *clientState) stop() bool {
	for {
		cur := s.v.Load()
		if cur&(stateStopped|stateClosed) != 0 {
			return false
		}
		if s.v.CompareAndSwap(cur, (cur|stateStopped)+1) {
			return true
		}
	}
}

// close marks the client closed and stopped. It returns false if it was already closed.
func (s *clientState) close() bool {
	for {
		cur := s.v.Load()
		if cur&stateClosed != 0 {
			return false
		}
		if s.v.CompareAndSwap(cur, cur|stateClosed|stateStopped) {
			return true
		}
	}
}

// prepare marks the client as committing. It fails on a stopped client.
func (s *clientState) prepare() bool {
	for {
		cur := s.v.Load()
		if cur&(stateStopped|stateClosed) != 0 {
			return false
		}
		if s.v.CompareAndSwap(cur, cur|statePrepared) {
			return true
		}
	}
}

func (s *clientState) isStopped() bool {
	return s.v.Load()&stateStopped != 0
}

func (s *clientState) isPrepared() bool {
	return s.v.Load()&statePrepared != 0
}

func (s *clientState) isClosed() bool {
	return s.v.Load()&stateClosed != 0
}

func (s *clientState) activeCount() int64 {
	return s.v.Load() & activeMask
}

// reset clears the flags. Only valid with no operation in flight.
func (s *clientState) reset() {
	s.v.Store(0)
}

// waitForActive blocks until at most n operations are in flight.
func (s *clientState) waitForActive(n int64) {
	for i := 0; s.activeCount() > n; i++ {
		if i < 100 {
			runtime.Gosched()
			continue
		}
		time.Sleep(10 * time.Microsecond)
	}
}
