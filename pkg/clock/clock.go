// Package clock provides the monotonic time source used for lock acquisition timeouts.
package clock

import (
	"time"

	"go.uber.org/atomic"
)

// Clock returns monotonic nanoseconds. Only differences between readings are meaningful.
type Clock interface {
	Nanos() int64
}

type realClock struct {
	start time.Time
}

func (c realClock) Nanos() int64 {
	return int64(time.Since(c.start))
}

// Real reads the process monotonic clock.
var Real Clock = realClock{start: time.Now()}

// ManualClock only moves when told to. Safe for concurrent use.
type ManualClock struct {
	nanos atomic.Int64
}

// NewManual returns a clock reading start.
func NewManual(start time.Duration) *ManualClock {
	c := &ManualClock{}
	c.nanos.Store(int64(start))
	return c
}

func (c *ManualClock) Nanos() int64 {
	return c.nanos.Load()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Duration) {
	c.nanos.Store(int64(t))
}
