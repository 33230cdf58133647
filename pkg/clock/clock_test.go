package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	c := NewManual(time.Second)
	assert.Equal(t, int64(time.Second), c.Nanos())
	c.Advance(5 * time.Millisecond)
	assert.Equal(t, int64(time.Second+5*time.Millisecond), c.Nanos())
	c.Set(0)
	assert.Zero(t, c.Nanos())
}

func TestRealClockIsMonotonic(t *testing.T) {
	a := Real.Nanos()
	time.Sleep(time.Millisecond)
	assert.Greater(t, Real.Nanos(), a)
}
