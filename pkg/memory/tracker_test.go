package memory

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTrackerLimit(t *testing.T) {
	tr := NewLocalTracker(100)
	require.NoError(t, tr.AllocateHeap(60))
	err := tr.AllocateHeap(41)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLimitExceeded))
	assert.Equal(t, int64(60), tr.EstimatedHeapMemory())

	require.NoError(t, tr.AllocateHeap(40))
	tr.ReleaseHeap(100)
	assert.Zero(t, tr.EstimatedHeapMemory())
	assert.Equal(t, int64(100), tr.Peak())
}

func TestLocalTrackerConcurrent(t *testing.T) {
	tr := NewLocalTracker(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				require.NoError(t, tr.AllocateHeap(LockNodeSize))
				tr.ReleaseHeap(LockNodeSize)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, tr.EstimatedHeapMemory())
}

func TestScopedTracker(t *testing.T) {
	parent := NewLocalTracker(0)
	scoped := NewScopedTracker(parent)
	require.NoError(t, scoped.AllocateHeap(LockNodeSize))
	require.NoError(t, scoped.AllocateHeap(LockMapSize))
	scoped.ReleaseHeap(LockNodeSize)
	assert.Equal(t, int64(LockMapSize), scoped.EstimatedHeapMemory())
	assert.Equal(t, int64(LockMapSize), parent.EstimatedHeapMemory())

	scoped.Close()
	scoped.Close()
	assert.Zero(t, parent.EstimatedHeapMemory())
	require.Error(t, scoped.AllocateHeap(1))
}

func TestScopedTrackerPropagatesLimit(t *testing.T) {
	parent := NewLocalTracker(LockNodeSize)
	scoped := NewScopedTracker(parent)
	require.NoError(t, scoped.AllocateHeap(LockNodeSize))
	err := scoped.AllocateHeap(1)
	assert.True(t, errors.Is(err, ErrLimitExceeded))
	assert.Equal(t, int64(LockNodeSize), scoped.EstimatedHeapMemory())
}

func TestEmptyTracker(t *testing.T) {
	require.NoError(t, EmptyTracker.AllocateHeap(1<<40))
	assert.Zero(t, EmptyTracker.EstimatedHeapMemory())
}
