package lock

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterResourceType(t *testing.T) {
	rt, err := RegisterResourceType("TEST_TYPE")
	require.NoError(t, err)
	again, err := RegisterResourceType("TEST_TYPE")
	require.NoError(t, err)
	assert.Equal(t, rt, again)
	assert.Equal(t, "TEST_TYPE", rt.String())
	assert.True(t, rt.Valid())

	found, ok := ResourceTypeByName("TEST_TYPE")
	require.True(t, ok)
	assert.Equal(t, rt, found)

	_, err = RegisterResourceType("")
	require.Error(t, err)
}

func TestPredefinedResourceTypes(t *testing.T) {
	assert.Equal(t, "NODE", Node.String())
	assert.Equal(t, "RELATIONSHIP", Relationship.String())
	assert.NotEqual(t, Node, Relationship)
	assert.Equal(t, "UNKNOWN", ResourceType(MaxResourceTypes+1).String())
	assert.Contains(t, ResourceTypes(), IndexEntry)
}

func TestLockTypeParse(t *testing.T) {
	for _, s := range []string{"SHARED", "s"} {
		lt, err := ParseLockType(s)
		require.NoError(t, err)
		assert.Equal(t, Shared, lt)
	}
	lt, err := ParseLockType("x")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, lt)
	assert.Equal(t, "EXCLUSIVE", lt.String())
	_, err = ParseLockType("upgrade")
	require.Error(t, err)
}

func TestActiveLockOrder(t *testing.T) {
	locks := []ActiveLock{
		{ResourceType: Relationship, ResourceID: 1},
		{ResourceType: Node, ResourceID: 9},
		{ResourceType: Node, ResourceID: 2},
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Less(locks[j]) })
	assert.Equal(t, int64(2), locks[0].ResourceID)
	assert.Equal(t, int64(9), locks[1].ResourceID)
	assert.Equal(t, Relationship, locks[2].ResourceType)
}

type countingTracer struct {
	waits  int
	closed int
}

type countingEvent struct{ t *countingTracer }

func (e countingEvent) Close() { e.t.closed++ }

func (c *countingTracer) WaitForLock(LockType, ResourceType, int64, ...int64) LockWaitEvent {
	c.waits++
	return countingEvent{c}
}

func TestCombineTracers(t *testing.T) {
	assert.Equal(t, NoneTracer, CombineTracers())
	assert.Equal(t, NoneTracer, CombineTracers(nil, NoneTracer))

	a, b := &countingTracer{}, &countingTracer{}
	single := CombineTracers(a, NoneTracer)
	assert.Same(t, a, single)
	single.WaitForLock(Shared, Node, 1, 1)

	combined := CombineTracers(a, b)
	combined.WaitForLock(Exclusive, Node, 1, 2).Close()
	assert.Equal(t, 2, a.waits)
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.waits)
	assert.Equal(t, 1, b.closed)
}
