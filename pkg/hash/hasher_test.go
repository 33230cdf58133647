package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashersStayInRange(t *testing.T) {
	for _, h := range []Hasher{XxHasher, MurmurHasher} {
		for key := int64(-1000); key < 1000; key++ {
			assert.Less(t, h(key, 64), uint(64))
		}
		assert.Less(t, h(-1<<63, 7), uint(7))
	}
}

func TestHashersAreDeterministic(t *testing.T) {
	assert.Equal(t, XxHasher(42, 1024), XxHasher(42, 1024))
	assert.Equal(t, MurmurHasher(42, 1024), MurmurHasher(42, 1024))
}

func TestHashersSpread(t *testing.T) {
	seen := make(map[uint]bool)
	for key := int64(0); key < 256; key++ {
		seen[XxHasher(key, 16)] = true
	}
	assert.Len(t, seen, 16)
}

func TestByName(t *testing.T) {
	h, err := ByName("murmur3")
	require.NoError(t, err)
	assert.Equal(t, MurmurHasher(7, 100), h(7, 100))

	h, err = ByName("")
	require.NoError(t, err)
	assert.Equal(t, XxHasher(7, 100), h(7, 100))

	_, err = ByName("fnv")
	require.Error(t, err)
}
