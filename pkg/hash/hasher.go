// Package hash maps resource ids onto table stripes.
package hash

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

// Hasher returns the bucket of key in [0, size).
type Hasher func(key int64, size int64) uint

// Names accepted by ByName.
const (
	XxHash  = "xxhash"
	Murmur3 = "murmur3"
)

// getHash returns the hash of a key, given a hashing function.
func getHash(hasher func(b []byte) uint64, key int64, size int64) uint {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], key)
	return uint(hasher(buf[:n]) % uint64(size))
}

// XxHasher returns the xxHash hash of the given key, bounded by size.
func XxHasher(key int64, size int64) uint {
	return getHash(xxhash.Sum64, key, size)
}

// MurmurHasher returns the MurmurHash3 hash of the given key, bounded by size.
func MurmurHasher(key int64, size int64) uint {
	return getHash(murmur3.Sum64, key, size)
}

// ByName resolves a configured hasher name.
func ByName(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case XxHash, "":
		return XxHasher, nil
	case Murmur3:
		return MurmurHasher, nil
	}
	return nil, errors.Newf("unknown hasher %q, expected %s or %s", name, XxHash, Murmur3)
}
