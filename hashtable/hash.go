package hashtable

import (
	"hash/fnv"
)

// HashFunc maps a key to its 64-bit hash. The directory is indexed by the
// high bits of the hash. A HashFunc must never change for an existing table.
type HashFunc[K any] func(key K) uint64

// Int32OrderHash is an order-preserving hash for int32 keys: a < b implies
// hash(a) < hash(b). Keys are spread over the high 32 bits.
func Int32OrderHash(k int32) uint64 {
	return uint64(uint32(k)^(1<<31)) << 32
}

// Int64OrderHash is an order-preserving hash for int64 keys.
func Int64OrderHash(k int64) uint64 {
	return uint64(k) ^ (1 << 63)
}

// FNV64Hash hashes strings with 64-bit FNV-1a followed by a finalizer.
// It does not preserve order.
func FNV64Hash(k string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(k))
	return mix64(h.Sum64())
}

// FNV64BytesHash hashes byte slices with 64-bit FNV-1a.
func FNV64BytesHash(k []byte) uint64 {
	h := fnv.New64a()
	h.Write(k)
	return mix64(h.Sum64())
}

// mix64 is the murmur3 finalizer. FNV output is weak in the high bits for
// short inputs, and those are the bits the directory uses.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
