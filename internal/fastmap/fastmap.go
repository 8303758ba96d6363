// Package fastmap provides a fast hash map for integer keys.
// Uses fibonacci hashing for better distribution of sequential keys.
package fastmap

// Map is a hash map from uint64 to V.
// Uses open addressing with linear probing and fibonacci hashing.
// Not safe for concurrent use.
type Map[V any] struct {
	buckets []bucket[V]
	count   int
	mask    uint64
	shift   uint
}

type bucket[V any] struct {
	key   uint64
	value V
	used  bool // Needed because key=0 might be valid
}

// Fibonacci hash constant: 2^64 / golden ratio
const fibHash64 = 11400714819323198485

const minBuckets = 16

// New returns a map sized for at least hint entries.
func New[V any](hint int) *Map[V] {
	m := &Map[V]{}
	size := minBuckets
	for size*3/4 < hint {
		size *= 2
	}
	m.init(size)
	return m
}

func (m *Map[V]) init(size int) {
	m.buckets = make([]bucket[V], size)
	m.mask = uint64(size - 1)
	m.shift = 64
	for s := size; s > 1; s >>= 1 {
		m.shift--
	}
	m.count = 0
}

// slot uses the high bits of the product; they carry the best mixing.
func (m *Map[V]) slot(key uint64) uint64 {
	return (key * fibHash64) >> m.shift & m.mask
}

// Get returns the value for the given key.
func (m *Map[V]) Get(key uint64) (V, bool) {
	var zero V
	if len(m.buckets) == 0 {
		return zero, false
	}
	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			return zero, false
		}
		if b.key == key {
			return b.value, true
		}
		idx = (idx + 1) & m.mask
	}
}

// Set stores a key-value pair.
func (m *Map[V]) Set(key uint64, value V) {
	if len(m.buckets) == 0 {
		m.init(minBuckets)
	} else if m.count >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			b.key = key
			b.value = value
			b.used = true
			m.count++
			return
		}
		if b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes key and reports whether it was present.
// Uses backward-shift deletion so no tombstones are left behind.
func (m *Map[V]) Delete(key uint64) bool {
	if len(m.buckets) == 0 {
		return false
	}
	idx := m.slot(key)
	for {
		b := &m.buckets[idx]
		if !b.used {
			return false
		}
		if b.key == key {
			break
		}
		idx = (idx + 1) & m.mask
	}

	hole := idx
	next := (hole + 1) & m.mask
	for m.buckets[next].used {
		home := m.slot(m.buckets[next].key)
		// Move next into the hole unless its home lies cyclically in (hole, next].
		if (next > hole && (home <= hole || home > next)) ||
			(next < hole && (home <= hole && home > next)) {
			m.buckets[hole] = m.buckets[next]
			hole = next
		}
		next = (next + 1) & m.mask
	}
	m.buckets[hole] = bucket[V]{}
	m.count--
	return true
}

// grow doubles the hash table size
func (m *Map[V]) grow() {
	old := m.buckets
	m.init(len(old) * 2)
	for i := range old {
		if old[i].used {
			m.Set(old[i].key, old[i].value)
		}
	}
}

// ForEach iterates over all key-value pairs. fn must not modify the map.
func (m *Map[V]) ForEach(fn func(uint64, V)) {
	for i := range m.buckets {
		if m.buckets[i].used {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Clear removes all entries but keeps the backing array.
func (m *Map[V]) Clear() {
	clear(m.buckets)
	m.count = 0
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.count
}
