package hashtable

import (
	"container/heap"
)

// Get returns the committed value of key.
func (t *Table[K, V]) Get(key K) (value V, found bool, err error) {
	err = t.read(func(cfg Config[K, V], r *reader) error {
		_, b, err := r.bucketAt(cfg.Hash(key))
		if err != nil {
			return err
		}
		i, ok, err := search(b, key, cfg.KeySerializer, cfg.Compare)
		if err != nil || !ok {
			return err
		}
		value, err = cfg.ValueSerializer.Deserialize(b.value(i))
		found = err == nil
		return err
	})
	if err != nil || !found {
		var zero V
		return zero, false, err
	}
	return value, true, nil
}

// FirstEntry returns the entry with the smallest key.
func (t *Table[K, V]) FirstEntry() (Entry[K, V], bool, error) {
	var out []Entry[K, V]
	err := t.read(func(cfg Config[K, V], r *reader) error {
		var err error
		out, err = scan(cfg, r, nil, true, 1)
		return err
	})
	if err != nil || len(out) == 0 {
		return Entry[K, V]{}, false, err
	}
	return out[0], true, nil
}

// LastEntry returns the entry with the largest key.
func (t *Table[K, V]) LastEntry() (Entry[K, V], bool, error) {
	var (
		last  Entry[K, V]
		found bool
	)
	err := t.read(func(cfg Config[K, V], r *reader) error {
		var err error
		last, found, err = lastEntry(cfg, r)
		return err
	})
	if err != nil || !found {
		return Entry[K, V]{}, false, err
	}
	return last, true, nil
}

// CeilingEntries returns up to BatchSize entries with keys >= from, in
// ascending key order. An empty result means there are no more entries.
func (t *Table[K, V]) CeilingEntries(from K) ([]Entry[K, V], error) {
	return t.entriesFrom(from, true)
}

// HigherEntries returns up to BatchSize entries with keys > after, in
// ascending key order. Callers page through the table by passing the last
// key of the previous batch until an empty batch comes back. Every batch
// is read from one committed state; successive batches may see different
// ones.
func (t *Table[K, V]) HigherEntries(after K) ([]Entry[K, V], error) {
	return t.entriesFrom(after, false)
}

func (t *Table[K, V]) entriesFrom(key K, inclusive bool) ([]Entry[K, V], error) {
	var out []Entry[K, V]
	err := t.read(func(cfg Config[K, V], r *reader) error {
		var err error
		out, err = scan(cfg, r, &key, inclusive, cfg.BatchSize)
		return err
	})
	return out, err
}

func decodeEntry[K, V any](cfg Config[K, V], b bucketPage, i int) (Entry[K, V], error) {
	k, err := cfg.KeySerializer.Deserialize(b.key(i))
	if err != nil {
		return Entry[K, V]{}, err
	}
	v, err := cfg.ValueSerializer.Deserialize(b.value(i))
	if err != nil {
		return Entry[K, V]{}, err
	}
	return Entry[K, V]{Key: k, Value: v}, nil
}

// startIndex is the first position in b at or after from.
func startIndex[K, V any](cfg Config[K, V], b bucketPage, from *K, inclusive bool) (int, error) {
	if from == nil {
		return 0, nil
	}
	i, found, err := search(b, *from, cfg.KeySerializer, cfg.Compare)
	if found && !inclusive {
		i++
	}
	return i, err
}

// scan collects up to limit entries after from (everything when nil) in key
// order.
func scan[K, V any](cfg Config[K, V], r *reader, from *K, inclusive bool, limit int) ([]Entry[K, V], error) {
	if cfg.OrderPreserving {
		return scanOrdered(cfg, r, from, inclusive, limit)
	}
	return scanMerged(cfg, r, from, inclusive, limit)
}

// scanOrdered walks the buckets in hash order. With an order-preserving
// hash each bucket holds a contiguous key range and the ranges ascend with
// the hashes.
func scanOrdered[K, V any](cfg Config[K, V], r *reader, from *K, inclusive bool, limit int) ([]Entry[K, V], error) {
	var h uint64
	if from != nil {
		h = cfg.Hash(*from)
	}

	var out []Entry[K, V]
	for first, more := true, true; more && len(out) < limit; first = false {
		_, b, err := r.bucketAt(h)
		if err != nil {
			return nil, err
		}
		i := 0
		if first {
			if i, err = startIndex(cfg, b, from, inclusive); err != nil {
				return nil, err
			}
		}
		for ; i < b.count() && len(out) < limit; i++ {
			e, err := decodeEntry(cfg, b, i)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		h, more = nextHash(b.prefix(), b.depth())
	}
	return out, nil
}

// forEachBucket calls fn for every bucket in hash order. b is valid only
// during the call.
func forEachBucket(r *reader, fn func(idx uint32, b bucketPage) error) error {
	for h, more := uint64(0), true; more; {
		idx, b, err := r.bucketAt(h)
		if err != nil {
			return err
		}
		if err := fn(idx, b); err != nil {
			return err
		}
		h, more = nextHash(b.prefix(), b.depth())
	}
	return nil
}

// cursorRun is the number of entries a cursor decodes per refill.
const cursorRun = 16

// cursor walks one bucket. It keeps only a short run of decoded entries
// and re-reads its page when the run is used up.
type cursor[K, V any] struct {
	bucket  uint32
	next    int // bucket position of the entry after the run
	entries []Entry[K, V]
	pos     int
}

func (c *cursor[K, V]) head() Entry[K, V] { return c.entries[c.pos] }

// fill decodes up to n entries of b starting at c.next.
func (c *cursor[K, V]) fill(cfg Config[K, V], b bucketPage, n int) error {
	c.entries, c.pos = c.entries[:0], 0
	for end := min(b.count(), c.next+n); c.next < end; c.next++ {
		e, err := decodeEntry(cfg, b, c.next)
		if err != nil {
			return err
		}
		c.entries = append(c.entries, e)
	}
	return nil
}

type cursorHeap[K, V any] struct {
	cursors []*cursor[K, V]
	compare func(a, b K) int
}

func (h *cursorHeap[K, V]) Len() int { return len(h.cursors) }

func (h *cursorHeap[K, V]) Less(i, j int) bool {
	return h.compare(h.cursors[i].head().Key, h.cursors[j].head().Key) < 0
}

func (h *cursorHeap[K, V]) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *cursorHeap[K, V]) Push(x any) { h.cursors = append(h.cursors, x.(*cursor[K, V])) }

func (h *cursorHeap[K, V]) Pop() any {
	n := len(h.cursors)
	c := h.cursors[n-1]
	h.cursors = h.cursors[:n-1]
	return c
}

// scanMerged merges the buckets by key. Each call positions one cursor per
// bucket, decoding only its first entry, so one batch reads every bucket
// once plus one page per cursorRun entries returned. Paging through a whole
// unordered table therefore costs about buckets * entries / limit page
// reads; order-preserving tables avoid this by walking the hashes.
func scanMerged[K, V any](cfg Config[K, V], r *reader, from *K, inclusive bool, limit int) ([]Entry[K, V], error) {
	h := &cursorHeap[K, V]{compare: cfg.Compare}
	err := forEachBucket(r, func(idx uint32, b bucketPage) error {
		i, err := startIndex(cfg, b, from, inclusive)
		if err != nil || i >= b.count() {
			return err
		}
		c := &cursor[K, V]{bucket: idx, next: i}
		if err := c.fill(cfg, b, 1); err != nil {
			return err
		}
		h.cursors = append(h.cursors, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	heap.Init(h)
	out := make([]Entry[K, V], 0, min(limit, 64))
	for h.Len() > 0 && len(out) < limit {
		c := h.cursors[0]
		out = append(out, c.head())
		c.pos++
		if c.pos == len(c.entries) && len(out) < limit {
			b, err := r.readBucket(c.bucket)
			if err != nil {
				return nil, err
			}
			if err := c.fill(cfg, b, min(cursorRun, limit-len(out))); err != nil {
				return nil, err
			}
		}
		if c.pos == len(c.entries) {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
	}
	return out, nil
}

func lastEntry[K, V any](cfg Config[K, V], r *reader) (Entry[K, V], bool, error) {
	if cfg.OrderPreserving {
		// Walk bucket ranges downward until one holds an entry.
		for h := ^uint64(0); ; {
			_, b, err := r.bucketAt(h)
			if err != nil {
				return Entry[K, V]{}, false, err
			}
			if n := b.count(); n > 0 {
				e, err := decodeEntry(cfg, b, n-1)
				return e, err == nil, err
			}
			start := firstHash(b.prefix(), b.depth())
			if start == 0 {
				return Entry[K, V]{}, false, nil
			}
			h = start - 1
		}
	}

	var (
		best  Entry[K, V]
		found bool
	)
	err := forEachBucket(r, func(_ uint32, b bucketPage) error {
		n := b.count()
		if n == 0 {
			return nil
		}
		e, err := decodeEntry(cfg, b, n-1)
		if err != nil {
			return err
		}
		if !found || cfg.Compare(e.Key, best.Key) > 0 {
			best, found = e, true
		}
		return nil
	})
	return best, found, err
}
