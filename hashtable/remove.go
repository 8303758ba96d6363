package hashtable

import (
	"github.com/Giulio2002/ehdb/atomicop"
)

// Remove deletes key inside op and returns the value it had. Removing a
// missing key returns removed == false and changes nothing.
func (t *Table[K, V]) Remove(op *atomicop.Operation, key K) (prev V, removed bool, err error) {
	var zero V
	w, err := t.begin(op)
	if err != nil {
		return zero, false, err
	}
	defer w.close()

	h := w.cfg.Hash(key)
	loc, err := w.locate(h)
	if err != nil {
		return zero, false, err
	}
	peek, err := w.peekBucket(loc.bucket)
	if err != nil {
		return zero, false, err
	}
	if _, found, err := search(peek, key, w.cfg.KeySerializer, w.cfg.Compare); err != nil || !found {
		return zero, false, err
	}

	b, err := w.bucketForWrite(loc.bucket)
	if err != nil {
		return zero, false, err
	}
	i, _, err := search(b, key, w.cfg.KeySerializer, w.cfg.Compare)
	if err != nil {
		return zero, false, err
	}
	if prev, err = w.cfg.ValueSerializer.Deserialize(b.value(i)); err != nil {
		return zero, false, err
	}
	b.remove(i)
	w.meta.setSize(w.meta.size() - 1)

	if err := w.merge(loc, b); err != nil {
		return zero, false, err
	}
	return prev, true, nil
}

// merge folds an underfull bucket into its buddy while the two fit
// comfortably in one page, repeating at the shallower depth. When the pair
// was all that a directory node held, the node is freed and its parent
// slot takes the merged bucket.
func (w *writer[K, V]) merge(loc location, b bucketPage) error {
	for {
		ld := b.depth()
		if ld == 0 || b.used() >= w.geo.body/4 {
			return nil
		}
		prefix := b.prefix()
		buddyLoc, err := w.locate(firstHash(prefix^1, ld))
		if err != nil {
			return err
		}
		peek, err := w.peekBucket(buddyLoc.bucket)
		if err != nil {
			return err
		}
		if peek.depth() != ld || b.used()+peek.used() > 3*w.geo.body/4 {
			return nil
		}
		buddy, err := w.bucketForWrite(buddyLoc.bucket)
		if err != nil {
			return err
		}

		low, lowIdx, high, highIdx := b, loc.bucket, buddy, buddyLoc.bucket
		if prefix&1 == 1 {
			low, lowIdx, high, highIdx = buddy, buddyLoc.bucket, b, loc.bucket
		}
		merged, err := w.mergeEntries(low.entries(), high.entries())
		if err != nil {
			return err
		}
		low.init(ld-1, prefix>>1)
		for _, e := range merged {
			low.insert(low.count(), e.hash, e.key, e.value)
		}

		level := w.geo.levelOf(ld)
		if w.geo.levelOf(ld-1) == level {
			from, to := w.geo.span(prefix>>1, ld-1)
			if err := w.setSlots(loc.path[level].node, from, to, lowIdx); err != nil {
				return err
			}
		} else {
			parent, node := loc.path[level-1], loc.path[level].node
			if err := w.setSlots(parent.node, parent.slot, parent.slot+1, lowIdx); err != nil {
				return err
			}
			if err := w.freePage(node); err != nil {
				return err
			}
			w.meta.setNodeCount(w.meta.nodeCount() - 1)
			w.cfg.Logger.Debug("directory node freed", "table", w.t.name, "node", node, "level", level)
		}
		if err := w.freePage(highIdx); err != nil {
			return err
		}
		w.meta.addBuckets(ld, -2)
		w.meta.addBuckets(ld-1, 1)
		w.cfg.Logger.Debug("buckets merged", "table", w.t.name, "bucket", lowIdx, "freed", highIdx, "depth", ld-1)

		if loc, err = w.locate(firstHash(prefix>>1, ld-1)); err != nil {
			return err
		}
		b = low
	}
}

// mergeEntries merges two key-sorted entry lists.
func (w *writer[K, V]) mergeEntries(a, b []rawEntry) ([]rawEntry, error) {
	out := make([]rawEntry, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		ka, err := w.cfg.KeySerializer.Deserialize(a[0].key)
		if err != nil {
			return nil, err
		}
		kb, err := w.cfg.KeySerializer.Deserialize(b[0].key)
		if err != nil {
			return nil, err
		}
		if w.cfg.Compare(ka, kb) <= 0 {
			out, a = append(out, a[0]), a[1:]
		} else {
			out, b = append(out, b[0]), b[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...), nil
}
