package hashtable

import (
	"math"

	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
)

// Put stores value under key inside op. When the key already exists the
// previous value is returned with replaced set.
func (t *Table[K, V]) Put(op *atomicop.Operation, key K, value V) (prev V, replaced bool, err error) {
	var zero V
	w, err := t.begin(op)
	if err != nil {
		return zero, false, err
	}
	defer w.close()

	kb := w.cfg.KeySerializer.Serialize(key)
	vb := w.cfg.ValueSerializer.Serialize(value)
	if len(kb) > math.MaxUint16 || len(vb) > math.MaxUint16 || entryCost(kb, vb) > w.geo.maxEntry {
		return zero, false, dberr.Errorf(dberr.ErrEntryTooLarge, "entry of %d bytes exceeds %d", entryCost(kb, vb), w.geo.maxEntry)
	}
	h := w.cfg.Hash(key)

	for range maxDepth + 1 {
		loc, err := w.locate(h)
		if err != nil {
			return zero, false, err
		}
		b, err := w.bucketForWrite(loc.bucket)
		if err != nil {
			return zero, false, err
		}
		i, found, err := search(b, key, w.cfg.KeySerializer, w.cfg.Compare)
		if err != nil {
			return zero, false, err
		}

		if found {
			old := b.value(i)
			if prev, err = w.cfg.ValueSerializer.Deserialize(old); err != nil {
				return zero, false, err
			}
			switch {
			case len(old) == len(vb):
				copy(old, vb)
				return prev, true, nil
			case b.free()+len(old) >= len(vb):
				b.remove(i)
				b.insert(i, h, kb, vb)
				return prev, true, nil
			}
		} else if b.free() >= entryCost(kb, vb) {
			b.insert(i, h, kb, vb)
			w.meta.setSize(w.meta.size() + 1)
			return zero, false, nil
		}

		if err := w.split(loc, b); err != nil {
			return zero, false, err
		}
	}
	return zero, false, dberr.Errorf(dberr.ErrBucketOverflow, "table %q: no room for key after %d splits", t.name, maxDepth)
}

// split divides the bucket at loc in two by its next hash bit. While the
// deeper buckets still fit the bucket's node they take the two halves of
// its slots; a bucket already filling a single slot gets a child node
// instead.
func (w *writer[K, V]) split(loc location, b bucketPage) error {
	ld := b.depth()
	if ld >= maxDepth {
		return dberr.Errorf(dberr.ErrBucketOverflow, "table %q: bucket %d at maximum depth %d", w.t.name, loc.bucket, ld)
	}
	prefix := b.prefix()
	entries := b.entries()

	np, err := w.allocPage(pagestore.RoleBucket)
	if err != nil {
		return err
	}
	nb := bucketPage(pagestore.Body(np.Bytes()))
	b.init(ld+1, prefix<<1)
	nb.init(ld+1, prefix<<1|1)
	for _, e := range entries {
		dst := b
		if (e.hash>>(63-ld))&1 == 1 {
			dst = nb
		}
		dst.insert(dst.count(), e.hash, e.key, e.value)
	}

	level := w.geo.levelOf(ld)
	if w.geo.levelOf(ld+1) == level {
		from, to := w.geo.span(prefix<<1|1, ld+1)
		if err := w.setSlots(loc.path[level].node, from, to, np.ID().Index); err != nil {
			return err
		}
	} else {
		child, err := w.allocPage(pagestore.RoleDirectory)
		if err != nil {
			return err
		}
		body := pagestore.Body(child.Bytes())
		half := w.geo.slots() / 2
		for s := range w.geo.slots() {
			v := loc.bucket
			if s >= half {
				v = np.ID().Index
			}
			setNodeSlot(body, s, v)
		}
		parent := loc.path[level]
		if err := w.setSlots(parent.node, parent.slot, parent.slot+1, child.ID().Index|childFlag); err != nil {
			return err
		}
		w.meta.setNodeCount(w.meta.nodeCount() + 1)
		w.cfg.Logger.Debug("directory node added", "table", w.t.name, "node", child.ID().Index, "level", level+1)
	}
	w.meta.addBuckets(ld, -1)
	w.meta.addBuckets(ld+1, 2)
	w.cfg.Logger.Debug("bucket split", "table", w.t.name, "bucket", loc.bucket, "new", np.ID().Index,
		"depth", ld+1, "left", b.count(), "right", nb.count())
	return nil
}
