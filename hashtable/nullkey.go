package hashtable

import (
	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
)

// The null key lives on its own page, outside the directory. It never takes
// part in ordering and is not returned by iteration.

func (w *writer[K, V]) nullPageForWrite() (nullPage, error) {
	if !w.meta.hasFlag(flagNullSupported) {
		return nil, dberr.Errorf(dberr.ErrInvalidArgument, "table %q does not support the null key", w.t.name)
	}
	p, err := w.op.PageForWrite(pageID(w.file, w.meta.nullPage()))
	if err != nil {
		return nil, err
	}
	if err := checkRole(p.Bytes(), p.ID(), pagestore.RoleNullBucket); err != nil {
		return nil, err
	}
	return nullPage(pagestore.Body(p.Bytes())), nil
}

// PutNull stores value under the null key.
func (t *Table[K, V]) PutNull(op *atomicop.Operation, value V) (prev V, replaced bool, err error) {
	var zero V
	w, err := t.begin(op)
	if err != nil {
		return zero, false, err
	}
	defer w.close()

	vb := w.cfg.ValueSerializer.Serialize(value)
	if len(vb) > w.geo.body-nullValue {
		return zero, false, dberr.Errorf(dberr.ErrEntryTooLarge, "null key value of %d bytes exceeds %d", len(vb), w.geo.body-nullValue)
	}
	np, err := w.nullPageForWrite()
	if err != nil {
		return zero, false, err
	}
	if np.present() {
		if prev, err = w.cfg.ValueSerializer.Deserialize(np.value()); err != nil {
			return zero, false, err
		}
		replaced = true
	}
	np.set(vb)
	w.meta.setFlag(flagNullPresent, true)
	return prev, replaced, nil
}

// GetNull returns the committed value of the null key.
func (t *Table[K, V]) GetNull() (value V, found bool, err error) {
	err = t.read(func(cfg Config[K, V], r *reader) error {
		if !r.meta.hasFlag(flagNullSupported) {
			return dberr.Errorf(dberr.ErrInvalidArgument, "table %q does not support the null key", t.name)
		}
		if !r.meta.hasFlag(flagNullPresent) {
			return nil
		}
		idx := r.meta.nullPage()
		page, err := r.readPage(idx)
		if err != nil {
			return err
		}
		if err := checkRole(page, pageID(r.file, idx), pagestore.RoleNullBucket); err != nil {
			return err
		}
		value, err = cfg.ValueSerializer.Deserialize(nullPage(pagestore.Body(page)).value())
		found = err == nil
		return err
	})
	if err != nil || !found {
		var zero V
		return zero, false, err
	}
	return value, true, nil
}

// RemoveNull deletes the null key.
func (t *Table[K, V]) RemoveNull(op *atomicop.Operation) (prev V, removed bool, err error) {
	var zero V
	w, err := t.begin(op)
	if err != nil {
		return zero, false, err
	}
	defer w.close()

	if !w.meta.hasFlag(flagNullPresent) {
		if !w.meta.hasFlag(flagNullSupported) {
			return zero, false, dberr.Errorf(dberr.ErrInvalidArgument, "table %q does not support the null key", t.name)
		}
		return zero, false, nil
	}
	np, err := w.nullPageForWrite()
	if err != nil {
		return zero, false, err
	}
	if prev, err = w.cfg.ValueSerializer.Deserialize(np.value()); err != nil {
		return zero, false, err
	}
	np.reset()
	w.meta.setFlag(flagNullPresent, false)
	return prev, true, nil
}
