package hashtable

import (
	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/directmem"
	"github.com/Giulio2002/ehdb/pagestore"
)

func checkRole(page []byte, id pagestore.PageID, want pagestore.Role) error {
	if got := pagestore.PageRole(page); got != want {
		return dberr.Errorf(dberr.ErrCorrupted, "page %s is %s, want %s", id, got, want)
	}
	return nil
}

// search finds key in b. Without a match it returns the insert position.
func search[K any](b bucketPage, key K, ser Serializer[K], compare func(a, b K) int) (int, bool, error) {
	lo, hi := 0, b.count()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		k, err := ser.Deserialize(b.key(mid))
		if err != nil {
			return 0, false, err
		}
		switch c := compare(k, key); {
		case c == 0:
			return mid, true, nil
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false, nil
}

// reader reads one committed state of a table inside Store.View.
type reader struct {
	r      pagestore.Reader
	file   uint32
	geo    geometry
	meta   metaPage
	nodes  []nodeCache // one per directory level
	bucket []byte
	page   []byte // any other page
	grab   func() ([]byte, error)
}

type nodeCache struct {
	idx uint32 // 0 means empty
	buf []byte
}

// view runs fn against a consistent committed state of file. Page images
// are read into off-heap scratch buffers owned by the call.
func (t *Table[K, V]) view(file uint32, fn func(r *reader) error) error {
	var bufs []*directmem.Pointer
	defer func() {
		for _, p := range bufs {
			_ = t.alloc.Deallocate(p)
		}
	}()
	grab := func() ([]byte, error) {
		p, err := t.alloc.Allocate(t.store.PageSize(), false, directmem.TraceScratch)
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, p)
		return p.Bytes(), nil
	}
	var scratch [3][]byte
	for i := range scratch {
		b, err := grab()
		if err != nil {
			return err
		}
		scratch[i] = b
	}

	return t.store.View(func(r pagestore.Reader) error {
		rd := &reader{
			r:      r,
			file:   file,
			geo:    t.geo,
			bucket: scratch[1],
			page:   scratch[2],
			grab:   grab,
		}
		mid := pageID(file, metaIndex)
		if err := r.ReadPage(mid, scratch[0]); err != nil {
			return err
		}
		if err := checkRole(scratch[0], mid, pagestore.RoleMeta); err != nil {
			return err
		}
		rd.meta = metaPage(pagestore.Body(scratch[0]))
		return fn(rd)
	})
}

// read resolves the table and runs fn inside view.
func (t *Table[K, V]) read(fn func(cfg Config[K, V], r *reader) error) error {
	cfg, err := t.config()
	if err != nil {
		return err
	}
	file, ok := t.store.FileByName(t.fileName())
	if !ok {
		return dberr.Errorf(dberr.ErrNotCreated, "table %q does not exist", t.name)
	}
	return t.view(file, func(r *reader) error { return fn(cfg, r) })
}

// node returns the body of directory node idx, cached per level. The result
// is valid until the next call for the same level.
func (r *reader) node(level uint, idx uint32) ([]byte, error) {
	for uint(len(r.nodes)) <= level {
		r.nodes = append(r.nodes, nodeCache{})
	}
	c := &r.nodes[level]
	if c.buf == nil {
		buf, err := r.grab()
		if err != nil {
			return nil, err
		}
		c.buf = buf
	}
	if c.idx != idx {
		id := pageID(r.file, idx)
		if err := r.r.ReadPage(id, c.buf); err != nil {
			c.idx = 0
			return nil, err
		}
		if err := checkRole(c.buf, id, pagestore.RoleDirectory); err != nil {
			c.idx = 0
			return nil, err
		}
		c.idx = idx
	}
	return pagestore.Body(c.buf), nil
}

// locate returns the bucket page holding hash.
func (r *reader) locate(hash uint64) (uint32, error) {
	idx := r.meta.root()
	for level := uint(0); r.geo.hasLevel(level); level++ {
		body, err := r.node(level, idx)
		if err != nil {
			return 0, err
		}
		v := nodeSlot(body, r.geo.slotAt(hash, level))
		if v&childFlag == 0 {
			return v, nil
		}
		idx = v &^ childFlag
	}
	return 0, dberr.Errorf(dberr.ErrCorrupted, "directory of file %d is deeper than the hash", r.file)
}

// bucketAt locates and reads the bucket holding hash.
func (r *reader) bucketAt(hash uint64) (uint32, bucketPage, error) {
	idx, err := r.locate(hash)
	if err != nil {
		return 0, nil, err
	}
	b, err := r.readBucket(idx)
	return idx, b, err
}

// readBucket loads bucket page idx. The result is valid until the next call.
func (r *reader) readBucket(idx uint32) (bucketPage, error) {
	id := pageID(r.file, idx)
	if err := r.r.ReadPage(id, r.bucket); err != nil {
		return nil, err
	}
	if err := checkRole(r.bucket, id, pagestore.RoleBucket); err != nil {
		return nil, err
	}
	return bucketPage(pagestore.Body(r.bucket)), nil
}

// readPage loads any page of the table into the spare buffer.
func (r *reader) readPage(idx uint32) ([]byte, error) {
	if err := r.r.ReadPage(pageID(r.file, idx), r.page); err != nil {
		return nil, err
	}
	return r.page, nil
}

// writer is the state of one mutation inside an operation. It holds the
// write lock on the meta page for the rest of the operation.
type writer[K, V any] struct {
	t       *Table[K, V]
	cfg     Config[K, V]
	op      *atomicop.Operation
	file    uint32
	geo     geometry
	meta    metaPage
	scratch *directmem.Pointer
}

func (t *Table[K, V]) begin(op *atomicop.Operation) (*writer[K, V], error) {
	if op == nil {
		return nil, dberr.Errorf(dberr.ErrBadOperation, "table %q: mutation requires an operation", t.name)
	}
	cfg, err := t.config()
	if err != nil {
		return nil, err
	}
	file, ok := op.FileByName(t.fileName())
	if !ok {
		return nil, dberr.Errorf(dberr.ErrNotCreated, "table %q does not exist", t.name)
	}
	mp, err := op.PageForWrite(pageID(file, metaIndex))
	if err != nil {
		return nil, err
	}
	if err := checkRole(mp.Bytes(), mp.ID(), pagestore.RoleMeta); err != nil {
		return nil, err
	}
	scratch, err := t.alloc.Allocate(t.store.PageSize(), false, directmem.TraceScratch)
	if err != nil {
		return nil, err
	}
	return &writer[K, V]{
		t:       t,
		cfg:     cfg,
		op:      op,
		file:    file,
		geo:     t.geo,
		meta:    metaPage(pagestore.Body(mp.Bytes())),
		scratch: scratch,
	}, nil
}

func (w *writer[K, V]) close() {
	if err := w.t.alloc.Deallocate(w.scratch); err != nil {
		w.cfg.Logger.Error("release scratch page", "table", w.t.name, "err", err)
	}
}

// step is the directory slot a lookup passed through at one level.
type step struct {
	node uint32
	slot uint32
}

// location is where a hash lands: its bucket and the path leading to it,
// one step per level.
type location struct {
	bucket uint32
	path   []step
}

// locate finds the bucket holding hash as this operation sees it.
func (w *writer[K, V]) locate(hash uint64) (location, error) {
	var loc location
	idx := w.meta.root()
	buf := w.scratch.Bytes()
	for level := uint(0); w.geo.hasLevel(level); level++ {
		id := pageID(w.file, idx)
		if err := w.op.PageForRead(id, buf); err != nil {
			return loc, err
		}
		if err := checkRole(buf, id, pagestore.RoleDirectory); err != nil {
			return loc, err
		}
		s := w.geo.slotAt(hash, level)
		loc.path = append(loc.path, step{node: idx, slot: s})
		v := nodeSlot(pagestore.Body(buf), s)
		if v&childFlag == 0 {
			loc.bucket = v
			return loc, nil
		}
		idx = v &^ childFlag
	}
	return loc, dberr.Errorf(dberr.ErrCorrupted, "table %q: directory is deeper than the hash", w.t.name)
}

// setSlots points slots [from, to) of directory node idx at v.
func (w *writer[K, V]) setSlots(idx, from, to, v uint32) error {
	p, err := w.op.PageForWrite(pageID(w.file, idx))
	if err != nil {
		return err
	}
	if err := checkRole(p.Bytes(), p.ID(), pagestore.RoleDirectory); err != nil {
		return err
	}
	body := pagestore.Body(p.Bytes())
	for s := from; s < to; s++ {
		setNodeSlot(body, s, v)
	}
	return nil
}

func (w *writer[K, V]) bucketForWrite(idx uint32) (bucketPage, error) {
	p, err := w.op.PageForWrite(pageID(w.file, idx))
	if err != nil {
		return nil, err
	}
	if err := checkRole(p.Bytes(), p.ID(), pagestore.RoleBucket); err != nil {
		return nil, err
	}
	return bucketPage(pagestore.Body(p.Bytes())), nil
}

// peekBucket reads a bucket without locking it. The result lives in the
// scratch buffer.
func (w *writer[K, V]) peekBucket(idx uint32) (bucketPage, error) {
	id := pageID(w.file, idx)
	buf := w.scratch.Bytes()
	if err := w.op.PageForRead(id, buf); err != nil {
		return nil, err
	}
	if err := checkRole(buf, id, pagestore.RoleBucket); err != nil {
		return nil, err
	}
	return bucketPage(pagestore.Body(buf)), nil
}

// allocPage takes a page from the free list, or appends one to the file,
// and initialises it with role.
func (w *writer[K, V]) allocPage(role pagestore.Role) (*atomicop.Page, error) {
	var p *atomicop.Page
	if head := w.meta.freeHead(); head != 0 {
		fp, err := w.op.PageForWrite(pageID(w.file, head))
		if err != nil {
			return nil, err
		}
		if err := checkRole(fp.Bytes(), fp.ID(), pagestore.RoleFree); err != nil {
			return nil, err
		}
		w.meta.setFreeHead(freeNext(pagestore.Body(fp.Bytes())))
		p = fp
	} else {
		np, err := w.op.NewPage(w.file)
		if err != nil {
			return nil, err
		}
		p = np
	}
	if p.ID().Index&childFlag != 0 {
		return nil, dberr.Errorf(dberr.ErrOutOfMemory, "table %q: page index %d out of range", w.t.name, p.ID().Index)
	}
	pagestore.InitPage(p.Bytes(), p.ID(), role)
	return p, nil
}

// freePage pushes idx onto the free list.
func (w *writer[K, V]) freePage(idx uint32) error {
	p, err := w.op.PageForWrite(pageID(w.file, idx))
	if err != nil {
		return err
	}
	pagestore.InitPage(p.Bytes(), p.ID(), pagestore.RoleFree)
	setFreeNext(pagestore.Body(p.Bytes()), w.meta.freeHead())
	w.meta.setFreeHead(idx)
	return nil
}
