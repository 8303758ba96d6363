package atomicop

import (
	"cmp"
	"context"
	"slices"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/directmem"
	"github.com/Giulio2002/ehdb/internal/fastmap"
	"github.com/Giulio2002/ehdb/pagestore"
)

// Page is a private, writable copy of a page owned by one operation.
// The copy lives off-heap and is published only when the operation commits.
type Page struct {
	id  pagestore.PageID
	ptr *directmem.Pointer
}

// ID returns the page address.
func (p *Page) ID() pagestore.PageID {
	return p.id
}

// Bytes returns the writable page image. It must not be retained after the
// operation ends.
func (p *Page) Bytes() []byte {
	return p.ptr.Bytes()
}

// Operation groups page changes that become visible together or not at all.
//
// An Operation belongs to the goroutine running its body and must not be
// shared between goroutines.
type Operation struct {
	mgr   *Manager
	id    uint64
	ctx   context.Context
	depth int
	state State

	rollbackOnly bool
	cause        error

	shadows  *fastmap.Map[*Page]
	order    []pagestore.PageID // first-touch order of shadows
	changes  []Change
	locked   []pagestore.PageID
	reserved []pagestore.PageID // NewPage reservations, oldest first

	created   map[uint32]string // files reserved by this operation
	discarded []uint32          // files created and dropped again
	dropped   map[uint32]bool   // committed files to drop
	extent    map[uint32]uint32 // highest appended index + 1 per file
}

func newOperation(m *Manager, id uint64, ctx context.Context) *Operation {
	return &Operation{
		mgr:     m,
		id:      id,
		ctx:     ctx,
		depth:   1,
		state:   Active,
		shadows: fastmap.New[*Page](16),
		created: make(map[uint32]string),
		dropped: make(map[uint32]bool),
		extent:  make(map[uint32]uint32),
	}
}

// ID returns the operation id. Ids increase monotonically per manager and
// are stamped into every page the operation commits.
func (op *Operation) ID() uint64 {
	return op.id
}

// Depth returns the nesting depth; the outermost call is depth 1.
func (op *Operation) Depth() int {
	return op.depth
}

func (op *Operation) State() State {
	return op.state
}

func (op *Operation) Context() context.Context {
	return op.ctx
}

// RollbackOnly reports whether a nested failure doomed the operation.
func (op *Operation) RollbackOnly() bool {
	return op.rollbackOnly
}

// Changes returns the recorded changes in the order they were made.
func (op *Operation) Changes() []Change {
	return slices.Clone(op.changes)
}

func (op *Operation) checkActive() error {
	if op.state != Active {
		return dberr.Errorf(dberr.ErrBadOperation, "operation %d is %s", op.id, op.state)
	}
	if err := op.ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (op *Operation) markRollbackOnly(err error) {
	if !op.rollbackOnly {
		op.rollbackOnly = true
		op.cause = err
	}
}

func (op *Operation) fileGone(file uint32) bool {
	return op.dropped[file] || slices.Contains(op.discarded, file)
}

func (op *Operation) lock(id pagestore.PageID) error {
	m := op.mgr
	waited, err := m.locks.acquire(op.ctx, id, op.id, m.cfg.LockTimeout)
	if waited {
		m.lockWaits.Add(1)
	}
	if err != nil {
		return err
	}
	if !slices.Contains(op.locked, id) {
		op.locked = append(op.locked, id)
	}
	return nil
}

func (op *Operation) shadow(id pagestore.PageID, add bool) (*Page, error) {
	ptr, err := op.mgr.alloc.Allocate(op.mgr.store.PageSize(), add, directmem.TraceShadow)
	if err != nil {
		return nil, err
	}
	p := &Page{id: id, ptr: ptr}
	if !add {
		if err := op.mgr.store.ReadPage(id, ptr.Bytes()); err != nil {
			_ = op.mgr.alloc.Deallocate(ptr)
			return nil, err
		}
	}
	op.shadows.Set(id.Key(), p)
	op.order = append(op.order, id)
	return p, nil
}

// PageForWrite returns the operation's writable copy of id, taking the
// page's exclusive lock first. The lock is held until the operation ends.
// A lock that cannot be obtained within the configured timeout fails with
// ErrRetry.
func (op *Operation) PageForWrite(id pagestore.PageID) (*Page, error) {
	if err := op.checkActive(); err != nil {
		return nil, err
	}
	if p, ok := op.shadows.Get(id.Key()); ok {
		return p, nil
	}
	if op.fileGone(id.File) {
		return nil, dberr.Errorf(dberr.ErrPageNotFound, "file %d was dropped", id.File)
	}
	if _, ok := op.created[id.File]; ok {
		return nil, dberr.Errorf(dberr.ErrPageNotFound, "page %s was never appended", id)
	}
	if err := op.lock(id); err != nil {
		return nil, err
	}
	p, err := op.shadow(id, false)
	if err != nil {
		return nil, err
	}
	op.changes = append(op.changes, Change{Kind: ChangePage, Page: id, File: id.File})
	return p, nil
}

// PageForRead copies id into dst: the operation's own copy when it has
// written the page, the committed image otherwise.
func (op *Operation) PageForRead(id pagestore.PageID, dst []byte) error {
	if err := op.checkActive(); err != nil {
		return err
	}
	if p, ok := op.shadows.Get(id.Key()); ok {
		copy(dst, p.Bytes())
		return nil
	}
	if op.fileGone(id.File) {
		return dberr.Errorf(dberr.ErrPageNotFound, "file %d was dropped", id.File)
	}
	if _, ok := op.created[id.File]; ok {
		return dberr.Errorf(dberr.ErrPageNotFound, "page %s was never appended", id)
	}
	return op.mgr.store.ReadPage(id, dst)
}

// NewPage appends a zeroed page to file.
func (op *Operation) NewPage(file uint32) (*Page, error) {
	if err := op.checkActive(); err != nil {
		return nil, err
	}
	if op.fileGone(file) {
		return nil, dberr.Errorf(dberr.ErrPageNotFound, "file %d was dropped", file)
	}
	idx, err := op.mgr.store.ReservePage(file)
	if err != nil {
		return nil, err
	}
	id := pagestore.PageID{File: file, Index: idx}
	op.reserved = append(op.reserved, id)
	if err := op.lock(id); err != nil {
		return nil, err
	}
	p, err := op.shadow(id, true)
	if err != nil {
		return nil, err
	}
	if idx+1 > op.extent[file] {
		op.extent[file] = idx + 1
	}
	op.changes = append(op.changes, Change{Kind: ChangeNewPage, Page: id, File: file})
	return p, nil
}

// CreateFile reserves a new file. Other operations cannot see it, nor
// create another file with the same name, until this one ends.
func (op *Operation) CreateFile(name string) (uint32, error) {
	if err := op.checkActive(); err != nil {
		return 0, err
	}
	id, err := op.mgr.store.ReserveFile(name)
	if err != nil {
		return 0, err
	}
	op.created[id] = name
	op.changes = append(op.changes, Change{Kind: ChangeCreateFile, File: id, Name: name})
	return id, nil
}

// DropFile removes file and every page in it when the operation commits.
func (op *Operation) DropFile(file uint32) error {
	if err := op.checkActive(); err != nil {
		return err
	}
	if op.fileGone(file) {
		return dberr.Errorf(dberr.ErrPageNotFound, "file %d was already dropped", file)
	}
	if _, ok := op.created[file]; ok {
		delete(op.created, file)
		op.discarded = append(op.discarded, file)
	} else {
		if _, err := op.mgr.store.PageCount(file); err != nil {
			return err
		}
		op.dropped[file] = true
	}
	if err := op.releaseShadows(func(id pagestore.PageID) bool { return id.File == file }); err != nil {
		op.mgr.logger.Error("release shadow pages", "op", op.id, "file", file, "err", err)
	}
	op.changes = append(op.changes, Change{Kind: ChangeDropFile, File: file})
	return nil
}

// FileByName resolves name as this operation sees it.
func (op *Operation) FileByName(name string) (uint32, bool) {
	for id, n := range op.created {
		if n == name {
			return id, true
		}
	}
	id, ok := op.mgr.store.FileByName(name)
	if !ok || op.dropped[id] {
		return 0, false
	}
	return id, true
}

// PageCount returns the number of pages in file including pages appended
// by this operation.
func (op *Operation) PageCount(file uint32) (uint32, error) {
	if op.fileGone(file) {
		return 0, dberr.Errorf(dberr.ErrPageNotFound, "file %d was dropped", file)
	}
	if _, ok := op.created[file]; ok {
		return op.extent[file], nil
	}
	n, err := op.mgr.store.PageCount(file)
	if err != nil {
		return 0, err
	}
	return max(n, op.extent[file]), nil
}

// releaseShadows frees the shadows whose id satisfies match, or all of them
// when match is nil. It returns the first deallocation failure.
func (op *Operation) releaseShadows(match func(pagestore.PageID) bool) error {
	var first error
	kept := op.order[:0]
	for _, id := range op.order {
		if match != nil && !match(id) {
			kept = append(kept, id)
			continue
		}
		p, _ := op.shadows.Get(id.Key())
		op.shadows.Delete(id.Key())
		if err := op.mgr.alloc.Deallocate(p.ptr); err != nil && first == nil {
			first = err
		}
	}
	op.order = kept
	return first
}

// batch builds the commit batch from the operation's changes and seals
// every written page.
func (op *Operation) batch() *pagestore.Batch {
	b := &pagestore.Batch{OpID: op.id}
	for id, name := range op.created {
		b.Creates = append(b.Creates, pagestore.FileInfo{ID: id, Name: name})
	}
	slices.SortFunc(b.Creates, func(x, y pagestore.FileInfo) int { return cmp.Compare(x.ID, y.ID) })
	for _, id := range op.order {
		p, _ := op.shadows.Get(id.Key())
		data := p.Bytes()
		pagestore.Stamp(data, op.id)
		b.Pages = append(b.Pages, pagestore.PageWrite{File: id.File, Index: id.Index, Data: data})
	}
	for id := range op.dropped {
		b.Drops = append(b.Drops, id)
	}
	slices.Sort(b.Drops)
	return b
}

// release frees everything the operation holds. Reservations are returned
// to the store unless committed.
func (op *Operation) release(committed bool) error {
	err := op.releaseShadows(nil)
	if !committed {
		for i := len(op.reserved) - 1; i >= 0; i-- {
			op.mgr.store.ReleasePage(op.reserved[i])
		}
		for id := range op.created {
			op.mgr.store.ReleaseFile(id)
		}
	}
	for _, id := range op.discarded {
		op.mgr.store.ReleaseFile(id)
	}
	for _, id := range op.locked {
		op.mgr.locks.release(id, op.id)
	}
	op.locked = nil
	op.reserved = nil
	return err
}
