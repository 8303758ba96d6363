// Package hashtable implements a disk-resident extendible hash table.
//
// A table lives in one pagestore file: a meta page, a tree of directory
// node pages that maps a key's 64-bit hash to a bucket page, bucket pages
// holding key-sorted entries, an optional null-key page, and a free list.
// Each node resolves a fixed number of hash bits, so buckets split down to
// the full hash width however closely the hashes of their keys cluster.
// Every mutation runs inside an atomicop.Operation and locks the meta page,
// so writers of one table are serialized while readers never block: each
// read call runs inside pagestore.Store.View and sees one committed state.
package hashtable

import (
	"io"
	"log/slog"
	"sync"

	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/directmem"
	"github.com/Giulio2002/ehdb/pagestore"
)

const (
	// DefaultBatchSize is the number of entries CeilingEntries and
	// HigherEntries return at most.
	DefaultBatchSize = 256

	// FileSuffix is appended to the table name to form its file name.
	FileSuffix = ".eht"
)

const metaIndex = 0

// Config describes the key and value types of a table.
type Config[K, V any] struct {
	KeySerializer   Serializer[K]
	ValueSerializer Serializer[V]
	Hash            HashFunc[K]
	Compare         func(a, b K) int

	// OrderPreserving declares that a < b implies Hash(a) <= Hash(b). Ordered
	// iteration then walks the directory instead of merging all buckets.
	OrderPreserving bool

	NullKeySupported bool
	BatchSize        int
	Logger           *slog.Logger
}

func (c *Config[K, V]) validate() error {
	switch {
	case c.KeySerializer == nil:
		return dberr.Errorf(dberr.ErrInvalidArgument, "key serializer is required")
	case c.ValueSerializer == nil:
		return dberr.Errorf(dberr.ErrInvalidArgument, "value serializer is required")
	case c.Hash == nil:
		return dberr.Errorf(dberr.ErrInvalidArgument, "hash function is required")
	case c.Compare == nil:
		return dberr.Errorf(dberr.ErrInvalidArgument, "key comparison is required")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// Entry is a key/value pair returned by lookups and iteration.
type Entry[K, V any] struct {
	Key   K
	Value V
}

// Table is a handle on a named hash table. It is safe for concurrent use.
type Table[K, V any] struct {
	name  string
	mgr   *atomicop.Manager
	store *pagestore.Store
	alloc *directmem.Allocator
	geo   geometry

	mu     sync.RWMutex
	cfg    Config[K, V]
	loaded bool
}

// New returns a handle for the table called name. Call Create or Open
// before using it.
func New[K, V any](name string, mgr *atomicop.Manager) *Table[K, V] {
	store := mgr.Store()
	return &Table[K, V]{
		name:  name,
		mgr:   mgr,
		store: store,
		alloc: store.Allocator(),
		geo:   newGeometry(store.PageSize() - pagestore.HeaderSize),
	}
}

// Name returns the table name.
func (t *Table[K, V]) Name() string {
	return t.name
}

func (t *Table[K, V]) fileName() string {
	return t.name + FileSuffix
}

func (t *Table[K, V]) config() (Config[K, V], error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.loaded {
		return Config[K, V]{}, dberr.Errorf(dberr.ErrNotCreated, "table %q is not open", t.name)
	}
	return t.cfg, nil
}

func (t *Table[K, V]) setConfig(cfg Config[K, V]) {
	t.mu.Lock()
	t.cfg = cfg
	t.loaded = true
	t.mu.Unlock()
}

func pageID(file, index uint32) pagestore.PageID {
	return pagestore.PageID{File: file, Index: index}
}

// Create initialises an empty table inside op: a meta page, a root directory
// node and one bucket at depth zero. It fails with ErrAlreadyExists when the
// table file exists.
func (t *Table[K, V]) Create(op *atomicop.Operation, cfg Config[K, V]) error {
	if op == nil {
		return dberr.Errorf(dberr.ErrBadOperation, "create requires an operation")
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if _, ok := op.FileByName(t.fileName()); ok {
		return dberr.Errorf(dberr.ErrAlreadyExists, "table %q already exists", t.name)
	}
	file, err := op.CreateFile(t.fileName())
	if err != nil {
		return err
	}

	mp, err := op.NewPage(file)
	if err != nil {
		return err
	}
	if mp.ID().Index != metaIndex {
		return dberr.Errorf(dberr.ErrCorrupted, "table %q: meta page got index %d", t.name, mp.ID().Index)
	}
	pagestore.InitPage(mp.Bytes(), mp.ID(), pagestore.RoleMeta)
	meta := metaPage(pagestore.Body(mp.Bytes()))
	meta.setFlag(flagOrderPreserving, cfg.OrderPreserving)
	meta.setFlag(flagNullSupported, cfg.NullKeySupported)

	dp, err := op.NewPage(file)
	if err != nil {
		return err
	}
	pagestore.InitPage(dp.Bytes(), dp.ID(), pagestore.RoleDirectory)
	meta.setRoot(dp.ID().Index)
	meta.setNodeCount(1)

	bp, err := op.NewPage(file)
	if err != nil {
		return err
	}
	pagestore.InitPage(bp.Bytes(), bp.ID(), pagestore.RoleBucket)
	bucketPage(pagestore.Body(bp.Bytes())).init(0, 0)
	root := pagestore.Body(dp.Bytes())
	for s := range t.geo.slots() {
		setNodeSlot(root, s, bp.ID().Index)
	}
	meta.addBuckets(0, 1)

	if cfg.NullKeySupported {
		np, err := op.NewPage(file)
		if err != nil {
			return err
		}
		pagestore.InitPage(np.Bytes(), np.ID(), pagestore.RoleNullBucket)
		meta.setNullPage(np.ID().Index)
	}

	t.setConfig(cfg)
	cfg.Logger.Debug("hash table created", "table", t.name, "file", file, "op", op.ID())
	return nil
}

// Open attaches cfg to an existing table. OrderPreserving must match the
// value the table was created with; NullKeySupported is taken from disk.
func (t *Table[K, V]) Open(cfg Config[K, V]) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	file, ok := t.store.FileByName(t.fileName())
	if !ok {
		return dberr.Errorf(dberr.ErrNotCreated, "table %q does not exist", t.name)
	}
	var flags uint8
	err := t.view(file, func(r *reader) error {
		flags = r.meta.flags()
		return nil
	})
	if err != nil {
		return err
	}
	if cfg.OrderPreserving != (flags&flagOrderPreserving != 0) {
		return dberr.Errorf(dberr.ErrInvalidArgument, "table %q: order-preserving flag does not match", t.name)
	}
	cfg.NullKeySupported = flags&flagNullSupported != 0
	t.setConfig(cfg)
	return nil
}

// Exists reports whether the table has been committed.
func (t *Table[K, V]) Exists() bool {
	_, ok := t.store.FileByName(t.fileName())
	return ok
}

// Delete drops the table file, releasing every page, inside op.
func (t *Table[K, V]) Delete(op *atomicop.Operation) error {
	if op == nil {
		return dberr.Errorf(dberr.ErrBadOperation, "delete requires an operation")
	}
	file, ok := op.FileByName(t.fileName())
	if !ok {
		return dberr.Errorf(dberr.ErrNotCreated, "table %q does not exist", t.name)
	}
	if _, err := op.PageForWrite(pageID(file, metaIndex)); err != nil {
		return err
	}
	if err := op.DropFile(file); err != nil {
		return err
	}
	if cfg, err := t.config(); err == nil {
		cfg.Logger.Debug("hash table deleted", "table", t.name, "file", file, "op", op.ID())
	}
	return nil
}

// IsNullKeySupported reports whether the null key paths are enabled.
func (t *Table[K, V]) IsNullKeySupported() bool {
	cfg, err := t.config()
	return err == nil && cfg.NullKeySupported
}

// Size returns the number of entries, null key included.
func (t *Table[K, V]) Size() (uint64, error) {
	var n uint64
	err := t.read(func(_ Config[K, V], r *reader) error {
		n = r.meta.size()
		if r.meta.hasFlag(flagNullPresent) {
			n++
		}
		return nil
	})
	return n, err
}
