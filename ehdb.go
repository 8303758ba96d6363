// Package ehdb is an embedded storage engine built from an off-heap page
// allocator, a page store with pluggable backends, an atomic operation
// manager and a disk-resident extendible hash table.
//
// A DB wires those layers together:
//
//	db, err := ehdb.Open(dir, ehdb.DefaultOptions())
//	tbl := hashtable.New[int32, string]("users", db.Operations())
//	err = db.Update(ctx, func(op *atomicop.Operation) error {
//		return tbl.Create(op, cfg)
//	})
//
// Every mutation runs inside an atomic operation: its page changes become
// visible together when the operation commits, or not at all.
package ehdb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/directmem"
	"github.com/Giulio2002/ehdb/pagestore"
	"github.com/Giulio2002/ehdb/pagestore/boltstore"
	"github.com/Giulio2002/ehdb/pagestore/filestore"
	"github.com/Giulio2002/ehdb/pagestore/mdbxstore"
	"github.com/Giulio2002/ehdb/wal"
)

// File names used by the single-file backends.
const (
	BoltFileName = "ehdb.bolt"
	MDBXFileName = "ehdb.mdbx"
)

var debugEnabled atomic.Bool

// SetDebugLog makes databases opened without a logger log at debug level
// to stderr.
func SetDebugLog(enabled bool) {
	debugEnabled.Store(enabled)
}

func defaultLogger() *slog.Logger {
	if debugEnabled.Load() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DB is an open storage directory.
type DB struct {
	path   string
	opts   Options
	logger *slog.Logger

	alloc *directmem.Allocator
	store *pagestore.Store
	mgr   *atomicop.Manager

	closeOnce sync.Once
	closeErr  error
}

// Open opens the storage directory dir, creating it if needed, and replays
// whatever the backend needs to reach its last committed state. The memory
// backend ignores dir.
func Open(dir string, opts Options) (*DB, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	opts.Logger = logger

	if opts.Backend != BackendMemory {
		if dir == "" {
			return nil, dberr.Errorf(dberr.ErrInvalidArgument, "directory is required for the %s backend", opts.Backend)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	backend, err := openBackend(dir, opts)
	if err != nil {
		return nil, err
	}

	alloc := directmem.New(
		directmem.WithTracking(opts.TrackMemory),
		directmem.WithSlotSize(opts.PageSize),
		directmem.WithLogger(logger),
	)
	store, err := pagestore.Open(backend, alloc, pagestore.Options{CacheSize: opts.CacheSize, Logger: logger})
	if err != nil {
		return nil, errors.Join(err, backend.Close(), alloc.Close())
	}
	mgr := atomicop.NewManager(store, alloc, atomicop.Config{
		LockTimeout: opts.LockTimeout,
		MaxRetries:  opts.MaxRetries,
		Logger:      logger,
	})

	logger.Debug("database opened", "dir", dir, "backend", string(opts.Backend), "pageSize", opts.PageSize, "files", len(store.Files()))
	return &DB{
		path:   dir,
		opts:   opts,
		logger: logger,
		alloc:  alloc,
		store:  store,
		mgr:    mgr,
	}, nil
}

func openBackend(dir string, opts Options) (pagestore.Backend, error) {
	switch opts.Backend {
	case BackendFile:
		return filestore.Open(dir, filestore.Options{
			PageSize:        opts.PageSize,
			Sync:            opts.Sync,
			CheckpointBytes: opts.CheckpointBytes,
			Logger:          opts.Logger,
		})
	case BackendBolt:
		return boltstore.Open(filepath.Join(dir, BoltFileName), boltstore.Options{
			PageSize: opts.PageSize,
			NoSync:   opts.Sync == wal.SyncNone,
			Logger:   opts.Logger,
		})
	case BackendMDBX:
		return mdbxstore.Open(filepath.Join(dir, MDBXFileName), mdbxstore.Options{
			PageSize: opts.PageSize,
			NoSync:   opts.Sync == wal.SyncNone,
			Logger:   opts.Logger,
		})
	case BackendMemory:
		return pagestore.NewMemoryBackend(opts.PageSize), nil
	}
	return nil, dberr.Errorf(dberr.ErrInvalidArgument, "unknown backend %q", opts.Backend)
}

// Path returns the storage directory.
func (db *DB) Path() string { return db.path }

// Options returns the options the database was opened with.
func (db *DB) Options() Options { return db.opts }

// Logger returns the database logger.
func (db *DB) Logger() *slog.Logger { return db.logger }

// Allocator returns the off-heap allocator backing the page cache and
// operation shadows.
func (db *DB) Allocator() *directmem.Allocator { return db.alloc }

// Store returns the page store.
func (db *DB) Store() *pagestore.Store { return db.store }

// Operations returns the atomic operation manager. Structures such as
// hashtable.Table are bound to it.
func (db *DB) Operations() *atomicop.Manager { return db.mgr }

// Update runs fn in a new atomic operation and retries it on transient
// lock conflicts.
func (db *DB) Update(ctx context.Context, fn func(op *atomicop.Operation) error) error {
	return db.mgr.ExecuteWithRetry(ctx, fn)
}

// Execute runs fn inside existing, or in a new operation when existing is
// nil. It does not retry.
func (db *DB) Execute(ctx context.Context, existing *atomicop.Operation, fn func(op *atomicop.Operation) error) error {
	return db.mgr.ExecuteInside(ctx, existing, fn)
}

// Close closes the store and its backend, then the allocator. Memory still
// allocated at that point is reported as a leak. Close must not run
// concurrently with operations.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		storeErr := db.store.Close()
		allocErr := db.alloc.Close()
		db.closeErr = errors.Join(storeErr, allocErr)
		if db.closeErr != nil {
			db.logger.Warn("database closed with errors", "dir", db.path, "err", db.closeErr)
		} else {
			db.logger.Debug("database closed", "dir", db.path)
		}
	})
	return db.closeErr
}
