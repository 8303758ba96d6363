// Package filestore is the durable Backend built on plain files.
//
// Directory layout:
//
//	LOCK        advisory lock held while the store is open
//	CATALOG     file ids, names and page counts as of the last checkpoint
//	ehdb.wal    write-ahead log of batches since the last checkpoint
//	<id>.ehp    one data file per logical file, page i at offset i*pageSize
//
// Apply appends the batch to the WAL as one committed group and syncs it
// before touching data files, so the WAL alone is enough to redo any batch
// whose Apply returned. A checkpoint syncs data files, rewrites the catalog
// and empties the WAL. A failed checkpoint is retried later; a data file
// that rejects a logged batch fails the store with dberr.ErrStoreFailed
// until it is reopened.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
	"github.com/Giulio2002/ehdb/wal"
)

const (
	lockFileName    = "LOCK"
	catalogFileName = "CATALOG"
	walFileName     = "ehdb.wal"
	dataFileSuffix  = ".ehp"

	// DefaultCheckpointBytes is the WAL size that triggers a checkpoint.
	DefaultCheckpointBytes = 16 << 20
)

// ErrLocked is returned when another process holds the directory.
var ErrLocked = &lockError{"directory is locked by another process", nil}

type lockError struct {
	op  string
	err error
}

func (e *lockError) Error() string {
	if e.err != nil {
		return "filestore: " + e.op + ": " + e.err.Error()
	}
	return "filestore: " + e.op
}

func (e *lockError) Unwrap() error {
	return e.err
}

// Options configures a Store.
type Options struct {
	PageSize        int
	Sync            wal.SyncMode
	CheckpointBytes int64
	Logger          *slog.Logger
}

// Stats reports backend counters.
type Stats struct {
	Files         int
	WALBytes      int64
	Checkpoints   uint64
	ReplayedOps   int
	ReplayedPages int
}

type dataFile struct {
	id    uint32
	name  string
	f     *os.File
	pages uint32
}

// Store is a durable pagestore.Backend.
type Store struct {
	dir             string
	pageSize        int
	checkpointBytes int64
	logger          *slog.Logger

	lock *dirLock
	log  *wal.Log

	mu          sync.RWMutex
	files       map[uint32]*dataFile
	dropped     []string // data files to remove at the next checkpoint
	checkpoints uint64
	replayOps   int
	replayPages int
	closed      bool
	failed      error // set once a logged batch missed the data files

	// Data file I/O, replaced in tests.
	writeAt  func(f *os.File, p []byte, off int64) (int, error)
	syncFile func(f *os.File) error
}

var _ pagestore.Backend = (*Store)(nil)

// DataFileName returns the on-disk name of a file id.
func DataFileName(id uint32) string {
	return fmt.Sprintf("%08d%s", id, dataFileSuffix)
}

// Open opens or creates a store in dir, redoing any committed WAL groups.
func Open(dir string, opts Options) (*Store, error) {
	if opts.PageSize == 0 {
		opts.PageSize = pagestore.DefaultPageSize
	}
	if !pagestore.ValidPageSize(opts.PageSize) {
		return nil, dberr.Errorf(dberr.ErrInvalidArgument, "unsupported page size %d", opts.PageSize)
	}
	if opts.CheckpointBytes <= 0 {
		opts.CheckpointBytes = DefaultCheckpointBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	lock, err := acquireDirLock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:             dir,
		pageSize:        opts.PageSize,
		checkpointBytes: opts.CheckpointBytes,
		logger:          logger,
		lock:            lock,
		files:           make(map[uint32]*dataFile),
		writeAt:         (*os.File).WriteAt,
		syncFile:        wal.SyncFile,
	}
	if err := s.load(opts); err != nil {
		s.closeFiles()
		lock.release()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(opts Options) error {
	cat, err := readCatalog(filepath.Join(s.dir, catalogFileName))
	if err != nil {
		return dberr.WrapError(dberr.ErrCorrupted, err)
	}
	if cat != nil {
		if cat.pageSize != s.pageSize {
			return dberr.Errorf(dberr.ErrInvalidArgument, "store was created with page size %d, opened with %d", cat.pageSize, s.pageSize)
		}
		for _, fi := range cat.files {
			df, err := s.openDataFile(fi.ID, fi.Name, false)
			if err != nil {
				return err
			}
			if fi.Pages > df.pages {
				df.pages = fi.Pages
			}
		}
	}

	walPath := filepath.Join(s.dir, walFileName)
	groups, stats, err := wal.Recover(walPath)
	if err != nil {
		return dberr.WrapError(dberr.ErrCorrupted, err)
	}
	if stats.Torn {
		s.logger.Warn("wal ends in a torn record", "path", walPath, "discarded_bytes", stats.DiscardedBytes)
	}
	for _, g := range groups {
		if err := s.replay(g); err != nil {
			return fmt.Errorf("filestore: replay op %d: %w", g.OpID, err)
		}
	}

	s.log, err = wal.Open(walPath, wal.Options{Sync: opts.Sync, Logger: s.logger})
	if err != nil {
		return err
	}
	if len(groups) > 0 || cat == nil {
		s.logger.Debug("filestore recovered", "dir", s.dir, "ops", len(groups), "records", stats.Records)
		return s.checkpointLocked()
	}
	return nil
}

func (s *Store) replay(g wal.Group) error {
	for _, r := range g.Records {
		switch r.Op {
		case wal.OpCreateFile:
			if _, ok := s.files[r.File]; ok {
				continue
			}
			if _, err := s.openDataFile(r.File, r.Name, true); err != nil {
				return err
			}
		case wal.OpPage:
			df, ok := s.files[r.File]
			if !ok {
				// Dropped later in the log and already removed.
				continue
			}
			if err := s.writePage(df, r.Index, r.Data); err != nil {
				return err
			}
			s.replayPages++
		case wal.OpDropFile:
			s.dropFile(r.File)
		}
	}
	s.replayOps++
	return nil
}

func (s *Store) openDataFile(id uint32, name string, create bool) (*dataFile, error) {
	path := filepath.Join(s.dir, DataFileName(id))
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE | os.O_TRUNC
		s.dropped = slices.DeleteFunc(s.dropped, func(p string) bool { return p == path })
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, dberr.Errorf(dberr.ErrCorrupted, "data file %s for %q is missing", path, name)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	df := &dataFile{id: id, name: name, f: f, pages: uint32(info.Size() / int64(s.pageSize))}
	s.files[id] = df
	return df, nil
}

func (s *Store) writePage(df *dataFile, index uint32, data []byte) error {
	if _, err := s.writeAt(df.f, data, int64(index)*int64(s.pageSize)); err != nil {
		return err
	}
	if index >= df.pages {
		df.pages = index + 1
	}
	return nil
}

func (s *Store) dropFile(id uint32) {
	df, ok := s.files[id]
	if !ok {
		return
	}
	df.f.Close()
	delete(s.files, id)
	s.dropped = append(s.dropped, filepath.Join(s.dir, DataFileName(id)))
}

func (s *Store) PageSize() int {
	return s.pageSize
}

func (s *Store) Files() ([]pagestore.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, dberr.NewError(dberr.ErrClosed)
	}
	return s.fileInfosLocked(), nil
}

func (s *Store) fileInfosLocked() []pagestore.FileInfo {
	out := make([]pagestore.FileInfo, 0, len(s.files))
	for _, df := range s.files {
		out = append(out, pagestore.FileInfo{ID: df.id, Name: df.name, Pages: df.pages})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ReadPage(file, index uint32, dst []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, dberr.NewError(dberr.ErrClosed)
	}
	if s.failed != nil {
		return false, s.failed
	}
	df, ok := s.files[file]
	if !ok {
		return false, dberr.Errorf(dberr.ErrPageNotFound, "file %d does not exist", file)
	}
	if index >= df.pages {
		return false, nil
	}
	n, err := df.f.ReadAt(dst[:s.pageSize], int64(index)*int64(s.pageSize))
	if err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		if errors.Is(err, io.EOF) {
			return false, dberr.Errorf(dberr.ErrCorrupted, "page %d:%d is truncated (%d bytes)", file, index, n)
		}
		return false, err
	}
	// Sparse regions read back as zeroes; report them like unwritten pages.
	return n == s.pageSize && !pagestore.IsFresh(dst[:s.pageSize]), nil
}

func (s *Store) Apply(b *pagestore.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberr.NewError(dberr.ErrClosed)
	}
	if s.failed != nil {
		return s.failed
	}

	created := make(map[uint32]bool, len(b.Creates))
	records := make([]wal.Record, 0, len(b.Creates)+len(b.Pages)+len(b.Drops))
	for _, c := range b.Creates {
		if _, ok := s.files[c.ID]; ok {
			return dberr.Errorf(dberr.ErrAlreadyExists, "file %d already exists", c.ID)
		}
		created[c.ID] = true
		records = append(records, wal.CreateFileRecord(b.OpID, c.ID, c.Name))
	}
	for _, w := range b.Pages {
		if _, ok := s.files[w.File]; !ok && !created[w.File] {
			return dberr.Errorf(dberr.ErrPageNotFound, "write to missing file %d", w.File)
		}
		if len(w.Data) != s.pageSize {
			return dberr.Errorf(dberr.ErrInvalidArgument, "page %d:%d has %d bytes, want %d", w.File, w.Index, len(w.Data), s.pageSize)
		}
		records = append(records, wal.PageRecord(b.OpID, w.File, w.Index, w.Data))
	}
	for _, id := range b.Drops {
		records = append(records, wal.DropFileRecord(b.OpID, id))
	}

	if err := s.log.Commit(b.OpID, records); err != nil {
		return fmt.Errorf("filestore: wal commit: %w", err)
	}

	// The batch is durable from here on and is redone on open, so the only
	// failure left to report is one that leaves the data files behind it.
	for _, c := range b.Creates {
		if _, err := s.openDataFile(c.ID, c.Name, true); err != nil {
			return s.fail(b.OpID, err)
		}
	}
	for _, w := range b.Pages {
		if err := s.writePage(s.files[w.File], w.Index, w.Data); err != nil {
			return s.fail(b.OpID, err)
		}
	}
	for _, id := range b.Drops {
		s.dropFile(id)
	}

	if s.log.Size() >= s.checkpointBytes {
		if err := s.checkpointLocked(); err != nil {
			s.logger.Warn("checkpoint failed, will retry", "dir", s.dir, "wal_bytes", s.log.Size(), "err", err)
		}
	}
	return nil
}

// fail marks the store failed after the WAL accepted a batch the data files
// could not take. Reads and applies are refused from then on; reopening
// redoes the batch from the log.
func (s *Store) fail(opID uint64, err error) error {
	s.logger.Error("data file write failed after wal commit", "dir", s.dir, "op", opID, "err", err)
	s.failed = dberr.WrapError(dberr.ErrStoreFailed, fmt.Errorf("filestore: op %d: %w", opID, err))
	return s.failed
}

// Checkpoint syncs data files, rewrites the catalog and empties the WAL.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberr.NewError(dberr.ErrClosed)
	}
	if s.failed != nil {
		return s.failed
	}
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	for _, df := range s.files {
		if err := s.syncFile(df.f); err != nil {
			return fmt.Errorf("filestore: sync %s: %w", df.f.Name(), err)
		}
	}
	cat := &catalog{pageSize: s.pageSize, files: s.fileInfosLocked()}
	if err := writeCatalog(filepath.Join(s.dir, catalogFileName), cat); err != nil {
		return fmt.Errorf("filestore: write catalog: %w", err)
	}
	for _, path := range s.dropped {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove dropped data file", "path", path, "err", err)
		}
	}
	s.dropped = nil
	if err := s.log.Reset(); err != nil {
		return fmt.Errorf("filestore: reset wal: %w", err)
	}
	s.checkpoints++
	s.logger.Debug("checkpoint", "dir", s.dir, "files", len(s.files))
	return nil
}

// Stats returns backend counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Files:         len(s.files),
		Checkpoints:   s.checkpoints,
		ReplayedOps:   s.replayOps,
		ReplayedPages: s.replayPages,
	}
	if s.log != nil {
		st.WALBytes = s.log.Size()
	}
	return st
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) closeFiles() {
	for _, df := range s.files {
		df.f.Close()
	}
	if s.log != nil {
		s.log.Close()
	}
}

// Close checkpoints and releases the directory. A failed store skips the
// checkpoint so that the WAL still holds what the data files missed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	var err error
	if !s.closed && s.failed == nil {
		err = s.checkpointLocked()
	}
	s.closed = true
	s.closeFiles()
	if lerr := s.lock.release(); err == nil {
		err = lerr
	}
	s.lock = nil
	return err
}
