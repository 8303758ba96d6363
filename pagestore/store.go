// Package pagestore provides the page format, the Backend contract and the
// shared page cache that atomic operations commit into.
//
// Readers only ever observe committed pages. Commits are installed under the
// write side of a commit latch; View holds the read side, so every page a
// View callback reads belongs to the same committed state.
package pagestore

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/directmem"
	"github.com/Giulio2002/ehdb/internal/fastmap"
)

// DefaultCacheSize is the default number of cached pages.
const DefaultCacheSize = 4096

// Options configures a Store.
type Options struct {
	CacheSize int
	Logger    *slog.Logger
}

// Reader reads committed pages.
type Reader interface {
	// ReadPage copies the committed image of id into dst. A page inside the
	// file that was never written reads as zeroes.
	ReadPage(id PageID, dst []byte) error

	// PageCount returns the committed number of pages in file.
	PageCount(file uint32) (uint32, error)
}

// CacheStats reports page cache counters.
type CacheStats struct {
	Frames    int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// frame is a cached committed page held in off-heap memory.
type frame struct {
	key        uint64
	ptr        *directmem.Pointer
	pins       int32
	prev, next *frame
}

type fileState struct {
	id        uint32
	name      string
	pages     uint32 // committed page count
	next      uint32 // next index to hand out
	committed bool
}

// Store is the page cache and file catalog over a Backend.
type Store struct {
	backend  Backend
	alloc    *directmem.Allocator
	pageSize int
	logger   *slog.Logger

	latch sync.RWMutex // commit latch

	mu        sync.Mutex // frames, lru and catalog
	frames    *fastmap.Map[*frame]
	head      *frame // most recently used
	tail      *frame
	cacheSize int
	files     map[uint32]*fileState
	names     map[string]uint32
	nextFile  uint32
	closed    bool
	failed    error // fatal backend failure; the store must be reopened

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Open builds a Store over backend and loads its file catalog.
func Open(backend Backend, alloc *directmem.Allocator, opts Options) (*Store, error) {
	if !ValidPageSize(backend.PageSize()) {
		return nil, dberr.Errorf(dberr.ErrInvalidArgument, "unsupported page size %d", backend.PageSize())
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	infos, err := backend.Files()
	if err != nil {
		return nil, err
	}

	s := &Store{
		backend:   backend,
		alloc:     alloc,
		pageSize:  backend.PageSize(),
		logger:    logger,
		frames:    fastmap.New[*frame](opts.CacheSize),
		cacheSize: opts.CacheSize,
		files:     make(map[uint32]*fileState, len(infos)),
		names:     make(map[string]uint32, len(infos)),
		nextFile:  1,
	}
	for _, fi := range infos {
		s.files[fi.ID] = &fileState{id: fi.ID, name: fi.Name, pages: fi.Pages, next: fi.Pages, committed: true}
		s.names[fi.Name] = fi.ID
		if fi.ID >= s.nextFile {
			s.nextFile = fi.ID + 1
		}
	}
	return s, nil
}

// PageSize returns the page size.
func (s *Store) PageSize() int {
	return s.pageSize
}

// Allocator returns the allocator frames are drawn from.
func (s *Store) Allocator() *directmem.Allocator {
	return s.alloc
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// View runs fn against one committed state. No commit is installed while
// fn runs, so fn must not start or wait for an operation commit.
func (s *Store) View(fn func(r Reader) error) error {
	s.latch.RLock()
	defer s.latch.RUnlock()
	return fn(viewReader{s})
}

// ReadPage reads a single committed page.
func (s *Store) ReadPage(id PageID, dst []byte) error {
	s.latch.RLock()
	defer s.latch.RUnlock()
	return s.readPage(id, dst)
}

type viewReader struct{ s *Store }

func (v viewReader) ReadPage(id PageID, dst []byte) error {
	return v.s.readPage(id, dst)
}

func (v viewReader) PageCount(file uint32) (uint32, error) {
	return v.s.PageCount(file)
}

// readPage must be called with the latch held (either side).
func (s *Store) readPage(id PageID, dst []byte) error {
	if len(dst) != s.pageSize {
		return dberr.Errorf(dberr.ErrInvalidArgument, "buffer has %d bytes, page size is %d", len(dst), s.pageSize)
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	f, ok := s.files[id.File]
	if !ok || !f.committed {
		s.mu.Unlock()
		return dberr.Errorf(dberr.ErrPageNotFound, "file %d does not exist", id.File)
	}
	if id.Index >= f.pages {
		s.mu.Unlock()
		return dberr.Errorf(dberr.ErrPageNotFound, "page %s is beyond the end of file (%d pages)", id, f.pages)
	}
	if fr, ok := s.frames.Get(id.Key()); ok {
		fr.pins++
		s.touchLocked(fr)
		s.mu.Unlock()

		copy(dst, fr.ptr.Bytes())

		s.mu.Lock()
		fr.pins--
		s.mu.Unlock()
		s.hits.Add(1)
		return nil
	}
	s.mu.Unlock()
	s.misses.Add(1)

	found, err := s.backend.ReadPage(id.File, id.Index, dst)
	if err != nil {
		return err
	}
	if !found {
		clear(dst)
		return nil
	}
	if err := Verify(dst, id); err != nil {
		s.logger.Error("corrupted page", "page", id.String(), "err", err)
		return err
	}
	s.cache(id, dst, false)
	return nil
}

// cache inserts a committed image. An existing frame is overwritten only when
// overwrite is set, which requires the write side of the latch.
// Allocation failures are not fatal; the page is simply not cached.
func (s *Store) cache(id PageID, data []byte, overwrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if fr, ok := s.frames.Get(id.Key()); ok {
		if overwrite {
			copy(fr.ptr.Bytes(), data)
		}
		s.touchLocked(fr)
		return
	}
	for s.frames.Len() >= s.cacheSize {
		if !s.evictLocked() {
			return
		}
	}
	ptr, err := s.alloc.Allocate(s.pageSize, false, directmem.TracePageCache)
	if err != nil {
		s.logger.Debug("page cache allocation failed", "err", err)
		return
	}
	copy(ptr.Bytes(), data)
	fr := &frame{key: id.Key(), ptr: ptr}
	s.frames.Set(fr.key, fr)
	s.pushFrontLocked(fr)
}

func (s *Store) touchLocked(fr *frame) {
	if s.head == fr {
		return
	}
	s.unlinkLocked(fr)
	s.pushFrontLocked(fr)
}

func (s *Store) pushFrontLocked(fr *frame) {
	fr.prev = nil
	fr.next = s.head
	if s.head != nil {
		s.head.prev = fr
	}
	s.head = fr
	if s.tail == nil {
		s.tail = fr
	}
}

func (s *Store) unlinkLocked(fr *frame) {
	if fr.prev != nil {
		fr.prev.next = fr.next
	} else {
		s.head = fr.next
	}
	if fr.next != nil {
		fr.next.prev = fr.prev
	} else {
		s.tail = fr.prev
	}
	fr.prev, fr.next = nil, nil
}

// evictLocked drops the least recently used unpinned frame.
func (s *Store) evictLocked() bool {
	for fr := s.tail; fr != nil; fr = fr.prev {
		if fr.pins > 0 {
			continue
		}
		s.dropFrameLocked(fr)
		s.evictions.Add(1)
		return true
	}
	return false
}

func (s *Store) dropFrameLocked(fr *frame) {
	s.unlinkLocked(fr)
	s.frames.Delete(fr.key)
	if err := s.alloc.Deallocate(fr.ptr); err != nil {
		s.logger.Error("release page frame", "page", PageIDFromKey(fr.key).String(), "err", err)
	}
}

// FileByName returns the id of a committed file.
func (s *Store) FileByName(name string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[name]
	if !ok || !s.files[id].committed {
		return 0, false
	}
	return id, true
}

// PageCount returns the committed page count of file.
func (s *Store) PageCount(file uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[file]
	if !ok || !f.committed {
		return 0, dberr.Errorf(dberr.ErrPageNotFound, "file %d does not exist", file)
	}
	return f.pages, nil
}

// Files lists committed files.
func (s *Store) Files() []FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileInfo, 0, len(s.files))
	for _, f := range s.files {
		if f.committed {
			out = append(out, FileInfo{ID: f.id, Name: f.name, Pages: f.pages})
		}
	}
	sortFiles(out)
	return out
}

// ReserveFile claims a new file id and name for an in-flight operation.
// The file becomes visible to readers only when the operation commits.
func (s *Store) ReserveFile(name string) (uint32, error) {
	if name == "" {
		return 0, dberr.Errorf(dberr.ErrInvalidArgument, "file name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return 0, err
	}
	if _, exists := s.names[name]; exists {
		return 0, dberr.Errorf(dberr.ErrAlreadyExists, "file %q already exists", name)
	}
	id := s.nextFile
	s.nextFile++
	s.files[id] = &fileState{id: id, name: name}
	s.names[name] = id
	return id, nil
}

// ReleaseFile undoes a ReserveFile that was never committed.
func (s *Store) ReleaseFile(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok || f.committed {
		return
	}
	delete(s.files, id)
	delete(s.names, f.name)
}

// ReservePage hands out the next page index of file.
func (s *Store) ReservePage(file uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[file]
	if !ok {
		return 0, dberr.Errorf(dberr.ErrPageNotFound, "file %d does not exist", file)
	}
	idx := f.next
	f.next++
	return idx, nil
}

// ReleasePage gives back an uncommitted reservation. Only the most recent
// reservation can be returned; earlier ones remain as unused pages.
func (s *Store) ReleasePage(id PageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[id.File]; ok && f.next == id.Index+1 && id.Index >= f.pages {
		f.next--
	}
}

// Install applies a batch to the backend and publishes it to readers.
func (s *Store) Install(b *Batch) error {
	if b.Empty() {
		return nil
	}
	s.latch.Lock()
	defer s.latch.Unlock()

	s.mu.Lock()
	err := s.usableLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.backend.Apply(b); err != nil {
		if dberr.IsFatal(err) {
			s.mu.Lock()
			s.failed = err
			s.mu.Unlock()
			s.logger.Error("backend failed, page store stopped", "op", b.OpID, "err", err)
		}
		return err
	}

	s.mu.Lock()
	for _, c := range b.Creates {
		if f, ok := s.files[c.ID]; ok {
			f.committed = true
		} else {
			s.files[c.ID] = &fileState{id: c.ID, name: c.Name, committed: true}
			s.names[c.Name] = c.ID
		}
	}
	for _, w := range b.Pages {
		if f, ok := s.files[w.File]; ok {
			if w.Index >= f.pages {
				f.pages = w.Index + 1
			}
			if f.next < f.pages {
				f.next = f.pages
			}
		}
	}
	for _, id := range b.Drops {
		if f, ok := s.files[id]; ok {
			delete(s.names, f.name)
			delete(s.files, id)
		}
		s.dropFileFramesLocked(id)
	}
	s.mu.Unlock()

	for _, w := range b.Pages {
		if s.fileLive(w.File) {
			s.cache(PageID{File: w.File, Index: w.Index}, w.Data, true)
		}
	}
	return nil
}

func (s *Store) usableLocked() error {
	if s.closed {
		return dberr.NewError(dberr.ErrClosed)
	}
	return s.failed
}

// Err returns the fatal backend failure that stopped the store, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Store) fileLive(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[id]
	return ok
}

func (s *Store) dropFileFramesLocked(file uint32) {
	var doomed []*frame
	s.frames.ForEach(func(key uint64, fr *frame) {
		if PageIDFromKey(key).File == file {
			doomed = append(doomed, fr)
		}
	})
	for _, fr := range doomed {
		s.dropFrameLocked(fr)
	}
}

// Stats returns cache counters.
func (s *Store) Stats() CacheStats {
	s.mu.Lock()
	n := s.frames.Len()
	s.mu.Unlock()
	return CacheStats{
		Frames:    n,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Close releases every frame and closes the backend.
func (s *Store) Close() error {
	s.latch.Lock()
	defer s.latch.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for s.head != nil {
		s.dropFrameLocked(s.head)
	}
	s.mu.Unlock()
	return s.backend.Close()
}
