package pagestore

import (
	"sync"

	"github.com/Giulio2002/ehdb/dberr"
)

type memFile struct {
	name  string
	pages map[uint32][]byte
	count uint32
}

// MemoryBackend keeps pages on the Go heap. Nothing survives Close.
type MemoryBackend struct {
	mu       sync.RWMutex
	pageSize int
	files    map[uint32]*memFile
	closed   bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(pageSize int) *MemoryBackend {
	return &MemoryBackend{pageSize: pageSize, files: make(map[uint32]*memFile)}
}

func (m *MemoryBackend) PageSize() int {
	return m.pageSize
}

func (m *MemoryBackend) Files() ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, dberr.NewError(dberr.ErrClosed)
	}
	out := make([]FileInfo, 0, len(m.files))
	for id, f := range m.files {
		out = append(out, FileInfo{ID: id, Name: f.name, Pages: f.count})
	}
	sortFiles(out)
	return out, nil
}

func (m *MemoryBackend) ReadPage(file, index uint32, dst []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, dberr.NewError(dberr.ErrClosed)
	}
	f, ok := m.files[file]
	if !ok {
		return false, dberr.Errorf(dberr.ErrPageNotFound, "file %d does not exist", file)
	}
	p, ok := f.pages[index]
	if !ok {
		return false, nil
	}
	copy(dst, p)
	return true, nil
}

func (m *MemoryBackend) Apply(b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return dberr.NewError(dberr.ErrClosed)
	}

	// Validate before mutating so a rejected batch leaves no trace.
	created := make(map[uint32]bool, len(b.Creates))
	for _, c := range b.Creates {
		if _, exists := m.files[c.ID]; exists {
			return dberr.Errorf(dberr.ErrAlreadyExists, "file %d already exists", c.ID)
		}
		created[c.ID] = true
	}
	for _, w := range b.Pages {
		if _, ok := m.files[w.File]; !ok && !created[w.File] {
			return dberr.Errorf(dberr.ErrPageNotFound, "write to missing file %d", w.File)
		}
		if len(w.Data) != m.pageSize {
			return dberr.Errorf(dberr.ErrInvalidArgument, "page %d:%d has %d bytes, want %d", w.File, w.Index, len(w.Data), m.pageSize)
		}
	}

	for _, c := range b.Creates {
		m.files[c.ID] = &memFile{name: c.Name, pages: make(map[uint32][]byte)}
	}
	for _, w := range b.Pages {
		f := m.files[w.File]
		p, ok := f.pages[w.Index]
		if !ok {
			p = make([]byte, m.pageSize)
			f.pages[w.Index] = p
		}
		copy(p, w.Data)
		if w.Index >= f.count {
			f.count = w.Index + 1
		}
	}
	for _, id := range b.Drops {
		delete(m.files, id)
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.files = nil
	return nil
}
