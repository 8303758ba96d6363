package pagestore

import "sort"

// FileInfo describes one durable file.
type FileInfo struct {
	ID    uint32
	Name  string
	Pages uint32 // One past the highest page index ever written
}

// PageWrite is a full page image to persist.
type PageWrite struct {
	File  uint32
	Index uint32
	Data  []byte
}

// Batch is everything one atomic operation commits.
// A backend applies creates first, then pages, then drops.
type Batch struct {
	OpID    uint64
	Creates []FileInfo
	Pages   []PageWrite
	Drops   []uint32
}

// Empty reports whether the batch changes nothing.
func (b *Batch) Empty() bool {
	return len(b.Creates) == 0 && len(b.Pages) == 0 && len(b.Drops) == 0
}

// Backend persists pages. Apply must be atomic: after a crash either the
// whole batch is visible or none of it is. Once Apply returns nil the batch
// is durable (subject to the backend's sync mode).
type Backend interface {
	// PageSize returns the fixed page size.
	PageSize() int

	// Files lists the existing files.
	Files() ([]FileInfo, error)

	// ReadPage copies a page into dst. It reports false for a page that
	// was never written, leaving dst untouched.
	ReadPage(file, index uint32, dst []byte) (bool, error)

	// Apply persists a batch.
	Apply(b *Batch) error

	// Close releases backend resources.
	Close() error
}

func sortFiles(files []FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
}
