// Package mmap provides read-only memory mappings of files and anonymous
// off-heap regions.
package mmap

// Map represents a memory-mapped region.
type Map struct {
	data []byte // Mapped memory region
	size int64  // Mapped size
}

// Data returns the mapped byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the mapped size.
func (m *Map) Size() int64 {
	return m.size
}

// Error represents an mmap error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
	ErrEmptyFile    = &Error{Op: "empty file"}
	ErrUnsupported  = &Error{Op: "not supported on this platform"}
)

// checkRange validates an [offset, offset+length) window of the mapping.
func (m *Map) checkRange(offset, length int64) error {
	if m.data == nil {
		return ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return ErrInvalidRange
	}
	return nil
}
