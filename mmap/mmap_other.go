//go:build !unix

package mmap

import "os"

// fallbackPageSize is used where the OS page size cannot be queried.
const fallbackPageSize = 4096

// NewAnon falls back to a heap slice where anonymous mappings are unavailable.
func NewAnon(length int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}
	return &Map{data: make([]byte, length), size: int64(length)}, nil
}

// MapFile is not supported off unix.
func MapFile(path string) (*Map, *os.File, error) {
	return nil, nil, ErrUnsupported
}

// PageSize returns the assumed OS page size.
func PageSize() int {
	return fallbackPageSize
}

func (m *Map) AdviseSequential() error { return ErrUnsupported }

// Close drops the reference to the backing slice.
func (m *Map) Close() error {
	m.data = nil
	m.size = 0
	return nil
}

// DiscardRange zeroes the range in place.
func (m *Map) DiscardRange(offset, length int64) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	clear(m.data[offset : offset+length])
	return nil
}
