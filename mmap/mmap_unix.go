//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFD maps length bytes of fd read-only, starting at offset 0.
func mapFD(fd int, length int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{data: data, size: int64(length)}, nil
}

// NewAnon maps length bytes of private anonymous memory outside the Go heap.
// The memory is zero-filled by the kernel.
func NewAnon(length int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &Error{Op: "mmap anon", Err: err}
	}

	return &Map{data: data, size: int64(length)}, nil
}

// MapFile opens a file and maps all of it read-only.
// Close the map before the returned file.
func MapFile(path string) (*Map, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	size := fi.Size()
	if size == 0 {
		f.Close()
		return nil, nil, ErrEmptyFile
	}

	m, err := mapFD(int(f.Fd()), int(size))
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	return m, f, nil
}

// PageSize returns the OS page size.
func PageSize() int {
	return unix.Getpagesize()
}

// Close releases the memory mapping.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	if err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

// Advise provides hints to the kernel about memory usage patterns.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// AdviseSequential hints that pages will be read once, front to back.
func (m *Map) AdviseSequential() error {
	return m.Advise(unix.MADV_SEQUENTIAL)
}

// DiscardRange hands the physical pages under [offset, offset+length) back to
// the kernel. Anonymous private memory reads back as zeroes afterwards.
// offset and length must be multiples of the OS page size.
func (m *Map) DiscardRange(offset, length int64) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	return unix.Madvise(m.data[offset:offset+length], unix.MADV_DONTNEED)
}
