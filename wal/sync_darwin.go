//go:build darwin

package wal

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync uses F_FULLFSYNC; plain fsync on macOS does not flush the drive cache.
func fdatasync(f *os.File) error {
	if _, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0); err != nil {
		return unix.Fsync(int(f.Fd()))
	}
	return nil
}
