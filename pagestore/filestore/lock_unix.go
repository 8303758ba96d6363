//go:build unix

package filestore

import (
	"errors"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// dirLock is an exclusive advisory lock on the storage directory. It keeps
// two processes from replaying and appending to the same WAL.
type dirLock struct {
	file *os.File
}

func acquireDirLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &lockError{"open lock file", err}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, &lockError{"acquire directory lock", err}
	}

	// Owner pid is informational only.
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	if err != nil {
		return &lockError{"release directory lock", err}
	}
	return nil
}
