//go:build !unix

package filestore

import "os"

// dirLock only holds the lock file open on platforms without flock.
type dirLock struct {
	file *os.File
}

func acquireDirLock(path string) (*dirLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &lockError{"open lock file", err}
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
