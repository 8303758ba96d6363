// Package wal implements the write-ahead log used by the file backend.
//
// A log is a header followed by framed records. Records written by one
// atomic operation form a group that ends with an OpCommit marker; a group
// without its marker is discarded on recovery, so a batch becomes durable
// exactly when its commit record reaches stable storage.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// SyncMode controls whether Sync reaches stable storage.
type SyncMode int

const (
	// SyncFull fdatasyncs the log on every Sync.
	SyncFull SyncMode = iota
	// SyncNone leaves flushing to the OS. Committed groups may be lost on
	// power failure but never torn.
	SyncNone
)

func (m SyncMode) String() string {
	if m == SyncNone {
		return "none"
	}
	return "full"
}

// Options configures a Log.
type Options struct {
	Sync   SyncMode
	Logger *slog.Logger
}

// Log is an append-only write-ahead log file. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	size   int64
	sync   SyncMode
	logger *slog.Logger
	buf    []byte
}

// Open opens or creates the log at path. An existing log is scanned and any
// bytes after the last committed group are truncated away.
func Open(path string, opts Options) (*Log, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	l := &Log{file: f, path: path, sync: opts.Sync, logger: logger}

	if info.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return l, nil
	}

	if err := checkHeader(f); err != nil {
		f.Close()
		return nil, err
	}
	_, stats, err := scan(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if stats.DiscardedBytes > 0 {
		logger.Warn("truncating uncommitted wal tail",
			"path", path, "bytes", stats.DiscardedBytes, "records", stats.DiscardedRecords)
		if err := f.Truncate(stats.ValidSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: truncate tail: %w", err)
		}
		if err := fdatasync(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	l.size = stats.ValidSize
	return l, nil
}

func (l *Log) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[:4], walMagic)
	binary.LittleEndian.PutUint16(hdr[4:], walCurrentVersion)
	if _, err := l.file.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	l.size = walHeaderSize
	return fdatasync(l.file)
}

func checkHeader(r io.ReaderAt) error {
	var hdr [walHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if string(hdr[:4]) != walMagic {
		return fmt.Errorf("wal: bad magic %q", hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != walCurrentVersion {
		return fmt.Errorf("wal: version %d is not supported (want %d)", v, walCurrentVersion)
	}
	return nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes records to the log without syncing.
func (l *Log) Append(records ...Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(records)
}

func (l *Log) appendLocked(records []Record) error {
	if l.file == nil {
		return os.ErrClosed
	}
	buf := l.buf[:0]
	var err error
	for i := range records {
		if buf, err = appendRecord(buf, &records[i]); err != nil {
			return err
		}
	}
	if _, err := l.file.WriteAt(buf, l.size); err != nil {
		return err
	}
	l.size += int64(len(buf))
	if cap(buf) <= 1<<20 {
		l.buf = buf
	}
	return nil
}

// Commit appends the group of records followed by its commit marker and
// syncs. When Commit returns nil the group survives a crash.
func (l *Log) Commit(opID uint64, records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	group := make([]Record, 0, len(records)+1)
	group = append(group, records...)
	group = append(group, commitRecord(opID, len(records)))
	if err := l.appendLocked(group); err != nil {
		return err
	}
	return l.syncLocked()
}

// Sync flushes the log to stable storage (no-op with SyncNone).
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.file == nil {
		return os.ErrClosed
	}
	if l.sync == SyncNone {
		return nil
	}
	return fdatasync(l.file)
}

// Size returns the current log size in bytes, header included.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Reset truncates the log back to its header. Call only after every
// committed group has been applied durably elsewhere.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if err := l.file.Truncate(walHeaderSize); err != nil {
		return err
	}
	l.size = walHeaderSize
	return fdatasync(l.file)
}

// Close syncs and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.syncLocked()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// SyncFile flushes a file's data to stable storage using the strongest
// primitive available on the platform.
func SyncFile(f *os.File) error {
	return fdatasync(f)
}
