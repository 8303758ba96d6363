package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Group is the set of records one operation committed, in log order.
// The commit marker itself is not included.
type Group struct {
	OpID    uint64
	Records []Record
}

// RecoveryStats describes what a scan found.
type RecoveryStats struct {
	Groups           int   // Committed groups
	Records          int   // Records inside committed groups
	ValidSize        int64 // Offset just past the last commit marker
	DiscardedRecords int   // Intact records after the last commit marker
	DiscardedBytes   int64 // Bytes after ValidSize (uncommitted or torn)
	Torn             bool  // Scan stopped at a short or corrupt record
}

// Recover reads the log at path and returns every committed group in order.
// A missing file yields no groups.
func Recover(path string) ([]Group, RecoveryStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, RecoveryStats{}, nil
		}
		return nil, RecoveryStats{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, RecoveryStats{}, err
	}
	if info.Size() == 0 {
		return nil, RecoveryStats{}, nil
	}
	if err := checkHeader(f); err != nil {
		return nil, RecoveryStats{}, err
	}
	return scan(f, info.Size())
}

// scan walks the records after the header. It never fails on a torn or
// corrupt record: that is where the log ends.
func scan(r io.ReaderAt, size int64) ([]Group, RecoveryStats, error) {
	var (
		groups  []Group
		pending []Record
		stats   = RecoveryStats{ValidSize: walHeaderSize}
		off     = int64(walHeaderSize)
		lenBuf  [4]byte
	)

	for off < size {
		if size-off < frameOverhead {
			stats.Torn = true
			break
		}
		if _, err := r.ReadAt(lenBuf[:], off); err != nil {
			return nil, stats, fmt.Errorf("wal: read record length at %d: %w", off, err)
		}
		total := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if total < frameOverhead || total > maxRecordSize || off+total > size {
			stats.Torn = true
			break
		}

		rest := make([]byte, total-4)
		if _, err := r.ReadAt(rest, off+4); err != nil {
			return nil, stats, fmt.Errorf("wal: read record at %d: %w", off, err)
		}
		body := rest[:len(rest)-4]
		if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(rest[len(rest)-4:]) {
			stats.Torn = true
			break
		}
		rec, err := decodeBody(body)
		if err != nil {
			stats.Torn = true
			break
		}
		off += total

		if rec.Op != OpCommit {
			pending = append(pending, rec)
			continue
		}

		// A marker that does not match its group means the log was
		// interleaved or damaged; nothing after it is trustworthy.
		if int(rec.Count) != len(pending) || !sameOp(pending, rec.OpID) {
			stats.Torn = true
			break
		}
		groups = append(groups, Group{OpID: rec.OpID, Records: pending})
		stats.Groups++
		stats.Records += len(pending)
		stats.ValidSize = off
		pending = nil
	}

	stats.DiscardedRecords = len(pending)
	stats.DiscardedBytes = size - stats.ValidSize
	return groups, stats, nil
}

func sameOp(records []Record, opID uint64) bool {
	for i := range records {
		if records[i].OpID != opID {
			return false
		}
	}
	return true
}
