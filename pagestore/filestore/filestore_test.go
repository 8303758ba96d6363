package filestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
	"github.com/Giulio2002/ehdb/pagestore/backendtest"
	"github.com/Giulio2002/ehdb/wal"
)

const testPageSize = 1024

func openTest(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = testPageSize
	}
	s, err := Open(dir, opts)
	require.NoError(t, err)
	return s
}

// crash drops the store without a checkpoint, as if the process died.
func crash(s *Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeFiles()
	s.lock.release()
	s.lock = nil
}

func testPage(file, index uint32, fill byte) []byte {
	p := make([]byte, testPageSize)
	id := pagestore.PageID{File: file, Index: index}
	pagestore.InitPage(p, id, pagestore.RoleBucket)
	copy(pagestore.Body(p), bytes.Repeat([]byte{fill}, 64))
	pagestore.Stamp(p, 1)
	return p
}

func readPage(t *testing.T, s *Store, file, index uint32) ([]byte, bool) {
	t.Helper()
	dst := make([]byte, testPageSize)
	found, err := s.ReadPage(file, index, dst)
	require.NoError(t, err)
	return dst, found
}

func TestApplyAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{})

	require.NoError(t, s.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 1, Name: "users.eht"}},
		Pages: []pagestore.PageWrite{
			{File: 1, Index: 0, Data: testPage(1, 0, 0xA1)},
			{File: 1, Index: 2, Data: testPage(1, 2, 0xA2)},
		},
	}))

	got, found := readPage(t, s, 1, 2)
	require.True(t, found)
	require.Equal(t, testPage(1, 2, 0xA2), got)

	_, found = readPage(t, s, 1, 1)
	require.False(t, found, "hole between written pages")
	require.NoError(t, s.Close())

	s = openTest(t, dir, Options{})
	defer s.Close()
	files, err := s.Files()
	require.NoError(t, err)
	require.Equal(t, []pagestore.FileInfo{{ID: 1, Name: "users.eht", Pages: 3}}, files)

	got, found = readPage(t, s, 1, 0)
	require.True(t, found)
	require.Equal(t, testPage(1, 0, 0xA1), got)
	require.EqualValues(t, walHeaderBytes, s.Stats().WALBytes)
}

const walHeaderBytes = 6

func TestRecoveryRedoesWAL(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{})
	require.NoError(t, s.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 4, Name: "idx"}},
		Pages:   []pagestore.PageWrite{{File: 4, Index: 0, Data: testPage(4, 0, 1)}},
	}))
	require.NoError(t, s.Apply(&pagestore.Batch{
		OpID:  2,
		Pages: []pagestore.PageWrite{{File: 4, Index: 1, Data: testPage(4, 1, 2)}},
	}))
	crash(s)

	// Lose every data file write; only the WAL survives.
	require.NoError(t, os.Truncate(filepath.Join(dir, DataFileName(4)), 0))

	s = openTest(t, dir, Options{})
	defer s.Close()
	st := s.Stats()
	require.Equal(t, 2, st.ReplayedOps)
	require.Equal(t, 2, st.ReplayedPages)

	got, found := readPage(t, s, 4, 1)
	require.True(t, found)
	require.Equal(t, testPage(4, 1, 2), got)
	got, found = readPage(t, s, 4, 0)
	require.True(t, found)
	require.Equal(t, testPage(4, 0, 1), got)
}

func TestCheckpointThreshold(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{CheckpointBytes: 2 * testPageSize})
	defer s.Close()
	before := s.Stats().Checkpoints

	require.NoError(t, s.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 1, Name: "a"}},
		Pages: []pagestore.PageWrite{
			{File: 1, Index: 0, Data: testPage(1, 0, 1)},
			{File: 1, Index: 1, Data: testPage(1, 1, 1)},
			{File: 1, Index: 2, Data: testPage(1, 2, 1)},
		},
	}))
	st := s.Stats()
	require.Equal(t, before+1, st.Checkpoints)
	require.EqualValues(t, walHeaderBytes, st.WALBytes)
}

func TestDropFileRemovedAtCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{})
	require.NoError(t, s.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 2, Name: "tmp"}},
		Pages:   []pagestore.PageWrite{{File: 2, Index: 0, Data: testPage(2, 0, 1)}},
	}))
	require.NoError(t, s.Apply(&pagestore.Batch{OpID: 2, Drops: []uint32{2}}))

	_, err := s.ReadPage(2, 0, make([]byte, testPageSize))
	require.Equal(t, dberr.ErrPageNotFound, dberr.Code(err))

	require.NoError(t, s.Checkpoint())
	_, err = os.Stat(filepath.Join(dir, DataFileName(2)))
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, s.Close())

	s = openTest(t, dir, Options{})
	defer s.Close()
	files, err := s.Files()
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestRejectedBatchLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{})
	defer s.Close()
	walBefore := s.Stats().WALBytes

	err := s.Apply(&pagestore.Batch{
		OpID:  1,
		Pages: []pagestore.PageWrite{{File: 9, Index: 0, Data: testPage(9, 0, 1)}},
	})
	require.Equal(t, dberr.ErrPageNotFound, dberr.Code(err))
	require.Equal(t, walBefore, s.Stats().WALBytes)
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{})
	_, err := Open(dir, Options{PageSize: testPageSize})
	require.ErrorIs(t, err, ErrLocked)
	require.NoError(t, s.Close())

	s = openTest(t, dir, Options{})
	require.NoError(t, s.Close())
}

func TestPageSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{})
	require.NoError(t, s.Close())

	_, err := Open(dir, Options{PageSize: 2 * testPageSize})
	require.True(t, dberr.IsInvalidArgument(err))

	_, err = Open(t.TempDir(), Options{PageSize: 1000})
	require.True(t, dberr.IsInvalidArgument(err))
}

func TestCatalogChecksum(t *testing.T) {
	c := &catalog{pageSize: 4096, files: []pagestore.FileInfo{{ID: 3, Name: "x", Pages: 7}}}
	raw := encodeCatalog(c)
	got, err := decodeCatalog(raw)
	require.NoError(t, err)
	require.Equal(t, c, got)

	raw[len(raw)/2] ^= 0xFF
	_, err = decodeCatalog(raw)
	require.Error(t, err)
}

func TestImplementsBackend(t *testing.T) {
	dir := t.TempDir()
	fs := openTest(t, dir, Options{})
	require.Implements(t, (*pagestore.Backend)(nil), fs)
	require.Equal(t, testPageSize, fs.PageSize())
	require.Equal(t, dir, fs.Dir())
	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())
}

func TestBackendSuite(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, dir string) pagestore.Backend {
		return openTest(t, dir, Options{})
	}, true)
}

func TestCheckpointFailureKeepsApplySuccessful(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{CheckpointBytes: 2 * testPageSize})
	before := s.Stats().Checkpoints

	errSync := errors.New("sync refused")
	s.syncFile = func(*os.File) error { return errSync }
	require.NoError(t, s.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 1, Name: "a"}},
		Pages: []pagestore.PageWrite{
			{File: 1, Index: 0, Data: testPage(1, 0, 1)},
			{File: 1, Index: 1, Data: testPage(1, 1, 1)},
			{File: 1, Index: 2, Data: testPage(1, 2, 1)},
		},
	}))
	st := s.Stats()
	require.Equal(t, before, st.Checkpoints)
	require.Greater(t, st.WALBytes, int64(2*testPageSize))
	got, found := readPage(t, s, 1, 2)
	require.True(t, found)
	require.Equal(t, testPage(1, 2, 1), got)

	// The next batch retries the checkpoint.
	s.syncFile = wal.SyncFile
	require.NoError(t, s.Apply(&pagestore.Batch{
		OpID:  2,
		Pages: []pagestore.PageWrite{{File: 1, Index: 3, Data: testPage(1, 3, 2)}},
	}))
	st = s.Stats()
	require.Equal(t, before+1, st.Checkpoints)
	require.EqualValues(t, walHeaderBytes, st.WALBytes)
	require.NoError(t, s.Close())
}

func TestDataFileFailureStopsStore(t *testing.T) {
	dir := t.TempDir()
	s := openTest(t, dir, Options{})

	errDisk := errors.New("no space left")
	s.writeAt = func(*os.File, []byte, int64) (int, error) { return 0, errDisk }
	err := s.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 1, Name: "a"}},
		Pages:   []pagestore.PageWrite{{File: 1, Index: 0, Data: testPage(1, 0, 7)}},
	})
	require.ErrorIs(t, err, errDisk)
	require.Equal(t, dberr.ErrStoreFailed, dberr.Code(err))
	require.True(t, dberr.IsFatal(err))

	_, err = s.ReadPage(1, 0, make([]byte, testPageSize))
	require.True(t, dberr.IsFatal(err))
	err = s.Apply(&pagestore.Batch{OpID: 2, Creates: []pagestore.FileInfo{{ID: 2, Name: "b"}}})
	require.True(t, dberr.IsFatal(err))
	require.True(t, dberr.IsFatal(s.Checkpoint()))
	require.NoError(t, s.Close())

	// The logged batch is redone on open.
	s = openTest(t, dir, Options{})
	defer s.Close()
	got, found := readPage(t, s, 1, 0)
	require.True(t, found)
	require.Equal(t, testPage(1, 0, 7), got)
	files, err := s.Files()
	require.NoError(t, err)
	require.Equal(t, []pagestore.FileInfo{{ID: 1, Name: "a", Pages: 1}}, files)
}
