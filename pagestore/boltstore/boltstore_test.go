package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
	"github.com/Giulio2002/ehdb/pagestore/backendtest"
)

func TestBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, dir string) pagestore.Backend {
		s, err := Open(filepath.Join(dir, "ehdb.bolt"), Options{PageSize: 1024})
		require.NoError(t, err)
		return s
	}, true)
}

func TestPageSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ehdb.bolt")
	s, err := Open(path, Options{PageSize: 1024})
	require.NoError(t, err)
	require.Equal(t, path, s.Path())
	require.NoError(t, s.Close())

	_, err = Open(path, Options{PageSize: 4096})
	require.True(t, dberr.IsInvalidArgument(err))
}

func TestRejectedBatchIsAtomic(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "ehdb.bolt"), Options{PageSize: 1024, NoSync: true})
	require.NoError(t, err)
	defer s.Close()

	err = s.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 1, Name: "a"}},
		Pages: []pagestore.PageWrite{
			{File: 1, Index: 0, Data: backendtest.Page(1024, pagestore.PageID{File: 1}, 1)},
			{File: 1, Index: 1, Data: make([]byte, 10)},
		},
	})
	require.True(t, dberr.IsInvalidArgument(err))

	files, err := s.Files()
	require.NoError(t, err)
	require.Empty(t, files)
}
