// Package backendtest is a conformance suite every pagestore.Backend runs.
package backendtest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
)

// Opener opens the backend stored in dir. Durable backends must return the
// same contents when dir is opened again after Close.
type Opener func(t *testing.T, dir string) pagestore.Backend

// Page builds a sealed page for id filled with fill.
func Page(pageSize int, id pagestore.PageID, fill byte) []byte {
	p := make([]byte, pageSize)
	pagestore.InitPage(p, id, pagestore.RoleBucket)
	copy(pagestore.Body(p), bytes.Repeat([]byte{fill}, 32))
	pagestore.Stamp(p, 1)
	return p
}

// Run executes the suite. durable selects the reopen checks.
func Run(t *testing.T, open Opener, durable bool) {
	t.Run("WriteRead", func(t *testing.T) { testWriteRead(t, open) })
	t.Run("Holes", func(t *testing.T) { testHoles(t, open) })
	t.Run("RejectMissingFile", func(t *testing.T) { testRejectMissingFile(t, open) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, open) })
	t.Run("Drop", func(t *testing.T) { testDrop(t, open) })
	if durable {
		t.Run("Reopen", func(t *testing.T) { testReopen(t, open) })
	}
}

func read(t *testing.T, b pagestore.Backend, file, index uint32) ([]byte, bool) {
	t.Helper()
	dst := make([]byte, b.PageSize())
	found, err := b.ReadPage(file, index, dst)
	require.NoError(t, err)
	return dst, found
}

func testWriteRead(t *testing.T, open Opener) {
	b := open(t, t.TempDir())
	defer b.Close()
	ps := b.PageSize()

	p0 := Page(ps, pagestore.PageID{File: 1, Index: 0}, 0x10)
	require.NoError(t, b.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 1, Name: "alpha"}},
		Pages:   []pagestore.PageWrite{{File: 1, Index: 0, Data: p0}},
	}))

	got, found := read(t, b, 1, 0)
	require.True(t, found)
	require.Equal(t, p0, got)

	p0b := Page(ps, pagestore.PageID{File: 1, Index: 0}, 0x20)
	require.NoError(t, b.Apply(&pagestore.Batch{
		OpID:  2,
		Pages: []pagestore.PageWrite{{File: 1, Index: 0, Data: p0b}},
	}))
	got, _ = read(t, b, 1, 0)
	require.Equal(t, p0b, got)

	files, err := b.Files()
	require.NoError(t, err)
	require.Equal(t, []pagestore.FileInfo{{ID: 1, Name: "alpha", Pages: 1}}, files)
}

func testHoles(t *testing.T, open Opener) {
	b := open(t, t.TempDir())
	defer b.Close()
	ps := b.PageSize()

	require.NoError(t, b.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 3, Name: "sparse"}},
		Pages:   []pagestore.PageWrite{{File: 3, Index: 4, Data: Page(ps, pagestore.PageID{File: 3, Index: 4}, 1)}},
	}))
	_, found := read(t, b, 3, 2)
	require.False(t, found)
	_, found = read(t, b, 3, 4)
	require.True(t, found)

	files, err := b.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.EqualValues(t, 5, files[0].Pages)
}

func testRejectMissingFile(t *testing.T, open Opener) {
	b := open(t, t.TempDir())
	defer b.Close()

	err := b.Apply(&pagestore.Batch{
		OpID:  1,
		Pages: []pagestore.PageWrite{{File: 42, Index: 0, Data: Page(b.PageSize(), pagestore.PageID{File: 42}, 1)}},
	})
	require.Equal(t, dberr.ErrPageNotFound, dberr.Code(err))

	_, err = b.ReadPage(42, 0, make([]byte, b.PageSize()))
	require.Equal(t, dberr.ErrPageNotFound, dberr.Code(err))
}

func testDuplicateCreate(t *testing.T, open Opener) {
	b := open(t, t.TempDir())
	defer b.Close()

	require.NoError(t, b.Apply(&pagestore.Batch{OpID: 1, Creates: []pagestore.FileInfo{{ID: 1, Name: "a"}}}))
	err := b.Apply(&pagestore.Batch{OpID: 2, Creates: []pagestore.FileInfo{{ID: 1, Name: "b"}}})
	require.Equal(t, dberr.ErrAlreadyExists, dberr.Code(err))
}

func testDrop(t *testing.T, open Opener) {
	b := open(t, t.TempDir())
	defer b.Close()
	ps := b.PageSize()

	require.NoError(t, b.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 1, Name: "keep"}, {ID: 2, Name: "drop"}},
		Pages: []pagestore.PageWrite{
			{File: 1, Index: 0, Data: Page(ps, pagestore.PageID{File: 1}, 1)},
			{File: 2, Index: 0, Data: Page(ps, pagestore.PageID{File: 2}, 2)},
		},
	}))
	require.NoError(t, b.Apply(&pagestore.Batch{OpID: 2, Drops: []uint32{2}}))

	files, err := b.Files()
	require.NoError(t, err)
	require.Equal(t, []pagestore.FileInfo{{ID: 1, Name: "keep", Pages: 1}}, files)

	_, err = b.ReadPage(2, 0, make([]byte, ps))
	require.Equal(t, dberr.ErrPageNotFound, dberr.Code(err))
}

func testReopen(t *testing.T, open Opener) {
	dir := t.TempDir()
	b := open(t, dir)
	ps := b.PageSize()
	want := Page(ps, pagestore.PageID{File: 7, Index: 1}, 0x77)
	require.NoError(t, b.Apply(&pagestore.Batch{
		OpID:    1,
		Creates: []pagestore.FileInfo{{ID: 7, Name: "durable"}},
		Pages:   []pagestore.PageWrite{{File: 7, Index: 1, Data: want}},
	}))
	require.NoError(t, b.Close())

	b = open(t, dir)
	defer b.Close()
	files, err := b.Files()
	require.NoError(t, err)
	require.Equal(t, []pagestore.FileInfo{{ID: 7, Name: "durable", Pages: 2}}, files)
	got, found := read(t, b, 7, 1)
	require.True(t, found)
	require.Equal(t, want, got)
}
