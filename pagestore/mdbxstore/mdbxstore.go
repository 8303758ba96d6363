// Package mdbxstore is a durable pagestore.Backend on libmdbx through
// github.com/erigontech/mdbx-go.
//
// Two named tables are used: "catalog" maps a big-endian file id to
// [pages u32][name], and "pages" maps [file u32][index u32] to a page image.
// Each batch is one mdbx write transaction.
package mdbxstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/erigontech/mdbx-go/mdbx"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
)

const (
	catalogTable = "catalog"
	pagesTable   = "pages"
	metaTable    = "meta"

	// DefaultMapSize is the default upper bound of the mdbx map.
	DefaultMapSize = 1 << 34
)

var pageSizeKey = []byte("page_size")

// Options configures a Store.
type Options struct {
	PageSize int
	MapSize  int
	NoSync   bool
	Logger   *slog.Logger
}

// Store is a pagestore.Backend over one mdbx environment file.
type Store struct {
	env      *mdbx.Env
	path     string
	pageSize int
	logger   *slog.Logger

	catalog mdbx.DBI
	pages   mdbx.DBI
}

var _ pagestore.Backend = (*Store)(nil)

// Open opens or creates the mdbx file at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.PageSize == 0 {
		opts.PageSize = pagestore.DefaultPageSize
	}
	if !pagestore.ValidPageSize(opts.PageSize) {
		return nil, dberr.Errorf(dberr.ErrInvalidArgument, "unsupported page size %d", opts.PageSize)
	}
	if opts.MapSize <= 0 {
		opts.MapSize = DefaultMapSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	env, err := mdbx.NewEnv(mdbx.Label("ehdb"))
	if err != nil {
		return nil, fmt.Errorf("mdbxstore: new env: %w", err)
	}
	if err := env.SetGeometry(-1, -1, opts.MapSize, -1, -1, 4096); err != nil {
		env.Close()
		return nil, fmt.Errorf("mdbxstore: set geometry: %w", err)
	}
	if err := env.SetOption(mdbx.OptMaxDB, 4); err != nil {
		env.Close()
		return nil, fmt.Errorf("mdbxstore: set max dbs: %w", err)
	}
	flags := uint(mdbx.NoSubdir | mdbx.Create)
	if opts.NoSync {
		flags |= mdbx.SafeNoSync
	}
	if err := env.Open(path, flags, 0644); err != nil {
		env.Close()
		return nil, fmt.Errorf("mdbxstore: open %s: %w", path, err)
	}

	s := &Store{env: env, path: path, pageSize: opts.PageSize, logger: logger}
	if err := s.init(); err != nil {
		env.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.update(func(txn *mdbx.Txn) error {
		var err error
		if s.catalog, err = txn.OpenDBI(catalogTable, mdbx.Create, nil, nil); err != nil {
			return err
		}
		if s.pages, err = txn.OpenDBI(pagesTable, mdbx.Create, nil, nil); err != nil {
			return err
		}
		meta, err := txn.OpenDBI(metaTable, mdbx.Create, nil, nil)
		if err != nil {
			return err
		}
		v, err := txn.Get(meta, pageSizeKey)
		switch {
		case mdbx.IsNotFound(err):
			return txn.Put(meta, pageSizeKey, binary.BigEndian.AppendUint32(nil, uint32(s.pageSize)), 0)
		case err != nil:
			return err
		}
		if got := int(binary.BigEndian.Uint32(v)); got != s.pageSize {
			return dberr.Errorf(dberr.ErrInvalidArgument, "store was created with page size %d, opened with %d", got, s.pageSize)
		}
		return nil
	})
}

// update runs fn in a write transaction on a locked OS thread.
func (s *Store) update(fn func(txn *mdbx.Txn) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := s.env.BeginTxn(nil, 0)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	_, err = txn.Commit()
	return err
}

func (s *Store) view(fn func(txn *mdbx.Txn) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	txn, err := s.env.BeginTxn(nil, mdbx.Readonly)
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

func catalogKey(id uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}

func pageKey(file, index uint32) []byte {
	k := binary.BigEndian.AppendUint32(make([]byte, 0, 8), file)
	return binary.BigEndian.AppendUint32(k, index)
}

func encodeEntry(pages uint32, name string) []byte {
	v := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(name)), pages)
	return append(v, name...)
}

func decodeEntry(id uint32, v []byte) (pagestore.FileInfo, error) {
	if len(v) < 4 {
		return pagestore.FileInfo{}, dberr.Errorf(dberr.ErrCorrupted, "catalog entry %d truncated", id)
	}
	return pagestore.FileInfo{ID: id, Pages: binary.BigEndian.Uint32(v[:4]), Name: string(v[4:])}, nil
}

func (s *Store) PageSize() int {
	return s.pageSize
}

func (s *Store) Files() ([]pagestore.FileInfo, error) {
	var out []pagestore.FileInfo
	err := s.view(func(txn *mdbx.Txn) error {
		cur, err := txn.OpenCursor(s.catalog)
		if err != nil {
			return err
		}
		defer cur.Close()
		for k, v, err := cur.Get(nil, nil, mdbx.First); ; k, v, err = cur.Get(nil, nil, mdbx.Next) {
			if mdbx.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			fi, err := decodeEntry(binary.BigEndian.Uint32(k), v)
			if err != nil {
				return err
			}
			out = append(out, fi)
		}
	})
	return out, err
}

func (s *Store) ReadPage(file, index uint32, dst []byte) (bool, error) {
	found := false
	err := s.view(func(txn *mdbx.Txn) error {
		if _, err := txn.Get(s.catalog, catalogKey(file)); err != nil {
			if mdbx.IsNotFound(err) {
				return dberr.Errorf(dberr.ErrPageNotFound, "file %d does not exist", file)
			}
			return err
		}
		v, err := txn.Get(s.pages, pageKey(file, index))
		if mdbx.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(v) != s.pageSize {
			return dberr.Errorf(dberr.ErrCorrupted, "page %d:%d has %d bytes", file, index, len(v))
		}
		// v points into the map and is only valid inside the transaction.
		copy(dst, v)
		found = true
		return nil
	})
	return found, err
}

func (s *Store) Apply(b *pagestore.Batch) error {
	return s.update(func(txn *mdbx.Txn) error {
		counts := make(map[uint32]pagestore.FileInfo)
		lookup := func(id uint32) (pagestore.FileInfo, bool, error) {
			if fi, ok := counts[id]; ok {
				return fi, true, nil
			}
			v, err := txn.Get(s.catalog, catalogKey(id))
			if mdbx.IsNotFound(err) {
				return pagestore.FileInfo{}, false, nil
			}
			if err != nil {
				return pagestore.FileInfo{}, false, err
			}
			fi, err := decodeEntry(id, v)
			return fi, err == nil, err
		}

		for _, c := range b.Creates {
			_, exists, err := lookup(c.ID)
			if err != nil {
				return err
			}
			if exists {
				return dberr.Errorf(dberr.ErrAlreadyExists, "file %d already exists", c.ID)
			}
			counts[c.ID] = pagestore.FileInfo{ID: c.ID, Name: c.Name}
		}
		for _, w := range b.Pages {
			if len(w.Data) != s.pageSize {
				return dberr.Errorf(dberr.ErrInvalidArgument, "page %d:%d has %d bytes, want %d", w.File, w.Index, len(w.Data), s.pageSize)
			}
			fi, exists, err := lookup(w.File)
			if err != nil {
				return err
			}
			if !exists {
				return dberr.Errorf(dberr.ErrPageNotFound, "write to missing file %d", w.File)
			}
			if err := txn.Put(s.pages, pageKey(w.File, w.Index), w.Data, 0); err != nil {
				return err
			}
			if w.Index >= fi.Pages {
				fi.Pages = w.Index + 1
			}
			counts[w.File] = fi
		}
		for id, fi := range counts {
			if err := txn.Put(s.catalog, catalogKey(id), encodeEntry(fi.Pages, fi.Name), 0); err != nil {
				return err
			}
		}
		for _, id := range b.Drops {
			fi, exists, err := lookup(id)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			for i := uint32(0); i < fi.Pages; i++ {
				if err := txn.Del(s.pages, pageKey(id, i), nil); err != nil && !mdbx.IsNotFound(err) {
					return err
				}
			}
			if err := txn.Del(s.catalog, catalogKey(id), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Path returns the mdbx file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.env.Close()
	return nil
}
