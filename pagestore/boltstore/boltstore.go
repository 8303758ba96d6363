// Package boltstore is a durable pagestore.Backend on go.etcd.io/bbolt.
//
// Every logical file is a nested bucket under "files" keyed by its id; page
// images are values keyed by the big-endian page index. File names live in
// the "names" bucket under the same id. A batch is one bolt
// read-write transaction, which gives Apply its atomicity and durability.
package boltstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
)

var (
	metaBucket  = []byte("meta")
	filesBucket = []byte("files")
	namesBucket = []byte("names")

	pageSizeKey = []byte("page_size")
)

// Options configures a Store.
type Options struct {
	PageSize int
	NoSync   bool
	Timeout  time.Duration // how long to wait for the bolt file lock
	Logger   *slog.Logger
}

// Store is a pagestore.Backend over one bolt file.
type Store struct {
	db       *bolt.DB
	pageSize int
	logger   *slog.Logger
}

var _ pagestore.Backend = (*Store)(nil)

// Open opens or creates the bolt file at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.PageSize == 0 {
		opts.PageSize = pagestore.DefaultPageSize
	}
	if !pagestore.ValidPageSize(opts.PageSize) {
		return nil, dberr.Errorf(dberr.ErrInvalidArgument, "unsupported page size %d", opts.PageSize)
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := bolt.Open(path, 0644, &bolt.Options{
		Timeout:        opts.Timeout,
		NoSync:         opts.NoSync,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	s := &Store{db: db, pageSize: opts.PageSize, logger: logger}
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(filesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(namesBucket); err != nil {
			return err
		}
		if v := meta.Get(pageSizeKey); v != nil {
			if got := int(binary.BigEndian.Uint32(v)); got != opts.PageSize {
				return dberr.Errorf(dberr.ErrInvalidArgument, "store was created with page size %d, opened with %d", got, opts.PageSize)
			}
			return nil
		}
		return meta.Put(pageSizeKey, binary.BigEndian.AppendUint32(nil, uint32(opts.PageSize)))
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func fileKey(id uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}

func pageKey(index uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, index)
}

func (s *Store) PageSize() int {
	return s.pageSize
}

func (s *Store) Files() ([]pagestore.FileInfo, error) {
	var out []pagestore.FileInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		files, names := tx.Bucket(filesBucket), tx.Bucket(namesBucket)
		return files.ForEachBucket(func(k []byte) error {
			b := files.Bucket(k)
			fi := pagestore.FileInfo{ID: binary.BigEndian.Uint32(k), Name: string(names.Get(k))}
			if last, _ := b.Cursor().Last(); len(last) == 4 {
				fi.Pages = binary.BigEndian.Uint32(last) + 1
			}
			out = append(out, fi)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReadPage(file, index uint32, dst []byte) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket).Bucket(fileKey(file))
		if b == nil {
			return dberr.Errorf(dberr.ErrPageNotFound, "file %d does not exist", file)
		}
		v := b.Get(pageKey(index))
		if v == nil {
			return nil
		}
		if len(v) != s.pageSize {
			return dberr.Errorf(dberr.ErrCorrupted, "page %d:%d has %d bytes", file, index, len(v))
		}
		copy(dst, v)
		found = true
		return nil
	})
	return found, err
}

func (s *Store) Apply(batch *pagestore.Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files, names := tx.Bucket(filesBucket), tx.Bucket(namesBucket)
		for _, c := range batch.Creates {
			if _, err := files.CreateBucket(fileKey(c.ID)); err != nil {
				if errors.Is(err, bolt.ErrBucketExists) {
					return dberr.Errorf(dberr.ErrAlreadyExists, "file %d already exists", c.ID)
				}
				return err
			}
			if err := names.Put(fileKey(c.ID), []byte(c.Name)); err != nil {
				return err
			}
		}
		for _, w := range batch.Pages {
			if len(w.Data) != s.pageSize {
				return dberr.Errorf(dberr.ErrInvalidArgument, "page %d:%d has %d bytes, want %d", w.File, w.Index, len(w.Data), s.pageSize)
			}
			b := files.Bucket(fileKey(w.File))
			if b == nil {
				return dberr.Errorf(dberr.ErrPageNotFound, "write to missing file %d", w.File)
			}
			// bolt keeps a reference to the value until commit.
			if err := b.Put(pageKey(w.Index), append([]byte(nil), w.Data...)); err != nil {
				return err
			}
		}
		for _, id := range batch.Drops {
			if err := files.DeleteBucket(fileKey(id)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if err := names.Delete(fileKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Path returns the bolt file path.
func (s *Store) Path() string {
	return s.db.Path()
}

func (s *Store) Close() error {
	return s.db.Close()
}
