package ehdb

import (
	"cmp"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/hashtable"
	"github.com/Giulio2002/ehdb/wal"
)

func tableConfig() hashtable.Config[int32, string] {
	return hashtable.Config[int32, string]{
		KeySerializer:    hashtable.Int32Serializer{},
		ValueSerializer:  hashtable.StringSerializer{},
		Hash:             hashtable.Int32OrderHash,
		Compare:          cmp.Compare[int32],
		OrderPreserving:  true,
		NullKeySupported: true,
	}
}

func openDB(t *testing.T, dir string, backend Backend) *DB {
	t.Helper()
	opts := DefaultOptions()
	opts.Backend = backend
	opts.Sync = wal.SyncNone
	require.NoError(t, opts.SetPageSize(1024))
	require.NoError(t, opts.SetCacheSize(64))
	db, err := Open(dir, opts)
	require.NoError(t, err)
	return db
}

func TestReopenKeepsCommittedData(t *testing.T) {
	for _, backend := range []Backend{BackendFile, BackendBolt, BackendMDBX} {
		t.Run(string(backend), func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			db := openDB(t, dir, backend)
			tbl := hashtable.New[int32, string]("users", db.Operations())
			require.NoError(t, db.Update(ctx, func(op *atomicop.Operation) error {
				if err := tbl.Create(op, tableConfig()); err != nil {
					return err
				}
				for i := range int32(2000) {
					if _, _, err := tbl.Put(op, i, fmt.Sprint(i)); err != nil {
						return err
					}
				}
				_, _, err := tbl.PutNull(op, "nobody")
				return err
			}))
			// A failed operation must not reach the backend.
			err := db.Update(ctx, func(op *atomicop.Operation) error {
				if _, _, err := tbl.Put(op, 2000, "lost"); err != nil {
					return err
				}
				return dberr.Errorf(dberr.ErrProblem, "abort")
			})
			require.Error(t, err)
			require.NoError(t, db.Close())

			db = openDB(t, dir, backend)
			defer func() { require.NoError(t, db.Close()) }()
			tbl = hashtable.New[int32, string]("users", db.Operations())
			require.NoError(t, tbl.Open(tableConfig()))

			n, err := tbl.Size()
			require.NoError(t, err)
			require.EqualValues(t, 2001, n)
			v, ok, err := tbl.Get(1234)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "1234", v)
			_, ok, err = tbl.Get(2000)
			require.NoError(t, err)
			require.False(t, ok)
			v, ok, err = tbl.GetNull()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "nobody", v)

			_, err = tbl.Verify()
			require.NoError(t, err)
		})
	}
}

func TestMemoryBackend(t *testing.T) {
	db := openDB(t, "", BackendMemory)
	tbl := hashtable.New[int32, string]("tmp", db.Operations())
	require.NoError(t, db.Execute(context.Background(), nil, func(op *atomicop.Operation) error {
		if err := tbl.Create(op, tableConfig()); err != nil {
			return err
		}
		_, _, err := tbl.Put(op, 1, "one")
		return err
	}))
	v, _, err := tbl.Get(1)
	require.NoError(t, err)
	require.Equal(t, "one", v)
	require.Positive(t, db.Allocator().MemoryConsumption())
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestOpenRequiresDirectory(t *testing.T) {
	_, err := Open("", DefaultOptions())
	require.True(t, dberr.IsInvalidArgument(err))
}

func TestOptionsValidation(t *testing.T) {
	opts := DefaultOptions()
	require.True(t, dberr.IsInvalidArgument(opts.SetPageSize(3000)))
	require.True(t, dberr.IsInvalidArgument(opts.SetPageSize(512)))
	require.True(t, dberr.IsInvalidArgument(opts.SetCacheSize(0)))
	require.True(t, dberr.IsInvalidArgument(opts.SetBackend("rocks")))
	require.NoError(t, opts.SetBackend("BOLT"))
	require.Equal(t, BackendBolt, opts.Backend)

	opts = Options{LockTimeout: -time.Second}
	require.True(t, dberr.IsInvalidArgument(opts.validate()))

	opts = Options{}
	require.NoError(t, opts.validate())
	require.Equal(t, BackendFile, opts.Backend)
	require.Equal(t, DefaultCacheSize, opts.CacheSize)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(EnvPageSize, "8192")
	t.Setenv(EnvCacheSize, "128")
	t.Setenv(EnvTrackMemory, "false")
	t.Setenv(EnvLockTimeout, "250ms")
	t.Setenv(EnvBackend, "memory")
	t.Setenv(EnvFsync, "0")

	opts, err := OptionsFromEnv(DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 8192, opts.PageSize)
	require.Equal(t, 128, opts.CacheSize)
	require.False(t, opts.TrackMemory)
	require.Equal(t, 250*time.Millisecond, opts.LockTimeout)
	require.Equal(t, BackendMemory, opts.Backend)
	require.Equal(t, wal.SyncNone, opts.Sync)
	require.Equal(t, DefaultOptions().MaxRetries, opts.MaxRetries)

	t.Setenv(EnvCacheSize, "lots")
	_, err = OptionsFromEnv(DefaultOptions())
	require.True(t, dberr.IsInvalidArgument(err))
}

func TestVersion(t *testing.T) {
	require.Equal(t, fmt.Sprintf("ehdb %d.%d.%d", Major, Minor, Patch), Version())
}
