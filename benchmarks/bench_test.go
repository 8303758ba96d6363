package benchmarks

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/Giulio2002/ehdb"
	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/hashtable"
	"github.com/Giulio2002/ehdb/wal"
)

var backends = []ehdb.Backend{ehdb.BackendMemory, ehdb.BackendFile, ehdb.BackendBolt, ehdb.BackendMDBX}

func formatSize(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%dk", n/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func tableConfig() hashtable.Config[int64, []byte] {
	return hashtable.Config[int64, []byte]{
		KeySerializer:   hashtable.Int64Serializer{},
		ValueSerializer: hashtable.BytesSerializer{},
		Hash:            hashtable.Int64OrderHash,
		Compare:         cmp.Compare[int64],
		OrderPreserving: true,
	}
}

// benchKeys returns size distinct keys spread over the whole int64 range.
// Sequential keys would share their top hash bits under an order-preserving
// hash and pile into one bucket.
func benchKeys(size int) []int64 {
	rng := rand.New(rand.NewPCG(1, uint64(size)))
	seen := make(map[int64]struct{}, size)
	keys := make([]int64, 0, size)
	for len(keys) < size {
		k := int64(rng.Uint64())
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// openTable opens a database on backend with the given keys committed.
func openTable(b *testing.B, backend ehdb.Backend, keys []int64) (*ehdb.DB, *hashtable.Table[int64, []byte]) {
	b.Helper()
	opts := ehdb.DefaultOptions()
	opts.Backend = backend
	opts.Sync = wal.SyncNone
	opts.TrackMemory = false
	dir := ""
	if backend != ehdb.BackendMemory {
		dir = b.TempDir()
	}
	db, err := ehdb.Open(dir, opts)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })

	tbl := hashtable.New[int64, []byte]("bench", db.Operations())
	value := make([]byte, 32)
	const perOp = 10_000
	for start := 0; start < len(keys) || start == 0; start += perOp {
		err := db.Update(context.Background(), func(op *atomicop.Operation) error {
			if start == 0 {
				if err := tbl.Create(op, tableConfig()); err != nil {
					return err
				}
			}
			for _, k := range keys[start:min(start+perOp, len(keys))] {
				if _, _, err := tbl.Put(op, k, value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
	return db, tbl
}

func BenchmarkPut(b *testing.B) {
	for _, size := range []int{10_000, 100_000} {
		for _, backend := range backends {
			b.Run(fmt.Sprintf("RandPut_%s/%s", formatSize(size), backend), func(b *testing.B) {
				keys := benchKeys(size)
				db, tbl := openTable(b, backend, keys)
				value := make([]byte, 32)
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					k := keys[rand.N(size)]
					err := db.Update(context.Background(), func(op *atomicop.Operation) error {
						_, _, err := tbl.Put(op, k, value)
						return err
					})
					if err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkGet(b *testing.B) {
	for _, size := range []int{10_000, 100_000} {
		for _, backend := range backends {
			b.Run(fmt.Sprintf("RandGet_%s/%s", formatSize(size), backend), func(b *testing.B) {
				keys := benchKeys(size)
				_, tbl := openTable(b, backend, keys)
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, ok, err := tbl.Get(keys[rand.N(size)]); err != nil || !ok {
						b.Fatalf("get: ok=%v err=%v", ok, err)
					}
				}
			})
		}
	}
}

func BenchmarkIterate(b *testing.B) {
	const size = 100_000
	for _, backend := range backends {
		b.Run(fmt.Sprintf("Scan_%s/%s", formatSize(size), backend), func(b *testing.B) {
			_, tbl := openTable(b, backend, benchKeys(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				n := 0
				entries, err := tbl.CeilingEntries(math.MinInt64)
				for err == nil && len(entries) > 0 {
					n += len(entries)
					entries, err = tbl.HigherEntries(entries[len(entries)-1].Key)
				}
				if err != nil || n != size {
					b.Fatalf("scan: n=%d err=%v", n, err)
				}
			}
		})
	}
}
