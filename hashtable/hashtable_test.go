package hashtable

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/ehdb/atomicop"
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/directmem"
	"github.com/Giulio2002/ehdb/pagestore"
)

var errBoom = errors.New("boom")

func newManager(t testing.TB, pageSize int) *atomicop.Manager {
	t.Helper()
	alloc := directmem.New(directmem.WithTracking(true), directmem.WithSlotSize(pageSize))
	store, err := pagestore.Open(pagestore.NewMemoryBackend(pageSize), alloc, pagestore.Options{CacheSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
		require.NoError(t, alloc.Close())
	})
	return atomicop.NewManager(store, alloc, atomicop.Config{})
}

func intConfig() Config[int32, string] {
	return Config[int32, string]{
		KeySerializer:    Int32Serializer{},
		ValueSerializer:  StringSerializer{},
		Hash:             Int32OrderHash,
		Compare:          cmp.Compare[int32],
		OrderPreserving:  true,
		NullKeySupported: true,
	}
}

func stringConfig() Config[string, int64] {
	return Config[string, int64]{
		KeySerializer:   StringSerializer{},
		ValueSerializer: Int64Serializer{},
		Hash:            FNV64Hash,
		Compare:         strings.Compare,
		BatchSize:       50,
	}
}

func createTable[K, V any](t testing.TB, m *atomicop.Manager, name string, cfg Config[K, V]) *Table[K, V] {
	t.Helper()
	tbl := New[K, V](name, m)
	require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		return tbl.Create(op, cfg)
	}))
	return tbl
}

func put[K, V any](t testing.TB, m *atomicop.Manager, tbl *Table[K, V], k K, v V) {
	t.Helper()
	require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		_, _, err := tbl.Put(op, k, v)
		return err
	}))
}

// collect pages through the table starting at from.
func collect[K, V any](t testing.TB, tbl *Table[K, V], from K) []Entry[K, V] {
	t.Helper()
	var out []Entry[K, V]
	entries, err := tbl.CeilingEntries(from)
	require.NoError(t, err)
	for len(entries) > 0 {
		out = append(out, entries...)
		entries, err = tbl.HigherEntries(entries[len(entries)-1].Key)
		require.NoError(t, err)
	}
	return out
}

func keysOf[K, V any](entries []Entry[K, V]) []K {
	out := make([]K, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func TestCeilingHigherScenario(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "scenario", intConfig())

	require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		for _, kv := range []struct {
			k int32
			v string
		}{{5, "five"}, {1, "one"}, {3, "three"}} {
			if _, _, err := tbl.Put(op, kv.k, kv.v); err != nil {
				return err
			}
		}
		return nil
	}))

	entries, err := tbl.CeilingEntries(math.MinInt32)
	require.NoError(t, err)
	require.Equal(t, []Entry[int32, string]{{1, "one"}, {3, "three"}, {5, "five"}}, entries)

	entries, err = tbl.HigherEntries(5)
	require.NoError(t, err)
	require.Empty(t, entries)

	entries, err = tbl.HigherEntries(1)
	require.NoError(t, err)
	require.Equal(t, []int32{3, 5}, keysOf(entries))

	entries, err = tbl.CeilingEntries(2)
	require.NoError(t, err)
	require.Equal(t, []int32{3, 5}, keysOf(entries))

	first, ok, err := tbl.FirstEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Entry[int32, string]{1, "one"}, first)

	last, ok, err := tbl.LastEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Entry[int32, string]{5, "five"}, last)
}

func TestPutGetRemove(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "crud", intConfig())

	_, ok, err := tbl.Get(7)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = tbl.FirstEntry()
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = tbl.LastEntry()
	require.NoError(t, err)
	require.False(t, ok)

	put(t, m, tbl, 7, "seven")
	v, ok, err := tbl.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "seven", v)

	// Overwrite with a longer value.
	prev, err := atomicop.CalculateInside(m, context.Background(), nil, func(op *atomicop.Operation) (string, error) {
		p, replaced, err := tbl.Put(op, 7, "seven, again")
		require.True(t, replaced)
		return p, err
	})
	require.NoError(t, err)
	require.Equal(t, "seven", prev)
	v, _, err = tbl.Get(7)
	require.NoError(t, err)
	require.Equal(t, "seven, again", v)

	n, err := tbl.Size()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	remove := func() (string, bool) {
		var (
			prev    string
			removed bool
		)
		require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
			var err error
			prev, removed, err = tbl.Remove(op, 7)
			return err
		}))
		return prev, removed
	}
	prev, removed := remove()
	require.True(t, removed)
	require.Equal(t, "seven, again", prev)

	_, removed = remove()
	require.False(t, removed)

	_, ok, err = tbl.Get(7)
	require.NoError(t, err)
	require.False(t, ok)
	n, err = tbl.Size()
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = tbl.Verify()
	require.NoError(t, err)
}

func TestOrderedTraversalMatchesSorted(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "ordered", intConfig())

	rng := rand.New(rand.NewPCG(1, 2))
	want := make(map[int32]string)
	for len(want) < 20000 {
		require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
			for range 500 {
				k := rng.Int32() - rng.Int32()
				if _, _, err := tbl.Put(op, k, fmt.Sprint(k)); err != nil {
					return err
				}
				want[k] = fmt.Sprint(k)
			}
			return nil
		}))
	}
	keys := slices.Sorted(maps.Keys(want))

	got := collect(t, tbl, math.MinInt32)
	require.Equal(t, keys, keysOf(got))
	for _, e := range got[:100] {
		require.Equal(t, want[e.Key], e.Value)
	}

	// Start in the middle.
	mid := keys[len(keys)/2]
	require.Equal(t, keys[len(keys)/2:], keysOf(collect(t, tbl, mid)))

	last, ok, err := tbl.LastEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, keys[len(keys)-1], last.Key)

	st, err := tbl.Verify()
	require.NoError(t, err)
	require.EqualValues(t, len(keys), st.Entries)
	require.Greater(t, st.Depth, uint8(4))

	// Remove most keys so buckets merge.
	for i := 0; i < len(keys); i += 1000 {
		batch := keys[i:min(i+1000, len(keys))]
		require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
			for j, k := range batch {
				if j%10 == 0 {
					continue
				}
				if _, removed, err := tbl.Remove(op, k); err != nil || !removed {
					return fmt.Errorf("remove %d: removed=%v err=%w", k, removed, err)
				}
			}
			return nil
		}))
	}
	var kept []int32
	for i, k := range keys {
		if (i%1000)%10 == 0 {
			kept = append(kept, k)
		}
	}
	require.Equal(t, kept, keysOf(collect(t, tbl, math.MinInt32)))

	after, err := tbl.Verify()
	require.NoError(t, err)
	require.EqualValues(t, len(kept), after.Entries)
	require.Less(t, after.Buckets, st.Buckets)
	require.Positive(t, after.FreePages)
}

// putRange stores k -> fmt.Sprint(k) for k in [0, n), perOp keys per
// operation.
func putRange(t *testing.T, m *atomicop.Manager, tbl *Table[int32, string], n, perOp int) {
	t.Helper()
	for lo := 0; lo < n; lo += perOp {
		require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
			for k := lo; k < min(lo+perOp, n); k++ {
				if _, _, err := tbl.Put(op, int32(k), fmt.Sprint(k)); err != nil {
					return fmt.Errorf("put %d: %w", k, err)
				}
			}
			return nil
		}))
	}
}

// requireRange checks that tbl holds exactly k -> fmt.Sprint(k) for k in
// [0, n), both by traversal and by Verify.
func requireRange(t *testing.T, tbl *Table[int32, string], n int) VerifyStats {
	t.Helper()
	want := make([]Entry[int32, string], n)
	for k := range want {
		want[k] = Entry[int32, string]{Key: int32(k), Value: fmt.Sprint(k)}
	}
	require.Equal(t, want, collect(t, tbl, math.MinInt32))
	require.Equal(t, want[n/3:], collect(t, tbl, int32(n/3)))

	entries, err := tbl.HigherEntries(int32(n - 2))
	require.NoError(t, err)
	require.Equal(t, want[n-1:], entries)

	for _, k := range []int{0, n / 2, n - 1} {
		v, ok, err := tbl.Get(int32(k))
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		require.Equal(t, fmt.Sprint(k), v)
	}
	last, ok, err := tbl.LastEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want[n-1], last)

	st, err := tbl.Verify()
	require.NoError(t, err)
	require.EqualValues(t, n, st.Entries)
	return st
}

// nearMiddleHash is order preserving for non-negative keys and leaves
// every hash of a small key range sharing its top 40-odd bits.
func nearMiddleHash(k int32) uint64 {
	return uint64(math.MaxInt64/2 + int64(k))
}

func TestSequentialKeys(t *testing.T) {
	n := 100_000
	if testing.Short() {
		n = 20_000
	}
	for _, tc := range []struct {
		name     string
		pageSize int
		hash     HashFunc[int32]
		ordered  bool
		minDepth uint8
	}{
		{"int32-order-hash", 1024, Int32OrderHash, true, 20},
		{"int32-order-hash-4k", 4096, Int32OrderHash, true, 20},
		{"near-middle", 1024, nearMiddleHash, true, 40},
		{"near-middle-unordered", 4096, nearMiddleHash, false, 40},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newManager(t, tc.pageSize)
			cfg := intConfig()
			cfg.Hash = tc.hash
			cfg.OrderPreserving = tc.ordered
			if !tc.ordered {
				cfg.BatchSize = 1000
			}
			tbl := createTable(t, m, "dense", cfg)

			putRange(t, m, tbl, n, 1000)
			st := requireRange(t, tbl, n)
			require.Greater(t, st.Depth, tc.minDepth)
			require.Greater(t, st.DirectoryPages, uint32(1))

			// Drop the upper half, then everything.
			for _, bounds := range [][2]int{{n / 2, n}, {0, n / 2}} {
				for lo := bounds[0]; lo < bounds[1]; lo += 1000 {
					require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
						for k := lo; k < min(lo+1000, bounds[1]); k++ {
							if _, removed, err := tbl.Remove(op, int32(k)); err != nil || !removed {
								return fmt.Errorf("remove %d: removed=%v err=%w", k, removed, err)
							}
						}
						return nil
					}))
				}
				if bounds[0] > 0 {
					requireRange(t, tbl, n/2)
				}
			}

			after, err := tbl.Verify()
			require.NoError(t, err)
			require.Zero(t, after.Entries)
			require.Less(t, after.Buckets, st.Buckets)
			require.Less(t, after.DirectoryPages, st.DirectoryPages)
			require.Empty(t, collect(t, tbl, math.MinInt32))

			// Freed pages are reused when the table grows again.
			putRange(t, m, tbl, 5000, 1000)
			requireRange(t, tbl, 5000)
		})
	}
}

func TestSequentialKeysOnePerOperation(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "one-by-one", intConfig())

	const n = 10_000
	putRange(t, m, tbl, n, 1)
	requireRange(t, tbl, n)

	// Remove odd keys one at a time.
	for k := int32(1); k < n; k += 2 {
		require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
			_, _, err := tbl.Remove(op, k)
			return err
		}))
	}
	var evens []int32
	for k := int32(0); k < n; k += 2 {
		evens = append(evens, k)
	}
	require.Equal(t, evens, keysOf(collect(t, tbl, math.MinInt32)))
	st, err := tbl.Verify()
	require.NoError(t, err)
	require.EqualValues(t, n/2, st.Entries)
}

func TestUnorderedHashMergesBuckets(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "strings", stringConfig())

	var keys []string
	require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		// 7919 is coprime with 3000, so this visits every n once.
		for i := range 3000 {
			n := (i * 7919) % 3000
			k := fmt.Sprintf("key-%05d", n)
			keys = append(keys, k)
			if _, _, err := tbl.Put(op, k, int64(n)); err != nil {
				return err
			}
		}
		return nil
	}))
	slices.Sort(keys)

	got := collect(t, tbl, "")
	require.Equal(t, keys, keysOf(got))

	batch, err := tbl.CeilingEntries("key-01000")
	require.NoError(t, err)
	require.Len(t, batch, 50)
	require.Equal(t, keys[1000:1050], keysOf(batch))

	batch, err = tbl.HigherEntries("key-01000")
	require.NoError(t, err)
	require.Equal(t, keys[1001:1051], keysOf(batch))

	first, _, err := tbl.FirstEntry()
	require.NoError(t, err)
	require.Equal(t, "key-00000", first.Key)
	last, _, err := tbl.LastEntry()
	require.NoError(t, err)
	require.Equal(t, "key-02999", last.Key)

	v, ok, err := tbl.Get("key-00042")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 42, v)

	_, err = tbl.Verify()
	require.NoError(t, err)
	require.False(t, tbl.IsNullKeySupported())
}

func TestFailedBodyLeavesNoTrace(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "atomic", intConfig())
	put(t, m, tbl, 1, "one")

	err := m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		for i := int32(100); i < 600; i++ {
			if _, _, err := tbl.Put(op, i, "x"); err != nil {
				return err
			}
		}
		if _, _, err := tbl.Remove(op, 1); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, dberr.ErrExecution, dberr.Code(err))

	require.Equal(t, []int32{1}, keysOf(collect(t, tbl, math.MinInt32)))
	for _, i := range []int32{100, 350, 599} {
		_, ok, err := tbl.Get(i)
		require.NoError(t, err)
		require.False(t, ok)
	}
	st, err := tbl.Verify()
	require.NoError(t, err)
	require.Zero(t, st.Depth)
}

func TestNullKey(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "nulls", intConfig())
	require.True(t, tbl.IsNullKeySupported())

	_, ok, err := tbl.GetNull()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		if _, _, err := tbl.Put(op, 0, "zero"); err != nil {
			return err
		}
		_, replaced, err := tbl.PutNull(op, "null")
		require.False(t, replaced)
		return err
	}))

	v, ok, err := tbl.GetNull()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "null", v)

	// The null key is separate from key 0 and never iterated.
	v, _, err = tbl.Get(0)
	require.NoError(t, err)
	require.Equal(t, "zero", v)
	require.Equal(t, []int32{0}, keysOf(collect(t, tbl, math.MinInt32)))
	n, err := tbl.Size()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	st, err := tbl.Verify()
	require.NoError(t, err)
	require.True(t, st.NullKey)

	require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		prev, removed, err := tbl.RemoveNull(op)
		require.True(t, removed)
		require.Equal(t, "null", prev)
		if err != nil {
			return err
		}
		_, removed, err = tbl.RemoveNull(op)
		require.False(t, removed)
		return err
	}))
	_, ok, err = tbl.GetNull()
	require.NoError(t, err)
	require.False(t, ok)

	plain := createTable(t, m, "plain", stringConfig())
	err = m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		_, _, err := plain.PutNull(op, 1)
		return err
	})
	require.True(t, dberr.IsInvalidArgument(err))
	_, _, err = plain.GetNull()
	require.True(t, dberr.IsInvalidArgument(err))
}

func TestCreateOpenDelete(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "life", intConfig())
	put(t, m, tbl, 9, "nine")
	require.True(t, tbl.Exists())

	err := m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		return tbl.Create(op, intConfig())
	})
	require.ErrorIs(t, err, dberr.ErrAlreadyExistsError)
	require.True(t, dberr.IsInvalidArgument(err))

	again := New[int32, string]("life", m)
	_, _, err = again.Get(9)
	require.Equal(t, dberr.ErrNotCreated, dberr.Code(err))

	cfg := intConfig()
	cfg.OrderPreserving = false
	require.True(t, dberr.IsInvalidArgument(again.Open(cfg)))

	cfg = intConfig()
	cfg.NullKeySupported = false
	require.NoError(t, again.Open(cfg))
	require.True(t, again.IsNullKeySupported())
	v, ok, err := again.Get(9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "nine", v)

	require.NoError(t, m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		return tbl.Delete(op)
	}))
	require.False(t, tbl.Exists())
	_, _, err = again.Get(9)
	require.Equal(t, dberr.ErrNotCreated, dberr.Code(err))

	// The name can be reused.
	tbl = createTable(t, m, "life", intConfig())
	_, ok, err = tbl.Get(9)
	require.NoError(t, err)
	require.False(t, ok)

	missing := New[int32, string]("missing", m)
	require.Equal(t, dberr.ErrNotCreated, dberr.Code(missing.Open(intConfig())))
	require.True(t, dberr.IsInvalidArgument(missing.Open(Config[int32, string]{})))
	_, _, err = missing.Put(nil, 1, "x")
	require.Equal(t, dberr.ErrBadOperation, dberr.Code(err))
}

func TestEntryTooLarge(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "large", intConfig())

	err := m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		_, _, err := tbl.Put(op, 1, strings.Repeat("x", 300))
		return err
	})
	require.ErrorIs(t, err, dberr.ErrEntryTooLargeError)

	// A value that fits a quarter of the page body is fine.
	put(t, m, tbl, 1, strings.Repeat("x", 200))
}

func TestBucketOverflow(t *testing.T) {
	m := newManager(t, 1024)
	cfg := intConfig()
	cfg.Hash = func(int32) uint64 { return 42 }
	cfg.OrderPreserving = false
	tbl := createTable(t, m, "collide", cfg)

	value := strings.Repeat("v", 200)
	for k := range int32(4) {
		put(t, m, tbl, k, value)
	}
	err := m.ExecuteInside(context.Background(), nil, func(op *atomicop.Operation) error {
		_, _, err := tbl.Put(op, 4, value)
		return err
	})
	require.ErrorIs(t, err, dberr.ErrBucketOverflowError)

	st, err := tbl.Verify()
	require.NoError(t, err)
	require.Zero(t, st.Depth)
	require.EqualValues(t, 4, st.Entries)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	m := newManager(t, 1024)
	tbl := createTable(t, m, "concurrent", intConfig())

	const writers, perWriter = 4, 300
	var wg sync.WaitGroup
	errs := make(chan error, writers+2)
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				k := int32(w*perWriter + i)
				err := m.ExecuteWithRetry(context.Background(), func(op *atomicop.Operation) error {
					_, _, err := tbl.Put(op, k, fmt.Sprint(k))
					return err
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 2 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				entries, err := tbl.CeilingEntries(math.MinInt32)
				if err != nil {
					errs <- err
					return
				}
				if !slices.IsSortedFunc(entries, func(a, b Entry[int32, string]) int { return cmp.Compare(a.Key, b.Key) }) {
					errs <- errors.New("batch out of order")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := collect(t, tbl, math.MinInt32)
	require.Len(t, got, writers*perWriter)
	st, err := tbl.Verify()
	require.NoError(t, err)
	require.EqualValues(t, writers*perWriter, st.Entries)
}

func TestFiveHundredThousandKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	m := newManager(t, pagestore.DefaultPageSize)
	cfg := intConfig()
	tbl := createTable(t, m, "iteration", cfg)

	const n = 500000
	rng := rand.New(rand.NewPCG(42, 7))
	seen := make(map[int32]struct{}, n)
	keys := make([]int32, 0, n)
	for len(keys) < n {
		k := int32(rng.Uint32())
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
		put(t, m, tbl, k, fmt.Sprint(k))
	}
	slices.Sort(keys)

	entries, err := tbl.CeilingEntries(math.MinInt32)
	require.NoError(t, err)
	pos := 0
	for _, k := range keys {
		require.Equal(t, k, entries[pos].Key)
		pos++
		if pos == len(entries) {
			entries, err = tbl.HigherEntries(entries[pos-1].Key)
			require.NoError(t, err)
			pos = 0
		}
	}
	require.Empty(t, entries)

	st, err := tbl.Verify()
	require.NoError(t, err)
	require.EqualValues(t, n, st.Entries)
}

func TestHashFunctions(t *testing.T) {
	require.Less(t, Int32OrderHash(math.MinInt32), Int32OrderHash(-1))
	require.Less(t, Int32OrderHash(-1), Int32OrderHash(0))
	require.Less(t, Int32OrderHash(0), Int32OrderHash(math.MaxInt32))
	require.Less(t, Int64OrderHash(math.MinInt64), Int64OrderHash(0))
	require.Less(t, Int64OrderHash(0), Int64OrderHash(math.MaxInt64))
	require.NotEqual(t, FNV64Hash("a"), FNV64Hash("b"))
	require.Equal(t, FNV64Hash("abc"), FNV64BytesHash([]byte("abc")))
}

func TestSerializers(t *testing.T) {
	_, err := Int32Serializer{}.Deserialize([]byte{1, 2})
	require.True(t, dberr.IsCorrupted(err))
	_, err = Int64Serializer{}.Deserialize([]byte{1})
	require.True(t, dberr.IsCorrupted(err))

	b := []byte("abc")
	out, err := BytesSerializer{}.Deserialize(b)
	require.NoError(t, err)
	b[0] = 'x'
	require.Equal(t, []byte("abc"), out)
}
