package hashtable

import (
	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
)

// VerifyStats summarises a verified table.
type VerifyStats struct {
	Depth          uint8  // deepest bucket
	DirectoryPages uint32 // directory nodes
	Buckets        uint32
	FreePages      uint32
	Pages          uint32
	Entries        uint64
	NullKey        bool
}

// Verify checks the committed structure of the table: page roles and
// checksums, that every directory slot lands in a bucket or node whose
// depth and prefix cover it, that entries are sorted and hashed into the right
// bucket, and that no page is unaccounted for. Any violation is reported
// as ErrCorrupted.
func (t *Table[K, V]) Verify() (VerifyStats, error) {
	var st VerifyStats
	err := t.read(func(cfg Config[K, V], r *reader) error {
		var err error
		st, err = verify(cfg, r)
		return err
	})
	return st, err
}

func corrupt(format string, args ...any) error {
	return dberr.Errorf(dberr.ErrCorrupted, format, args...)
}

func verify[K, V any](cfg Config[K, V], r *reader) (VerifyStats, error) {
	m := r.meta
	st := VerifyStats{}

	pages, err := r.r.PageCount(r.file)
	if err != nil {
		return st, err
	}
	st.Pages = pages
	owner := make(map[uint32]pagestore.Role, pages)
	claim := func(idx uint32, role pagestore.Role) error {
		if idx == metaIndex || idx >= pages {
			return corrupt("page %d referenced as %s is out of range", idx, role)
		}
		if prev, ok := owner[idx]; ok {
			return corrupt("page %d referenced as %s and %s", idx, prev, role)
		}
		owner[idx] = role
		return nil
	}

	var depths [maxDepth + 1]uint32
	dv := dirVerifier[K, V]{cfg: cfg, r: r, st: &st, depths: &depths, claim: claim}
	if err := dv.node(m.root(), 0, 0); err != nil {
		return st, err
	}
	if st.DirectoryPages != m.nodeCount() {
		return st, corrupt("meta counts %d directory nodes, tree has %d", m.nodeCount(), st.DirectoryPages)
	}
	for d := range depths {
		if got := m.buckets(uint8(d)); got != depths[d] {
			return st, corrupt("meta counts %d buckets at depth %d, directory has %d", got, d, depths[d])
		}
	}
	if st.Entries != m.size() {
		return st, corrupt("meta size %d, buckets hold %d entries", m.size(), st.Entries)
	}

	if m.hasFlag(flagNullSupported) {
		idx := m.nullPage()
		if err := claim(idx, pagestore.RoleNullBucket); err != nil {
			return st, err
		}
		page, err := r.readPage(idx)
		if err != nil {
			return st, err
		}
		if err := checkRole(page, pageID(r.file, idx), pagestore.RoleNullBucket); err != nil {
			return st, err
		}
		if nullPage(pagestore.Body(page)).present() != m.hasFlag(flagNullPresent) {
			return st, corrupt("null key page disagrees with meta")
		}
		st.NullKey = m.hasFlag(flagNullPresent)
	} else if m.hasFlag(flagNullPresent) {
		return st, corrupt("null key present in a table without null key support")
	}

	for idx := m.freeHead(); idx != 0; {
		if err := claim(idx, pagestore.RoleFree); err != nil {
			return st, err
		}
		page, err := r.readPage(idx)
		if err != nil {
			return st, err
		}
		if err := checkRole(page, pageID(r.file, idx), pagestore.RoleFree); err != nil {
			return st, err
		}
		st.FreePages++
		idx = freeNext(pagestore.Body(page))
	}

	// Whatever is left must be an unused reservation.
	for idx := uint32(1); idx < pages; idx++ {
		if _, ok := owner[idx]; ok {
			continue
		}
		page, err := r.readPage(idx)
		if err != nil {
			return st, err
		}
		if !pagestore.IsFresh(page) {
			return st, corrupt("orphan %s page %d", pagestore.PageRole(page), idx)
		}
	}
	return st, nil
}

type dirVerifier[K, V any] struct {
	cfg    Config[K, V]
	r      *reader
	st     *VerifyStats
	depths *[maxDepth + 1]uint32
	claim  func(uint32, pagestore.Role) error
}

// node checks directory node idx at level whose hash prefix is the top
// bits*level bits given by prefix.
func (v *dirVerifier[K, V]) node(idx uint32, level uint, prefix uint64) error {
	if err := v.claim(idx, pagestore.RoleDirectory); err != nil {
		return err
	}
	v.st.DirectoryPages++
	geo := v.r.geo
	body, err := v.r.node(level, idx)
	if err != nil {
		return err
	}
	for s := uint32(0); s < geo.slots(); {
		val := nodeSlot(body, s)
		if val&childFlag != 0 {
			if !geo.hasLevel(level + 1) {
				return corrupt("node %d slot %d has a child past the hash width", idx, s)
			}
			if err := v.node(val&^childFlag, level+1, prefix<<geo.bits|uint64(s)); err != nil {
				return err
			}
			s++
			continue
		}
		if err := v.claim(val, pagestore.RoleBucket); err != nil {
			return err
		}
		b, err := v.r.readBucket(val)
		if err != nil {
			return err
		}
		ld := b.depth()
		if ld > maxDepth || geo.levelOf(ld) != level {
			return corrupt("bucket %d of depth %d found at directory level %d", val, ld, level)
		}
		width := geo.bits*(level+1) - uint(ld)
		if s%(1<<width) != 0 {
			return corrupt("bucket %d starts at unaligned slot %d of node %d", val, s, idx)
		}
		want := prefix<<(uint(ld)-geo.bits*level) | uint64(s)>>width
		if b.prefix() != want {
			return corrupt("bucket %d at node %d slot %d has prefix %x, want %x", val, idx, s, b.prefix(), want)
		}
		if err := verifyBucket(v.cfg, b, val); err != nil {
			return err
		}
		v.depths[ld]++
		v.st.Buckets++
		v.st.Entries += uint64(b.count())
		v.st.Depth = max(v.st.Depth, ld)

		end := s + 1<<width
		for o := s + 1; o < end; o++ {
			if other := nodeSlot(body, o); other != val {
				return corrupt("node %d slot %d points to %x inside the range of bucket %d", idx, o, other, val)
			}
		}
		s = end
	}
	return nil
}

func verifyBucket[K, V any](cfg Config[K, V], b bucketPage, idx uint32) error {
	if b.free() < 0 || b.dataStart() > len(b) {
		return corrupt("bucket %d has a broken layout", idx)
	}
	ld := b.depth()
	var prev K
	for i := 0; i < b.count(); i++ {
		if off := b.offset(i); off < b.dataStart() || off+entryHeader > len(b) || off+b.entrySize(i) > len(b) {
			return corrupt("bucket %d entry %d at offset %d is outside the data area", idx, i, off)
		}
		k, err := cfg.KeySerializer.Deserialize(b.key(i))
		if err != nil {
			return err
		}
		h := b.hash(i)
		if h != cfg.Hash(k) {
			return corrupt("bucket %d entry %d has a stale hash", idx, i)
		}
		if ld > 0 && h>>(64-ld) != b.prefix() {
			return corrupt("bucket %d entry %d hashes outside the bucket prefix", idx, i)
		}
		if i > 0 && cfg.Compare(prev, k) >= 0 {
			return corrupt("bucket %d entries %d and %d are out of order", idx, i-1, i)
		}
		prev = k
	}
	return nil
}
