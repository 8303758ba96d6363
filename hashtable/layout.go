package hashtable

import (
	"encoding/binary"
)

// Page 0 of a table file is the meta page. Its body:
//
//	0   flags u8
//	4   root directory node u32
//	8   directory node count u32
//	16  entry count u64 (null key excluded)
//	24  free list head u32 (0 = empty)
//	28  null bucket page u32 (0 = none)
//	32  buckets per local depth u32 x (maxDepth+1)
const (
	metaFlags     = 0
	metaRoot      = 4
	metaNodeCount = 8
	metaSize      = 16
	metaFreeHead  = 24
	metaNullPage  = 28
	metaHistogram = 32

	// maxDepth is the hash width. Buckets split until they reach it.
	maxDepth = 64
)

const (
	flagOrderPreserving uint8 = 1 << iota
	flagNullSupported
	flagNullPresent
)

type metaPage []byte

func (m metaPage) flags() uint8 { return m[metaFlags] }
func (m metaPage) hasFlag(f uint8) bool { return m[metaFlags]&f != 0 }
func (m metaPage) root() uint32 { return binary.LittleEndian.Uint32(m[metaRoot:]) }
func (m metaPage) setRoot(p uint32) { binary.LittleEndian.PutUint32(m[metaRoot:], p) }
func (m metaPage) nodeCount() uint32 { return binary.LittleEndian.Uint32(m[metaNodeCount:]) }
func (m metaPage) setNodeCount(n uint32) { binary.LittleEndian.PutUint32(m[metaNodeCount:], n) }
func (m metaPage) size() uint64 { return binary.LittleEndian.Uint64(m[metaSize:]) }
func (m metaPage) setSize(n uint64) { binary.LittleEndian.PutUint64(m[metaSize:], n) }
func (m metaPage) freeHead() uint32 { return binary.LittleEndian.Uint32(m[metaFreeHead:]) }
func (m metaPage) setFreeHead(p uint32) { binary.LittleEndian.PutUint32(m[metaFreeHead:], p) }
func (m metaPage) nullPage() uint32 { return binary.LittleEndian.Uint32(m[metaNullPage:]) }
func (m metaPage) setNullPage(p uint32) { binary.LittleEndian.PutUint32(m[metaNullPage:], p) }

func (m metaPage) setFlag(f uint8, on bool) {
	if on {
		m[metaFlags] |= f
	} else {
		m[metaFlags] &^= f
	}
}

// buckets returns how many buckets have local depth d.
func (m metaPage) buckets(d uint8) uint32 {
	return binary.LittleEndian.Uint32(m[metaHistogram+4*int(d):])
}

func (m metaPage) addBuckets(d uint8, delta int) {
	off := metaHistogram + 4*int(d)
	binary.LittleEndian.PutUint32(m[off:], uint32(int(binary.LittleEndian.Uint32(m[off:]))+delta))
}

// The directory is a tree of node pages. A node at level L holds 1<<bits
// slots indexed by hash bits [bits*L, bits*(L+1)) counted from the top;
// bits past the 64th read as zero. A slot holds either a bucket page index
// or, with childFlag set, the node one level down. A bucket of depth d
// lives at levelOf(d) and fills the 1<<(bits*(L+1)-d) slots that share its
// prefix, so only a bucket whose depth reaches the end of its node needs a
// child node to split.
const childFlag uint32 = 1 << 31

// geometry holds the limits derived from the page size.
type geometry struct {
	body     int  // usable bytes per page
	bits     uint // hash bits consumed per directory level
	maxEntry int  // largest entry, slot included
}

func newGeometry(pageBody int) geometry {
	g := geometry{body: pageBody, maxEntry: pageBody / 4}
	for 4<<(g.bits+1) <= pageBody {
		g.bits++
	}
	return g
}

func (g geometry) slots() uint32 { return 1 << g.bits }

// levelOf returns the directory level holding buckets of depth d.
func (g geometry) levelOf(d uint8) uint {
	if d == 0 {
		return 0
	}
	return (uint(d) - 1) / g.bits
}

// hasLevel reports whether nodes may exist at level l, that is whether
// its first hash bit is a real one.
func (g geometry) hasLevel(l uint) bool {
	return g.bits*l < maxDepth
}

// slotAt returns the slot of hash in a node at level l.
func (g geometry) slotAt(hash uint64, l uint) uint32 {
	return uint32((hash << (g.bits * l)) >> (64 - g.bits))
}

// span returns the slots [from, to) a bucket of depth d and prefix p fills
// in its node.
func (g geometry) span(prefix uint64, d uint8) (from, to uint32) {
	l := g.levelOf(d)
	width := g.bits*(l+1) - uint(d)
	local := prefix & (uint64(1)<<(uint(d)-g.bits*l) - 1)
	from = uint32(local << width)
	return from, from + 1<<width
}

// nextHash returns the first hash past the range of a bucket, or false when
// the bucket ends the hash space.
func nextHash(prefix uint64, d uint8) (uint64, bool) {
	if d == 0 || prefix == ^uint64(0)>>(64-d) {
		return 0, false
	}
	return (prefix + 1) << (64 - d), true
}

// firstHash returns the smallest hash a bucket covers.
func firstHash(prefix uint64, d uint8) uint64 {
	if d == 0 {
		return 0
	}
	return prefix << (64 - d)
}

// Bucket page body:
//
//	0   local depth u8
//	2   entry count u16
//	4   data start u16 (entries are packed downward from the end)
//	8   prefix u64 (top localDepth bits shared by every hash)
//	16  entry offsets u16 x count, in key order
//
// Entry: hash u64 | key len u16 | value len u16 | key | value
const (
	bucketDepth     = 0
	bucketCount     = 2
	bucketDataStart = 4
	bucketPrefix    = 8
	bucketSlots     = 16

	entryHeader = 12
	slotWidth   = 2
)

type bucketPage []byte

func (b bucketPage) init(depth uint8, prefix uint64) {
	clear(b)
	b[bucketDepth] = depth
	b.setDataStart(len(b))
	binary.LittleEndian.PutUint64(b[bucketPrefix:], prefix)
}

func (b bucketPage) depth() uint8 { return b[bucketDepth] }
func (b bucketPage) prefix() uint64 { return binary.LittleEndian.Uint64(b[bucketPrefix:]) }
func (b bucketPage) count() int { return int(binary.LittleEndian.Uint16(b[bucketCount:])) }
func (b bucketPage) setCount(n int) { binary.LittleEndian.PutUint16(b[bucketCount:], uint16(n)) }
func (b bucketPage) dataStart() int { return int(binary.LittleEndian.Uint16(b[bucketDataStart:])) }
func (b bucketPage) setDataStart(o int) {
	binary.LittleEndian.PutUint16(b[bucketDataStart:], uint16(o))
}

func (b bucketPage) offset(i int) int {
	return int(binary.LittleEndian.Uint16(b[bucketSlots+slotWidth*i:]))
}

func (b bucketPage) setOffset(i, off int) {
	binary.LittleEndian.PutUint16(b[bucketSlots+slotWidth*i:], uint16(off))
}

// free returns the bytes available for new entries and their slots.
func (b bucketPage) free() int {
	return b.dataStart() - (bucketSlots + slotWidth*b.count())
}

// used returns the bytes taken by entries and their slots.
func (b bucketPage) used() int {
	return len(b) - bucketSlots - b.free()
}

func (b bucketPage) hash(i int) uint64 {
	return binary.LittleEndian.Uint64(b[b.offset(i):])
}

func (b bucketPage) key(i int) []byte {
	off := b.offset(i)
	klen := int(binary.LittleEndian.Uint16(b[off+8:]))
	return b[off+entryHeader : off+entryHeader+klen]
}

func (b bucketPage) value(i int) []byte {
	off := b.offset(i)
	klen := int(binary.LittleEndian.Uint16(b[off+8:]))
	vlen := int(binary.LittleEndian.Uint16(b[off+10:]))
	start := off + entryHeader + klen
	return b[start : start+vlen]
}

func (b bucketPage) entrySize(i int) int {
	off := b.offset(i)
	return entryHeader + int(binary.LittleEndian.Uint16(b[off+8:])) + int(binary.LittleEndian.Uint16(b[off+10:]))
}

// entryCost is the space an entry takes including its slot.
func entryCost(key, value []byte) int {
	return entryHeader + len(key) + len(value) + slotWidth
}

// insert places an entry at position i. The caller checks free space.
func (b bucketPage) insert(i int, hash uint64, key, value []byte) {
	n := b.count()
	size := entryHeader + len(key) + len(value)
	off := b.dataStart() - size
	binary.LittleEndian.PutUint64(b[off:], hash)
	binary.LittleEndian.PutUint16(b[off+8:], uint16(len(key)))
	binary.LittleEndian.PutUint16(b[off+10:], uint16(len(value)))
	copy(b[off+entryHeader:], key)
	copy(b[off+entryHeader+len(key):], value)
	b.setDataStart(off)

	slots := b[bucketSlots:]
	copy(slots[slotWidth*(i+1):slotWidth*(n+1)], slots[slotWidth*i:slotWidth*n])
	b.setOffset(i, off)
	b.setCount(n + 1)
}

// remove deletes entry i and compacts the data area.
func (b bucketPage) remove(i int) {
	n := b.count()
	off := b.offset(i)
	size := b.entrySize(i)
	start := b.dataStart()

	copy(b[start+size:off+size], b[start:off])
	clear(b[start : start+size])
	for j := 0; j < n; j++ {
		if o := b.offset(j); o < off {
			b.setOffset(j, o+size)
		}
	}
	slots := b[bucketSlots:]
	copy(slots[slotWidth*i:], slots[slotWidth*(i+1):slotWidth*n])
	clear(slots[slotWidth*(n-1) : slotWidth*n])
	b.setCount(n - 1)
	b.setDataStart(start + size)
}

// rawEntry is a copied-out bucket entry.
type rawEntry struct {
	hash       uint64
	key, value []byte
}

func (b bucketPage) entries() []rawEntry {
	out := make([]rawEntry, b.count())
	for i := range out {
		out[i] = rawEntry{
			hash:  b.hash(i),
			key:   append([]byte(nil), b.key(i)...),
			value: append([]byte(nil), b.value(i)...),
		}
	}
	return out
}

// Null bucket page body: present u8 | pad | value len u32 | value.
const nullValue = 8

type nullPage []byte

func (p nullPage) present() bool { return p[0] == 1 }

func (p nullPage) value() []byte {
	n := binary.LittleEndian.Uint32(p[4:])
	return p[nullValue : nullValue+int(n)]
}

func (p nullPage) set(v []byte) {
	clear(p)
	p[0] = 1
	binary.LittleEndian.PutUint32(p[4:], uint32(len(v)))
	copy(p[nullValue:], v)
}

func (p nullPage) reset() {
	clear(p)
}

// Free pages chain through the first body word.
func freeNext(body []byte) uint32 {
	return binary.LittleEndian.Uint32(body)
}

func setFreeNext(body []byte, next uint32) {
	binary.LittleEndian.PutUint32(body, next)
}

func nodeSlot(body []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(body[4*i:])
}

func setNodeSlot(body []byte, i, v uint32) {
	binary.LittleEndian.PutUint32(body[4*i:], v)
}
