package directmem

import (
	"math/bits"

	"github.com/Giulio2002/ehdb/mmap"
)

// slab is one anonymous mapping carved into equally sized slots.
// Slot occupancy is kept in a bitset, one bit per slot.
// Guarded by the owning Allocator's mutex.
type slab struct {
	m        *mmap.Map
	slotSize int
	slots    uint32
	used     []uint64
	inUse    uint32
	hint     uint32 // word index where the last free slot was found
}

func newSlab(slotSize, slots int) (*slab, error) {
	m, err := mmap.NewAnon(slotSize * slots)
	if err != nil {
		return nil, err
	}
	return &slab{
		m:        m,
		slotSize: slotSize,
		slots:    uint32(slots),
		used:     make([]uint64, (slots+63)/64),
	}, nil
}

// take claims a free slot. It returns false when the slab is full.
func (s *slab) take() (uint32, bool) {
	if s.inUse == s.slots {
		return 0, false
	}
	n := uint32(len(s.used))
	for i := uint32(0); i < n; i++ {
		w := (s.hint + i) % n
		free := ^s.used[w]
		if free == 0 {
			continue
		}
		bit := uint32(bits.TrailingZeros64(free))
		slot := w*64 + bit
		if slot >= s.slots {
			continue
		}
		s.used[w] |= 1 << bit
		s.inUse++
		s.hint = w
		return slot, true
	}
	return 0, false
}

// give returns a slot. It reports false if the slot was not taken.
func (s *slab) give(slot uint32) bool {
	if slot >= s.slots {
		return false
	}
	w, bit := slot/64, slot%64
	if s.used[w]&(1<<bit) == 0 {
		return false
	}
	s.used[w] &^= 1 << bit
	s.inUse--
	if w < s.hint {
		s.hint = w
	}
	return true
}

func (s *slab) bytes(slot uint32) []byte {
	off := int(slot) * s.slotSize
	return s.m.Data()[off : off+s.slotSize : off+s.slotSize]
}

func (s *slab) empty() bool {
	return s.inUse == 0
}

// discard hands the physical pages of an empty slab back to the kernel while
// keeping the mapping. Slots read back as zeroes afterwards.
func (s *slab) discard() error {
	ps := mmap.PageSize()
	n := int64(len(s.m.Data()) / ps * ps)
	return s.m.DiscardRange(0, n)
}

func (s *slab) release() error {
	return s.m.Close()
}
