// Package directmem allocates page buffers outside the Go heap.
//
// Buffers of the configured slot size (the page size) are carved from
// anonymous-mmap slabs and reused through a per-slab bitset. Any other size
// gets its own mapping, returned to the kernel on release. Every allocation
// is accounted exactly; with tracking enabled the registry also remembers
// each live pointer's size and tag for leak reports.
package directmem

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/internal/fastmap"
	"github.com/Giulio2002/ehdb/mmap"
)

const (
	// DefaultSlotSize is the default slab slot size (one 4KB page)
	DefaultSlotSize = 4096

	// DefaultSlabSlots is the default number of slots per slab
	DefaultSlabSlots = 256
)

// Allocation describes one live tracked pointer.
type Allocation struct {
	ID    uint64
	Size  int
	Trace MemTrace
}

// Stats summarises allocator state.
type Stats struct {
	Live          int64 // Outstanding pointers
	Consumption   int64 // Sum of outstanding requested sizes
	Slabs         int   // Mapped slabs
	SlabSlotsUsed int   // Slots handed out from slabs
	SlabCapacity  int   // Total slab slots
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithTracking enables the per-pointer registry.
func WithTracking(enabled bool) Option {
	return func(a *Allocator) { a.tracking = enabled }
}

// WithSlotSize sets the size served from slabs.
func WithSlotSize(size int) Option {
	return func(a *Allocator) {
		if size > 0 {
			a.slotSize = size
		}
	}
}

// WithSlabSlots sets how many slots each slab holds.
func WithSlabSlots(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.slabSlots = n
		}
	}
}

// WithLogger sets the logger used for leak reports.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// Allocator hands out off-heap buffers. Safe for concurrent use.
type Allocator struct {
	tracking  bool
	slotSize  int
	slabSlots int
	logger    *slog.Logger

	nextID      atomic.Uint64
	consumption atomic.Int64
	live        atomic.Int64

	mu       sync.Mutex
	registry *fastmap.Map[Allocation]
	slabs    []*slab
	closed   bool
}

// New creates an allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		slotSize:  DefaultSlotSize,
		slabSlots: DefaultSlabSlots,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tracking {
		a.registry = fastmap.New[Allocation](a.slabSlots)
	}
	return a
}

// Tracking reports whether the registry is enabled.
func (a *Allocator) Tracking() bool {
	return a.tracking
}

// SlotSize returns the size served from slabs.
func (a *Allocator) SlotSize() int {
	return a.slotSize
}

// Allocate returns a buffer of exactly size bytes.
// With clear set the buffer is zero-filled. On failure no pointer is returned.
func (a *Allocator) Allocate(size int, clear bool, trace MemTrace) (*Pointer, error) {
	if size <= 0 {
		return nil, dberr.Errorf(dberr.ErrInvalidArgument, "allocation size must be positive, got %d", size)
	}

	p := &Pointer{id: a.nextID.Add(1), trace: trace}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, dberr.NewError(dberr.ErrClosed)
	}
	if size == a.slotSize {
		if err := a.takeSlotLocked(p); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	a.mu.Unlock()

	if p.slab == nil {
		// Fresh anonymous mappings are already zeroed.
		m, err := mmap.NewAnon(roundToOSPage(size))
		if err != nil {
			return nil, dberr.WrapError(dberr.ErrOutOfMemory, err)
		}
		p.region = m
		p.data = m.Data()[:size:size]
	} else if clear {
		p.Clear()
	}

	a.consumption.Add(int64(size))
	a.live.Add(1)
	if a.tracking {
		a.mu.Lock()
		a.registry.Set(p.id, Allocation{ID: p.id, Size: size, Trace: trace})
		a.mu.Unlock()
	}
	return p, nil
}

// takeSlotLocked binds p to a free slab slot, mapping a new slab if needed.
func (a *Allocator) takeSlotLocked(p *Pointer) error {
	for _, s := range a.slabs {
		if slot, ok := s.take(); ok {
			p.slab, p.slot, p.data = s, slot, s.bytes(slot)
			return nil
		}
	}
	s, err := newSlab(a.slotSize, a.slabSlots)
	if err != nil {
		return dberr.WrapError(dberr.ErrOutOfMemory, err)
	}
	a.slabs = append(a.slabs, s)
	slot, _ := s.take()
	p.slab, p.slot, p.data = s, slot, s.bytes(slot)
	return nil
}

// Deallocate releases p. Releasing a nil, already released or moved-from
// pointer is rejected with ErrInvalidArgument.
func (a *Allocator) Deallocate(p *Pointer) error {
	if p == nil {
		return dberr.Errorf(dberr.ErrInvalidArgument, "cannot deallocate nil pointer")
	}
	if !p.state.CompareAndSwap(pointerLive, pointerReleased) {
		return dberr.Errorf(dberr.ErrInvalidArgument, "pointer %d (%s) already released", p.id, p.trace)
	}
	size := int64(len(p.data))
	p.data = nil

	a.mu.Lock()
	if a.tracking {
		a.registry.Delete(p.id)
	}
	var unmap *slab
	if p.slab != nil {
		if !p.slab.give(p.slot) {
			a.mu.Unlock()
			return dberr.Errorf(dberr.ErrCorrupted, "slab slot %d of pointer %d was not in use", p.slot, p.id)
		}
		// Keep the first slab mapped but drop its pages; unmap emptied extra slabs.
		if p.slab.empty() {
			if len(a.slabs) > 1 {
				unmap = p.slab
				a.dropSlabLocked(unmap)
			} else if err := p.slab.discard(); err != nil {
				a.logger.Debug("discard slab pages", "err", err)
			}
		}
	}
	a.mu.Unlock()

	a.consumption.Add(-size)
	a.live.Add(-1)

	switch {
	case unmap != nil:
		if err := unmap.release(); err != nil {
			return dberr.WrapError(dberr.ErrProblem, err)
		}
	case p.region != nil:
		if err := p.region.Close(); err != nil {
			return dberr.WrapError(dberr.ErrProblem, err)
		}
	}
	return nil
}

func (a *Allocator) dropSlabLocked(s *slab) {
	for i, cur := range a.slabs {
		if cur == s {
			a.slabs = append(a.slabs[:i], a.slabs[i+1:]...)
			return
		}
	}
}

// MemoryConsumption returns the sum of sizes of all outstanding pointers.
func (a *Allocator) MemoryConsumption() int64 {
	return a.consumption.Load()
}

// Live returns the outstanding tracked allocations ordered by id.
// It returns nil when tracking is disabled.
func (a *Allocator) Live() []Allocation {
	if !a.tracking {
		return nil
	}
	a.mu.Lock()
	out := make([]Allocation, 0, a.registry.Len())
	a.registry.ForEach(func(_ uint64, rec Allocation) {
		out = append(out, rec)
	})
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns a snapshot of allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		Live:        a.live.Load(),
		Consumption: a.consumption.Load(),
		Slabs:       len(a.slabs),
	}
	for _, s := range a.slabs {
		st.SlabSlotsUsed += int(s.inUse)
		st.SlabCapacity += int(s.slots)
	}
	return st
}

// Close unmaps all slabs. If pointers are still outstanding they are logged,
// the mappings are left in place and an error is returned.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}

	if n := a.live.Load(); n > 0 {
		if a.tracking {
			a.registry.ForEach(func(_ uint64, rec Allocation) {
				a.logger.Warn("direct memory leak", "id", rec.ID, "size", rec.Size, "trace", rec.Trace.String())
			})
		}
		return dberr.Errorf(dberr.ErrProblem, "%d direct memory pointers still allocated (%d bytes)", n, a.consumption.Load())
	}

	a.closed = true
	var firstErr error
	for _, s := range a.slabs {
		if err := s.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.slabs = nil
	return firstErr
}

func roundToOSPage(size int) int {
	ps := mmap.PageSize()
	return (size + ps - 1) / ps * ps
}
