package directmem

import (
	"fmt"
	"sync/atomic"

	"github.com/Giulio2002/ehdb/mmap"
)

// MemTrace tags an allocation with the subsystem that owns it.
type MemTrace uint8

const (
	TraceTest MemTrace = iota
	TracePageCache
	TraceShadow
	TraceWAL
	TraceBucket
	TraceScratch
)

var traceNames = [...]string{
	TraceTest:      "test",
	TracePageCache: "page-cache",
	TraceShadow:    "shadow-page",
	TraceWAL:       "wal",
	TraceBucket:    "bucket",
	TraceScratch:   "scratch",
}

func (t MemTrace) String() string {
	if int(t) < len(traceNames) {
		return traceNames[t]
	}
	return fmt.Sprintf("trace(%d)", uint8(t))
}

// Pointer states.
const (
	pointerLive uint32 = iota
	pointerReleased
	pointerMoved
)

// Pointer is an owned handle to an off-heap buffer.
//
// A Pointer has exactly one owner. Ownership moves with Move, which leaves
// the old handle unusable. After Deallocate or Move every accessor panics.
type Pointer struct {
	data  []byte
	id    uint64
	trace MemTrace
	state atomic.Uint32

	// Backing memory: either a slab slot or a dedicated mapping.
	slab   *slab
	slot   uint32
	region *mmap.Map
}

func (p *Pointer) mustLive(op string) {
	switch p.state.Load() {
	case pointerReleased:
		panic(fmt.Sprintf("directmem: %s on released pointer %d (%s)", op, p.id, p.trace))
	case pointerMoved:
		panic(fmt.Sprintf("directmem: %s on moved pointer %d (%s)", op, p.id, p.trace))
	}
}

// Bytes returns the buffer. Its length and capacity equal Capacity().
func (p *Pointer) Bytes() []byte {
	p.mustLive("Bytes")
	return p.data
}

// Capacity returns the requested size in bytes.
func (p *Pointer) Capacity() int {
	p.mustLive("Capacity")
	return len(p.data)
}

// ID returns the allocation identity used by the registry.
func (p *Pointer) ID() uint64 {
	return p.id
}

// Trace returns the allocation tag.
func (p *Pointer) Trace() MemTrace {
	return p.trace
}

// Released reports whether the handle can no longer be used.
func (p *Pointer) Released() bool {
	return p.state.Load() != pointerLive
}

// Clear zero-fills the buffer.
func (p *Pointer) Clear() {
	p.mustLive("Clear")
	clear(p.data)
}

// Move transfers ownership to a new handle. The receiver becomes unusable;
// the returned handle is the one to deallocate.
func (p *Pointer) Move() *Pointer {
	if !p.state.CompareAndSwap(pointerLive, pointerMoved) {
		p.mustLive("Move")
	}
	n := &Pointer{
		data:   p.data,
		id:     p.id,
		trace:  p.trace,
		slab:   p.slab,
		slot:   p.slot,
		region: p.region,
	}
	p.data = nil
	return n
}
