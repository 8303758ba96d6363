package directmem

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/mmap"
)

func TestAllocateDeallocate(t *testing.T) {
	a := New(WithTracking(true))
	defer func() { require.NoError(t, a.Close()) }()

	p, err := a.Allocate(42, false, TraceTest)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.EqualValues(t, 42, a.MemoryConsumption())
	require.Equal(t, 42, p.Capacity())
	require.Len(t, p.Bytes(), 42)
	require.Equal(t, TraceTest, p.Trace())

	require.NoError(t, a.Deallocate(p))
	require.EqualValues(t, 0, a.MemoryConsumption())
	require.True(t, p.Released())
}

func TestAllocateInvalidSize(t *testing.T) {
	a := New()
	defer a.Close()

	for _, size := range []int{0, -1} {
		p, err := a.Allocate(size, false, TraceTest)
		require.Nil(t, p)
		require.True(t, dberr.IsInvalidArgument(err), "size %d: %v", size, err)
	}
	require.EqualValues(t, 0, a.MemoryConsumption())
}

func TestDeallocateInvalid(t *testing.T) {
	a := New(WithTracking(true))
	defer a.Close()

	require.True(t, dberr.IsInvalidArgument(a.Deallocate(nil)))

	p, err := a.Allocate(16, true, TraceScratch)
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(p))
	require.True(t, dberr.IsInvalidArgument(a.Deallocate(p)))
	require.EqualValues(t, 0, a.MemoryConsumption())
}

func TestUseAfterReleasePanics(t *testing.T) {
	a := New()
	defer a.Close()

	p, err := a.Allocate(8, true, TraceTest)
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(p))
	require.Panics(t, func() { p.Bytes() })
	require.Panics(t, func() { p.Clear() })
	require.Panics(t, func() { p.Move() })
	require.Panics(t, func() { p.Capacity() })
}

func TestEmptySlabPagesDiscarded(t *testing.T) {
	a := New(WithSlotSize(1024), WithSlabSlots(2*mmap.PageSize()/1024))
	defer func() { require.NoError(t, a.Close()) }()

	p, err := a.Allocate(1024, false, TracePageCache)
	require.NoError(t, err)
	copy(p.Bytes(), bytes.Repeat([]byte{0xCD}, 1024))
	require.NoError(t, a.Deallocate(p))
	require.Equal(t, 1, a.Stats().Slabs)

	// The slab stays mapped but its pages came back from the kernel zeroed,
	// even without asking for a cleared buffer.
	q, err := a.Allocate(1024, false, TracePageCache)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 1024), q.Bytes())
	require.NoError(t, a.Deallocate(q))
}

func TestSlabReuseAndClear(t *testing.T) {
	a := New(WithSlotSize(512), WithSlabSlots(4))
	defer func() { require.NoError(t, a.Close()) }()

	p, err := a.Allocate(512, false, TracePageCache)
	require.NoError(t, err)
	copy(p.Bytes(), bytes.Repeat([]byte{0xAB}, 512))
	require.NoError(t, a.Deallocate(p))

	q, err := a.Allocate(512, true, TracePageCache)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 512), q.Bytes())
	require.Equal(t, 1, a.Stats().SlabSlotsUsed)
	require.NoError(t, a.Deallocate(q))
}

func TestSlabGrowAndShrink(t *testing.T) {
	a := New(WithSlotSize(256), WithSlabSlots(2))
	defer func() { require.NoError(t, a.Close()) }()

	var ptrs []*Pointer
	for i := 0; i < 5; i++ {
		p, err := a.Allocate(256, true, TraceShadow)
		require.NoError(t, err)
		p.Bytes()[0] = byte(i)
		ptrs = append(ptrs, p)
	}
	st := a.Stats()
	require.Equal(t, 3, st.Slabs)
	require.Equal(t, 5, st.SlabSlotsUsed)
	require.EqualValues(t, 5*256, st.Consumption)

	for i, p := range ptrs {
		require.Equal(t, byte(i), p.Bytes()[0])
		require.NoError(t, a.Deallocate(p))
	}
	require.Equal(t, 1, a.Stats().Slabs)
	require.EqualValues(t, 0, a.MemoryConsumption())
}

func TestMove(t *testing.T) {
	a := New(WithTracking(true))
	defer func() { require.NoError(t, a.Close()) }()

	p, err := a.Allocate(100, true, TraceBucket)
	require.NoError(t, err)
	p.Bytes()[99] = 7

	q := p.Move()
	require.True(t, p.Released())
	require.False(t, q.Released())
	require.Equal(t, byte(7), q.Bytes()[99])
	require.Equal(t, p.ID(), q.ID())

	require.True(t, dberr.IsInvalidArgument(a.Deallocate(p)))
	require.NoError(t, a.Deallocate(q))
	require.EqualValues(t, 0, a.MemoryConsumption())
}

func TestLiveRegistry(t *testing.T) {
	a := New(WithTracking(true))
	defer a.Close()

	p1, err := a.Allocate(10, false, TraceWAL)
	require.NoError(t, err)
	p2, err := a.Allocate(20, false, TraceBucket)
	require.NoError(t, err)

	live := a.Live()
	require.Len(t, live, 2)
	require.Equal(t, Allocation{ID: p1.ID(), Size: 10, Trace: TraceWAL}, live[0])
	require.Equal(t, Allocation{ID: p2.ID(), Size: 20, Trace: TraceBucket}, live[1])

	require.NoError(t, a.Deallocate(p1))
	require.NoError(t, a.Deallocate(p2))
	require.Empty(t, a.Live())

	require.Nil(t, New().Live())
}

func TestCloseReportsLeaks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := New(WithTracking(true), WithLogger(logger))

	p, err := a.Allocate(4096, true, TracePageCache)
	require.NoError(t, err)

	err = a.Close()
	require.Error(t, err)
	require.Equal(t, dberr.ErrProblem, dberr.Code(err))
	require.True(t, strings.Contains(buf.String(), "direct memory leak"))
	require.True(t, strings.Contains(buf.String(), "page-cache"))

	// Memory is still usable after the failed close.
	p.Bytes()[0] = 1
	require.NoError(t, a.Deallocate(p))
	require.NoError(t, a.Close())

	_, err = a.Allocate(1, false, TraceTest)
	require.Equal(t, dberr.ErrClosed, dberr.Code(err))
}

func TestConcurrentAllocate(t *testing.T) {
	a := New(WithTracking(true), WithSlotSize(128), WithSlabSlots(16))
	defer func() { require.NoError(t, a.Close()) }()

	const workers = 8
	const rounds = 200

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				size := 128
				if i%3 == 0 {
					size = 1 + (i*w)%300
				}
				p, err := a.Allocate(size, true, TraceScratch)
				if err != nil {
					errs <- err
					return
				}
				p.Bytes()[size-1] = byte(w)
				if err := a.Deallocate(p); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 0, a.MemoryConsumption())
	require.Empty(t, a.Live())
}

func TestTraceString(t *testing.T) {
	require.Equal(t, "shadow-page", TraceShadow.String())
	require.Equal(t, "trace(200)", MemTrace(200).String())
}
