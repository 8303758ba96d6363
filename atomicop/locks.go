package atomicop

import (
	"context"
	"sync"
	"time"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/pagestore"
)

// pageLock is an exclusive page lock. released is closed when the owner
// lets go, waking every waiter.
type pageLock struct {
	owner    uint64
	released chan struct{}
}

// lockTable hands out exclusive page locks to operations. Locks are held
// until the owning operation commits or rolls back.
type lockTable struct {
	mu   sync.Mutex
	held map[uint64]*pageLock
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[uint64]*pageLock)}
}

// acquire blocks until owner holds id, the timeout elapses (ErrRetry) or ctx
// is done. waited reports whether the caller had to wait at all.
func (lt *lockTable) acquire(ctx context.Context, id pagestore.PageID, owner uint64, timeout time.Duration) (waited bool, err error) {
	key := id.Key()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		lt.mu.Lock()
		l, ok := lt.held[key]
		if !ok {
			lt.held[key] = &pageLock{owner: owner, released: make(chan struct{})}
			lt.mu.Unlock()
			return waited, nil
		}
		if l.owner == owner {
			lt.mu.Unlock()
			return waited, nil
		}
		ch := l.released
		lt.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		waited = true
		select {
		case <-ch:
		case <-timer.C:
			return waited, dberr.Errorf(dberr.ErrRetry, "lock on page %s held by operation %d", id, l.owner)
		case <-ctx.Done():
			return waited, ctx.Err()
		}
	}
}

func (lt *lockTable) release(id pagestore.PageID, owner uint64) {
	key := id.Key()
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if l, ok := lt.held[key]; ok && l.owner == owner {
		delete(lt.held, key)
		close(l.released)
	}
}

// owner returns the operation holding id, or 0.
func (lt *lockTable) owner(id pagestore.PageID) uint64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if l, ok := lt.held[id.Key()]; ok {
		return l.owner
	}
	return 0
}

func (lt *lockTable) len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.held)
}
