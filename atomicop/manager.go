// Package atomicop runs groups of page changes as atomic operations.
//
// An operation copies every page it writes into an off-heap shadow, holds an
// exclusive lock on it until the end, and publishes all shadows in a single
// pagestore batch when the outermost call returns successfully. Readers of
// the store never observe shadows.
package atomicop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Giulio2002/ehdb/dberr"
	"github.com/Giulio2002/ehdb/directmem"
	"github.com/Giulio2002/ehdb/pagestore"
)

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultMaxRetries  = 8
)

// Config configures a Manager.
type Config struct {
	// LockTimeout bounds the wait for a page lock. Zero means
	// DefaultLockTimeout.
	LockTimeout time.Duration
	// MaxRetries bounds ExecuteWithRetry. Zero means DefaultMaxRetries,
	// negative disables retrying.
	MaxRetries int
	Logger     *slog.Logger
}

// Manager starts, nests, commits and rolls back operations.
type Manager struct {
	store  *pagestore.Store
	alloc  *directmem.Allocator
	cfg    Config
	logger *slog.Logger
	locks  *lockTable

	nextID   atomic.Uint64
	poisoned atomic.Pointer[dberr.Error]

	active     atomic.Int64
	committed  atomic.Uint64
	rolledBack atomic.Uint64
	retries    atomic.Uint64
	lockWaits  atomic.Uint64
}

// NewManager creates a manager committing into store. Shadow pages are
// allocated from alloc.
func NewManager(store *pagestore.Store, alloc *directmem.Allocator, cfg Config) *Manager {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:  store,
		alloc:  alloc,
		cfg:    cfg,
		logger: cfg.Logger,
		locks:  newLockTable(),
	}
}

// Store returns the page store operations commit into.
func (m *Manager) Store() *pagestore.Store {
	return m.store
}

// Err returns the rollback or store failure that poisoned the manager, if any.
func (m *Manager) Err() error {
	if e := m.poisoned.Load(); e != nil {
		return e
	}
	return nil
}

// Stats returns operation counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Active:     m.active.Load(),
		Committed:  m.committed.Load(),
		RolledBack: m.rolledBack.Load(),
		Retries:    m.retries.Load(),
		LockWaits:  m.lockWaits.Load(),
	}
}

// LockOwner returns the id of the operation holding the write lock on id,
// or 0 when the page is unlocked.
func (m *Manager) LockOwner(id pagestore.PageID) uint64 {
	return m.locks.owner(id)
}

// ExecuteInside runs body inside an atomic operation.
//
// With existing == nil a new operation starts; it commits when body returns
// nil and rolls back otherwise. With an active existing operation, body
// joins it one level deeper: nothing is committed on return, and an error
// marks the whole operation rollback-only so that the outermost call rolls
// it back even if the caller swallows the error.
//
// Errors from body are returned wrapped in ErrExecution. A failed rollback
// returns ErrRollbackFailed and poisons the manager. A panic in body rolls
// the operation back and is re-raised.
func (m *Manager) ExecuteInside(ctx context.Context, existing *Operation, body func(op *Operation) error) error {
	if existing != nil {
		return m.reenter(existing, body)
	}
	return m.run(ctx, body)
}

// CalculateInside is ExecuteInside for bodies that produce a value. The
// zero value is returned on failure.
func CalculateInside[T any](m *Manager, ctx context.Context, existing *Operation, body func(op *Operation) (T, error)) (T, error) {
	var out T
	err := m.ExecuteInside(ctx, existing, func(op *Operation) error {
		v, err := body(op)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (m *Manager) begin(ctx context.Context) (*Operation, error) {
	if err := m.Err(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op := newOperation(m, m.nextID.Add(1), ctx)
	m.active.Add(1)
	return op, nil
}

func (m *Manager) reenter(op *Operation, body func(op *Operation) error) error {
	if op.mgr != m {
		return dberr.Errorf(dberr.ErrBadOperation, "operation %d belongs to another manager", op.id)
	}
	if err := op.checkActive(); err != nil {
		return err
	}
	if op.rollbackOnly {
		return dberr.Errorf(dberr.ErrBadOperation, "operation %d is rollback-only: %v", op.id, op.cause)
	}

	op.depth++
	done := false
	defer func() {
		op.depth--
		if !done {
			op.markRollbackOnly(fmt.Errorf("nested body panicked at depth %d", op.depth+1))
		}
	}()
	err := body(op)
	done = true
	if err != nil {
		op.markRollbackOnly(err)
		return wrapExecution(err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, body func(op *Operation) error) (err error) {
	op, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if rbErr := m.rollback(op); rbErr != nil {
				m.logger.Error("rollback after panic failed", "op", op.id, "err", rbErr)
			}
			panic(r)
		}
	}()

	bodyErr := body(op)
	if bodyErr == nil && op.rollbackOnly {
		bodyErr = op.cause
	}
	if bodyErr != nil {
		if rbErr := m.rollback(op); rbErr != nil {
			return rbErr
		}
		return wrapExecution(bodyErr)
	}
	return m.commit(op)
}

func (m *Manager) commit(op *Operation) error {
	op.state = Committing
	b := op.batch()
	if err := m.store.Install(b); err != nil {
		m.logger.Warn("commit failed", "op", op.id, "pages", len(b.Pages), "err", err)
		if rbErr := m.rollback(op); rbErr != nil {
			return rbErr
		}
		var fatal *dberr.Error
		if dberr.IsFatal(err) && errors.As(err, &fatal) {
			// The batch may be durable already; no later operation can be trusted.
			m.poisoned.CompareAndSwap(nil, fatal)
			return err
		}
		return wrapExecution(err)
	}
	op.state = Committed
	if err := op.release(true); err != nil {
		// The batch is durable; only off-heap bookkeeping is off.
		m.logger.Error("release shadow pages after commit", "op", op.id, "err", err)
	}
	m.active.Add(-1)
	m.committed.Add(1)
	m.logger.Debug("operation committed", "op", op.id, "pages", len(b.Pages), "creates", len(b.Creates), "drops", len(b.Drops))
	return nil
}

func (m *Manager) rollback(op *Operation) error {
	op.state = RolledBack
	err := op.release(false)
	m.active.Add(-1)
	m.rolledBack.Add(1)
	if err != nil {
		fatal := dberr.WrapError(dberr.ErrRollbackFailed, err)
		m.poisoned.CompareAndSwap(nil, fatal)
		m.logger.Error("rollback failed", "op", op.id, "err", err)
		return fatal
	}
	m.logger.Debug("operation rolled back", "op", op.id, "changes", len(op.changes))
	return nil
}

func wrapExecution(err error) error {
	var e *dberr.Error
	if errors.As(err, &e) && (e.Code == dberr.ErrExecution || dberr.IsFatal(e)) {
		return err
	}
	return dberr.WrapError(dberr.ErrExecution, err)
}
