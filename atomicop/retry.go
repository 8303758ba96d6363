package atomicop

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/Giulio2002/ehdb/dberr"
)

const (
	baseBackoff = time.Millisecond
	maxBackoff  = 100 * time.Millisecond
)

// ExecuteWithRetry runs body in a new operation, starting over when the
// operation fails with ErrRetry. Other failures, fatal ones included, are
// returned immediately.
func (m *Manager) ExecuteWithRetry(ctx context.Context, body func(op *Operation) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 0; ; attempt++ {
		err := m.ExecuteInside(ctx, nil, body)
		if err == nil || !dberr.IsRetry(err) || dberr.IsFatal(err) {
			return err
		}
		if m.cfg.MaxRetries < 0 || attempt >= m.cfg.MaxRetries {
			return err
		}
		m.retries.Add(1)
		d := backoff(attempt)
		m.logger.Debug("retrying operation", "attempt", attempt+1, "backoff", d, "err", err)

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff doubles per attempt up to maxBackoff and picks a random point in
// the upper half of that window.
func backoff(attempt int) time.Duration {
	d := baseBackoff << min(attempt, 7)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d/2 + rand.N(d/2+1)
}
