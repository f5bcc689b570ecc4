package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

// rowLocks serializes writers per row. Acquisition is bounded by timeout and
// the caller's context so contention surfaces as ErrBusy instead of blocking.
type rowLocks struct {
	mu      sync.Mutex
	locks   map[uuid.UUID]chan struct{}
	timeout time.Duration
}

func newRowLocks(timeout time.Duration) *rowLocks {
	return &rowLocks{locks: make(map[uuid.UUID]chan struct{}), timeout: timeout}
}

func (l *rowLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[id] = ch
	}
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Wrapf(domain.ErrBusy, "row %s locked for more than %s", id, l.timeout)
	}
}
