package orders

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The last error is returned unchanged.
func (l *Lifecycle) retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.opts.MaxRetries)), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			observability.DBTxRetries.Inc()
		}
		attempt++
		err := fn()
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
