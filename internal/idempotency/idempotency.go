package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

// Store is the key-value backend; redis in production.
type Store interface {
	Load(ctx context.Context, key string) (value []byte, pending bool, err error)
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Save(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

type Idempotency struct {
	store      Store
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{store: store, ttl: ttl, pendingTTL: time.Minute}
}

type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Result      []byte `json:"result"`
}

// Begin returns the stored response for key, or claims the key for a new
// request. A key whose first request is still running is a conflict.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	value, pending, err := i.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, errors.Wrap(domain.ErrConflict, "request with this idempotency key is in progress")
	}
	if value != nil {
		var resp Response
		if err := json.Unmarshal(value, &resp); err != nil {
			return nil, errors.Wrap(err, "decode stored response")
		}
		return &resp, nil
	}

	claimed, err := i.store.Claim(ctx, key, i.pendingTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, errors.Wrap(domain.ErrConflict, "request with this idempotency key is in progress")
	}
	return nil, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	return i.store.Save(ctx, key, data, i.ttl)
}

// Abandon drops the claim so the client may retry with the same key.
func (i *Idempotency) Abandon(ctx context.Context, key string) error {
	return i.store.Forget(ctx, key)
}
