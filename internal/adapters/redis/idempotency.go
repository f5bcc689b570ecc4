package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const (
	idempPrefix = "idemp:"
	// inFlight marks a key whose first request has not finished yet.
	inFlight = "\x00pending"
)

// Idempotency stores replayable responses keyed by client idempotency keys.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

// Load returns the stored response. pending is true while the first request
// holding the key is still running.
func (i *Idempotency) Load(ctx context.Context, key string) (value []byte, pending bool, err error) {
	val, err := i.client.Get(ctx, idempPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "load idempotency key")
	}
	if string(val) == inFlight {
		return nil, true, nil
	}
	return val, false, nil
}

func (i *Idempotency) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := i.client.SetNX(ctx, idempPrefix+key, inFlight, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim idempotency key")
	}
	return ok, nil
}

func (i *Idempotency) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Wrap(i.client.Set(ctx, idempPrefix+key, value, ttl).Err(), "save idempotency key")
}

func (i *Idempotency) Forget(ctx context.Context, key string) error {
	return errors.Wrap(i.client.Del(ctx, idempPrefix+key).Err(), "forget idempotency key")
}
