package memory

import (
	"context"
	"sync"
	"time"
)

type kvEntry struct {
	value     []byte
	pending   bool
	count     int64
	expiresAt time.Time
}

// KeyValue is an in-process stand-in for the redis adapters: idempotency
// records and rate-limit counters.
type KeyValue struct {
	mu      sync.Mutex
	entries map[string]kvEntry
	now     func() time.Time
}

func NewKeyValue() *KeyValue {
	return &KeyValue{entries: make(map[string]kvEntry), now: time.Now}
}

func (kv *KeyValue) get(key string) (kvEntry, bool) {
	e, ok := kv.entries[key]
	if ok && !kv.now().Before(e.expiresAt) {
		delete(kv.entries, key)
		return kvEntry{}, false
	}
	return e, ok
}

func (kv *KeyValue) Load(ctx context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.get(key)
	if !ok {
		return nil, false, nil
	}
	return e.value, e.pending, nil
}

func (kv *KeyValue) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.get(key); ok {
		return false, nil
	}
	kv.entries[key] = kvEntry{pending: true, expiresAt: kv.now().Add(ttl)}
	return true, nil
}

func (kv *KeyValue) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = kvEntry{value: append([]byte(nil), value...), expiresAt: kv.now().Add(ttl)}
	return nil
}

func (kv *KeyValue) Forget(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
	return nil
}

// Incr implements a fixed-window counter.
func (kv *KeyValue) Incr(ctx context.Context, key string, period time.Duration) (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.get(key)
	if !ok {
		e = kvEntry{expiresAt: kv.now().Add(period)}
	}
	e.count++
	kv.entries[key] = e
	return e.count, nil
}
