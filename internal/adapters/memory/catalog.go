package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

type Catalog struct {
	mu     sync.RWMutex
	events map[uuid.UUID]domain.Event
}

func NewCatalog(events ...domain.Event) *Catalog {
	c := &Catalog{events: make(map[uuid.UUID]domain.Event)}
	for _, e := range events {
		c.events[e.ID] = e
	}
	return c
}

func (c *Catalog) PutEvent(e domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[e.ID] = e
}

func (c *Catalog) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[id]
	if !ok {
		return domain.Event{}, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	return e, nil
}

// AuditLog collects audit records in memory.
type AuditLog struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (a *AuditLog) Record(ctx context.Context, rec domain.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *AuditLog) Records() []domain.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditRecord(nil), a.records...)
}
