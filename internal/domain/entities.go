package domain

import (
	"time"

	"github.com/google/uuid"
)

type TicketTypeStatus string

const (
	TicketTypeOnSale   TicketTypeStatus = "ON_SALE"
	TicketTypePaused   TicketTypeStatus = "PAUSED"
	TicketTypeSoldOut  TicketTypeStatus = "SOLD_OUT"
	TicketTypeArchived TicketTypeStatus = "ARCHIVED"
)

type TicketType struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	Name        string
	Price       int64
	MaxPerOrder int
	SalesStart  time.Time
	SalesEnd    time.Time
	Status      TicketTypeStatus
	Inventory   Inventory
	UpdatedAt   time.Time
}

func (t TicketType) SalesOpen(now time.Time) bool {
	return !now.Before(t.SalesStart) && now.Before(t.SalesEnd)
}

// Deletable reports whether administrative tooling may remove the type.
func (t TicketType) Deletable() bool {
	return t.Inventory.Sold() == 0
}

// Event is the catalog view of an event this engine needs: its owning organization.
type Event struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Venue          string
	StartsAt       time.Time
}

type ScannerStatus string

const (
	ScannerActive   ScannerStatus = "ACTIVE"
	ScannerDisabled ScannerStatus = "DISABLED"
	ScannerRevoked  ScannerStatus = "REVOKED"
)

type Scanner struct {
	ID             uuid.UUID
	Name           string
	OrganizationID uuid.UUID
	EventID        *uuid.UUID
	APIKeyHash     []byte
	Status         ScannerStatus
	CreatedAt      time.Time
	LastSyncAt     *time.Time
}

func (s *Scanner) Disable() error {
	if s.Status != ScannerActive {
		return invalidTransition("scanner", s.Status, ScannerDisabled)
	}
	s.Status = ScannerDisabled
	return nil
}

func (s *Scanner) Enable() error {
	if s.Status != ScannerDisabled {
		return invalidTransition("scanner", s.Status, ScannerActive)
	}
	s.Status = ScannerActive
	return nil
}

func (s *Scanner) Revoke() error {
	if s.Status == ScannerRevoked {
		return invalidTransition("scanner", s.Status, ScannerRevoked)
	}
	s.Status = ScannerRevoked
	return nil
}

func (s Scanner) Identity() ScannerIdentity {
	return ScannerIdentity{
		ScannerID:      s.ID,
		Name:           s.Name,
		OrganizationID: s.OrganizationID,
		EventID:        s.EventID,
	}
}

// ScannerIdentity is the authenticated view of a scanner handed to scan operations.
type ScannerIdentity struct {
	ScannerID      uuid.UUID
	Name           string
	OrganizationID uuid.UUID
	EventID        *uuid.UUID
}

// OutboxEvent is a domain event persisted alongside the state change that produced it.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]interface{}
	CreatedAt     time.Time
}

func NewOutboxEvent(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]interface{}) OutboxEvent {
	return OutboxEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

type AuditRecord struct {
	Action  string
	Subject uuid.UUID
	Data    map[string]interface{}
}
