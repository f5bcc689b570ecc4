package tickets

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

const barcodeAttempts = 5

type Store interface {
	InsertTicket(ctx context.Context, t domain.Ticket, events ...domain.OutboxEvent) error
	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	GetTicketByBarcode(ctx context.Context, barcode string) (domain.Ticket, error)
	UpdateTicket(ctx context.Context, id uuid.UUID, fn func(*domain.Ticket) ([]domain.OutboxEvent, error)) (domain.Ticket, error)
	ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
}

type IssueRequest struct {
	OrderID      uuid.UUID
	EventID      uuid.UUID
	TicketTypeID uuid.UUID
	OwnerID      uuid.UUID
}

type Issuer struct {
	store  Store
	signer *Signer
	logger observability.Logger
	now    func() time.Time
}

func NewIssuer(store Store, signer *Signer, logger observability.Logger) *Issuer {
	return &Issuer{store: store, signer: signer, logger: logger, now: time.Now}
}

func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (domain.Ticket, error) {
	if req.OrderID == uuid.Nil || req.TicketTypeID == uuid.Nil || req.OwnerID == uuid.Nil {
		return domain.Ticket{}, domain.InvalidInput("issue requires order, ticket type and owner")
	}
	now := i.now().UTC()

	var lastErr error
	for attempt := 0; attempt < barcodeAttempts; attempt++ {
		barcode, err := NewBarcode()
		if err != nil {
			return domain.Ticket{}, err
		}
		t := domain.Ticket{
			ID:                uuid.New(),
			OrderID:           req.OrderID,
			EventID:           req.EventID,
			TicketTypeID:      req.TicketTypeID,
			OwnerID:           req.OwnerID,
			Barcode:           barcode,
			CredentialVersion: 1,
			Status:            domain.TicketValid,
			IssuedAt:          now,
			UpdatedAt:         now,
		}
		event := domain.NewOutboxEvent("ticket", t.ID, "ticket.issued", map[string]interface{}{
			"ticket_id":      t.ID,
			"order_id":       t.OrderID,
			"event_id":       t.EventID,
			"ticket_type_id": t.TicketTypeID,
			"owner_id":       t.OwnerID,
		})
		err = i.store.InsertTicket(ctx, t, event)
		if err == nil {
			observability.TicketsIssued.Inc()
			return t, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Ticket{}, errors.Wrap(err, "insert ticket")
		}
		lastErr = err
	}
	return domain.Ticket{}, errors.Wrapf(lastErr, "no unique barcode after %d attempts", barcodeAttempts)
}

func (i *Issuer) Get(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return i.store.GetTicket(ctx, id)
}

func (i *Issuer) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	return i.store.ListTicketsByOrder(ctx, orderID)
}

// Credential renders the QR payload for the ticket's current version.
func (i *Issuer) Credential(t domain.Ticket) (string, error) {
	return i.signer.Sign(t)
}

func (i *Issuer) RegenerateCredential(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return i.rekey(ctx, id, "ticket.credential_regenerated", func(t *domain.Ticket, barcode string, now time.Time) error {
		return t.Rekey(barcode, now)
	})
}

func (i *Issuer) Transfer(ctx context.Context, id, newOwner uuid.UUID) (domain.Ticket, error) {
	var previous uuid.UUID
	t, err := i.rekey(ctx, id, "ticket.transferred", func(t *domain.Ticket, barcode string, now time.Time) error {
		previous = t.OwnerID
		return t.Transfer(newOwner, barcode, now)
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	i.logger.WithFields(map[string]interface{}{
		"ticket_id": id.String(),
		"from":      previous.String(),
		"to":        newOwner.String(),
	}).Info("ticket transferred")
	return t, nil
}

func (i *Issuer) rekey(ctx context.Context, id uuid.UUID, eventType string, fn func(*domain.Ticket, string, time.Time) error) (domain.Ticket, error) {
	var lastErr error
	for attempt := 0; attempt < barcodeAttempts; attempt++ {
		barcode, err := NewBarcode()
		if err != nil {
			return domain.Ticket{}, err
		}
		t, err := i.store.UpdateTicket(ctx, id, func(t *domain.Ticket) ([]domain.OutboxEvent, error) {
			if err := fn(t, barcode, i.now().UTC()); err != nil {
				return nil, err
			}
			return []domain.OutboxEvent{domain.NewOutboxEvent("ticket", t.ID, eventType, map[string]interface{}{
				"ticket_id":          t.ID,
				"owner_id":           t.OwnerID,
				"credential_version": t.CredentialVersion,
			})}, nil
		})
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Ticket{}, err
		}
		lastErr = err
	}
	return domain.Ticket{}, errors.Wrapf(lastErr, "no unique barcode after %d attempts", barcodeAttempts)
}

// Cancel refunds the ticket unconditionally, used tickets included.
func (i *Issuer) Cancel(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return i.Refund(ctx, id, false)
}

// Refund marks the ticket refunded; see domain.Ticket.Refund for keepUsed.
func (i *Issuer) Refund(ctx context.Context, id uuid.UUID, keepUsed bool) (domain.Ticket, error) {
	return i.store.UpdateTicket(ctx, id, func(t *domain.Ticket) ([]domain.OutboxEvent, error) {
		wasUsed := t.Status == domain.TicketUsed
		if err := t.Refund(keepUsed, i.now().UTC()); err != nil {
			return nil, err
		}
		return []domain.OutboxEvent{domain.NewOutboxEvent("ticket", t.ID, "ticket.refunded", map[string]interface{}{
			"ticket_id": t.ID,
			"order_id":  t.OrderID,
			"status":    t.Status,
			"was_used":  wasUsed,
		})}, nil
	})
}

// Resolve identifies the ticket a presented credential refers to. Signed QR
// payloads are verified; anything else is looked up as a barcode.
func (i *Issuer) Resolve(ctx context.Context, credential string) (Resolution, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Resolution{}, domain.InvalidInput("empty credential")
	}

	if looksSigned(credential) {
		claims, err := i.signer.Parse(credential)
		if err != nil {
			return Resolution{}, err
		}
		ticketID, err := uuid.Parse(claims.TicketID)
		if err != nil {
			return Resolution{}, errors.Wrap(domain.ErrInvalidTicket, "credential ticket id")
		}
		eventID, _ := uuid.Parse(claims.EventID)
		ownerID, _ := uuid.Parse(claims.OwnerID)
		return Resolution{
			TicketID: ticketID,
			EventID:  eventID,
			OwnerID:  ownerID,
			Version:  claims.Version,
			Signed:   true,
		}, nil
	}

	t, err := i.store.GetTicketByBarcode(ctx, strings.ToUpper(credential))
	if errors.Is(err, domain.ErrNotFound) {
		return Resolution{}, errors.Wrap(domain.ErrInvalidTicket, "unknown barcode")
	}
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{TicketID: t.ID, EventID: t.EventID, Barcode: t.Barcode}, nil
}
