package inventory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

// Store performs an atomic read-modify-write of one ticket type row.
type Store interface {
	GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error)
	UpdateTicketType(ctx context.Context, id uuid.UUID, fn func(*domain.TicketType) error) (domain.TicketType, error)
	// ApplyTicketTypeEntry is UpdateTicketType recorded under entry in the
	// same transaction. Once entry is recorded, later calls leave the row
	// untouched and report applied == false.
	ApplyTicketTypeEntry(ctx context.Context, id uuid.UUID, entry string, fn func(*domain.TicketType) error) (tt domain.TicketType, applied bool, err error)
}

type Auditor interface {
	Record(ctx context.Context, rec domain.AuditRecord) error
}

type Ledger struct {
	store  Store
	audit  Auditor
	logger observability.Logger
	now    func() time.Time
}

func NewLedger(store Store, audit Auditor, logger observability.Logger) *Ledger {
	return &Ledger{store: store, audit: audit, logger: logger, now: time.Now}
}

// WithClock replaces the sales-window clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Get(ctx context.Context, ticketTypeID uuid.UUID) (domain.TicketType, error) {
	return l.store.GetTicketType(ctx, ticketTypeID)
}

func (l *Ledger) Hold(ctx context.Context, ticketTypeID uuid.UUID, quantity int) (domain.TicketType, error) {
	return l.apply(ctx, "hold", "", ticketTypeID, quantity, func(tt *domain.TicketType) error {
		return tt.Hold(quantity, l.now())
	})
}

// Commit, Release and Restore take an optional ledger entry key. A keyed call
// that was already applied returns the current row without touching it, so
// callers can re-run a step whose outcome they did not get to record.

func (l *Ledger) Commit(ctx context.Context, ticketTypeID uuid.UUID, quantity int, entry string) (domain.TicketType, error) {
	return l.apply(ctx, "commit", entry, ticketTypeID, quantity, func(tt *domain.TicketType) error {
		inv, err := tt.Inventory.Commit(quantity)
		tt.Inventory = inv
		return err
	})
}

func (l *Ledger) Release(ctx context.Context, ticketTypeID uuid.UUID, quantity int, entry string) (domain.TicketType, error) {
	return l.apply(ctx, "release", entry, ticketTypeID, quantity, func(tt *domain.TicketType) error {
		inv, err := tt.Inventory.Release(quantity)
		tt.Inventory = inv
		return err
	})
}

func (l *Ledger) Restore(ctx context.Context, ticketTypeID uuid.UUID, quantity int, entry string) (domain.TicketType, error) {
	return l.apply(ctx, "restore", entry, ticketTypeID, quantity, func(tt *domain.TicketType) error {
		inv, err := tt.Inventory.Restore(quantity)
		tt.Inventory = inv
		return err
	})
}

func (l *Ledger) apply(ctx context.Context, op, entry string, ticketTypeID uuid.UUID, quantity int, fn func(*domain.TicketType) error) (tt domain.TicketType, err error) {
	ctx, span := observability.StartSpan(ctx, "inventory", "ledger."+op)
	span.SetAttributes(
		attribute.String("ticket_type_id", ticketTypeID.String()),
		attribute.Int("quantity", quantity),
	)
	defer func() { observability.EndSpan(span, err) }()

	if quantity <= 0 {
		observability.LedgerOps.WithLabelValues(op, "invalid").Inc()
		return domain.TicketType{}, domain.InvalidInput("%s quantity must be positive, got %d", op, quantity)
	}

	var before domain.Inventory
	mutate := func(row *domain.TicketType) error {
		before = row.Inventory
		return fn(row)
	}
	applied := true
	if entry == "" {
		tt, err = l.store.UpdateTicketType(ctx, ticketTypeID, mutate)
	} else {
		tt, applied, err = l.store.ApplyTicketTypeEntry(ctx, ticketTypeID, entry, mutate)
	}
	if err != nil {
		observability.LedgerOps.WithLabelValues(op, outcome(err)).Inc()
		if domain.IsFatal(err) {
			l.reportViolation(ctx, op, ticketTypeID, quantity, before, err)
		}
		return domain.TicketType{}, errors.Wrapf(err, "%s %d of ticket type %s", op, quantity, ticketTypeID)
	}
	if !applied {
		observability.LedgerOps.WithLabelValues(op, "already_applied").Inc()
		l.logger.WithFields(map[string]interface{}{
			"op":             op,
			"entry":          entry,
			"ticket_type_id": ticketTypeID.String(),
		}).Debug("ledger entry already applied")
		return tt, nil
	}
	observability.LedgerOps.WithLabelValues(op, "ok").Inc()
	return tt, nil
}

func (l *Ledger) reportViolation(ctx context.Context, op string, ticketTypeID uuid.UUID, quantity int, inv domain.Inventory, err error) {
	observability.InvariantViolations.Inc()
	fields := map[string]interface{}{
		"op":             op,
		"ticket_type_id": ticketTypeID.String(),
		"quantity":       quantity,
		"total":          inv.Total(),
		"available":      inv.Available(),
		"held":           inv.Held(),
		"sold":           inv.Sold(),
	}
	l.logger.WithFields(fields).WithError(err).Error("inventory invariant violation")
	if l.audit == nil {
		return
	}
	if aerr := l.audit.Record(ctx, domain.AuditRecord{Action: "inventory.invariant_violation", Subject: ticketTypeID, Data: fields}); aerr != nil {
		l.logger.WithError(aerr).Warn("failed to audit invariant violation")
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientInventory):
		return "insufficient"
	case errors.Is(err, domain.ErrSalesWindowClosed):
		return "window_closed"
	case errors.Is(err, domain.ErrQuantityExceedsLimit):
		return "limit"
	case domain.IsFatal(err):
		return "invariant_violation"
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case domain.IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}
