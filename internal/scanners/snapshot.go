package scanners

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

type SnapshotTicket struct {
	TicketID          uuid.UUID `json:"ticket_id"`
	TicketTypeID      uuid.UUID `json:"ticket_type_id"`
	OwnerID           uuid.UUID `json:"owner_id"`
	Barcode           string    `json:"barcode"`
	CredentialVersion int       `json:"credential_version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Snapshot is what an offline scanner needs to validate tickets locally.
// For incremental syncs Invalidated lists tickets that left VALID since the
// previous sync and must be dropped from the device.
type Snapshot struct {
	EventID     uuid.UUID        `json:"event_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Since       *time.Time       `json:"since,omitempty"`
	Tickets     []SnapshotTicket `json:"tickets"`
	Invalidated []uuid.UUID      `json:"invalidated,omitempty"`
}

// Snapshot builds the sync payload for the scanner. A scanner scoped to an
// event may only sync that event; an unscoped scanner names the event and it
// must belong to the scanner's organization.
func (r *Registry) Snapshot(ctx context.Context, identity domain.ScannerIdentity, eventID *uuid.UUID, since *time.Time) (Snapshot, error) {
	target, err := r.snapshotEvent(ctx, identity, eventID)
	if err != nil {
		return Snapshot{}, err
	}

	generatedAt := r.now().UTC()
	rows, err := r.store.ListTicketsForSnapshot(ctx, target, since)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "list snapshot tickets")
	}

	snap := Snapshot{EventID: target, GeneratedAt: generatedAt, Since: since, Tickets: []SnapshotTicket{}}
	for _, t := range rows {
		if t.Status != domain.TicketValid {
			if since != nil {
				snap.Invalidated = append(snap.Invalidated, t.ID)
			}
			continue
		}
		snap.Tickets = append(snap.Tickets, SnapshotTicket{
			TicketID:          t.ID,
			TicketTypeID:      t.TicketTypeID,
			OwnerID:           t.OwnerID,
			Barcode:           t.Barcode,
			CredentialVersion: t.CredentialVersion,
			UpdatedAt:         t.UpdatedAt,
		})
	}

	if _, err := r.store.UpdateScanner(ctx, identity.ScannerID, func(sc *domain.Scanner) error {
		sc.LastSyncAt = &generatedAt
		return nil
	}); err != nil {
		r.logger.WithField("scanner_id", identity.ScannerID.String()).WithError(err).Warn("failed to record scanner sync")
	}
	return snap, nil
}

func (r *Registry) snapshotEvent(ctx context.Context, identity domain.ScannerIdentity, eventID *uuid.UUID) (uuid.UUID, error) {
	if identity.EventID != nil {
		if eventID != nil && *eventID != *identity.EventID {
			return uuid.Nil, errors.Wrapf(domain.ErrForbidden, "scanner is scoped to event %s", *identity.EventID)
		}
		return *identity.EventID, nil
	}
	if eventID == nil {
		return uuid.Nil, domain.InvalidInput("event id is required for scanners without an event scope")
	}
	event, err := r.catalog.GetEvent(ctx, *eventID)
	if err != nil {
		return uuid.Nil, err
	}
	if event.OrganizationID != identity.OrganizationID {
		return uuid.Nil, errors.Wrapf(domain.ErrForbidden, "event %s belongs to another organization", event.ID)
	}
	return event.ID, nil
}
