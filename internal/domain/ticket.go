package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type TicketStatus string

const (
	TicketValid TicketStatus = "VALID"
	TicketUsed  TicketStatus = "USED"
	// TicketTransferred is reported for credentials that predate a transfer or
	// regeneration. Stored tickets return to VALID under their new owner.
	TicketTransferred TicketStatus = "TRANSFERRED"
	TicketCancelled   TicketStatus = "CANCELLED"
)

type Ticket struct {
	ID                uuid.UUID
	OrderID           uuid.UUID
	EventID           uuid.UUID
	TicketTypeID      uuid.UUID
	OwnerID           uuid.UUID
	Barcode           string
	CredentialVersion int
	Status            TicketStatus
	IssuedAt          time.Time
	UsedAt            *time.Time
	ExitedAt          *time.Time
	RefundedAt        *time.Time
	UpdatedAt         time.Time
}

func (t Ticket) Refunded() bool {
	return t.RefundedAt != nil
}

// Rekey installs a fresh barcode and bumps the credential version, which
// invalidates every previously issued credential for the ticket.
func (t *Ticket) Rekey(barcode string, now time.Time) error {
	if t.Status == TicketUsed || t.Status == TicketCancelled {
		return errors.Wrapf(ErrTicketNotTransferable, "ticket %s is %s", t.ID, t.Status)
	}
	t.Barcode = barcode
	t.CredentialVersion++
	t.UpdatedAt = now
	return nil
}

// Transfer reassigns a live ticket to newOwner. Besides CANCELLED, a USED
// ticket is not transferable either: the holder has been admitted and a new
// owner could not enter with it.
func (t *Ticket) Transfer(newOwner uuid.UUID, barcode string, now time.Time) error {
	if t.Status == TicketCancelled {
		return errors.Wrapf(ErrTicketNotTransferable, "ticket %s is cancelled", t.ID)
	}
	if newOwner == uuid.Nil {
		return InvalidInput("transfer requires a new owner")
	}
	if newOwner == t.OwnerID {
		return InvalidInput("ticket %s already belongs to %s", t.ID, newOwner)
	}
	if err := t.Rekey(barcode, now); err != nil {
		return err
	}
	t.OwnerID = newOwner
	t.Status = TicketValid
	return nil
}

// Refund records the refund of the ticket. keepUsed leaves an admitted ticket
// in USED so the entry remains visible for audit.
func (t *Ticket) Refund(keepUsed bool, now time.Time) error {
	if t.Refunded() || t.Status == TicketCancelled {
		return invalidTransition("ticket", t.Status, TicketCancelled)
	}
	t.RefundedAt = &now
	if !(keepUsed && t.Status == TicketUsed) {
		t.Status = TicketCancelled
	}
	t.UpdatedAt = now
	return nil
}

type RefundPolicy string

const (
	// RefundUsedAllow cancels used tickets like any other.
	RefundUsedAllow RefundPolicy = "allow"
	// RefundUsedKeepUsed restores inventory but leaves used tickets USED.
	RefundUsedKeepUsed RefundPolicy = "allow-keep-used"
	// RefundUsedDeny refuses to refund tickets that were already admitted.
	RefundUsedDeny RefundPolicy = "deny"
)

func ParseRefundPolicy(s string) (RefundPolicy, error) {
	switch p := RefundPolicy(s); p {
	case RefundUsedAllow, RefundUsedKeepUsed, RefundUsedDeny:
		return p, nil
	case "":
		return RefundUsedKeepUsed, nil
	default:
		return "", InvalidInput("unknown refund policy %q", s)
	}
}
