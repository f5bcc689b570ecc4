package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Ledger entry keys name a counter mutation that must apply at most once.
// Stores record the key in the same transaction as the counter update.

func CommitEntry(orderID, ticketTypeID uuid.UUID) string {
	return "commit/" + orderID.String() + "/" + ticketTypeID.String()
}

func ReleaseEntry(orderID, ticketTypeID uuid.UUID) string {
	return "release/" + orderID.String() + "/" + ticketTypeID.String()
}

func RestoreEntry(ticketID uuid.UUID) string {
	return "restore/" + ticketID.String()
}

// Inventory is the per-ticket-type counter set. total == available + held + sold
// holds for every value obtainable from this package; the four transition
// methods are its only mutators.
type Inventory struct {
	total     int
	available int
	held      int
	sold      int
}

func NewInventory(total int) (Inventory, error) {
	if total < 0 {
		return Inventory{}, InvalidInput("inventory total must be non-negative, got %d", total)
	}
	return Inventory{total: total, available: total}, nil
}

// LoadInventory rebuilds an Inventory from persisted counters, rejecting any
// combination that breaks the ledger invariant.
func LoadInventory(total, available, held, sold int) (Inventory, error) {
	inv := Inventory{total: total, available: available, held: held, sold: sold}
	if err := inv.Check(); err != nil {
		return Inventory{}, err
	}
	return inv, nil
}

func (i Inventory) Total() int     { return i.total }
func (i Inventory) Available() int { return i.available }
func (i Inventory) Held() int      { return i.held }
func (i Inventory) Sold() int      { return i.sold }

func (i Inventory) Check() error {
	if i.available < 0 || i.held < 0 || i.sold < 0 {
		return InvariantViolation("negative inventory counter: available=%d held=%d sold=%d", i.available, i.held, i.sold)
	}
	if i.available+i.held+i.sold != i.total {
		return InvariantViolation("inventory does not sum to total: %d+%d+%d != %d", i.available, i.held, i.sold, i.total)
	}
	return nil
}

// Hold moves quantity from available to held.
func (i Inventory) Hold(quantity int) (Inventory, error) {
	if quantity <= 0 {
		return i, InvalidInput("hold quantity must be positive, got %d", quantity)
	}
	if i.available < quantity {
		return i, errors.Wrapf(ErrInsufficientInventory, "requested %d, available %d", quantity, i.available)
	}
	i.available -= quantity
	i.held += quantity
	return i, nil
}

// Commit moves quantity from held to sold.
func (i Inventory) Commit(quantity int) (Inventory, error) {
	if quantity <= 0 {
		return i, InvalidInput("commit quantity must be positive, got %d", quantity)
	}
	if i.held < quantity {
		return i, InvariantViolation("commit of %d exceeds held %d", quantity, i.held)
	}
	i.held -= quantity
	i.sold += quantity
	return i, nil
}

// Release moves quantity from held back to available.
func (i Inventory) Release(quantity int) (Inventory, error) {
	if quantity <= 0 {
		return i, InvalidInput("release quantity must be positive, got %d", quantity)
	}
	if i.held < quantity {
		return i, InvariantViolation("release of %d exceeds held %d", quantity, i.held)
	}
	i.held -= quantity
	i.available += quantity
	return i, nil
}

// Restore moves quantity from sold back to available.
func (i Inventory) Restore(quantity int) (Inventory, error) {
	if quantity <= 0 {
		return i, InvalidInput("restore quantity must be positive, got %d", quantity)
	}
	if i.sold < quantity {
		return i, InvariantViolation("restore of %d exceeds sold %d", quantity, i.sold)
	}
	i.sold -= quantity
	i.available += quantity
	return i, nil
}

// Hold applies the sale preconditions of the ticket type before reserving quantity.
func (t *TicketType) Hold(quantity int, now time.Time) error {
	if quantity <= 0 {
		return InvalidInput("hold quantity must be positive, got %d", quantity)
	}
	if t.MaxPerOrder > 0 && quantity > t.MaxPerOrder {
		return errors.Wrapf(ErrQuantityExceedsLimit, "requested %d, limit %d", quantity, t.MaxPerOrder)
	}
	if t.Status != TicketTypeOnSale {
		return errors.Wrapf(ErrSalesWindowClosed, "ticket type status %s", t.Status)
	}
	if !t.SalesOpen(now) {
		return errors.Wrapf(ErrSalesWindowClosed, "sales open %s to %s", t.SalesStart.Format(time.RFC3339), t.SalesEnd.Format(time.RFC3339))
	}
	inv, err := t.Inventory.Hold(quantity)
	if err != nil {
		return err
	}
	t.Inventory = inv
	return nil
}
