package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending           OrderStatus = "PENDING"
	OrderPaid              OrderStatus = "PAID"
	OrderCancelled         OrderStatus = "CANCELLED"
	OrderRefunded          OrderStatus = "REFUNDED"
	OrderPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderCancelled || s == OrderRefunded
}

type Order struct {
	ID               uuid.UUID
	PurchaserID      uuid.UUID
	EventID          uuid.UUID
	Status           OrderStatus
	Items            []OrderItem
	Subtotal         int64
	PromoAdjustment  int64
	TotalAmount      int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
	ConfirmStartedAt *time.Time
}

type OrderItem struct {
	TicketTypeID uuid.UUID
	Quantity     int
	UnitPrice    int64
	Committed    bool
}

type ItemRequest struct {
	TicketTypeID uuid.UUID
	Quantity     int
}

func NewOrder(purchaserID, eventID uuid.UUID, items []OrderItem, promoAdjustment int64, now time.Time, holdTTL time.Duration) Order {
	var subtotal int64
	for _, item := range items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	total := subtotal - promoAdjustment
	if total < 0 {
		total = 0
	}
	return Order{
		ID:              uuid.New(),
		PurchaserID:     purchaserID,
		EventID:         eventID,
		Status:          OrderPending,
		Items:           items,
		Subtotal:        subtotal,
		PromoAdjustment: promoAdjustment,
		TotalAmount:     total,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(holdTTL),
	}
}

// ValidateItems rejects carts that cannot be reserved as a unit.
func ValidateItems(items []ItemRequest) error {
	if len(items) == 0 {
		return InvalidInput("order has no items")
	}
	seen := make(map[uuid.UUID]struct{}, len(items))
	for _, item := range items {
		if item.TicketTypeID == uuid.Nil {
			return InvalidInput("item without ticket type")
		}
		if item.Quantity <= 0 {
			return InvalidInput("quantity must be positive for ticket type %s", item.TicketTypeID)
		}
		if _, ok := seen[item.TicketTypeID]; ok {
			return InvalidInput("ticket type %s appears more than once", item.TicketTypeID)
		}
		seen[item.TicketTypeID] = struct{}{}
	}
	return nil
}

func (o Order) TicketCount() int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

// BeginConfirm marks the order as being confirmed. Repeating it on an order
// whose confirmation already started is allowed so an interrupted confirm can
// be run again to completion.
func (o *Order) BeginConfirm(now time.Time) error {
	if o.Status != OrderPending {
		return invalidTransition("order", o.Status, OrderPaid)
	}
	if o.ConfirmStartedAt == nil {
		o.ConfirmStartedAt = &now
	}
	o.UpdatedAt = now
	return nil
}

func (o *Order) MarkPaid(now time.Time) error {
	if o.Status != OrderPending || o.ConfirmStartedAt == nil {
		return invalidTransition("order", o.Status, OrderPaid)
	}
	for _, item := range o.Items {
		if !item.Committed {
			return InvariantViolation("order %s marked paid with uncommitted ticket type %s", o.ID, item.TicketTypeID)
		}
	}
	o.Status = OrderPaid
	o.UpdatedAt = now
	return nil
}

func (o *Order) Cancel(now time.Time) error {
	if o.Status != OrderPending {
		return invalidTransition("order", o.Status, OrderCancelled)
	}
	if o.ConfirmStartedAt != nil {
		return errors.Wrap(invalidTransition("order", o.Status, OrderCancelled), "confirmation in progress")
	}
	o.Status = OrderCancelled
	o.UpdatedAt = now
	return nil
}

func (o Order) Refundable() error {
	if o.Status != OrderPaid && o.Status != OrderPartiallyRefunded {
		return invalidTransition("order", o.Status, OrderRefunded)
	}
	return nil
}

// ApplyRefund settles the refund status from the number of tickets still held by the purchaser.
func (o *Order) ApplyRefund(remaining int, now time.Time) error {
	if err := o.Refundable(); err != nil {
		return err
	}
	if remaining == 0 {
		o.Status = OrderRefunded
	} else {
		o.Status = OrderPartiallyRefunded
	}
	o.UpdatedAt = now
	return nil
}

func (o Order) Expired(now time.Time) bool {
	return o.Status == OrderPending && o.ConfirmStartedAt == nil && !now.Before(o.ExpiresAt)
}

func invalidTransition(entity string, from, to interface{}) error {
	return errors.Wrapf(ErrInvalidStateTransition, "%s cannot move from %v to %v", entity, from, to)
}
