package payments

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Result is the message the billing service publishes once a charge settles.
type Result struct {
	OrderID   uuid.UUID `json:"order_id"`
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
}

type Orders interface {
	Confirm(ctx context.Context, orderID uuid.UUID) (domain.Order, []domain.Ticket, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (domain.Order, error)
	Get(ctx context.Context, orderID uuid.UUID) (domain.Order, []domain.Ticket, error)
}

// Handler applies payment results to orders. Redelivered results for orders
// that already reached the outcome are acknowledged as no-ops.
type Handler struct {
	orders Orders
	logger observability.Logger
}

func NewHandler(orders Orders, logger observability.Logger) *Handler {
	return &Handler{orders: orders, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, body []byte) error {
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.InvalidInput("malformed payment result: %v", err)
	}
	if res.OrderID == uuid.Nil {
		return domain.InvalidInput("payment result without order id")
	}
	logger := h.logger.WithFields(map[string]interface{}{
		"order_id":   res.OrderID.String(),
		"payment_id": res.PaymentID,
		"status":     res.Status,
	})

	var err error
	var settled func(domain.OrderStatus) bool
	switch res.Status {
	case StatusSucceeded:
		_, _, err = h.orders.Confirm(ctx, res.OrderID)
		settled = func(s domain.OrderStatus) bool { return s != domain.OrderPending && s != domain.OrderCancelled }
	case StatusFailed:
		_, err = h.orders.Cancel(ctx, res.OrderID)
		settled = func(s domain.OrderStatus) bool { return s == domain.OrderCancelled }
	default:
		return domain.InvalidInput("unknown payment status %q", res.Status)
	}

	if errors.Is(err, domain.ErrInvalidStateTransition) {
		order, _, gerr := h.orders.Get(ctx, res.OrderID)
		if gerr == nil && settled(order.Status) {
			logger.Debug("payment result already applied")
			return nil
		}
		// A charge that succeeded after the hold lapsed needs a manual refund.
		logger.WithError(err).WithField("order_status", string(order.Status)).Error("payment result conflicts with order state")
		return err
	}
	if err != nil {
		return errors.Wrapf(err, "apply payment result for order %s", res.OrderID)
	}
	logger.Info("payment result applied")
	return nil
}
