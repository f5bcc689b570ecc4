package orders

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/tickets"
	"go.opentelemetry.io/otel/attribute"
)

type Store interface {
	InsertOrder(ctx context.Context, o domain.Order, events ...domain.OutboxEvent) error
	GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*domain.Order) ([]domain.OutboxEvent, error)) (domain.Order, error)
	ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
}

type Ledger interface {
	Get(ctx context.Context, ticketTypeID uuid.UUID) (domain.TicketType, error)
	Hold(ctx context.Context, ticketTypeID uuid.UUID, quantity int) (domain.TicketType, error)
	Commit(ctx context.Context, ticketTypeID uuid.UUID, quantity int, entry string) (domain.TicketType, error)
	Release(ctx context.Context, ticketTypeID uuid.UUID, quantity int, entry string) (domain.TicketType, error)
	Restore(ctx context.Context, ticketTypeID uuid.UUID, quantity int, entry string) (domain.TicketType, error)
}

type Issuer interface {
	Issue(ctx context.Context, req tickets.IssueRequest) (domain.Ticket, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
	Refund(ctx context.Context, id uuid.UUID, keepUsed bool) (domain.Ticket, error)
}

// DefaultExpireBatch is the ExpireStale batch size when none is configured.
const DefaultExpireBatch = 100

type Options struct {
	HoldTTL      time.Duration
	RefundPolicy domain.RefundPolicy
	MaxRetries   int
	// ExpireBatch caps the orders handled per ExpireStale call.
	ExpireBatch int
}

type CreateRequest struct {
	PurchaserID     uuid.UUID
	EventID         uuid.UUID
	Items           []domain.ItemRequest
	PromoAdjustment int64
}

type Lifecycle struct {
	store  Store
	ledger Ledger
	issuer Issuer
	logger observability.Logger
	opts   Options
	now    func() time.Time
}

func NewLifecycle(store Store, ledger Ledger, issuer Issuer, logger observability.Logger, opts Options) *Lifecycle {
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = 10 * time.Minute
	}
	if opts.RefundPolicy == "" {
		opts.RefundPolicy = domain.RefundUsedKeepUsed
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ExpireBatch <= 0 {
		opts.ExpireBatch = DefaultExpireBatch
	}
	return &Lifecycle{store: store, ledger: ledger, issuer: issuer, logger: logger, opts: opts, now: time.Now}
}

// WithClock replaces the clock used for timestamps and expiry.
func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now
	return l
}

// Create holds inventory for every line and stores a PENDING order. Either
// every line is held or none is.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (order domain.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders", "orders.create")
	span.SetAttributes(attribute.String("event_id", req.EventID.String()))
	defer func() { observability.EndSpan(span, err) }()

	if req.PurchaserID == uuid.Nil || req.EventID == uuid.Nil {
		return domain.Order{}, domain.InvalidInput("order requires purchaser and event")
	}
	if req.PromoAdjustment < 0 {
		return domain.Order{}, domain.InvalidInput("promo adjustment must not be negative")
	}
	if err := domain.ValidateItems(req.Items); err != nil {
		return domain.Order{}, err
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		tt, err := l.ledger.Get(ctx, item.TicketTypeID)
		if err != nil {
			return domain.Order{}, err
		}
		if tt.EventID != req.EventID {
			return domain.Order{}, domain.InvalidInput("ticket type %s does not belong to event %s", tt.ID, req.EventID)
		}
		items = append(items, domain.OrderItem{TicketTypeID: tt.ID, Quantity: item.Quantity, UnitPrice: tt.Price})
	}

	var held []domain.OrderItem
	for _, item := range items {
		item := item
		if err := l.retry(ctx, func() error {
			_, err := l.ledger.Hold(ctx, item.TicketTypeID, item.Quantity)
			return err
		}); err != nil {
			l.releaseAll(ctx, uuid.Nil, held)
			return domain.Order{}, err
		}
		held = append(held, item)
	}

	order = domain.NewOrder(req.PurchaserID, req.EventID, items, req.PromoAdjustment, l.now().UTC(), l.opts.HoldTTL)
	created := domain.NewOutboxEvent("order", order.ID, "order.created", map[string]interface{}{
		"order_id":     order.ID,
		"purchaser_id": order.PurchaserID,
		"event_id":     order.EventID,
		"total":        order.TotalAmount,
		"expires_at":   order.ExpiresAt,
	})
	if err := l.store.InsertOrder(ctx, order, created); err != nil {
		l.releaseAll(ctx, order.ID, held)
		return domain.Order{}, errors.Wrap(err, "insert order")
	}

	observability.OrderTransitions.WithLabelValues(string(domain.OrderPending)).Inc()
	l.logger.WithFields(map[string]interface{}{
		"order_id": order.ID.String(),
		"event_id": order.EventID.String(),
		"tickets":  order.TicketCount(),
	}).Info("order created")
	return order, nil
}

// Confirm commits every line and issues one ticket per unit. Commits are keyed
// by order and ticket type, so an interrupted confirmation can be run again
// even when the commit landed and the progress marker did not.
func (l *Lifecycle) Confirm(ctx context.Context, orderID uuid.UUID) (order domain.Order, issued []domain.Ticket, err error) {
	ctx, span := observability.StartSpan(ctx, "orders", "orders.confirm")
	span.SetAttributes(attribute.String("order_id", orderID.String()))
	defer func() { observability.EndSpan(span, err) }()

	err = l.retry(ctx, func() error {
		var uerr error
		order, uerr = l.store.UpdateOrder(ctx, orderID, func(o *domain.Order) ([]domain.OutboxEvent, error) {
			return nil, o.BeginConfirm(l.now().UTC())
		})
		return uerr
	})
	if err != nil {
		return domain.Order{}, nil, err
	}

	for idx, item := range order.Items {
		if item.Committed {
			continue
		}
		if err := l.retry(ctx, func() error {
			_, err := l.ledger.Commit(ctx, item.TicketTypeID, item.Quantity, domain.CommitEntry(orderID, item.TicketTypeID))
			return err
		}); err != nil {
			return domain.Order{}, nil, l.incomplete(orderID, "commit", err)
		}
		if err := l.retry(ctx, func() error {
			var uerr error
			order, uerr = l.store.UpdateOrder(ctx, orderID, func(o *domain.Order) ([]domain.OutboxEvent, error) {
				o.Items[idx].Committed = true
				return nil, nil
			})
			return uerr
		}); err != nil {
			return domain.Order{}, nil, l.incomplete(orderID, "record commit", err)
		}
	}

	issued, err = l.issueMissing(ctx, order)
	if err != nil {
		return domain.Order{}, nil, l.incomplete(orderID, "issue tickets", err)
	}

	err = l.retry(ctx, func() error {
		var uerr error
		order, uerr = l.store.UpdateOrder(ctx, orderID, func(o *domain.Order) ([]domain.OutboxEvent, error) {
			if err := o.MarkPaid(l.now().UTC()); err != nil {
				return nil, err
			}
			return []domain.OutboxEvent{domain.NewOutboxEvent("order", o.ID, "order.paid", map[string]interface{}{
				"order_id": o.ID,
				"tickets":  len(issued),
				"total":    o.TotalAmount,
			})}, nil
		})
		return uerr
	})
	if err != nil {
		return domain.Order{}, nil, l.incomplete(orderID, "mark paid", err)
	}

	observability.OrderTransitions.WithLabelValues(string(domain.OrderPaid)).Inc()
	l.logger.WithFields(map[string]interface{}{
		"order_id": orderID.String(),
		"tickets":  len(issued),
	}).Info("order confirmed")
	return order, issued, nil
}

// issueMissing tops up each line to its quantity and returns every ticket of the order.
func (l *Lifecycle) issueMissing(ctx context.Context, order domain.Order) ([]domain.Ticket, error) {
	existing, err := l.issuer.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[uuid.UUID]int, len(order.Items))
	for _, t := range existing {
		have[t.TicketTypeID]++
	}

	all := existing
	for _, item := range order.Items {
		for n := have[item.TicketTypeID]; n < item.Quantity; n++ {
			var t domain.Ticket
			if err := l.retry(ctx, func() error {
				var ierr error
				t, ierr = l.issuer.Issue(ctx, tickets.IssueRequest{
					OrderID:      order.ID,
					EventID:      order.EventID,
					TicketTypeID: item.TicketTypeID,
					OwnerID:      order.PurchaserID,
				})
				return ierr
			}); err != nil {
				return nil, err
			}
			all = append(all, t)
		}
	}
	return all, nil
}

func (l *Lifecycle) incomplete(orderID uuid.UUID, step string, err error) error {
	l.logger.WithFields(map[string]interface{}{
		"order_id": orderID.String(),
		"step":     step,
	}).WithError(err).Error("order confirmation incomplete, safe to re-run")
	return errors.Wrapf(err, "confirm order %s: %s", orderID, step)
}

// Cancel moves a PENDING order to CANCELLED and releases its holds.
func (l *Lifecycle) Cancel(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	return l.cancel(ctx, orderID, "order.cancelled", nil)
}

// ExpireStale cancels pending orders whose hold has lapsed and returns how many were expired.
func (l *Lifecycle) ExpireStale(ctx context.Context) (int, error) {
	now := l.now().UTC()
	stale, err := l.store.ListExpiredOrders(ctx, now, l.opts.ExpireBatch)
	if err != nil {
		return 0, errors.Wrap(err, "list expired orders")
	}

	expired := 0
	for _, o := range stale {
		_, err := l.cancel(ctx, o.ID, "order.expired", func(o *domain.Order) bool { return o.Expired(now) })
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrInvalidStateTransition):
			// confirmed or cancelled since listing
		default:
			l.logger.WithField("order_id", o.ID.String()).WithError(err).Warn("failed to expire order")
		}
	}
	return expired, nil
}

func (l *Lifecycle) cancel(ctx context.Context, orderID uuid.UUID, eventType string, guard func(*domain.Order) bool) (order domain.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders", "orders.cancel")
	span.SetAttributes(attribute.String("order_id", orderID.String()))
	defer func() { observability.EndSpan(span, err) }()

	err = l.retry(ctx, func() error {
		var uerr error
		order, uerr = l.store.UpdateOrder(ctx, orderID, func(o *domain.Order) ([]domain.OutboxEvent, error) {
			if guard != nil && !guard(o) {
				return nil, errors.Wrapf(domain.ErrInvalidStateTransition, "order %s is not expired", o.ID)
			}
			if err := o.Cancel(l.now().UTC()); err != nil {
				return nil, err
			}
			return []domain.OutboxEvent{domain.NewOutboxEvent("order", o.ID, eventType, map[string]interface{}{
				"order_id": o.ID,
			})}, nil
		})
		return uerr
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			l.settleCancelled(ctx, orderID)
		}
		return domain.Order{}, err
	}

	observability.OrderTransitions.WithLabelValues(string(domain.OrderCancelled)).Inc()
	if err := l.releaseAll(ctx, orderID, order.Items); err != nil {
		return order, err
	}
	l.logger.WithFields(map[string]interface{}{
		"order_id": orderID.String(),
		"reason":   eventType,
	}).Info("order cancelled")
	return order, nil
}

// settleCancelled repeats the releases of an order that is already cancelled.
// Releases are keyed, so only the ones a previous cancel failed to apply land.
func (l *Lifecycle) settleCancelled(ctx context.Context, orderID uuid.UUID) {
	o, err := l.store.GetOrder(ctx, orderID)
	if err != nil || o.Status != domain.OrderCancelled {
		return
	}
	_ = l.releaseAll(ctx, orderID, o.Items)
}

// releaseAll returns held inventory. It runs detached from ctx's cancellation
// so an abandoned request still gives its holds back. Releases for a stored
// order are keyed by order and ticket type; a nil orderID means the order was
// never stored.
func (l *Lifecycle) releaseAll(ctx context.Context, orderID uuid.UUID, items []domain.OrderItem) error {
	ctx = context.WithoutCancel(ctx)
	var firstErr error
	for _, item := range items {
		item := item
		err := l.retry(ctx, func() error {
			entry := ""
			if orderID != uuid.Nil {
				entry = domain.ReleaseEntry(orderID, item.TicketTypeID)
			}
			_, err := l.ledger.Release(ctx, item.TicketTypeID, item.Quantity, entry)
			return err
		})
		if err != nil {
			l.logger.WithFields(map[string]interface{}{
				"order_id":       orderID.String(),
				"ticket_type_id": item.TicketTypeID.String(),
				"quantity":       item.Quantity,
			}).WithError(err).Error("failed to release hold")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Refund cancels the given tickets of a paid order, or all of its live
// tickets when ticketIDs is empty, and returns their inventory. Every refunded
// ticket of the order gets its unit back exactly once, so a run interrupted
// between the ticket refund and the restore is completed by running it again.
// Listed tickets that are already refunded are skipped. Without ticketIDs a
// re-run refunds whatever is still live, so retry a partial refund with the
// same IDs.
func (l *Lifecycle) Refund(ctx context.Context, orderID uuid.UUID, ticketIDs []uuid.UUID) (order domain.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders", "orders.refund")
	span.SetAttributes(attribute.String("order_id", orderID.String()), attribute.Int("tickets", len(ticketIDs)))
	defer func() { observability.EndSpan(span, err) }()

	order, err = l.store.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := order.Refundable(); err != nil {
		return domain.Order{}, err
	}
	owned, err := l.issuer.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	targets, err := selectRefunds(owned, ticketIDs)
	if err != nil {
		return domain.Order{}, err
	}
	if l.opts.RefundPolicy == domain.RefundUsedDeny {
		for _, t := range targets {
			if t.Status == domain.TicketUsed {
				return domain.Order{}, errors.Wrapf(domain.ErrTicketNotRefundable, "ticket %s was already admitted", t.ID)
			}
		}
	}

	keepUsed := l.opts.RefundPolicy == domain.RefundUsedKeepUsed
	for _, t := range targets {
		t := t
		var refunded domain.Ticket
		err := l.retry(ctx, func() error {
			var rerr error
			refunded, rerr = l.issuer.Refund(ctx, t.ID, keepUsed)
			return rerr
		})
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			// refunded concurrently; restoreRefunded still covers it
			continue
		}
		if err != nil {
			return domain.Order{}, errors.Wrapf(err, "refund ticket %s", t.ID)
		}
		if t.Status == domain.TicketUsed {
			l.logger.WithFields(map[string]interface{}{
				"ticket_id": t.ID.String(),
				"order_id":  orderID.String(),
				"status":    string(refunded.Status),
			}).Warn("refunded a used ticket")
		}
	}

	// the tickets are already refunded, so their units must come back even if the caller goes away
	if err := l.restoreRefunded(context.WithoutCancel(ctx), orderID); err != nil {
		return domain.Order{}, err
	}

	err = l.retry(ctx, func() error {
		var uerr error
		order, uerr = l.store.UpdateOrder(ctx, orderID, func(o *domain.Order) ([]domain.OutboxEvent, error) {
			current, err := l.issuer.ListByOrder(ctx, orderID)
			if err != nil {
				return nil, err
			}
			remaining := 0
			for _, t := range current {
				if live(t) {
					remaining++
				}
			}
			if err := o.ApplyRefund(remaining, l.now().UTC()); err != nil {
				return nil, err
			}
			return []domain.OutboxEvent{domain.NewOutboxEvent("order", o.ID, "order.refunded", map[string]interface{}{
				"order_id":  o.ID,
				"status":    o.Status,
				"refunded":  len(targets),
				"remaining": remaining,
			})}, nil
		})
		return uerr
	})
	if err != nil {
		return domain.Order{}, err
	}

	observability.OrderTransitions.WithLabelValues(string(order.Status)).Inc()
	return order, nil
}

// restoreRefunded returns one unit per refunded ticket of the order. Restores
// are keyed by ticket, so units restored by an earlier run are not counted twice.
func (l *Lifecycle) restoreRefunded(ctx context.Context, orderID uuid.UUID) error {
	current, err := l.issuer.ListByOrder(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "list refunded tickets")
	}
	for _, t := range current {
		if !t.Refunded() {
			continue
		}
		t := t
		if err := l.retry(ctx, func() error {
			_, err := l.ledger.Restore(ctx, t.TicketTypeID, 1, domain.RestoreEntry(t.ID))
			return err
		}); err != nil {
			l.logger.WithFields(map[string]interface{}{
				"ticket_id": t.ID.String(),
				"order_id":  orderID.String(),
			}).WithError(err).Error("refund incomplete, re-run to restore inventory")
			return errors.Wrapf(err, "restore inventory for ticket %s", t.ID)
		}
	}
	return nil
}

func live(t domain.Ticket) bool { return !t.Refunded() && t.Status != domain.TicketCancelled }

func selectRefunds(owned []domain.Ticket, ticketIDs []uuid.UUID) ([]domain.Ticket, error) {
	if len(ticketIDs) == 0 {
		var (
			out      []domain.Ticket
			refunded int
		)
		for _, t := range owned {
			switch {
			case live(t):
				out = append(out, t)
			case t.Refunded():
				refunded++
			}
		}
		if len(out) == 0 && refunded == 0 {
			return nil, errors.Wrap(domain.ErrInvalidStateTransition, "no refundable tickets left")
		}
		return out, nil
	}

	byID := make(map[uuid.UUID]domain.Ticket, len(owned))
	for _, t := range owned {
		byID[t.ID] = t
	}
	seen := make(map[uuid.UUID]bool, len(ticketIDs))
	out := make([]domain.Ticket, 0, len(ticketIDs))
	for _, id := range ticketIDs {
		t, ok := byID[id]
		if !ok {
			return nil, domain.InvalidInput("ticket %s does not belong to this order", id)
		}
		if seen[id] {
			return nil, domain.InvalidInput("ticket %s listed twice", id)
		}
		seen[id] = true
		switch {
		case t.Refunded():
			// refunded by an earlier run
		case !live(t):
			return nil, errors.Wrapf(domain.ErrInvalidStateTransition, "ticket %s is cancelled", id)
		default:
			out = append(out, t)
		}
	}
	return out, nil
}

func (l *Lifecycle) Get(ctx context.Context, orderID uuid.UUID) (domain.Order, []domain.Ticket, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	issued, err := l.issuer.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, nil, err
	}
	return order, issued, nil
}
