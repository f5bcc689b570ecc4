package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/occupancy"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/orders"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanners"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanning"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/tickets"
)

// Engine is the entry point for every caller-facing operation. It checks the
// caller's capability and delegates to the owning component.
type Engine struct {
	orders    *orders.Lifecycle
	tickets   *tickets.Issuer
	scanners  *scanners.Registry
	scans     *scanning.Processor
	occupancy *occupancy.Tracker
}

func New(lifecycle *orders.Lifecycle, issuer *tickets.Issuer, registry *scanners.Registry, processor *scanning.Processor, tracker *occupancy.Tracker) *Engine {
	return &Engine{
		orders:    lifecycle,
		tickets:   issuer,
		scanners:  registry,
		scans:     processor,
		occupancy: tracker,
	}
}

type OrderView struct {
	Order   domain.Order
	Tickets []domain.Ticket
}

func authenticated(p domain.Principal) error {
	if p.UserID == uuid.Nil {
		return errors.Wrap(domain.ErrUnauthorized, "no authenticated user")
	}
	return nil
}

func (e *Engine) CreateOrder(ctx context.Context, p domain.Principal, eventID uuid.UUID, items []domain.ItemRequest, promoAdjustment int64) (domain.Order, error) {
	if err := p.Require(domain.CapPurchase); err != nil {
		return domain.Order{}, err
	}
	return e.orders.Create(ctx, orders.CreateRequest{
		PurchaserID:     p.UserID,
		EventID:         eventID,
		Items:           items,
		PromoAdjustment: promoAdjustment,
	})
}

// ConfirmOrder is invoked once payment for the order has been captured.
func (e *Engine) ConfirmOrder(ctx context.Context, p domain.Principal, orderID uuid.UUID) (OrderView, error) {
	if err := p.Require(domain.CapManageOrders); err != nil {
		return OrderView{}, err
	}
	o, issued, err := e.orders.Confirm(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return OrderView{Order: o, Tickets: issued}, nil
}

func (e *Engine) CancelOrder(ctx context.Context, p domain.Principal, orderID uuid.UUID) (domain.Order, error) {
	if _, err := e.ownedOrder(ctx, p, orderID); err != nil {
		return domain.Order{}, err
	}
	return e.orders.Cancel(ctx, orderID)
}

func (e *Engine) RefundOrder(ctx context.Context, p domain.Principal, orderID uuid.UUID, ticketIDs []uuid.UUID) (domain.Order, error) {
	if err := p.Require(domain.CapManageOrders); err != nil {
		return domain.Order{}, err
	}
	return e.orders.Refund(ctx, orderID, ticketIDs)
}

func (e *Engine) GetOrder(ctx context.Context, p domain.Principal, orderID uuid.UUID) (OrderView, error) {
	o, err := e.ownedOrder(ctx, p, orderID)
	if err != nil {
		return OrderView{}, err
	}
	issued, err := e.tickets.ListByOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return OrderView{Order: o, Tickets: issued}, nil
}

func (e *Engine) ownedOrder(ctx context.Context, p domain.Principal, orderID uuid.UUID) (domain.Order, error) {
	if err := authenticated(p); err != nil {
		return domain.Order{}, err
	}
	o, _, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := p.RequireOwnerOr(o.PurchaserID, domain.CapManageOrders); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// GetTicket returns the ticket with its current QR payload.
func (e *Engine) GetTicket(ctx context.Context, p domain.Principal, ticketID uuid.UUID) (domain.Ticket, string, error) {
	t, err := e.ownedTicket(ctx, p, ticketID)
	if err != nil {
		return domain.Ticket{}, "", err
	}
	qr, err := e.tickets.Credential(t)
	if err != nil {
		return domain.Ticket{}, "", err
	}
	return t, qr, nil
}

func (e *Engine) TransferTicket(ctx context.Context, p domain.Principal, ticketID, newOwnerID uuid.UUID) (domain.Ticket, error) {
	if _, err := e.ownedTicket(ctx, p, ticketID); err != nil {
		return domain.Ticket{}, err
	}
	return e.tickets.Transfer(ctx, ticketID, newOwnerID)
}

func (e *Engine) RegenerateCredential(ctx context.Context, p domain.Principal, ticketID uuid.UUID) (domain.Ticket, string, error) {
	if _, err := e.ownedTicket(ctx, p, ticketID); err != nil {
		return domain.Ticket{}, "", err
	}
	t, err := e.tickets.RegenerateCredential(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, "", err
	}
	qr, err := e.tickets.Credential(t)
	if err != nil {
		return domain.Ticket{}, "", err
	}
	return t, qr, nil
}

func (e *Engine) ownedTicket(ctx context.Context, p domain.Principal, ticketID uuid.UUID) (domain.Ticket, error) {
	if err := authenticated(p); err != nil {
		return domain.Ticket{}, err
	}
	t, err := e.tickets.Get(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := p.RequireOwnerOr(t.OwnerID, domain.CapManageOrders); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

func (e *Engine) RegisterScanner(ctx context.Context, p domain.Principal, req scanners.RegisterRequest) (domain.Scanner, string, error) {
	if err := p.RequireOrganization(req.OrganizationID, domain.CapManageScanners); err != nil {
		return domain.Scanner{}, "", err
	}
	return e.scanners.Register(ctx, req)
}

func (e *Engine) DisableScanner(ctx context.Context, p domain.Principal, scannerID uuid.UUID) (domain.Scanner, error) {
	if err := e.scannerInScope(ctx, p, scannerID); err != nil {
		return domain.Scanner{}, err
	}
	return e.scanners.Disable(ctx, scannerID)
}

func (e *Engine) EnableScanner(ctx context.Context, p domain.Principal, scannerID uuid.UUID) (domain.Scanner, error) {
	if err := e.scannerInScope(ctx, p, scannerID); err != nil {
		return domain.Scanner{}, err
	}
	return e.scanners.Enable(ctx, scannerID)
}

func (e *Engine) RevokeScanner(ctx context.Context, p domain.Principal, scannerID uuid.UUID) (domain.Scanner, error) {
	if err := e.scannerInScope(ctx, p, scannerID); err != nil {
		return domain.Scanner{}, err
	}
	return e.scanners.Revoke(ctx, scannerID)
}

// scannerInScope checks the capability before loading the scanner, so callers
// without it never learn whether a scanner ID exists.
func (e *Engine) scannerInScope(ctx context.Context, p domain.Principal, scannerID uuid.UUID) error {
	if err := p.Require(domain.CapManageScanners); err != nil {
		return err
	}
	sc, err := e.scanners.Get(ctx, scannerID)
	if err != nil {
		return err
	}
	return p.RequireOrganization(sc.OrganizationID, domain.CapManageScanners)
}

func (e *Engine) AuthenticateScanner(ctx context.Context, apiKey string) (domain.ScannerIdentity, error) {
	return e.scanners.Authenticate(ctx, apiKey)
}

func (e *Engine) SyncSnapshot(ctx context.Context, identity domain.ScannerIdentity, eventID *uuid.UUID, since *time.Time) (scanners.Snapshot, error) {
	if identity.ScannerID == uuid.Nil {
		return scanners.Snapshot{}, errors.Wrap(domain.ErrUnauthorized, "no scanner identity")
	}
	return e.scanners.Snapshot(ctx, identity, eventID, since)
}

func (e *Engine) Scan(ctx context.Context, identity domain.ScannerIdentity, req scanning.Request) (scanning.Result, error) {
	if identity.ScannerID == uuid.Nil {
		return scanning.Result{}, errors.Wrap(domain.ErrUnauthorized, "no scanner identity")
	}
	return e.scans.Scan(ctx, identity, req)
}

func (e *Engine) ScanBatch(ctx context.Context, identity domain.ScannerIdentity, reqs []scanning.Request) ([]scanning.Result, error) {
	if identity.ScannerID == uuid.Nil {
		return nil, errors.Wrap(domain.ErrUnauthorized, "no scanner identity")
	}
	return e.scans.ScanBatch(ctx, identity, reqs)
}

func (e *Engine) GetOccupancy(ctx context.Context, p domain.Principal, eventID uuid.UUID) (occupancy.Report, error) {
	if err := e.eventInScope(ctx, p, eventID); err != nil {
		return occupancy.Report{}, err
	}
	return e.occupancy.Get(ctx, eventID)
}

func (e *Engine) ScanLogs(ctx context.Context, p domain.Principal, filter domain.ScanLogFilter) ([]domain.ScanLog, error) {
	if err := p.Require(domain.CapViewEntry); err != nil {
		return nil, err
	}
	if filter.EventID != nil {
		if err := e.eventInScope(ctx, p, *filter.EventID); err != nil {
			return nil, err
		}
	}
	if filter.ScannerID != nil {
		sc, err := e.scanners.Get(ctx, *filter.ScannerID)
		if err != nil {
			return nil, err
		}
		if err := p.RequireOrganization(sc.OrganizationID, domain.CapViewEntry); err != nil {
			return nil, err
		}
	}
	return e.occupancy.ScanLogs(ctx, filter)
}

func (e *Engine) eventInScope(ctx context.Context, p domain.Principal, eventID uuid.UUID) error {
	if err := p.Require(domain.CapViewEntry); err != nil {
		return err
	}
	if p.Role == domain.RoleAdmin {
		return nil
	}
	event, err := e.scanners.Event(ctx, eventID)
	if err != nil {
		return err
	}
	return p.RequireOrganization(event.OrganizationID, domain.CapViewEntry)
}
