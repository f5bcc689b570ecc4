package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/memory"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/config"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanners"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine *Engine
	store  *memory.Store
	event  domain.Event
	tt     uuid.UUID
	buyer  domain.Principal
	admin  domain.Principal
	promo  domain.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		CredentialSecret: "0123456789abcdef0123456789abcdef",
		APIKeyPepper:     "pepper",
		HoldTTL:          10 * time.Minute,
		ScanMaxAge:       72 * time.Hour,
		ScanMaxSkew:      5 * time.Minute,
		ScanBatchLimit:   100,
		RefundUsedPolicy: domain.RefundUsedKeepUsed,
		LockMaxRetries:   3,
	}
	store := memory.NewStore(time.Second)
	event := domain.Event{ID: uuid.New(), OrganizationID: uuid.New(), Name: "Finals"}
	eng, _, err := Build(cfg, store, memory.NewCatalog(event), memory.NewAuditLog(), observability.NewLoggerWithOutput(io.Discard))
	require.NoError(t, err)

	inv, err := domain.NewInventory(10)
	require.NoError(t, err)
	tt := domain.TicketType{
		ID:          uuid.New(),
		EventID:     event.ID,
		Price:       5000,
		MaxPerOrder: 4,
		SalesStart:  time.Now().Add(-time.Hour),
		SalesEnd:    time.Now().Add(time.Hour),
		Status:      domain.TicketTypeOnSale,
		Inventory:   inv,
	}
	require.NoError(t, store.SaveTicketType(context.Background(), tt))

	return &fixture{
		engine: eng,
		store:  store,
		event:  event,
		tt:     tt.ID,
		buyer:  domain.Principal{UserID: uuid.New(), Role: domain.RolePurchaser},
		admin:  domain.Principal{UserID: uuid.New(), Role: domain.RoleAdmin},
		promo:  domain.Principal{UserID: uuid.New(), Role: domain.RolePromoter, OrganizationID: event.OrganizationID},
	}
}

func (f *fixture) paidOrder(t *testing.T, quantity int) OrderView {
	t.Helper()
	ctx := context.Background()
	o, err := f.engine.CreateOrder(ctx, f.buyer, f.event.ID, []domain.ItemRequest{{TicketTypeID: f.tt, Quantity: quantity}}, 0)
	require.NoError(t, err)
	view, err := f.engine.ConfirmOrder(ctx, f.admin, o.ID)
	require.NoError(t, err)
	return view
}

func TestOrderCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	items := []domain.ItemRequest{{TicketTypeID: f.tt, Quantity: 1}}

	_, err := f.engine.CreateOrder(ctx, domain.Principal{}, f.event.ID, items, 0)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	o, err := f.engine.CreateOrder(ctx, f.buyer, f.event.ID, items, 0)
	require.NoError(t, err)
	assert.Equal(t, f.buyer.UserID, o.PurchaserID)

	_, err = f.engine.ConfirmOrder(ctx, f.buyer, o.ID)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	stranger := domain.Principal{UserID: uuid.New(), Role: domain.RolePurchaser}
	_, err = f.engine.GetOrder(ctx, stranger, o.ID)
	assert.True(t, errors.Is(err, domain.ErrForbidden))
	_, err = f.engine.CancelOrder(ctx, stranger, o.ID)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	view, err := f.engine.GetOrder(ctx, f.buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, view.Order.Status)

	cancelled, err := f.engine.CancelOrder(ctx, f.buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)
}

func TestTicketCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.paidOrder(t, 1)
	ticketID := view.Tickets[0].ID

	_, _, err := f.engine.GetTicket(ctx, f.promo, ticketID)
	assert.True(t, errors.Is(err, domain.ErrForbidden), "promoters cannot read purchaser tickets")

	ticket, qr, err := f.engine.GetTicket(ctx, f.buyer, ticketID)
	require.NoError(t, err)
	assert.NotEmpty(t, qr)

	friend := uuid.New()
	moved, err := f.engine.TransferTicket(ctx, f.buyer, ticketID, friend)
	require.NoError(t, err)
	assert.Equal(t, friend, moved.OwnerID)

	_, err = f.engine.TransferTicket(ctx, f.buyer, ticketID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrForbidden), "previous owner lost access")

	regenerated, newQR, err := f.engine.RegenerateCredential(ctx, f.admin, ticketID)
	require.NoError(t, err)
	assert.Equal(t, ticket.CredentialVersion+2, regenerated.CredentialVersion)
	assert.NotEqual(t, qr, newQR)
}

func TestScannerCapabilities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := scanners.RegisterRequest{Name: "Gate 1", OrganizationID: f.event.OrganizationID, EventID: &f.event.ID}

	_, _, err := f.engine.RegisterScanner(ctx, f.buyer, req)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	sc, key, err := f.engine.RegisterScanner(ctx, f.promo, req)
	require.NoError(t, err)

	identity, err := f.engine.AuthenticateScanner(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sc.ID, identity.ScannerID)

	_, err = f.engine.DisableScanner(ctx, f.buyer, sc.ID)
	assert.True(t, errors.Is(err, domain.ErrForbidden))
	_, err = f.engine.DisableScanner(ctx, f.admin, sc.ID)
	require.NoError(t, err)
	_, err = f.engine.AuthenticateScanner(ctx, key)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	_, err = f.engine.Scan(ctx, domain.ScannerIdentity{}, scanning.Request{Credential: "x", ScanType: domain.ScanEntry})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	_, err = f.engine.GetOccupancy(ctx, f.buyer, f.event.ID)
	assert.True(t, errors.Is(err, domain.ErrForbidden))
	_, err = f.engine.ScanLogs(ctx, f.buyer, domain.ScanLogFilter{EventID: &f.event.ID})
	assert.True(t, errors.Is(err, domain.ErrForbidden))
}

func TestPromoterIsScopedToOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := scanners.RegisterRequest{Name: "Gate 2", OrganizationID: f.event.OrganizationID, EventID: &f.event.ID}
	outsider := domain.Principal{UserID: uuid.New(), Role: domain.RolePromoter, OrganizationID: uuid.New()}
	unscoped := domain.Principal{UserID: uuid.New(), Role: domain.RolePromoter}

	for _, p := range []domain.Principal{outsider, unscoped} {
		_, _, err := f.engine.RegisterScanner(ctx, p, req)
		assert.True(t, errors.Is(err, domain.ErrForbidden), "register: %v", err)
	}

	sc, _, err := f.engine.RegisterScanner(ctx, f.promo, req)
	require.NoError(t, err)

	forbidden := map[string]func(domain.Principal) error{
		"disable": func(p domain.Principal) error {
			_, err := f.engine.DisableScanner(ctx, p, sc.ID)
			return err
		},
		"enable": func(p domain.Principal) error {
			_, err := f.engine.EnableScanner(ctx, p, sc.ID)
			return err
		},
		"revoke": func(p domain.Principal) error {
			_, err := f.engine.RevokeScanner(ctx, p, sc.ID)
			return err
		},
		"occupancy": func(p domain.Principal) error {
			_, err := f.engine.GetOccupancy(ctx, p, f.event.ID)
			return err
		},
		"event logs": func(p domain.Principal) error {
			_, err := f.engine.ScanLogs(ctx, p, domain.ScanLogFilter{EventID: &f.event.ID})
			return err
		},
		"scanner logs": func(p domain.Principal) error {
			_, err := f.engine.ScanLogs(ctx, p, domain.ScanLogFilter{ScannerID: &sc.ID})
			return err
		},
	}
	for name, call := range forbidden {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(call(outsider), domain.ErrForbidden))
			assert.True(t, errors.Is(call(unscoped), domain.ErrForbidden))
		})
	}

	_, err = f.engine.GetOccupancy(ctx, f.promo, f.event.ID)
	assert.NoError(t, err)
	_, err = f.engine.ScanLogs(ctx, f.promo, domain.ScanLogFilter{ScannerID: &sc.ID})
	assert.NoError(t, err)
	_, err = f.engine.DisableScanner(ctx, f.promo, sc.ID)
	assert.NoError(t, err)
	_, err = f.engine.EnableScanner(ctx, f.admin, sc.ID)
	assert.NoError(t, err, "admins are not scoped")
	revoked, err := f.engine.RevokeScanner(ctx, f.promo, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScannerRevoked, revoked.Status)
}

func TestRefundedTicketCannotEnter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.paidOrder(t, 2)

	_, key, err := f.engine.RegisterScanner(ctx, f.admin, scanners.RegisterRequest{Name: "Gate", OrganizationID: f.event.OrganizationID, EventID: &f.event.ID})
	require.NoError(t, err)
	identity, err := f.engine.AuthenticateScanner(ctx, key)
	require.NoError(t, err)

	snap, err := f.engine.SyncSnapshot(ctx, identity, nil, nil)
	require.NoError(t, err)
	assert.Len(t, snap.Tickets, 2)

	refunded, err := f.engine.RefundOrder(ctx, f.admin, view.Order.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRefunded, refunded.Status)

	tt, err := f.store.GetTicketType(ctx, f.tt)
	require.NoError(t, err)
	assert.Equal(t, 0, tt.Inventory.Sold())
	assert.Equal(t, 10, tt.Inventory.Available())

	for _, ticket := range view.Tickets {
		res, err := f.engine.Scan(ctx, identity, scanning.Request{Credential: ticket.Barcode, ScanType: domain.ScanEntry})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.True(t, errors.Is(res.Failure(), domain.ErrInvalidTicket))
	}

	report, err := f.engine.GetOccupancy(ctx, f.promo, f.event.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Current)

	logs, err := f.engine.ScanLogs(ctx, f.promo, domain.ScanLogFilter{EventID: &f.event.ID})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}
