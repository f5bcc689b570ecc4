package domain

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTicket_ApplyScan(t *testing.T) {
	now := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	exited := now.Add(-time.Minute)

	tests := []struct {
		name       string
		ticket     Ticket
		scanType   ScanType
		wantReason ScanReason
		wantStatus TicketStatus
		changed    bool
	}{
		{"valid entry", Ticket{Status: TicketValid}, ScanEntry, ReasonOK, TicketUsed, true},
		{"used entry", Ticket{Status: TicketUsed}, ScanEntry, ReasonAlreadyUsed, TicketUsed, false},
		{"cancelled entry", Ticket{Status: TicketCancelled}, ScanEntry, ReasonTicketCancelled, TicketCancelled, false},
		{"stale entry", Ticket{Status: TicketTransferred}, ScanEntry, ReasonStaleCredential, TicketTransferred, false},
		{"used exit", Ticket{Status: TicketUsed}, ScanExit, ReasonOK, TicketUsed, true},
		{"second exit", Ticket{Status: TicketUsed, ExitedAt: &exited}, ScanExit, ReasonNotCheckedIn, TicketUsed, false},
		{"valid exit", Ticket{Status: TicketValid}, ScanExit, ReasonNotCheckedIn, TicketValid, false},
		{"valid validation", Ticket{Status: TicketValid}, ScanValidation, ReasonOK, TicketValid, false},
		{"used validation", Ticket{Status: TicketUsed}, ScanValidation, ReasonOK, TicketUsed, false},
		{"cancelled validation", Ticket{Status: TicketCancelled}, ScanValidation, ReasonTicketCancelled, TicketCancelled, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ticket := tc.ticket
			reason, changed := ticket.ApplyScan(tc.scanType, now, now)
			assert.Equal(t, tc.wantReason, reason)
			assert.Equal(t, tc.wantStatus, ticket.Status)
			assert.Equal(t, tc.changed, changed)
		})
	}
}

func TestScanReason_Err(t *testing.T) {
	assert.NoError(t, ReasonOK.Err())
	assert.True(t, errors.Is(ReasonAlreadyUsed.Err(), ErrAlreadyUsed))
	assert.True(t, errors.Is(ReasonNotCheckedIn.Err(), ErrNotCheckedIn))
	assert.True(t, errors.Is(ReasonTicketCancelled.Err(), ErrInvalidTicket))
	assert.True(t, errors.Is(ReasonWrongEvent.Err(), ErrInvalidTicket))
}

func TestScanDedupeKey_NormalizesPrecision(t *testing.T) {
	at := time.Date(2026, 6, 1, 20, 0, 0, 123456789, time.FixedZone("X", 3600))
	a := ScanDedupeKey("t1", ScanEntry, at)
	b := ScanDedupeKey("t1", ScanEntry, at.UTC().Truncate(time.Microsecond))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ScanDedupeKey("t1", ScanExit, at))
}

func TestPrincipal_Capabilities(t *testing.T) {
	p := Principal{UserID: [16]byte{1}, Role: RolePurchaser}
	assert.NoError(t, p.Require(CapPurchase))
	assert.True(t, errors.Is(p.Require(CapManageOrders), ErrForbidden))
	assert.NoError(t, p.RequireOwnerOr(p.UserID, CapManageOrders))

	anon := Principal{}
	assert.True(t, errors.Is(anon.Require(CapPurchase), ErrUnauthorized))

	admin := Principal{UserID: [16]byte{2}, Role: RoleAdmin}
	assert.NoError(t, admin.RequireOwnerOr(p.UserID, CapManageOrders))
}

func TestPrincipal_RequireOrganization(t *testing.T) {
	org := uuid.New()
	promoter := Principal{UserID: uuid.New(), Role: RolePromoter, OrganizationID: org}
	assert.NoError(t, promoter.RequireOrganization(org, CapManageScanners))
	assert.True(t, errors.Is(promoter.RequireOrganization(uuid.New(), CapManageScanners), ErrForbidden))

	unscoped := Principal{UserID: uuid.New(), Role: RolePromoter}
	assert.True(t, errors.Is(unscoped.RequireOrganization(org, CapViewEntry), ErrForbidden))

	buyer := Principal{UserID: uuid.New(), Role: RolePurchaser, OrganizationID: org}
	assert.True(t, errors.Is(buyer.RequireOrganization(org, CapManageScanners), ErrForbidden))

	admin := Principal{UserID: uuid.New(), Role: RoleAdmin}
	assert.NoError(t, admin.RequireOrganization(org, CapViewEntry))
}

func TestLedgerEntries_AreDistinctPerStep(t *testing.T) {
	order, tt := uuid.New(), uuid.New()
	assert.NotEqual(t, CommitEntry(order, tt), ReleaseEntry(order, tt))
	assert.NotEqual(t, CommitEntry(order, tt), CommitEntry(uuid.New(), tt))
	assert.Equal(t, RestoreEntry(tt), RestoreEntry(tt))
}

func TestOrder_StateMachine(t *testing.T) {
	now := time.Now()
	o := NewOrder([16]byte{1}, [16]byte{2}, []OrderItem{{TicketTypeID: [16]byte{3}, Quantity: 2, UnitPrice: 500}}, 300, now, time.Minute)
	assert.Equal(t, int64(1000), o.Subtotal)
	assert.Equal(t, int64(700), o.TotalAmount)

	assert.NoError(t, o.BeginConfirm(now))
	assert.True(t, errors.Is(o.Cancel(now), ErrInvalidStateTransition))
	assert.True(t, IsFatal(o.MarkPaid(now)))

	o.Items[0].Committed = true
	assert.NoError(t, o.MarkPaid(now))
	assert.True(t, errors.Is(o.BeginConfirm(now), ErrInvalidStateTransition))
	assert.NoError(t, o.ApplyRefund(1, now))
	assert.Equal(t, OrderPartiallyRefunded, o.Status)
	assert.NoError(t, o.ApplyRefund(0, now))
	assert.Equal(t, OrderRefunded, o.Status)
	assert.True(t, errors.Is(o.ApplyRefund(0, now), ErrInvalidStateTransition))
}
