package tickets

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/memory"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newIssuer(t *testing.T) (*Issuer, *memory.Store) {
	t.Helper()
	signer, err := NewSigner(testSecret)
	require.NoError(t, err)
	store := memory.NewStore(time.Second)
	return NewIssuer(store, signer, observability.NewLoggerWithOutput(io.Discard)), store
}

func issueOne(t *testing.T, issuer *Issuer) domain.Ticket {
	t.Helper()
	ticket, err := issuer.Issue(context.Background(), IssueRequest{
		OrderID:      uuid.New(),
		EventID:      uuid.New(),
		TicketTypeID: uuid.New(),
		OwnerID:      uuid.New(),
	})
	require.NoError(t, err)
	return ticket
}

func TestNewSigner_RejectsShortSecret(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)
}

func TestNewBarcode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		b, err := NewBarcode()
		require.NoError(t, err)
		assert.Len(t, b, 16)
		assert.False(t, seen[b])
		seen[b] = true
	}
}

func TestIssuer_Issue(t *testing.T) {
	issuer, store := newIssuer(t)
	ticket := issueOne(t, issuer)

	assert.Equal(t, domain.TicketValid, ticket.Status)
	assert.Equal(t, 1, ticket.CredentialVersion)
	assert.NotEmpty(t, ticket.Barcode)

	got, err := issuer.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Barcode, got.Barcode)

	events := store.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "ticket.issued", events[0].EventType)
}

func TestIssuer_IssueValidation(t *testing.T) {
	issuer, _ := newIssuer(t)
	_, err := issuer.Issue(context.Background(), IssueRequest{OrderID: uuid.New()})
	assert.True(t, domain.IsValidation(err))
}

func TestIssuer_CredentialIsDeterministic(t *testing.T) {
	issuer, _ := newIssuer(t)
	ticket := issueOne(t, issuer)

	a, err := issuer.Credential(ticket)
	require.NoError(t, err)
	b, err := issuer.Credential(ticket)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestIssuer_ResolveSignedAndBarcode(t *testing.T) {
	issuer, _ := newIssuer(t)
	ctx := context.Background()
	ticket := issueOne(t, issuer)

	qr, err := issuer.Credential(ticket)
	require.NoError(t, err)
	res, err := issuer.Resolve(ctx, qr)
	require.NoError(t, err)
	assert.True(t, res.Signed)
	assert.Equal(t, ticket.ID, res.TicketID)
	assert.Equal(t, ticket.EventID, res.EventID)
	assert.True(t, res.Current(ticket))

	res, err = issuer.Resolve(ctx, strings.ToLower(ticket.Barcode))
	require.NoError(t, err)
	assert.False(t, res.Signed)
	assert.Equal(t, ticket.ID, res.TicketID)
	assert.True(t, res.Current(ticket))
}

func TestIssuer_ResolveRejectsForgeries(t *testing.T) {
	issuer, _ := newIssuer(t)
	ctx := context.Background()
	ticket := issueOne(t, issuer)

	other, err := NewSigner("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	forged, err := other.Sign(ticket)
	require.NoError(t, err)

	_, err = issuer.Resolve(ctx, forged)
	assert.True(t, errors.Is(err, domain.ErrInvalidTicket))

	_, err = issuer.Resolve(ctx, "NOTABARCODE")
	assert.True(t, errors.Is(err, domain.ErrInvalidTicket))

	_, err = issuer.Resolve(ctx, "  ")
	assert.True(t, domain.IsValidation(err))
}

func TestIssuer_TransferInvalidatesOldCredentials(t *testing.T) {
	issuer, _ := newIssuer(t)
	ctx := context.Background()
	ticket := issueOne(t, issuer)
	oldQR, err := issuer.Credential(ticket)
	require.NoError(t, err)
	oldBarcode := ticket.Barcode

	newOwner := uuid.New()
	moved, err := issuer.Transfer(ctx, ticket.ID, newOwner)
	require.NoError(t, err)
	assert.Equal(t, newOwner, moved.OwnerID)
	assert.Equal(t, 2, moved.CredentialVersion)
	assert.NotEqual(t, oldBarcode, moved.Barcode)

	res, err := issuer.Resolve(ctx, oldQR)
	require.NoError(t, err, "old QR still parses")
	assert.False(t, res.Current(moved))

	_, err = issuer.Resolve(ctx, oldBarcode)
	assert.True(t, errors.Is(err, domain.ErrInvalidTicket))

	newQR, err := issuer.Credential(moved)
	require.NoError(t, err)
	res, err = issuer.Resolve(ctx, newQR)
	require.NoError(t, err)
	assert.True(t, res.Current(moved))
}

func TestIssuer_TransferRules(t *testing.T) {
	issuer, store := newIssuer(t)
	ctx := context.Background()
	ticket := issueOne(t, issuer)

	_, err := issuer.Transfer(ctx, ticket.ID, ticket.OwnerID)
	assert.True(t, domain.IsValidation(err))

	_, err = store.UpdateTicket(ctx, ticket.ID, func(t *domain.Ticket) ([]domain.OutboxEvent, error) {
		t.ApplyScan(domain.ScanEntry, time.Now(), time.Now())
		return nil, nil
	})
	require.NoError(t, err)

	_, err = issuer.Transfer(ctx, ticket.ID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrTicketNotTransferable))
	_, err = issuer.RegenerateCredential(ctx, ticket.ID)
	assert.True(t, errors.Is(err, domain.ErrTicketNotTransferable))
}

func TestIssuer_RegenerateKeepsOwner(t *testing.T) {
	issuer, _ := newIssuer(t)
	ticket := issueOne(t, issuer)

	regenerated, err := issuer.RegenerateCredential(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.OwnerID, regenerated.OwnerID)
	assert.Equal(t, ticket.CredentialVersion+1, regenerated.CredentialVersion)
	assert.NotEqual(t, ticket.Barcode, regenerated.Barcode)
}

func TestIssuer_Refund(t *testing.T) {
	issuer, _ := newIssuer(t)
	ctx := context.Background()
	ticket := issueOne(t, issuer)

	refunded, err := issuer.Refund(ctx, ticket.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCancelled, refunded.Status)
	assert.NotNil(t, refunded.RefundedAt)

	_, err = issuer.Refund(ctx, ticket.ID, true)
	assert.True(t, errors.Is(err, domain.ErrInvalidStateTransition))
}
