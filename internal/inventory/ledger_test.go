package inventory_test

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/memory"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/inventory"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, total, maxPerOrder int) (*inventory.Ledger, *memory.Store, *memory.AuditLog, uuid.UUID) {
	t.Helper()
	store := memory.NewStore(5 * time.Second)
	audit := memory.NewAuditLog()
	inv, err := domain.NewInventory(total)
	require.NoError(t, err)
	tt := domain.TicketType{
		ID:          uuid.New(),
		EventID:     uuid.New(),
		MaxPerOrder: maxPerOrder,
		SalesStart:  time.Now().Add(-time.Hour),
		SalesEnd:    time.Now().Add(time.Hour),
		Status:      domain.TicketTypeOnSale,
		Inventory:   inv,
	}
	require.NoError(t, store.SaveTicketType(context.Background(), tt))
	ledger := inventory.NewLedger(store, audit, observability.NewLoggerWithOutput(io.Discard))
	return ledger, store, audit, tt.ID
}

func TestLedger_HoldCommitReleaseRestore(t *testing.T) {
	ledger, _, _, id := newLedger(t, 10, 5)
	ctx := context.Background()

	tt, err := ledger.Hold(ctx, id, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, tt.Inventory.Available())
	assert.Equal(t, 3, tt.Inventory.Held())

	tt, err = ledger.Commit(ctx, id, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 1, tt.Inventory.Held())
	assert.Equal(t, 2, tt.Inventory.Sold())

	tt, err = ledger.Release(ctx, id, 1, "")
	require.NoError(t, err)
	assert.Equal(t, 8, tt.Inventory.Available())

	tt, err = ledger.Restore(ctx, id, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 10, tt.Inventory.Available())
	assert.Equal(t, 0, tt.Inventory.Sold())
}

func TestLedger_KeyedEntryAppliesOnce(t *testing.T) {
	ledger, store, _, id := newLedger(t, 10, 5)
	ctx := context.Background()
	orderID := uuid.New()

	_, err := ledger.Hold(ctx, id, 4)
	require.NoError(t, err)

	entry := domain.CommitEntry(orderID, id)
	tt, err := ledger.Commit(ctx, id, 4, entry)
	require.NoError(t, err)
	assert.Equal(t, 4, tt.Inventory.Sold())

	// a second commit of the same entry would otherwise fail: nothing is held
	tt, err = ledger.Commit(ctx, id, 4, entry)
	require.NoError(t, err)
	assert.Equal(t, 4, tt.Inventory.Sold())
	assert.Equal(t, 0, tt.Inventory.Held())

	ticketID := uuid.New()
	for i := 0; i < 3; i++ {
		_, err = ledger.Restore(ctx, id, 1, domain.RestoreEntry(ticketID))
		require.NoError(t, err)
	}
	stored, err := store.GetTicketType(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Inventory.Sold())
	assert.Equal(t, 7, stored.Inventory.Available())
}

func TestLedger_HoldFailuresLeaveCountersUntouched(t *testing.T) {
	ledger, _, _, id := newLedger(t, 2, 2)
	ctx := context.Background()

	_, err := ledger.Hold(ctx, id, 3)
	assert.True(t, errors.Is(err, domain.ErrQuantityExceedsLimit))

	_, err = ledger.Hold(ctx, id, 2)
	require.NoError(t, err)
	_, err = ledger.Hold(ctx, id, 1)
	assert.True(t, errors.Is(err, domain.ErrInsufficientInventory))

	_, err = ledger.Hold(ctx, uuid.New(), 1)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	tt, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, tt.Inventory.Available())
	assert.Equal(t, 2, tt.Inventory.Held())
}

func TestLedger_SalesWindow(t *testing.T) {
	ledger, _, _, id := newLedger(t, 5, 5)
	ledger.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	_, err := ledger.Hold(context.Background(), id, 1)
	assert.True(t, errors.Is(err, domain.ErrSalesWindowClosed))
}

func TestLedger_CommitBeyondHeldIsFatalAndAudited(t *testing.T) {
	ledger, _, audit, id := newLedger(t, 5, 5)
	ctx := context.Background()

	_, err := ledger.Commit(ctx, id, 1, "")
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))

	records := audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "inventory.invariant_violation", records[0].Action)
	assert.Equal(t, id, records[0].Subject)

	tt, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, tt.Inventory.Available(), "row unchanged")
}

func TestLedger_ConcurrentHoldsNeverOversell(t *testing.T) {
	const capacity = 50
	ledger, _, _, id := newLedger(t, capacity, 4)
	ctx := context.Background()

	var held int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(q int) {
			defer wg.Done()
			if _, err := ledger.Hold(ctx, id, q); err == nil {
				atomic.AddInt64(&held, int64(q))
			} else {
				assert.True(t, errors.Is(err, domain.ErrInsufficientInventory), "unexpected %v", err)
			}
		}(1 + rand.Intn(4))
	}
	wg.Wait()

	tt, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.LessOrEqual(t, held, int64(capacity))
	assert.Equal(t, int(held), tt.Inventory.Held())
	assert.Equal(t, capacity, tt.Inventory.Available()+tt.Inventory.Held()+tt.Inventory.Sold())
}

func TestLedger_InvariantHoldsUnderMixedLoad(t *testing.T) {
	ledger, _, _, id := newLedger(t, 30, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Hold(ctx, id, 1); err != nil {
				return
			}
			if rand.Intn(2) == 0 {
				_, err := ledger.Release(ctx, id, 1, "")
				assert.NoError(t, err)
				return
			}
			_, err := ledger.Commit(ctx, id, 1, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tt, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.NoError(t, tt.Inventory.Check())
	assert.Equal(t, 0, tt.Inventory.Held())
}
