package crdb_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/crdb"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRepository(t *testing.T) *crdb.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { crdbContainer.Terminate(context.Background()) })

	host, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}

	admin, err := pgxpool.New(ctx, "postgres://root@"+host+":"+port.Port()+"/defaultdb?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	_, err = admin.Exec(ctx, `CREATE DATABASE IF NOT EXISTS tix`)
	admin.Close()
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, "postgres://root@"+host+":"+port.Port()+"/tix?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool, crdb.Options{MaxRetries: 5, LockTimeout: 5 * time.Second})
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func seedTicketType(t *testing.T, repo *crdb.Repository, total int) domain.TicketType {
	t.Helper()
	inv, err := domain.NewInventory(total)
	if err != nil {
		t.Fatal(err)
	}
	tt := domain.TicketType{
		ID:          uuid.New(),
		EventID:     uuid.New(),
		Name:        "General Admission",
		Price:       4000,
		MaxPerOrder: 10,
		SalesStart:  time.Now().Add(-time.Hour),
		SalesEnd:    time.Now().Add(time.Hour),
		Status:      domain.TicketTypeOnSale,
		Inventory:   inv,
	}
	if err := repo.SaveTicketType(context.Background(), tt); err != nil {
		t.Fatal(err)
	}
	return tt
}

func seedTicket(t *testing.T, repo *crdb.Repository, barcode string) domain.Ticket {
	t.Helper()
	ctx := context.Background()
	tt := seedTicketType(t, repo, 10)
	order := domain.NewOrder(uuid.New(), tt.EventID, []domain.OrderItem{{TicketTypeID: tt.ID, Quantity: 1, UnitPrice: tt.Price}}, 0, time.Now(), time.Minute)
	if err := repo.InsertOrder(ctx, order); err != nil {
		t.Fatal(err)
	}
	ticket := domain.Ticket{
		ID: uuid.New(), OrderID: order.ID, EventID: tt.EventID, TicketTypeID: tt.ID, OwnerID: order.PurchaserID,
		Barcode: barcode, CredentialVersion: 1, Status: domain.TicketValid, IssuedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := repo.InsertTicket(ctx, ticket); err != nil {
		t.Fatal(err)
	}
	return ticket
}

func hold(n int) func(*domain.TicketType) error {
	return func(tt *domain.TicketType) error {
		inv, err := tt.Inventory.Hold(n)
		if err != nil {
			return err
		}
		tt.Inventory = inv
		return nil
	}
}

func commit(n int) func(*domain.TicketType) error {
	return func(tt *domain.TicketType) error {
		inv, err := tt.Inventory.Commit(n)
		if err != nil {
			return err
		}
		tt.Inventory = inv
		return nil
	}
}

func TestRepository(t *testing.T) {
	repo := newRepository(t)

	t.Run("row lock prevents oversell", func(t *testing.T) {
		ctx := context.Background()
		tt := seedTicketType(t, repo, 5)

		var held atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.UpdateTicketType(ctx, tt.ID, hold(1)); err == nil {
					held.Add(1)
				}
			}()
		}
		wg.Wait()

		got, err := repo.GetTicketType(ctx, tt.ID)
		if err != nil {
			t.Fatal(err)
		}
		if held.Load() != 5 || got.Inventory.Available() != 0 || got.Inventory.Held() != 5 {
			t.Errorf("expected 5 held and none available, got %d holds and %+v", held.Load(), got.Inventory)
		}
		if err := got.Inventory.Check(); err != nil {
			t.Errorf("inventory invariant: %v", err)
		}
	})

	t.Run("ledger entry applies once", func(t *testing.T) {
		ctx := context.Background()
		tt := seedTicketType(t, repo, 10)
		if _, err := repo.UpdateTicketType(ctx, tt.ID, hold(4)); err != nil {
			t.Fatal(err)
		}

		entry := domain.CommitEntry(uuid.New(), tt.ID)
		got, applied, err := repo.ApplyTicketTypeEntry(ctx, tt.ID, entry, commit(4))
		if err != nil {
			t.Fatal(err)
		}
		if !applied || got.Inventory.Sold() != 4 {
			t.Fatalf("expected first commit to apply, got applied=%v sold=%d", applied, got.Inventory.Sold())
		}

		got, applied, err = repo.ApplyTicketTypeEntry(ctx, tt.ID, entry, commit(4))
		if err != nil {
			t.Fatalf("expected replayed entry to succeed, got %v", err)
		}
		if applied {
			t.Error("expected replayed entry to be skipped")
		}
		if got.Inventory.Sold() != 4 || got.Inventory.Held() != 0 {
			t.Errorf("expected counters unchanged, got %+v", got.Inventory)
		}
	})

	t.Run("order items and outbox round trip", func(t *testing.T) {
		ctx := context.Background()
		tt := seedTicketType(t, repo, 10)
		now := time.Now().UTC().Truncate(time.Microsecond)
		order := domain.NewOrder(uuid.New(), tt.EventID, []domain.OrderItem{
			{TicketTypeID: tt.ID, Quantity: 2, UnitPrice: tt.Price},
		}, 500, now, 10*time.Minute)
		err := repo.InsertOrder(ctx, order, domain.NewOutboxEvent("order", order.ID, "order.created", map[string]interface{}{"total": order.TotalAmount}))
		if err != nil {
			t.Fatal(err)
		}

		updated, err := repo.UpdateOrder(ctx, order.ID, func(o *domain.Order) ([]domain.OutboxEvent, error) {
			if err := o.BeginConfirm(now); err != nil {
				return nil, err
			}
			o.Items[0].Committed = true
			return nil, o.MarkPaid(now)
		})
		if err != nil {
			t.Fatal(err)
		}
		if updated.Status != domain.OrderPaid {
			t.Errorf("expected PAID, got %s", updated.Status)
		}

		fetched, err := repo.GetOrder(ctx, order.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(fetched.Items) != 1 || !fetched.Items[0].Committed || fetched.TotalAmount != 7500 {
			t.Errorf("expected one committed item totalling 7500, got %+v", fetched)
		}

		var types []string
		_, err = repo.DrainOutbox(ctx, 100, func(ev domain.OutboxEvent) error {
			types = append(types, ev.EventType)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, typ := range types {
			found = found || typ == "order.created"
		}
		if !found {
			t.Errorf("expected order.created in %v", types)
		}

		n, err := repo.DrainOutbox(ctx, 100, func(domain.OutboxEvent) error { return nil })
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("expected drained outbox, got %d more", n)
		}
	})

	t.Run("duplicate barcode is a conflict", func(t *testing.T) {
		ticket := seedTicket(t, repo, "ABCDEFGHJKMNPQRS")
		dup := ticket
		dup.ID = uuid.New()
		err := repo.InsertTicket(context.Background(), dup)
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected conflict error, got %v", err)
		}
	})

	t.Run("scan admits once and replays by key", func(t *testing.T) {
		ctx := context.Background()
		ticket := seedTicket(t, repo, "0123456789ABCDEF")

		scanner := uuid.New()
		decide := func(at time.Time) func(*domain.Ticket) (domain.ScanLog, bool) {
			return func(tk *domain.Ticket) (domain.ScanLog, bool) {
				reason, changed := tk.ApplyScan(domain.ScanEntry, at, time.Now())
				id := tk.ID
				return domain.ScanLog{
					ID: uuid.New(), ScannerID: scanner, EventID: tk.EventID, TicketID: &id, ScanType: domain.ScanEntry,
					Success: reason == domain.ReasonOK, Reason: reason, TicketStatus: tk.Status, ScannedAt: at, RecordedAt: time.Now(),
				}, changed
			}
		}

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				at := domain.NormalizeScanTime(time.Now().Add(time.Duration(i) * time.Millisecond))
				key := domain.ScanDedupeKey(ticket.ID.String(), domain.ScanEntry, at)
				log, replayed, err := repo.ApplyScan(ctx, ticket.ID, key, decide(at))
				if err == nil && log.Success && !replayed {
					admitted.Add(1)
				}
			}(i)
		}
		wg.Wait()
		if admitted.Load() != 1 {
			t.Errorf("expected exactly one admission, got %d", admitted.Load())
		}

		at := domain.NormalizeScanTime(time.Now().Add(time.Hour))
		key := domain.ScanDedupeKey(ticket.ID.String(), domain.ScanEntry, at)
		first, replayed, err := repo.ApplyScan(ctx, ticket.ID, key, decide(at))
		if err != nil {
			t.Fatal(err)
		}
		if replayed {
			t.Error("expected first scan under a new key to be recorded")
		}
		again, replayed, err := repo.ApplyScan(ctx, ticket.ID, key, decide(at))
		if err != nil {
			t.Fatal(err)
		}
		if !replayed || again.ID != first.ID {
			t.Errorf("expected replay of %s, got %s (replayed=%v)", first.ID, again.ID, replayed)
		}

		logs, err := repo.ListScanLogs(ctx, domain.ScanLogFilter{EventID: &ticket.EventID})
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) != 9 {
			t.Errorf("expected 9 scan logs, got %d", len(logs))
		}
	})

	t.Run("unresolved scans dedupe", func(t *testing.T) {
		ctx := context.Background()
		log := domain.ScanLog{
			ID: uuid.New(), ScannerID: uuid.New(), EventID: uuid.New(), DedupeKey: "cred:feedface|ENTRY|1",
			ScanType: domain.ScanEntry, Reason: domain.ReasonInvalidTicket, ScannedAt: time.Now(), RecordedAt: time.Now(),
		}
		if _, replayed, err := repo.AppendScanLog(ctx, log); err != nil || replayed {
			t.Fatalf("expected fresh log, got replayed=%v err=%v", replayed, err)
		}

		second := log
		second.ID = uuid.New()
		got, replayed, err := repo.AppendScanLog(ctx, second)
		if err != nil {
			t.Fatal(err)
		}
		if !replayed || got.ID != log.ID {
			t.Errorf("expected replay of %s, got %s (replayed=%v)", log.ID, got.ID, replayed)
		}
	})

	t.Run("scan counts cover every log", func(t *testing.T) {
		ctx := context.Background()
		event := uuid.New()
		scanner := uuid.New()
		base := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)

		const entries, exits = 1250, 40
		for i := 0; i < entries+exits; i++ {
			typ, at := domain.ScanEntry, base.Add(time.Duration(i)*time.Second)
			if i >= entries {
				typ, at = domain.ScanExit, base.Add(time.Hour+time.Duration(i)*time.Second)
			}
			_, _, err := repo.AppendScanLog(ctx, domain.ScanLog{
				ID: uuid.New(), ScannerID: scanner, EventID: event, DedupeKey: fmt.Sprintf("count-%s-%d", event, i),
				ScanType: typ, Success: true, Reason: domain.ReasonOK, ScannedAt: at, RecordedAt: at,
			})
			if err != nil {
				t.Fatal(err)
			}
		}

		counts, err := repo.CountScans(ctx, event)
		if err != nil {
			t.Fatal(err)
		}
		got := map[domain.ScanType]int{}
		for _, c := range counts {
			if c.Hour.Location() != time.UTC || !c.Hour.Equal(c.Hour.Truncate(time.Hour)) {
				t.Errorf("expected UTC hour buckets, got %v", c.Hour)
			}
			got[c.ScanType] += c.Count
		}
		if got[domain.ScanEntry] != entries || got[domain.ScanExit] != exits {
			t.Errorf("expected %d entries and %d exits, got %v", entries, exits, got)
		}
	})

	t.Run("missing rows are not found", func(t *testing.T) {
		ctx := context.Background()
		if _, err := repo.GetOrder(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		_, err := repo.UpdateTicket(ctx, uuid.New(), func(*domain.Ticket) ([]domain.OutboxEvent, error) { return nil, nil })
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}
