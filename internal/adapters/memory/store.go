package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

// Store keeps every aggregate in process. Row mutations hold the row lock for
// the whole read-modify-write, matching SELECT ... FOR UPDATE in the crdb store.
type Store struct {
	mu          sync.RWMutex
	ticketTypes map[uuid.UUID]domain.TicketType
	orders      map[uuid.UUID]domain.Order
	tickets     map[uuid.UUID]domain.Ticket
	barcodes    map[string]uuid.UUID
	scanners    map[uuid.UUID]domain.Scanner
	scanLogs    []domain.ScanLog
	scanKeys    map[string]int
	outbox      []domain.OutboxEvent
	outboxSent  int
	entries     map[string]uuid.UUID

	locks *rowLocks
}

func NewStore(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{
		ticketTypes: make(map[uuid.UUID]domain.TicketType),
		orders:      make(map[uuid.UUID]domain.Order),
		tickets:     make(map[uuid.UUID]domain.Ticket),
		barcodes:    make(map[string]uuid.UUID),
		scanners:    make(map[uuid.UUID]domain.Scanner),
		scanKeys:    make(map[string]int),
		entries:     make(map[string]uuid.UUID),
		locks:       newRowLocks(lockTimeout),
	}
}

func (s *Store) SaveTicketType(ctx context.Context, tt domain.TicketType) error {
	if err := tt.Inventory.Check(); err != nil {
		return err
	}
	unlock, err := s.locks.acquire(ctx, tt.ID)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticketTypes[tt.ID] = tt
	return nil
}

func (s *Store) DeleteTicketType(ctx context.Context, id uuid.UUID) error {
	unlock, err := s.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.ticketTypes[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !tt.Deletable() {
		return errors.Wrapf(domain.ErrConflict, "ticket type %s has %d sold", id, tt.Inventory.Sold())
	}
	delete(s.ticketTypes, id)
	return nil
}

func (s *Store) GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tt, ok := s.ticketTypes[id]
	if !ok {
		return domain.TicketType{}, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	return tt, nil
}

func (s *Store) UpdateTicketType(ctx context.Context, id uuid.UUID, fn func(*domain.TicketType) error) (domain.TicketType, error) {
	tt, _, err := s.updateTicketType(ctx, id, "", fn)
	return tt, err
}

func (s *Store) ApplyTicketTypeEntry(ctx context.Context, id uuid.UUID, entry string, fn func(*domain.TicketType) error) (domain.TicketType, bool, error) {
	return s.updateTicketType(ctx, id, entry, fn)
}

func (s *Store) updateTicketType(ctx context.Context, id uuid.UUID, entry string, fn func(*domain.TicketType) error) (domain.TicketType, bool, error) {
	unlock, err := s.locks.acquire(ctx, id)
	if err != nil {
		return domain.TicketType{}, false, err
	}
	defer unlock()

	tt, err := s.GetTicketType(ctx, id)
	if err != nil {
		return domain.TicketType{}, false, err
	}
	if entry != "" {
		s.mu.RLock()
		owner, seen := s.entries[entry]
		s.mu.RUnlock()
		if seen {
			if owner != id {
				return domain.TicketType{}, false, errors.AssertionFailedf("ledger entry %s belongs to ticket type %s", entry, owner)
			}
			return tt, false, nil
		}
	}
	if err := fn(&tt); err != nil {
		return domain.TicketType{}, false, err
	}
	if err := tt.Inventory.Check(); err != nil {
		return domain.TicketType{}, false, err
	}

	s.mu.Lock()
	s.ticketTypes[id] = tt
	if entry != "" {
		s.entries[entry] = id
	}
	s.mu.Unlock()
	return tt, true, nil
}

func (s *Store) InsertOrder(ctx context.Context, order domain.Order, events ...domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "order %s exists", order.ID)
	}
	s.orders[order.ID] = copyOrder(order)
	s.outbox = append(s.outbox, events...)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	return copyOrder(o), nil
}

func (s *Store) UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*domain.Order) ([]domain.OutboxEvent, error)) (domain.Order, error) {
	unlock, err := s.locks.acquire(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	defer unlock()

	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	events, err := fn(&o)
	if err != nil {
		return domain.Order{}, err
	}

	s.mu.Lock()
	s.orders[id] = copyOrder(o)
	s.outbox = append(s.outbox, events...)
	s.mu.Unlock()
	return o, nil
}

func (s *Store) ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Expired(now) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertTicket(ctx context.Context, t domain.Ticket, events ...domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "ticket %s exists", t.ID)
	}
	if _, ok := s.barcodes[t.Barcode]; ok {
		return errors.Wrapf(domain.ErrConflict, "barcode %s in use", t.Barcode)
	}
	s.tickets[t.ID] = t
	s.barcodes[t.Barcode] = t.ID
	s.outbox = append(s.outbox, events...)
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return domain.Ticket{}, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	return t, nil
}

func (s *Store) GetTicketByBarcode(ctx context.Context, barcode string) (domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.barcodes[barcode]
	if !ok {
		return domain.Ticket{}, errors.Wrap(domain.ErrNotFound, "barcode")
	}
	return s.tickets[id], nil
}

func (s *Store) UpdateTicket(ctx context.Context, id uuid.UUID, fn func(*domain.Ticket) ([]domain.OutboxEvent, error)) (domain.Ticket, error) {
	unlock, err := s.locks.acquire(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer unlock()

	t, err := s.GetTicket(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	oldBarcode := t.Barcode
	events, err := fn(&t)
	if err != nil {
		return domain.Ticket{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Barcode != oldBarcode {
		if _, taken := s.barcodes[t.Barcode]; taken {
			return domain.Ticket{}, errors.Wrapf(domain.ErrConflict, "barcode %s in use", t.Barcode)
		}
		delete(s.barcodes, oldBarcode)
		s.barcodes[t.Barcode] = id
	}
	s.tickets[id] = t
	s.outbox = append(s.outbox, events...)
	return t, nil
}

func (s *Store) ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sortTickets(out)
	return out, nil
}

func (s *Store) ListTicketsForSnapshot(ctx context.Context, eventID uuid.UUID, since *time.Time) ([]domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.EventID != eventID {
			continue
		}
		if since != nil && t.UpdatedAt.Before(*since) {
			continue
		}
		out = append(out, t)
	}
	sortTickets(out)
	return out, nil
}

func (s *Store) InsertScanner(ctx context.Context, sc domain.Scanner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scanners[sc.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "scanner %s exists", sc.ID)
	}
	s.scanners[sc.ID] = sc
	return nil
}

func (s *Store) GetScanner(ctx context.Context, id uuid.UUID) (domain.Scanner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scanners[id]
	if !ok {
		return domain.Scanner{}, errors.Wrapf(domain.ErrNotFound, "scanner %s", id)
	}
	return sc, nil
}

func (s *Store) UpdateScanner(ctx context.Context, id uuid.UUID, fn func(*domain.Scanner) error) (domain.Scanner, error) {
	unlock, err := s.locks.acquire(ctx, id)
	if err != nil {
		return domain.Scanner{}, err
	}
	defer unlock()

	sc, err := s.GetScanner(ctx, id)
	if err != nil {
		return domain.Scanner{}, err
	}
	if err := fn(&sc); err != nil {
		return domain.Scanner{}, err
	}

	s.mu.Lock()
	s.scanners[id] = sc
	s.mu.Unlock()
	return sc, nil
}

func (s *Store) ApplyScan(ctx context.Context, ticketID uuid.UUID, key string, decide func(*domain.Ticket) (domain.ScanLog, bool)) (domain.ScanLog, bool, error) {
	unlock, err := s.locks.acquire(ctx, ticketID)
	if err != nil {
		return domain.ScanLog{}, false, err
	}
	defer unlock()

	if prior, ok := s.priorScan(key); ok {
		return prior, true, nil
	}
	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.ScanLog{}, false, err
	}

	log, changed := decide(&t)
	log.DedupeKey = key

	s.mu.Lock()
	defer s.mu.Unlock()
	if changed {
		s.tickets[ticketID] = t
	}
	s.scanKeys[key] = len(s.scanLogs)
	s.scanLogs = append(s.scanLogs, log)
	return log, false, nil
}

func (s *Store) AppendScanLog(ctx context.Context, log domain.ScanLog) (domain.ScanLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.scanKeys[log.DedupeKey]; ok {
		return s.scanLogs[i], true, nil
	}
	s.scanKeys[log.DedupeKey] = len(s.scanLogs)
	s.scanLogs = append(s.scanLogs, log)
	return log, false, nil
}

func (s *Store) ListScanLogs(ctx context.Context, filter domain.ScanLogFilter) ([]domain.ScanLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScanLog
	for _, l := range s.scanLogs {
		if !filter.Match(l) {
			continue
		}
		out = append(out, l)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountScans(ctx context.Context, eventID uuid.UUID) ([]domain.ScanCount, error) {
	type bucket struct {
		hour     time.Time
		scanType domain.ScanType
	}
	s.mu.RLock()
	counts := make(map[bucket]int)
	for _, l := range s.scanLogs {
		if l.EventID != eventID || !l.Success || l.ScanType == domain.ScanValidation {
			continue
		}
		counts[bucket{hour: l.RecordedAt.UTC().Truncate(time.Hour), scanType: l.ScanType}]++
	}
	s.mu.RUnlock()

	out := make([]domain.ScanCount, 0, len(counts))
	for b, n := range counts {
		out = append(out, domain.ScanCount{Hour: b.hour, ScanType: b.scanType, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].ScanType < out[j].ScanType
	})
	return out, nil
}

// OutboxEvents returns the domain events recorded so far.
func (s *Store) OutboxEvents() []domain.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OutboxEvent(nil), s.outbox...)
}

// DrainOutbox publishes unsent events in insertion order, stopping at the
// first failure.
func (s *Store) DrainOutbox(ctx context.Context, limit int, publish func(domain.OutboxEvent) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := 0
	for s.outboxSent < len(s.outbox) && sent < limit {
		if err := publish(s.outbox[s.outboxSent]); err != nil {
			return sent, errors.Wrapf(err, "publish %s", s.outbox[s.outboxSent].ID)
		}
		s.outboxSent++
		sent++
	}
	return sent, nil
}

func (s *Store) priorScan(key string) (domain.ScanLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.scanKeys[key]
	if !ok {
		return domain.ScanLog{}, false
	}
	return s.scanLogs[i], true
}

func copyOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o
}

func sortTickets(ts []domain.Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].IssuedAt.Equal(ts[j].IssuedAt) {
			return ts[i].IssuedAt.Before(ts[j].IssuedAt)
		}
		return ts[i].ID.String() < ts[j].ID.String()
	})
}
