package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

const ticketTypeColumns = `id, event_id, name, price, max_per_order, sales_start, sales_end, status,
	total, available, held, sold, updated_at`

func scanTicketType(row pgx.Row) (domain.TicketType, error) {
	var tt domain.TicketType
	var total, available, held, sold int
	err := row.Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.Price, &tt.MaxPerOrder, &tt.SalesStart, &tt.SalesEnd, &tt.Status,
		&total, &available, &held, &sold, &tt.UpdatedAt)
	if err != nil {
		return domain.TicketType{}, err
	}
	tt.Inventory, err = domain.LoadInventory(total, available, held, sold)
	if err != nil {
		return domain.TicketType{}, errors.Wrapf(err, "ticket type %s", tt.ID)
	}
	return tt, nil
}

// SaveTicketType upserts a ticket type with its counters. Used by catalog
// tooling and tests; sales go through UpdateTicketType.
func (r *Repository) SaveTicketType(ctx context.Context, tt domain.TicketType) error {
	if err := tt.Inventory.Check(); err != nil {
		return err
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPSERT INTO ticket_types (`+ticketTypeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		`, tt.ID, tt.EventID, tt.Name, tt.Price, tt.MaxPerOrder, tt.SalesStart, tt.SalesEnd, tt.Status,
			tt.Inventory.Total(), tt.Inventory.Available(), tt.Inventory.Held(), tt.Inventory.Sold())
		return err
	})
}

func (r *Repository) DeleteTicketType(ctx context.Context, id uuid.UUID) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tt, err := scanTicketType(tx.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "ticket type %s", id)
		}
		if !tt.Deletable() {
			return errors.Wrapf(domain.ErrConflict, "ticket type %s has %d sold", id, tt.Inventory.Sold())
		}
		_, err = tx.Exec(ctx, `DELETE FROM ticket_types WHERE id = $1`, id)
		return err
	})
}

func (r *Repository) GetTicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	tt, err := scanTicketType(r.pool.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`, id))
	if err != nil {
		return domain.TicketType{}, notFound(err, "ticket type %s", id)
	}
	return tt, nil
}

func (r *Repository) UpdateTicketType(ctx context.Context, id uuid.UUID, fn func(*domain.TicketType) error) (domain.TicketType, error) {
	tt, _, err := r.updateTicketType(ctx, id, "", fn)
	return tt, err
}

// ApplyTicketTypeEntry runs fn unless entry is already in ledger_entries. The
// key is inserted in the same transaction as the counter update.
func (r *Repository) ApplyTicketTypeEntry(ctx context.Context, id uuid.UUID, entry string, fn func(*domain.TicketType) error) (domain.TicketType, bool, error) {
	return r.updateTicketType(ctx, id, entry, fn)
}

func (r *Repository) updateTicketType(ctx context.Context, id uuid.UUID, entry string, fn func(*domain.TicketType) error) (domain.TicketType, bool, error) {
	var (
		out     domain.TicketType
		applied bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		tt, err := scanTicketType(tx.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "ticket type %s", id)
		}
		if entry != "" {
			var seen bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE key = $1)`, entry).Scan(&seen); err != nil {
				return err
			}
			if seen {
				out, applied = tt, false
				return nil
			}
		}
		if err := fn(&tt); err != nil {
			return err
		}
		if err := tt.Inventory.Check(); err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			UPDATE ticket_types SET status = $2, available = $3, held = $4, sold = $5, updated_at = now()
			WHERE id = $1 RETURNING updated_at
		`, id, tt.Status, tt.Inventory.Available(), tt.Inventory.Held(), tt.Inventory.Sold()).Scan(&tt.UpdatedAt)
		if err != nil {
			return err
		}
		if entry != "" {
			if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (key, ticket_type_id) VALUES ($1, $2)`, entry, id); err != nil {
				return err
			}
		}
		out, applied = tt, true
		return nil
	})
	return out, applied, err
}
