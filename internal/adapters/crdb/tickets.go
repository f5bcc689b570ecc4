package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

const ticketColumns = `id, order_id, event_id, ticket_type_id, owner_id, barcode, credential_version, status,
	issued_at, used_at, exited_at, refunded_at, updated_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(&t.ID, &t.OrderID, &t.EventID, &t.TicketTypeID, &t.OwnerID, &t.Barcode, &t.CredentialVersion, &t.Status,
		&t.IssuedAt, &t.UsedAt, &t.ExitedAt, &t.RefundedAt, &t.UpdatedAt)
	return t, err
}

func collectTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	defer rows.Close()
	var out []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) InsertTicket(ctx context.Context, t domain.Ticket, events ...domain.OutboxEvent) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tickets (`+ticketColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, t.ID, t.OrderID, t.EventID, t.TicketTypeID, t.OwnerID, t.Barcode, t.CredentialVersion, t.Status,
			t.IssuedAt, t.UsedAt, t.ExitedAt, t.RefundedAt, t.UpdatedAt)
		if err != nil {
			return errors.Wrapf(classify(err), "insert ticket %s", t.ID)
		}
		return insertOutbox(ctx, tx, events...)
	})
}

func (r *Repository) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return domain.Ticket{}, notFound(err, "ticket %s", id)
	}
	return t, nil
}

func (r *Repository) GetTicketByBarcode(ctx context.Context, barcode string) (domain.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE barcode = $1`, barcode))
	if err != nil {
		return domain.Ticket{}, notFound(err, "barcode")
	}
	return t, nil
}

func (r *Repository) UpdateTicket(ctx context.Context, id uuid.UUID, fn func(*domain.Ticket) ([]domain.OutboxEvent, error)) (domain.Ticket, error) {
	var out domain.Ticket
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "ticket %s", id)
		}
		events, err := fn(&t)
		if err != nil {
			return err
		}
		if err := writeTicket(ctx, tx, t); err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, events...); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func writeTicket(ctx context.Context, tx pgx.Tx, t domain.Ticket) error {
	_, err := tx.Exec(ctx, `
		UPDATE tickets SET owner_id = $2, barcode = $3, credential_version = $4, status = $5,
			used_at = $6, exited_at = $7, refunded_at = $8, updated_at = $9
		WHERE id = $1
	`, t.ID, t.OwnerID, t.Barcode, t.CredentialVersion, t.Status, t.UsedAt, t.ExitedAt, t.RefundedAt, t.UpdatedAt)
	if err != nil {
		return errors.Wrapf(classify(err), "update ticket %s", t.ID)
	}
	return nil
}

func (r *Repository) ListTicketsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY issued_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

func (r *Repository) ListTicketsForSnapshot(ctx context.Context, eventID uuid.UUID, since *time.Time) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE event_id = $1 AND ($2::TIMESTAMPTZ IS NULL OR updated_at >= $2)
		ORDER BY issued_at, id
	`, eventID, since)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}
