package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

const orderColumns = `id, purchaser_id, event_id, status, subtotal, promo_adjustment, total_amount,
	created_at, updated_at, expires_at, confirm_started_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.PurchaserID, &o.EventID, &o.Status, &o.Subtotal, &o.PromoAdjustment, &o.TotalAmount,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt, &o.ConfirmStartedAt)
	return o, err
}

func loadItems(ctx context.Context, q querier, o *domain.Order) error {
	rows, err := q.Query(ctx, `
		SELECT ticket_type_id, quantity, unit_price, committed
		FROM order_items WHERE order_id = $1 ORDER BY idx
	`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	o.Items = o.Items[:0]
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.TicketTypeID, &item.Quantity, &item.UnitPrice, &item.Committed); err != nil {
			return err
		}
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

func (r *Repository) InsertOrder(ctx context.Context, order domain.Order, events ...domain.OutboxEvent) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, order.ID, order.PurchaserID, order.EventID, order.Status, order.Subtotal, order.PromoAdjustment, order.TotalAmount,
			order.CreatedAt, order.UpdatedAt, order.ExpiresAt, order.ConfirmStartedAt)
		if err != nil {
			return errors.Wrapf(classify(err), "insert order %s", order.ID)
		}
		for i, item := range order.Items {
			_, err := tx.Exec(ctx, `
				INSERT INTO order_items (order_id, idx, ticket_type_id, quantity, unit_price, committed)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, order.ID, i, item.TicketTypeID, item.Quantity, item.UnitPrice, item.Committed)
			if err != nil {
				return errors.Wrapf(err, "insert order item %d", i)
			}
		}
		return insertOutbox(ctx, tx, events...)
	})
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return domain.Order{}, notFound(err, "order %s", id)
	}
	if err := loadItems(ctx, r.pool, &o); err != nil {
		return domain.Order{}, errors.Wrapf(err, "order %s items", id)
	}
	return o, nil
}

// UpdateOrder locks the order row for fn. Line items are fixed at creation, so
// only their commit markers are written back.
func (r *Repository) UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*domain.Order) ([]domain.OutboxEvent, error)) (domain.Order, error) {
	var out domain.Order
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "order %s", id)
		}
		if err := loadItems(ctx, tx, &o); err != nil {
			return err
		}
		before := append([]domain.OrderItem(nil), o.Items...)

		events, err := fn(&o)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE orders SET status = $2, total_amount = $3, updated_at = $4, confirm_started_at = $5
			WHERE id = $1
		`, id, o.Status, o.TotalAmount, o.UpdatedAt, o.ConfirmStartedAt)
		if err != nil {
			return err
		}
		for i, item := range o.Items {
			if i < len(before) && before[i].Committed == item.Committed {
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE order_items SET committed = $3 WHERE order_id = $1 AND idx = $2
			`, id, i, item.Committed); err != nil {
				return err
			}
		}
		if err := insertOutbox(ctx, tx, events...); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

func (r *Repository) ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'PENDING' AND confirm_started_at IS NULL AND expires_at <= $1
		ORDER BY expires_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		if err := loadItems(ctx, r.pool, &orders[i]); err != nil {
			return nil, errors.Wrapf(err, "order %s items", orders[i].ID)
		}
	}
	return orders, nil
}
