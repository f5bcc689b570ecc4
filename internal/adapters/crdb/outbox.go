package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

func insertOutbox(ctx context.Context, tx pgx.Tx, events ...domain.OutboxEvent) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return errors.Wrapf(err, "encode %s payload", ev.EventType)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, created_at, status, dedupe_key)
			VALUES ($1, $2, $3, $4, $5, $6, 'NEW', $7)
		`, ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, payload, ev.CreatedAt, ev.ID.String())
		if err != nil {
			return errors.Wrapf(err, "insert outbox %s", ev.EventType)
		}
	}
	return nil
}

// DrainOutbox hands up to limit unpublished events, oldest first, to publish
// and marks the ones it accepted as published. Rows are claimed with
// SKIP LOCKED so concurrent relays split the backlog. The first publish error
// stops the batch; the remaining rows stay NEW.
func (r *Repository) DrainOutbox(ctx context.Context, limit int, publish func(domain.OutboxEvent) error) (int, error) {
	var (
		published  int
		publishErr error
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		published, publishErr = 0, nil
		rows, err := tx.Query(ctx, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload_json, created_at
			FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		var events []domain.OutboxEvent
		for rows.Next() {
			var ev domain.OutboxEvent
			var payload []byte
			if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				rows.Close()
				return errors.Wrapf(err, "decode outbox %s", ev.ID)
			}
			events = append(events, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := r.now().UTC()
		for _, ev := range events {
			if err := publish(ev); err != nil {
				publishErr = errors.Wrapf(err, "publish %s", ev.ID)
				break
			}
			if _, err := tx.Exec(ctx, `
				UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
			`, ev.ID, now); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, publishErr
}

// OldestUnpublished reports the creation time of the oldest NEW event.
func (r *Repository) OldestUnpublished(ctx context.Context) (time.Time, bool, error) {
	var created *time.Time
	err := r.pool.QueryRow(ctx, `SELECT min(created_at) FROM outbox WHERE status = 'NEW'`).Scan(&created)
	if err != nil {
		return time.Time{}, false, err
	}
	if created == nil {
		return time.Time{}, false, nil
	}
	return *created, true, nil
}
