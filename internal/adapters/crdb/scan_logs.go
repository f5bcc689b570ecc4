package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

const scanLogColumns = `id, scanner_id, event_id, ticket_id, dedupe_key, scan_type, success, reason, ticket_status,
	scanned_at, recorded_at`

func scanScanLog(row pgx.Row) (domain.ScanLog, error) {
	var l domain.ScanLog
	err := row.Scan(&l.ID, &l.ScannerID, &l.EventID, &l.TicketID, &l.DedupeKey, &l.ScanType, &l.Success, &l.Reason,
		&l.TicketStatus, &l.ScannedAt, &l.RecordedAt)
	return l, err
}

func insertScanLog(ctx context.Context, tx pgx.Tx, l domain.ScanLog) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO scan_logs (`+scanLogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, l.ID, l.ScannerID, l.EventID, l.TicketID, l.DedupeKey, l.ScanType, l.Success, l.Reason,
		l.TicketStatus, l.ScannedAt, l.RecordedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert scan log")
	}
	return tag.RowsAffected() == 1, nil
}

func priorScan(ctx context.Context, tx pgx.Tx, key string) (domain.ScanLog, bool, error) {
	l, err := scanScanLog(tx.QueryRow(ctx, `SELECT `+scanLogColumns+` FROM scan_logs WHERE dedupe_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScanLog{}, false, nil
	}
	if err != nil {
		return domain.ScanLog{}, false, err
	}
	return l, true, nil
}

// ApplyScan evaluates and records one scan under the ticket's row lock. A key
// already in the log returns the recorded outcome without touching the ticket.
func (r *Repository) ApplyScan(ctx context.Context, ticketID uuid.UUID, key string, decide func(*domain.Ticket) (domain.ScanLog, bool)) (domain.ScanLog, bool, error) {
	var (
		out      domain.ScanLog
		replayed bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, ticketID))
		if err != nil {
			return notFound(err, "ticket %s", ticketID)
		}
		prior, ok, err := priorScan(ctx, tx, key)
		if err != nil {
			return err
		}
		if ok {
			out, replayed = prior, true
			return nil
		}

		log, changed := decide(&t)
		log.DedupeKey = key
		if changed {
			if err := writeTicket(ctx, tx, t); err != nil {
				return err
			}
		}
		if _, err := insertScanLog(ctx, tx, log); err != nil {
			return err
		}
		out, replayed = log, false
		return nil
	})
	return out, replayed, err
}

// AppendScanLog records a scan that resolved to no ticket.
func (r *Repository) AppendScanLog(ctx context.Context, log domain.ScanLog) (domain.ScanLog, bool, error) {
	var (
		out      domain.ScanLog
		replayed bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		inserted, err := insertScanLog(ctx, tx, log)
		if err != nil {
			return err
		}
		if inserted {
			out, replayed = log, false
			return nil
		}
		prior, ok, err := priorScan(ctx, tx, log.DedupeKey)
		if err != nil {
			return err
		}
		if !ok {
			return errors.AssertionFailedf("scan log %s conflicted but is missing", log.DedupeKey)
		}
		out, replayed = prior, true
		return nil
	})
	return out, replayed, err
}

func (r *Repository) ListScanLogs(ctx context.Context, filter domain.ScanLogFilter) ([]domain.ScanLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+scanLogColumns+` FROM scan_logs
		WHERE ($1::UUID IS NULL OR event_id = $1)
		  AND ($2::UUID IS NULL OR scanner_id = $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR recorded_at >= $3)
		  AND ($4::TIMESTAMPTZ IS NULL OR recorded_at < $4)
		  AND (NOT $5 OR success)
		ORDER BY recorded_at, id
		LIMIT $6
	`, filter.EventID, filter.ScannerID, filter.From, filter.To, filter.SuccessOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScanLog
	for rows.Next() {
		l, err := scanScanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountScans aggregates successful ENTRY and EXIT scans of an event per UTC
// hour. The timeline needs every log, so it cannot go through ListScanLogs.
func (r *Repository) CountScans(ctx context.Context, eventID uuid.UUID) ([]domain.ScanCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date_trunc('hour', recorded_at) AS hour, scan_type, count(*)
		FROM scan_logs
		WHERE event_id = $1 AND success AND scan_type IN ('ENTRY', 'EXIT')
		GROUP BY hour, scan_type
		ORDER BY hour, scan_type
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.ScanCount{}
	for rows.Next() {
		var (
			c     domain.ScanCount
			count int64
		)
		if err := rows.Scan(&c.Hour, &c.ScanType, &count); err != nil {
			return nil, err
		}
		c.Hour = c.Hour.UTC()
		c.Count = int(count)
		out = append(out, c)
	}
	return out, rows.Err()
}
