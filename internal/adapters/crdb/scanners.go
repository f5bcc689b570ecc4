package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

const scannerColumns = `id, name, organization_id, event_id, api_key_hash, status, created_at, last_sync_at`

func scanScanner(row pgx.Row) (domain.Scanner, error) {
	var s domain.Scanner
	err := row.Scan(&s.ID, &s.Name, &s.OrganizationID, &s.EventID, &s.APIKeyHash, &s.Status, &s.CreatedAt, &s.LastSyncAt)
	return s, err
}

func (r *Repository) InsertScanner(ctx context.Context, s domain.Scanner) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scanners (`+scannerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.Name, s.OrganizationID, s.EventID, s.APIKeyHash, s.Status, s.CreatedAt, s.LastSyncAt)
	if err != nil {
		return errors.Wrapf(classify(err), "insert scanner %s", s.ID)
	}
	return nil
}

func (r *Repository) GetScanner(ctx context.Context, id uuid.UUID) (domain.Scanner, error) {
	s, err := scanScanner(r.pool.QueryRow(ctx, `SELECT `+scannerColumns+` FROM scanners WHERE id = $1`, id))
	if err != nil {
		return domain.Scanner{}, notFound(err, "scanner %s", id)
	}
	return s, nil
}

func (r *Repository) UpdateScanner(ctx context.Context, id uuid.UUID, fn func(*domain.Scanner) error) (domain.Scanner, error) {
	var out domain.Scanner
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		s, err := scanScanner(tx.QueryRow(ctx, `SELECT `+scannerColumns+` FROM scanners WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "scanner %s", id)
		}
		if err := fn(&s); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE scanners SET name = $2, status = $3, last_sync_at = $4 WHERE id = $1
		`, id, s.Name, s.Status, s.LastSyncAt)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}
