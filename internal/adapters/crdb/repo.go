package crdb

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/engine"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	LockNotAvailableCode     = "55P03"
	UniqueViolationCode      = "23505"
)

//go:embed schema.sql
var schema string

type Options struct {
	MaxRetries  int
	LockTimeout time.Duration
}

// Repository is the CockroachDB store. Every read-modify-write runs in a
// SERIALIZABLE transaction that takes the row with SELECT ... FOR UPDATE.
type Repository struct {
	pool *pgxpool.Pool
	opts Options
	now  func() time.Time
}

func NewRepository(pool *pgxpool.Pool, opts Options) *Repository {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	return &Repository{pool: pool, opts: opts, now: time.Now}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a transaction, retrying serialization failures with
// backoff. Lock timeouts surface as domain.ErrBusy without a retry here; the
// callers own that policy.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.opts.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrSerializationFailure) {
			observability.DBTxRetries.Inc()
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (r *Repository) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.opts.LockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case SerializationFailureCode:
		return errors.Mark(err, domain.ErrSerializationFailure)
	case LockNotAvailableCode:
		return errors.Mark(err, domain.ErrBusy)
	case UniqueViolationCode:
		return errors.Mark(errors.Wrapf(err, "constraint %s", pgErr.ConstraintName), domain.ErrConflict)
	}
	return err
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

var _ engine.Store = (*Repository)(nil)
