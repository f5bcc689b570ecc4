package scanners

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

type Store interface {
	InsertScanner(ctx context.Context, sc domain.Scanner) error
	GetScanner(ctx context.Context, id uuid.UUID) (domain.Scanner, error)
	UpdateScanner(ctx context.Context, id uuid.UUID, fn func(*domain.Scanner) error) (domain.Scanner, error)
	ListTicketsForSnapshot(ctx context.Context, eventID uuid.UUID, since *time.Time) ([]domain.Ticket, error)
}

// Catalog resolves events owned by the external event service.
type Catalog interface {
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
}

type Auditor interface {
	Record(ctx context.Context, rec domain.AuditRecord) error
}

type RegisterRequest struct {
	Name           string
	OrganizationID uuid.UUID
	EventID        *uuid.UUID
}

type Registry struct {
	store   Store
	catalog Catalog
	audit   Auditor
	hasher  keyHasher
	logger  observability.Logger
	now     func() time.Time
}

func NewRegistry(store Store, catalog Catalog, audit Auditor, pepper string, logger observability.Logger) *Registry {
	return &Registry{
		store:   store,
		catalog: catalog,
		audit:   audit,
		hasher:  newKeyHasher(pepper),
		logger:  logger,
		now:     time.Now,
	}
}

// Register creates an ACTIVE scanner and returns its API key. The key is not
// recoverable afterwards; only its digest is stored.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (domain.Scanner, string, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Scanner{}, "", domain.InvalidInput("scanner name is required")
	}
	if req.OrganizationID == uuid.Nil {
		return domain.Scanner{}, "", domain.InvalidInput("scanner organization is required")
	}
	if req.EventID != nil {
		event, err := r.catalog.GetEvent(ctx, *req.EventID)
		if err != nil {
			return domain.Scanner{}, "", errors.Wrap(err, "scanner event scope")
		}
		if event.OrganizationID != req.OrganizationID {
			return domain.Scanner{}, "", domain.InvalidInput("event %s does not belong to organization %s", event.ID, req.OrganizationID)
		}
	}

	secret, err := newSecret()
	if err != nil {
		return domain.Scanner{}, "", err
	}
	sc := domain.Scanner{
		ID:             uuid.New(),
		Name:           name,
		OrganizationID: req.OrganizationID,
		EventID:        req.EventID,
		Status:         domain.ScannerActive,
		CreatedAt:      r.now().UTC(),
	}
	sc.APIKeyHash = r.hasher.digest(sc.ID, secret)
	if err := r.store.InsertScanner(ctx, sc); err != nil {
		return domain.Scanner{}, "", errors.Wrap(err, "insert scanner")
	}

	r.logger.WithFields(map[string]interface{}{
		"scanner_id":      sc.ID.String(),
		"organization_id": sc.OrganizationID.String(),
	}).Info("scanner registered")
	return sc, formatKey(sc.ID, secret), nil
}

// Authenticate resolves an API key to the scanner identity. Unknown keys are
// Unauthorized; known keys of a disabled or revoked scanner are Forbidden.
func (r *Registry) Authenticate(ctx context.Context, apiKey string) (domain.ScannerIdentity, error) {
	id, secret, ok := parseKey(apiKey)
	if !ok {
		return domain.ScannerIdentity{}, r.reject(ctx, uuid.Nil, "malformed", domain.ErrUnauthorized)
	}
	sc, err := r.store.GetScanner(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ScannerIdentity{}, r.reject(ctx, id, "unknown", domain.ErrUnauthorized)
	}
	if err != nil {
		return domain.ScannerIdentity{}, err
	}
	if !r.hasher.matches(sc.ID, secret, sc.APIKeyHash) {
		return domain.ScannerIdentity{}, r.reject(ctx, id, "bad_secret", domain.ErrUnauthorized)
	}
	if sc.Status != domain.ScannerActive {
		return domain.ScannerIdentity{}, r.reject(ctx, id, strings.ToLower(string(sc.Status)), domain.ErrForbidden)
	}
	return sc.Identity(), nil
}

func (r *Registry) reject(ctx context.Context, scannerID uuid.UUID, reason string, cause error) error {
	observability.ScannerAuthFailures.WithLabelValues(reason).Inc()
	r.logger.WithFields(map[string]interface{}{
		"scanner_id": scannerID.String(),
		"reason":     reason,
	}).Warn("scanner authentication rejected")
	if r.audit != nil {
		rec := domain.AuditRecord{Action: "scanner.auth_rejected", Subject: scannerID, Data: map[string]interface{}{"reason": reason}}
		if err := r.audit.Record(ctx, rec); err != nil {
			r.logger.WithError(err).Warn("failed to audit scanner rejection")
		}
	}
	return errors.Wrapf(cause, "scanner key rejected: %s", reason)
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (domain.Scanner, error) {
	return r.store.GetScanner(ctx, id)
}

// Event resolves an event through the catalog, for organization checks.
func (r *Registry) Event(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return r.catalog.GetEvent(ctx, id)
}

func (r *Registry) Disable(ctx context.Context, id uuid.UUID) (domain.Scanner, error) {
	return r.transition(ctx, id, "scanner.disabled", (*domain.Scanner).Disable)
}

func (r *Registry) Enable(ctx context.Context, id uuid.UUID) (domain.Scanner, error) {
	return r.transition(ctx, id, "scanner.enabled", (*domain.Scanner).Enable)
}

// Revoke permanently retires the scanner and its key.
func (r *Registry) Revoke(ctx context.Context, id uuid.UUID) (domain.Scanner, error) {
	return r.transition(ctx, id, "scanner.revoked", (*domain.Scanner).Revoke)
}

func (r *Registry) transition(ctx context.Context, id uuid.UUID, action string, fn func(*domain.Scanner) error) (domain.Scanner, error) {
	sc, err := r.store.UpdateScanner(ctx, id, fn)
	if err != nil {
		return domain.Scanner{}, err
	}
	if r.audit != nil {
		rec := domain.AuditRecord{Action: action, Subject: id, Data: map[string]interface{}{"status": string(sc.Status)}}
		if err := r.audit.Record(ctx, rec); err != nil {
			r.logger.WithError(err).Warn("failed to audit scanner status change")
		}
	}
	return sc, nil
}
