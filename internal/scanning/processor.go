package scanning

import (
	"context"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/tickets"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Store applies a scan to one ticket under that ticket's row lock. A scan
// whose key was already recorded is not evaluated again; the stored log is
// returned with replayed set.
type Store interface {
	ApplyScan(ctx context.Context, ticketID uuid.UUID, key string, decide func(*domain.Ticket) (domain.ScanLog, bool)) (domain.ScanLog, bool, error)
	AppendScanLog(ctx context.Context, log domain.ScanLog) (domain.ScanLog, bool, error)
}

type Resolver interface {
	Resolve(ctx context.Context, credential string) (tickets.Resolution, error)
}

type Options struct {
	MaxAge     time.Duration
	MaxSkew    time.Duration
	BatchLimit int
	// Workers bounds how many tickets of one batch are processed at once.
	Workers int
}

type Request struct {
	Credential string          `json:"credential"`
	ScanType   domain.ScanType `json:"scan_type"`
	ScannedAt  *time.Time      `json:"scanned_at,omitempty"`
}

type Result struct {
	Index        int                 `json:"index"`
	TicketID     *uuid.UUID          `json:"ticket_id,omitempty"`
	ScanType     domain.ScanType     `json:"scan_type"`
	Success      bool                `json:"success"`
	Reason       domain.ScanReason   `json:"reason,omitempty"`
	TicketStatus domain.TicketStatus `json:"ticket_status,omitempty"`
	ScannedAt    time.Time           `json:"scanned_at"`
	Replayed     bool                `json:"replayed"`
	Error        string              `json:"error,omitempty"`
	Retryable    bool                `json:"retryable,omitempty"`

	// Err is set when the scan could not be recorded at all.
	Err error `json:"-"`
}

// Failure maps an unsuccessful outcome onto the error taxonomy.
func (r Result) Failure() error {
	if r.Err != nil {
		return r.Err
	}
	return r.Reason.Err()
}

type Processor struct {
	store    Store
	resolver Resolver
	logger   observability.Logger
	opts     Options
	now      func() time.Time
}

func NewProcessor(store Store, resolver Resolver, logger observability.Logger, opts Options) *Processor {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 72 * time.Hour
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = 5 * time.Minute
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	return &Processor{store: store, resolver: resolver, logger: logger, opts: opts, now: time.Now}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Scan processes a single online scan.
func (p *Processor) Scan(ctx context.Context, identity domain.ScannerIdentity, req Request) (Result, error) {
	results, err := p.ScanBatch(ctx, identity, []Request{req})
	if err != nil {
		return Result{}, err
	}
	res := results[0]
	if res.Err != nil {
		return Result{}, res.Err
	}
	return res, nil
}

type pending struct {
	index      int
	req        Request
	scannedAt  time.Time
	resolution tickets.Resolution
	resolved   bool
	digest     string
}

func (s pending) groupKey() string {
	if s.resolved {
		return s.resolution.TicketID.String()
	}
	return "cred:" + s.digest
}

// ScanBatch processes scans in scannedAt order. Scans of one ticket run one
// after another, each against the state left by the previous one; different
// tickets are processed concurrently. Results come back in submission order.
func (p *Processor) ScanBatch(ctx context.Context, identity domain.ScannerIdentity, reqs []Request) (results []Result, err error) {
	ctx, span := observability.StartSpan(ctx, "scanning", "scanning.batch")
	span.SetAttributes(
		attribute.String("scanner_id", identity.ScannerID.String()),
		attribute.Int("scans", len(reqs)),
	)
	defer func() { observability.EndSpan(span, err) }()

	if len(reqs) == 0 {
		return nil, domain.InvalidInput("batch has no scans")
	}
	if len(reqs) > p.opts.BatchLimit {
		return nil, domain.InvalidInput("batch of %d scans exceeds limit %d", len(reqs), p.opts.BatchLimit)
	}

	now := p.now().UTC()
	items := make([]pending, len(reqs))
	for i, req := range reqs {
		if _, err := domain.ParseScanType(string(req.ScanType)); err != nil {
			return nil, errors.Wrapf(err, "scan %d", i)
		}
		if req.Credential == "" {
			return nil, domain.InvalidInput("scan %d has no credential", i)
		}
		scannedAt := now
		if req.ScannedAt != nil {
			scannedAt = *req.ScannedAt
		}
		items[i] = pending{index: i, req: req, scannedAt: domain.NormalizeScanTime(scannedAt), digest: credentialDigest(req.Credential)}
	}

	results = make([]Result, len(reqs))
	for i := range items {
		res, rerr := p.resolver.Resolve(ctx, items[i].req.Credential)
		switch {
		case rerr == nil:
			items[i].resolution = res
			items[i].resolved = true
		case errors.Is(rerr, domain.ErrInvalidTicket):
		default:
			results[i] = p.failed(items[i], rerr)
		}
	}

	order := make([]pending, 0, len(items))
	for _, it := range items {
		if results[it.index].Err == nil {
			order = append(order, it)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].scannedAt.Before(order[j].scannedAt) })

	groups := make(map[string][]pending)
	var keys []string
	for _, it := range order {
		k := it.groupKey()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], it)
	}

	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for _, k := range keys {
		group := groups[k]
		g.Go(func() error {
			for n, it := range group {
				res := p.process(ctx, identity, it, now)
				results[it.index] = res
				if res.Err != nil {
					// later scans of this ticket depend on this one
					for _, rest := range group[n+1:] {
						results[rest.index] = p.failed(rest, errors.Wrap(res.Err, "earlier scan of the same ticket failed"))
					}
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	p.summarize(identity, results)
	return results, nil
}

func (p *Processor) process(ctx context.Context, identity domain.ScannerIdentity, it pending, now time.Time) Result {
	if !it.resolved {
		return p.recordUnresolved(ctx, identity, it, now)
	}

	key := domain.ScanDedupeKey(it.resolution.TicketID.String(), it.req.ScanType, it.scannedAt)
	log, replayed, err := p.store.ApplyScan(ctx, it.resolution.TicketID, key, func(t *domain.Ticket) (domain.ScanLog, bool) {
		reason, status, changed := p.evaluate(identity, it, t, now)
		return domain.ScanLog{
			ID:           uuid.New(),
			ScannerID:    identity.ScannerID,
			EventID:      scanEvent(identity, t.EventID),
			TicketID:     &t.ID,
			ScanType:     it.req.ScanType,
			Success:      reason == domain.ReasonOK,
			Reason:       reason,
			TicketStatus: status,
			ScannedAt:    it.scannedAt,
			RecordedAt:   p.now().UTC(),
		}, changed
	})
	if errors.Is(err, domain.ErrNotFound) {
		// signed for a ticket this store does not know
		return p.recordUnresolved(ctx, identity, it, now)
	}
	if err != nil {
		return p.failed(it, err)
	}
	return p.outcome(it, log, replayed)
}

// evaluate decides the scan against the locked ticket row.
func (p *Processor) evaluate(identity domain.ScannerIdentity, it pending, t *domain.Ticket, now time.Time) (domain.ScanReason, domain.TicketStatus, bool) {
	if identity.EventID != nil && t.EventID != *identity.EventID {
		return domain.ReasonWrongEvent, t.Status, false
	}
	if it.scannedAt.Before(now.Add(-p.opts.MaxAge)) || it.scannedAt.After(now.Add(p.opts.MaxSkew)) {
		return domain.ReasonStaleScan, t.Status, false
	}
	if !it.resolution.Current(*t) && t.Status != domain.TicketCancelled {
		return domain.ReasonStaleCredential, domain.TicketTransferred, false
	}
	reason, changed := t.ApplyScan(it.req.ScanType, it.scannedAt, now)
	return reason, t.Status, changed
}

func (p *Processor) recordUnresolved(ctx context.Context, identity domain.ScannerIdentity, it pending, now time.Time) Result {
	var eventID uuid.UUID
	if identity.EventID != nil {
		eventID = *identity.EventID
	}
	log, replayed, err := p.store.AppendScanLog(ctx, domain.ScanLog{
		ID:         uuid.New(),
		ScannerID:  identity.ScannerID,
		EventID:    eventID,
		DedupeKey:  domain.ScanDedupeKey("cred:"+it.digest, it.req.ScanType, it.scannedAt),
		ScanType:   it.req.ScanType,
		Success:    false,
		Reason:     domain.ReasonInvalidTicket,
		ScannedAt:  it.scannedAt,
		RecordedAt: now,
	})
	if err != nil {
		return p.failed(it, err)
	}
	return p.outcome(it, log, replayed)
}

func (p *Processor) outcome(it pending, log domain.ScanLog, replayed bool) Result {
	observability.ScanOutcomes.WithLabelValues(string(log.ScanType), string(log.Reason), strconv.FormatBool(replayed)).Inc()
	return Result{
		Index:        it.index,
		TicketID:     log.TicketID,
		ScanType:     log.ScanType,
		Success:      log.Success,
		Reason:       log.Reason,
		TicketStatus: log.TicketStatus,
		ScannedAt:    log.ScannedAt,
		Replayed:     replayed,
	}
}

func (p *Processor) failed(it pending, err error) Result {
	res := Result{
		Index:     it.index,
		ScanType:  it.req.ScanType,
		ScannedAt: it.scannedAt,
		Error:     err.Error(),
		Retryable: domain.IsRetryable(err),
		Err:       err,
	}
	if it.resolved {
		id := it.resolution.TicketID
		res.TicketID = &id
	}
	return res
}

func (p *Processor) summarize(identity domain.ScannerIdentity, results []Result) {
	var ok, rejected, replayed, failed int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Replayed:
			replayed++
		case r.Success:
			ok++
		default:
			rejected++
		}
	}
	entry := p.logger.WithFields(map[string]interface{}{
		"scanner_id": identity.ScannerID.String(),
		"scans":      len(results),
		"ok":         ok,
		"rejected":   rejected,
		"replayed":   replayed,
		"failed":     failed,
	})
	if failed > 0 {
		entry.Warn("scan batch processed with failures")
		return
	}
	entry.Debug("scan batch processed")
}

func scanEvent(identity domain.ScannerIdentity, ticketEvent uuid.UUID) uuid.UUID {
	if identity.EventID != nil {
		return *identity.EventID
	}
	return ticketEvent
}

// credentialDigest identifies a credential in logs without storing it.
func credentialDigest(credential string) string {
	sum := blake3.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:16])
}
