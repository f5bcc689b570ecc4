package occupancy

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

type Store interface {
	ListScanLogs(ctx context.Context, filter domain.ScanLogFilter) ([]domain.ScanLog, error)
	CountScans(ctx context.Context, eventID uuid.UUID) ([]domain.ScanCount, error)
}

// Bucket counts successful scans recorded within one UTC hour. Occupancy is
// the running total at the end of the hour.
type Bucket struct {
	Hour      time.Time `json:"hour"`
	Entries   int       `json:"entries"`
	Exits     int       `json:"exits"`
	Occupancy int       `json:"occupancy"`
}

type Report struct {
	EventID     uuid.UUID `json:"event_id"`
	Current     int       `json:"current"`
	Entries     int       `json:"entries"`
	Exits       int       `json:"exits"`
	Timeline    []Bucket  `json:"timeline"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Get derives occupancy from successful ENTRY and EXIT scans of the event.
// The store aggregates per hour, so every scan counts regardless of volume.
func (t *Tracker) Get(ctx context.Context, eventID uuid.UUID) (Report, error) {
	counts, err := t.store.CountScans(ctx, eventID)
	if err != nil {
		return Report{}, errors.Wrapf(err, "scan counts of event %s", eventID)
	}

	buckets := make(map[time.Time]*Bucket)
	report := Report{EventID: eventID, Timeline: []Bucket{}, GeneratedAt: t.now().UTC()}
	for _, c := range counts {
		if c.Count <= 0 {
			continue
		}
		hour := c.Hour.UTC().Truncate(time.Hour)
		b, ok := buckets[hour]
		if !ok {
			b = &Bucket{Hour: hour}
			buckets[hour] = b
		}
		switch c.ScanType {
		case domain.ScanEntry:
			b.Entries += c.Count
			report.Entries += c.Count
		case domain.ScanExit:
			b.Exits += c.Count
			report.Exits += c.Count
		}
	}
	report.Current = report.Entries - report.Exits

	hours := make([]time.Time, 0, len(buckets))
	for h, b := range buckets {
		if b.Entries+b.Exits > 0 {
			hours = append(hours, h)
		}
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	running := 0
	for _, h := range hours {
		b := buckets[h]
		running += b.Entries - b.Exits
		b.Occupancy = running
		report.Timeline = append(report.Timeline, *b)
	}
	return report, nil
}

// ScanLogs returns raw scan records for audit and reconciliation.
func (t *Tracker) ScanLogs(ctx context.Context, filter domain.ScanLogFilter) ([]domain.ScanLog, error) {
	if filter.EventID == nil && filter.ScannerID == nil {
		return nil, domain.InvalidInput("scan log query needs an event or a scanner")
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, domain.InvalidInput("scan log range is empty")
	}
	switch {
	case filter.Limit < 0:
		return nil, domain.InvalidInput("negative limit")
	case filter.Limit == 0:
		filter.Limit = defaultLogLimit
	case filter.Limit > maxLogLimit:
		filter.Limit = maxLogLimit
	}
	return t.store.ListScanLogs(ctx, filter)
}
