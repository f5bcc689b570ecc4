package domain

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type ScanType string

const (
	ScanEntry      ScanType = "ENTRY"
	ScanExit       ScanType = "EXIT"
	ScanValidation ScanType = "VALIDATION"
)

func ParseScanType(s string) (ScanType, error) {
	switch t := ScanType(s); t {
	case ScanEntry, ScanExit, ScanValidation:
		return t, nil
	default:
		return "", InvalidInput("unknown scan type %q", s)
	}
}

type ScanReason string

const (
	ReasonOK              ScanReason = "OK"
	ReasonAlreadyUsed     ScanReason = "ALREADY_USED"
	ReasonNotCheckedIn    ScanReason = "NOT_CHECKED_IN"
	ReasonInvalidTicket   ScanReason = "INVALID_TICKET"
	ReasonTicketCancelled ScanReason = "TICKET_CANCELLED"
	ReasonStaleCredential ScanReason = "STALE_CREDENTIAL"
	ReasonWrongEvent      ScanReason = "WRONG_EVENT"
	ReasonStaleScan       ScanReason = "STALE_SCAN"
)

// Err maps a failure reason onto the error taxonomy.
func (r ScanReason) Err() error {
	switch r {
	case ReasonOK:
		return nil
	case ReasonAlreadyUsed:
		return ErrAlreadyUsed
	case ReasonNotCheckedIn:
		return ErrNotCheckedIn
	case ReasonStaleScan:
		return ErrStaleScan
	default:
		return errors.Wrap(ErrInvalidTicket, string(r))
	}
}

// ScanLog is one append-only record of a scan attempt.
type ScanLog struct {
	ID           uuid.UUID
	ScannerID    uuid.UUID
	EventID      uuid.UUID
	TicketID     *uuid.UUID
	DedupeKey    string
	ScanType     ScanType
	Success      bool
	Reason       ScanReason
	TicketStatus TicketStatus
	ScannedAt    time.Time
	RecordedAt   time.Time
}

type ScanLogFilter struct {
	EventID     *uuid.UUID
	ScannerID   *uuid.UUID
	From        *time.Time
	To          *time.Time
	SuccessOnly bool
	Limit       int
}

// Match is used by stores that filter in process.
func (f ScanLogFilter) Match(l ScanLog) bool {
	if f.EventID != nil && l.EventID != *f.EventID {
		return false
	}
	if f.ScannerID != nil && l.ScannerID != *f.ScannerID {
		return false
	}
	if f.From != nil && l.RecordedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !l.RecordedAt.Before(*f.To) {
		return false
	}
	if f.SuccessOnly && !l.Success {
		return false
	}
	return true
}

// ScanCount is the number of successful scans of one type recorded within
// one UTC hour.
type ScanCount struct {
	Hour     time.Time
	ScanType ScanType
	Count    int
}

// NormalizeScanTime brings client timestamps to the precision the relational
// store keeps, so idempotency keys compare equal after a round trip.
func NormalizeScanTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ScanDedupeKey identifies a scan for replay detection. ref is the ticket id
// when the credential resolved, otherwise a digest of the credential.
func ScanDedupeKey(ref string, scanType ScanType, scannedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%d", ref, scanType, NormalizeScanTime(scannedAt).UnixMicro())
}

// ApplyScan evaluates a scan against the ticket and performs the resulting
// transition. It returns the outcome and whether the ticket changed.
//
//	VALID + ENTRY       -> USED
//	USED  + ENTRY       -> ALREADY_USED
//	USED  + EXIT        -> OK, no status change (first exit only)
//	VALID + EXIT        -> NOT_CHECKED_IN
//	any   + VALIDATION  -> reports state, never mutates
func (t *Ticket) ApplyScan(scanType ScanType, scannedAt, now time.Time) (ScanReason, bool) {
	if t.Status == TicketCancelled {
		return ReasonTicketCancelled, false
	}
	if t.Status == TicketTransferred {
		return ReasonStaleCredential, false
	}

	switch scanType {
	case ScanEntry:
		switch t.Status {
		case TicketValid:
			t.Status = TicketUsed
			t.UsedAt = &scannedAt
			t.UpdatedAt = now
			return ReasonOK, true
		case TicketUsed:
			return ReasonAlreadyUsed, false
		}
	case ScanExit:
		switch t.Status {
		case TicketUsed:
			if t.ExitedAt != nil {
				return ReasonNotCheckedIn, false
			}
			t.ExitedAt = &scannedAt
			t.UpdatedAt = now
			return ReasonOK, true
		case TicketValid:
			return ReasonNotCheckedIn, false
		}
	case ScanValidation:
		return ReasonOK, false
	}
	return ReasonInvalidTicket, false
}
