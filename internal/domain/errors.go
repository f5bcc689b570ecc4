package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")
	ErrBusy                 = errors.New("resource busy, retry later")

	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrSalesWindowClosed     = errors.New("sales window closed")
	ErrQuantityExceedsLimit  = errors.New("quantity exceeds per-order limit")
	ErrInvariantViolation    = errors.New("invariant violation")

	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTicketNotTransferable  = errors.New("ticket not transferable")
	ErrTicketNotRefundable    = errors.New("ticket not refundable")

	ErrAlreadyUsed   = errors.New("ticket already used")
	ErrNotCheckedIn  = errors.New("ticket not checked in")
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrStaleScan     = errors.New("scan timestamp outside accepted window")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// InvariantViolation builds a fatal assertion failure marked as ErrInvariantViolation.
func InvariantViolation(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrInvariantViolation)
}

func InvalidInput(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidInput)
}

func IsValidation(err error) bool {
	return errors.IsAny(err, ErrInvalidInput, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.IsAny(err,
		ErrConflict,
		ErrInsufficientInventory,
		ErrSalesWindowClosed,
		ErrQuantityExceedsLimit,
		ErrInvalidStateTransition,
		ErrTicketNotTransferable,
		ErrTicketNotRefundable,
		ErrAlreadyUsed,
		ErrNotCheckedIn,
		ErrInvalidTicket,
		ErrStaleScan,
	)
}

func IsAuth(err error) bool {
	return errors.IsAny(err, ErrUnauthorized, ErrForbidden)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation) || errors.IsAssertionFailure(err)
}

// IsRetryable reports whether the operation may succeed if attempted again unchanged.
func IsRetryable(err error) bool {
	return errors.IsAny(err, ErrBusy, ErrSerializationFailure)
}
