package booking

import (
	"errors"
	"fmt"
)

// One sentinel per failure category. Callers classify with errors.Is; the
// HTTP layer maps each to a distinct status and message category.
var (
	ErrNotFound                 = errors.New("resource not found")
	ErrForbidden                = errors.New("actor is not allowed to perform this operation")
	ErrValidation               = errors.New("invalid input")
	ErrInvalidRange             = errors.New("invalid date range")
	ErrSlotTaken                = errors.New("slot already has an active appointment")
	ErrDoctorUnavailable        = errors.New("doctor is unavailable at this time")
	ErrLeadTimeViolation        = errors.New("slot is inside the minimum lead time")
	ErrCancellationWindowClosed = errors.New("cancellation window has closed")
	ErrInvalidState             = errors.New("appointment is not in a valid state for this transition")
	ErrConflict                 = errors.New("conflicts with an active appointment")
	ErrTimeout                  = errors.New("store operation timed out")

	// ErrTransient marks store failures worth a single retry (deadlocks,
	// serialization failures, timeouts). It never escapes the service layer.
	ErrTransient = errors.New("transient store failure")
)

func fmtValidationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
