package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the recoverable error kinds. Callers classify with
// errors.Is and attach context with fmt.Errorf("...: %w", Err...).
var (
	// ErrNotFound marks lookups of businesses, cases, signals, actions,
	// plans, and work items that matched no row.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks operations the caller's role does not permit.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation marks bad status transitions, invalid enums, missing
	// required fields, and invalid windows.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks duplicate unique keys surfaced to the caller
	// (integration connect races, explicit idempotency key collisions).
	ErrConflict = errors.New("conflict")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

// CaseSignalInvariantError reports an attempt to attach a signal that is
// already bound to a different case. This is never silently recovered; the
// caller must surface it.
type CaseSignalInvariantError struct {
	SignalID        string
	BoundCaseID     int64
	AttemptedCaseID int64
}

func (e *CaseSignalInvariantError) Error() string {
	return fmt.Sprintf("signal %s is already attached to case %d, refusing rebind to case %d",
		e.SignalID, e.BoundCaseID, e.AttemptedCaseID)
}

// ProviderError reports an external provider refusal or failure. Transient
// transport failures are retried once before this surfaces.
type ProviderError struct {
	Err       error
	Provider  string
	Reason    string
	StatusCode int
	Transient bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProcessingError captures a per-event normalization failure. It is recorded
// in the processing state table and audit log, never surfaced to callers.
type ProcessingError struct {
	SourceEventID string
	Code          string
	Detail        string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s failed (%s): %s", e.SourceEventID, e.Code, e.Detail)
}
