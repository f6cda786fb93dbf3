package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the root of every not-found error returned by the service.
	ErrNotFound = errors.New("not found")
	// ErrDeviceNotFound is returned when a device is absent or owned by another user.
	ErrDeviceNotFound = fmt.Errorf("device %w", ErrNotFound)
	// ErrRecordNotFound is returned when no activity record exists for a ledger key.
	ErrRecordNotFound = fmt.Errorf("activity record %w", ErrNotFound)
)

// ValidationError reports malformed input such as an unknown device type or a bad date.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps failures from vendor APIs and the text-generation backend.
// Callers absorb it into a fallback instead of surfacing it.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsUpstream reports whether err is (or wraps) an UpstreamError.
func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}
