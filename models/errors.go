package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Every typed error below matches exactly one.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicate           = errors.New("duplicate")
	ErrAlreadyAcknowledged = errors.New("already acknowledged")
	ErrInvalidPredicate    = errors.New("invalid predicate")
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("conflict")
)

// NotFoundError reports a referenced id that does not exist.
type NotFoundError struct {
	Kind string // "device", "alert", "rule", "group", "compliance check"
	ID   string
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DuplicateDeviceError reports a registration with an id already in use.
type DuplicateDeviceError struct {
	ID string
}

func (e *DuplicateDeviceError) Error() string {
	return fmt.Sprintf("device %q already registered", e.ID)
}
func (e *DuplicateDeviceError) Is(target error) bool { return target == ErrDuplicate }

// AlreadyAcknowledgedError reports a second acknowledgment of one alert.
type AlreadyAcknowledgedError struct {
	ID string
}

func (e *AlreadyAcknowledgedError) Error() string {
	return fmt.Sprintf("alert %q already acknowledged", e.ID)
}
func (e *AlreadyAcknowledgedError) Is(target error) bool { return target == ErrAlreadyAcknowledged }

// InvalidPredicateError reports a malformed group criteria or rule pattern.
// Evaluation treats the predicate as matching nothing.
type InvalidPredicateError struct {
	Subject string // e.g. "group core-switches"
	Reason  string
	Err     error
}

func (e *InvalidPredicateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid predicate for %s: %s: %v", e.Subject, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid predicate for %s: %s", e.Subject, e.Reason)
}
func (e *InvalidPredicateError) Unwrap() error        { return e.Err }
func (e *InvalidPredicateError) Is(target error) bool { return target == ErrInvalidPredicate }

// ValidationError reports malformed administrative input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string        { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports an operation that is not valid in the current state,
// such as resolving an alert that is already resolved.
type ConflictError struct {
	ID     string
	Reason string
}

func (e *ConflictError) Error() string        { return fmt.Sprintf("%s: %s", e.ID, e.Reason) }
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ─────────────────────────────────────────────────────────────────────────────
// Collector errors
// ─────────────────────────────────────────────────────────────────────────────

// CollectorErrorKind classifies a collection failure.
type CollectorErrorKind string

const (
	CollectorUnreachable   CollectorErrorKind = "unreachable"
	CollectorAuthFailed    CollectorErrorKind = "auth_failed"
	CollectorProtocolError CollectorErrorKind = "protocol_error"
	CollectorTimeout       CollectorErrorKind = "timeout"
)

// CollectorError is returned by every Collector. The scheduler treats all
// kinds the same way (backoff and a status downgrade); the kind is kept for
// logs and the device's LastError.
type CollectorError struct {
	Kind   CollectorErrorKind
	Device string
	Err    error
}

func (e *CollectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("collect %s: %s", e.Device, e.Kind)
	}
	return fmt.Sprintf("collect %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *CollectorError) Unwrap() error { return e.Err }

// NewCollectorError wraps err with a kind.
func NewCollectorError(kind CollectorErrorKind, device string, err error) *CollectorError {
	return &CollectorError{Kind: kind, Device: device, Err: err}
}

// CollectorErrorKindOf extracts the kind from err, defaulting to
// CollectorProtocolError for foreign errors.
func CollectorErrorKindOf(err error) CollectorErrorKind {
	var ce *CollectorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return CollectorProtocolError
}
