package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures returned by the verification and review core
type ErrorKind string

// Error kinds shared by the core, the service layer and the API
const (
	KindConfigurationMissing ErrorKind = "CONFIGURATION_MISSING"
	KindValidation           ErrorKind = "VALIDATION_ERROR"
	KindImmutability         ErrorKind = "IMMUTABILITY_VIOLATION"
	KindStateConflict        ErrorKind = "STATE_CONFLICT"
	KindAuthorization        ErrorKind = "AUTHORIZATION_VIOLATION"
	KindNotFound             ErrorKind = "NOT_FOUND"
	KindInternal             ErrorKind = "INTERNAL_ERROR"
)

// Error is a typed failure carrying its kind and optional details
type Error struct {
	Kind      ErrorKind         `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is. The target is not
// unwrapped: a plain state conflict is neither ErrActiveReviewExists nor ErrConcurrentModification.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks. Storage wraps them with fmt.Errorf("...: %w", ...).
var (
	ErrConfigurationMissing = &Error{Kind: KindConfigurationMissing, Message: "configuration missing"}
	ErrValidation           = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrImmutability         = &Error{Kind: KindImmutability, Message: "record is immutable"}
	ErrStateConflict        = &Error{Kind: KindStateConflict, Message: "state conflict"}
	ErrAuthorization        = &Error{Kind: KindAuthorization, Message: "not authorized"}
	ErrNotFound             = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrActiveReviewExists is returned by storage when a second active review
	// would be created for the same sample.
	ErrActiveReviewExists = fmt.Errorf("active review already exists for sample: %w", ErrStateConflict)

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = fmt.Errorf("record was modified concurrently: %w", ErrStateConflict)
)

// NewError creates a new Error with timestamp
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetail returns the error with an extra detail attached
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// NewValidationError creates a validation failure for a single field
func NewValidationError(field, message string) *Error {
	return NewError(KindValidation, fmt.Sprintf("validation error for field '%s': %s", field, message)).
		WithDetail("field", field)
}

func NewImmutabilityError(format string, args ...any) *Error {
	return NewError(KindImmutability, fmt.Sprintf(format, args...))
}

func NewStateConflictError(format string, args ...any) *Error {
	return NewError(KindStateConflict, fmt.Sprintf(format, args...))
}

func NewAuthorizationError(format string, args ...any) *Error {
	return NewError(KindAuthorization, fmt.Sprintf(format, args...))
}

func NewNotFoundError(format string, args ...any) *Error {
	return NewError(KindNotFound, fmt.Sprintf(format, args...))
}

// KindOf reports the kind of err, or KindInternal for untyped errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
