package shipping

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable class of an error surfaced to callers.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindCredential       Kind = "credential"
	KindCarrierTransient Kind = "carrier_transient"
	KindCarrierRejection Kind = "carrier_rejection"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

// Rejection codes used by carrier clients.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeValidation   = "VALIDATION"
)

// Error represents a classified error from the quotation engine or one of its
// collaborators.
type Error struct {
	Kind       Kind
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error (%s): %s: %v", prefix, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error (%s): %s", prefix, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind and code. An empty code on the
// target matches any code of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// NewError creates a new Error. Transient carrier errors are retryable by default.
func NewError(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: kind == KindCarrierTransient,
	}
}

// WithProvider sets the provider the error originated from.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithStatusCode adds an HTTP status code to the error.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Sentinel errors matched with errors.Is.
var (
	// ErrValidation matches any validation error.
	ErrValidation = &Error{Kind: KindValidation}

	// ErrCredential matches any credential error.
	ErrCredential = &Error{Kind: KindCredential}

	// ErrCarrierTransient matches timeouts, 5xx responses and network failures.
	ErrCarrierTransient = &Error{Kind: KindCarrierTransient}

	// ErrCarrierRejection matches 4xx responses from the carrier.
	ErrCarrierRejection = &Error{Kind: KindCarrierRejection}

	// ErrUnauthorized matches carrier 401/403 responses.
	ErrUnauthorized = &Error{Kind: KindCarrierRejection, Code: CodeUnauthorized}

	// ErrNotFound matches lookups of unknown entities.
	ErrNotFound = &Error{Kind: KindNotFound}
)

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var dimErr *DimensionError
	if errors.As(err, &dimErr) {
		return KindValidation
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindCarrierTransient
	}
	return KindInternal
}

// IsRetryable returns true if the caller may retry the operation.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
