package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability, lock contention.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed selector, permission denied, ambiguous match.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes identify the member of the error taxonomy independent of its class.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeTransientQuery  = "TRANSIENT_QUERY"
	ErrCodePermanentQuery  = "PERMANENT_QUERY"
	ErrCodeAmbiguousMatch  = "AMBIGUOUS_MATCH"
	ErrCodeTransientWrite  = "TRANSIENT_WRITE"
	ErrCodePermanentWrite  = "PERMANENT_WRITE"
	ErrCodeAlreadyTracked  = "ALREADY_TRACKED"
	ErrCodeSafetyDenied    = "SAFETY_DENIED"
	ErrCodeLockHeld        = "LOCK_HELD"
	ErrCodeLockNotHeld     = "LOCK_NOT_HELD"
	ErrCodeProviderIDInUse = "PROVIDER_ID_IN_USE"
	ErrCodeRetriesExceeded = "RETRIES_EXCEEDED"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the taxonomy member (see ErrCode* constants).
	Code string `json:"code,omitempty"`

	// Resource is the logical address that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Remediation is a hint for the operator on how to resolve the error.
	Remediation string `json:"remediation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if msg := e.unwrapMessage(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewTransientQueryError reports a retryable provider lookup failure.
func NewTransientQueryError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeTransientQuery).WithOperation("query")
}

// NewPermanentQueryError reports a provider lookup that will not succeed on retry.
func NewPermanentQueryError(message string, err error) *EngineError {
	return NewPermanentError(message, err).
		WithCode(ErrCodePermanentQuery).
		WithOperation("query").
		WithRemediation("check the selector and the provider credentials for this entry")
}

// NewAmbiguousMatchError reports a selector that resolved to more than one resource.
func NewAmbiguousMatchError(address string, candidates []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("selector matches %d resources: %s", len(candidates), strings.Join(candidates, ", ")), nil).
		WithCode(ErrCodeAmbiguousMatch).
		WithOperation("discover").
		WithResource(address).
		WithDetail("candidates", candidates).
		WithRemediation("selector matches multiple resources; narrow the filter")
}

// NewTransientWriteError reports a retryable state store mutation failure.
func NewTransientWriteError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeTransientWrite).WithOperation("write")
}

// NewPermanentWriteError reports a state store mutation that will not succeed on retry.
func NewPermanentWriteError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodePermanentWrite).WithOperation("write")
}

// NewAlreadyTrackedError reports a write to an address that already has a tracked record.
func NewAlreadyTrackedError(address, providerID string) *EngineError {
	return NewPermanentError("address is already tracked", nil).
		WithCode(ErrCodeAlreadyTracked).
		WithOperation("write").
		WithResource(address).
		WithDetail("provider_id", providerID).
		WithRemediation("re-run with --force to remove and re-import the address")
}

// NewSafetyDeniedError reports a denied safety verdict.
func NewSafetyDeniedError(verdict SafetyVerdict) *EngineError {
	return NewPermanentError(verdict.Reason, nil).
		WithCode(ErrCodeSafetyDenied).
		WithOperation("gate").
		WithDetail("environment", string(verdict.Environment)).
		WithDetail("addresses", verdict.Addresses).
		WithRemediation("review the destructive changes or supply an approved override token")
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithRemediation attaches an operator-facing remediation hint.
func (e *EngineError) WithRemediation(hint string) *EngineError {
	e.Remediation = hint
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// HasCode reports whether err carries an EngineError with the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsAlreadyTracked returns true for AlreadyTrackedError.
func IsAlreadyTracked(err error) bool {
	return HasCode(err, ErrCodeAlreadyTracked)
}

// IsAmbiguous returns true for AmbiguousMatchError.
func IsAmbiguous(err error) bool {
	return HasCode(err, ErrCodeAmbiguousMatch)
}

// IsSafetyDenied returns true for SafetyDeniedError.
func IsSafetyDenied(err error) bool {
	return HasCode(err, ErrCodeSafetyDenied)
}

// AsEngineError converts err into an EngineError, classifying unknown errors as permanent.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("unclassified error", err).WithCode(ErrCodeInternal)
}

// RemediationFor returns the remediation hint carried by err, if any.
func RemediationFor(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Remediation
	}
	return ""
}
