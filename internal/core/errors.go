package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatLock          ErrorCategory = "lock"          // Record already claimed
	ErrCatUnsupported   ErrorCategory = "unsupported"   // Feature not implemented
	ErrCatNotFound      ErrorCategory = "not_found"     // Record or checkpoint missing
	ErrCatConfiguration ErrorCategory = "configuration" // Fatal setup problem
	ErrCatValidation    ErrorCategory = "validation"    // Invalid input or contract misuse
	ErrCatExecution     ErrorCategory = "execution"     // Runtime failure outside a process
	ErrCatState         ErrorCategory = "state"         // Record in an unexpected state
	ErrCatInternal      ErrorCategory = "internal"      // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Predefined error codes
const (
	CodeAlreadyLocked       = "ALREADY_LOCKED"
	CodeCheckpointTag       = "CHECKPOINT_TAG"
	CodeNotFound            = "NOT_FOUND"
	CodeUnsupportedEngine   = "UNSUPPORTED_ENGINE"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeSubmitWorkfunction  = "SUBMIT_WORKFUNCTION"
	CodeUnknownProcessType  = "UNKNOWN_PROCESS_TYPE"
	CodeInvalidState        = "INVALID_STATE"
	CodeNotLegacyWorkflow   = "NOT_LEGACY_WORKFLOW"
	CodeTransportFailed     = "TRANSPORT_FAILED"
	CodeBrokerUnavailable   = "BROKER_UNAVAILABLE"
	CodeCheckpointCorrupted = "CHECKPOINT_CORRUPTED"
	CodeInvalidPID          = "INVALID_PID"
	CodeProcessFailed       = "PROCESS_FAILED"
)

// Sentinels for errors.Is comparisons. They match any error of the same
// category and code regardless of message.
var (
	ErrLocked      = &DomainError{Category: ErrCatLock, Code: CodeAlreadyLocked}
	ErrUnsupported = &DomainError{Category: ErrCatUnsupported, Code: CodeCheckpointTag}
	ErrMissing     = &DomainError{Category: ErrCatNotFound, Code: CodeNotFound}
)

// ErrLock creates the error returned when a record is already claimed.
// Contention is expected; callers decide whether to retry.
func ErrLock(pk int64) *DomainError {
	return &DomainError{
		Category:  ErrCatLock,
		Code:      CodeAlreadyLocked,
		Message:   fmt.Sprintf("cannot lock node<%d>: already locked", pk),
		Retryable: true,
		Details:   map[string]interface{}{"pk": pk},
	}
}

// ErrUnsupportedFeature creates an error for a feature that is not available yet.
func ErrUnsupportedFeature(feature string) *DomainError {
	return &DomainError{
		Category:  ErrCatUnsupported,
		Code:      CodeCheckpointTag,
		Message:   fmt.Sprintf("%s not supported yet", feature),
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrConfiguration creates a fatal configuration error.
func ErrConfiguration(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConfiguration,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsLockError reports whether err signals lock contention.
func IsLockError(err error) bool {
	return IsCategory(err, ErrCatLock)
}

// IsNotFound reports whether err signals a missing record or checkpoint.
func IsNotFound(err error) bool {
	return IsCategory(err, ErrCatNotFound)
}

// IsUnsupported reports whether err signals an unsupported feature.
func IsUnsupported(err error) bool {
	return IsCategory(err, ErrCatUnsupported)
}

// IsConfigurationError reports whether err is a fatal configuration problem.
func IsConfigurationError(err error) bool {
	return IsCategory(err, ErrCatConfiguration)
}
