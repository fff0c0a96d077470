package errors

import (
	stderrors "errors"
	"fmt"
)

// SyncError is the structured error type for scoresync.
// It carries enough context for the run loop to decide between retrying,
// stopping, and reporting, and for the CLI to print an actionable reason.
type SyncError struct {
	// Code is the unique error code (e.g., "ERR_201_INDEX_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Index, Transient, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches by code, so sentinel values like ErrIndexUnavailable work with errors.Is.
func (e *SyncError) Is(target error) bool {
	if t, ok := target.(*SyncError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *SyncError) WithDetail(key, value string) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *SyncError) WithSuggestion(suggestion string) *SyncError {
	e.Suggestion = suggestion
	return e
}

// New creates a new SyncError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SyncError {
	return &SyncError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a SyncError from an existing error.
func Wrap(code string, err error) *SyncError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrThrottled        = &SyncError{Code: ErrCodeThrottled}
	ErrIndexUnavailable = &SyncError{Code: ErrCodeIndexUnavailable}
	ErrIndexNotFound    = &SyncError{Code: ErrCodeIndexNotFound}
	ErrSchemaMissing    = &SyncError{Code: ErrCodeSchemaMissing}
	ErrSchemaEvicted    = &SyncError{Code: ErrCodeSchemaEvicted}
	ErrPipelineStopped  = &SyncError{Code: ErrCodePipelineStopped}
	ErrInconsistent     = &SyncError{Code: ErrCodeInconsistentState}
)

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *SyncError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IndexUnavailableError reports that the target index is closed or blocked.
func IndexUnavailableError(index, reason string) *SyncError {
	return New(ErrCodeIndexUnavailable, fmt.Sprintf("index %s is unavailable: %s", index, reason), nil).
		WithDetail("index", index).
		WithSuggestion("Reopen or unblock the index, then restart the worker")
}

// StoreError wraps a relational store failure. Store errors are retryable.
func StoreError(message string, cause error) *SyncError {
	return New(ErrCodeStoreUnavailable, message, cause)
}

// CoordinationError wraps a coordination store failure.
func CoordinationError(message string, cause error) *SyncError {
	return New(ErrCodeCoordinationUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *SyncError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *SyncError {
	return New(ErrCodeInternal, message, cause)
}

// EvictedError reports that a worker's schema was superseded.
func EvictedError(own, current string) *SyncError {
	return New(ErrCodeSchemaEvicted,
		fmt.Sprintf("schema %s superseded by %s", own, current), nil).
		WithDetail("schema", own).
		WithDetail("current_schema", current)
}

// IsRetryable reports whether any SyncError in the chain is retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsFatal reports whether the first SyncError in the chain has fatal severity.
func IsFatal(err error) bool {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first SyncError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category from the first SyncError in the chain.
func GetCategory(err error) Category {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Category
	}
	return ""
}
