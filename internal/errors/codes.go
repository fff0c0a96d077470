// Package errors provides structured error handling for scoresync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Search index errors
//   - 3XX: Transient backend errors (throttling, store and coordination outages)
//   - 4XX: Validation errors
//   - 5XX: Internal and run-state errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIndex indicates search index errors.
	CategoryIndex Category = "INDEX"
	// CategoryTransient indicates backend errors that clear up on their own.
	CategoryTransient Category = "TRANSIENT"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates internal errors and run-state conditions.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid  = "ERR_101_CONFIG_INVALID"
	ErrCodeSchemaMissing  = "ERR_102_SCHEMA_MISSING"
	ErrCodeConfigNotFound = "ERR_103_CONFIG_NOT_FOUND"

	// Index errors (200-299)
	ErrCodeIndexUnavailable = "ERR_201_INDEX_UNAVAILABLE"
	ErrCodeIndexNotFound    = "ERR_202_INDEX_NOT_FOUND"
	ErrCodeIndexLocked      = "ERR_203_INDEX_LOCKED"

	// Transient errors (300-399)
	ErrCodeThrottled               = "ERR_301_THROTTLED"
	ErrCodeStoreUnavailable        = "ERR_302_STORE_UNAVAILABLE"
	ErrCodeCoordinationUnavailable = "ERR_303_COORDINATION_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput  = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidState  = "ERR_402_INVALID_STATE_TRANSITION"
	ErrCodeUnknownSchema = "ERR_403_UNKNOWN_SCHEMA"

	// Internal errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeBulkPartial       = "ERR_502_BULK_PARTIAL"
	ErrCodeInconsistentState = "ERR_503_INCONSISTENT_STATE"
	ErrCodeSchemaEvicted     = "ERR_504_SCHEMA_EVICTED"
	ErrCodePipelineStopped   = "ERR_505_PIPELINE_STOPPED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "101" from "ERR_101_CONFIG_INVALID")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIndex
	case '3':
		return CategoryTransient
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeIndexUnavailable, ErrCodeSchemaMissing, ErrCodeConfigInvalid:
		return SeverityFatal
	case ErrCodeSchemaEvicted, ErrCodePipelineStopped:
		return SeverityInfo
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeThrottled, ErrCodeStoreUnavailable, ErrCodeCoordinationUnavailable:
		return true
	default:
		return false
	}
}
