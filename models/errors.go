package models

import "fmt"

// Error codes used in run summaries, the status API, and internal error
// handling. Navigation and extraction codes count as per-target failures;
// CONFIG_INVALID and repeated PERSIST_IO are fatal to the run.
const (
	ErrCodeSessionUnavailable = "SESSION_UNAVAILABLE"
	ErrCodeAcquireTimeout     = "ACQUIRE_TIMEOUT"

	ErrCodeNavBlocked   = "NAV_BLOCKED"
	ErrCodeNavNotFound  = "NAV_NOT_FOUND"
	ErrCodeNavTimeout   = "NAV_TIMEOUT"
	ErrCodeNavTransient = "NAV_TRANSIENT"

	ErrCodeExtractMissingKey = "EXTRACT_MISSING_KEY"
	ErrCodeExtractMalformed  = "EXTRACT_MALFORMED"

	ErrCodePersistIO       = "PERSIST_IO"
	ErrCodePersistConflict = "PERSIST_CONFLICT"

	ErrCodeConfigInvalid = "CONFIG_INVALID"
	ErrCodeBrowserCrash  = "BROWSER_CRASH"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// PipelineError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type PipelineError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError.
func NewPipelineError(code, message string, err error) *PipelineError {
	return &PipelineError{Code: code, Message: message, Err: err}
}

// ErrCode extracts the pipeline error code from err, walking the wrap
// chain. Unclassified errors report INTERNAL_ERROR.
func ErrCode(err error) string {
	for err != nil {
		if pe, ok := err.(*PipelineError); ok {
			return pe.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternal
}

// IsRetryable reports whether an error code describes a condition worth
// another attempt. NAV_NOT_FOUND is terminal for its target; extraction
// and persistence failures are never retried at the navigation level.
func IsRetryable(code string) bool {
	switch code {
	case ErrCodeNavTimeout, ErrCodeNavTransient:
		return true
	default:
		return false
	}
}
