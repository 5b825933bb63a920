package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeExecution     = "EXECUTION_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeSerialization = "SERIALIZATION_ERROR"
	ErrCodeJournal       = "JOURNAL_ERROR"
	ErrCodeStopped       = "STOPPED"
)

// GoferError is the structured error type for all gofer operations.
type GoferError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	RunID   RunID          `json:"run_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GoferError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] run %s: %s", e.Code, e.RunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GoferError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GoferError.
func NewError(code, message string) *GoferError {
	return &GoferError{Code: code, Message: message}
}

// NewErrorf creates a new GoferError with a formatted message.
func NewErrorf(code, format string, args ...any) *GoferError {
	return &GoferError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRun attaches a run identifier to the error.
func (e *GoferError) WithRun(id RunID) *GoferError {
	e.RunID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *GoferError) WithCause(err error) *GoferError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GoferError) WithDetails(details map[string]any) *GoferError {
	e.Details = details
	return e
}
