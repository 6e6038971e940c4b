package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConstruction      = "CONSTRUCTION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// GraphError is the structured error type for all stategraph operations.
type GraphError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code permits a retry.
// Construction, validation and transition errors are programmer errors and are
// never retried; cancellation is a shutdown signal, not a transient fault.
func (e *GraphError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeConstruction, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeCancelled, ErrCodeNonRetryable, ErrCodeRetryExhausted:
		return false
	}
	return true
}

// NewError creates a new GraphError.
func NewError(code, message string) *GraphError {
	return &GraphError{Code: code, Message: message}
}

// NewErrorf creates a new GraphError with a formatted message.
func NewErrorf(code, format string, args ...any) *GraphError {
	return &GraphError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *GraphError) WithNode(nodeID string) *GraphError {
	e.NodeID = nodeID
	return e
}

// WithAttempt records how many execution attempts preceded the error.
func (e *GraphError) WithAttempt(attempt int) *GraphError {
	e.Attempt = attempt
	return e
}

// WithCause attaches an underlying cause.
func (e *GraphError) WithCause(err error) *GraphError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GraphError) WithDetails(details map[string]any) *GraphError {
	e.Details = details
	return e
}
