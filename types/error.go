package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Graph validation error codes
const (
	ErrCycleDetected  ErrorCode = "CYCLE_DETECTED"
	ErrMalformedGraph ErrorCode = "MALFORMED_GRAPH"
)

// Template resolution error codes
const (
	ErrUnresolvedReference ErrorCode = "UNRESOLVED_REFERENCE"
	ErrInvalidExpression   ErrorCode = "INVALID_EXPRESSION"
)

// Execution error codes
const (
	ErrContainerStart   ErrorCode = "CONTAINER_START"
	ErrHealthCheck      ErrorCode = "HEALTH_CHECK_FAILED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrNonZeroExit      ErrorCode = "NON_ZERO_EXIT"
	ErrFatalExit        ErrorCode = "FATAL_EXIT"
	ErrSchemaValidation ErrorCode = "SCHEMA_VALIDATION"
	ErrRunCancelled     ErrorCode = "RUN_CANCELLED"
)

// Approval error codes
const (
	ErrApprovalNotFound ErrorCode = "APPROVAL_NOT_FOUND"
	ErrAlreadyResolved  ErrorCode = "ALREADY_RESOLVED"
	ErrApprovalRejected ErrorCode = "APPROVAL_REJECTED"
)

// API and store error codes
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
// Retryable marks transient failures: the executor's retry policy is a
// pure function of this flag, never of the concrete error type.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	NodeID     string    `json:"node_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNodeID attaches the failing node id.
func (e *Error) WithNodeID(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
