package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeIncompatibleHandle   = "INCOMPATIBLE_HANDLE"
	ErrCodeMissingRequiredInput = "MISSING_REQUIRED_INPUT"
	ErrCodeCircularReference    = "CIRCULAR_REFERENCE"
	ErrCodeDispatch             = "DISPATCH_ERROR"
	ErrCodeProvider             = "PROVIDER_ERROR"
	ErrCodeStallTimeout         = "STALL_TIMEOUT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeNonRetryable         = "NON_RETRYABLE"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// LoomError is the structured error type for all engine operations.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	EdgeID  string         `json:"edge_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class is eligible for automatic
// retry. Stalls are always retry-eligible; graph-shape problems never are.
func (e *LoomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStallTimeout, ErrCodeDispatch:
		return true
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeIncompatibleHandle,
		ErrCodeMissingRequiredInput, ErrCodeCircularReference,
		ErrCodeNonRetryable, ErrCodeCancelled, ErrCodeInvalidTransition,
		ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *LoomError) WithNode(nodeID string) *LoomError {
	e.NodeID = nodeID
	return e
}

// WithEdge attaches an edge ID to the error.
func (e *LoomError) WithEdge(edgeID string) *LoomError {
	e.EdgeID = edgeID
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}
