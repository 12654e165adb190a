package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAction            = "ACTION_ERROR"
	ErrCodeWorkflow          = "WORKFLOW_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodePlugin            = "PLUGIN_ERROR"
	ErrCodeGuard             = "GUARD_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// FlowError is the structured error type for all flowrun operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Action  string         `json:"action,omitempty"` // display name of the node the error belongs to
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Action, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches the display name of the originating node.
func (e *FlowError) WithAction(display string) *FlowError {
	e.Action = display
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// nonRetryableCodes are outcomes a retry cannot change: cancellation,
// strategy verdicts, and errors deterministic in the definition itself.
var nonRetryableCodes = map[string]bool{
	ErrCodeCancelled:         true,
	ErrCodeWorkflow:          true,
	ErrCodeValidation:        true,
	ErrCodeInterpolation:     true,
	ErrCodeGuard:             true,
	ErrCodeNotFound:          true,
	ErrCodeInvalidTransition: true,
	ErrCodeCycleDetected:     true,
	ErrCodeRetryExhausted:    true,
}

// IsRetryable reports whether a retry policy may re-attempt after this error.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}
