package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeDefinition = "DEFINITION_ERROR"   // malformed or invalid workflow source
	ErrCodeAction     = "ACTION_ERROR"       // action execution failed
	ErrCodeSecurity   = "SECURITY_VIOLATION" // shell command rejected by policy
	ErrCodeTimeout    = "TIMEOUT_ERROR"
	ErrCodeEngine     = "ENGINE_ERROR" // unrecoverable interpreter fault
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeCancelled  = "CANCELLED"
	ErrCodeStore      = "STORE_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StateID string         `json:"state_id,omitempty"`
	Line    int            `json:"line,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.StateID != "":
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.StateID, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("[%s] line %d: %s", e.Code, e.Line, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
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

// WithState attaches the state where the error occurred.
func (e *FlowError) WithState(stateID string) *FlowError {
	e.StateID = stateID
	return e
}

// WithLine attaches the source line of the offending definition.
func (e *FlowError) WithLine(line int) *FlowError {
	e.Line = line
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

// IsFatal reports whether the error halts the run immediately rather than
// flowing into OnFailure routing.
func (e *FlowError) IsFatal() bool {
	return e.Code == ErrCodeDefinition || e.Code == ErrCodeEngine
}
