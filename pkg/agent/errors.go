package agent

import "fmt"

// Code is a stable machine-readable error code.
type Code string

const (
	CodeConfiguration         Code = "configuration_error"
	CodeMaxIterationsExceeded Code = "max_iterations_exceeded"
	CodeUsageLimitExceeded    Code = "usage_limit_exceeded"
	CodeExecutionCancelled    Code = "execution_cancelled"
	CodeTimeout               Code = "timeout"
	CodeValidation            Code = "validation_error"
)

// Error is a typed runner failure. Provider errors pass through unwrapped.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from a runner error, or "" for foreign errors.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
