package model

const (
	ErrInvalidModelString = "invalid_model_string"
	ErrMissingBaseURL     = "configuration_error"
)

// Error is a configuration error with a stable code string.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
