package llms

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	ErrAuthentication ErrorKind = "authentication"
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrServerError    ErrorKind = "server_error"
	ErrBadRequest     ErrorKind = "bad_request"
)

// ProviderError is a typed HTTP-level provider failure. The body is kept
// for diagnostics.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider_error: %s %s (HTTP %d): %s", e.Provider, e.Kind, e.Status, e.Body)
	}
	return fmt.Sprintf("provider_error: %s %s: %s", e.Provider, e.Kind, e.Body)
}

// Code returns the stable error code string.
func (e *ProviderError) Code() string {
	return "provider_error." + string(e.Kind)
}

// newProviderError maps an HTTP status >= 400 to the typed taxonomy.
func newProviderError(provider string, status int, body string) *ProviderError {
	kind := ErrServerError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrAuthentication
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status >= 400 && status < 500:
		kind = ErrBadRequest
	}
	return &ProviderError{Provider: provider, Kind: kind, Status: status, Body: body}
}
