package oauthexchange

import "fmt"

// UpstreamAuthError is returned when the provider rejects a code or refresh exchange.
type UpstreamAuthError struct {
	GrantType  string
	StatusCode int
	Body       string
	// ErrorCode is the RFC 6749 "error" field, if the provider sent one.
	ErrorCode string
	Err       error
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("%s grant rejected by provider: status %d: %s", e.GrantType, e.StatusCode, e.Body)
}

func (e *UpstreamAuthError) Unwrap() error {
	return e.Err
}
