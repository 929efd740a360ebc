// Package autherr classifies the failures of token verification and code exchange.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingToken means no usable bearer token was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken covers every verification failure other than expiry.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired means the token was otherwise verifiable but its exp is in the past.
	ErrTokenExpired = errors.New("token expired")

	// ErrExchangeFailed means the authorization code could not be traded for an access token.
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrUpstreamFetch means the discovery or key set origin could not be fetched.
	ErrUpstreamFetch = errors.New("upstream fetch failed")
)

// ConfigError is a server misconfiguration: a required setting is missing or unusable,
// or the discovery document lacks a field the server depends on.
type ConfigError struct {
	Setting string
	Reason  string
}

// NewConfigError creates a ConfigError for the named setting.
func NewConfigError(setting string, reason string) *ConfigError {
	return &ConfigError{Setting: setting, Reason: reason}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s", e.Setting, e.Reason)
}

// IsConfig reports whether err is, or wraps, a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// HTTPStatus maps an error to the status code the HTTP layer should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsConfig(err):
		return http.StatusInternalServerError
	case errors.Is(err, ErrMissingToken),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrExchangeFailed),
		errors.Is(err, ErrUpstreamFetch):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Detail returns the caller-facing message for err. Internal causes are never included.
func Detail(err error) string {
	var ce *ConfigError
	switch {
	case errors.As(err, &ce):
		return ce.Error()
	case errors.Is(err, ErrMissingToken):
		return "Missing token"
	case errors.Is(err, ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, ErrExchangeFailed):
		return "Token exchange failed"
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUpstreamFetch):
		return "Invalid token"
	default:
		return "Internal server error"
	}
}
