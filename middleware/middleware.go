// Package middleware guards HTTP handlers with bearer token verification.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	verifier "github.com/familiez/sso-verifier"
	"github.com/familiez/sso-verifier/autherr"
	"go.uber.org/zap"
)

const bearerPrefix = "bearer "

// TokenVerifier verifies a raw bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*verifier.Jwt, error)
}

type claimsKey struct{}

// ExtractBearer returns the token carried by the request's Authorization header.
// The scheme is matched case-insensitively and surrounding whitespace is trimmed.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", autherr.ErrMissingToken
	}

	return strings.TrimSpace(header[len(bearerPrefix):]), nil
}

// RequireAuth verifies the bearer token of every request and stores the verified token in its context.
// Rejections are answered with a JSON detail and never reach next.
func RequireAuth(v TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearer(r)
			if err != nil {
				WriteError(w, logger, err)
				return
			}

			jwt, err := v.Verify(r.Context(), token)
			if err != nil {
				WriteError(w, logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, jwt)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves the verified token stored by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*verifier.Jwt, bool) {
	jwt, ok := ctx.Value(claimsKey{}).(*verifier.Jwt)
	return jwt, ok
}

// WriteError answers with the status and caller-facing detail of err.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := autherr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}

	WriteJSON(w, logger, status, map[string]string{"detail": autherr.Detail(err)})
}

// WriteJSON encodes body as the JSON response.
func WriteJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("writing response", zap.Error(err))
	}
}
