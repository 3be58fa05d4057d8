package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sydlexius/linkpreview/internal/auth"
)

type contextKey string

const tokenKey contextKey = "apiToken"

// TokenVerifier checks a plaintext API token.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*auth.Token, error)
}

// Auth returns middleware that requires a valid bearer token.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractToken(r)
			if raw == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="linkpreview"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			tok, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="linkpreview", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), tok)))
		})
	}
}

// WithToken stores the authenticated token in ctx.
func WithToken(ctx context.Context, tok *auth.Token) context.Context {
	return context.WithValue(ctx, tokenKey, tok)
}

// TokenFromContext returns the authenticated token, or nil.
func TokenFromContext(ctx context.Context) *auth.Token {
	if v, ok := ctx.Value(tokenKey).(*auth.Token); ok {
		return v
	}
	return nil
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, value, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(value)
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`)) //nolint:errcheck
}
