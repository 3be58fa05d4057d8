package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDKey contextKey = "requestID"

// scrubPatterns are substrings that indicate sensitive values in log output.
var scrubPatterns = []string{"apikey", "api_key", "password", "secret", "token", "authorization"}

// Logging returns middleware that logs each HTTP request with structured
// fields. Every request gets an X-Request-Id, reusing the caller's when set.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get("X-Request-Id")
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

			level := slog.LevelInfo
			if sw.status >= 500 {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("query", scrubQuery(r.URL.RawQuery)),
				slog.Int("status", sw.status),
				slog.Int64("bytes", sw.written),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", clientIP(r)),
			)
		})
	}
}

// RequestID returns the id assigned by Logging, or "".
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// scrubQuery redacts sensitive query parameter values. Values that are
// themselves URLs, such as the url parameter of preview requests, have
// their own query scrubbed as well.
func scrubQuery(raw string) string {
	if raw == "" {
		return ""
	}

	parts := strings.Split(raw, "&")
	for i, part := range parts {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if sensitiveKey(key) {
			parts[i] = key + "=REDACTED"
			continue
		}
		if nested, changed := scrubNestedURL(val); changed {
			parts[i] = key + "=" + nested
		}
	}
	return strings.Join(parts, "&")
}

func sensitiveKey(key string) bool {
	if k, err := url.QueryUnescape(key); err == nil {
		key = k
	}
	lower := strings.ToLower(key)
	for _, pattern := range scrubPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// scrubNestedURL scrubs the query and userinfo of an escaped absolute URL
// value. It reports false when the value is not such a URL.
func scrubNestedURL(escaped string) (string, bool) {
	decoded, err := url.QueryUnescape(escaped)
	if err != nil {
		return escaped, false
	}
	u, err := url.Parse(decoded)
	if err != nil || u.Scheme == "" || u.Host == "" || (u.RawQuery == "" && u.User == nil) {
		return escaped, false
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}
	u.RawQuery = scrubQuery(u.RawQuery)
	return url.QueryEscape(u.String()), true
}
