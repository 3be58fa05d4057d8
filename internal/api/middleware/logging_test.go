package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestScrubQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"url=https%3A%2F%2Fexample.com", "url=https%3A%2F%2Fexample.com"},
		{"url=x&token=abc", "url=x&token=REDACTED"},
		{"API_KEY=1&flag", "API_KEY=REDACTED&flag"},
		{"api%5Fkey=1", "api%5Fkey=REDACTED"},
		{
			"url=https%3A%2F%2Fx%2F%3Ftoken%3Dabc",
			"url=https%3A%2F%2Fx%2F%3Ftoken%3DREDACTED",
		},
		{
			"url=https%3A%2F%2Fx%2Fp%3Fpage%3D2%26api_key%3Dk&refresh=1",
			"url=https%3A%2F%2Fx%2Fp%3Fpage%3D2%26api_key%3DREDACTED&refresh=1",
		},
		{
			"url=https%3A%2F%2Fbob%3Apw%40x%2F",
			"url=https%3A%2F%2FREDACTED%40x%2F",
		},
		{"url=not%20a%20url%3Ftoken%3D1", "url=not%20a%20url%3Ftoken%3D1"},
	}
	for _, tt := range tests {
		if got := scrubQuery(tt.in); got != tt.want {
			t.Errorf("scrubQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogging_RecordsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var seenID string
	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/opengraph?secret=s3cr3t", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seenID == "" || w.Header().Get("X-Request-Id") != seenID {
		t.Errorf("request id not propagated: ctx=%q header=%q", seenID, w.Header().Get("X-Request-Id"))
	}
	out := buf.String()
	for _, want := range []string{"status=201", "bytes=5", "secret=REDACTED", "method=POST"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "s3cr3t") {
		t.Error("secret leaked into log")
	}
}

func TestLogging_ScrubsPreviewTarget(t *testing.T) {
	var buf bytes.Buffer
	handler := Logging(slog.New(slog.NewTextHandler(&buf, nil)))(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/opengraph?url=https%3A%2F%2Fx%2F%3Ftoken%3Ds3cr3t", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if strings.Contains(buf.String(), "s3cr3t") {
		t.Errorf("nested token leaked into log: %s", buf.String())
	}
}

func TestLogging_KeepsCallerRequestID(t *testing.T) {
	handler := Logging(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("X-Request-Id = %q, want abc-123", got)
	}
}
