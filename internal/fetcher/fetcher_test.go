package fetcher

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sydlexius/linkpreview/internal/selector"
)

// testPage is Latin-1 encoded.
const testPage = "<html><head>\n" +
	"<meta property=\"og:title\" content=\"Caf\xe9\">\n" +
	"<meta property=\"og:image\" content=\"/img/a.png\">\n" +
	"</head></html>"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	imgData := pngBytes(t, 120, 60)
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte(testPage))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/page", http.StatusFound)
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/img/a.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(imgData)
	})
	mux.HandleFunc("/img/broken.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an image"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher() *Fetcher {
	return New(Options{UserAgent: "test-agent", Timeout: 5 * time.Second, AllowPrivate: true}, nil, testLogger())
}

func TestFetchOpenGraph(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher()

	og, err := f.FetchOpenGraph(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatalf("FetchOpenGraph: %v", err)
	}
	if og.Title != "Café" {
		t.Errorf("Title = %q, want Café (charset decoding)", og.Title)
	}
	if len(og.Images) != 1 || og.Images[0].URL != srv.URL+"/img/a.png" {
		t.Errorf("Images = %+v", og.Images)
	}
}

func TestFetchOpenGraph_ResolvesAgainstRedirectTarget(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher()

	og, err := f.FetchOpenGraph(context.Background(), srv.URL+"/moved")
	if err != nil {
		t.Fatalf("FetchOpenGraph: %v", err)
	}
	if og.URL != srv.URL+"/page" {
		t.Errorf("URL = %q, want %q", og.URL, srv.URL+"/page")
	}
}

func TestFetchOpenGraph_Errors(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher()
	ctx := context.Background()

	if _, err := f.FetchOpenGraph(ctx, "ftp://example.com/x"); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL, got %v", err)
	}
	if _, err := f.FetchOpenGraph(ctx, "http:///nohost"); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL for missing host, got %v", err)
	}
	if _, err := f.FetchOpenGraph(ctx, srv.URL+"/json"); !errors.Is(err, ErrNotHTML) {
		t.Errorf("expected ErrNotHTML, got %v", err)
	}

	_, err := f.FetchOpenGraph(ctx, srv.URL+"/missing")
	var upstream *ErrUpstream
	if !errors.As(err, &upstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if upstream.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", upstream.Status)
	}
}

func TestFetchOpenGraph_BlocksPrivateAddresses(t *testing.T) {
	srv := newTestServer(t)
	f := New(Options{UserAgent: "test-agent"}, nil, testLogger())

	_, err := f.FetchOpenGraph(context.Background(), srv.URL+"/page")
	if !errors.Is(err, ErrBlockedAddress) {
		t.Errorf("expected ErrBlockedAddress, got %v", err)
	}
}

func TestProbeImage(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher()

	p, err := f.ProbeImage(context.Background(), srv.URL+"/img/a.png")
	if err != nil {
		t.Fatalf("ProbeImage: %v", err)
	}
	if p != (selector.Point{Width: 120, Height: 60}) {
		t.Errorf("got %v, want 120x60", p)
	}

	if _, err := f.ProbeImage(context.Background(), srv.URL+"/img/broken.png"); err == nil {
		t.Error("expected error for undecodable image")
	}
}

func TestFetchImage(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher()

	data, err := f.FetchImage(context.Background(), srv.URL+"/img/a.png")
	if err != nil {
		t.Fatalf("FetchImage: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected image bytes")
	}
}

func TestIsHTML(t *testing.T) {
	tests := map[string]bool{
		"":                         true,
		"text/html":                true,
		"text/html; charset=utf-8": true,
		"application/xhtml+xml":    true,
		"image/png":                false,
		"application/json":         false,
	}
	for ct, want := range tests {
		if got := isHTML(ct); got != want {
			t.Errorf("isHTML(%q) = %v, want %v", ct, got, want)
		}
	}
}
