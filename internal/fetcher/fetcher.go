// Package fetcher retrieves remote pages and images for link previews.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/sydlexius/linkpreview/internal/image"
	"github.com/sydlexius/linkpreview/internal/opengraph"
	"github.com/sydlexius/linkpreview/internal/selector"
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid url")

// ErrNotHTML is returned when a page responds with a non-HTML content type.
var ErrNotHTML = errors.New("response is not html")

// ErrBlockedAddress is returned when a URL resolves to a private or
// loopback address and private addresses are not allowed.
var ErrBlockedAddress = errors.New("address not allowed")

// ErrUpstream reports a non-success HTTP status from the remote server.
type ErrUpstream struct {
	URL    string
	Status int
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.Status)
}

// Options configures a Fetcher.
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	MaxBodyBytes  int64
	MaxImageBytes int64
	AllowPrivate  bool
}

// Fetcher downloads pages and image headers, respecting per-domain rate limits.
type Fetcher struct {
	client  *http.Client
	limiter *RateLimiterMap
	opts    Options
	logger  *slog.Logger
}

// New creates a Fetcher. Zero-valued options fall back to defaults.
func New(opts Options, limiter *RateLimiterMap, logger *slog.Logger) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "linkpreview/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 5 << 20
	}
	if limiter == nil {
		limiter = NewRateLimiterMap(0, 1)
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	if !opts.AllowPrivate {
		dialer.Control = blockPrivate
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	return &Fetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
		limiter: limiter,
		opts:    opts,
		logger:  logger.With(slog.String("component", "fetcher")),
	}
}

// ValidateURL checks that rawURL is an absolute http or https URL with a host.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// FetchOpenGraph downloads rawURL and parses its OpenGraph metadata.
func (f *Fetcher) FetchOpenGraph(ctx context.Context, rawURL string) (*opengraph.OpenGraph, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := f.get(ctx, u, "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	contentType := resp.Header.Get("Content-Type")
	if !isHTML(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrNotHTML, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("decoding charset: %w", err)
	}

	// Relative references resolve against the final URL after redirects.
	pageURL := resp.Request.URL.String()
	og, err := opengraph.Parse(r, pageURL)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("fetched opengraph",
		slog.String("url", pageURL),
		slog.Int("images", len(og.Images)),
		slog.Int("bytes", len(body)))

	return og, nil
}

// ProbeImage downloads at most MaxImageBytes of an image and decodes its
// header to learn its dimensions.
func (f *Fetcher) ProbeImage(ctx context.Context, rawURL string) (selector.Point, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return selector.Point{}, err
	}

	resp, err := f.get(ctx, u, "image/*")
	if err != nil {
		return selector.Point{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	p, err := image.GetDimensions(io.LimitReader(resp.Body, f.opts.MaxImageBytes))
	if err != nil {
		return selector.Point{}, fmt.Errorf("probing %s: %w", rawURL, err)
	}
	return p, nil
}

// FetchImage downloads an image body, up to MaxImageBytes.
func (f *Fetcher) FetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := f.get(ctx, u, "image/*")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

// get waits on the domain's rate limiter and issues a GET. The caller owns
// the response body on success.
func (f *Fetcher) get(ctx context.Context, u *url.URL, accept string) (*http.Response, error) {
	if err := f.limiter.Wait(ctx, u.Hostname()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req) //nolint:gosec // URL validated by ValidateURL; private ranges blocked at dial time
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return nil, ErrBlockedAddress
		}
		return nil, fmt.Errorf("fetching %s: %w", u.Redacted(), err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck,gosec
		return nil, &ErrUpstream{URL: u.Redacted(), Status: resp.StatusCode}
	}
	return resp, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		// Servers that omit the header are usually serving HTML.
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// blockPrivate is a net.Dialer Control hook that refuses connections to
// loopback, private, link-local, and unspecified addresses.
func blockPrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}
