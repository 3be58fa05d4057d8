// Package preview builds link previews: it scrapes OpenGraph metadata,
// resolves image sizes, picks the image closest to the thumbnail box, and
// caches the result.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sydlexius/linkpreview/internal/event"
	"github.com/sydlexius/linkpreview/internal/fetcher"
	img "github.com/sydlexius/linkpreview/internal/image"
	"github.com/sydlexius/linkpreview/internal/opengraph"
	"github.com/sydlexius/linkpreview/internal/selector"
	"github.com/sydlexius/linkpreview/internal/store"
)

// ErrNoImage is returned when a preview has no image to thumbnail.
var ErrNoImage = errors.New("preview has no image")

// PageFetcher retrieves pages and images from the network.
type PageFetcher interface {
	FetchOpenGraph(ctx context.Context, rawURL string) (*opengraph.OpenGraph, error)
	ProbeImage(ctx context.Context, rawURL string) (selector.Point, error)
	FetchImage(ctx context.Context, rawURL string) ([]byte, error)
}

// Options tune how previews are built and cached.
type Options struct {
	Target         selector.Point
	TTL            time.Duration
	NegativeTTL    time.Duration
	MaxTitle       int
	MaxDescription int
	// ProbeLimit caps how many undimensioned images are downloaded per
	// page to learn their size. Zero disables probing.
	ProbeLimit       int
	ProbeConcurrency int
}

// DefaultOptions returns the options used when no config is supplied.
func DefaultOptions() Options {
	return Options{
		Target:           selector.Point{Width: 80, Height: 80},
		TTL:              24 * time.Hour,
		NegativeTTL:      15 * time.Minute,
		MaxTitle:         300,
		MaxDescription:   1000,
		ProbeLimit:       4,
		ProbeConcurrency: 2,
	}
}

// GetOptions modify a single Get call.
type GetOptions struct {
	// Refresh bypasses the cache.
	Refresh bool
}

// Service builds and caches previews.
type Service struct {
	fetcher  PageFetcher
	previews *store.Previews
	dims     *store.Dimensions
	embeds   *store.Embeds
	bus      *event.Bus
	opts     Options
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

// NewService creates a preview service. bus may be nil.
func NewService(f PageFetcher, previews *store.Previews, dims *store.Dimensions, embeds *store.Embeds, bus *event.Bus, opts Options, logger *slog.Logger) *Service {
	def := DefaultOptions()
	if opts.Target.Width <= 0 || opts.Target.Height <= 0 {
		opts.Target = def.Target
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = def.NegativeTTL
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = def.ProbeConcurrency
	}
	return &Service{
		fetcher:  f,
		previews: previews,
		dims:     dims,
		embeds:   embeds,
		bus:      bus,
		opts:     opts,
		logger:   logger.With(slog.String("component", "preview")),
		now:      time.Now,
	}
}

// Target returns the thumbnail box the service selects images for.
func (s *Service) Target() selector.Point {
	return s.opts.Target
}

// Get returns the preview for rawURL, serving a fresh cached entry when one
// exists. A page that could not be scraped yields a Failed preview and a nil
// error; the failure is cached for the negative TTL.
func (s *Service) Get(ctx context.Context, rawURL string, opts GetOptions) (*store.Preview, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	if !opts.Refresh {
		cached, err := s.previews.Get(ctx, key)
		switch {
		case err == nil && !cached.Expired(s.now()):
			s.publish(event.CacheHit{URL: key, Failed: cached.Failed})
			return cached, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			s.logger.Warn("reading cached preview", "url", key, "error", err)
		}
	}

	// Waiters share one scrape, which outlives any single caller's request.
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.build(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Preview), nil
}

func (s *Service) build(ctx context.Context, key string) (*store.Preview, error) {
	start := s.now()
	og, err := s.fetcher.FetchOpenGraph(ctx, key)
	if err != nil {
		return s.fail(ctx, key, start, err)
	}

	og.Truncate(s.opts.MaxTitle, s.opts.MaxDescription)
	best := s.selectImage(ctx, og)

	p := &store.Preview{
		URL:       key,
		Data:      og,
		BestImage: best,
		FetchedAt: start.UTC(),
		ExpiresAt: start.Add(s.opts.TTL).UTC(),
	}
	if err := s.previews.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("caching preview: %w", err)
	}

	s.logger.Debug("preview fetched", "url", key, "images", len(og.Images), "best_image", best)
	s.publish(event.Fetched{
		URL:       key,
		BestImage: best,
		Images:    len(og.Images),
		Duration:  s.now().Sub(start),
	})
	return p, nil
}

func (s *Service) fail(ctx context.Context, key string, start time.Time, cause error) (*store.Preview, error) {
	if errors.Is(cause, fetcher.ErrInvalidURL) {
		return nil, cause
	}

	p := &store.Preview{
		URL:       key,
		Failed:    true,
		Error:     cause.Error(),
		FetchedAt: start.UTC(),
		ExpiresAt: start.Add(s.opts.NegativeTTL).UTC(),
	}
	if err := s.previews.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("caching failed preview: %w", err)
	}

	ev := event.Failed{URL: key, Error: cause.Error()}
	var upstream *fetcher.ErrUpstream
	if errors.As(cause, &upstream) {
		ev.Status = upstream.Status
	}
	s.logger.Info("preview failed", "url", key, "error", cause)
	s.publish(ev)
	return p, nil
}

// selectImage resolves sizes for the page's images and returns the URL of
// the one nearest the target box.
func (s *Service) selectImage(ctx context.Context, og *opengraph.OpenGraph) string {
	candidates := og.SelectorImages()
	if len(candidates) == 0 {
		return ""
	}

	for _, c := range candidates {
		if c.Width > 0 && c.Height > 0 {
			pt := selector.Point{Width: c.Width, Height: c.Height}
			if err := s.dims.Record(ctx, c.Locator(), pt, store.SourcePage); err != nil {
				s.logger.Warn("recording page dimensions", "url", c.Locator(), "error", err)
			}
		}
	}

	lookup, err := s.dims.Lookup(ctx, og.ImageURLs())
	if err != nil {
		s.logger.Warn("looking up dimensions", "error", err)
		lookup = selector.DimensionLookup{}
	}

	s.probe(ctx, candidates, lookup)

	best, _ := selector.BestImageURL(s.opts.Target, candidates, lookup)
	return best
}

// probe downloads undimensioned images, up to the probe limit, and adds
// their sizes to lookup.
func (s *Service) probe(ctx context.Context, candidates []selector.Image, lookup selector.DimensionLookup) {
	if s.opts.ProbeLimit <= 0 {
		return
	}

	var pending []string
	for _, c := range candidates {
		if _, ok := lookup.Resolve(c); ok {
			continue
		}
		pending = append(pending, c.Locator())
		if len(pending) == s.opts.ProbeLimit {
			break
		}
	}
	if len(pending) == 0 {
		return
	}

	sizes := make([]selector.Point, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ProbeConcurrency)
	for i, u := range pending {
		g.Go(func() error {
			pt, err := s.fetcher.ProbeImage(gctx, u)
			if err != nil {
				s.logger.Debug("probing image", "url", u, "error", err)
				return nil
			}
			sizes[i] = pt
			return nil
		})
	}
	_ = g.Wait()

	for i, u := range pending {
		pt := sizes[i]
		if pt.IsZero() {
			continue
		}
		lookup[u] = pt
		if err := s.dims.Record(ctx, u, pt, store.SourceProbe); err != nil {
			s.logger.Warn("recording probed dimensions", "url", u, "error", err)
		}
		s.publish(event.Probed{URL: u, Width: pt.Width, Height: pt.Height})
	}
}

// Invalidate drops the cached preview for rawURL.
func (s *Service) Invalidate(ctx context.Context, rawURL string) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	s.group.Forget(key)
	return s.previews.Delete(ctx, key)
}

// Thumbnail returns the preview's best image scaled to the target box,
// along with its content type.
func (s *Service) Thumbnail(ctx context.Context, rawURL string) ([]byte, string, error) {
	p, err := s.Get(ctx, rawURL, GetOptions{})
	if err != nil {
		return nil, "", err
	}
	if p.Failed || p.BestImage == "" {
		return nil, "", ErrNoImage
	}

	raw, err := s.fetcher.FetchImage(ctx, p.BestImage)
	if err != nil {
		return nil, "", fmt.Errorf("fetching best image: %w", err)
	}
	data, format, err := img.Thumbnail(bytes.NewReader(raw), s.opts.Target)
	if err != nil {
		return nil, "", fmt.Errorf("scaling best image: %w", err)
	}
	return data, img.ContentType(format), nil
}

func (s *Service) publish(p event.Payload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(p)
}
