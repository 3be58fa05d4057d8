package preview

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/linkpreview/internal/database"
	"github.com/sydlexius/linkpreview/internal/event"
	"github.com/sydlexius/linkpreview/internal/fetcher"
	"github.com/sydlexius/linkpreview/internal/opengraph"
	"github.com/sydlexius/linkpreview/internal/selector"
	"github.com/sydlexius/linkpreview/internal/store"
)

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]*opengraph.OpenGraph
	errs   map[string]error
	sizes  map[string]selector.Point
	fetchN atomic.Int32
	probeN atomic.Int32
	gate   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: map[string]*opengraph.OpenGraph{},
		errs:  map[string]error{},
		sizes: map[string]selector.Point{},
	}
}

func (f *fakeFetcher) FetchOpenGraph(_ context.Context, u string) (*opengraph.OpenGraph, error) {
	f.fetchN.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[u]; ok {
		return nil, err
	}
	og, ok := f.pages[u]
	if !ok {
		return nil, &fetcher.ErrUpstream{URL: u, Status: 404}
	}
	cp := *og
	cp.Images = append([]opengraph.Image(nil), og.Images...)
	return &cp, nil
}

func (f *fakeFetcher) ProbeImage(_ context.Context, u string) (selector.Point, error) {
	f.probeN.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	pt, ok := f.sizes[u]
	if !ok {
		return selector.Point{}, errors.New("unknown image")
	}
	return pt, nil
}

func (f *fakeFetcher) FetchImage(_ context.Context, u string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, f PageFetcher, opts Options) (*Service, *store.Dimensions) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	dims := store.NewDimensions(db)
	svc := NewService(f, store.NewPreviews(db), dims, store.NewEmbeds(db), nil, opts, testLogger())
	return svc, dims
}

func TestGet_SelectsNearestImage(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://example.com/post"] = &opengraph.OpenGraph{
		Title: "Post",
		Images: []opengraph.Image{
			{URL: "https://example.com/big.png", Width: 1200, Height: 630},
			{URL: "https://example.com/small.png", Width: 100, Height: 100},
			{URL: "https://example.com/tiny.png", Width: 16, Height: 16},
		},
	}
	svc, _ := newTestService(t, f, Options{ProbeLimit: 0})

	p, err := svc.Get(context.Background(), "https://EXAMPLE.com/post#top", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.URL != "https://example.com/post" {
		t.Errorf("URL = %q, want normalized", p.URL)
	}
	if p.BestImage != "https://example.com/small.png" {
		t.Errorf("BestImage = %q, want small.png", p.BestImage)
	}
}

func TestGet_CachesAndRefreshes(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://example.com/"] = &opengraph.OpenGraph{Title: "Home"}
	svc, _ := newTestService(t, f, Options{})
	ctx := context.Background()

	for range 3 {
		if _, err := svc.Get(ctx, "https://example.com/", GetOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.fetchN.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	if _, err := svc.Get(ctx, "https://example.com/", GetOptions{Refresh: true}); err != nil {
		t.Fatal(err)
	}
	if n := f.fetchN.Load(); n != 2 {
		t.Errorf("fetches after refresh = %d, want 2", n)
	}

	if err := svc.Invalidate(ctx, "https://example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, "https://example.com/", GetOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := f.fetchN.Load(); n != 3 {
		t.Errorf("fetches after invalidate = %d, want 3", n)
	}
}

func TestGet_ExpiredEntryRefetched(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://example.com/"] = &opengraph.OpenGraph{Title: "Home"}
	svc, _ := newTestService(t, f, Options{TTL: time.Hour})
	ctx := context.Background()

	now := time.Now()
	svc.now = func() time.Time { return now }
	if _, err := svc.Get(ctx, "https://example.com/", GetOptions{}); err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := svc.Get(ctx, "https://example.com/", GetOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := f.fetchN.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestGet_NegativeCache(t *testing.T) {
	f := newFakeFetcher()
	svc, _ := newTestService(t, f, Options{NegativeTTL: time.Minute})
	ctx := context.Background()

	p, err := svc.Get(ctx, "https://example.com/missing", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.Failed || p.Error == "" {
		t.Fatalf("expected failed preview, got %+v", p)
	}
	if got := p.ExpiresAt.Sub(p.FetchedAt); got != time.Minute {
		t.Errorf("negative ttl = %v, want 1m", got)
	}

	if _, err := svc.Get(ctx, "https://example.com/missing", GetOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := f.fetchN.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1 (negative entry should be served)", n)
	}
}

func TestGet_InvalidURL(t *testing.T) {
	svc, _ := newTestService(t, newFakeFetcher(), Options{})
	for _, u := range []string{"", "ftp://example.com/", "/relative", "https://"} {
		if _, err := svc.Get(context.Background(), u, GetOptions{}); !errors.Is(err, fetcher.ErrInvalidURL) {
			t.Errorf("Get(%q) error = %v, want ErrInvalidURL", u, err)
		}
	}
}

func TestGet_BackfillsFromDimensionStore(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://example.com/a"] = &opengraph.OpenGraph{
		Images: []opengraph.Image{
			{URL: "https://cdn.example.com/x.png"},
			{URL: "https://cdn.example.com/y.png"},
		},
	}
	svc, dims := newTestService(t, f, Options{ProbeLimit: 0})
	ctx := context.Background()

	// Without sizes the last image wins.
	p, err := svc.Get(ctx, "https://example.com/a", GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if p.BestImage != "https://cdn.example.com/y.png" {
		t.Errorf("BestImage = %q, want y.png", p.BestImage)
	}

	if err := dims.Record(ctx, "https://cdn.example.com/x.png", selector.Point{Width: 90, Height: 90}, store.SourceProbe); err != nil {
		t.Fatal(err)
	}
	if err := dims.Record(ctx, "https://cdn.example.com/y.png", selector.Point{Width: 2000, Height: 2000}, store.SourceProbe); err != nil {
		t.Fatal(err)
	}
	p, err = svc.Get(ctx, "https://example.com/a", GetOptions{Refresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.BestImage != "https://cdn.example.com/x.png" {
		t.Errorf("BestImage = %q, want x.png", p.BestImage)
	}
}

func TestGet_ProbesUndimensionedImages(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://example.com/a"] = &opengraph.OpenGraph{
		Images: []opengraph.Image{
			{URL: "https://cdn.example.com/1.png"},
			{URL: "https://cdn.example.com/2.png"},
			{URL: "https://cdn.example.com/3.png"},
		},
	}
	f.sizes["https://cdn.example.com/1.png"] = selector.Point{Width: 80, Height: 80}
	f.sizes["https://cdn.example.com/2.png"] = selector.Point{Width: 800, Height: 800}
	f.sizes["https://cdn.example.com/3.png"] = selector.Point{Width: 10, Height: 10}

	svc, dims := newTestService(t, f, Options{ProbeLimit: 2})
	ctx := context.Background()

	p, err := svc.Get(ctx, "https://example.com/a", GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n := f.probeN.Load(); n != 2 {
		t.Errorf("probes = %d, want 2", n)
	}
	if p.BestImage != "https://cdn.example.com/1.png" {
		t.Errorf("BestImage = %q, want 1.png", p.BestImage)
	}

	known, err := dims.Lookup(ctx, []string{"https://cdn.example.com/1.png", "https://cdn.example.com/3.png"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := known["https://cdn.example.com/1.png"]; !ok {
		t.Error("probed size was not recorded")
	}
	if _, ok := known["https://cdn.example.com/3.png"]; ok {
		t.Error("image beyond the probe limit should not be probed")
	}
}

func TestGet_CollapsesConcurrentRequests(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://example.com/"] = &opengraph.OpenGraph{Title: "Home"}
	f.gate = make(chan struct{})
	svc, _ := newTestService(t, f, Options{})

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Get(context.Background(), "https://example.com/", GetOptions{})
			errs <- err
		}()
	}

	// Let the first fetch start, then release it.
	deadline := time.After(2 * time.Second)
	for f.fetchN.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("fetch never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Get: %v", err)
		}
	}
	// Callers that arrived after the shared fetch finished hit the cache.
	if n := f.fetchN.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestGet_PublishesEvents(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://example.com/"] = &opengraph.OpenGraph{Title: "Home"}

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := event.NewBus(testLogger(), 16)
	stats := event.NewStats()
	stats.Attach(bus)
	go bus.Start()

	svc := NewService(f, store.NewPreviews(db), store.NewDimensions(db), store.NewEmbeds(db), bus, Options{}, testLogger())
	ctx := context.Background()
	_, _ = svc.Get(ctx, "https://example.com/", GetOptions{})
	_, _ = svc.Get(ctx, "https://example.com/", GetOptions{})
	_, _ = svc.Get(ctx, "https://example.com/gone", GetOptions{})

	bus.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := stats.Snapshot()
		if snap.Counts[event.PreviewFetched] == 1 &&
			snap.Counts[event.PreviewCacheHit] == 1 &&
			snap.Counts[event.PreviewFailed] == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("unexpected counts: %v", stats.Snapshot().Counts)
}
