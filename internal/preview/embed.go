package preview

import (
	"context"
	"fmt"

	"github.com/sydlexius/linkpreview/internal/opengraph"
	"github.com/sydlexius/linkpreview/internal/selector"
	"github.com/sydlexius/linkpreview/internal/store"
)

// Embed types.
const (
	EmbedOpenGraph = "opengraph"
	EmbedImage     = "image"
	EmbedLink      = "link"
)

// Embed is a rendered attachment for a link in a post.
type Embed struct {
	Type      string               `json:"type"`
	URL       string               `json:"url"`
	Data      *opengraph.OpenGraph `json:"data,omitempty"`
	BestImage string               `json:"best_image,omitempty"`
	Image     *selector.Point      `json:"image,omitempty"`
}

// ForPost extracts the links in a post message and builds its embeds. Links
// are stored in their normalized form, so two spellings of one URL collapse
// into a single embed. Only the first link is expanded: direct image links
// become image embeds, other pages become opengraph embeds when they carry
// metadata. Remaining links are recorded as plain link embeds. Every link is
// associated with the post.
func (s *Service) ForPost(ctx context.Context, postID, message string) ([]Embed, error) {
	if postID == "" {
		return nil, fmt.Errorf("post id is required")
	}

	links := normalizedLinks(message)
	embeds := make([]Embed, 0, len(links))
	for i, link := range links {
		e := Embed{Type: EmbedLink, URL: link}
		if i == 0 {
			e = s.expand(ctx, link)
		}
		if err := s.embeds.Attach(ctx, postID, e.URL, e.Type); err != nil {
			return nil, err
		}
		embeds = append(embeds, e)
	}
	return embeds, nil
}

// normalizedLinks returns the distinct normalized links of a message in
// order of first appearance.
func normalizedLinks(message string) []string {
	raw := ExtractLinks(message)
	seen := make(map[string]struct{}, len(raw))
	links := make([]string, 0, len(raw))
	for _, l := range raw {
		key, err := NormalizeURL(l)
		if err != nil {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		links = append(links, key)
	}
	return links
}

// expand builds the embed for an already normalized link.
func (s *Service) expand(ctx context.Context, key string) Embed {
	if IsImageLink(key) {
		e := Embed{Type: EmbedImage, URL: key}
		if pt := s.imageSize(ctx, key); !pt.IsZero() {
			e.Image = &pt
		}
		return e
	}

	p, err := s.Get(ctx, key, GetOptions{})
	if err != nil || p.Failed || !p.Data.HasData() {
		return Embed{Type: EmbedLink, URL: key}
	}
	return Embed{Type: EmbedOpenGraph, URL: key, Data: p.Data, BestImage: p.BestImage}
}

// imageSize returns the recorded size of an image URL, probing it when the
// store has none. A zero Point means the size is unknown.
func (s *Service) imageSize(ctx context.Context, u string) selector.Point {
	known, err := s.dims.Lookup(ctx, []string{u})
	if err == nil {
		if pt, ok := known[u]; ok {
			return pt
		}
	}
	if s.opts.ProbeLimit <= 0 {
		return selector.Point{}
	}
	pt, err := s.fetcher.ProbeImage(ctx, u)
	if err != nil {
		s.logger.Debug("probing image link", "url", u, "error", err)
		return selector.Point{}
	}
	if err := s.dims.Record(ctx, u, pt, store.SourceProbe); err != nil {
		s.logger.Warn("recording probed dimensions", "url", u, "error", err)
	}
	return pt
}

// StoredEmbeds returns the links previously attached to a post, expanding
// opengraph entries from the preview cache.
func (s *Service) StoredEmbeds(ctx context.Context, postID string) ([]Embed, error) {
	links, err := s.embeds.ForPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	out := make([]Embed, 0, len(links))
	for _, l := range links {
		e := Embed{Type: l.Type, URL: l.URL}
		switch l.Type {
		case EmbedOpenGraph:
			if p, err := s.previews.Get(ctx, l.URL); err == nil && !p.Failed {
				e.Data = p.Data
				e.BestImage = p.BestImage
			}
		case EmbedImage:
			if known, err := s.dims.Lookup(ctx, []string{l.URL}); err == nil {
				if pt, ok := known[l.URL]; ok {
					e.Image = &pt
				}
			}
		}
		out = append(out, e)
	}
	return out, nil
}
