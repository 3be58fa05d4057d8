package opengraph

import (
	"strings"
	"unicode/utf8"

	"github.com/sydlexius/linkpreview/internal/selector"
)

// OpenGraph is the metadata scraped from a page, shaped like the messaging
// server's /opengraph response.
type OpenGraph struct {
	Type             string   `json:"type,omitempty"`
	URL              string   `json:"url,omitempty"`
	Title            string   `json:"title,omitempty"`
	Description      string   `json:"description,omitempty"`
	Determiner       string   `json:"determiner,omitempty"`
	SiteName         string   `json:"site_name,omitempty"`
	Locale           string   `json:"locale,omitempty"`
	LocalesAlternate []string `json:"locales_alternate,omitempty"`
	Images           []Image  `json:"images,omitempty"`
	Audios           []Audio  `json:"audios,omitempty"`
	Videos           []Video  `json:"videos,omitempty"`
	Article          *Article `json:"article,omitempty"`
	Book             *Book    `json:"book,omitempty"`
	Profile          *Profile `json:"profile,omitempty"`
}

// Image is a single og:image entry.
type Image struct {
	URL       string `json:"url,omitempty"`
	SecureURL string `json:"secure_url,omitempty"`
	Type      string `json:"type,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Alt       string `json:"alt,omitempty"`
}

// Audio is a single og:audio entry.
type Audio struct {
	URL       string `json:"url,omitempty"`
	SecureURL string `json:"secure_url,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Video is a single og:video entry.
type Video struct {
	URL       string `json:"url,omitempty"`
	SecureURL string `json:"secure_url,omitempty"`
	Type      string `json:"type,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Article holds article:* properties.
type Article struct {
	PublishedTime  string   `json:"published_time,omitempty"`
	ModifiedTime   string   `json:"modified_time,omitempty"`
	ExpirationTime string   `json:"expiration_time,omitempty"`
	Section        string   `json:"section,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Authors        []string `json:"authors,omitempty"`
}

// Book holds book:* properties.
type Book struct {
	ISBN        string   `json:"isbn,omitempty"`
	ReleaseDate string   `json:"release_date,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Authors     []string `json:"authors,omitempty"`
}

// Profile holds profile:* properties.
type Profile struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Gender    string `json:"gender,omitempty"`
}

// HasData reports whether the page yielded anything worth previewing.
func (og *OpenGraph) HasData() bool {
	if og == nil {
		return false
	}
	return og.Title != "" || og.Description != "" || len(og.Images) > 0
}

// Truncate shortens the title and description to at most the given number
// of runes, appending an ellipsis when text was cut. Non-positive limits
// leave the field untouched.
func (og *OpenGraph) Truncate(maxTitle, maxDescription int) {
	og.Title = truncateRunes(og.Title, maxTitle)
	og.Description = truncateRunes(og.Description, maxDescription)
}

// SelectorImages converts the page's images for the selector.
func (og *OpenGraph) SelectorImages() []selector.Image {
	out := make([]selector.Image, 0, len(og.Images))
	for _, img := range og.Images {
		out = append(out, selector.Image{
			URL:       img.URL,
			SecureURL: img.SecureURL,
			Width:     img.Width,
			Height:    img.Height,
		})
	}
	return out
}

// ImageURLs returns every distinct URL (plain and secure) of the page's images.
func (og *OpenGraph) ImageURLs() []string {
	seen := make(map[string]struct{}, len(og.Images)*2)
	var urls []string
	for _, img := range og.Images {
		for _, u := range []string{img.SecureURL, img.URL} {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	return urls
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
