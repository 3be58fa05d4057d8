package opengraph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sydlexius/linkpreview/internal/selector"
)

func TestTruncate(t *testing.T) {
	og := &OpenGraph{Title: "héllo wörld", Description: "short"}
	og.Truncate(5, 0)
	if og.Title != "héllo…" {
		t.Errorf("Title = %q", og.Title)
	}
	if og.Description != "short" {
		t.Errorf("Description = %q", og.Description)
	}
}

func TestHasData(t *testing.T) {
	var nilOG *OpenGraph
	if nilOG.HasData() {
		t.Error("nil OpenGraph should have no data")
	}
	if (&OpenGraph{URL: "https://x"}).HasData() {
		t.Error("URL alone is not previewable")
	}
	if !(&OpenGraph{Images: []Image{{URL: "https://x/a.png"}}}).HasData() {
		t.Error("image should count as data")
	}
}

func TestImageURLs(t *testing.T) {
	og := &OpenGraph{Images: []Image{
		{URL: "http://x/a.png", SecureURL: "https://x/a.png"},
		{URL: "http://x/a.png"},
		{URL: "http://x/b.png"},
	}}
	want := []string{"https://x/a.png", "http://x/a.png", "http://x/b.png"}
	if diff := cmp.Diff(want, og.ImageURLs()); diff != "" {
		t.Errorf("ImageURLs mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectorImages(t *testing.T) {
	og := &OpenGraph{Images: []Image{{URL: "u", SecureURL: "s", Width: 1, Height: 2, Alt: "ignored"}}}
	want := []selector.Image{{URL: "u", SecureURL: "s", Width: 1, Height: 2}}
	if diff := cmp.Diff(want, og.SelectorImages()); diff != "" {
		t.Errorf("SelectorImages mismatch (-want +got):\n%s", diff)
	}
}
