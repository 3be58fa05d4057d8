package selector

// Image is the subset of an OpenGraph image the selector needs.
type Image struct {
	URL       string
	SecureURL string
	Width     int
	Height    int
}

// Locator returns the secure URL when present, otherwise the plain URL.
func (img Image) Locator() string {
	if img.SecureURL != "" {
		return img.SecureURL
	}
	return img.URL
}

// DimensionLookup maps image URLs to dimensions observed out of band, for
// example from an earlier probe of the same image.
type DimensionLookup map[string]Point

// Resolve returns the known dimensions for img. Dimensions on the image
// itself win; otherwise the lookup is consulted by secure URL and then by
// plain URL. Sizes that are not Valid count as unknown. The boolean is
// false when nothing usable is known.
func (l DimensionLookup) Resolve(img Image) (Point, bool) {
	if p := (Point{Width: img.Width, Height: img.Height}); p.Valid() {
		return p, true
	}
	for _, u := range []string{img.SecureURL, img.URL} {
		if u == "" {
			continue
		}
		if p, ok := l[u]; ok && p.Valid() {
			return p, true
		}
	}
	return Point{}, false
}

// BestImage returns the image closest to target. lookup may be nil.
func BestImage(target Point, images []Image, lookup DimensionLookup) (Image, bool) {
	candidates := make([]Candidate[Image], 0, len(images))
	for _, img := range images {
		c := Candidate[Image]{Payload: img}
		if p, ok := lookup.Resolve(img); ok {
			c.Point = &p
		}
		candidates = append(candidates, c)
	}
	return Nearest(target, candidates)
}

// BestImageURL returns the locator of the image closest to target, preferring
// the secure URL of the winner.
func BestImageURL(target Point, images []Image, lookup DimensionLookup) (string, bool) {
	img, ok := BestImage(target, images, lookup)
	if !ok {
		return "", false
	}
	return img.Locator(), true
}
