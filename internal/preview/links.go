package preview

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/sydlexius/linkpreview/internal/fetcher"
)

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'` + "`" + `]+`)

// ExtractLinks returns the distinct http(s) URLs in a message, in order of
// first appearance. Trailing punctuation and unbalanced closing brackets,
// as left by markdown links or prose, are trimmed.
func ExtractLinks(message string) []string {
	matches := linkPattern.FindAllString(message, -1)
	seen := make(map[string]struct{}, len(matches))
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		m = trimLink(m)
		if _, err := fetcher.ValidateURL(m); err != nil {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		links = append(links, m)
	}
	return links
}

func trimLink(s string) string {
	for {
		trimmed := strings.TrimRight(s, ".,;:!?*_~")
		if strings.HasSuffix(trimmed, ")") && strings.Count(trimmed, "(") < strings.Count(trimmed, ")") {
			trimmed = strings.TrimSuffix(trimmed, ")")
		}
		if strings.HasSuffix(trimmed, "]") && strings.Count(trimmed, "[") < strings.Count(trimmed, "]") {
			trimmed = strings.TrimSuffix(trimmed, "]")
		}
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

// NormalizeURL validates rawURL and returns the form used as a cache key:
// lowercased scheme and host, no fragment, and "/" for an empty path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := fetcher.ValidateURL(rawURL)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// IsImageLink reports whether a URL points directly at an image file.
func IsImageLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}
