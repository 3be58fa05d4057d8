// Package opengraph extracts OpenGraph metadata from HTML pages.
package opengraph

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/sydlexius/linkpreview/internal/selector"
)

// Parse reads an HTML document from r and returns its OpenGraph metadata.
// pageURL is used to resolve relative image and page URLs and as the
// fallback og:url. When a page has no OpenGraph tags, the <title> element,
// the description meta tag, and twitter:* tags are used instead.
func Parse(r io.Reader, pageURL string) (*OpenGraph, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	base, _ := url.Parse(pageURL)
	p := &parser{og: &OpenGraph{}, base: base}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "meta":
				p.meta(n)
			case "title":
				if p.title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					p.title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "link":
				p.link(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return p.finish(pageURL), nil
}

type parser struct {
	og   *OpenGraph
	base *url.URL

	// Fallback values used when OpenGraph properties are missing.
	title        string
	description  string
	twitterTitle string
	twitterDesc  string
	twitterImage string
	canonical    string
}

func (p *parser) meta(n *html.Node) {
	var key, content string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "property", "name":
			if key == "" {
				key = strings.ToLower(strings.TrimSpace(a.Val))
			}
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}
	if key == "" || content == "" {
		return
	}

	switch {
	case strings.HasPrefix(key, "og:"):
		p.ogProperty(strings.TrimPrefix(key, "og:"), content)
	case strings.HasPrefix(key, "article:"):
		p.articleProperty(strings.TrimPrefix(key, "article:"), content)
	case strings.HasPrefix(key, "book:"):
		p.bookProperty(strings.TrimPrefix(key, "book:"), content)
	case strings.HasPrefix(key, "profile:"):
		p.profileProperty(strings.TrimPrefix(key, "profile:"), content)
	case key == "description":
		if p.description == "" {
			p.description = content
		}
	case key == "twitter:title":
		p.twitterTitle = content
	case key == "twitter:description":
		p.twitterDesc = content
	case key == "twitter:image", key == "twitter:image:src":
		if p.twitterImage == "" {
			p.twitterImage = content
		}
	}
}

func (p *parser) link(n *html.Node) {
	var rel, href string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "rel":
			rel = strings.ToLower(strings.TrimSpace(a.Val))
		case "href":
			href = strings.TrimSpace(a.Val)
		}
	}
	if rel == "canonical" && href != "" && p.canonical == "" {
		p.canonical = href
	}
}

func (p *parser) ogProperty(prop, content string) {
	og := p.og
	switch prop {
	case "type":
		og.Type = content
	case "url":
		og.URL = content
	case "title":
		og.Title = content
	case "description":
		og.Description = content
	case "determiner":
		og.Determiner = content
	case "site_name":
		og.SiteName = content
	case "locale":
		og.Locale = content
	case "locale:alternate":
		og.LocalesAlternate = append(og.LocalesAlternate, content)

	case "image":
		og.Images = append(og.Images, Image{URL: content})
	case "image:url":
		if n := len(og.Images); n > 0 && og.Images[n-1].URL == "" {
			og.Images[n-1].URL = content
		} else {
			og.Images = append(og.Images, Image{URL: content})
		}
	case "image:secure_url", "image:type", "image:width", "image:height", "image:alt":
		if len(og.Images) == 0 {
			og.Images = append(og.Images, Image{})
		}
		img := &og.Images[len(og.Images)-1]
		switch strings.TrimPrefix(prop, "image:") {
		case "secure_url":
			img.SecureURL = content
		case "type":
			img.Type = content
		case "width":
			img.Width = parseDimension(content)
		case "height":
			img.Height = parseDimension(content)
		case "alt":
			img.Alt = content
		}

	case "video", "video:url":
		og.Videos = append(og.Videos, Video{URL: content})
	case "video:secure_url", "video:type", "video:width", "video:height":
		if len(og.Videos) == 0 {
			og.Videos = append(og.Videos, Video{})
		}
		v := &og.Videos[len(og.Videos)-1]
		switch strings.TrimPrefix(prop, "video:") {
		case "secure_url":
			v.SecureURL = content
		case "type":
			v.Type = content
		case "width":
			v.Width = parseDimension(content)
		case "height":
			v.Height = parseDimension(content)
		}

	case "audio", "audio:url":
		og.Audios = append(og.Audios, Audio{URL: content})
	case "audio:secure_url", "audio:type":
		if len(og.Audios) == 0 {
			og.Audios = append(og.Audios, Audio{})
		}
		a := &og.Audios[len(og.Audios)-1]
		if prop == "audio:secure_url" {
			a.SecureURL = content
		} else {
			a.Type = content
		}
	}
}

func (p *parser) articleProperty(prop, content string) {
	if p.og.Article == nil {
		p.og.Article = &Article{}
	}
	a := p.og.Article
	switch prop {
	case "published_time":
		a.PublishedTime = content
	case "modified_time":
		a.ModifiedTime = content
	case "expiration_time":
		a.ExpirationTime = content
	case "section":
		a.Section = content
	case "tag":
		a.Tags = append(a.Tags, content)
	case "author":
		a.Authors = append(a.Authors, content)
	}
}

func (p *parser) bookProperty(prop, content string) {
	if p.og.Book == nil {
		p.og.Book = &Book{}
	}
	b := p.og.Book
	switch prop {
	case "isbn":
		b.ISBN = content
	case "release_date":
		b.ReleaseDate = content
	case "tag":
		b.Tags = append(b.Tags, content)
	case "author":
		b.Authors = append(b.Authors, content)
	}
}

func (p *parser) profileProperty(prop, content string) {
	if p.og.Profile == nil {
		p.og.Profile = &Profile{}
	}
	pr := p.og.Profile
	switch prop {
	case "first_name":
		pr.FirstName = content
	case "last_name":
		pr.LastName = content
	case "username":
		pr.Username = content
	case "gender":
		pr.Gender = content
	}
}

// finish applies fallbacks and resolves relative URLs.
func (p *parser) finish(pageURL string) *OpenGraph {
	og := p.og

	if og.Title == "" {
		og.Title = firstNonEmpty(p.twitterTitle, p.title)
	}
	if og.Description == "" {
		og.Description = firstNonEmpty(p.twitterDesc, p.description)
	}
	if og.URL == "" {
		og.URL = firstNonEmpty(p.canonical, pageURL)
	}
	if len(og.Images) == 0 && p.twitterImage != "" {
		og.Images = append(og.Images, Image{URL: p.twitterImage})
	}

	og.URL = p.resolve(og.URL)

	images := og.Images[:0]
	for _, img := range og.Images {
		img.URL = p.resolve(img.URL)
		img.SecureURL = p.resolve(img.SecureURL)
		if img.URL == "" && img.SecureURL == "" {
			continue
		}
		images = append(images, img)
	}
	og.Images = images
	if len(og.Images) == 0 {
		og.Images = nil
	}

	for i := range og.Videos {
		og.Videos[i].URL = p.resolve(og.Videos[i].URL)
		og.Videos[i].SecureURL = p.resolve(og.Videos[i].SecureURL)
	}
	for i := range og.Audios {
		og.Audios[i].URL = p.resolve(og.Audios[i].URL)
		og.Audios[i].SecureURL = p.resolve(og.Audios[i].SecureURL)
	}

	return og
}

// resolve makes ref absolute against the page URL. Unparseable references
// are returned unchanged.
func (p *parser) resolve(ref string) string {
	if ref == "" || p.base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return p.base.ResolveReference(u).String()
}

// parseDimension accepts plain integers and tolerates a trailing "px".
// Values above selector.MaxDimension are dropped.
func parseDimension(s string) int {
	s = strings.TrimSuffix(strings.TrimSpace(s), "px")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > selector.MaxDimension {
		return 0
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
