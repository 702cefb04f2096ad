// Package mf2 turns fetched pages into discovery.Documents. HTML is parsed for
// microformats2 markup; RSS, Atom and JSON feeds are mapped onto an equivalent
// h-feed so a rel=feed target of either kind can drive a crawl.
package mf2

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"willnorris.com/go/microformats"

	"github.com/JakeFAU/posse-discovery/internal/discovery"
)

// Parser implements discovery.Parser.
type Parser struct{}

// NewParser constructs a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse converts body, fetched from pageURL, into a Document. Relative URLs
// resolve against pageURL.
func (p *Parser) Parse(pageURL string, body []byte) (*discovery.Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", pageURL, err)
	}
	if gofeed.DetectFeedType(bytes.NewReader(body)) != gofeed.FeedTypeUnknown {
		return parseFeed(base, body)
	}
	data := microformats.Parse(bytes.NewReader(body), base)
	return fromMicroformats(data), nil
}

func fromMicroformats(data *microformats.Data) *discovery.Document {
	doc := &discovery.Document{Rels: make(map[string][]string)}
	if data == nil {
		return doc
	}
	for rel, urls := range data.Rels {
		doc.Rels[rel] = append([]string(nil), urls...)
	}
	doc.Items = convertItems(data.Items)
	return doc
}

func convertItems(mfs []*microformats.Microformat) []discovery.Item {
	if len(mfs) == 0 {
		return nil
	}
	items := make([]discovery.Item, 0, len(mfs))
	for _, mf := range mfs {
		if mf == nil {
			continue
		}
		items = append(items, convertItem(mf))
	}
	return items
}

func convertItem(mf *microformats.Microformat) discovery.Item {
	item := discovery.Item{
		Type:       append([]string(nil), mf.Type...),
		Properties: make(map[string][]string, len(mf.Properties)),
		Children:   convertItems(mf.Children),
	}
	for name, values := range mf.Properties {
		for _, v := range values {
			if s, ok := propertyString(v); ok {
				item.Properties[name] = append(item.Properties[name], s)
			}
		}
	}
	return item
}

// propertyString flattens a parsed property value. Embedded microformats
// contribute their value, and e-* or img properties their "value" key.
func propertyString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case *microformats.Microformat:
		if val == nil {
			return "", false
		}
		return val.Value, val.Value != ""
	case map[string]string:
		s, ok := val["value"]
		return s, ok
	default:
		return "", false
	}
}

// parseFeed maps a syndication feed onto an h-feed whose h-entry children carry
// the item links as their url property.
func parseFeed(base *url.URL, body []byte) (*discovery.Document, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	h := discovery.Item{Type: []string{discovery.TypeFeed}, Properties: map[string][]string{}}
	if parsed.Title != "" {
		h.Properties["name"] = []string{parsed.Title}
	}
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		links := itemLinks(base, it)
		if len(links) == 0 {
			continue
		}
		h.Children = append(h.Children, discovery.Item{
			Type:       []string{discovery.TypeEntry},
			Properties: map[string][]string{discovery.PropertyURL: links},
		})
	}

	doc := &discovery.Document{Items: []discovery.Item{h}, Rels: map[string][]string{}}
	for _, link := range parsed.Links {
		if abs := resolve(base, link); abs != "" && abs != base.String() {
			doc.Rels["alternate"] = append(doc.Rels["alternate"], abs)
		}
	}
	return doc, nil
}

func itemLinks(base *url.URL, it *gofeed.Item) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		abs := resolve(base, raw)
		if abs == "" {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	add(it.Link)
	for _, l := range it.Links {
		add(l)
	}
	return out
}

func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
