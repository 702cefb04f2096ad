package discovery

import (
	"net/http"
	"slices"
	"time"
)

// Microformats2 root class names used by the crawl.
const (
	TypeEntry = "h-entry"
	TypeFeed  = "h-feed"
)

// Relation and property names read from parsed documents.
const (
	RelFeed             = "feed"
	RelSyndication      = "syndication"
	PropertyURL         = "url"
	PropertySyndication = "syndication"
)

// SyndicatedPost links a post on the author's own site to one syndicated copy.
// Either side may be empty: a record with only Original marks a permalink that
// declared no syndication links, a record with only Syndication marks a
// syndicated URL for which no original could be found.
type SyndicatedPost struct {
	ID          string    `json:"id"`
	Original    string    `json:"original,omitempty"`
	Syndication string    `json:"syndication,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasOriginal reports whether the record points at an original post.
func (p *SyndicatedPost) HasOriginal() bool {
	return p != nil && p.Original != ""
}

// Document is the parsed form of a fetched page: its top-level items and
// document-level relation links.
type Document struct {
	Items []Item              `json:"items"`
	Rels  map[string][]string `json:"rels"`
}

// Rel returns the values of a document-level relation.
func (d *Document) Rel(name string) []string {
	if d == nil || d.Rels == nil {
		return nil
	}
	return d.Rels[name]
}

// FirstOfType returns the first top-level item carrying the given type.
func (d *Document) FirstOfType(typ string) (Item, bool) {
	if d == nil {
		return Item{}, false
	}
	for _, item := range d.Items {
		if item.HasType(typ) {
			return item, true
		}
	}
	return Item{}, false
}

// Item is a single parsed semantic item, e.g. an h-entry.
type Item struct {
	Type       []string            `json:"type"`
	Properties map[string][]string `json:"properties"`
	Children   []Item              `json:"children,omitempty"`
}

// HasType reports whether typ is one of the item's types.
func (i Item) HasType(typ string) bool {
	return slices.Contains(i.Type, typ)
}

// Property returns the string values of a property.
func (i Item) Property(name string) []string {
	if i.Properties == nil {
		return nil
	}
	return i.Properties[name]
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Source describes the account a syndicated post was published from.
type Source struct {
	DomainURL string `json:"domain_url"`
}

// Activity is the subset of an ActivityStreams activity the engine reads and annotates.
type Activity struct {
	ID     string  `json:"id,omitempty"`
	Verb   string  `json:"verb,omitempty"`
	URL    string  `json:"url,omitempty"`
	Object *Object `json:"object,omitempty"`
}

// Object is the syndicated post carried by an Activity.
type Object struct {
	ID         string `json:"id,omitempty"`
	ObjectType string `json:"objectType,omitempty"`
	URL        string `json:"url,omitempty"`
	Content    string `json:"content,omitempty"`
	Tags       []Tag  `json:"tags,omitempty"`
}

// Tag references another object, such as the discovered original post.
type Tag struct {
	ObjectType string `json:"objectType"`
	URL        string `json:"url"`
}

// RelationshipEvent is published when discovery links a syndicated URL to its original.
type RelationshipEvent struct {
	Original    string    `json:"original"`
	Syndication string    `json:"syndication"`
	DomainURL   string    `json:"domain_url"`
	CacheHit    bool      `json:"cache_hit"`
	At          time.Time `json:"at"`
}
