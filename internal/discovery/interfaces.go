package discovery

import (
	"context"
	"time"
)

// Store persists SyndicatedPost records. Lookups return nil, nil on a miss and
// the first matching record otherwise; Save only ever appends.
type Store interface {
	FindBySyndication(ctx context.Context, syndication string) (*SyndicatedPost, error)
	FindByOriginal(ctx context.Context, original string) (*SyndicatedPost, error)
	Save(ctx context.Context, post *SyndicatedPost) error
}

// Fetcher performs a timeout-bounded GET.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// Resolver follows the redirect chain of a URL and returns the final URL.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Parser converts a fetched body into a Document. pageURL is used to resolve
// relative links.
type Parser interface {
	Parse(pageURL string, body []byte) (*Document, error)
}

// TargetValidator decides whether an author URL is worth crawling at all.
type TargetValidator interface {
	IsValidTarget(ctx context.Context, rawURL string) bool
}

// TargetChecker is an optional extension of TargetValidator. A non-nil error
// means the check was interrupted and says nothing about the target.
type TargetChecker interface {
	CheckTarget(ctx context.Context, rawURL string) (bool, error)
}

// Publisher pushes relationship events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// URLRewriter maps an author URL before it is crawled.
type URLRewriter func(rawURL string) string
