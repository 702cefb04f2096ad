package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeStore is an append-only slice store with call counters.
type fakeStore struct {
	mu         sync.Mutex
	posts      []SyndicatedPost
	saveErr    error
	findErr    error
	bySynCalls int
	byOrigCall int
}

func (s *fakeStore) FindBySyndication(_ context.Context, syndication string) (*SyndicatedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySynCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	for i := range s.posts {
		if s.posts[i].Syndication == syndication {
			p := s.posts[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindByOriginal(_ context.Context, original string) (*SyndicatedPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOrigCall++
	if s.findErr != nil {
		return nil, s.findErr
	}
	for i := range s.posts {
		if s.posts[i].Original == original {
			p := s.posts[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Save(_ context.Context, post *SyndicatedPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.posts = append(s.posts, *post)
	return nil
}

func (s *fakeStore) all() []SyndicatedPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyndicatedPost, len(s.posts))
	copy(out, s.posts)
	return out
}

// fakeWeb serves pre-parsed documents: Fetch echoes the URL as the body and
// Parse looks the body up in docs.
type fakeWeb struct {
	mu        sync.Mutex
	docs      map[string]*Document
	fetchErrs map[string]error
	parseErrs map[string]error
	redirects map[string]string
	fetched   []string
	// onFetch runs after each successful fetch is recorded.
	onFetch func(rawURL string)
}

func newFakeWeb() *fakeWeb {
	return &fakeWeb{
		docs:      make(map[string]*Document),
		fetchErrs: make(map[string]error),
		parseErrs: make(map[string]error),
		redirects: make(map[string]string),
	}
}

func (w *fakeWeb) Fetch(ctx context.Context, rawURL string) (FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return FetchResponse{}, fmt.Errorf("get %s: %w", rawURL, err)
	}
	resp, err := w.fetch(rawURL)
	if err == nil && w.onFetch != nil {
		w.onFetch(rawURL)
	}
	return resp, err
}

func (w *fakeWeb) fetch(rawURL string) (FetchResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetched = append(w.fetched, rawURL)
	if err, ok := w.fetchErrs[rawURL]; ok {
		return FetchResponse{}, err
	}
	if _, ok := w.docs[rawURL]; !ok {
		if _, parseFails := w.parseErrs[rawURL]; !parseFails {
			return FetchResponse{}, fmt.Errorf("404 for %s", rawURL)
		}
	}
	return FetchResponse{URL: rawURL, StatusCode: 200, Body: []byte(rawURL)}, nil
}

func (w *fakeWeb) Parse(_ string, body []byte) (*Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := string(body)
	if err, ok := w.parseErrs[key]; ok {
		return nil, err
	}
	return w.docs[key], nil
}

func (w *fakeWeb) Resolve(ctx context.Context, rawURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("head %s: %w", rawURL, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if to, ok := w.redirects[rawURL]; ok {
		if to == "" {
			return "", errors.New("resolve failed")
		}
		return to, nil
	}
	return rawURL, nil
}

func (w *fakeWeb) fetchCount(rawURL string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, f := range w.fetched {
		if f == rawURL {
			n++
		}
	}
	return n
}

func (w *fakeWeb) totalFetches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fetched)
}

// fakeValidator counts author-crawl admission checks.
type fakeValidator struct {
	mu      sync.Mutex
	invalid map[string]bool
	calls   int
}

func (v *fakeValidator) IsValidTarget(_ context.Context, rawURL string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return !v.invalid[rawURL]
}

// fakeChecker implements TargetChecker with a fixed answer.
type fakeChecker struct {
	fakeValidator
	err error
}

func (c *fakeChecker) CheckTarget(ctx context.Context, rawURL string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.IsValidTarget(ctx, rawURL), nil
}

func (v *fakeValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeIDs struct {
	mu  sync.Mutex
	n   int
	err error
}

func (g *fakeIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("msg-%d", len(p.topics)), nil
}

func entry(permalinks ...string) Item {
	return Item{Type: []string{TypeEntry}, Properties: map[string][]string{PropertyURL: permalinks}}
}

func feed(children ...Item) Item {
	return Item{Type: []string{TypeFeed}, Children: children}
}

func permalinkDoc(relSynd []string, uSynd []string) *Document {
	doc := &Document{Rels: map[string][]string{}}
	if len(relSynd) > 0 {
		doc.Rels[RelSyndication] = relSynd
	}
	item := Item{Type: []string{TypeEntry}, Properties: map[string][]string{}}
	if len(uSynd) > 0 {
		item.Properties[PropertySyndication] = uSynd
	}
	doc.Items = []Item{item}
	return doc
}
