// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/posse-discovery/internal/discovery"
)

// PostStore is an append-only, in-memory discovery.Store. Lookups return the
// earliest record saved for a key.
type PostStore struct {
	mu            sync.RWMutex
	posts         []discovery.SyndicatedPost
	bySyndication map[string]int
	byOriginal    map[string]int
}

// NewPostStore constructs a PostStore.
func NewPostStore() *PostStore {
	return &PostStore{
		bySyndication: make(map[string]int),
		byOriginal:    make(map[string]int),
	}
}

// FindBySyndication returns the first record whose syndication URL matches.
func (s *PostStore) FindBySyndication(_ context.Context, syndication string) (*discovery.SyndicatedPost, error) {
	return s.find(s.bySyndication, syndication), nil
}

// FindByOriginal returns the first record whose original URL matches.
func (s *PostStore) FindByOriginal(_ context.Context, original string) (*discovery.SyndicatedPost, error) {
	return s.find(s.byOriginal, original), nil
}

// Save appends a record.
func (s *PostStore) Save(_ context.Context, post *discovery.SyndicatedPost) error {
	if post == nil {
		return errors.New("post is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.posts)
	s.posts = append(s.posts, *post)
	if post.Syndication != "" {
		if _, ok := s.bySyndication[post.Syndication]; !ok {
			s.bySyndication[post.Syndication] = idx
		}
	}
	if post.Original != "" {
		if _, ok := s.byOriginal[post.Original]; !ok {
			s.byOriginal[post.Original] = idx
		}
	}
	return nil
}

// Len reports how many records have been saved.
func (s *PostStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

// Close is a no-op.
func (s *PostStore) Close() error { return nil }

func (s *PostStore) find(index map[string]int, key string) *discovery.SyndicatedPost {
	if key == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := index[key]
	if !ok {
		return nil
	}
	post := s.posts[idx]
	return &post
}
