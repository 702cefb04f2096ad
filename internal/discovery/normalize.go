package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Normalizer maps URLs to their canonical, post-redirect form so that silo
// permalinks which differ only in their redirect chain share one store key.
type Normalizer struct {
	resolver Resolver
}

// NewNormalizer wraps a Resolver.
func NewNormalizer(resolver Resolver) *Normalizer {
	return &Normalizer{resolver: resolver}
}

// Normalize returns the final URL after following redirects.
func (n *Normalizer) Normalize(ctx context.Context, rawURL string) (string, error) {
	final, err := n.resolver.Resolve(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rawURL, err)
	}
	if final == "" {
		return rawURL, nil
	}
	return final, nil
}

// NewHostRewriter returns a URLRewriter that swaps the host of matching URLs.
// Keys and values are bare hosts (optionally with port), e.g.
// {"snarfed.org": "localhost:8080"}. A nil or empty map yields nil.
func NewHostRewriter(hosts map[string]string) URLRewriter {
	if len(hosts) == 0 {
		return nil
	}
	table := make(map[string]string, len(hosts))
	for from, to := range hosts {
		table[strings.ToLower(strings.TrimSpace(from))] = strings.TrimSpace(to)
	}
	return func(rawURL string) string {
		u, err := url.Parse(rawURL)
		if err != nil {
			return rawURL
		}
		to, ok := table[strings.ToLower(u.Host)]
		if !ok || to == "" {
			return rawURL
		}
		u.Host = to
		return u.String()
	}
}
