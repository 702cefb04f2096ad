package discovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/metrics"
)

// processFeed visits every h-entry permalink that has not been processed in a
// prior run and merges the relationships found. At most cfg.MaxPermalinks
// permalinks are considered, in document order. An interrupted crawl stops at
// the current permalink and returns what was merged so far with the error.
func (e *Engine) processFeed(ctx context.Context, items []Item) (map[string]SyndicatedPost, error) {
	permalinks := newOrderedSet()
	for _, child := range items {
		if !child.HasType(TypeEntry) {
			continue
		}
		permalinks.addAll(child.Property(PropertyURL))
	}

	candidates := permalinks.values()
	if limit := e.cfg.MaxPermalinks; limit > 0 && len(candidates) > limit {
		e.logger.Info("feed exceeds permalink cap; truncating",
			zap.Int("permalinks", len(candidates)), zap.Int("cap", limit))
		candidates = candidates[:limit]
	}

	results := make(map[string]SyndicatedPost)
	for _, permalink := range candidates {
		existing, err := e.store.FindByOriginal(ctx, permalink)
		if err != nil {
			if stop := interruption(ctx, err); stop != nil {
				return results, stop
			}
			e.logger.Warn("could not check permalink", zap.String("permalink", permalink), zap.Error(err))
			continue
		}
		if existing != nil {
			metrics.ObservePermalinkSkipped()
			continue
		}
		e.logger.Debug("processing permalink", zap.String("permalink", permalink))
		found, err := e.processEntry(ctx, permalink)
		for syndURL, relationship := range found {
			results[syndURL] = relationship
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
