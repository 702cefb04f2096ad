package discovery

import (
	"context"

	"go.uber.org/zap"
)

// processEntry fetches one permalink and records every syndication link it
// declares. It returns the new relationships keyed by normalized syndication
// URL. Fetch and parse failures persist nothing so the permalink is retried on
// a later crawl. The error is non-nil only when the crawl was interrupted.
func (e *Engine) processEntry(ctx context.Context, permalink string) (map[string]SyndicatedPost, error) {
	logger := e.logger.With(zap.String("permalink", permalink))
	logger.Debug("fetching post permalink")
	results := make(map[string]SyndicatedPost)
	doc, err := e.fetchDocument(ctx, stagePermalink, permalink)
	if err != nil {
		if stop := interruption(ctx, err); stop != nil {
			return results, stop
		}
		logger.Warn("could not fetch permalink", zap.Error(err))
		return results, nil
	}

	syndURLs := newOrderedSet()
	relSynd := doc.Rel(RelSyndication)
	logger.Debug("rel-syndication links", zap.Strings("urls", relSynd))
	syndURLs.addAll(relSynd)

	if entry, ok := doc.FirstOfType(TypeEntry); ok {
		uSynd := entry.Property(PropertySyndication)
		logger.Debug("u-syndication links", zap.Strings("urls", uSynd))
		syndURLs.addAll(uSynd)
	}

	if syndURLs.len() == 0 {
		e.record(ctx, logger, permalink, "", recordNoSyndication)
		return results, nil
	}

	for _, raw := range syndURLs.values() {
		syndURL, err := e.normalizer.Normalize(ctx, raw)
		if err != nil {
			if stop := interruption(ctx, err); stop != nil {
				return results, stop
			}
			logger.Warn("could not normalize syndication link", zap.String("syndication", raw), zap.Error(err))
			continue
		}
		logger.Debug("saving discovered relationship", zap.String("syndication", syndURL))
		if relationship := e.record(ctx, logger, permalink, syndURL, recordRelationship); relationship != nil {
			results[syndURL] = *relationship
		}
	}
	return results, nil
}

// record saves one permalink record, logging instead of failing the crawl.
func (e *Engine) record(ctx context.Context, logger *zap.Logger, original, syndication, kind string) *SyndicatedPost {
	post, err := e.newRecord(original, syndication)
	if err == nil {
		err = e.save(ctx, post, kind)
	}
	if err != nil {
		logger.Warn("could not record permalink", zap.String("syndication", syndication),
			zap.String("kind", kind), zap.Error(err))
		return nil
	}
	return post
}

// orderedSet deduplicates strings while keeping first-seen order.
type orderedSet struct {
	seen  map[string]struct{}
	order []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) bool {
	if v == "" {
		return false
	}
	if _, ok := s.seen[v]; ok {
		return false
	}
	s.seen[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

func (s *orderedSet) addAll(values []string) {
	for _, v := range values {
		s.add(v)
	}
}

func (s *orderedSet) len() int { return len(s.order) }

func (s *orderedSet) values() []string { return s.order }
