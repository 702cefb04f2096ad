package discovery

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/metrics"
)

// Fetch stages reported to metrics and logs.
const (
	stageAuthor    = "author"
	stageFeed      = "feed"
	stagePermalink = "permalink"
)

// documentStep picks the document whose entries will be crawled. home is the
// already parsed author page. A non-nil error stops the crawl.
type documentStep struct {
	name string
	pick func(ctx context.Context, authorURL string, home *Document) (*Document, bool, error)
}

// entryStep picks the list of candidate entries out of a document.
type entryStep struct {
	name     string
	degraded bool
	pick     func(doc *Document) ([]Item, bool)
}

// documentSteps are tried in order; the first that succeeds wins.
func (e *Engine) documentSteps() []documentStep {
	return []documentStep{
		{name: "canonical feed", pick: e.canonicalFeedDocument},
		{name: "author page", pick: homeDocument},
	}
}

// entrySteps are tried in order against the chosen document.
var entrySteps = []entryStep{
	{name: "h-feed children", pick: feedChildren},
	{name: "top-level items", degraded: true, pick: topLevelItems},
}

// processAuthor crawls the author's domain and returns every relationship
// discovered, keyed by normalized syndication URL. The error is non-nil only
// when the crawl was interrupted; the map then holds what was found so far.
func (e *Engine) processAuthor(ctx context.Context, authorURL string) (map[string]SyndicatedPost, error) {
	ctx, span := tracer.Start(ctx, "discovery.processAuthor",
		trace.WithAttributes(attribute.String("posse.author_url", authorURL)))
	defer span.End()

	logger := e.logger.With(zap.String("author", authorURL))
	valid, err := e.checkTarget(ctx, authorURL)
	if err != nil {
		metrics.ObserveAuthorCrawl("interrupted")
		return map[string]SyndicatedPost{}, err
	}
	if !valid {
		logger.Debug("author url is not a valid target; skipping crawl")
		metrics.ObserveAuthorCrawl("invalid_target")
		return map[string]SyndicatedPost{}, nil
	}

	logger.Debug("fetching author domain")
	home, err := e.fetchDocument(ctx, stageAuthor, authorURL)
	if err != nil {
		if stop := interruption(ctx, err); stop != nil {
			metrics.ObserveAuthorCrawl("interrupted")
			return map[string]SyndicatedPost{}, stop
		}
		logger.Warn("could not fetch author url", zap.Error(err))
		metrics.ObserveAuthorCrawl("fetch_failed")
		return map[string]SyndicatedPost{}, nil
	}
	metrics.ObserveAuthorCrawl("crawled")

	var doc *Document
	for _, step := range e.documentSteps() {
		picked, ok, err := step.pick(ctx, authorURL, home)
		if err != nil {
			return map[string]SyndicatedPost{}, err
		}
		if ok {
			logger.Debug("selected feed document", zap.String("step", step.name))
			doc = picked
			break
		}
	}

	var items []Item
	for _, step := range entrySteps {
		if picked, ok := step.pick(doc); ok {
			if step.degraded {
				logger.Info("no h-feed found, fallback to top-level h-entrys")
			}
			items = picked
			break
		}
	}
	return e.processFeed(ctx, items)
}

func (e *Engine) checkTarget(ctx context.Context, authorURL string) (bool, error) {
	if checker, ok := e.validator.(TargetChecker); ok {
		return checker.CheckTarget(ctx, authorURL)
	}
	valid := e.validator.IsValidTarget(ctx, authorURL)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return valid, nil
}

// canonicalFeedDocument follows rel=feed when it names a different URL than
// the author page. Failures fall through to the next step unless the crawl
// was interrupted.
func (e *Engine) canonicalFeedDocument(ctx context.Context, authorURL string, home *Document) (*Document, bool, error) {
	feeds := home.Rel(RelFeed)
	if len(feeds) == 0 || feeds[0] == "" || feeds[0] == authorURL {
		return nil, false, nil
	}
	canonical := feeds[0]
	e.logger.Debug("fetching author's canonical full feed", zap.String("feed", canonical))
	doc, err := e.fetchDocument(ctx, stageFeed, canonical)
	if err != nil {
		if stop := interruption(ctx, err); stop != nil {
			return nil, false, stop
		}
		e.logger.Warn("could not fetch h-feed url; falling back on author url",
			zap.String("feed", canonical), zap.Error(err))
		return nil, false, nil
	}
	return doc, true, nil
}

func homeDocument(_ context.Context, _ string, home *Document) (*Document, bool, error) {
	return home, home != nil, nil
}

func feedChildren(doc *Document) ([]Item, bool) {
	feed, ok := doc.FirstOfType(TypeFeed)
	if !ok {
		return nil, false
	}
	return feed.Children, true
}

func topLevelItems(doc *Document) ([]Item, bool) {
	if doc == nil {
		return nil, true
	}
	return doc.Items, true
}

// fetchDocument fetches and parses a page, recording the result for stage.
func (e *Engine) fetchDocument(ctx context.Context, stage, rawURL string) (*Document, error) {
	resp, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		metrics.ObserveFetch(stage, metrics.FetchError)
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	base := resp.URL
	if base == "" {
		base = rawURL
	}
	doc, err := e.parser.Parse(base, resp.Body)
	if err != nil {
		metrics.ObserveFetch(stage, metrics.FetchParseError)
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	metrics.ObserveFetch(stage, metrics.FetchOK)
	return doc, nil
}
