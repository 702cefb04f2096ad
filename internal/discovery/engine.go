package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/posse-discovery/internal/discovery")

// DefaultMaxPermalinks caps how many feed entries one author crawl will visit.
const DefaultMaxPermalinks = 30

// Record kinds reported to metrics.
const (
	recordRelationship  = "relationship"
	recordNoSyndication = "no_syndication"
	recordNegative      = "negative"
)

// Config controls Engine behavior.
type Config struct {
	// MaxPermalinks bounds the permalinks processed per feed. Zero disables the cap.
	MaxPermalinks int
	// Topic receives RelationshipEvents when a Publisher is configured.
	Topic string
}

// Deps groups the collaborators an Engine needs. Publisher and Rewrite are optional.
type Deps struct {
	Store     Store
	Fetcher   Fetcher
	Resolver  Resolver
	Parser    Parser
	Validator TargetValidator
	IDs       IDGenerator
	Clock     Clock
	Publisher Publisher
	Rewrite   URLRewriter
}

// Engine runs POSSE reverse discovery: it maps a syndicated post back to the
// original on its author's site by crawling the author's feed.
type Engine struct {
	store      Store
	fetcher    Fetcher
	parser     Parser
	validator  TargetValidator
	normalizer *Normalizer
	ids        IDGenerator
	clock      Clock
	publisher  Publisher
	rewrite    URLRewriter
	cfg        Config
	logger     *zap.Logger
}

// NewEngine constructs an Engine, rejecting missing required collaborators.
func NewEngine(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("discovery: store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("discovery: fetcher is required")
	case deps.Resolver == nil:
		return nil, errors.New("discovery: resolver is required")
	case deps.Parser == nil:
		return nil, errors.New("discovery: parser is required")
	case deps.Validator == nil:
		return nil, errors.New("discovery: target validator is required")
	case deps.IDs == nil:
		return nil, errors.New("discovery: id generator is required")
	}
	if cfg.MaxPermalinks < 0 {
		return nil, fmt.Errorf("discovery: max permalinks must be >= 0, got %d", cfg.MaxPermalinks)
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      deps.Store,
		fetcher:    deps.Fetcher,
		parser:     deps.Parser,
		validator:  deps.Validator,
		normalizer: NewNormalizer(deps.Resolver),
		ids:        deps.IDs,
		clock:      deps.Clock,
		publisher:  deps.Publisher,
		rewrite:    deps.Rewrite,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Discover looks for the original of activity's object on source's domain.
//
// It returns the activity with a tag pointing at the original when one is
// known, the activity unchanged when the matching record has no original, and
// nil when inputs are missing or nothing was found. A not-found result is
// remembered so the same syndicated URL never triggers another author crawl.
// The error is non-nil for store failures and for crawls cut short by
// cancellation or a deadline; an interrupted crawl records nothing.
func (e *Engine) Discover(ctx context.Context, source Source, activity *Activity) (*Activity, error) {
	start := time.Now()
	authorURL := source.DomainURL
	if authorURL == "" {
		e.logger.Debug("no author url, cannot find h-feed")
		metrics.ObserveDiscovery(metrics.OutcomeMissingInput, time.Since(start))
		return nil, nil
	}
	if activity == nil || activity.Object == nil || activity.Object.URL == "" {
		e.logger.Debug("no syndication url, cannot process h-entries", zap.String("author", authorURL))
		metrics.ObserveDiscovery(metrics.OutcomeMissingInput, time.Since(start))
		return nil, nil
	}
	if e.rewrite != nil {
		authorURL = e.rewrite(authorURL)
	}

	ctx, span := tracer.Start(ctx, "discovery.Discover", trace.WithAttributes(
		attribute.String("posse.author_url", authorURL),
		attribute.String("posse.syndication_url", activity.Object.URL),
	))
	defer span.End()

	syndicationURL, err := e.normalizer.Normalize(ctx, activity.Object.URL)
	if err != nil {
		if stop := interruption(ctx, err); stop != nil {
			metrics.ObserveDiscovery(metrics.OutcomeInterrupted, time.Since(start))
			span.RecordError(stop)
			span.SetStatus(codes.Error, "normalize interrupted")
			return nil, fmt.Errorf("normalize syndication url: %w", stop)
		}
		e.logger.Warn("could not normalize syndication url",
			zap.String("syndication", activity.Object.URL), zap.Error(err))
		metrics.ObserveDiscovery(metrics.OutcomeNormalizeError, time.Since(start))
		return nil, nil
	}
	logger := e.logger.With(zap.String("author", authorURL), zap.String("syndication", syndicationURL))
	logger.Debug("posse post discovery")

	relationship, err := e.store.FindBySyndication(ctx, syndicationURL)
	if err != nil {
		metrics.ObserveDiscovery(metrics.OutcomeStoreError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "store lookup failed")
		return nil, fmt.Errorf("find by syndication: %w", err)
	}
	cacheHit := relationship != nil
	span.SetAttributes(attribute.Bool("posse.cache_hit", cacheHit))
	if !cacheHit {
		results, crawlErr := e.processAuthor(ctx, authorURL)
		if found, ok := results[syndicationURL]; ok {
			relationship = &found
		} else if crawlErr != nil {
			return nil, e.interrupted(span, logger, start, crawlErr)
		}
	}

	if relationship == nil {
		if err := ctx.Err(); err != nil {
			return nil, e.interrupted(span, logger, start, err)
		}
		logger.Debug("no original found; remembering syndicated url")
		negative, err := e.newRecord("", syndicationURL)
		if err != nil {
			metrics.ObserveDiscovery(metrics.OutcomeStoreError, time.Since(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, "record id generation failed")
			return nil, err
		}
		if err := e.save(ctx, negative, recordNegative); err != nil {
			metrics.ObserveDiscovery(metrics.OutcomeStoreError, time.Since(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, "store save failed")
			return nil, err
		}
		metrics.ObserveDiscovery(metrics.OutcomeNotFound, time.Since(start))
		return nil, nil
	}

	if cacheHit {
		metrics.ObserveDiscovery(metrics.OutcomeCacheHit, time.Since(start))
	} else {
		metrics.ObserveDiscovery(metrics.OutcomeCrawlFound, time.Since(start))
	}
	if !relationship.HasOriginal() {
		return activity, nil
	}

	span.SetAttributes(attribute.String("posse.original_url", relationship.Original))
	activity.Object.Tags = append(activity.Object.Tags, Tag{
		ObjectType: "article",
		URL:        relationship.Original,
	})
	logger.Info("original post discovered", zap.String("original", relationship.Original), zap.Bool("cache_hit", cacheHit))
	e.publish(ctx, RelationshipEvent{
		Original:    relationship.Original,
		Syndication: syndicationURL,
		DomainURL:   authorURL,
		CacheHit:    cacheHit,
		At:          e.clock.Now(),
	})
	return activity, nil
}

// interrupted reports a crawl that stopped early. Nothing is recorded for it
// so the next call crawls again.
func (e *Engine) interrupted(span trace.Span, logger *zap.Logger, start time.Time, err error) error {
	logger.Warn("author crawl interrupted; not recording a negative result", zap.Error(err))
	metrics.ObserveDiscovery(metrics.OutcomeInterrupted, time.Since(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, "crawl interrupted")
	return fmt.Errorf("crawl interrupted: %w", err)
}

// interruption returns a non-nil error when err (or ctx) shows the crawl was
// cut short rather than the resource being unavailable. Limiters that refuse
// to wait past the deadline surface as context.DeadlineExceeded.
func interruption(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (e *Engine) newRecord(original, syndication string) (*SyndicatedPost, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}
	return &SyndicatedPost{
		ID:          id,
		Original:    original,
		Syndication: syndication,
		CreatedAt:   e.clock.Now(),
	}, nil
}

func (e *Engine) save(ctx context.Context, post *SyndicatedPost, kind string) error {
	if err := e.store.Save(ctx, post); err != nil {
		return fmt.Errorf("save %s record: %w", kind, err)
	}
	metrics.ObserveRecordSaved(kind)
	return nil
}

func (e *Engine) publish(ctx context.Context, event RelationshipEvent) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, event); err != nil {
		e.logger.Warn("publish relationship event failed", zap.String("topic", e.cfg.Topic), zap.Error(err))
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
