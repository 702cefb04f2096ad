package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	engine    *Engine
	store     *fakeStore
	web       *fakeWeb
	validator *fakeValidator
	publisher *fakePublisher
	ids       *fakeIDs
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     &fakeStore{},
		web:       newFakeWeb(),
		validator: &fakeValidator{invalid: map[string]bool{}},
		publisher: &fakePublisher{},
		ids:       &fakeIDs{},
	}
	engine, err := NewEngine(Deps{
		Store:     h.store,
		Fetcher:   h.web,
		Resolver:  h.web,
		Parser:    h.web,
		Validator: h.validator,
		IDs:       h.ids,
		Clock:     &fakeClock{now: time.Unix(1700000000, 0).UTC()},
		Publisher: h.publisher,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	h.engine = engine
	return h
}

func activityFor(syndicationURL string) *Activity {
	return &Activity{Verb: "post", Object: &Object{ObjectType: "note", URL: syndicationURL}}
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Deps{}, Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")

	web := newFakeWeb()
	_, err = NewEngine(Deps{
		Store: &fakeStore{}, Fetcher: web, Resolver: web, Parser: web,
		Validator: &fakeValidator{}, IDs: &fakeIDs{},
	}, Config{MaxPermalinks: -1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max permalinks")
}

func TestDiscover_MissingInputsReturnNil(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name     string
		source   Source
		activity *Activity
	}{
		{"no author url", Source{}, activityFor("https://silo.example/1")},
		{"nil activity", Source{DomainURL: "https://a.example/"}, nil},
		{"nil object", Source{DomainURL: "https://a.example/"}, &Activity{}},
		{"empty url", Source{DomainURL: "https://a.example/"}, activityFor("")},
	}
	for _, tc := range cases {
		got, err := h.engine.Discover(ctx, tc.source, tc.activity)
		require.NoError(t, err, tc.name)
		assert.Nil(t, got, tc.name)
	}
	assert.Empty(t, h.store.all(), "missing input must not write records")
	assert.Zero(t, h.web.totalFetches(), "missing input must not fetch")
}

func TestDiscover_CacheHitNeverCrawls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.store.posts = []SyndicatedPost{{ID: "seed", Original: "https://a.example/post1", Syndication: "https://silo.example/123"}}

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/123"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []Tag{{ObjectType: "article", URL: "https://a.example/post1"}}, got.Object.Tags)
	assert.Zero(t, h.validator.callCount(), "cache hit must not start an author crawl")
	assert.Zero(t, h.web.totalFetches())
	assert.Len(t, h.store.all(), 1)
}

func TestDiscover_EndToEndTopLevelFeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "relationships"})
	h.web.docs["https://a.example/"] = &Document{
		Items: []Item{feed(entry("https://a.example/post1"))},
		Rels:  map[string][]string{},
	}
	h.web.docs["https://a.example/post1"] = permalinkDoc([]string{"https://silo.example/123"}, nil)

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/123"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []Tag{{ObjectType: "article", URL: "https://a.example/post1"}}, got.Object.Tags)

	posts := h.store.all()
	require.Len(t, posts, 1)
	assert.Equal(t, "https://a.example/post1", posts[0].Original)
	assert.Equal(t, "https://silo.example/123", posts[0].Syndication)
	assert.Equal(t, "id-1", posts[0].ID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), posts[0].CreatedAt)

	require.Len(t, h.publisher.payloads, 1)
	assert.Equal(t, []string{"relationships"}, h.publisher.topics)
	event, ok := h.publisher.payloads[0].(RelationshipEvent)
	require.True(t, ok)
	assert.Equal(t, "https://a.example/post1", event.Original)
	assert.False(t, event.CacheHit)
}

func TestDiscover_InvalidTargetRecordsNegative(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.validator.invalid["https://down.example/"] = true

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://down.example/"}, activityFor("https://silo.example/9"))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, h.web.totalFetches())

	posts := h.store.all()
	require.Len(t, posts, 1)
	assert.Equal(t, SyndicatedPost{ID: "id-1", Syndication: "https://silo.example/9", CreatedAt: time.Unix(1700000000, 0).UTC()}, posts[0])
}

func TestDiscover_NegativeCachingIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.web.docs["https://a.example/"] = &Document{Items: []Item{feed()}}
	ctx := context.Background()
	source := Source{DomainURL: "https://a.example/"}

	first, err := h.engine.Discover(ctx, source, activityFor("https://silo.example/none"))
	require.NoError(t, err)
	assert.Nil(t, first)
	require.Len(t, h.store.all(), 1)
	crawls := h.validator.callCount()

	second, err := h.engine.Discover(ctx, source, activityFor("https://silo.example/none"))
	require.NoError(t, err)
	require.NotNil(t, second, "negative record matches and returns the activity unchanged")
	assert.Empty(t, second.Object.Tags)
	assert.Len(t, h.store.all(), 1, "second run must not add another record")
	assert.Equal(t, crawls, h.validator.callCount(), "second run must not crawl")
}

func TestDiscover_NormalizesSyndicatedURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.web.redirects["https://silo.example/status/123"] = "https://silo.example/alice/status/123"
	h.web.redirects["https://silo.example/i/123"] = "https://silo.example/alice/status/123"
	h.web.docs["https://a.example/"] = &Document{Items: []Item{entry("https://a.example/p")}}
	h.web.docs["https://a.example/p"] = permalinkDoc(nil, []string{"https://silo.example/i/123"})

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/status/123"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://a.example/p", got.Object.Tags[0].URL)

	posts := h.store.all()
	require.Len(t, posts, 1)
	assert.Equal(t, "https://silo.example/alice/status/123", posts[0].Syndication)
}

func TestDiscover_NormalizeFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.web.redirects["https://silo.example/broken"] = ""

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/broken"))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, h.store.all())
}

func TestDiscover_StoreLookupErrorPropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.store.findErr = errors.New("db down")

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/1"))
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "db down")
}

func TestDiscover_FoundRecordWithoutOriginalReturnsActivityUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.store.posts = []SyndicatedPost{{ID: "neg", Syndication: "https://silo.example/5"}}
	activity := activityFor("https://silo.example/5")

	got, err := h.engine.Discover(context.Background(), Source{DomainURL: "https://a.example/"}, activity)
	require.NoError(t, err)
	assert.Same(t, activity, got)
	assert.Empty(t, got.Object.Tags)
	assert.Empty(t, h.publisher.payloads)
}

func TestDiscover_RewritesAuthorURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.rewrite = NewHostRewriter(map[string]string{"a.example": "localhost:8080"})
	h.web.docs["http://localhost:8080/"] = &Document{Items: []Item{entry("http://localhost:8080/p")}}
	h.web.docs["http://localhost:8080/p"] = permalinkDoc([]string{"https://silo.example/7"}, nil)

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "http://a.example/"}, activityFor("https://silo.example/7"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://localhost:8080/p", got.Object.Tags[0].URL)
	assert.Zero(t, h.web.fetchCount("http://a.example/"))
}

func TestDiscover_PublishFailureDoesNotFailDiscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "relationships"})
	h.publisher.err = errors.New("broker down")
	h.store.posts = []SyndicatedPost{{Original: "https://a.example/p", Syndication: "https://silo.example/1"}}

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Object.Tags, 1)
}

func TestDiscover_SecondCallIsServedFromStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "relationships"})
	h.web.docs["https://a.example/"] = &Document{Items: []Item{feed(entry("https://a.example/post1"))}}
	h.web.docs["https://a.example/post1"] = permalinkDoc([]string{"https://silo.example/123"}, nil)
	ctx := context.Background()
	source := Source{DomainURL: "https://a.example/"}
	want := []Tag{{ObjectType: "article", URL: "https://a.example/post1"}}

	first, err := h.engine.Discover(ctx, source, activityFor("https://silo.example/123"))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, want, first.Object.Tags)
	require.Len(t, h.store.all(), 1)
	crawls := h.validator.callCount()
	fetches := h.web.totalFetches()

	second, err := h.engine.Discover(ctx, source, activityFor("https://silo.example/123"))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, want, second.Object.Tags)
	assert.Equal(t, crawls, h.validator.callCount(), "second call must not crawl")
	assert.Equal(t, fetches, h.web.totalFetches(), "second call must not fetch")
	assert.Len(t, h.store.all(), 1)

	require.Len(t, h.publisher.payloads, 2)
	event, ok := h.publisher.payloads[1].(RelationshipEvent)
	require.True(t, ok)
	assert.True(t, event.CacheHit)
}

func TestDiscover_CancelledBeforeStartRecordsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.web.docs["https://a.example/"] = &Document{Items: []Item{entry("https://a.example/p")}}
	h.web.docs["https://a.example/p"] = permalinkDoc([]string{"https://silo.example/1"}, nil)
	source := Source{DomainURL: "https://a.example/"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := h.engine.Discover(ctx, source, activityFor("https://silo.example/1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Empty(t, h.store.all())

	got, err = h.engine.Discover(context.Background(), source, activityFor("https://silo.example/1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://a.example/p", got.Object.Tags[0].URL)
}

func TestDiscover_CancelledMidCrawlRecordsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.web.docs["https://a.example/"] = &Document{Items: []Item{entry("https://a.example/p")}}
	h.web.docs["https://a.example/p"] = permalinkDoc([]string{"https://silo.example/1"}, nil)
	source := Source{DomainURL: "https://a.example/"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.web.onFetch = func(rawURL string) {
		if rawURL == "https://a.example/" {
			cancel()
		}
	}

	got, err := h.engine.Discover(ctx, source, activityFor("https://silo.example/1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "crawl interrupted")
	assert.Nil(t, got)
	assert.Empty(t, h.store.all(), "an interrupted crawl must not remember a negative result")

	got, err = h.engine.Discover(context.Background(), source, activityFor("https://silo.example/1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://a.example/p", got.Object.Tags[0].URL)
	require.Len(t, h.store.all(), 1)
	assert.Equal(t, "https://a.example/p", h.store.all()[0].Original)
}

func TestDiscover_DeadlineFromFetcherRecordsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.web.fetchErrs["https://a.example/"] = fmt.Errorf("throttle https://a.example/: rate limit wait: %w", context.DeadlineExceeded)

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, got)
	assert.Empty(t, h.store.all())
}

func TestDiscover_InterruptedTargetCheckRecordsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.engine.validator = &fakeChecker{err: fmt.Errorf("check target: %w", context.DeadlineExceeded)}

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, got)
	assert.Empty(t, h.store.all())
	assert.Zero(t, h.web.totalFetches())
}

func TestDiscover_MatchFoundBeforeInterruptionIsReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.web.docs["https://a.example/"] = &Document{Items: []Item{
		entry("https://a.example/p1"),
		entry("https://a.example/p2"),
	}}
	h.web.docs["https://a.example/p1"] = permalinkDoc([]string{"https://silo.example/1"}, nil)
	h.web.docs["https://a.example/p2"] = permalinkDoc([]string{"https://silo.example/2"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.web.onFetch = func(rawURL string) {
		if rawURL == "https://a.example/p2" {
			cancel()
		}
	}

	got, err := h.engine.Discover(ctx, Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://a.example/p1", got.Object.Tags[0].URL)
	posts := h.store.all()
	require.Len(t, posts, 1)
	assert.Equal(t, "https://silo.example/1", posts[0].Syndication)
}

func TestDiscover_IDFailureOnNegativeRecordPropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.validator.invalid["https://a.example/"] = true
	h.ids.err = errors.New("entropy exhausted")

	got, err := h.engine.Discover(context.Background(),
		Source{DomainURL: "https://a.example/"}, activityFor("https://silo.example/1"))
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "generate record id")
	assert.Contains(t, err.Error(), "entropy exhausted")
	assert.Empty(t, h.store.all())
}

func TestHostRewriter(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NewHostRewriter(nil))

	rewrite := NewHostRewriter(map[string]string{"Snarfed.org": "localhost"})
	assert.Equal(t, "http://localhost/notes", rewrite("http://snarfed.org/notes"))
	assert.Equal(t, "http://kylewm.com/", rewrite("http://kylewm.com/"))
	assert.Equal(t, "::bad", rewrite("::bad"))
}
