// Package collyfetcher implements discovery.Fetcher and discovery.Resolver
// using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/discovery"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps the bytes read per response. Zero keeps colly's default.
	MaxBodySize int
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// StatusError reports a response that arrived with a non-2xx status. URL is
// the final URL after redirects.
type StatusError struct {
	StatusCode int
	URL        string
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d from %s: %v", e.StatusCode, e.URL, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Fetcher fetches pages and resolves redirect chains through a Colly collector.
type Fetcher struct {
	limiter       Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Every clone shares the visited set, so revisits must be allowed for
	// feeds and permalinks fetched again on later discoveries.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	// Clones share the base http.Client; the timeout is set only here.
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	return &Fetcher{
		limiter:       limiter,
		logger:        logger,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (discovery.FetchResponse, error) {
	var (
		result   discovery.FetchResponse
		fetchErr error
	)
	if err := f.wait(ctx, rawURL); err != nil {
		return discovery.FetchResponse{}, err
	}
	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr)
	if err := f.runCollector(ctx, rawURL, &fetchErr, collector.Visit); err != nil {
		return discovery.FetchResponse{}, err
	}
	f.logger.Debug("fetched",
		zap.String("url", rawURL),
		zap.String("final_url", result.URL),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// Head issues a HEAD request and returns the final response metadata.
func (f *Fetcher) Head(ctx context.Context, rawURL string) (discovery.FetchResponse, error) {
	var (
		result   discovery.FetchResponse
		fetchErr error
	)
	if err := f.wait(ctx, rawURL); err != nil {
		return discovery.FetchResponse{}, err
	}
	collector := f.buildCollector(time.Now(), &result, &fetchErr)
	if err := f.runCollector(ctx, rawURL, &fetchErr, collector.Head); err != nil {
		return discovery.FetchResponse{}, err
	}
	return result, nil
}

// Resolve follows redirects from rawURL and returns the final URL. A HEAD
// request is tried first; servers that reject HEAD get a GET. A chain that
// ends on an error status still resolves to the URL it ended on.
func (f *Fetcher) Resolve(ctx context.Context, rawURL string) (string, error) {
	resp, headErr := f.Head(ctx, rawURL)
	if final, ok := resolvedURL(resp, headErr); ok && !headRejected(headErr) {
		return final, nil
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("resolve %s: %w", rawURL, err)
	}
	resp, err := f.Fetch(ctx, rawURL)
	if final, ok := resolvedURL(resp, err); ok {
		return final, nil
	}
	return "", errors.Join(headErr, err)
}

// resolvedURL extracts the final URL from a finished request, whatever its status.
func resolvedURL(resp discovery.FetchResponse, err error) (string, bool) {
	if err == nil {
		return resp.URL, resp.URL != ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.URL != "" {
		return statusErr.URL, true
	}
	return "", false
}

// headRejected reports servers that refuse HEAD and need a GET instead.
func headRejected(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusMethodNotAllowed || statusErr.StatusCode == http.StatusNotImplemented
}

func (f *Fetcher) wait(ctx context.Context, rawURL string) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("throttle %s: %w", rawURL, err)
	}
	return nil
}

func (f *Fetcher) buildCollector(start time.Time, result *discovery.FetchResponse, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *discovery.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		resp := discovery.FetchResponse{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Request != nil && r.Request.URL != nil {
			resp.URL = r.Request.URL.String()
		}
		if r.Headers != nil {
			resp.Headers = r.Headers.Clone()
		}
		*result = resp
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			statusErr := &StatusError{StatusCode: r.StatusCode, Err: err}
			if r.Request != nil && r.Request.URL != nil {
				statusErr.URL = r.Request.URL.String()
			}
			*fetchErr = statusErr
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, rawURL string, fetchErr *error, visit func(string) error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
