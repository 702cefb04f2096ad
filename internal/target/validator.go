// Package target decides whether an author URL is worth crawling: it must be
// an http(s) URL on a host that is not blocked and must answer a HEAD request
// with an HTML page.
package target

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/discovery"
	"github.com/JakeFAU/posse-discovery/internal/metrics"
)

// Check results reported to metrics.
const (
	resultValid       = "valid"
	resultBadURL      = "bad_url"
	resultBlocked     = "blocked"
	resultUnreachable = "unreachable"
	resultNotHTML     = "not_html"
	resultInterrupted = "interrupted"
)

// HeadFetcher issues a HEAD request and reports the final response.
type HeadFetcher interface {
	Head(ctx context.Context, rawURL string) (discovery.FetchResponse, error)
}

// Validator implements discovery.TargetValidator and discovery.TargetChecker.
type Validator struct {
	head      HeadFetcher
	blocklist *domainPatternBlocklist
	logger    *zap.Logger
}

// NewValidator builds a Validator. blocked holds host patterns such as
// "twitter.com" or "*.facebook.com".
func NewValidator(head HeadFetcher, blocked []string, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		head:      head,
		blocklist: newDomainPatternBlocklist(blocked),
		logger:    logger,
	}
}

// IsValidTarget reports whether rawURL should be crawled.
func (v *Validator) IsValidTarget(ctx context.Context, rawURL string) bool {
	ok, _ := v.CheckTarget(ctx, rawURL)
	return ok
}

// CheckTarget is IsValidTarget that also returns an error when the HEAD
// request was cut short by cancellation or a deadline, so callers can tell an
// unreachable host from an interrupted check.
func (v *Validator) CheckTarget(ctx context.Context, rawURL string) (bool, error) {
	result, err := v.check(ctx, rawURL)
	metrics.ObserveTargetCheck(result)
	if err != nil {
		return false, err
	}
	if result != resultValid {
		v.logger.Debug("author url rejected", zap.String("url", rawURL), zap.String("reason", result))
		return false, nil
	}
	return true, nil
}

func (v *Validator) check(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return resultBadURL, nil
	}
	if v.blocklist.IsBlocked(u.Hostname()) {
		return resultBlocked, nil
	}
	if v.head == nil {
		return resultValid, nil
	}
	resp, err := v.head.Head(ctx, rawURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resultInterrupted, fmt.Errorf("check target %s: %w", rawURL, ctxErr)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return resultInterrupted, fmt.Errorf("check target %s: %w", rawURL, err)
		}
		v.logger.Debug("target head request failed", zap.String("url", rawURL), zap.Error(err))
		return resultUnreachable, nil
	}
	if resp.StatusCode >= 400 {
		return resultUnreachable, nil
	}
	if final, err := url.Parse(resp.URL); err == nil && v.blocklist.IsBlocked(final.Hostname()) {
		return resultBlocked, nil
	}
	if !isHTML(resp.Headers.Get("Content-Type")) {
		return resultNotHTML, nil
	}
	return resultValid, nil
}

// isHTML accepts HTML media types. A missing header is given the benefit of the doubt.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
