// Package fetch implements the polite HTTP fetcher used by the crawl
// stage: robots.txt gating, per-host pacing with WAF cool-off, and a
// conditional-GET page cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/httpretry"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// FetchReason explains how a fetch concluded. Exactly one reason is set
// on every FetchResult.
type FetchReason string

const (
	ReasonOK               FetchReason = "ok"
	ReasonCachedFresh      FetchReason = "cached_fresh"
	ReasonBlockedByRobots  FetchReason = "blocked_by_robots"
	ReasonThrottled        FetchReason = "throttled"
	ReasonTooLarge         FetchReason = "too_large"
	ReasonWrongContentType FetchReason = "wrong_content_type"
	ReasonHTTPError        FetchReason = "http_error"
	ReasonTimeout          FetchReason = "timeout"
	ReasonDNSError         FetchReason = "dns_error"
)

// FetchResult is the outcome of one page fetch.
type FetchResult struct {
	URL         string
	Status      int
	Body        []byte
	ContentType string
	Reason      FetchReason
	FromCache   bool
	Elapsed     time.Duration
}

// OK reports whether the result carries a usable body.
func (r *FetchResult) OK() bool {
	return r.Reason == ReasonOK || r.Reason == ReasonCachedFresh
}

// Fetcher performs polite page fetches. Every request passes the robots
// gate, then the host throttle, then the page cache; only then does it
// hit the network.
type Fetcher struct {
	cfg      config.CrawlConfig
	http     httpretry.HTTPDoer
	robots   *RobotsCache
	throttle *HostThrottle
	cache    *PageCache
	log      *logger.Logger
}

// NewFetcher wires a Fetcher from config. A nil doer gets a default
// client with the configured timeouts.
func NewFetcher(cfg config.CrawlConfig, rdb *redis.Client, doer httpretry.HTTPDoer) *Fetcher {
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{
			Timeout: time.Duration(cfg.TotalTimeoutSec) * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: time.Duration(cfg.ConnectTimeoutSec) * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: time.Duration(cfg.ReadTimeoutSec) * time.Second,
				MaxIdleConnsPerHost:   2,
			},
		}, 2)
	}
	return &Fetcher{
		cfg:      cfg,
		http:     doer,
		robots:   NewRobotsCache(doer, cfg.UserAgent, cfg.RobotsTTLSec, cfg.RobotsDenyTTLSec),
		throttle: NewHostThrottle(rdb, cfg.DefaultDelaySec, cfg.CooloffInitialSec, cfg.CooloffMaxSec),
		cache:    NewPageCache(cfg.FetchCacheTTLSec),
		log:      logger.With("fetch"),
	}
}

// Robots exposes the robots cache for callers that seed crawl frontiers.
func (f *Fetcher) Robots() *RobotsCache { return f.robots }

// Throttle exposes the host throttle for cool-off inspection.
func (f *Fetcher) Throttle() *HostThrottle { return f.throttle }

var allowedContentTypes = []string{"text/html", "application/xhtml+xml", "text/plain"}

func contentTypeAllowed(ct string) bool {
	ct = strings.ToLower(ct)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return true
	}
	for _, allowed := range allowedContentTypes {
		if ct == allowed {
			return true
		}
	}
	return false
}

// Fetch retrieves one page. Robots denials and throttle denials return a
// result (not an error) so the crawler can record and move on; only
// infrastructure failures return a non-nil error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	start := time.Now()

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, domain.NewError(domain.KindValidation, "invalid fetch url "+rawURL, err)
	}
	canonical := u.String()
	host := strings.ToLower(u.Hostname())

	if !f.robots.Allowed(ctx, host, u.Path) {
		f.log.Debug("robots denied", "host", host, "path", u.Path)
		return &FetchResult{URL: canonical, Reason: ReasonBlockedByRobots, Elapsed: time.Since(start)}, nil
	}

	if entry, fresh := f.cache.Get(canonical); fresh {
		return &FetchResult{
			URL: canonical, Status: entry.Status, Body: entry.Body,
			ContentType: entry.ContentType, Reason: ReasonCachedFresh,
			FromCache: true, Elapsed: time.Since(start),
		}, nil
	}

	crawlDelay := f.robots.CrawlDelay(ctx, host)
	if err := f.throttle.Wait(ctx, host, crawlDelay); err != nil {
		if errors.Is(err, ErrThrottled) {
			return &FetchResult{URL: canonical, Reason: ReasonThrottled, Elapsed: time.Since(start)}, nil
		}
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, canonical, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "build request", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.5")
	for k, v := range f.cache.Conditionals(canonical) {
		req.Header.Set(k, v)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return f.classifyTransport(canonical, host, err, start)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		f.cache.Revalidated(canonical)
		if entry, _ := f.cache.Get(canonical); entry != nil {
			return &FetchResult{
				URL: canonical, Status: entry.Status, Body: entry.Body,
				ContentType: entry.ContentType, Reason: ReasonCachedFresh,
				FromCache: true, Elapsed: time.Since(start),
			}, nil
		}
		// 304 without a stored body: treat as an empty OK page.
		return &FetchResult{URL: canonical, Status: http.StatusOK, Reason: ReasonOK, Elapsed: time.Since(start)}, nil

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		cooloff := f.throttle.Penalize(ctx, host, httpretry.RetryAfter(resp))
		f.log.Warn("waf signal, host cooling off",
			"host", host, "status", resp.StatusCode, "cooloff", cooloff)
		return &FetchResult{URL: canonical, Status: resp.StatusCode, Reason: ReasonThrottled, Elapsed: time.Since(start)}, nil

	case resp.StatusCode >= 400:
		return &FetchResult{URL: canonical, Status: resp.StatusCode, Reason: ReasonHTTPError, Elapsed: time.Since(start)}, nil
	}

	ct := resp.Header.Get("Content-Type")
	if !contentTypeAllowed(ct) {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &FetchResult{URL: canonical, Status: resp.StatusCode, ContentType: ct, Reason: ReasonWrongContentType, Elapsed: time.Since(start)}, nil
	}

	limit := f.cfg.FetchMaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return f.classifyTransport(canonical, host, err, start)
	}
	if int64(len(body)) > limit {
		return &FetchResult{URL: canonical, Status: resp.StatusCode, ContentType: ct, Reason: ReasonTooLarge, Elapsed: time.Since(start)}, nil
	}

	f.cache.Store(canonical, resp.StatusCode, body, resp.Header)
	return &FetchResult{
		URL: canonical, Status: resp.StatusCode, Body: body,
		ContentType: ct, Reason: ReasonOK, Elapsed: time.Since(start),
	}, nil
}

func (f *Fetcher) classifyTransport(canonical, host string, err error, start time.Time) (*FetchResult, error) {
	elapsed := time.Since(start)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &FetchResult{URL: canonical, Reason: ReasonDNSError, Elapsed: elapsed}, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &FetchResult{URL: canonical, Reason: ReasonTimeout, Elapsed: elapsed}, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchResult{URL: canonical, Reason: ReasonTimeout, Elapsed: elapsed}, nil
	}
	return nil, domain.NewError(domain.KindTransientNetwork, fmt.Sprintf("fetch %s", host), err)
}
