package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/crestwell/leadpipe/internal/pkg/httpretry"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// robotsRule is a single Allow/Disallow line. Longest-path-match wins;
// Allow beats Disallow on equal length.
type robotsRule struct {
	path  string
	allow bool
}

// RobotsPolicy is the resolved policy for one host under our user agent.
type RobotsPolicy struct {
	AllowAll   bool
	DenyAll    bool
	Rules      []robotsRule
	CrawlDelay time.Duration
	FetchedAt  time.Time
}

// Allowed evaluates a URL path against the policy.
func (p *RobotsPolicy) Allowed(path string) bool {
	if p.DenyAll {
		return false
	}
	if p.AllowAll || len(p.Rules) == 0 {
		return true
	}
	if path == "" {
		path = "/"
	}

	var best *robotsRule
	bestLen := -1
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.path == "" {
			// "Disallow:" with empty value means allow everything.
			continue
		}
		if strings.HasPrefix(path, r.path) {
			if len(r.path) > bestLen || (len(r.path) == bestLen && r.allow) {
				best = r
				bestLen = len(r.path)
			}
		}
	}
	if best == nil {
		return true
	}
	return best.allow
}

// RobotsCache fetches, parses, and caches robots.txt policies per host.
// TTLs: 1h on success, 5m deny-all on 5xx, 24h allow-all on 404.
type RobotsCache struct {
	http      httpretry.HTTPDoer
	userAgent string
	cache     *gocache.Cache

	successTTL time.Duration
	denyTTL    time.Duration
	missTTL    time.Duration

	log *logger.Logger
}

// NewRobotsCache builds a robots cache with the given TTLs (seconds).
func NewRobotsCache(client httpretry.HTTPDoer, userAgent string, successTTLSec, denyTTLSec int) *RobotsCache {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	return &RobotsCache{
		http:       client,
		userAgent:  userAgent,
		cache:      gocache.New(time.Duration(successTTLSec)*time.Second, 10*time.Minute),
		successTTL: time.Duration(successTTLSec) * time.Second,
		denyTTL:    time.Duration(denyTTLSec) * time.Second,
		missTTL:    24 * time.Hour,
		log:        logger.With("robots"),
	}
}

// Policy returns the cached or freshly fetched policy for a host.
func (rc *RobotsCache) Policy(ctx context.Context, host string) *RobotsPolicy {
	host = strings.ToLower(strings.TrimSpace(host))
	if v, ok := rc.cache.Get(host); ok {
		return v.(*RobotsPolicy)
	}

	policy, ttl := rc.fetch(ctx, host)
	rc.cache.Set(host, policy, ttl)
	return policy
}

// Allowed is the gate every page fetch goes through.
func (rc *RobotsCache) Allowed(ctx context.Context, host, path string) bool {
	return rc.Policy(ctx, host).Allowed(path)
}

// CrawlDelay returns the host's Crawl-delay for our UA, or zero.
func (rc *RobotsCache) CrawlDelay(ctx context.Context, host string) time.Duration {
	return rc.Policy(ctx, host).CrawlDelay
}

// Invalidate drops the cached policy so the next fetch re-reads it.
func (rc *RobotsCache) Invalidate(host string) {
	rc.cache.Delete(strings.ToLower(strings.TrimSpace(host)))
}

func (rc *RobotsCache) fetch(ctx context.Context, host string) (*RobotsPolicy, time.Duration) {
	url := fmt.Sprintf("https://%s/robots.txt", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &RobotsPolicy{DenyAll: true, FetchedAt: time.Now()}, rc.denyTTL
	}
	req.Header.Set("User-Agent", rc.userAgent)

	resp, err := rc.http.Do(req)
	if err != nil {
		// Unreachable host: deny briefly rather than hammering it.
		rc.log.Warn("robots fetch failed", "host", host, "error", err)
		return &RobotsPolicy{DenyAll: true, FetchedAt: time.Now()}, rc.denyTTL
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// No robots.txt: everything is allowed.
		return &RobotsPolicy{AllowAll: true, FetchedAt: time.Now()}, rc.missTTL
	case resp.StatusCode >= 500:
		// Server trouble: be conservative, deny-all for the short TTL.
		return &RobotsPolicy{DenyAll: true, FetchedAt: time.Now()}, rc.denyTTL
	case resp.StatusCode >= 400:
		return &RobotsPolicy{AllowAll: true, FetchedAt: time.Now()}, rc.successTTL
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return &RobotsPolicy{DenyAll: true, FetchedAt: time.Now()}, rc.denyTTL
	}

	policy := ParseRobots(string(body), rc.userAgent)
	policy.FetchedAt = time.Now()
	return policy, rc.successTTL
}

// ParseRobots parses robots.txt text and resolves the best-matching group
// for the given user agent. Group selection follows the longest matching
// UA token; `*` is the fallback group.
func ParseRobots(text, userAgent string) *RobotsPolicy {
	type group struct {
		agents []string
		rules  []robotsRule
		delay  time.Duration
	}

	var groups []*group
	var cur *group
	lastWasAgent := false

	for _, raw := range strings.Split(text, "\n") {
		line := raw
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "user-agent":
			if cur == nil || !lastWasAgent {
				cur = &group{}
				groups = append(groups, cur)
			}
			cur.agents = append(cur.agents, strings.ToLower(val))
			lastWasAgent = true
		case "disallow", "allow":
			if cur == nil {
				continue
			}
			cur.rules = append(cur.rules, robotsRule{path: val, allow: key == "allow"})
			lastWasAgent = false
		case "crawl-delay":
			if cur == nil {
				continue
			}
			if secs, err := strconv.ParseFloat(val, 64); err == nil && secs > 0 {
				cur.delay = time.Duration(secs * float64(time.Second))
			}
			lastWasAgent = false
		default:
			lastWasAgent = false
		}
	}

	// Pick the group whose UA token best matches ours.
	uaLower := strings.ToLower(userAgent)
	uaProduct := uaLower
	if i := strings.IndexByte(uaProduct, '/'); i >= 0 {
		uaProduct = uaProduct[:i]
	}

	var chosen *group
	chosenLen := -1
	for _, g := range groups {
		for _, agent := range g.agents {
			match := false
			switch {
			case agent == "*":
				if chosen == nil {
					chosen = g
					chosenLen = 0
				}
			case strings.Contains(uaLower, agent) || strings.HasPrefix(agent, uaProduct):
				match = true
			}
			if match && len(agent) > chosenLen {
				chosen = g
				chosenLen = len(agent)
			}
		}
	}

	if chosen == nil {
		return &RobotsPolicy{AllowAll: true}
	}

	rules := make([]robotsRule, len(chosen.rules))
	copy(rules, chosen.rules)
	// Longer paths first so evaluation short-circuits predictably.
	sort.SliceStable(rules, func(i, j int) bool { return len(rules[i].path) > len(rules[j].path) })

	return &RobotsPolicy{Rules: rules, CrawlDelay: chosen.delay}
}
