package fetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CacheEntry is one stored response. ETag/LastModified feed conditional
// revalidation once the entry goes stale.
type CacheEntry struct {
	Status       int
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	StoredAt     time.Time
	MaxAge       time.Duration
}

// Fresh reports whether the entry can be served without revalidation.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.MaxAge
}

// PageCache is an in-memory response cache keyed by canonical URL.
// Stale entries are kept (up to 24h) so revalidation can answer 304s
// without refetching bodies (stale-while-revalidate).
type PageCache struct {
	c          *gocache.Cache
	defaultTTL time.Duration
}

// NewPageCache builds a page cache with the configured default TTL.
func NewPageCache(defaultTTLSec int) *PageCache {
	return &PageCache{
		c:          gocache.New(24*time.Hour, 30*time.Minute),
		defaultTTL: time.Duration(defaultTTLSec) * time.Second,
	}
}

// Get returns the entry and whether it is still fresh.
func (pc *PageCache) Get(url string) (*CacheEntry, bool) {
	v, ok := pc.c.Get(url)
	if !ok {
		return nil, false
	}
	entry := v.(*CacheEntry)
	return entry, entry.Fresh(time.Now())
}

// Store records a successful 2xx response. Cache-Control max-age overrides
// the default TTL; no-store responses are not cached.
func (pc *PageCache) Store(url string, status int, body []byte, hdr http.Header) {
	cc := strings.ToLower(hdr.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") {
		pc.c.Delete(url)
		return
	}
	ttl := pc.defaultTTL
	if i := strings.Index(cc, "max-age="); i >= 0 {
		raw := cc[i+len("max-age="):]
		if j := strings.IndexAny(raw, ", "); j >= 0 {
			raw = raw[:j]
		}
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	pc.c.Set(url, &CacheEntry{
		Status:       status,
		Body:         body,
		ContentType:  hdr.Get("Content-Type"),
		ETag:         hdr.Get("ETag"),
		LastModified: hdr.Get("Last-Modified"),
		StoredAt:     time.Now(),
		MaxAge:       ttl,
	}, gocache.DefaultExpiration)
}

// Revalidated refreshes the freshness window after a 304.
func (pc *PageCache) Revalidated(url string) {
	if v, ok := pc.c.Get(url); ok {
		entry := v.(*CacheEntry)
		entry.StoredAt = time.Now()
		pc.c.Set(url, entry, gocache.DefaultExpiration)
	}
}

// Conditionals returns If-None-Match / If-Modified-Since headers for a URL.
func (pc *PageCache) Conditionals(url string) map[string]string {
	v, ok := pc.c.Get(url)
	if !ok {
		return nil
	}
	entry := v.(*CacheEntry)
	out := map[string]string{}
	if entry.ETag != "" {
		out["If-None-Match"] = entry.ETag
	}
	if entry.LastModified != "" {
		out["If-Modified-Since"] = entry.LastModified
	}
	return out
}
