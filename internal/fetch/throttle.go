package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// HostThrottle enforces per-host politeness: a minimum interval between
// requests (the larger of robots Crawl-delay and the configured default)
// and a Redis-backed WAF cool-off that survives worker restarts.
//
// The pacing limiter is in-process; the cool-off is shared because a 403
// observed by one worker must silence the whole fleet for that host.
type HostThrottle struct {
	rdb          *redis.Client
	defaultDelay time.Duration
	cooloffInit  time.Duration
	cooloffMax   time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostThrottle builds a throttle with the given defaults (seconds).
func NewHostThrottle(rdb *redis.Client, defaultDelaySec, cooloffInitSec, cooloffMaxSec int) *HostThrottle {
	return &HostThrottle{
		rdb:          rdb,
		defaultDelay: time.Duration(defaultDelaySec) * time.Second,
		cooloffInit:  time.Duration(cooloffInitSec) * time.Second,
		cooloffMax:   time.Duration(cooloffMaxSec) * time.Second,
		limiters:     map[string]*rate.Limiter{},
	}
}

func (t *HostThrottle) limiterFor(host string, minInterval time.Duration) *rate.Limiter {
	if minInterval < t.defaultDelay {
		minInterval = t.defaultDelay
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[host]
	if !ok || lim.Limit() != rate.Every(minInterval) {
		lim = rate.NewLimiter(rate.Every(minInterval), 1)
		t.limiters[host] = lim
	}
	return lim
}

// Wait blocks until the host's next polite slot, or returns an error if the
// host is cooling off after WAF signals.
func (t *HostThrottle) Wait(ctx context.Context, host string, crawlDelay time.Duration) error {
	if until, err := t.CooloffUntil(ctx, host); err == nil && !until.IsZero() {
		return fmt.Errorf("host %s cooling off until %s: %w", host, until.Format(time.RFC3339), ErrThrottled)
	}
	return t.limiterFor(host, crawlDelay).Wait(ctx)
}

// ErrThrottled marks a host-level WAF cool-off or politeness denial.
var ErrThrottled = errors.New("throttled")

func cooloffKey(host string) string { return "cooloff:host:" + host }

// Penalize installs (or doubles) the host's cool-off after a 403/429.
// retryAfter, when positive, overrides the computed duration upward.
func (t *HostThrottle) Penalize(ctx context.Context, host string, retryAfter time.Duration) time.Duration {
	key := cooloffKey(host)
	countKey := key + ":count"

	n, err := t.rdb.Incr(ctx, countKey).Result()
	if err != nil {
		n = 1
	}
	t.rdb.Expire(ctx, countKey, t.cooloffMax)

	d := t.cooloffInit
	for i := int64(1); i < n && d < t.cooloffMax; i++ {
		d *= 2
	}
	if d > t.cooloffMax {
		d = t.cooloffMax
	}
	if retryAfter > d {
		d = retryAfter
	}
	// ±15% jitter so a fleet doesn't resume in lockstep.
	jitter := time.Duration((rand.Float64()*0.30 - 0.15) * float64(d))
	d += jitter

	t.rdb.Set(ctx, key, time.Now().Add(d).Format(time.RFC3339Nano), d)
	return d
}

// CooloffUntil reports when the host's cool-off expires (zero time if none).
func (t *HostThrottle) CooloffUntil(ctx context.Context, host string) (time.Time, error) {
	raw, err := t.rdb.Get(ctx, cooloffKey(host)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	until, perr := time.Parse(time.RFC3339Nano, raw)
	if perr != nil {
		return time.Time{}, nil
	}
	if time.Now().After(until) {
		return time.Time{}, nil
	}
	return until, nil
}
