// Package ratelimit gates outbound work behind layered limits held in
// Redis: a concurrency semaphore and a 1-second token bucket per scope.
// Scopes are ordered (global first, then per-MX or per-domain); acquiring
// releases already-held scopes on denial so a stalled inner scope never
// pins the global one.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when a semaphore scope is at capacity or a
// token bucket is exhausted.
var ErrRateLimited = errors.New("rate limited")

// semTTL prevents deadlocks if a worker dies mid-lease.
const semTTL = 120

// Lua script for atomic semaphore acquire: check below limit, then INCR.
// Prevents the GET → check → INCR race.
const acquireLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local cur = tonumber(redis.call("GET", key) or "0")
if cur >= limit then
    return {0, cur}
end

local newVal = redis.call("INCR", key)
redis.call("EXPIRE", key, ttl)
return {1, newVal}
`

// Lua script for release: decrement without ever going negative, delete
// at zero so idle scopes leave no keys behind.
const releaseLuaScript = `
local key = KEYS[1]
local cur = tonumber(redis.call("GET", key) or "0")
if cur <= 1 then
    redis.call("DEL", key)
    return 0
end
return redis.call("DECR", key)
`

// Lua script for the 1-second token bucket. Consumption is monotonic:
// tokens are never refunded on failure, the request was made.
const rpsLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])

local cnt = redis.call("INCR", key)
if cnt == 1 then
    redis.call("EXPIRE", key, 2)
end
if cnt > limit then
    return 0
end
return 1
`

// Scope is one layer of limiting: a named key plus its concurrency cap.
type Scope struct {
	Key            string
	MaxConcurrency int
}

// GlobalScope returns the process-cluster-wide scope.
func GlobalScope(maxConcurrency int) Scope {
	return Scope{Key: "sem:global", MaxConcurrency: maxConcurrency}
}

// MXScope returns the per-MX-host scope used during verification.
func MXScope(mxHost string, maxConcurrency int) Scope {
	return Scope{Key: fmt.Sprintf("sem:mx:%s", mxHost), MaxConcurrency: maxConcurrency}
}

// DomainScope returns the per-domain scope used during crawling.
func DomainScope(domain string, maxConcurrency int) Scope {
	return Scope{Key: fmt.Sprintf("sem:domain:%s", domain), MaxConcurrency: maxConcurrency}
}

// Limiter provides atomic multi-scope rate limiting over Redis.
type Limiter struct {
	rdb *redis.Client

	acquireScript *redis.Script
	releaseScript *redis.Script
	rpsScript     *redis.Script
}

// NewLimiter creates a limiter with pre-compiled Lua scripts.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{
		rdb:           rdb,
		acquireScript: redis.NewScript(acquireLuaScript),
		releaseScript: redis.NewScript(releaseLuaScript),
		rpsScript:     redis.NewScript(rpsLuaScript),
	}
}

// Lease holds acquired semaphore scopes. Release returns them in reverse
// order. Safe to call once; a Lease is owned by a single goroutine.
type Lease struct {
	limiter *Limiter
	keys    []string
}

// Release frees all held scopes.
func (le *Lease) Release(ctx context.Context) {
	if le == nil || le.limiter == nil {
		return
	}
	for i := len(le.keys) - 1; i >= 0; i-- {
		// Best-effort; TTL reclaims the slot if Redis hiccups here.
		le.limiter.releaseScript.Run(ctx, le.limiter.rdb, []string{le.keys[i]})
	}
	le.keys = nil
}

// Acquire takes all scopes in the given order, failing fast: on denial the
// scopes already taken are released and ErrRateLimited is returned.
func (l *Limiter) Acquire(ctx context.Context, scopes ...Scope) (*Lease, error) {
	lease := &Lease{limiter: l}
	for _, sc := range scopes {
		res, err := l.acquireScript.Run(ctx, l.rdb, []string{sc.Key}, sc.MaxConcurrency, semTTL).Slice()
		if err != nil {
			lease.Release(ctx)
			return nil, fmt.Errorf("acquire %s: %w", sc.Key, err)
		}
		if res[0].(int64) != 1 {
			lease.Release(ctx)
			return nil, fmt.Errorf("scope %s at capacity: %w", sc.Key, ErrRateLimited)
		}
		lease.keys = append(lease.keys, sc.Key)
	}
	return lease, nil
}

// AcquireWait retries Acquire with short sleeps until success, context
// cancellation, or timeout. Fairness is best-effort; starvation is bounded
// by the timeout, after which the caller re-enters the queue with backoff.
func (l *Limiter) AcquireWait(ctx context.Context, timeout time.Duration, scopes ...Scope) (*Lease, error) {
	deadline := time.Now().Add(timeout)
	for {
		lease, err := l.Acquire(ctx, scopes...)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		// 50ms poll with jitter so waiters don't thundering-herd the scripts.
		sleep := 50*time.Millisecond + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// ConsumeRPS consumes one token from the scope's current 1-second window.
// When the window is exhausted it returns ok=false and a suggested wait
// until the next window, jittered ±10–20%.
func (l *Limiter) ConsumeRPS(ctx context.Context, scopeKey string, limit int) (bool, time.Duration, error) {
	now := time.Now()
	key := fmt.Sprintf("rps:%s:%d", scopeKey, now.Unix())
	res, err := l.rpsScript.Run(ctx, l.rdb, []string{key}, limit).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("consume rps %s: %w", scopeKey, err)
	}
	if res == 1 {
		return true, 0, nil
	}
	wait := time.Second - time.Duration(now.Nanosecond())
	wait += time.Duration(float64(wait) * (0.10 + rand.Float64()*0.10))
	return false, wait, nil
}

// IncrWindow atomically bumps a windowed counter (tenant 24h budgets,
// per-host penalty counts) and returns the new value. TTL is set only on
// first increment so the window does not slide.
func (l *Limiter) IncrWindow(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr window %s: %w", key, err)
	}
	return incr.Val(), nil
}

// SemValue reports the current semaphore occupancy for a scope key.
func (l *Limiter) SemValue(ctx context.Context, key string) (int64, error) {
	v, err := l.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Backoff schedule for rate_limited and transient failures, full-jittered,
// capped at 24h past the end of the schedule.
var backoffSchedule = []time.Duration{
	5 * time.Second, 15 * time.Second, 45 * time.Second, 90 * time.Second, 180 * time.Second,
}

// Backoff returns the delay before the given attempt (1-based). Attempts
// past the schedule double the last entry up to the 24h cap.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var base time.Duration
	if attempt <= len(backoffSchedule) {
		base = backoffSchedule[attempt-1]
	} else {
		base = backoffSchedule[len(backoffSchedule)-1]
		for i := len(backoffSchedule); i < attempt && base < 24*time.Hour; i++ {
			base *= 2
		}
		if base > 24*time.Hour {
			base = 24 * time.Hour
		}
	}
	// Full jitter keeps synchronized retries from re-colliding. The cap
	// holds after jitter too.
	d := time.Duration(rand.Int63n(int64(base)) + int64(base)/2)
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	return d
}
