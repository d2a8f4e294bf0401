package resolve

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// ProbeStat is one observed SMTP probe outcome against an MX host.
type ProbeStat struct {
	MXHost     string
	Category   domain.RcptCategory
	ElapsedMS  int64
	ObservedAt time.Time
}

// BehaviorStore persists and reads probe stats. The Postgres store
// implements it; tests use an in-memory fake.
type BehaviorStore interface {
	RecordProbeStat(ctx context.Context, tenantID string, stat ProbeStat) error
	ProbeStats(ctx context.Context, tenantID, mxHost string, since time.Time) ([]ProbeStat, error)
}

// Profile summarizes an MX host's observed behavior over the rolling
// window. Probers use it to tune command timeouts and to flag tarpits.
type Profile struct {
	MXHost       string
	Samples      int
	P50          time.Duration
	P95          time.Duration
	TempFailRate float64
	Tarpit       bool
}

const (
	behaviorWindow    = 30 * 24 * time.Hour
	tarpitP50         = 5 * time.Second
	tarpitMinSamples  = 5
	profileCacheTTL   = 10 * time.Minute
	profileCacheSweep = 5 * time.Minute
)

// BehaviorRecorder records per-probe timings and serves aggregated
// profiles. It satisfies the verify stage's behavior sink.
type BehaviorRecorder struct {
	tenantID string
	store    BehaviorStore
	profiles *gocache.Cache
	log      *logger.Logger
}

// NewBehaviorRecorder builds a recorder for one tenant.
func NewBehaviorRecorder(tenantID string, store BehaviorStore) *BehaviorRecorder {
	return &BehaviorRecorder{
		tenantID: tenantID,
		store:    store,
		profiles: gocache.New(profileCacheTTL, profileCacheSweep),
		log:      logger.With("mx-behavior"),
	}
}

// Observe records one probe outcome. Failures to persist are logged and
// swallowed: behavior stats are advisory, never load-bearing.
func (b *BehaviorRecorder) Observe(ctx context.Context, mxHost string, category domain.RcptCategory, elapsed time.Duration) {
	stat := ProbeStat{
		MXHost:     mxHost,
		Category:   category,
		ElapsedMS:  elapsed.Milliseconds(),
		ObservedAt: time.Now(),
	}
	if err := b.store.RecordProbeStat(ctx, b.tenantID, stat); err != nil {
		b.log.Warn("probe stat write failed", "mx", mxHost, "error", err)
	}
}

// Profile returns the aggregated behavior for an MX host, cached for a
// few minutes. Unknown hosts return an empty profile, never an error.
func (b *BehaviorRecorder) Profile(ctx context.Context, mxHost string) *Profile {
	if v, ok := b.profiles.Get(mxHost); ok {
		return v.(*Profile)
	}

	stats, err := b.store.ProbeStats(ctx, b.tenantID, mxHost, time.Now().Add(-behaviorWindow))
	if err != nil {
		b.log.Warn("probe stats read failed", "mx", mxHost, "error", err)
		return &Profile{MXHost: mxHost}
	}

	p := aggregate(mxHost, stats)
	b.profiles.Set(mxHost, p, gocache.DefaultExpiration)
	return p
}

func aggregate(mxHost string, stats []ProbeStat) *Profile {
	p := &Profile{MXHost: mxHost, Samples: len(stats)}
	if len(stats) == 0 {
		return p
	}

	latencies := make([]int64, 0, len(stats))
	tempFails := 0
	for _, s := range stats {
		latencies = append(latencies, s.ElapsedMS)
		if s.Category == domain.RcptTempFail {
			tempFails++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p.P50 = time.Duration(percentile(latencies, 50)) * time.Millisecond
	p.P95 = time.Duration(percentile(latencies, 95)) * time.Millisecond
	p.TempFailRate = float64(tempFails) / float64(len(stats))
	p.Tarpit = p.Samples >= tarpitMinSamples && p.P50 >= tarpitP50
	return p
}

// percentile over a sorted slice, nearest-rank.
func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct*len(sorted) + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}
