// Package pipeline owns the run lifecycle: stage choreography over the
// job queue, progress aggregation, and finalization. Handlers are plain
// functions over a PipelineContext; every dependency arrives by value,
// never through package globals.
package pipeline

import (
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/extract"
	"github.com/crestwell/leadpipe/internal/fetch"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
	"github.com/crestwell/leadpipe/internal/resolve"
	"github.com/crestwell/leadpipe/internal/store"
	"github.com/crestwell/leadpipe/internal/verify"
)

// PipelineContext carries everything a stage handler needs. One value
// per tenant per process.
type PipelineContext struct {
	TenantID string
	Cfg      *config.Config

	Store    *store.Store
	Queue    *queue.Queue
	Redis    *goredis.Client
	Limiter  *ratelimit.Limiter
	Fetcher  *fetch.Fetcher
	Resolver *resolve.Resolver
	Behavior *resolve.BehaviorRecorder

	Preflight  *verify.Preflight
	Prober     *verify.Prober
	Detector   *verify.Detector
	Fallback   *verify.FallbackVerifier
	Classifier *verify.Classifier

	// ExtractorFor returns the extractor for a company domain. Swappable
	// so an AI-backed implementation can replace the rule-based one.
	ExtractorFor func(domain string) extract.Extractor

	Now func() time.Time
	Log *logger.Logger
}

// NewPipelineContext wires the default component graph for a tenant.
func NewPipelineContext(tenantID string, cfg *config.Config, st *store.Store, q *queue.Queue, rdb *goredis.Client) *PipelineContext {
	limiter := ratelimit.NewLimiter(rdb)
	behavior := resolve.NewBehaviorRecorder(tenantID, st)
	prober := verify.NewProber(cfg.SMTP, behavior)

	resolver, err := resolve.NewResolver(cfg.Verify.FreemailDenylist)
	if err != nil {
		// resolv.conf missing only happens in stripped containers; fall
		// back to the public resolvers rather than refusing to start.
		resolver = resolve.NewResolverWithServers(
			[]string{"1.1.1.1:53", "8.8.8.8:53"}, cfg.Verify.FreemailDenylist)
	}

	return &PipelineContext{
		TenantID:   tenantID,
		Cfg:        cfg,
		Store:      st,
		Queue:      q,
		Redis:      rdb,
		Limiter:    limiter,
		Fetcher:    fetch.NewFetcher(cfg.Crawl, rdb, nil),
		Resolver:   resolver,
		Behavior:   behavior,
		Preflight:  verify.NewPreflight(cfg.SMTP),
		Prober:     prober,
		Detector:   verify.NewDetector(tenantID, rdb, prober, st, cfg.Verify.CatchallTTLDays),
		Fallback:   verify.NewFallbackVerifier(cfg.Verify, nil),
		Classifier: verify.NewClassifier(cfg.Verify.ResultTTLDays),
		ExtractorFor: func(dom string) extract.Extractor {
			return extract.NewRuleExtractor(dom)
		},
		Now: time.Now,
		Log: logger.With("pipeline"),
	}
}
