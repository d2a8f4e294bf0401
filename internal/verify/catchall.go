package verify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/distlock"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
	"github.com/crestwell/leadpipe/internal/resolve"
)

// ResolutionReader reads the latest persisted domain resolution so the
// detector can honor a still-fresh catch-all verdict.
type ResolutionReader interface {
	LatestResolution(ctx context.Context, tenantID, chosenDomain string) (*domain.DomainResolution, error)
}

// CatchallCheck is the outcome of one catch-all determination.
type CatchallCheck struct {
	Status    domain.CatchallStatus
	Localpart string
	SMTPCode  *int
	CheckedAt time.Time
	Cached    bool
}

// Detector determines whether a domain accepts mail for any localpart.
// One probe per domain per TTL window: workers single-flight through a
// Redis lock, and losers reuse the winner's persisted verdict.
type Detector struct {
	tenantID string
	rdb      *goredis.Client
	prober   *Prober
	reader   ResolutionReader
	ttl      time.Duration
	log      *logger.Logger
}

// NewDetector builds a Detector. ttlDays is the verdict freshness window.
func NewDetector(tenantID string, rdb *goredis.Client, prober *Prober, reader ResolutionReader, ttlDays int) *Detector {
	return &Detector{
		tenantID: tenantID,
		rdb:      rdb,
		prober:   prober,
		reader:   reader,
		ttl:      time.Duration(ttlDays) * 24 * time.Hour,
		log:      logger.With("catchall"),
	}
}

// randomLocalpart returns a probe address that cannot collide with a
// real mailbox: a reserved prefix plus 16 hex chars of randomness.
func randomLocalpart() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "_ca_" + hex.EncodeToString(b)
}

// fresh reports whether a persisted verdict is still usable.
func (d *Detector) fresh(res *domain.DomainResolution) bool {
	if res == nil || res.CatchallCheckedAt == nil {
		return false
	}
	switch res.CatchallStatus {
	case domain.CatchAll, domain.NotCatchAll:
		return time.Since(*res.CatchallCheckedAt) < d.ttl
	}
	// tempfail/error verdicts are not cached; retry on the next probe.
	return false
}

// Detect returns the domain's catch-all status, probing at most once
// per TTL window across the whole fleet.
func (d *Detector) Detect(ctx context.Context, mx *resolve.MXResult, hint *resolve.Profile) (*CatchallCheck, error) {
	if mx.NoMX {
		return &CatchallCheck{Status: domain.CatchallNoMX, CheckedAt: time.Now()}, nil
	}

	if res, err := d.reader.LatestResolution(ctx, d.tenantID, mx.Domain); err == nil && d.fresh(res) {
		return &CatchallCheck{
			Status:    res.CatchallStatus,
			Localpart: res.CatchallLocalpart,
			SMTPCode:  res.CatchallSMTPCode,
			CheckedAt: *res.CatchallCheckedAt,
			Cached:    true,
		}, nil
	}

	lock := distlock.NewRedisLock(d.rdb, "catchall:"+mx.Domain, 2*time.Minute)
	got, err := lock.AcquireWait(ctx, 30*time.Second)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "catchall lock "+mx.Domain, err)
	}
	if !got {
		// Another worker held the lock the whole wait. Its verdict may have
		// landed meanwhile; otherwise report tempfail so the job retries.
		if res, rerr := d.reader.LatestResolution(ctx, d.tenantID, mx.Domain); rerr == nil && d.fresh(res) {
			return &CatchallCheck{
				Status:    res.CatchallStatus,
				Localpart: res.CatchallLocalpart,
				SMTPCode:  res.CatchallSMTPCode,
				CheckedAt: *res.CatchallCheckedAt,
				Cached:    true,
			}, nil
		}
		return &CatchallCheck{Status: domain.CatchallTempfail, CheckedAt: time.Now()}, nil
	}
	defer lock.Release(ctx)

	// Won the lock; recheck the store once in case the previous holder
	// finished between our read and the acquire.
	if res, rerr := d.reader.LatestResolution(ctx, d.tenantID, mx.Domain); rerr == nil && d.fresh(res) {
		return &CatchallCheck{
			Status:    res.CatchallStatus,
			Localpart: res.CatchallLocalpart,
			SMTPCode:  res.CatchallSMTPCode,
			CheckedAt: *res.CatchallCheckedAt,
			Cached:    true,
		}, nil
	}

	return d.probe(ctx, mx, hint)
}

func (d *Detector) probe(ctx context.Context, mx *resolve.MXResult, hint *resolve.Profile) (*CatchallCheck, error) {
	localpart := randomLocalpart()
	rcpt := fmt.Sprintf("%s@%s", localpart, mx.Domain)

	res, err := d.prober.Probe(ctx, mx.Lowest, rcpt, hint)
	check := &CatchallCheck{Localpart: localpart, CheckedAt: time.Now()}
	if res != nil && res.Code != 0 {
		code := res.Code
		check.SMTPCode = &code
	}

	if err != nil {
		var perr *domain.PipelineError
		if errors.As(err, &perr) && perr.Kind == domain.KindSMTPTempFail {
			check.Status = domain.CatchallTempfail
			return check, nil
		}
		check.Status = domain.CatchallError
		return check, nil
	}

	switch res.Category {
	case domain.RcptAccept:
		// The server accepted a localpart that cannot exist.
		check.Status = domain.CatchAll
	case domain.RcptHardFail:
		check.Status = domain.NotCatchAll
	case domain.RcptTempFail:
		check.Status = domain.CatchallTempfail
	default:
		check.Status = domain.CatchallError
	}

	d.log.Info("catch-all determined", "domain", mx.Domain, "mx", mx.Lowest,
		"status", check.Status, "cached", false)
	return check, nil
}
