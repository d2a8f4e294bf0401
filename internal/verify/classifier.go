package verify

import (
	"time"

	"github.com/crestwell/leadpipe/internal/domain"
)

// Signals is everything the classifier may consider for one address.
// Timestamps let the freshness guard discard stale evidence; a zero
// timestamp means the signal was produced in this pass.
type Signals struct {
	NoMX              bool
	Rcpt              domain.RcptCategory
	RcptCode          *int
	RcptReason        string
	RcptAt            time.Time
	Catchall          domain.CatchallStatus
	CatchallAt        time.Time
	Fallback          domain.FallbackStatus
	FallbackAt        time.Time
	FallbackConfigured bool
	// DeliveryConfirmed is set when a prior confirmed delivery exists for
	// this exact address (engagement history).
	DeliveryConfirmed bool
}

// Verdict is the classifier's output: a status plus the machine-readable
// reason that produced it.
type Verdict struct {
	Status domain.VerifyStatus
	Reason string
}

// Classification reasons. Stable strings, persisted on result rows.
const (
	ReasonNoMX                 = "no_mx"
	ReasonDeliveredOnCatchall  = "delivered_on_catchall"
	ReasonCatchallDomain       = "catch_all_domain"
	ReasonRcpt2xxNonCatchall   = "rcpt_2xx_non_catchall"
	ReasonRcpt5xx              = "rcpt_5xx"
	ReasonCatchallUnknownRcpt2 = "catchall_unknown_rcpt_2xx"
	ReasonFallbackDeliverable  = "fallback_deliverable"
	ReasonFallbackUndeliver    = "fallback_undeliverable"
	ReasonFallbackUnknown      = "fallback_unknown"
	ReasonStaleResultTTL       = "stale_result_ttl_exceeded"
	ReasonUnknownTimeout       = "unknown_timeout"
)

// Classifier folds probe, catch-all, and fallback signals into a single
// verdict. Rules are ordered; the first match wins.
type Classifier struct {
	resultTTL time.Duration
}

// NewClassifier builds a classifier with the configured signal TTL.
func NewClassifier(resultTTLDays int) *Classifier {
	return &Classifier{resultTTL: time.Duration(resultTTLDays) * 24 * time.Hour}
}

func (c *Classifier) stale(now, at time.Time) bool {
	return !at.IsZero() && now.Sub(at) > c.resultTTL
}

// Classify is pure: same signals, same verdict.
func (c *Classifier) Classify(sig Signals, now time.Time) Verdict {
	// Freshness guard: evidence past the TTL is no evidence at all. If
	// everything we had was stale, say so explicitly.
	staleRcpt := c.stale(now, sig.RcptAt)
	staleCatchall := c.stale(now, sig.CatchallAt)
	if staleRcpt {
		sig.Rcpt = domain.RcptUnknown
		sig.RcptCode = nil
		sig.RcptReason = ""
	}
	if staleCatchall {
		sig.Catchall = ""
	}
	if c.stale(now, sig.FallbackAt) {
		sig.Fallback = domain.FallbackUnknown
	}
	if staleRcpt && (staleCatchall || sig.Catchall == "") && !sig.NoMX {
		return Verdict{Status: domain.VerifyUnknownTimeout, Reason: ReasonStaleResultTTL}
	}

	if sig.NoMX || sig.Catchall == domain.CatchallNoMX {
		return Verdict{Status: domain.VerifyInvalid, Reason: ReasonNoMX}
	}

	if sig.Catchall == domain.CatchAll {
		// An accept on a catch-all domain proves nothing about the mailbox;
		// only an observed real delivery upgrades it.
		if sig.DeliveryConfirmed {
			return Verdict{Status: domain.VerifyValid, Reason: ReasonDeliveredOnCatchall}
		}
		return Verdict{Status: domain.VerifyRiskyCatchAll, Reason: ReasonCatchallDomain}
	}

	switch sig.Rcpt {
	case domain.RcptAccept:
		if sig.Catchall == domain.NotCatchAll {
			return Verdict{Status: domain.VerifyValid, Reason: ReasonRcpt2xxNonCatchall}
		}
		// Catch-all probe tempfailed or errored: the accept cannot be
		// trusted, stay conservative.
		return Verdict{Status: domain.VerifyRiskyCatchAll, Reason: ReasonCatchallUnknownRcpt2}
	case domain.RcptHardFail:
		return Verdict{Status: domain.VerifyInvalid, Reason: ReasonRcpt5xx}
	}

	// Temp-fail or no usable probe: lean on the fallback vendor when one
	// is configured.
	if sig.FallbackConfigured {
		switch sig.Fallback {
		case domain.FallbackDeliverable:
			return Verdict{Status: domain.VerifyValid, Reason: ReasonFallbackDeliverable}
		case domain.FallbackUndeliverable:
			return Verdict{Status: domain.VerifyInvalid, Reason: ReasonFallbackUndeliver}
		}
		return Verdict{Status: domain.VerifyUnknownTimeout, Reason: ReasonFallbackUnknown}
	}

	reason := sig.RcptReason
	if reason == "" {
		reason = ReasonUnknownTimeout
	}
	return Verdict{Status: domain.VerifyUnknownTimeout, Reason: reason}
}
