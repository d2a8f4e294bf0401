package domain

import "time"

// VerifyStatus is the canonical four-value verdict attached to an email.
type VerifyStatus string

const (
	VerifyValid          VerifyStatus = "valid"
	VerifyRiskyCatchAll  VerifyStatus = "risky_catch_all"
	VerifyInvalid        VerifyStatus = "invalid"
	VerifyUnknownTimeout VerifyStatus = "unknown_timeout"
)

// Conclusive reports whether the verdict should stop further probing.
// Only temp-fail flavored outcomes are eligible for retry.
func (s VerifyStatus) Conclusive() bool {
	return s == VerifyValid || s == VerifyRiskyCatchAll || s == VerifyInvalid
}

// RcptCategory is the raw outcome of a single SMTP RCPT probe.
type RcptCategory string

const (
	RcptAccept   RcptCategory = "accept"
	RcptHardFail RcptCategory = "hard_fail"
	RcptTempFail RcptCategory = "temp_fail"
	RcptUnknown  RcptCategory = "unknown"
)

// CatchallStatus is the domain-level catch-all verdict.
type CatchallStatus string

const (
	CatchAll         CatchallStatus = "catch_all"
	NotCatchAll      CatchallStatus = "not_catch_all"
	CatchallTempfail CatchallStatus = "tempfail"
	CatchallNoMX     CatchallStatus = "no_mx"
	CatchallError    CatchallStatus = "error"
)

// FallbackStatus is the mapped opinion of an optional third-party verifier.
type FallbackStatus string

const (
	FallbackDeliverable   FallbackStatus = "deliverable"
	FallbackUndeliverable FallbackStatus = "undeliverable"
	FallbackUnknown       FallbackStatus = "unknown"
)

// VerificationResult is one append-only probe/classification record for an
// email. Many rows accumulate per email over time; the latest row (by
// coalesce(verified_at, checked_at), tie-broken by id) is authoritative.
type VerificationResult struct {
	ID             int64          `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	EmailID        int64          `json:"email_id" db:"email_id"`
	MXHost         string         `json:"mx_host,omitempty" db:"mx_host"`
	SMTPCode       *int           `json:"smtp_code,omitempty" db:"smtp_code"`
	SMTPReason     string         `json:"smtp_reason,omitempty" db:"smtp_reason"`
	CheckedAt      time.Time      `json:"checked_at" db:"checked_at"`
	FallbackStatus FallbackStatus `json:"fallback_status,omitempty" db:"fallback_status"`
	FallbackAt     *time.Time     `json:"fallback_at,omitempty" db:"fallback_at"`
	VerifyStatus   VerifyStatus   `json:"verify_status" db:"verify_status"`
	VerifyReason   string         `json:"verify_reason" db:"verify_reason"`
	VerifiedMX     string         `json:"verified_mx,omitempty" db:"verified_mx"`
	VerifiedAt     *time.Time     `json:"verified_at,omitempty" db:"verified_at"`
	ElapsedMS      int64          `json:"elapsed_ms" db:"elapsed_ms"`
}

// DomainResolution is an append-only audit row for a company's domain:
// MX hosts, the chosen domain, and the cached catch-all verdict. The
// most-recent row per domain is authoritative.
type DomainResolution struct {
	ID                int64          `json:"id" db:"id"`
	TenantID          string         `json:"tenant_id" db:"tenant_id"`
	CompanyID         int64          `json:"company_id" db:"company_id"`
	ChosenDomain      string         `json:"chosen_domain" db:"chosen_domain"`
	Method            string         `json:"method" db:"method"`
	Confidence        int            `json:"confidence" db:"confidence"`
	MXHosts           []string       `json:"mx_hosts" db:"mx_hosts"`
	LowestMX          string         `json:"lowest_mx,omitempty" db:"lowest_mx"`
	MXBehavior        string         `json:"mx_behavior,omitempty" db:"mx_behavior"`
	CatchallStatus    CatchallStatus `json:"catch_all_status,omitempty" db:"catch_all_status"`
	CatchallCheckedAt *time.Time     `json:"catch_all_checked_at,omitempty" db:"catch_all_checked_at"`
	CatchallLocalpart string         `json:"catch_all_localpart,omitempty" db:"catch_all_localpart"`
	CatchallSMTPCode  *int           `json:"catch_all_smtp_code,omitempty" db:"catch_all_smtp_code"`
	ResolvedAt        time.Time      `json:"resolved_at" db:"resolved_at"`
}
