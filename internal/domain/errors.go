package domain

import "fmt"

// ErrorKind buckets pipeline failures into the retry policies of the error
// taxonomy. Kinds are stable strings so they can be persisted on job records
// and progress counters.
type ErrorKind string

const (
	KindRateLimited      ErrorKind = "rate_limited"
	KindTransientNetwork ErrorKind = "transient_network"
	KindRobotsBlocked    ErrorKind = "robots_blocked"
	KindWAFBlocked       ErrorKind = "waf_blocked"
	KindSMTPTempFail     ErrorKind = "smtp_temp_fail"
	KindSMTPHardFail     ErrorKind = "smtp_hard_fail"
	KindCatchAllDomain   ErrorKind = "catch_all_domain"
	KindTCP25Blocked     ErrorKind = "tcp25_blocked"
	KindNoMX             ErrorKind = "no_mx"
	KindBudgetExceeded   ErrorKind = "budget_exceeded"
	KindValidation       ErrorKind = "validation"
	KindInternal         ErrorKind = "internal"
)

// PipelineError carries an ErrorKind so callers can pick the retry policy
// without string matching.
type PipelineError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether the taxonomy allows another attempt for this
// kind of failure.
func (e *PipelineError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransientNetwork, KindWAFBlocked, KindSMTPTempFail, KindInternal:
		return true
	}
	return false
}

// NewError builds a PipelineError.
func NewError(kind ErrorKind, msg string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Msg: msg, Err: err}
}
