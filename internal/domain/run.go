package domain

import "time"

// RunStatus is the lifecycle state of a pipeline run. Terminal states
// (succeeded, failed, cancelled) are irreversible.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// RunMode selects which pipeline stages a run executes.
type RunMode string

const (
	ModeFull          RunMode = "full"
	ModeAutodiscovery RunMode = "autodiscovery"
	ModeGenerate      RunMode = "generate"
	ModeVerify        RunMode = "verify"
)

// IncludesCrawl reports whether the autodiscovery stage runs in this mode.
func (m RunMode) IncludesCrawl() bool { return m == ModeFull || m == ModeAutodiscovery }

// IncludesGenerate reports whether the generate stage runs in this mode.
func (m RunMode) IncludesGenerate() bool { return m == ModeFull || m == ModeGenerate }

// IncludesVerify reports whether the verify stage runs in this mode.
func (m RunMode) IncludesVerify() bool { return m == ModeFull || m == ModeVerify }

// RunOptions are the recognized per-run knobs supplied at run creation.
type RunOptions struct {
	Mode           RunMode `json:"mode"`
	SkipCrawl      bool    `json:"skip_crawl,omitempty"`
	SkipVerify     bool    `json:"skip_verify,omitempty"`
	AIEnabled      bool    `json:"ai_enabled,omitempty"`
	ForceDiscovery bool    `json:"force_discovery,omitempty"`
	CompanyLimit   int     `json:"company_limit,omitempty"`
}

// RunProgress is the counter bag aggregated while a run executes.
// DomainsCompleted counts both successful and failed domains, so it equals
// DomainsTotal when the run reaches a terminal state.
type RunProgress struct {
	DomainsTotal     int `json:"domains_total"`
	DomainsCompleted int `json:"domains_completed"`
	DomainsFailed    int `json:"domains_failed"`
	EmailsFound      int `json:"emails_found"`
	EmailsVerified   int `json:"emails_verified"`
	ValidCount       int `json:"valid_count"`
	RiskyCount       int `json:"risky_count"`
	InvalidCount     int `json:"invalid_count"`
	UnknownCount     int `json:"unknown_count"`
}

// Run is a single user-requested batch of domains progressing through the
// pipeline.
type Run struct {
	ID         string      `json:"id" db:"id"`
	TenantID   string      `json:"tenant_id" db:"tenant_id"`
	Status     RunStatus   `json:"status" db:"status"`
	Domains    []string    `json:"domains" db:"domains"`
	Options    RunOptions  `json:"options" db:"options"`
	Progress   RunProgress `json:"progress" db:"progress"`
	Error      string      `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
}

// Tenant is the root of all multi-tenant scoping. Every user-owned row
// carries its id.
type Tenant struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}
