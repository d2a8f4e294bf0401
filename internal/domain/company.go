package domain

import "time"

// Company is a prospect organization discovered during ingest or
// autodiscovery. OfficialDomain, when set, is always ASCII punycode.
type Company struct {
	ID                 int64             `json:"id" db:"id"`
	TenantID           string            `json:"tenant_id" db:"tenant_id"`
	RunID              *string           `json:"run_id,omitempty" db:"run_id"`
	Name               string            `json:"name" db:"name"`
	SuppliedDomain     string            `json:"supplied_domain" db:"supplied_domain"`
	OfficialDomain     string            `json:"official_domain,omitempty" db:"official_domain"`
	OfficialConfidence int               `json:"official_confidence" db:"official_confidence"`
	OfficialSource     string            `json:"official_source,omitempty" db:"official_source"`
	Attrs              map[string]string `json:"attrs,omitempty" db:"attrs"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
}

// Source is one successfully fetched page belonging to a company. A row is
// only ever written for URLs the robots.txt snapshot allowed at fetch time.
type Source struct {
	ID        int64     `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	CompanyID int64     `json:"company_id" db:"company_id"`
	URL       string    `json:"url" db:"url"`
	HTML      string    `json:"html" db:"html"`
	FetchedAt time.Time `json:"fetched_at" db:"fetched_at"`
}

// Person is an individual extracted from a company's pages.
type Person struct {
	ID         int64   `json:"id" db:"id"`
	TenantID   string  `json:"tenant_id" db:"tenant_id"`
	CompanyID  int64   `json:"company_id" db:"company_id"`
	First      string  `json:"first" db:"first_name"`
	Last       string  `json:"last" db:"last_name"`
	Full       string  `json:"full" db:"full_name"`
	Title      string  `json:"title,omitempty" db:"title"`
	TitleNorm  string  `json:"title_norm,omitempty" db:"title_norm"`
	RoleFamily string  `json:"role_family,omitempty" db:"role_family"`
	Seniority  string  `json:"seniority,omitempty" db:"seniority"`
	SourceURL  string  `json:"source_url,omitempty" db:"source_url"`
	ICPScore   float64 `json:"icp_score" db:"icp_score"`
}

// Email is a published or generated address. Unique per (tenant, email).
// PersonID is a weak reference: it survives as NULL if the person is deleted.
type Email struct {
	ID          int64     `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	CompanyID   int64     `json:"company_id" db:"company_id"`
	PersonID    *int64    `json:"person_id,omitempty" db:"person_id"`
	Email       string    `json:"email" db:"email"`
	IsPublished bool      `json:"is_published" db:"is_published"`
	SourceURL   string    `json:"source_url,omitempty" db:"source_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Suppression excludes an email or a whole domain from verification and
// export. At least one of Email/Domain is non-empty.
type Suppression struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Email     string    `json:"email,omitempty" db:"email"`
	Domain    string    `json:"domain,omitempty" db:"domain"`
	Reason    string    `json:"reason" db:"reason"`
	Source    string    `json:"source" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
