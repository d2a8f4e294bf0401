package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crestwell/leadpipe/internal/domain"
)

// UpsertCompany inserts or refreshes a company keyed on
// (tenant_id, supplied_domain) and returns its id. Re-running a batch
// reuses the existing row.
func (s *Store) UpsertCompany(ctx context.Context, c *domain.Company) (int64, error) {
	attrs, err := json.Marshal(c.Attrs)
	if err != nil {
		return 0, fmt.Errorf("store: marshal company attrs: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO companies (tenant_id, run_id, name, supplied_domain,
		                       official_domain, official_confidence, official_source,
		                       attrs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (tenant_id, supplied_domain) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE companies.name END,
			attrs = companies.attrs || EXCLUDED.attrs
		RETURNING id`,
		c.TenantID, c.RunID, c.Name, c.SuppliedDomain,
		c.OfficialDomain, c.OfficialConfidence, c.OfficialSource, attrs).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert company %s: %w", c.SuppliedDomain, err)
	}
	return id, nil
}

// GetCompanyByDomain loads a company by its supplied domain.
func (s *Store) GetCompanyByDomain(ctx context.Context, tenantID, suppliedDomain string) (*domain.Company, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, run_id, name, supplied_domain,
		       coalesce(official_domain, ''), official_confidence,
		       coalesce(official_source, ''), attrs, created_at
		FROM companies WHERE tenant_id = $1 AND supplied_domain = $2`,
		tenantID, suppliedDomain)

	var (
		c     domain.Company
		runID sql.NullString
		attrs []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &runID, &c.Name, &c.SuppliedDomain,
		&c.OfficialDomain, &c.OfficialConfidence, &c.OfficialSource, &attrs, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: company %s: %w", suppliedDomain, err)
	}
	if runID.Valid {
		c.RunID = &runID.String
	}
	if len(attrs) > 0 {
		json.Unmarshal(attrs, &c.Attrs)
	}
	return &c, nil
}

// SetOfficialDomain records the resolved official domain for a company.
func (s *Store) SetOfficialDomain(ctx context.Context, companyID int64, dom, source string, confidence int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE companies SET official_domain = $1, official_source = $2, official_confidence = $3
		WHERE id = $4`, dom, source, confidence, companyID)
	if err != nil {
		return fmt.Errorf("store: set official domain for company %d: %w", companyID, err)
	}
	return nil
}

// CountCompaniesSince counts a tenant's companies created inside the
// window. The 24h budget check runs on it.
func (s *Store) CountCompaniesSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM companies WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count companies: %w", err)
	}
	return n, nil
}

// AddSource records a fetched page for a company, keyed on
// (tenant_id, company_id, url) so refetches overwrite.
func (s *Store) AddSource(ctx context.Context, src *domain.Source) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (tenant_id, company_id, url, html, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, company_id, url) DO UPDATE SET
			html = EXCLUDED.html, fetched_at = EXCLUDED.fetched_at`,
		src.TenantID, src.CompanyID, src.URL, src.HTML, src.FetchedAt)
	if err != nil {
		return fmt.Errorf("store: add source %s: %w", src.URL, err)
	}
	return nil
}

// SourcesForCompany returns a company's fetched pages.
func (s *Store) SourcesForCompany(ctx context.Context, tenantID string, companyID int64) ([]domain.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, company_id, url, html, fetched_at
		FROM sources WHERE tenant_id = $1 AND company_id = $2
		ORDER BY fetched_at`, tenantID, companyID)
	if err != nil {
		return nil, fmt.Errorf("store: sources for company %d: %w", companyID, err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		var src domain.Source
		if err := rows.Scan(&src.ID, &src.TenantID, &src.CompanyID,
			&src.URL, &src.HTML, &src.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}
