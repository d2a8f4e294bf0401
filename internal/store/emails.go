package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crestwell/leadpipe/internal/domain"
)

// UpsertEmail inserts or refreshes an address keyed on
// (tenant_id, email), reporting whether the row was newly inserted
// (xmax = 0 on a fresh tuple). A published sighting is sticky:
// is_published is never downgraded by a later generated permutation of
// the same address.
func (s *Store) UpsertEmail(ctx context.Context, e *domain.Email) (int64, bool, error) {
	var (
		id       int64
		inserted bool
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO emails (tenant_id, company_id, person_id, email, is_published, source_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id, email) DO UPDATE SET
			is_published = emails.is_published OR EXCLUDED.is_published,
			person_id = coalesce(emails.person_id, EXCLUDED.person_id),
			source_url = CASE WHEN EXCLUDED.is_published THEN EXCLUDED.source_url ELSE emails.source_url END
		RETURNING id, (xmax = 0)`,
		e.TenantID, e.CompanyID, e.PersonID, e.Email, e.IsPublished, e.SourceURL).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("store: upsert email: %w", err)
	}
	return id, inserted, nil
}

// GetEmail loads one address by id.
func (s *Store) GetEmail(ctx context.Context, tenantID string, emailID int64) (*domain.Email, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, company_id, person_id, email, is_published,
		       coalesce(source_url, ''), created_at
		FROM emails WHERE tenant_id = $1 AND id = $2`, tenantID, emailID)

	var (
		e        domain.Email
		personID sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.CompanyID, &personID,
		&e.Email, &e.IsPublished, &e.SourceURL, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get email %d: %w", emailID, err)
	}
	if personID.Valid {
		e.PersonID = &personID.Int64
	}
	return &e, nil
}

// EmailsForCompany returns a company's known addresses.
func (s *Store) EmailsForCompany(ctx context.Context, tenantID string, companyID int64) ([]domain.Email, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, company_id, person_id, email, is_published,
		       coalesce(source_url, ''), created_at
		FROM emails WHERE tenant_id = $1 AND company_id = $2
		ORDER BY id`, tenantID, companyID)
	if err != nil {
		return nil, fmt.Errorf("store: emails for company %d: %w", companyID, err)
	}
	defer rows.Close()
	return scanEmails(rows)
}

// EmailsPendingVerification returns a company's addresses with no
// conclusive verdict yet: never verified, or latest verdict is
// unknown_timeout, or the latest verdict is older than the TTL window.
// Suppressed addresses and domains are excluded.
func (s *Store) EmailsPendingVerification(ctx context.Context, tenantID string, companyID int64, ttlDays int) ([]domain.Email, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.tenant_id, e.company_id, e.person_id, e.email, e.is_published,
		       coalesce(e.source_url, ''), e.created_at
		FROM emails e
		LEFT JOIN LATERAL (
			SELECT v.verify_status, coalesce(v.verified_at, v.checked_at) AS decided_at
			FROM verifications v
			WHERE v.tenant_id = e.tenant_id AND v.email_id = e.id
			ORDER BY coalesce(v.verified_at, v.checked_at) DESC, v.id DESC
			LIMIT 1
		) latest ON true
		WHERE e.tenant_id = $1 AND e.company_id = $2
		  AND (latest.verify_status IS NULL
		       OR latest.verify_status = 'unknown_timeout'
		       OR latest.decided_at < now() - $3 * interval '1 day')
		  AND NOT EXISTS (
			SELECT 1 FROM suppressions sp
			WHERE sp.tenant_id = e.tenant_id
			  AND (sp.email = e.email OR sp.domain = split_part(e.email, '@', 2))
		  )
		ORDER BY e.id`, tenantID, companyID, ttlDays)
	if err != nil {
		return nil, fmt.Errorf("store: pending emails for company %d: %w", companyID, err)
	}
	defer rows.Close()
	return scanEmails(rows)
}

// PublishedEmailExamples returns published (localpart, first, last)
// samples for a domain, feeding pattern inference.
type PublishedExample struct {
	Localpart string
	First     string
	Last      string
}

// PublishedExamplesForDomain returns samples where a published address
// is linked to a person with known names.
func (s *Store) PublishedExamplesForDomain(ctx context.Context, tenantID, dom string) ([]PublishedExample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT split_part(e.email, '@', 1), p.first_name, p.last_name
		FROM emails e
		JOIN people p ON p.id = e.person_id AND p.tenant_id = e.tenant_id
		WHERE e.tenant_id = $1 AND e.is_published
		  AND split_part(e.email, '@', 2) = $2
		  AND p.first_name <> '' AND p.last_name <> ''`, tenantID, dom)
	if err != nil {
		return nil, fmt.Errorf("store: published examples for %s: %w", dom, err)
	}
	defer rows.Close()

	var out []PublishedExample
	for rows.Next() {
		var ex PublishedExample
		if err := rows.Scan(&ex.Localpart, &ex.First, &ex.Last); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// DeleteUnverifiedPermutations removes generated (never published)
// addresses for a company whose latest verdict is invalid. Used by the
// optional cleanup pass.
func (s *Store) DeleteUnverifiedPermutations(ctx context.Context, tenantID string, companyID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM emails e
		WHERE e.tenant_id = $1 AND e.company_id = $2 AND NOT e.is_published
		  AND (
			SELECT v.verify_status FROM verifications v
			WHERE v.tenant_id = e.tenant_id AND v.email_id = e.id
			ORDER BY coalesce(v.verified_at, v.checked_at) DESC, v.id DESC
			LIMIT 1
		  ) = 'invalid'`, tenantID, companyID)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup invalid permutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEmails(rows *sql.Rows) ([]domain.Email, error) {
	var out []domain.Email
	for rows.Next() {
		var (
			e        domain.Email
			personID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CompanyID, &personID,
			&e.Email, &e.IsPublished, &e.SourceURL, &e.CreatedAt); err != nil {
			return nil, err
		}
		if personID.Valid {
			e.PersonID = &personID.Int64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
