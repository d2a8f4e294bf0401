package store

import (
	"context"
	"fmt"

	"github.com/crestwell/leadpipe/internal/domain"
)

// UpsertPerson inserts or refreshes a person keyed on
// (tenant_id, company_id, full_name) and returns the id.
func (s *Store) UpsertPerson(ctx context.Context, p *domain.Person) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO people (tenant_id, company_id, first_name, last_name, full_name,
		                    title, title_norm, role_family, seniority, source_url, icp_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, company_id, full_name) DO UPDATE SET
			title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE people.title END,
			title_norm = CASE WHEN EXCLUDED.title_norm <> '' THEN EXCLUDED.title_norm ELSE people.title_norm END,
			role_family = CASE WHEN EXCLUDED.role_family <> '' THEN EXCLUDED.role_family ELSE people.role_family END,
			seniority = CASE WHEN EXCLUDED.seniority <> '' THEN EXCLUDED.seniority ELSE people.seniority END,
			source_url = EXCLUDED.source_url,
			icp_score = greatest(people.icp_score, EXCLUDED.icp_score)
		RETURNING id`,
		p.TenantID, p.CompanyID, p.First, p.Last, p.Full,
		p.Title, p.TitleNorm, p.RoleFamily, p.Seniority, p.SourceURL, p.ICPScore).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert person %q: %w", p.Full, err)
	}
	return id, nil
}

// PeopleForCompany returns a company's extracted people ordered by ICP
// score, best first.
func (s *Store) PeopleForCompany(ctx context.Context, tenantID string, companyID int64) ([]domain.Person, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, company_id, first_name, last_name, full_name,
		       coalesce(title, ''), coalesce(title_norm, ''),
		       coalesce(role_family, ''), coalesce(seniority, ''),
		       coalesce(source_url, ''), icp_score
		FROM people WHERE tenant_id = $1 AND company_id = $2
		ORDER BY icp_score DESC, id`, tenantID, companyID)
	if err != nil {
		return nil, fmt.Errorf("store: people for company %d: %w", companyID, err)
	}
	defer rows.Close()

	var out []domain.Person
	for rows.Next() {
		var p domain.Person
		if err := rows.Scan(&p.ID, &p.TenantID, &p.CompanyID, &p.First, &p.Last,
			&p.Full, &p.Title, &p.TitleNorm, &p.RoleFamily, &p.Seniority,
			&p.SourceURL, &p.ICPScore); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
