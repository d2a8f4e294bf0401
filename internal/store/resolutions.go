package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/crestwell/leadpipe/internal/domain"
)

// AppendResolution writes one append-only domain resolution row.
func (s *Store) AppendResolution(ctx context.Context, r *domain.DomainResolution) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO domain_resolutions (tenant_id, company_id, chosen_domain, method,
		                                confidence, mx_hosts, lowest_mx, mx_behavior,
		                                catch_all_status, catch_all_checked_at,
		                                catch_all_localpart, catch_all_smtp_code, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		RETURNING id`,
		r.TenantID, r.CompanyID, r.ChosenDomain, r.Method, r.Confidence,
		pq.Array(r.MXHosts), nullStr(r.LowestMX), nullStr(r.MXBehavior),
		nullStr(string(r.CatchallStatus)), r.CatchallCheckedAt,
		nullStr(r.CatchallLocalpart), r.CatchallSMTPCode).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: append resolution for %s: %w", r.ChosenDomain, err)
	}
	return id, nil
}

// LatestResolution returns the most recent resolution row for a domain.
// Implements the catch-all detector's reader.
func (s *Store) LatestResolution(ctx context.Context, tenantID, chosenDomain string) (*domain.DomainResolution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, company_id, chosen_domain, method, confidence,
		       mx_hosts, coalesce(lowest_mx, ''), coalesce(mx_behavior, ''),
		       coalesce(catch_all_status, ''), catch_all_checked_at,
		       coalesce(catch_all_localpart, ''), catch_all_smtp_code, resolved_at
		FROM domain_resolutions
		WHERE tenant_id = $1 AND chosen_domain = $2
		ORDER BY resolved_at DESC, id DESC
		LIMIT 1`, tenantID, chosenDomain)

	var (
		r        domain.DomainResolution
		hosts    pq.StringArray
		catchall string
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.CompanyID, &r.ChosenDomain, &r.Method,
		&r.Confidence, &hosts, &r.LowestMX, &r.MXBehavior,
		&catchall, &r.CatchallCheckedAt, &r.CatchallLocalpart,
		&r.CatchallSMTPCode, &r.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest resolution for %s: %w", chosenDomain, err)
	}
	r.MXHosts = hosts
	r.CatchallStatus = domain.CatchallStatus(catchall)
	return &r, nil
}
