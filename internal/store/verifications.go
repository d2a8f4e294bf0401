package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/crestwell/leadpipe/internal/domain"
)

// AppendVerification writes one append-only result row. Rows are never
// updated; history is the audit trail.
func (s *Store) AppendVerification(ctx context.Context, v *domain.VerificationResult) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO verifications (tenant_id, email_id, mx_host, smtp_code, smtp_reason,
		                           checked_at, fallback_status, fallback_at,
		                           verify_status, verify_reason, verified_mx, verified_at, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		v.TenantID, v.EmailID, nullStr(v.MXHost), v.SMTPCode, nullStr(v.SMTPReason),
		v.CheckedAt, nullStr(string(v.FallbackStatus)), v.FallbackAt,
		v.VerifyStatus, v.VerifyReason, nullStr(v.VerifiedMX), v.VerifiedAt, v.ElapsedMS).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: append verification for email %d: %w", v.EmailID, err)
	}
	return id, nil
}

// LatestVerification returns the authoritative result row for an email:
// newest by coalesce(verified_at, checked_at), ties broken by id.
func (s *Store) LatestVerification(ctx context.Context, tenantID string, emailID int64) (*domain.VerificationResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email_id, coalesce(mx_host, ''), smtp_code,
		       coalesce(smtp_reason, ''), checked_at, coalesce(fallback_status, ''),
		       fallback_at, verify_status, verify_reason, coalesce(verified_mx, ''),
		       verified_at, elapsed_ms
		FROM verifications
		WHERE tenant_id = $1 AND email_id = $2
		ORDER BY coalesce(verified_at, checked_at) DESC, id DESC
		LIMIT 1`, tenantID, emailID)

	var (
		v        domain.VerificationResult
		fallback string
	)
	err := row.Scan(&v.ID, &v.TenantID, &v.EmailID, &v.MXHost, &v.SMTPCode,
		&v.SMTPReason, &v.CheckedAt, &fallback, &v.FallbackAt,
		&v.VerifyStatus, &v.VerifyReason, &v.VerifiedMX, &v.VerifiedAt, &v.ElapsedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest verification for email %d: %w", emailID, err)
	}
	v.FallbackStatus = domain.FallbackStatus(fallback)
	return &v, nil
}

// VerificationCounts aggregates latest verdicts per status for a run's
// companies, for metrics reporting.
func (s *Store) VerificationCounts(ctx context.Context, tenantID, runID string) (map[domain.VerifyStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT latest.verify_status, count(*)
		FROM emails e
		JOIN companies c ON c.id = e.company_id AND c.tenant_id = e.tenant_id
		JOIN LATERAL (
			SELECT v.verify_status
			FROM verifications v
			WHERE v.tenant_id = e.tenant_id AND v.email_id = e.id
			ORDER BY coalesce(v.verified_at, v.checked_at) DESC, v.id DESC
			LIMIT 1
		) latest ON true
		WHERE e.tenant_id = $1 AND c.run_id = $2
		GROUP BY latest.verify_status`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("store: verification counts for run %s: %w", runID, err)
	}
	defer rows.Close()

	out := map[domain.VerifyStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.VerifyStatus(status)] = n
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
