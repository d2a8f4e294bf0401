package store

import (
	"context"
	"fmt"

	"github.com/crestwell/leadpipe/internal/domain"
)

// AddSuppression records an email or domain suppression. At least one
// of Email/Domain must be set; duplicates are ignored.
func (s *Store) AddSuppression(ctx context.Context, sp *domain.Suppression) error {
	if sp.Email == "" && sp.Domain == "" {
		return fmt.Errorf("store: suppression needs an email or a domain")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (tenant_id, email, domain, reason, source, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tenant_id, email, domain) DO NOTHING`,
		sp.TenantID, sp.Email, sp.Domain, sp.Reason, sp.Source)
	if err != nil {
		return fmt.Errorf("store: add suppression: %w", err)
	}
	return nil
}

// IsSuppressed reports whether the address or its domain is suppressed.
func (s *Store) IsSuppressed(ctx context.Context, tenantID, email, dom string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM suppressions
			WHERE tenant_id = $1 AND (email = $2 OR domain = $3)
		)`, tenantID, email, dom).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: suppression check: %w", err)
	}
	return exists, nil
}
