package store

import (
	"context"
	"fmt"
	"time"

	"github.com/crestwell/leadpipe/internal/resolve"
)

// RecordProbeStat persists one SMTP probe observation.
func (s *Store) RecordProbeStat(ctx context.Context, tenantID string, stat resolve.ProbeStat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mx_probe_stats (tenant_id, mx_host, category, elapsed_ms, observed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tenantID, stat.MXHost, stat.Category, stat.ElapsedMS, stat.ObservedAt)
	if err != nil {
		return fmt.Errorf("store: record probe stat %s: %w", stat.MXHost, err)
	}
	return nil
}

// ProbeStats returns observations for an MX host since the given time.
func (s *Store) ProbeStats(ctx context.Context, tenantID, mxHost string, since time.Time) ([]resolve.ProbeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mx_host, category, elapsed_ms, observed_at
		FROM mx_probe_stats
		WHERE tenant_id = $1 AND mx_host = $2 AND observed_at >= $3
		ORDER BY observed_at`, tenantID, mxHost, since)
	if err != nil {
		return nil, fmt.Errorf("store: probe stats %s: %w", mxHost, err)
	}
	defer rows.Close()

	var out []resolve.ProbeStat
	for rows.Next() {
		var st resolve.ProbeStat
		if err := rows.Scan(&st.MXHost, &st.Category, &st.ElapsedMS, &st.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
