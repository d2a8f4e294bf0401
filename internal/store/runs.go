package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/crestwell/leadpipe/internal/domain"
)

// ErrNotFound is returned for lookups that match no row.
var ErrNotFound = errors.New("not found")

// CreateRun inserts a new run in the queued state. Re-submitting an
// existing run_id is a no-op; inserted reports whether this call
// created the row.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) (inserted bool, err error) {
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return false, fmt.Errorf("store: marshal run options: %w", err)
	}
	progress, err := json.Marshal(run.Progress)
	if err != nil {
		return false, fmt.Errorf("store: marshal run progress: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, status, domains, options, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO NOTHING`,
		run.ID, run.TenantID, run.Status, pq.Array(run.Domains), opts, progress)
	if err != nil {
		return false, fmt.Errorf("store: create run %s: %w", run.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, domains, options, progress,
		       coalesce(error, ''), created_at, started_at, finished_at
		FROM runs WHERE tenant_id = $1 AND id = $2`, tenantID, runID)

	var (
		run      domain.Run
		domains  pq.StringArray
		opts     []byte
		progress []byte
		started  sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(&run.ID, &run.TenantID, &run.Status, &domains, &opts, &progress,
		&run.Error, &run.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run %s: %w", runID, err)
	}

	run.Domains = domains
	if err := json.Unmarshal(opts, &run.Options); err != nil {
		return nil, fmt.Errorf("store: run %s options: %w", runID, err)
	}
	if err := json.Unmarshal(progress, &run.Progress); err != nil {
		return nil, fmt.Errorf("store: run %s progress: %w", runID, err)
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}

// MarkRunRunning moves queued → running, stamping started_at once.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'running', started_at = coalesce(started_at, now())
		WHERE id = $1 AND status = 'queued'`, runID)
	if err != nil {
		return fmt.Errorf("store: mark run running %s: %w", runID, err)
	}
	return nil
}

// FinishRun moves a run into a terminal state. Terminal states never
// change again: the WHERE clause refuses to overwrite one.
func (s *Store) FinishRun(ctx context.Context, runID string, status domain.RunStatus, runErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("store: %s is not a terminal run status", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, error = $2, finished_at = now()
		WHERE id = $3 AND status IN ('queued', 'running')`,
		status, runErr, runID)
	if err != nil {
		return fmt.Errorf("store: finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: run %s already terminal", runID)
	}
	return nil
}

// BumpRunProgress atomically applies counter deltas to a run's progress
// JSON. Deltas go through jsonb so concurrent handlers never lose
// increments to read-modify-write races.
func (s *Store) BumpRunProgress(ctx context.Context, runID string, delta domain.RunProgress) error {
	raw, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("store: marshal progress delta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET progress = progress || coalesce((
			SELECT jsonb_object_agg(
				d.key,
				to_jsonb(coalesce((runs.progress ->> d.key)::bigint, 0) + (d.value)::bigint)
			)
			FROM jsonb_each_text($1::jsonb) AS d(key, value)
			WHERE (d.value)::bigint <> 0
		), '{}'::jsonb)
		WHERE id = $2`, raw, runID)
	if err != nil {
		return fmt.Errorf("store: bump progress %s: %w", runID, err)
	}
	return nil
}

// RunIsCancelled reports whether the run has been cancelled, for
// handlers that want to stop mid-domain.
func (s *Store) RunIsCancelled(ctx context.Context, runID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: run status %s: %w", runID, err)
	}
	return domain.RunStatus(status) == domain.RunCancelled, nil
}

// ListRuns returns a tenant's recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, status, domains, options, progress,
		       coalesce(error, ''), created_at, started_at, finished_at
		FROM runs WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var (
			run      domain.Run
			domains  pq.StringArray
			opts     []byte
			progress []byte
			started  sql.NullTime
			finished sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.TenantID, &run.Status, &domains, &opts,
			&progress, &run.Error, &run.CreatedAt, &started, &finished); err != nil {
			return nil, err
		}
		run.Domains = domains
		json.Unmarshal(opts, &run.Options)
		json.Unmarshal(progress, &run.Progress)
		if started.Valid {
			run.StartedAt = &started.Time
		}
		if finished.Valid {
			run.FinishedAt = &finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StaleRunningRuns returns running runs untouched for longer than the
// threshold, for the recovery sweep.
func (s *Store) StaleRunningRuns(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE status = 'running' AND started_at < now() - $1 * interval '1 second'`,
		olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("store: stale runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
