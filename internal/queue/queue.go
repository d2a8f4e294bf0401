// Package queue implements the durable job queue on Postgres: SKIP
// LOCKED claims, lease heartbeats, dependency gating, scheduled retries,
// and a Redis-mirrored dead letter queue for inspection.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// ErrEmpty is returned by Reserve when no job is claimable.
var ErrEmpty = errors.New("queue empty")

// Queue is the Postgres-backed job queue shared by all workers.
type Queue struct {
	db  *sql.DB
	rdb *goredis.Client
	cfg config.QueueConfig
	log *logger.Logger
}

// New builds a Queue.
func New(db *sql.DB, rdb *goredis.Client, cfg config.QueueConfig) *Queue {
	return &Queue{db: db, rdb: rdb, cfg: cfg, log: logger.With("queue")}
}

// EnqueueParams describes one job to enqueue.
type EnqueueParams struct {
	Queue       string
	RunID       string
	Payload     any
	DependsOn   []uuid.UUID
	Delay       time.Duration
	MaxAttempts int
}

// Enqueue inserts a ready job and returns its ID. Payload is marshaled
// to JSON; a Delay pushes available_at into the future.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (uuid.UUID, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: marshal payload: %w", err)
	}

	id := uuid.New()
	deps := make([]string, len(p.DependsOn))
	for i, d := range p.DependsOn {
		deps[i] = d.String()
	}

	var runID any
	if p.RunID != "" {
		runID = p.RunID
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, run_id, payload, depends_on, status, attempts,
		                  max_attempts, enqueued_at, available_at)
		VALUES ($1, $2, $3, $4, $5, 'ready', 0, $6, now(), now() + $7 * interval '1 second')`,
		id, p.Queue, runID, payload, pq.Array(deps), p.MaxAttempts, p.Delay.Seconds())
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: enqueue %s: %w", p.Queue, err)
	}
	return id, nil
}

// Reserve claims the oldest available job from the given queues. Jobs
// whose run has been cancelled are swept dead first, so cancellation
// needs no queue scan of its own. Returns ErrEmpty when nothing is
// claimable.
func (q *Queue) Reserve(ctx context.Context, workerID string, queues ...string) (*domain.Job, error) {
	if err := q.sweepCancelled(ctx, queues); err != nil {
		q.log.Warn("cancel sweep failed", "error", err)
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'in_flight',
			worker_id = $1,
			attempts = attempts + 1,
			lease_expires_at = now() + $2 * interval '1 second'
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.queue = ANY($3)
			  AND j.status = 'ready'
			  AND j.available_at <= now()
			  AND NOT EXISTS (
				SELECT 1 FROM jobs d
				WHERE d.id = ANY(j.depends_on) AND d.status NOT IN ('done', 'dead')
			  )
			ORDER BY j.enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, run_id, payload, depends_on, status, attempts,
		          max_attempts, enqueued_at, available_at, coalesce(last_error, '')`,
		workerID, q.cfg.LeaseSeconds, pq.Array(queues))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}
	job.WorkerID = workerID
	return job, nil
}

// sweepCancelled kills ready jobs whose run was cancelled. A dead
// dependency does not kill the dependent: the claim gate counts dead
// as finished, so barrier jobs still run after a dependency
// dead-letters.
func (q *Queue) sweepCancelled(ctx context.Context, queues []string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'dead', last_error = 'run cancelled'
		WHERE status = 'ready' AND queue = ANY($1)
		  AND run_id IN (SELECT id FROM runs WHERE status = 'cancelled')`,
		pq.Array(queues))
	return err
}

// Heartbeat extends the lease of an in-flight job. A zero-row update
// means the lease was lost (recovered by another worker); the handler
// should abandon the job.
func (q *Queue) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = now() + $1 * interval '1 second'
		WHERE id = $2 AND worker_id = $3 AND status = 'in_flight'`,
		q.cfg.LeaseSeconds, jobID, workerID)
	if err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: lease lost for job %s", jobID)
	}
	return nil
}

// Complete marks an in-flight job done.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', finished_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	return nil
}

// Fail records a failure. Retryable failures with attempts remaining go
// back to ready after the delay; everything else goes dead and is
// mirrored to the Redis DLQ.
func (q *Queue) Fail(ctx context.Context, job *domain.Job, cause error, retryable bool, delay time.Duration) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retryable && job.Attempts < job.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'ready', last_error = $1,
			       available_at = now() + $2 * interval '1 second'
			WHERE id = $3`,
			msg, delay.Seconds(), job.ID)
		if err != nil {
			return fmt.Errorf("queue: requeue %s: %w", job.ID, err)
		}
		q.log.Info("job requeued", "job_id", job.ID, "queue", job.Queue,
			"attempt", job.Attempts, "delay", delay, "error", msg)
		return nil
	}

	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'dead', last_error = $1, finished_at = now() WHERE id = $2`,
		msg, job.ID)
	if err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", job.ID, err)
	}

	q.mirrorDLQ(ctx, job, msg)
	q.log.Warn("job dead-lettered", "job_id", job.ID, "queue", job.Queue,
		"attempts", job.Attempts, "error", msg)
	return nil
}

func (q *Queue) mirrorDLQ(ctx context.Context, job *domain.Job, msg string) {
	entry := domain.DLQEntry{
		JobID:     job.ID.String(),
		Queue:     job.Queue,
		Payload:   job.Payload,
		Attempts:  job.Attempts,
		LastError: msg,
		FirstSeen: time.Now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.cfg.DLQKey, raw)
	pipe.LTrim(ctx, q.cfg.DLQKey, 0, int64(q.cfg.DLQMax-1))
	if _, err := pipe.Exec(ctx); err != nil {
		// The Postgres row is the source of truth; the mirror is best-effort.
		q.log.Warn("dlq mirror failed", "job_id", job.ID, "error", err)
	}
}

// RecoverExpired handles in-flight jobs with expired leases: exhausted
// jobs dead-letter (mirrored to the DLQ) and are returned so the caller
// can apply terminal semantics, the rest go back to ready. Run
// periodically by the worker's recovery loop.
func (q *Queue) RecoverExpired(ctx context.Context) ([]*domain.Job, int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs SET
			status = 'dead',
			last_error = 'lease expired',
			worker_id = NULL,
			finished_at = now()
		WHERE status = 'in_flight' AND lease_expires_at < now()
		  AND attempts >= max_attempts
		RETURNING id, queue, run_id, payload, depends_on, status, attempts,
		          max_attempts, enqueued_at, available_at, coalesce(last_error, '')`)
	if err != nil {
		return nil, 0, fmt.Errorf("queue: recover expired: %w", err)
	}
	var dead []*domain.Job
	for rows.Next() {
		job, serr := scanJob(rows)
		if serr != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("queue: recover expired: %w", serr)
		}
		dead = append(dead, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("queue: recover expired: %w", err)
	}
	for _, job := range dead {
		q.mirrorDLQ(ctx, job, "lease expired")
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'ready', last_error = 'lease expired', worker_id = NULL
		WHERE status = 'in_flight' AND lease_expires_at < now()`)
	if err != nil {
		return dead, 0, fmt.Errorf("queue: recover expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 || len(dead) > 0 {
		q.log.Warn("recovered expired leases", "requeued", n, "dead", len(dead))
	}
	return dead, n, nil
}

// Depth reports per-status counts for one queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (map[domain.JobStatus]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, count(*) FROM jobs WHERE queue = $1 GROUP BY status`, queueName)
	if err != nil {
		return nil, fmt.Errorf("queue: depth %s: %w", queueName, err)
	}
	defer rows.Close()

	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// PendingForRun reports how many non-terminal jobs remain for a run.
// Zero means the run can finalize.
func (q *Queue) PendingForRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE run_id = $1 AND status IN ('ready', 'in_flight')`,
		runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: pending for run %s: %w", runID, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job     domain.Job
		id      string
		runID   sql.NullString
		deps    pq.StringArray
		status  string
		payload []byte
	)
	err := row.Scan(&id, &job.Queue, &runID, &payload, &deps, &status,
		&job.Attempts, &job.MaxAttempts, &job.EnqueuedAt, &job.AvailableAt, &job.LastError)
	if err != nil {
		return nil, err
	}

	job.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("queue: bad job id %q: %w", id, err)
	}
	if runID.Valid {
		job.RunID = &runID.String
	}
	job.Payload = json.RawMessage(payload)
	job.Status = domain.JobStatus(status)
	for _, d := range deps {
		dep, perr := uuid.Parse(d)
		if perr != nil {
			return nil, fmt.Errorf("queue: bad dependency id %q: %w", d, perr)
		}
		job.DependsOn = append(job.DependsOn, dep)
	}
	return &job, nil
}
