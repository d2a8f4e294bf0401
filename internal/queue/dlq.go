package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/domain"
)

// DLQList returns up to limit recent dead-letter entries from the Redis
// mirror, newest first.
func (q *Queue) DLQList(ctx context.Context, limit int) ([]domain.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.rdb.LRange(ctx, q.cfg.DLQKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dlq list: %w", err)
	}

	entries := make([]domain.DLQEntry, 0, len(raws))
	for _, raw := range raws {
		var e domain.DLQEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Skip corrupt mirror entries; the Postgres row still exists.
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DLQRequeue resurrects a dead job: attempts reset, status back to
// ready, available immediately. The Redis mirror entry is left behind
// as history.
func (q *Queue) DLQRequeue(ctx context.Context, jobID uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'ready', attempts = 0, last_error = '',
		       worker_id = NULL, available_at = now()
		WHERE id = $1 AND status = 'dead'`, jobID)
	if err != nil {
		return fmt.Errorf("queue: dlq requeue %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: job %s is not dead", jobID)
	}
	q.log.Info("dlq job requeued", "job_id", jobID)
	return nil
}
