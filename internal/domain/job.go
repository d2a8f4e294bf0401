package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobReady    JobStatus = "ready"
	JobInFlight JobStatus = "in_flight"
	JobDone     JobStatus = "done"
	JobDead     JobStatus = "dead"
)

// Queue names used by the pipeline. FIFO holds within a queue (subject to
// available_at); there is no ordering across queues.
const (
	QueueCrawl    = "crawl"
	QueueGenerate = "generate"
	QueueVerify   = "verify"
)

// Job is a durable unit of work. Jobs with unfinished dependencies are not
// reservable; delivery is at-least-once, so handlers must be idempotent.
type Job struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Queue       string          `json:"queue" db:"queue"`
	RunID       *string         `json:"run_id,omitempty" db:"run_id"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	DependsOn   []uuid.UUID     `json:"depends_on,omitempty" db:"depends_on"`
	Status      JobStatus       `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at" db:"enqueued_at"`
	AvailableAt time.Time       `json:"available_at" db:"available_at"`
	LastError   string          `json:"last_error,omitempty" db:"last_error"`
	WorkerID    string          `json:"worker_id,omitempty" db:"worker_id"`
}

// DLQEntry is the inspection record mirrored to Redis when a job exhausts
// its retries.
type DLQEntry struct {
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	FirstSeen time.Time       `json:"first_seen"`
}
