package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func testQueue(t *testing.T) (*Queue, sqlmock.Sqlmock, *miniredis.Miniredis, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	rdb, mr, cleanupRedis := setupTestRedis(t)
	q := New(db, rdb, config.QueueConfig{
		LeaseSeconds: 300,
		DLQKey:       "dlq:pipeline",
		DLQMax:       3,
	})
	return q, mock, mr, func() {
		db.Close()
		cleanupRedis()
	}
}

func jobColumns() []string {
	return []string{"id", "queue", "run_id", "payload", "depends_on", "status",
		"attempts", "max_attempts", "enqueued_at", "available_at", "last_error"}
}

func TestEnqueue(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	dep := uuid.New()
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := q.Enqueue(context.Background(), EnqueueParams{
		Queue:     domain.QueueVerify,
		RunID:     "run-1",
		Payload:   map[string]string{"task": "probe_email"},
		DependsOn: []uuid.UUID{dep},
		Delay:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == uuid.Nil {
		t.Error("enqueue returned nil id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueue_UnmarshalablePayload(t *testing.T) {
	q, _, _, cleanup := testQueue(t)
	defer cleanup()

	_, err := q.Enqueue(context.Background(), EnqueueParams{
		Queue:   domain.QueueCrawl,
		Payload: make(chan int),
	})
	if err == nil {
		t.Error("want error for unmarshalable payload")
	}
}

func TestReserve_ClaimsJob(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	jobID := uuid.New()
	now := time.Now()

	// Cancel sweep runs first, then the claim.
	mock.ExpectExec("UPDATE jobs SET status = 'dead', last_error = 'run cancelled'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE jobs SET").
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(jobID.String(), "verify", "run-1", `{"task":"probe_email"}`,
				"{}", "in_flight", 1, 5, now, now, ""))

	job, err := q.Reserve(context.Background(), "worker-1", domain.QueueCrawl, domain.QueueVerify)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job.ID != jobID {
		t.Errorf("job id = %s, want %s", job.ID, jobID)
	}
	if job.Queue != "verify" || job.Attempts != 1 || job.WorkerID != "worker-1" {
		t.Errorf("job = %+v", job)
	}
	if job.RunID == nil || *job.RunID != "run-1" {
		t.Errorf("run id = %v", job.RunID)
	}
	var payload map[string]string
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload["task"] != "probe_email" {
		t.Errorf("payload = %s", job.Payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReserve_Empty(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	mock.ExpectExec("run cancelled").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("UPDATE jobs SET").
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	_, err := q.Reserve(context.Background(), "worker-1", domain.QueueVerify)
	if !errors.Is(err, ErrEmpty) {
		t.Errorf("err = %v, want ErrEmpty", err)
	}
}

func TestReserve_DeadDependenciesCountAsFinished(t *testing.T) {
	// The claim gate blocks only on dependencies that are still pending.
	// A dead dependency satisfies the gate, so a barrier job whose last
	// dependency dead-lettered is still claimed, and no sweep kills it.
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	jobID := uuid.New()
	now := time.Now()

	mock.ExpectExec("run cancelled").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("NOT IN .'done', 'dead'.").
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(jobID.String(), "verify", "run-1", `{"task":"domain_done"}`,
				"{}", "in_flight", 1, 3, now, now, ""))

	job, err := q.Reserve(context.Background(), "worker-1", domain.QueueVerify)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job.ID != jobID {
		t.Errorf("job id = %s, want %s", job.ID, jobID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHeartbeat(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	jobID := uuid.New()

	mock.ExpectExec("UPDATE jobs SET lease_expires_at").
		WithArgs(300, jobID, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := q.Heartbeat(context.Background(), jobID, "worker-1"); err != nil {
		t.Errorf("heartbeat: %v", err)
	}

	mock.ExpectExec("UPDATE jobs SET lease_expires_at").
		WithArgs(300, jobID, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := q.Heartbeat(context.Background(), jobID, "worker-1"); err == nil {
		t.Error("want lease-lost error on zero rows")
	}
}

func TestFail_RetryableRequeues(t *testing.T) {
	q, mock, mr, cleanup := testQueue(t)
	defer cleanup()

	job := &domain.Job{
		ID: uuid.New(), Queue: domain.QueueVerify,
		Attempts: 2, MaxAttempts: 5,
		Payload: json.RawMessage(`{}`),
	}

	mock.ExpectExec("UPDATE jobs SET status = 'ready'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.Fail(context.Background(), job, errors.New("smtp temp fail"), true, 15*time.Second); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if mr.Exists("dlq:pipeline") {
		t.Error("retryable failure must not mirror to the DLQ")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFail_ExhaustedGoesDead(t *testing.T) {
	q, mock, mr, cleanup := testQueue(t)
	defer cleanup()

	job := &domain.Job{
		ID: uuid.New(), Queue: domain.QueueVerify,
		Attempts: 5, MaxAttempts: 5,
		Payload: json.RawMessage(`{"task":"probe_email"}`),
	}

	mock.ExpectExec("UPDATE jobs SET status = 'dead'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.Fail(context.Background(), job, errors.New("gave up"), true, 0); err != nil {
		t.Fatalf("fail: %v", err)
	}

	raws, err := q.rdb.LRange(context.Background(), "dlq:pipeline", 0, -1).Result()
	if err != nil || len(raws) != 1 {
		t.Fatalf("dlq mirror entries = %d (%v), want 1", len(raws), err)
	}
	var entry domain.DLQEntry
	if err := json.Unmarshal([]byte(raws[0]), &entry); err != nil {
		t.Fatalf("bad mirror entry: %v", err)
	}
	if entry.JobID != job.ID.String() || entry.LastError != "gave up" || entry.Attempts != 5 {
		t.Errorf("entry = %+v", entry)
	}
	_ = mr
}

func TestFail_NonRetryableGoesDead(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	job := &domain.Job{
		ID: uuid.New(), Queue: domain.QueueCrawl,
		Attempts: 1, MaxAttempts: 5,
		Payload: json.RawMessage(`{}`),
	}

	mock.ExpectExec("UPDATE jobs SET status = 'dead'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.Fail(context.Background(), job, errors.New("bad payload"), false, 0); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestDLQMirror_Capped(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		job := &domain.Job{
			ID: uuid.New(), Queue: domain.QueueVerify,
			Attempts: 5, MaxAttempts: 5,
			Payload: json.RawMessage(`{}`),
		}
		mock.ExpectExec("UPDATE jobs SET status = 'dead'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		if err := q.Fail(context.Background(), job, errors.New("x"), false, 0); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}

	n, err := q.rdb.LLen(context.Background(), "dlq:pipeline").Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 3 {
		t.Errorf("dlq length = %d, want trimmed to 3", n)
	}
}

func TestRecoverExpired(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	deadID := uuid.New()
	now := time.Now()

	// Exhausted jobs dead-letter, mirror to the DLQ, and come back to
	// the caller for terminal handling; the rest return to ready.
	mock.ExpectQuery("attempts >= max_attempts").
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(deadID.String(), "verify", "run-1", `{"task":"probe_email"}`,
				"{}", "dead", 3, 3, now, now, "lease expired"))
	mock.ExpectExec("UPDATE jobs SET status = 'ready', last_error = 'lease expired'").
		WillReturnResult(sqlmock.NewResult(0, 2))

	dead, n, err := q.RecoverExpired(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Errorf("requeued = %d, want 2", n)
	}
	if len(dead) != 1 || dead[0].ID != deadID {
		t.Fatalf("dead = %+v, want the one exhausted job", dead)
	}

	raws, err := q.rdb.LRange(context.Background(), "dlq:pipeline", 0, -1).Result()
	if err != nil || len(raws) != 1 {
		t.Fatalf("dlq mirror entries = %d (%v), want 1", len(raws), err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecoverExpired_NothingExpired(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	mock.ExpectQuery("attempts >= max_attempts").
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectExec("UPDATE jobs SET status = 'ready', last_error = 'lease expired'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	dead, n, err := q.RecoverExpired(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(dead) != 0 || n != 0 {
		t.Errorf("dead = %d, requeued = %d, want 0 and 0", len(dead), n)
	}
}

func TestDepth(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	mock.ExpectQuery("SELECT status, count").
		WithArgs("verify").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("ready", 4).
			AddRow("in_flight", 2).
			AddRow("dead", 1))

	depth, err := q.Depth(context.Background(), "verify")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth[domain.JobReady] != 4 || depth[domain.JobInFlight] != 2 || depth[domain.JobDead] != 1 {
		t.Errorf("depth = %v", depth)
	}
}

func TestDLQList(t *testing.T) {
	q, _, mr, cleanup := testQueue(t)
	defer cleanup()
	ctx := context.Background()

	good, _ := json.Marshal(domain.DLQEntry{JobID: "j1", Queue: "verify", LastError: "x"})
	mr.Lpush("dlq:pipeline", string(good))
	mr.Lpush("dlq:pipeline", "{corrupt")

	entries, err := q.DLQList(ctx, 10)
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "j1" {
		t.Errorf("entries = %+v, want the one good entry", entries)
	}
}

func TestDLQRequeue(t *testing.T) {
	q, mock, _, cleanup := testQueue(t)
	defer cleanup()

	jobID := uuid.New()

	mock.ExpectExec("UPDATE jobs SET status = 'ready', attempts = 0").
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := q.DLQRequeue(context.Background(), jobID); err != nil {
		t.Errorf("requeue: %v", err)
	}

	mock.ExpectExec("UPDATE jobs SET status = 'ready', attempts = 0").
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := q.DLQRequeue(context.Background(), jobID); err == nil {
		t.Error("want error when the job is not dead")
	}
}
