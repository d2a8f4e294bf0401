package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/resolve"
	"github.com/crestwell/leadpipe/internal/store"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

// testContext wires a PipelineContext over sqlmock and miniredis. Only
// the orchestration dependencies are populated; stage handlers that need
// probers or fetchers are not under test here.
func testContext(t *testing.T) (*PipelineContext, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	rdb, cleanupRedis := setupTestRedis(t)

	cfg := config.Default()
	pc := &PipelineContext{
		TenantID: "t1",
		Cfg:      cfg,
		Store:    store.New(db),
		Queue:    queue.New(db, rdb, cfg.Queue),
		Redis:    rdb,
		Now:      time.Now,
		Log:      logger.With("pipeline"),
	}
	return pc, mock, func() {
		db.Close()
		cleanupRedis()
	}
}

// ===== StartRun =====

func TestStartRun(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET status = 'running'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// One company upsert and one first-stage job per surviving domain.
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("INSERT INTO companies").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(i + 1)))
		mock.ExpectExec("INSERT INTO jobs").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	run := &domain.Run{
		ID: "run-1", TenantID: "t1",
		// Duplicate and denormalized spellings collapse to two domains.
		Domains: []string{"Example.COM", "www.example.com.", "widgets.example"},
	}
	if err := pc.StartRun(context.Background(), run); err != nil {
		t.Fatalf("start run: %v", err)
	}

	want := []string{"example.com", "widgets.example"}
	if len(run.Domains) != 2 || run.Domains[0] != want[0] || run.Domains[1] != want[1] {
		t.Errorf("domains = %v, want %v", run.Domains, want)
	}
	if run.Options.Mode != domain.ModeFull {
		t.Errorf("mode = %q, want full default", run.Options.Mode)
	}
	if run.Progress.DomainsTotal != 2 {
		t.Errorf("domains_total = %d, want 2", run.Progress.DomainsTotal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStartRun_NoValidDomains(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	err := pc.StartRun(context.Background(), &domain.Run{
		ID: "run-1", Domains: []string{"", "   ", "www."},
	})
	if err == nil {
		t.Fatal("want validation error")
	}
	var perr *domain.PipelineError
	if !errors.As(err, &perr) || perr.Kind != domain.KindValidation {
		t.Errorf("err = %v, want validation kind", err)
	}
	// Nothing may touch the database before validation.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStartRun_BudgetExceeded(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()
	pc.Cfg.Budget.HardCompanyLimit24h = 5

	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	err := pc.StartRun(context.Background(), &domain.Run{
		ID: "run-1", Domains: []string{"example.com", "widgets.example"},
	})
	if err == nil {
		t.Fatal("want budget error for 4 existing + 2 new over a limit of 5")
	}
	var perr *domain.PipelineError
	if !errors.As(err, &perr) || perr.Kind != domain.KindBudgetExceeded {
		t.Errorf("err = %v, want budget_exceeded kind", err)
	}
	if perr.Retryable() {
		t.Error("budget errors must not be retryable")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStartRun_PerRunLimitTightensBudget(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := pc.StartRun(context.Background(), &domain.Run{
		ID:      "run-1",
		Domains: []string{"example.com", "widgets.example"},
		Options: domain.RunOptions{CompanyLimit: 1},
	})
	var perr *domain.PipelineError
	if !errors.As(err, &perr) || perr.Kind != domain.KindBudgetExceeded {
		t.Errorf("err = %v, want budget_exceeded under the per-run limit", err)
	}
}

func TestStartRun_DuplicateRunIsNoOp(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	// The run row already exists: the insert touches nothing and no
	// companies or jobs are created for the resubmission.
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := pc.StartRun(context.Background(), &domain.Run{
		ID: "run-1", TenantID: "t1",
		Domains: []string{"example.com"},
	})
	if err != nil {
		t.Fatalf("resubmitting an existing run must not error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ===== Stage choreography =====

func TestFirstStageTask(t *testing.T) {
	pc := &PipelineContext{}
	tests := []struct {
		mode domain.RunMode
		want string
	}{
		{domain.ModeFull, taskAutodiscovery},
		{domain.ModeAutodiscovery, taskAutodiscovery},
		{domain.ModeGenerate, taskGenerate},
		{domain.ModeVerify, taskVerifyDomain},
	}
	for _, tt := range tests {
		if got := pc.firstStageTask(tt.mode); got != tt.want {
			t.Errorf("firstStageTask(%s) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestNextStageTask(t *testing.T) {
	pc := &PipelineContext{}
	tests := []struct {
		mode domain.RunMode
		cur  string
		want string
	}{
		{domain.ModeFull, taskAutodiscovery, taskGenerate},
		{domain.ModeFull, taskGenerate, taskVerifyDomain},
		{domain.ModeFull, taskVerifyDomain, taskDomainDone},
		{domain.ModeAutodiscovery, taskAutodiscovery, taskDomainDone},
		{domain.ModeGenerate, taskGenerate, taskDomainDone},
		{domain.ModeVerify, taskVerifyDomain, taskDomainDone},
	}
	for _, tt := range tests {
		if got := pc.nextStageTask(tt.mode, tt.cur); got != tt.want {
			t.Errorf("nextStageTask(%s, %s) = %q, want %q", tt.mode, tt.cur, got, tt.want)
		}
	}
}

func TestQueueForTask(t *testing.T) {
	tests := []struct {
		task string
		want string
	}{
		{taskAutodiscovery, domain.QueueCrawl},
		{taskGenerate, domain.QueueGenerate},
		{taskVerifyDomain, domain.QueueVerify},
		{taskProbeEmail, domain.QueueVerify},
		{taskDomainDone, domain.QueueVerify},
	}
	for _, tt := range tests {
		if got := queueForTask(tt.task); got != tt.want {
			t.Errorf("queueForTask(%s) = %q, want %q", tt.task, got, tt.want)
		}
	}
}

// ===== Worker plumbing =====

func TestTaskName(t *testing.T) {
	job := &domain.Job{Payload: json.RawMessage(`{"task":"probe_email","run_id":"r"}`)}
	if got := taskName(job); got != taskProbeEmail {
		t.Errorf("taskName = %q", got)
	}
	job.Payload = json.RawMessage(`{corrupt`)
	if got := taskName(job); got != "" {
		t.Errorf("taskName on corrupt payload = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"temp fail", domain.NewError(domain.KindSMTPTempFail, "451", nil), true},
		{"rate limited", domain.NewError(domain.KindRateLimited, "slot busy", nil), true},
		{"hard fail", domain.NewError(domain.KindSMTPHardFail, "550", nil), false},
		{"no mx", domain.NewError(domain.KindNoMX, "nxdomain", nil), false},
		{"validation", domain.NewError(domain.KindValidation, "bad input", nil), false},
		{"wrapped", domain.NewError(domain.KindInternal, "wrapped", errors.New("io")), true},
		{"unclassified", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

// ===== Finalization =====

func runRow(status string, total, completed, failed int) *sqlmock.Rows {
	progress, _ := json.Marshal(domain.RunProgress{
		DomainsTotal:     total,
		DomainsCompleted: completed,
		DomainsFailed:    failed,
	})
	cols := []string{"id", "tenant_id", "status", "domains", "options", "progress",
		"error", "created_at", "started_at", "finished_at"}
	return sqlmock.NewRows(cols).
		AddRow("run-1", "t1", status, "{example.com,widgets.example}",
			[]byte(`{"mode":"full"}`), progress, "", time.Now(), time.Now(), nil)
}

func TestMarkDomainFailed_NotLastDomain(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The barrier check sees 1 of 2 complete and stops there.
	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 2, 1, 1))

	pc.markDomainFailed(context.Background(), "run-1", "example.com", errors.New("crawl blew up"))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaybeFinalize_Succeeds(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 2, 2, 1))
	// Re-read under the finalize lock.
	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 2, 2, 1))
	mock.ExpectQuery("GROUP BY latest.verify_status").
		WillReturnRows(sqlmock.NewRows([]string{"verify_status", "count"}).
			AddRow("valid", 3).
			AddRow("invalid", 1))
	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("succeeded", "", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pc.maybeFinalize(context.Background(), "run-1")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaybeFinalize_AllDomainsFailed(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 2, 2, 2))
	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 2, 2, 2))
	mock.ExpectQuery("GROUP BY latest.verify_status").
		WillReturnRows(sqlmock.NewRows([]string{"verify_status", "count"}))
	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("failed", "all domains failed", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pc.maybeFinalize(context.Background(), "run-1")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaybeFinalize_AlreadyTerminal(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("succeeded", 2, 2, 0))

	pc.maybeFinalize(context.Background(), "run-1")

	// No lock, no counts, no finish.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleDomainDone(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	payload, _ := json.Marshal(domainTask{
		Task: taskDomainDone, RunID: "run-1", Domain: "example.com", CompanyID: 3,
	})

	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// One of two domains done: finalization does not trigger.
	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 2, 1, 0))

	err := pc.HandleDomainDone(context.Background(), &domain.Job{Payload: payload})
	if err != nil {
		t.Fatalf("domain done: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleProbeExhausted(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	payload, _ := json.Marshal(probeTask{
		Task: taskProbeEmail, RunID: "run-1", Domain: "example.com",
		CompanyID: 3, EmailID: 7,
	})

	emailCols := []string{"id", "tenant_id", "company_id", "person_id", "email",
		"is_published", "source_url", "created_at"}
	mock.ExpectQuery("FROM emails WHERE tenant_id").
		WillReturnRows(sqlmock.NewRows(emailCols).
			AddRow(7, "t1", 3, nil, "ghost@example.com", false, "", time.Now()))
	// Dead-lettered probes get a terminal unknown row and count as verified.
	mock.ExpectQuery("INSERT INTO verifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(99))
	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pc.HandleProbeExhausted(context.Background(), &domain.Job{Payload: payload})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProbeExhaustionStillFinalizesRun(t *testing.T) {
	// A probe that burns every attempt gets its terminal unknown row,
	// and the domain's barrier still runs afterwards, so the run reaches
	// a terminal state instead of wedging short of domains_total.
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	probePayload, _ := json.Marshal(probeTask{
		Task: taskProbeEmail, RunID: "run-1", Domain: "example.com",
		CompanyID: 3, EmailID: 7,
	})
	emailCols := []string{"id", "tenant_id", "company_id", "person_id", "email",
		"is_published", "source_url", "created_at"}
	mock.ExpectQuery("FROM emails WHERE tenant_id").
		WillReturnRows(sqlmock.NewRows(emailCols).
			AddRow(7, "t1", 3, nil, "ghost@example.com", false, "", time.Now()))
	mock.ExpectQuery("INSERT INTO verifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(99))
	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pc.HandleProbeExhausted(context.Background(), &domain.Job{Payload: probePayload})

	// The dead probe satisfies the barrier's dependency, so domain_done
	// is claimed next and finalizes the run.
	donePayload, _ := json.Marshal(domainTask{
		Task: taskDomainDone, RunID: "run-1", Domain: "example.com", CompanyID: 3,
	})
	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 1, 1, 0))
	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("running", 1, 1, 0))
	mock.ExpectQuery("GROUP BY latest.verify_status").
		WillReturnRows(sqlmock.NewRows([]string{"verify_status", "count"}).
			AddRow("unknown_timeout", 1))
	mock.ExpectExec("UPDATE runs SET progress").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("succeeded", "", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pc.HandleDomainDone(context.Background(), &domain.Job{Payload: donePayload})
	if err != nil {
		t.Fatalf("domain done: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunForTask_CancelledStopsQuietly(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(runRow("cancelled", 2, 0, 0))

	run, stop, err := pc.runForTask(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("run for task: %v", err)
	}
	if !stop || run == nil {
		t.Errorf("stop=%v run=%v, want quiet stop with the run loaded", stop, run)
	}

	// A vanished run also stops without surfacing an error.
	mock.ExpectQuery("FROM runs WHERE tenant_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	run, stop, err = pc.runForTask(context.Background(), "gone")
	if err != nil || !stop || run != nil {
		t.Errorf("got (%v, %v, %v), want quiet stop for a missing run", run, stop, err)
	}
}

func TestBehaviorLabel(t *testing.T) {
	tests := []struct {
		name string
		p    *resolve.Profile
		want string
	}{
		{"nil profile", nil, ""},
		{"no samples", &resolve.Profile{}, ""},
		{"tarpit", &resolve.Profile{Samples: 6, Tarpit: true}, "tarpit"},
		{"greylisting", &resolve.Profile{Samples: 6, TempFailRate: 0.7}, "greylisting"},
		{"normal", &resolve.Profile{Samples: 6, TempFailRate: 0.1}, "normal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := behaviorLabel(tt.p); got != tt.want {
				t.Errorf("behaviorLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCancelRun(t *testing.T) {
	pc, mock, cleanup := testContext(t)
	defer cleanup()

	mock.ExpectExec("UPDATE runs SET status").
		WithArgs("cancelled", "cancelled by operator", "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := pc.CancelRun(context.Background(), "run-1"); err != nil {
		t.Errorf("cancel: %v", err)
	}

	// A terminal run refuses a second cancel.
	mock.ExpectExec("UPDATE runs SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := pc.CancelRun(context.Background(), "run-1"); err == nil {
		t.Error("want error cancelling a terminal run")
	}
}
