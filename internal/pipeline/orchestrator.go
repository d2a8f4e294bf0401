package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/distlock"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/resolve"
)

// Task discriminators inside job payloads.
const (
	taskAutodiscovery = "autodiscovery"
	taskGenerate      = "generate_emails"
	taskVerifyDomain  = "verify_domain"
	taskProbeEmail    = "probe_email"
	taskDomainDone    = "domain_done"
)

// domainTask is the payload shared by per-domain stage jobs.
type domainTask struct {
	Task      string `json:"task"`
	RunID     string `json:"run_id"`
	Domain    string `json:"domain"`
	CompanyID int64  `json:"company_id"`
}

// probeTask is the payload of one per-email probe job.
type probeTask struct {
	Task      string `json:"task"`
	RunID     string `json:"run_id"`
	Domain    string `json:"domain"`
	CompanyID int64  `json:"company_id"`
	EmailID   int64  `json:"email_id"`
}

// StartRun validates and launches a run: domains are normalized and
// deduplicated, the 24h company budget is enforced, company rows are
// ensured, and one first-stage job per domain is enqueued. Submitting
// the same run_id again is a no-op after the first.
func (pc *PipelineContext) StartRun(ctx context.Context, run *domain.Run) error {
	normalized := make([]string, 0, len(run.Domains))
	seen := map[string]struct{}{}
	for _, raw := range run.Domains {
		d, err := resolve.NormalizeDomain(raw)
		if err != nil {
			pc.Log.Warn("dropping invalid domain", "run_id", run.ID, "domain", raw, "error", err)
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		normalized = append(normalized, d)
	}
	if len(normalized) == 0 {
		return domain.NewError(domain.KindValidation, "run has no valid domains", nil)
	}
	run.Domains = normalized

	// Hard 24h budget, checked once at start.
	since := pc.Now().Add(-24 * time.Hour)
	existing, err := pc.Store.CountCompaniesSince(ctx, pc.TenantID, since)
	if err != nil {
		return err
	}
	limit := pc.Cfg.Budget.HardCompanyLimit24h
	if run.Options.CompanyLimit > 0 && run.Options.CompanyLimit < limit {
		limit = run.Options.CompanyLimit
	}
	if existing+len(normalized) > limit {
		return domain.NewError(domain.KindBudgetExceeded,
			fmt.Sprintf("company_limit_exceeded: %d existing + %d new > %d",
				existing, len(normalized), limit), nil)
	}

	if run.Options.Mode == "" {
		run.Options.Mode = domain.ModeFull
	}
	run.Status = domain.RunQueued
	run.Progress = domain.RunProgress{DomainsTotal: len(normalized)}
	inserted, err := pc.Store.CreateRun(ctx, run)
	if err != nil {
		return err
	}
	if !inserted {
		// Same run_id submitted twice: the first submission owns the
		// run, nothing else to do.
		pc.Log.Info("run already exists, ignoring resubmission", "run_id", run.ID)
		return nil
	}
	if err := pc.Store.MarkRunRunning(ctx, run.ID); err != nil {
		return err
	}

	firstTask := pc.firstStageTask(run.Options.Mode)
	firstQueue := queueForTask(firstTask)
	for _, d := range normalized {
		companyID, err := pc.Store.UpsertCompany(ctx, &domain.Company{
			TenantID:       pc.TenantID,
			RunID:          &run.ID,
			Name:           d,
			SuppliedDomain: d,
		})
		if err != nil {
			return err
		}
		_, err = pc.Queue.Enqueue(ctx, queue.EnqueueParams{
			Queue: firstQueue,
			RunID: run.ID,
			Payload: domainTask{
				Task: firstTask, RunID: run.ID, Domain: d, CompanyID: companyID,
			},
			MaxAttempts: pc.Cfg.Verify.MaxAttempts,
		})
		if err != nil {
			return err
		}
	}

	pc.Log.Info("run started", "run_id", run.ID, "mode", run.Options.Mode,
		"domains", len(normalized))
	return nil
}

// firstStageTask picks the entry stage for a mode.
func (pc *PipelineContext) firstStageTask(mode domain.RunMode) string {
	switch {
	case mode.IncludesCrawl():
		return taskAutodiscovery
	case mode.IncludesGenerate():
		return taskGenerate
	default:
		return taskVerifyDomain
	}
}

// nextStageTask returns the stage after cur for the mode, or
// taskDomainDone when cur was the last active stage.
func (pc *PipelineContext) nextStageTask(mode domain.RunMode, cur string) string {
	switch cur {
	case taskAutodiscovery:
		if mode.IncludesGenerate() {
			return taskGenerate
		}
		if mode.IncludesVerify() {
			return taskVerifyDomain
		}
	case taskGenerate:
		if mode.IncludesVerify() {
			return taskVerifyDomain
		}
	}
	return taskDomainDone
}

func queueForTask(task string) string {
	switch task {
	case taskAutodiscovery:
		return domain.QueueCrawl
	case taskGenerate:
		return domain.QueueGenerate
	default:
		return domain.QueueVerify
	}
}

// enqueueNextStage chains the domain to its next stage, depending on
// the job that just ran so queue ordering stays explicit.
func (pc *PipelineContext) enqueueNextStage(ctx context.Context, mode domain.RunMode, cur string, t domainTask, dependsOn uuid.UUID) error {
	next := pc.nextStageTask(mode, cur)
	t.Task = next
	_, err := pc.Queue.Enqueue(ctx, queue.EnqueueParams{
		Queue:       queueForTask(next),
		RunID:       t.RunID,
		Payload:     t,
		DependsOn:   []uuid.UUID{dependsOn},
		MaxAttempts: pc.Cfg.Verify.MaxAttempts,
	})
	return err
}

// CancelRun moves a run to cancelled. Queued jobs die lazily on the
// next reserve; in-flight handlers observe it via RunIsCancelled.
func (pc *PipelineContext) CancelRun(ctx context.Context, runID string) error {
	if err := pc.Store.FinishRun(ctx, runID, domain.RunCancelled, "cancelled by operator"); err != nil {
		return err
	}
	pc.Log.Info("run cancelled", "run_id", runID)
	return nil
}

// markDomainFailed isolates a domain failure: it counts toward
// completion so the run can still finalize.
func (pc *PipelineContext) markDomainFailed(ctx context.Context, runID, dom string, cause error) {
	pc.Log.Warn("domain failed", "run_id", runID, "domain", dom, "error", cause)
	if err := pc.Store.BumpRunProgress(ctx, runID, domain.RunProgress{
		DomainsCompleted: 1,
		DomainsFailed:    1,
	}); err != nil {
		pc.Log.Error("progress bump failed", "run_id", runID, "error", err)
		return
	}
	pc.maybeFinalize(ctx, runID)
}

// maybeFinalize finishes the run once every domain has completed. The
// check-then-finish section single-flights through a Redis lock so two
// domain_done handlers cannot both finalize.
func (pc *PipelineContext) maybeFinalize(ctx context.Context, runID string) {
	run, err := pc.Store.GetRun(ctx, pc.TenantID, runID)
	if err != nil {
		pc.Log.Error("finalize read failed", "run_id", runID, "error", err)
		return
	}
	if run.Status.Terminal() || run.Progress.DomainsCompleted < run.Progress.DomainsTotal {
		return
	}

	lock := distlock.NewRedisLock(pc.Redis, "run-finalize:"+runID, time.Minute)
	got, err := lock.Acquire(ctx)
	if err != nil || !got {
		return
	}
	defer lock.Release(ctx)

	// Re-read under the lock; another worker may have finished it.
	run, err = pc.Store.GetRun(ctx, pc.TenantID, runID)
	if err != nil || run.Status.Terminal() {
		return
	}

	// Fold the authoritative verdict counts into progress.
	counts, err := pc.Store.VerificationCounts(ctx, pc.TenantID, runID)
	if err == nil {
		delta := domain.RunProgress{
			ValidCount:   counts[domain.VerifyValid] - run.Progress.ValidCount,
			RiskyCount:   counts[domain.VerifyRiskyCatchAll] - run.Progress.RiskyCount,
			InvalidCount: counts[domain.VerifyInvalid] - run.Progress.InvalidCount,
			UnknownCount: counts[domain.VerifyUnknownTimeout] - run.Progress.UnknownCount,
		}
		if err := pc.Store.BumpRunProgress(ctx, runID, delta); err != nil {
			pc.Log.Warn("final count reconcile failed", "run_id", runID, "error", err)
		}
	}

	if pc.Cfg.Verify.CleanupInvalidPerms {
		pc.cleanupInvalidPermutations(ctx, run)
	}

	status := domain.RunSucceeded
	runErr := ""
	if run.Progress.DomainsTotal > 0 && run.Progress.DomainsFailed == run.Progress.DomainsTotal {
		status = domain.RunFailed
		runErr = "all domains failed"
	}
	if err := pc.Store.FinishRun(ctx, runID, status, runErr); err != nil {
		pc.Log.Error("finalize failed", "run_id", runID, "error", err)
		return
	}
	pc.Log.Info("run finished", "run_id", runID, "status", status,
		"domains", run.Progress.DomainsTotal, "failed", run.Progress.DomainsFailed)
}

// cleanupInvalidPermutations drops generated addresses that verified
// invalid, keeping the table lean for the next run.
func (pc *PipelineContext) cleanupInvalidPermutations(ctx context.Context, run *domain.Run) {
	for _, d := range run.Domains {
		company, err := pc.Store.GetCompanyByDomain(ctx, pc.TenantID, d)
		if err != nil {
			continue
		}
		n, err := pc.Store.DeleteUnverifiedPermutations(ctx, pc.TenantID, company.ID)
		if err != nil {
			pc.Log.Warn("permutation cleanup failed", "domain", d, "error", err)
			continue
		}
		if n > 0 {
			pc.Log.Info("cleaned invalid permutations", "domain", d, "count", n)
		}
	}
}
