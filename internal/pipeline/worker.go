package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
	"github.com/crestwell/leadpipe/internal/queue"
)

// Handler processes one reserved job.
type Handler func(ctx context.Context, job *domain.Job) error

// Worker runs the dispatcher pool: N goroutines reserving from the
// pipeline queues, heartbeating leases, and routing payloads to stage
// handlers by their task discriminator.
type Worker struct {
	pc       *PipelineContext
	id       string
	handlers map[string]Handler
	log      *logger.Logger
}

// NewWorker builds a worker with the standard stage handlers registered.
func NewWorker(pc *PipelineContext) *Worker {
	host, _ := os.Hostname()
	w := &Worker{
		pc:       pc,
		id:       fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		handlers: map[string]Handler{},
		log:      logger.With("worker"),
	}
	w.handlers[taskAutodiscovery] = pc.HandleAutodiscovery
	w.handlers[taskGenerate] = pc.HandleGenerate
	w.handlers[taskVerifyDomain] = pc.HandleVerifyDomain
	w.handlers[taskProbeEmail] = pc.HandleProbeEmail
	w.handlers[taskDomainDone] = pc.HandleDomainDone
	return w
}

// ID returns the worker's lease identity.
func (w *Worker) ID() string { return w.id }

// Run blocks until ctx is cancelled, running the consumer pool and the
// lease recovery sweeper.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.recoveryLoop(ctx)
	}()

	for i := 0; i < w.pc.Cfg.Queue.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}

	w.log.Info("worker started", "worker_id", w.id,
		"consumers", w.pc.Cfg.Queue.NumWorkers)
	wg.Wait()
	w.log.Info("worker stopped", "worker_id", w.id)
}

func (w *Worker) consumeLoop(ctx context.Context) {
	queues := []string{domain.QueueCrawl, domain.QueueGenerate, domain.QueueVerify}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.pc.Queue.Reserve(ctx, w.id, queues...)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pc.Cfg.Queue.PollInterval):
			}
			continue
		}
		if err != nil {
			w.log.Error("reserve failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		w.process(ctx, job)
	}
}

// process runs one job under a heartbeat.
func (w *Worker) process(ctx context.Context, job *domain.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(time.Duration(w.pc.Cfg.Queue.HeartbeatSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := w.pc.Queue.Heartbeat(jobCtx, job.ID, w.id); err != nil {
					// Lease lost: abandon the job, another worker owns it now.
					w.log.Warn("heartbeat lost, abandoning job", "job_id", job.ID, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	task := taskName(job)
	handler, ok := w.handlers[task]
	if !ok {
		cancel()
		<-hbDone
		w.pc.Queue.Fail(ctx, job, fmt.Errorf("unknown task %q", task), false, 0)
		return
	}

	err := handler(jobCtx, job)
	cancel()
	<-hbDone

	if err == nil {
		if cerr := w.pc.Queue.Complete(ctx, job.ID); cerr != nil {
			w.log.Error("complete failed", "job_id", job.ID, "error", cerr)
		}
		return
	}

	retryable := isRetryable(err)
	delay := w.pc.Cfg.Verify.RetryDelay(job.Attempts)
	exhausting := !retryable || job.Attempts >= job.MaxAttempts

	if ferr := w.pc.Queue.Fail(ctx, job, err, retryable, delay); ferr != nil {
		w.log.Error("fail recording failed", "job_id", job.ID, "error", ferr)
		return
	}
	if exhausting {
		w.onDead(ctx, job, err)
	}
}

// onDead applies pipeline semantics to a dead-lettered job: probes get
// their terminal unknown row; domain stages count the domain failed so
// one bad domain never wedges the run.
func (w *Worker) onDead(ctx context.Context, job *domain.Job, cause error) {
	switch taskName(job) {
	case taskProbeEmail:
		w.pc.HandleProbeExhausted(ctx, job)
	case taskAutodiscovery, taskGenerate, taskVerifyDomain:
		var t domainTask
		if err := json.Unmarshal(job.Payload, &t); err == nil && t.RunID != "" {
			w.pc.markDomainFailed(ctx, t.RunID, t.Domain, cause)
		}
	case taskDomainDone:
		var t domainTask
		if err := json.Unmarshal(job.Payload, &t); err == nil && t.RunID != "" {
			// Count it anyway; a wedged barrier must not stall finalization.
			w.pc.markDomainFailed(ctx, t.RunID, t.Domain, cause)
		}
	}
}

func (w *Worker) recoveryLoop(ctx context.Context) {
	interval := time.Duration(w.pc.Cfg.Queue.LeaseSeconds/2) * time.Second
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dead, _, err := w.pc.Queue.RecoverExpired(ctx)
			if err != nil {
				w.log.Error("lease recovery failed", "error", err)
				continue
			}
			// Jobs dead-lettered by the sweep get the same terminal
			// handling as jobs that exhaust their attempts in place.
			for _, job := range dead {
				w.onDead(ctx, job, errors.New("lease expired"))
			}
		}
	}
}

// taskName pulls the discriminator without decoding the whole payload.
func taskName(job *domain.Job) string {
	var probe struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(job.Payload, &probe); err != nil {
		return ""
	}
	return probe.Task
}

// isRetryable maps the error taxonomy to the queue's retry decision.
func isRetryable(err error) bool {
	var perr *domain.PipelineError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	// Unclassified errors are treated as transient infrastructure
	// trouble; the attempt cap still bounds them.
	return true
}
