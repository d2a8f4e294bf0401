// Package observe exposes the operator HTTP surface: health, queue
// depths, DLQ inspection and requeue, and per-run metrics. This is ops
// tooling, not a product API.
package observe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
	"github.com/crestwell/leadpipe/internal/store"
)

// Server serves the ops endpoints for one tenant's worker fleet.
type Server struct {
	tenantID string
	store    *store.Store
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	log      *logger.Logger
}

// NewServer builds the ops server.
func NewServer(tenantID string, st *store.Store, q *queue.Queue, limiter *ratelimit.Limiter) *Server {
	return &Server{
		tenantID: tenantID,
		store:    st,
		queue:    q,
		limiter:  limiter,
		log:      logger.With("observe"),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/queues", s.handleQueues)
	r.Get("/dlq", s.handleDLQList)
	r.Post("/dlq/{jobID}/requeue", s.handleDLQRequeue)
	r.Get("/runs/{runID}/metrics", s.handleRunMetrics)
	return r
}

// Serve runs the listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("ops server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, qn := range []string{domain.QueueCrawl, domain.QueueGenerate, domain.QueueVerify} {
		depth, err := s.queue.Depth(r.Context(), qn)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		out[qn] = depth
	}
	if sem, err := s.limiter.SemValue(r.Context(), "sem:global"); err == nil {
		out["global_in_flight"] = sem
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.queue.DLQList(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queue.DLQRequeue(r.Context(), jobID); err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "job_id": jobID.String()})
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), s.tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	metrics := map[string]any{
		"run_id":   run.ID,
		"status":   run.Status,
		"mode":     run.Options.Mode,
		"progress": run.Progress,
	}
	if run.StartedAt != nil {
		metrics["started_at"] = run.StartedAt
		end := time.Now()
		if run.FinishedAt != nil {
			end = *run.FinishedAt
			metrics["finished_at"] = run.FinishedAt
		}
		metrics["elapsed_seconds"] = int64(end.Sub(*run.StartedAt).Seconds())
	}
	if counts, err := s.store.VerificationCounts(r.Context(), s.tenantID, runID); err == nil {
		metrics["verdicts"] = counts
	}
	writeJSON(w, http.StatusOK, metrics)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
