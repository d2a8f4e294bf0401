// runctl is the operator CLI for the lead pipeline: start and cancel
// runs, inspect progress, and poke the DLQ without going through the
// ops HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/domain"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/store"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: runctl <command> [flags]

commands:
  start   -domains a.com,b.com [-mode full|autodiscovery|generate|verify] [-limit N]
  cancel  -run <run-id>
  status  -run <run-id>
  list    [-n 20]
  dlq     [-n 50]
  requeue -job <job-id>`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	tenantID := fs.String("tenant", envOr("TENANT_ID", "default"), "tenant id")
	domainsCSV := fs.String("domains", "", "comma-separated domains")
	mode := fs.String("mode", "full", "run mode")
	limit := fs.Int("limit", 0, "per-run company limit")
	runID := fs.String("run", "", "run id")
	jobID := fs.String("job", "", "job id")
	n := fs.Int("n", 0, "list size")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		fatal("database: %v", err)
	}
	defer st.Close()

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fatal("redis url: %v", err)
	}
	rdb := goredis.NewClient(redisOpts)
	defer rdb.Close()

	q := queue.New(st.DB(), rdb, cfg.Queue)
	pc := pipeline.NewPipelineContext(*tenantID, cfg, st, q, rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch cmd {
	case "start":
		doStart(ctx, pc, *domainsCSV, *mode, *limit)
	case "cancel":
		requireArg(*runID, "-run")
		if err := pc.CancelRun(ctx, *runID); err != nil {
			fatal("cancel: %v", err)
		}
		fmt.Println("cancelled", *runID)
	case "status":
		requireArg(*runID, "-run")
		run, err := st.GetRun(ctx, *tenantID, *runID)
		if err != nil {
			fatal("status: %v", err)
		}
		printJSON(run)
	case "list":
		runs, err := st.ListRuns(ctx, *tenantID, *n)
		if err != nil {
			fatal("list: %v", err)
		}
		for _, r := range runs {
			fmt.Printf("%s  %-10s  %d domains  %d/%d done\n",
				r.ID, r.Status, len(r.Domains),
				r.Progress.DomainsCompleted, r.Progress.DomainsTotal)
		}
	case "dlq":
		entries, err := q.DLQList(ctx, *n)
		if err != nil {
			fatal("dlq: %v", err)
		}
		for _, e := range entries {
			fmt.Printf("%s  %-8s  attempts=%d  %s\n", e.JobID, e.Queue, e.Attempts, e.LastError)
		}
	case "requeue":
		requireArg(*jobID, "-job")
		id, err := uuid.Parse(*jobID)
		if err != nil {
			fatal("bad job id: %v", err)
		}
		if err := q.DLQRequeue(ctx, id); err != nil {
			fatal("requeue: %v", err)
		}
		fmt.Println("requeued", id)
	default:
		usage()
	}
}

func doStart(ctx context.Context, pc *pipeline.PipelineContext, domainsCSV, mode string, limit int) {
	if domainsCSV == "" {
		fatal("start needs -domains")
	}
	var domains []string
	for _, d := range strings.Split(domainsCSV, ",") {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}

	run := &domain.Run{
		ID:       uuid.NewString(),
		TenantID: pc.TenantID,
		Domains:  domains,
		Options: domain.RunOptions{
			Mode:         domain.RunMode(mode),
			CompanyLimit: limit,
		},
	}
	if err := pc.StartRun(ctx, run); err != nil {
		fatal("start: %v", err)
	}
	fmt.Println("started run", run.ID)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func requireArg(v, name string) {
	if v == "" {
		fatal("missing %s", name)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
