package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/observe"
	"github.com/crestwell/leadpipe/internal/pipeline"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
	"github.com/crestwell/leadpipe/internal/queue"
	"github.com/crestwell/leadpipe/internal/ratelimit"
	"github.com/crestwell/leadpipe/internal/store"
)

// Exit codes: 2 invalid config, 3 database unreachable, 4 Redis unreachable.
const (
	exitBadConfig   = 2
	exitNoDatabase  = 3
	exitNoRedis     = 4
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	tenantID := flag.String("tenant", envOr("TENANT_ID", "default"), "tenant id this worker serves")
	flag.Parse()

	log := logger.With("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(exitBadConfig)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(exitNoDatabase)
	}
	defer st.Close()

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("invalid redis url", "error", err)
		os.Exit(exitBadConfig)
	}
	rdb := goredis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Error("redis unreachable", "error", err)
		os.Exit(exitNoRedis)
	}
	cancelPing()

	q := queue.New(st.DB(), rdb, cfg.Queue)
	pc := pipeline.NewPipelineContext(*tenantID, cfg, st, q, rdb)
	worker := pipeline.NewWorker(pc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Observe.Enabled {
		srv := observe.NewServer(*tenantID, st, q, ratelimit.NewLimiter(rdb))
		go func() {
			if err := srv.Serve(ctx, cfg.Observe.Addr); err != nil {
				log.Error("ops server failed", "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()
	log.Info("pipeline worker running", "worker_id", worker.ID(), "tenant", *tenantID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	select {
	case <-done:
	case <-time.After(20 * time.Second):
		log.Warn("shutdown timed out, leases will expire")
	}
	log.Info("worker stopped")
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
