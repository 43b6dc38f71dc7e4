package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	api "video-pipeline/internal/api"
	"video-pipeline/internal/artifacts"
	"video-pipeline/internal/backend"
	"video-pipeline/internal/config"
	"video-pipeline/internal/lock"
	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/queue"
	"video-pipeline/internal/ratelimit"
	"video-pipeline/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("connect redis: %v", err)
	}

	var (
		journal pipeline.Journal = pipeline.NopJournal{}
		audit   api.AuditReader
	)
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		journal, audit = st, st
	} else {
		log.Printf("POSTGRES_DSN empty; tracked jobs are not journaled")
	}

	jobs := pipeline.NewManager(backend.New(cfg.BackendURL, cfg.BackendTimeout), pipeline.Options{
		PollInterval:    cfg.PollInterval,
		PollMaxAttempts: cfg.PollMaxAttempts,
		EventBuffer:     cfg.EventBuffer,
		Locker:          lock.NewRedisLocker(rdb, cfg.LockTTL),
		Journal:         journal,
	})
	defer jobs.Close()
	if n, err := jobs.Resume(ctx); err != nil {
		log.Printf("resume tracked jobs: %v", err)
	} else if n > 0 {
		log.Printf("resumed %d tracked jobs", n)
	}

	sink, err := artifacts.NewSink(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact sink: %v", err)
	}

	q := queue.NewRedisQueue(rdb, cfg.VisibilityTimeout, cfg.DLQName)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	server := api.New(cfg, jobs, q, limiter, artifacts.NewExporter(sink), audit)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("api listening on :%s backend=%s", cfg.HTTPPort, cfg.BackendURL)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
