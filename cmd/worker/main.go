package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"video-pipeline/internal/artifacts"
	"video-pipeline/internal/autopilot"
	"video-pipeline/internal/backend"
	"video-pipeline/internal/config"
	"video-pipeline/internal/lock"
	"video-pipeline/internal/models"
	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/queue"
	"video-pipeline/internal/store"
	"video-pipeline/internal/telemetry"
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

	var journal pipeline.Journal = pipeline.NopJournal{}
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		journal = st
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	jobs := pipeline.NewManager(backend.New(cfg.BackendURL, cfg.BackendTimeout), pipeline.Options{
		PollInterval:    cfg.PollInterval,
		PollMaxAttempts: cfg.PollMaxAttempts,
		EventBuffer:     cfg.EventBuffer,
		Locker:          lock.NewRedisLocker(rdb, cfg.LockTTL),
		Journal:         journal,
	})
	defer jobs.Close()

	q := queue.NewRedisQueue(rdb, cfg.VisibilityTimeout, cfg.DLQName)
	processor := autopilot.NewProcessor(cfg, q, jobs, journal, workerID)

	sink, err := artifacts.NewSink(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact sink: %v", err)
	}
	exporter := artifacts.NewExporter(sink)
	processor.SetExporter(func(ctx context.Context, o *pipeline.Orchestrator) (string, error) {
		return exporter.Export(ctx, o, models.ArtifactFinalVideo)
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("autopilot worker %s started with visibility=%s backend=%s", workerID, cfg.VisibilityTimeout, cfg.BackendURL)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
