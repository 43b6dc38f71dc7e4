package autopilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"video-pipeline/internal/backend"
	"video-pipeline/internal/config"
	"video-pipeline/internal/models"
	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/pipeline/pipelinetest"
	"video-pipeline/internal/queue"
)

type auditLog struct {
	pipeline.NopJournal
	mu     sync.Mutex
	events []string
}

func (a *auditLog) AppendAudit(_ context.Context, _ string, event, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *auditLog) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestProcessor(t *testing.T, b pipeline.Backend) (*Processor, *queue.RedisQueue, *auditLog) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.NewRedisQueue(client, time.Minute, "test:dlq")
	journal := &auditLog{}
	jobs := pipeline.NewManager(b, pipeline.Options{PollInterval: time.Millisecond, Journal: journal})
	t.Cleanup(jobs.Close)
	cfg := config.Config{WorkerPollInterval: time.Millisecond, VisibilityTimeout: time.Minute}
	return NewProcessor(cfg, q, jobs, journal, "test-worker"), q, journal
}

func TestPlanRunsEveryStageAndExports(t *testing.T) {
	ctx := context.Background()
	b := pipelinetest.NewBackend("J1", models.StatusUploaded)
	p, q, journal := newTestProcessor(t, b)

	var exported string
	p.SetExporter(func(_ context.Context, o *pipeline.Orchestrator) (string, error) {
		exported = o.JobID()
		return "exports/J1/final_video.mp4", nil
	})

	if err := q.Enqueue(ctx, models.Plan{JobID: "J1", Clean: models.DefaultCleanOptions(), ExportFinal: true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	handled, err := p.ProcessNext(ctx)
	if err != nil || !handled {
		t.Fatalf("process handled=%v err=%v", handled, err)
	}
	if got := b.Calls(); got != "extract,subtitles,skip,clean,final" {
		t.Fatalf("stage calls = %s", got)
	}
	if b.SkipReason() != SkipReason {
		t.Fatalf("skip reason = %q", b.SkipReason())
	}
	if exported != "J1" {
		t.Fatalf("final video was not exported")
	}
	if !journal.has("autopilot_succeeded") {
		t.Fatalf("missing success audit, got %v", journal.events)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("queue depth = %d after success", depth)
	}
}

func TestPlanResumesFromReachedStage(t *testing.T) {
	ctx := context.Background()
	b := pipelinetest.NewBackend("J2", models.StatusSubtitlesGenerated)
	p, q, _ := newTestProcessor(t, b)

	voice := &models.VoiceOptions{VoiceID: "rachel", Stability: 0.5, Clarity: 0.75}
	if err := q.Enqueue(ctx, models.Plan{JobID: "J2", Voice: voice, Clean: models.DefaultCleanOptions()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.ProcessNext(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := b.Calls(); got != "voice,clean,final" {
		t.Fatalf("stage calls = %s", got)
	}
}

func TestFailedPlanIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	b := pipelinetest.NewBackend("J3", models.StatusVoiceChangeSkipped)
	b.Errors["clean"] = &backend.APIError{Op: "clean audio", StatusCode: 500, Message: "ffmpeg exited with status 1"}
	p, q, journal := newTestProcessor(t, b)

	if err := q.Enqueue(ctx, models.Plan{JobID: "J3", Clean: models.DefaultCleanOptions()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	handled, err := p.ProcessNext(ctx)
	if !handled {
		t.Fatal("plan was not handled")
	}
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected the backend error, got %v", err)
	}

	dead, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(dead) != 1 || dead[0].Plan.JobID != "J3" || dead[0].Stage != pipeline.StageCleanAudio.String() {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
	if !strings.Contains(dead[0].Error, "ffmpeg exited") {
		t.Fatalf("dead letter lost the backend message: %q", dead[0].Error)
	}
	if !journal.has("autopilot_dead_letter") {
		t.Fatalf("missing dead letter audit, got %v", journal.events)
	}
	if strings.Contains(b.Calls(), "final") {
		t.Fatal("final video must not run after a failed stage")
	}
}

func TestExportWithoutSinkFails(t *testing.T) {
	ctx := context.Background()
	b := pipelinetest.NewBackend("J4", models.StatusCompleted)
	p, q, _ := newTestProcessor(t, b)

	if err := q.Enqueue(ctx, models.Plan{JobID: "J4", ExportFinal: true}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.ProcessNext(ctx); err == nil {
		t.Fatal("expected an error when no sink is configured")
	}
	if b.Calls() != "" {
		t.Fatalf("completed job should not rerun stages, got %s", b.Calls())
	}
}

func TestProcessNextOnEmptyQueue(t *testing.T) {
	p, _, _ := newTestProcessor(t, pipelinetest.NewBackend("J5", models.StatusUploaded))
	handled, err := p.ProcessNext(context.Background())
	if handled || err != nil {
		t.Fatalf("empty queue handled=%v err=%v", handled, err)
	}
}
