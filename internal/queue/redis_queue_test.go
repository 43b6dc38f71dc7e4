package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"video-pipeline/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, visibility, "test:dlq")
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	plan := models.Plan{JobID: "J1", Voice: &models.VoiceOptions{VoiceID: "rachel", Stability: 0.5, Clarity: 0.7}, ExportFinal: true}
	if err := q.Enqueue(ctx, plan); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, plan); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	got, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue ok=%v err=%v", ok, err)
	}
	if got.JobID != "J1" || got.Voice == nil || got.Voice.VoiceID != "rachel" || !got.ExportFinal {
		t.Fatalf("unexpected plan %+v", got)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatal("leased plan must not be handed out twice")
	}

	if err := q.Ack(ctx, "J1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Acked plans free the job for a new plan.
	if err := q.Enqueue(ctx, plan); err != nil {
		t.Fatalf("re-enqueue after ack: %v", err)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10*time.Millisecond)

	if err := q.Enqueue(ctx, models.Plan{JobID: "J2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := q.DequeueWithLease(ctx); err != nil || !ok {
		t.Fatalf("dequeue ok=%v err=%v", ok, err)
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "J2" {
		t.Fatalf("requeued = %v", ids)
	}
	plan, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok || plan.JobID != "J2" {
		t.Fatalf("expected requeued plan, got %+v ok=%v err=%v", plan, ok, err)
	}
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	entry := DeadLetter{Plan: models.Plan{JobID: "J3"}, Error: "voice change failed", Stage: "change-voice", FailedAt: time.Now().UTC()}
	if err := q.DLQPush(ctx, entry); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	got, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(got) != 1 || got[0].Plan.JobID != "J3" || got[0].Stage != "change-voice" {
		t.Fatalf("unexpected dead letters %+v", got)
	}
}

func TestCancelDropsPlan(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)
	if err := q.Enqueue(ctx, models.Plan{JobID: "J4"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, "J4"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatal("cancelled plan was dequeued")
	}
}
