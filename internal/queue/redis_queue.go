package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"video-pipeline/internal/models"
)

// ErrAlreadyQueued is returned when a job already has a pending or leased plan.
var ErrAlreadyQueued = errors.New("job already has a queued plan")

// DeadLetter is a plan that failed and will not be retried automatically.
type DeadLetter struct {
	Plan     models.Plan `json:"plan"`
	Error    string      `json:"error"`
	Stage    string      `json:"stage,omitempty"`
	FailedAt time.Time   `json:"failed_at"`
}

// RedisQueue holds autopilot plans: a ready list, an in-flight set scored by
// lease deadline, and one meta hash per job carrying the plan.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	planPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a plan queue on an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration, dlqKey string) *RedisQueue {
	if visibility == 0 {
		visibility = 45 * time.Minute
	}
	if dlqKey == "" {
		dlqKey = "autopilot:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "autopilot:ready",
		inflightKey:   "autopilot:inflight",
		planPrefix:    "autopilot:plan:",
		visibilityTTL: visibility,
		dlqKey:        dlqKey,
	}
}

func (q *RedisQueue) planKey(jobID string) string {
	return q.planPrefix + jobID
}

// Enqueue stores the plan and appends its job to the ready list. A job can
// only have one plan queued or leased at a time.
func (q *RedisQueue) Enqueue(ctx context.Context, plan models.Plan) error {
	if plan.JobID == "" {
		return errors.New("plan has no job id")
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	ok, err := q.client.HSetNX(ctx, q.planKey(plan.JobID), "plan", raw).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, plan.JobID)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.planKey(plan.JobID), "enqueued_at", time.Now().UTC().Format(time.RFC3339))
	pipe.RPush(ctx, q.readyKey, plan.JobID)
	_, err = pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops the next job and places it into in-flight with a
// visibility deadline. ok is false when the ready list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (models.Plan, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return models.Plan{}, false, nil
	}
	if err != nil {
		return models.Plan{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Plan{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	plan, err := q.Plan(ctx, jobID)
	if err != nil {
		_ = q.Ack(ctx, jobID)
		return models.Plan{}, false, err
	}
	return plan, true, nil
}

// Plan loads the stored plan of a job.
func (q *RedisQueue) Plan(ctx context.Context, jobID string) (models.Plan, error) {
	raw, err := q.client.HGet(ctx, q.planKey(jobID), "plan").Result()
	if err == redis.Nil {
		return models.Plan{}, fmt.Errorf("no plan stored for job %s", jobID)
	}
	if err != nil {
		return models.Plan{}, err
	}
	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return models.Plan{}, fmt.Errorf("decode plan %s: %w", jobID, err)
	}
	return plan, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and drops its plan.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.planKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job's plan whether it is ready or leased.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.planKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, entry DeadLetter) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, raw).Err()
}

// DLQPeek reads the oldest count dead letters.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReadyDepth returns the number of plans waiting for a worker.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
