package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"video-pipeline/internal/config"
	"video-pipeline/internal/models"
	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/queue"
	"video-pipeline/internal/telemetry"
)

// SkipReason is passed to the backend when a plan carries no voice options.
const SkipReason = "Voice change skipped by autopilot plan"

// busyRetry is how long a plan waits when someone else holds the job's action.
const busyRetry = 30 * time.Second

// Processor drives the autopilot loop: it leases plans from the queue and
// runs every stage after the job's reached one through an orchestrator.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	jobs     *pipeline.Manager
	journal  pipeline.Journal
	export   ExportFunc
	workerID string
}

// ExportFunc exports the final video of an orchestrator and returns its location.
type ExportFunc func(ctx context.Context, o *pipeline.Orchestrator) (string, error)

func NewProcessor(cfg config.Config, q *queue.RedisQueue, jobs *pipeline.Manager, journal pipeline.Journal, workerID string) *Processor {
	if journal == nil {
		journal = pipeline.NopJournal{}
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		journal:  journal,
		workerID: workerID,
	}
}

// SetExporter enables exporting the final video for plans that ask for it.
func (p *Processor) SetExporter(fn ExportFunc) {
	p.export = fn
}

// Run starts the worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	idle := p.cfg.WorkerPollInterval
	if idle <= 0 {
		idle = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			log.Printf("autopilot: requeued expired plans %v", reclaimed)
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		handled, err := p.ProcessNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("autopilot: worker=%s err=%v", p.workerID, err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle):
		}
	}
}

// ProcessNext leases one plan and runs it. It reports whether a plan was
// available.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	plan, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	log.Printf("autopilot: worker=%s leased plan job=%s", p.workerID, plan.JobID)

	stage, location, err := p.runPlan(ctx, plan)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, plan.JobID); ackErr != nil {
			return true, fmt.Errorf("ack plan %s: %w", plan.JobID, ackErr)
		}
		detail := "all stages completed"
		if location != "" {
			detail += " exported=" + location
		}
		p.audit(ctx, plan.JobID, "autopilot_succeeded", detail)
		telemetry.AutopilotRuns.WithLabelValues("succeeded").Inc()
		return true, nil

	case errors.Is(err, pipeline.ErrActionInFlight):
		// Let the lease lapse so RequeueExpired hands the plan out again.
		_ = p.queue.ExtendLease(ctx, plan.JobID, busyRetry)
		p.audit(ctx, plan.JobID, "autopilot_deferred", err.Error())
		telemetry.AutopilotRuns.WithLabelValues("deferred").Inc()
		return true, nil

	case ctx.Err() != nil:
		// Shutdown mid-plan; the lease expires and the next worker resumes.
		return true, err
	}

	_ = p.queue.Ack(ctx, plan.JobID)
	entry := queue.DeadLetter{Plan: plan, Error: err.Error(), FailedAt: time.Now().UTC()}
	if stage != pipeline.NoStage {
		entry.Stage = stage.String()
	}
	if dlqErr := p.queue.DLQPush(ctx, entry); dlqErr != nil {
		log.Printf("autopilot: dlq push job=%s err=%v", plan.JobID, dlqErr)
	}
	p.audit(ctx, plan.JobID, "autopilot_dead_letter", fmt.Sprintf("stage=%s severity=%s err=%s", entry.Stage, pipeline.Classify(err), err))
	telemetry.AutopilotRuns.WithLabelValues("dead_letter").Inc()
	return true, err
}

// runPlan runs every stage after the reached one. It returns the stage that
// failed, if any.
func (p *Processor) runPlan(ctx context.Context, plan models.Plan) (pipeline.Stage, string, error) {
	o, err := p.jobs.Track(ctx, plan.JobID)
	if err != nil {
		return pipeline.NoStage, "", err
	}
	defer p.jobs.Forget(plan.JobID)

	for stage := o.State().Reached + 1; stage <= pipeline.StageCreateFinalVideo; stage++ {
		if err := p.queue.ExtendLease(ctx, plan.JobID, p.visibility()); err != nil {
			log.Printf("autopilot: extend lease job=%s err=%v", plan.JobID, err)
		}
		res, err := p.runStage(ctx, o, plan, stage)
		if err != nil {
			return stage, "", err
		}
		log.Printf("autopilot: job=%s stage=%s outcome=%s", plan.JobID, stage, res.Outcome)
	}

	if !plan.ExportFinal {
		return pipeline.NoStage, "", nil
	}
	if p.export == nil {
		return pipeline.StageCreateFinalVideo, "", errors.New("plan asks for an export but no artifact sink is configured")
	}
	location, err := p.export(ctx, o)
	if err != nil {
		return pipeline.StageCreateFinalVideo, "", err
	}
	return pipeline.NoStage, location, nil
}

func (p *Processor) runStage(ctx context.Context, o *pipeline.Orchestrator, plan models.Plan, stage pipeline.Stage) (pipeline.Result, error) {
	switch stage {
	case pipeline.StageExtractAudio:
		return o.ExtractAudio(ctx)
	case pipeline.StageGenerateSubtitles:
		return o.GenerateSubtitles(ctx, plan.Transcription)
	case pipeline.StageChangeVoice:
		if plan.Voice == nil {
			return o.SkipVoiceChange(ctx, SkipReason)
		}
		return o.ChangeVoice(ctx, *plan.Voice)
	case pipeline.StageCleanAudio:
		return o.CleanAudio(ctx, plan.Clean)
	case pipeline.StageCreateFinalVideo:
		return o.CreateFinalVideo(ctx, plan.Final)
	}
	return pipeline.Result{}, fmt.Errorf("autopilot cannot run stage %s", stage)
}

func (p *Processor) visibility() time.Duration {
	if p.cfg.VisibilityTimeout > 0 {
		return p.cfg.VisibilityTimeout
	}
	return 45 * time.Minute
}

func (p *Processor) audit(ctx context.Context, jobID, event, detail string) {
	if err := p.journal.AppendAudit(context.WithoutCancel(ctx), jobID, event, detail); err != nil {
		log.Printf("autopilot: audit job=%s event=%s err=%v", jobID, event, err)
	}
}
