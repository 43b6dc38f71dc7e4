package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"video-pipeline/internal/backend"
	"video-pipeline/internal/lock"
	"video-pipeline/internal/models"
	"video-pipeline/internal/telemetry"
)

// Outcome is how a stage action ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// AudioSelectedVoice, used as FinalVideoOptions.AudioID, resolves to the
// currently selected voice history entry.
const AudioSelectedVoice = "selected_voice"

// Result is what a stage action resolved with.
type Result struct {
	Stage    Stage      `json:"stage"`
	Outcome  Outcome    `json:"outcome"`
	Artifact string     `json:"artifact,omitempty"`
	Content  string     `json:"content,omitempty"`
	Message  string     `json:"message,omitempty"`
	Snapshot models.Job `json:"snapshot"`
}

// Completion carries the end of an asynchronous action.
type Completion struct {
	Result Result
	Err    error
}

// State is the view state derived from the last applied snapshot.
type State struct {
	JobID         string                     `json:"job_id"`
	Snapshot      models.Job                 `json:"snapshot"`
	Reached       Stage                      `json:"reached"`
	Active        Stage                      `json:"active"`
	Shown         Stage                      `json:"shown"`
	Running       Stage                      `json:"running"`
	Stages        []StageView                `json:"stages"`
	Voices        []models.VoiceHistoryEntry `json:"voices"`
	SelectedVoice int                        `json:"selected_voice"`
	LastError     string                     `json:"last_error,omitempty"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Options tunes an orchestrator. Zero values fall back to defaults.
type Options struct {
	PollInterval    time.Duration
	PollMaxAttempts int
	EventBuffer     int
	Locker          lock.Locker
	Journal         Journal
	Now             func() time.Time
}

// Orchestrator tracks one job through the pipeline. It owns the only copy of
// the job snapshot; views read State or subscribe and change it only through
// the action methods.
type Orchestrator struct {
	jobID        string
	backend      Backend
	locker       lock.Locker
	journal      Journal
	bus          *EventBus
	pollInterval time.Duration
	pollMax      int
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	snapshot    models.Job
	hasSnapshot bool
	appliedAt   time.Time
	stale       int64
	voices      []models.VoiceHistoryEntry
	selected    int
	running     Stage
	shown       Stage
	lastErr     string
	closed      bool
}

// New creates an orchestrator for jobID. Call Refresh before running stages.
func New(jobID string, b Backend, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollMaxAttempts <= 0 {
		opts.PollMaxAttempts = DefaultPollMaxAttempts
	}
	if opts.Journal == nil {
		opts.Journal = NopJournal{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		jobID:        jobID,
		backend:      b,
		locker:       opts.Locker,
		journal:      opts.Journal,
		bus:          NewEventBus(opts.EventBuffer),
		pollInterval: opts.PollInterval,
		pollMax:      opts.PollMaxAttempts,
		now:          opts.Now,
		ctx:          ctx,
		cancel:       cancel,
		selected:     -1,
		running:      NoStage,
		shown:        NoStage,
	}
}

func (o *Orchestrator) JobID() string { return o.jobID }

// Snapshot returns a copy of the last applied job snapshot.
func (o *Orchestrator) Snapshot() models.Job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot.Clone()
}

// State returns the current view state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stateLocked()
}

// StaleDropped counts snapshots discarded because a newer one was applied first.
func (o *Orchestrator) StaleDropped() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stale
}

// Events returns buffered events after seq.
func (o *Orchestrator) Events(since int64) []Event {
	return o.bus.Since(since)
}

// Subscribe streams state updates until cancel or Close.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	return o.bus.Subscribe()
}

// Close stops running polls and subscribers. No state is applied afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.bus.Close()
}

// Refresh fetches the authoritative snapshot and applies it unless a newer
// one arrived in the meantime. It returns the snapshot in effect afterwards.
func (o *Orchestrator) Refresh(ctx context.Context) (models.Job, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	return o.refresh(ctx)
}

// ShowStage moves the displayed stage form. It never touches the snapshot.
func (o *Orchestrator) ShowStage(stage Stage) error {
	o.mu.Lock()
	active := Active(o.snapshot)
	if !stage.Valid() || stage > active {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot show %s before %s", ErrStageNotEligible, stage, active)
	}
	if stage == active {
		o.shown = NoStage
	} else {
		o.shown = stage
	}
	o.mu.Unlock()
	o.publishState()
	return nil
}

func (o *Orchestrator) ExtractAudio(ctx context.Context) (Result, error) {
	return o.runStage(ctx, StageExtractAudio, func(ctx context.Context) (models.StageResponse, error) {
		return o.backend.ExtractAudio(ctx, o.jobID)
	})
}

// GenerateSubtitles triggers transcription and polls the job until the step
// reaches a terminal status or the poll budget runs out.
func (o *Orchestrator) GenerateSubtitles(ctx context.Context, opts models.TranscriptionOptions) (Result, error) {
	if err := opts.Normalize(); err != nil {
		return Result{Stage: StageGenerateSubtitles}, invalidOptions(err)
	}
	release, err := o.begin(ctx, StageGenerateSubtitles)
	if err != nil {
		return Result{Stage: StageGenerateSubtitles}, err
	}
	defer release()
	return o.generateSubtitles(ctx, opts)
}

// GenerateSubtitlesAsync starts GenerateSubtitles detached from the caller.
// Admission errors are returned immediately; the channel yields exactly one
// Completion. Close cancels the run.
func (o *Orchestrator) GenerateSubtitlesAsync(opts models.TranscriptionOptions) (<-chan Completion, error) {
	if err := opts.Normalize(); err != nil {
		return nil, invalidOptions(err)
	}
	release, err := o.begin(o.ctx, StageGenerateSubtitles)
	if err != nil {
		return nil, err
	}
	out := make(chan Completion, 1)
	go func() {
		defer close(out)
		defer release()
		res, err := o.generateSubtitles(o.ctx, opts)
		out <- Completion{Result: res, Err: err}
	}()
	return out, nil
}

func (o *Orchestrator) generateSubtitles(ctx context.Context, opts models.TranscriptionOptions) (Result, error) {
	const stage = StageGenerateSubtitles
	ctx, cancel := o.link(ctx)
	defer cancel()

	// A step that is already terminal (re-run) only counts once the new
	// request has returned.
	baseline, _ := o.Snapshot().Step(models.StepGenerateSubtitles)

	type triggered struct {
		resp models.StageResponse
		err  error
	}
	trigger := make(chan triggered, 1)
	wake := make(chan struct{})
	go func() {
		resp, err := o.backend.GenerateSubtitles(ctx, o.jobID, opts)
		trigger <- triggered{resp: resp, err: err}
		close(wake)
	}()

	var (
		fired   bool
		message string
		step    models.StepResult
	)
	poller := Poller{Name: "subtitle generation", Interval: o.pollInterval, MaxAttempts: o.pollMax, Wake: wake}
	_, err := poller.Run(ctx, func(ctx context.Context, n int) (bool, error) {
		if !fired {
			select {
			case t := <-trigger:
				fired = true
				if t.err != nil {
					if !backend.IsTransport(t.err) {
						return false, t.err
					}
					o.logEvent(stage, fmt.Sprintf("subtitle request failed, still polling: %v", t.err))
				} else {
					message = t.resp.Message
				}
			default:
			}
		}

		telemetry.PollAttempts.Inc()
		job, err := o.refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			o.logEvent(stage, fmt.Sprintf("poll %d failed: %v", n, err))
			return false, nil
		}
		s, ok := job.Step(models.StepGenerateSubtitles)
		if !ok || (baseline.Status.Terminal() && !fired) {
			return false, nil
		}
		switch s.Status {
		case models.StepCompleted:
			step = s
			return true, nil
		case models.StepFailed:
			return false, &backend.StageFailedError{Op: "generate subtitles", Step: models.StepGenerateSubtitles, Message: s.Error}
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrPollTimeout) {
			telemetry.PollTimeouts.Inc()
		}
		return o.fail(ctx, stage, err)
	}

	res := Result{Stage: stage, Outcome: OutcomeSucceeded, Artifact: step.Path, Message: message, Snapshot: o.Snapshot()}
	content, err := o.backend.SubtitleContent(ctx, o.jobID)
	if err != nil {
		err = fmt.Errorf("fetch subtitle content: %w", err)
		o.finish(ctx, stage, res, err)
		return res, err
	}
	res.Content = content
	o.mu.Lock()
	o.shown = NoStage
	o.mu.Unlock()
	o.finish(ctx, stage, res, nil)
	return res, nil
}

// ChangeVoice generates a new voice. Every success appends to the voice
// history and selects the new entry.
func (o *Orchestrator) ChangeVoice(ctx context.Context, opts models.VoiceOptions) (Result, error) {
	if err := opts.Normalize(); err != nil {
		return Result{Stage: StageChangeVoice}, invalidOptions(err)
	}
	res, err := o.runStage(ctx, StageChangeVoice, func(ctx context.Context) (models.StageResponse, error) {
		return o.backend.ChangeVoice(ctx, o.jobID, opts)
	})
	if err == nil && res.Outcome == OutcomeSucceeded {
		o.mu.Lock()
		o.selected = -1
		index := o.selectedIndexLocked()
		o.mu.Unlock()
		o.recordSelection(ctx, index)
		o.publishState()
	}
	return res, err
}

// SkipVoiceChange advances past stage 3 without a voice artifact.
func (o *Orchestrator) SkipVoiceChange(ctx context.Context, reason string) (Result, error) {
	return o.runStage(ctx, StageChangeVoice, func(ctx context.Context) (models.StageResponse, error) {
		return o.backend.SkipVoiceChange(ctx, o.jobID, reason)
	})
}

func (o *Orchestrator) CleanAudio(ctx context.Context, opts models.CleanOptions) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{Stage: StageCleanAudio}, invalidOptions(err)
	}
	return o.runStage(ctx, StageCleanAudio, func(ctx context.Context) (models.StageResponse, error) {
		return o.backend.CleanAudio(ctx, o.jobID, opts)
	})
}

func (o *Orchestrator) CreateFinalVideo(ctx context.Context, opts models.FinalVideoOptions) (Result, error) {
	if opts.AudioID == AudioSelectedVoice {
		opts.AudioID = o.SelectedAudioID()
		if opts.AudioID == "" {
			return Result{Stage: StageCreateFinalVideo}, invalidOptions(errors.New("no generated voice to select"))
		}
	}
	if err := opts.Normalize(); err != nil {
		return Result{Stage: StageCreateFinalVideo}, invalidOptions(err)
	}
	return o.runStage(ctx, StageCreateFinalVideo, func(ctx context.Context) (models.StageResponse, error) {
		return o.backend.CreateFinalVideo(ctx, o.jobID, opts)
	})
}

// SubtitleContent returns the current subtitle text, edited version first.
func (o *Orchestrator) SubtitleContent(ctx context.Context) (string, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	return o.backend.SubtitleContent(ctx, o.jobID)
}

// SaveSubtitles stores edited text. The job status does not change.
func (o *Orchestrator) SaveSubtitles(ctx context.Context, content string) (string, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	path, err := o.backend.SaveSubtitles(ctx, o.jobID, content)
	if err != nil {
		return "", err
	}
	o.audit(ctx, "subtitles_saved", path)
	o.refreshQuietly(ctx)
	return path, nil
}

// TranslateSubtitles translates content, or the current subtitles when
// content is empty.
func (o *Orchestrator) TranslateSubtitles(ctx context.Context, language, content string) (models.Translation, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	if content == "" {
		current, err := o.backend.SubtitleContent(ctx, o.jobID)
		if err != nil {
			return models.Translation{}, fmt.Errorf("load subtitles to translate: %w", err)
		}
		content = current
	}
	tr, err := o.backend.TranslateSubtitles(ctx, o.jobID, language, content)
	if err != nil {
		return models.Translation{}, err
	}
	o.audit(ctx, "subtitles_translated", fmt.Sprintf("language=%s path=%s", language, tr.Path))
	o.refreshQuietly(ctx)
	return tr, nil
}

// VoiceHistory fetches the backend history, folds it into the local
// append-only copy and returns the result.
func (o *Orchestrator) VoiceHistory(ctx context.Context) ([]models.VoiceHistoryEntry, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	incoming, err := o.backend.VoiceHistory(ctx, o.jobID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.voices = mergeVoices(o.jobID, o.voices, incoming)
	out := append([]models.VoiceHistoryEntry(nil), o.voices...)
	o.mu.Unlock()
	return out, nil
}

// SelectVoice makes history entry index the current voice.
func (o *Orchestrator) SelectVoice(ctx context.Context, index int) error {
	o.mu.Lock()
	if index < 0 || index >= len(o.voices) {
		n := len(o.voices)
		o.mu.Unlock()
		return invalidOptions(fmt.Errorf("voice index %d outside history of %d", index, n))
	}
	o.selected = index
	o.mu.Unlock()

	o.recordSelection(ctx, index)
	o.publishState()
	return nil
}

// SelectedVoice returns the current voice entry, the most recent one unless
// another was selected.
func (o *Orchestrator) SelectedVoice() (models.VoiceHistoryEntry, int, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	i := o.selectedIndexLocked()
	if i < 0 {
		return models.VoiceHistoryEntry{}, -1, false
	}
	return o.voices[i], i, true
}

// SelectedAudioID is the backend audio id of the selected voice, or "".
func (o *Orchestrator) SelectedAudioID() string {
	_, i, ok := o.SelectedVoice()
	if !ok {
		return ""
	}
	return fmt.Sprintf("voice_%d", i)
}

func (o *Orchestrator) CompareVoice(ctx context.Context, index int) (models.VoiceComparison, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	return o.backend.CompareVoice(ctx, o.jobID, index)
}

func (o *Orchestrator) VideoInfo(ctx context.Context) (models.VideoInfo, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	return o.backend.VideoInfo(ctx, o.jobID)
}

// AvailableArtifacts lists the selectable inputs of the final video stage.
func (o *Orchestrator) AvailableArtifacts(ctx context.Context) (models.ArtifactSet, error) {
	ctx, cancel := o.link(ctx)
	defer cancel()
	audio, err := o.backend.AvailableAudio(ctx, o.jobID)
	if err != nil {
		return models.ArtifactSet{}, err
	}
	subs, err := o.backend.AvailableSubtitles(ctx, o.jobID)
	if err != nil {
		return models.ArtifactSet{}, err
	}
	return models.ArtifactSet{Audio: audio, Subtitles: subs}, nil
}

// Download streams an artifact. The body is not tied to the orchestrator's
// lifetime; the caller closes it.
func (o *Orchestrator) Download(ctx context.Context, artifact models.ArtifactType) (io.ReadCloser, string, error) {
	return o.backend.Download(ctx, o.jobID, artifact)
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, call func(context.Context) (models.StageResponse, error)) (Result, error) {
	release, err := o.begin(ctx, stage)
	if err != nil {
		return Result{Stage: stage}, err
	}
	defer release()
	ctx, cancel := o.link(ctx)
	defer cancel()

	resp, err := call(ctx)
	if err != nil {
		return o.fail(ctx, stage, err)
	}
	res := Result{
		Stage:    stage,
		Outcome:  OutcomeSucceeded,
		Artifact: resp.ArtifactPath,
		Content:  resp.Content,
		Message:  resp.Message,
	}
	if resp.Status == models.StatusVoiceChangeSkipped {
		res.Outcome = OutcomeSkipped
	}

	// The response body alone is not trusted; state comes from a fresh snapshot.
	job, err := o.refresh(ctx)
	if err != nil {
		err = fmt.Errorf("refresh after %s: %w", stage, err)
		res.Snapshot = o.Snapshot()
		o.finish(ctx, stage, res, err)
		return res, err
	}
	res.Snapshot = job
	o.mu.Lock()
	o.shown = NoStage
	o.mu.Unlock()
	o.finish(ctx, stage, res, nil)
	return res, nil
}

// begin admits one stage action: eligible against the current snapshot, no
// local action pending, and the cross-process lock free.
func (o *Orchestrator) begin(ctx context.Context, stage Stage) (func(), error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.running != NoStage {
		running := o.running
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is running", ErrActionInFlight, running)
	}
	if !o.hasSnapshot || !Eligible(o.snapshot, stage) {
		status := o.snapshot.Status
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s at job status %q", ErrStageNotEligible, stage, status)
	}
	o.running = stage
	o.mu.Unlock()

	var lease lock.Lease
	if o.locker != nil {
		l, err := o.locker.Acquire(ctx, o.jobID)
		if err != nil {
			o.mu.Lock()
			o.running = NoStage
			o.mu.Unlock()
			if errors.Is(err, lock.ErrNotAcquired) {
				return nil, fmt.Errorf("%w: held by another process", ErrActionInFlight)
			}
			return nil, fmt.Errorf("acquire job lock: %w", err)
		}
		lease = l
	}
	telemetry.InFlightGauge.Inc()
	o.publishState()

	var once sync.Once
	return func() {
		once.Do(func() {
			if lease != nil {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				if err := lease.Release(rctx); err != nil {
					log.Printf("pipeline: release lock job=%s err=%v", o.jobID, err)
				}
				cancel()
			}
			o.mu.Lock()
			o.running = NoStage
			o.mu.Unlock()
			telemetry.InFlightGauge.Dec()
			o.publishState()
		})
	}, nil
}

func (o *Orchestrator) fail(ctx context.Context, stage Stage, err error) (Result, error) {
	res := Result{Stage: stage, Outcome: OutcomeFailed}
	var sf *backend.StageFailedError
	if errors.As(err, &sf) {
		res.Message = sf.Message
		o.refreshQuietly(ctx)
	}
	res.Snapshot = o.Snapshot()
	o.finish(ctx, stage, res, err)
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, stage Stage, res Result, err error) {
	severity := Classify(err)
	label := string(res.Outcome)
	if severity == SeverityHard {
		label = "error"
	}
	telemetry.StageActions.WithLabelValues(stage.String(), label).Inc()

	o.mu.Lock()
	if err != nil {
		o.lastErr = err.Error()
	} else {
		o.lastErr = ""
	}
	o.mu.Unlock()

	event := Event{JobID: o.jobID, Type: EventTypeResult, Stage: stage.String(), Outcome: res.Outcome, Message: res.Message}
	detail := fmt.Sprintf("outcome=%s artifact=%s", res.Outcome, res.Artifact)
	if err != nil {
		event.Type = EventTypeError
		event.Message = err.Error()
		detail = fmt.Sprintf("outcome=%s severity=%s error=%s", label, severity, err)
		log.Printf("pipeline: %s failed job=%s severity=%s err=%v", stage, o.jobID, severity, err)
	} else {
		log.Printf("pipeline: %s %s job=%s", stage, res.Outcome, o.jobID)
	}
	o.bus.Publish(event)
	o.audit(ctx, stage.String(), detail)
}

func (o *Orchestrator) refresh(ctx context.Context) (models.Job, error) {
	if o.isClosed() {
		return models.Job{}, ErrClosed
	}
	job, err := o.backend.JobStatus(ctx, o.jobID)
	arrived := o.now()
	if err != nil {
		return models.Job{}, err
	}
	if job.ID != o.jobID {
		return models.Job{}, &backend.MalformedResponseError{Op: "get job status", Err: fmt.Errorf("snapshot is for job %q", job.ID)}
	}
	o.apply(ctx, job, arrived)
	return o.Snapshot(), nil
}

func (o *Orchestrator) refreshQuietly(ctx context.Context) {
	if _, err := o.refresh(ctx); err != nil {
		log.Printf("pipeline: refresh job=%s err=%v", o.jobID, err)
	}
}

// apply installs job unless a snapshot that arrived later is already in place.
func (o *Orchestrator) apply(ctx context.Context, job models.Job, arrived time.Time) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if o.hasSnapshot && arrived.Before(o.appliedAt) {
		o.stale++
		applied := o.appliedAt
		o.mu.Unlock()
		telemetry.StaleSnapshots.Inc()
		log.Printf("pipeline: dropped stale snapshot job=%s arrived=%s applied=%s",
			o.jobID, arrived.Format(time.RFC3339Nano), applied.Format(time.RFC3339Nano))
		return false
	}
	first := !o.hasSnapshot
	prev := o.snapshot.Status
	o.snapshot = job.Clone()
	o.appliedAt = arrived
	o.hasSnapshot = true
	o.voices = mergeVoices(o.jobID, o.voices, job.VoiceHistory)
	state := o.stateLocked()
	o.mu.Unlock()

	o.bus.Publish(Event{JobID: o.jobID, Type: EventTypeState, State: &state})
	if first || prev != job.Status {
		if err := o.journal.RecordStatus(context.WithoutCancel(ctx), o.jobID, job.Status); err != nil {
			log.Printf("pipeline: journal status job=%s err=%v", o.jobID, err)
		}
	}
	return true
}

func (o *Orchestrator) stateLocked() State {
	job := o.snapshot.Clone()
	active := Active(job)
	shown := o.shown
	if shown == NoStage || shown > active {
		shown = active
	}
	return State{
		JobID:         o.jobID,
		Snapshot:      job,
		Reached:       Reached(job),
		Active:        active,
		Shown:         shown,
		Running:       o.running,
		Stages:        Views(job, o.running),
		Voices:        append([]models.VoiceHistoryEntry(nil), o.voices...),
		SelectedVoice: o.selectedIndexLocked(),
		LastError:     o.lastErr,
		UpdatedAt:     o.appliedAt,
	}
}

func (o *Orchestrator) selectedIndexLocked() int {
	if len(o.voices) == 0 {
		return -1
	}
	if o.selected < 0 || o.selected >= len(o.voices) {
		return len(o.voices) - 1
	}
	return o.selected
}

// restoreSelection reinstates a journaled voice choice.
func (o *Orchestrator) restoreSelection(index int) {
	o.mu.Lock()
	o.selected = index
	o.mu.Unlock()
}

func (o *Orchestrator) recordSelection(ctx context.Context, index int) {
	if index < 0 {
		return
	}
	if err := o.journal.RecordVoiceSelection(context.WithoutCancel(ctx), o.jobID, index); err != nil {
		log.Printf("pipeline: journal voice selection job=%s err=%v", o.jobID, err)
	}
}

func (o *Orchestrator) publishState() {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return
	}
	state := o.stateLocked()
	o.mu.RUnlock()
	o.bus.Publish(Event{JobID: o.jobID, Type: EventTypeState, State: &state})
}

func (o *Orchestrator) logEvent(stage Stage, msg string) {
	log.Printf("pipeline: %s job=%s %s", stage, o.jobID, msg)
	o.bus.Publish(Event{JobID: o.jobID, Type: EventTypeLog, Stage: stage.String(), Message: msg})
}

func (o *Orchestrator) audit(ctx context.Context, event, detail string) {
	if err := o.journal.AppendAudit(context.WithoutCancel(ctx), o.jobID, event, detail); err != nil {
		log.Printf("pipeline: journal audit job=%s err=%v", o.jobID, err)
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// link derives a context that also ends when the orchestrator is closed.
func (o *Orchestrator) link(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// mergeVoices keeps the local history append-only: known entries are never
// replaced and only entries past the local length are taken from incoming.
func mergeVoices(jobID string, local, incoming []models.VoiceHistoryEntry) []models.VoiceHistoryEntry {
	n := len(local)
	if len(incoming) < n {
		n = len(incoming)
	}
	for i := 0; i < n; i++ {
		if local[i].Path != incoming[i].Path || local[i].VoiceID != incoming[i].VoiceID {
			log.Printf("pipeline: backend rewrote voice history job=%s index=%d, keeping local entries", jobID, i)
			break
		}
	}
	if len(incoming) <= len(local) {
		return local
	}
	out := make([]models.VoiceHistoryEntry, 0, len(incoming))
	out = append(out, local...)
	return append(out, incoming[len(local):]...)
}
