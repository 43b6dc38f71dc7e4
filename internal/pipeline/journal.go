package pipeline

import (
	"context"
	"io"

	"video-pipeline/internal/models"
)

// Backend is the processing service the orchestrator drives.
type Backend interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
	ExtractAudio(ctx context.Context, jobID string) (models.StageResponse, error)
	GenerateSubtitles(ctx context.Context, jobID string, opts models.TranscriptionOptions) (models.StageResponse, error)
	SubtitleContent(ctx context.Context, jobID string) (string, error)
	SaveSubtitles(ctx context.Context, jobID, content string) (string, error)
	TranslateSubtitles(ctx context.Context, jobID, language, content string) (models.Translation, error)
	ChangeVoice(ctx context.Context, jobID string, opts models.VoiceOptions) (models.StageResponse, error)
	SkipVoiceChange(ctx context.Context, jobID, reason string) (models.StageResponse, error)
	VoiceHistory(ctx context.Context, jobID string) ([]models.VoiceHistoryEntry, error)
	CompareVoice(ctx context.Context, jobID string, index int) (models.VoiceComparison, error)
	CleanAudio(ctx context.Context, jobID string, opts models.CleanOptions) (models.StageResponse, error)
	CreateFinalVideo(ctx context.Context, jobID string, opts models.FinalVideoOptions) (models.StageResponse, error)
	JobStatus(ctx context.Context, jobID string) (models.Job, error)
	VideoInfo(ctx context.Context, jobID string) (models.VideoInfo, error)
	AvailableAudio(ctx context.Context, jobID string) ([]models.Artifact, error)
	AvailableSubtitles(ctx context.Context, jobID string) ([]models.Artifact, error)
	Download(ctx context.Context, jobID string, artifact models.ArtifactType) (io.ReadCloser, string, error)
}

// Journal persists what the orchestrators observe so a restarted process can
// pick tracked jobs back up.
type Journal interface {
	TrackJob(ctx context.Context, jobID string, status models.JobStatus) error
	UntrackJob(ctx context.Context, jobID string) error
	TrackedJobs(ctx context.Context) ([]models.TrackedJob, error)
	RecordStatus(ctx context.Context, jobID string, status models.JobStatus) error
	RecordVoiceSelection(ctx context.Context, jobID string, index int) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// NopJournal records nothing.
type NopJournal struct{}

func (NopJournal) TrackJob(context.Context, string, models.JobStatus) error { return nil }

func (NopJournal) UntrackJob(context.Context, string) error { return nil }

func (NopJournal) TrackedJobs(context.Context) ([]models.TrackedJob, error) { return nil, nil }

func (NopJournal) RecordStatus(context.Context, string, models.JobStatus) error { return nil }

func (NopJournal) RecordVoiceSelection(context.Context, string, int) error { return nil }

func (NopJournal) AppendAudit(context.Context, string, string, string) error { return nil }
