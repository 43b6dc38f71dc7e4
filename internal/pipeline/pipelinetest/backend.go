// Package pipelinetest provides an in-memory processing backend for tests of
// packages built on the orchestrator.
package pipelinetest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"video-pipeline/internal/backend"
	"video-pipeline/internal/models"
)

// Backend completes every stage synchronously and records the calls it saw.
// Set a field of Errors to make that stage fail.
type Backend struct {
	mu        sync.Mutex
	job       models.Job
	calls     []string
	subtitles string
	skipMsg   string
	voice     models.VoiceOptions
	final     models.FinalVideoOptions

	Errors map[string]error
}

// NewBackend returns a backend holding one job at status.
func NewBackend(jobID string, status models.JobStatus) *Backend {
	return &Backend{
		job:       models.Job{ID: jobID, Filename: "clip.mp4", Status: status, Steps: map[models.StepName]models.StepResult{}},
		subtitles: "1\n00:00:00,000 --> 00:00:01,000\nhi\n",
		Errors:    map[string]error{},
	}
}

// Calls lists the stage calls in order, comma separated.
func (b *Backend) Calls() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.calls, ",")
}

// SkipReason is the reason passed to the last skip call.
func (b *Backend) SkipReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipMsg
}

// LastVoice is the options of the last voice change call.
func (b *Backend) LastVoice() models.VoiceOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.voice
}

// LastFinal is the options of the last final video call.
func (b *Backend) LastFinal() models.FinalVideoOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final
}

func (b *Backend) advance(call string, step models.StepName, result models.StepStatus, status models.JobStatus) (models.StageResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	if err := b.Errors[call]; err != nil {
		return models.StageResponse{}, err
	}
	path := "outputs/" + b.job.ID + "/" + string(step)
	b.job.Steps[step] = models.StepResult{Status: result, Path: path}
	b.job.Status = status
	return models.StageResponse{JobID: b.job.ID, Status: status, ArtifactPath: path}, nil
}

func (b *Backend) Upload(_ context.Context, filename string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.job.Filename = filename
	return b.job.ID, nil
}

func (b *Backend) ExtractAudio(context.Context, string) (models.StageResponse, error) {
	return b.advance("extract", models.StepExtractAudio, models.StepCompleted, models.StatusAudioExtracted)
}

func (b *Backend) GenerateSubtitles(context.Context, string, models.TranscriptionOptions) (models.StageResponse, error) {
	return b.advance("subtitles", models.StepGenerateSubtitles, models.StepCompleted, models.StatusSubtitlesGenerated)
}

func (b *Backend) SubtitleContent(context.Context, string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subtitles, nil
}

func (b *Backend) SaveSubtitles(_ context.Context, jobID, content string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subtitles = content
	b.job.EditedSubtitlePath = "uploads/" + jobID + "/edited_subtitles.srt"
	return b.job.EditedSubtitlePath, nil
}

func (b *Backend) TranslateSubtitles(_ context.Context, jobID, language, content string) (models.Translation, error) {
	return models.Translation{Language: language, Content: content, Path: fmt.Sprintf("uploads/%s/subtitles_%s.srt", jobID, language)}, nil
}

func (b *Backend) ChangeVoice(_ context.Context, _ string, opts models.VoiceOptions) (models.StageResponse, error) {
	b.mu.Lock()
	b.voice = opts
	b.mu.Unlock()
	resp, err := b.advance("voice", models.StepChangeVoice, models.StepCompleted, models.StatusVoiceChanged)
	if err != nil {
		return resp, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.job.VoiceHistory = append(b.job.VoiceHistory, models.VoiceHistoryEntry{VoiceID: opts.VoiceID, VoiceName: opts.VoiceName, Path: resp.ArtifactPath})
	resp.VoiceHistory = append([]models.VoiceHistoryEntry(nil), b.job.VoiceHistory...)
	return resp, nil
}

func (b *Backend) SkipVoiceChange(_ context.Context, _ string, reason string) (models.StageResponse, error) {
	b.mu.Lock()
	b.skipMsg = reason
	b.mu.Unlock()
	return b.advance("skip", models.StepChangeVoice, models.StepSkipped, models.StatusVoiceChangeSkipped)
}

func (b *Backend) VoiceHistory(context.Context, string) ([]models.VoiceHistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.VoiceHistoryEntry(nil), b.job.VoiceHistory...), nil
}

func (b *Backend) CompareVoice(_ context.Context, _ string, index int) (models.VoiceComparison, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.job.VoiceHistory) {
		return models.VoiceComparison{}, &backend.APIError{Op: "compare voice", StatusCode: 404, Message: "Voice not found"}
	}
	v := b.job.VoiceHistory[index]
	return models.VoiceComparison{GeneratedPath: v.Path, VoiceName: v.VoiceName}, nil
}

func (b *Backend) CleanAudio(context.Context, string, models.CleanOptions) (models.StageResponse, error) {
	return b.advance("clean", models.StepCleanAudio, models.StepCompleted, models.StatusAudioCleaned)
}

func (b *Backend) CreateFinalVideo(_ context.Context, _ string, opts models.FinalVideoOptions) (models.StageResponse, error) {
	b.mu.Lock()
	b.final = opts
	b.mu.Unlock()
	return b.advance("final", models.StepCreateFinalVideo, models.StepCompleted, models.StatusCompleted)
}

func (b *Backend) JobStatus(_ context.Context, jobID string) (models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jobID != b.job.ID {
		return models.Job{}, &backend.APIError{Op: "get job status", StatusCode: 404, Message: "Job not found"}
	}
	return b.job.Clone(), nil
}

func (b *Backend) VideoInfo(context.Context, string) (models.VideoInfo, error) {
	return models.VideoInfo{Duration: 12.5, Width: 1920, Height: 1080, FrameRate: 30, HasAudio: true}, nil
}

func (b *Backend) AvailableAudio(context.Context, string) ([]models.Artifact, error) {
	return []models.Artifact{{ID: "original", Name: "Original Audio", Type: "original"}}, nil
}

func (b *Backend) AvailableSubtitles(_ context.Context, jobID string) ([]models.Artifact, error) {
	return []models.Artifact{{ID: "original", Name: "Original Subtitles", Path: "uploads/" + jobID + "/subtitles.srt", Type: "original"}}, nil
}

func (b *Backend) Download(_ context.Context, _ string, artifact models.ArtifactType) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("data:" + string(artifact))), artifact.ContentType(), nil
}
