package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"video-pipeline/internal/backend"
	"video-pipeline/internal/models"
)

// fakeBackend is an in-memory stand-in for the processing backend that
// follows its status transitions.
type fakeBackend struct {
	mu  sync.Mutex
	job models.Job

	subtitles string
	edited    string

	// Subtitle generation completes on the pollsUntilDone-th status fetch
	// after the request started; a negative value never completes.
	pollsUntilDone int
	genFailure     string
	genStarted     bool
	genPolls       int
	genDone        chan struct{}

	statusErrors int
	statusCalls  int

	extractGate    chan struct{}
	extractStarted chan struct{}
	extractErr     error
	extractCalls   int

	credits    int
	voiceCalls []models.VoiceOptions
	finalOpts  []models.FinalVideoOptions
}

func newFakeBackend(jobID string) *fakeBackend {
	return &fakeBackend{
		job: models.Job{
			ID:       jobID,
			Filename: "clip.mp4",
			Status:   models.StatusUploaded,
			Steps:    map[models.StepName]models.StepResult{},
		},
		subtitles:      "1\n00:00:00,000 --> 00:00:01,000\nhello\n",
		pollsUntilDone: 1,
		credits:        100,
	}
}

func (f *fakeBackend) setStep(name models.StepName, r models.StepResult, status models.JobStatus) {
	f.job.Steps[name] = r
	if status != "" {
		f.job.Status = status
	}
}

func (f *fakeBackend) Upload(_ context.Context, filename string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.Filename = filename
	return f.job.ID, nil
}

func (f *fakeBackend) ExtractAudio(ctx context.Context, jobID string) (models.StageResponse, error) {
	f.mu.Lock()
	f.extractCalls++
	gate, started, failure := f.extractGate, f.extractStarted, f.extractErr
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.StageResponse{}, &backend.TransportError{Op: "extract audio", Err: ctx.Err()}
		}
	}
	if failure != nil {
		return models.StageResponse{}, failure
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	path := "uploads/" + jobID + "/audio.wav"
	f.setStep(models.StepExtractAudio, models.StepResult{Status: models.StepCompleted, Path: path}, models.StatusAudioExtracted)
	return models.StageResponse{JobID: jobID, Status: models.StatusAudioExtracted, ArtifactPath: path}, nil
}

func (f *fakeBackend) GenerateSubtitles(ctx context.Context, jobID string, _ models.TranscriptionOptions) (models.StageResponse, error) {
	f.mu.Lock()
	f.genStarted = true
	f.genPolls = 0
	f.genDone = make(chan struct{})
	done := f.genDone
	f.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return models.StageResponse{}, &backend.TransportError{Op: "generate subtitles", Err: ctx.Err()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genFailure != "" {
		return models.StageResponse{}, &backend.StageFailedError{Op: "generate subtitles", Step: models.StepGenerateSubtitles, Message: f.genFailure}
	}
	return models.StageResponse{
		JobID:        jobID,
		Status:       models.StatusSubtitlesGenerated,
		ArtifactPath: "uploads/" + jobID + "/subtitles.srt",
		Content:      f.subtitles,
	}, nil
}

func (f *fakeBackend) SubtitleContent(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edited != "" {
		return f.edited, nil
	}
	return f.subtitles, nil
}

func (f *fakeBackend) SaveSubtitles(_ context.Context, jobID, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = content
	f.job.EditedSubtitlePath = "uploads/" + jobID + "/edited_subtitles.srt"
	return f.job.EditedSubtitlePath, nil
}

func (f *fakeBackend) TranslateSubtitles(_ context.Context, jobID, language, content string) (models.Translation, error) {
	if language != "mr" && language != "hi" {
		return models.Translation{}, &backend.APIError{Op: "translate subtitles", StatusCode: 400, Message: "Unsupported language"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	path := fmt.Sprintf("uploads/%s/subtitles_%s.srt", jobID, language)
	if f.job.TranslatedSubtitlePaths == nil {
		f.job.TranslatedSubtitlePaths = map[string]string{}
	}
	f.job.TranslatedSubtitlePaths[language] = path
	return models.Translation{Language: language, Content: "[" + language + "] " + content, Path: path}, nil
}

func (f *fakeBackend) ChangeVoice(_ context.Context, jobID string, opts models.VoiceOptions) (models.StageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceCalls = append(f.voiceCalls, opts)
	if f.credits <= 0 {
		f.setStep(models.StepChangeVoice, models.StepResult{Status: models.StepSkipped, Error: "Not enough credits"}, models.StatusVoiceChangeSkipped)
		return models.StageResponse{JobID: jobID, Status: models.StatusVoiceChangeSkipped, Message: "Not enough credits"}, nil
	}
	f.credits--
	n := len(f.job.VoiceHistory)
	path := fmt.Sprintf("outputs/%s/voice_%d.mp3", jobID, n)
	f.job.VoiceHistory = append(f.job.VoiceHistory, models.VoiceHistoryEntry{
		VoiceID:         opts.VoiceID,
		VoiceName:       opts.VoiceName,
		Stability:       opts.Stability,
		Clarity:         opts.Clarity,
		SubtitleVariant: opts.SubtitleVariant,
		Path:            path,
		URLPath:         "/" + path,
	})
	f.setStep(models.StepChangeVoice, models.StepResult{Status: models.StepCompleted, Path: path}, models.StatusVoiceChanged)
	return models.StageResponse{
		JobID:        jobID,
		Status:       models.StatusVoiceChanged,
		ArtifactPath: path,
		VoiceHistory: append([]models.VoiceHistoryEntry(nil), f.job.VoiceHistory...),
	}, nil
}

func (f *fakeBackend) SkipVoiceChange(_ context.Context, jobID, reason string) (models.StageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStep(models.StepChangeVoice, models.StepResult{Status: models.StepSkipped, Error: reason}, models.StatusVoiceChangeSkipped)
	msg := reason
	if msg == "" {
		msg = "Voice changing step was skipped"
	}
	return models.StageResponse{JobID: jobID, Status: models.StatusVoiceChangeSkipped, Message: msg}, nil
}

func (f *fakeBackend) VoiceHistory(context.Context, string) ([]models.VoiceHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.VoiceHistoryEntry(nil), f.job.VoiceHistory...), nil
}

func (f *fakeBackend) CompareVoice(_ context.Context, _ string, index int) (models.VoiceComparison, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.job.VoiceHistory) {
		return models.VoiceComparison{}, &backend.APIError{Op: "compare voice", StatusCode: 404, Message: "Voice not found"}
	}
	v := f.job.VoiceHistory[index]
	return models.VoiceComparison{GeneratedPath: v.Path, VoiceName: v.VoiceName}, nil
}

func (f *fakeBackend) CleanAudio(_ context.Context, jobID string, _ models.CleanOptions) (models.StageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := "outputs/" + jobID + "/cleaned_audio.wav"
	f.setStep(models.StepCleanAudio, models.StepResult{Status: models.StepCompleted, Path: path}, models.StatusAudioCleaned)
	return models.StageResponse{JobID: jobID, Status: models.StatusAudioCleaned, ArtifactPath: path}, nil
}

func (f *fakeBackend) CreateFinalVideo(_ context.Context, jobID string, opts models.FinalVideoOptions) (models.StageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalOpts = append(f.finalOpts, opts)
	path := "outputs/" + jobID + "/final_video.mp4"
	f.job.FinalAudioID = opts.AudioID
	f.job.FinalSubtitleID = opts.SubtitleID
	f.setStep(models.StepCreateFinalVideo, models.StepResult{Status: models.StepCompleted, Path: path}, models.StatusCompleted)
	return models.StageResponse{JobID: jobID, Status: models.StatusCompleted, ArtifactPath: path}, nil
}

func (f *fakeBackend) JobStatus(_ context.Context, jobID string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID != f.job.ID {
		return models.Job{}, &backend.APIError{Op: "get job status", StatusCode: 404, Message: "Job not found"}
	}
	f.statusCalls++
	if f.statusErrors > 0 {
		f.statusErrors--
		return models.Job{}, &backend.TransportError{Op: "get job status", Err: errors.New("connection reset by peer")}
	}
	if f.genStarted {
		f.genPolls++
		if f.pollsUntilDone >= 0 && f.genPolls >= f.pollsUntilDone {
			f.genStarted = false
			if f.genFailure != "" {
				f.setStep(models.StepGenerateSubtitles, models.StepResult{Status: models.StepFailed, Error: f.genFailure}, "")
			} else {
				f.setStep(models.StepGenerateSubtitles, models.StepResult{Status: models.StepCompleted, Path: "uploads/" + jobID + "/subtitles.srt"}, models.StatusSubtitlesGenerated)
			}
			close(f.genDone)
		}
	}
	return f.job.Clone(), nil
}

func (f *fakeBackend) VideoInfo(context.Context, string) (models.VideoInfo, error) {
	return models.VideoInfo{Duration: 12.5, Width: 1920, Height: 1080, FrameRate: 30, HasAudio: true}, nil
}

func (f *fakeBackend) AvailableAudio(_ context.Context, jobID string) ([]models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Artifact{{ID: "original", Name: "Original Audio", Type: "original"}}
	if s, ok := f.job.Step(models.StepCleanAudio); ok && s.Status == models.StepCompleted {
		out = append(out, models.Artifact{ID: "cleaned", Name: "Cleaned Audio", Path: s.Path, Type: "cleaned"})
	}
	for i, v := range f.job.VoiceHistory {
		out = append(out, models.Artifact{ID: fmt.Sprintf("voice_%d", i), Name: v.VoiceName, Path: v.Path, Type: "voice_changed", VoiceID: v.VoiceID})
	}
	return out, nil
}

func (f *fakeBackend) AvailableSubtitles(_ context.Context, jobID string) ([]models.Artifact, error) {
	return []models.Artifact{{ID: "original", Name: "Original Subtitles", Path: "uploads/" + jobID + "/subtitles.srt", Type: "original"}}, nil
}

func (f *fakeBackend) Download(_ context.Context, _ string, artifact models.ArtifactType) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("data:" + string(artifact))), artifact.ContentType(), nil
}

func (f *fakeBackend) status() models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job.Status
}
