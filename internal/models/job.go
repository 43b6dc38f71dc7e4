package models

import (
	"time"
)

// JobStatus is the backend-reported pipeline status of a job. Each value
// names the last stage that completed.
type JobStatus string

// JobStatus values reported by the processing backend.
const (
	StatusUploaded           JobStatus = "uploaded"
	StatusAudioExtracted     JobStatus = "audio_extracted"
	StatusSubtitlesGenerated JobStatus = "subtitles_generated"
	StatusVoiceChanged       JobStatus = "voice_changed"
	StatusVoiceChangeSkipped JobStatus = "voice_change_skipped"
	StatusAudioCleaned       JobStatus = "audio_cleaned"
	StatusCompleted          JobStatus = "completed"
)

// Known reports whether s belongs to the closed set of job statuses.
func (s JobStatus) Known() bool {
	switch s {
	case StatusUploaded, StatusAudioExtracted, StatusSubtitlesGenerated,
		StatusVoiceChanged, StatusVoiceChangeSkipped, StatusAudioCleaned, StatusCompleted:
		return true
	}
	return false
}

// StepName keys the per-stage results inside a job snapshot.
type StepName string

const (
	StepExtractAudio      StepName = "extract_audio"
	StepGenerateSubtitles StepName = "generate_subtitles"
	StepChangeVoice       StepName = "change_voice"
	StepCleanAudio        StepName = "clean_audio"
	StepCreateFinalVideo  StepName = "create_final_video"
)

// StepStatus is the stage-local outcome, distinct from the job-level status.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished one way or another.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepResult is the outcome of one pipeline stage.
type StepResult struct {
	Status StepStatus `json:"status"`
	Path   string     `json:"path,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Job is the authoritative snapshot of a processing job as reported by the backend.
// Steps only holds stages that have run; an absent entry means "not yet run".
type Job struct {
	ID                      string                  `json:"id"`
	Filename                string                  `json:"filename,omitempty"`
	Status                  JobStatus               `json:"status"`
	UploadTime              string                  `json:"upload_time,omitempty"`
	Steps                   map[StepName]StepResult `json:"steps"`
	VoiceHistory            []VoiceHistoryEntry     `json:"voice_history,omitempty"`
	EditedSubtitlePath      string                  `json:"edited_subtitle_path,omitempty"`
	TranslatedSubtitlePaths map[string]string       `json:"translated_subtitle_paths,omitempty"`
	FinalAudioID            string                  `json:"final_audio_id,omitempty"`
	FinalSubtitleID         string                  `json:"final_subtitle_id,omitempty"`
}

// Step returns the result recorded for name, if the stage has run.
func (j Job) Step(name StepName) (StepResult, bool) {
	if j.Steps == nil {
		return StepResult{}, false
	}
	r, ok := j.Steps[name]
	return r, ok
}

// Clone returns a deep copy so callers can hand snapshots to views safely.
func (j Job) Clone() Job {
	out := j
	if j.Steps != nil {
		out.Steps = make(map[StepName]StepResult, len(j.Steps))
		for k, v := range j.Steps {
			out.Steps[k] = v
		}
	}
	if j.VoiceHistory != nil {
		out.VoiceHistory = append([]VoiceHistoryEntry(nil), j.VoiceHistory...)
	}
	if j.TranslatedSubtitlePaths != nil {
		out.TranslatedSubtitlePaths = make(map[string]string, len(j.TranslatedSubtitlePaths))
		for k, v := range j.TranslatedSubtitlePaths {
			out.TranslatedSubtitlePaths[k] = v
		}
	}
	return out
}

// VoiceHistoryEntry records one text-to-speech generation attempt. Entries are
// never mutated once created.
type VoiceHistoryEntry struct {
	VoiceID         string    `json:"voice_id"`
	VoiceName       string    `json:"voice_name"`
	Stability       float64   `json:"stability"`
	Clarity         float64   `json:"clarity"`
	SubtitleVariant string    `json:"subtitle_selection,omitempty"`
	Path            string    `json:"path"`
	URLPath         string    `json:"url_path"`
	CreatedAt       time.Time `json:"created_at"`
}

// StageResponse is the normalised body of a stage-advancing backend call.
type StageResponse struct {
	JobID        string              `json:"job_id"`
	Status       JobStatus           `json:"status"`
	ArtifactPath string              `json:"artifact_path,omitempty"`
	Content      string              `json:"content,omitempty"`
	Message      string              `json:"message,omitempty"`
	VoiceHistory []VoiceHistoryEntry `json:"voice_history,omitempty"`
}

// VideoInfo is informational metadata about the uploaded video.
type VideoInfo struct {
	Duration  float64 `json:"duration"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	HasAudio  bool    `json:"has_audio"`
}

// TrackedJob is a journal row for a job this service follows.
type TrackedJob struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	VoiceSelection int       `json:"voice_selection"`
	TrackedAt      time.Time `json:"tracked_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
