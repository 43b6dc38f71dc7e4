package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"video-pipeline/internal/models"
)

// Wire shapes of the processing backend. Every response is decoded into one of
// these and normalised once; nothing past this file sees raw backend JSON.

type wireStep struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

type wireVoice struct {
	VoiceID           string  `json:"voice_id"`
	VoiceName         string  `json:"voice_name"`
	Timestamp         float64 `json:"timestamp"`
	Path              string  `json:"path"`
	URLPath           string  `json:"url_path"`
	Stability         float64 `json:"stability"`
	Clarity           float64 `json:"clarity"`
	SubtitleSelection string  `json:"subtitle_selection"`
}

type wireJob struct {
	ID                 string              `json:"id"`
	Filename           string              `json:"filename"`
	Status             string              `json:"status"`
	UploadTime         string              `json:"upload_time"`
	Steps              map[string]wireStep `json:"steps"`
	VoiceHistory       []wireVoice         `json:"voice_history"`
	EditedSubtitlePath string              `json:"edited_subtitle_path"`
	TranslatedMarathi  string              `json:"translated_subtitle_path_mr"`
	TranslatedHindi    string              `json:"translated_subtitle_path_hi"`
	FinalAudioID       string              `json:"final_audio_id"`
	FinalSubtitleID    string              `json:"final_subtitle_id"`
}

// wireStageBody is the union of the stage endpoints' response fields.
type wireStageBody struct {
	JobID                  string      `json:"job_id"`
	Status                 string      `json:"status"`
	Message                string      `json:"message"`
	Error                  string      `json:"error"`
	AudioPath              string      `json:"audio_path"`
	SubtitlePath           string      `json:"subtitle_path"`
	SubtitleContent        string      `json:"subtitle_content"`
	VoiceChangedAudioPath  string      `json:"voice_changed_audio_path"`
	VoiceHistory           []wireVoice `json:"voice_history"`
	CleanedAudioPath       string      `json:"cleaned_audio_path"`
	FinalVideoPath         string      `json:"final_video_path"`
	EditedSubtitlePath     string      `json:"edited_subtitle_path"`
	TranslatedContent      string      `json:"translated_content"`
	TranslatedSubtitlePath string      `json:"translated_subtitle_path"`
}

type wireUpload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type wireSubtitleContent struct {
	SubtitleContent *string `json:"subtitle_content"`
}

type wireVoiceHistory struct {
	VoiceHistory []wireVoice `json:"voice_history"`
}

type wireVideoInfo struct {
	VideoInfo *struct {
		Duration float64 `json:"duration"`
		FPS      float64 `json:"fps"`
		Width    int     `json:"width"`
		Height   int     `json:"height"`
		Audio    bool    `json:"audio"`
	} `json:"video_info"`
}

type wireAvailableAudio struct {
	AvailableAudio []models.Artifact `json:"available_audio"`
}

type wireAvailableSubtitles struct {
	AvailableSubtitles []models.Artifact `json:"available_subtitles"`
}

type wireComparison struct {
	OriginalAudio struct {
		Path     string  `json:"path"`
		Duration float64 `json:"duration"`
	} `json:"original_audio"`
	GeneratedAudio struct {
		Path      string  `json:"path"`
		Duration  float64 `json:"duration"`
		VoiceName string  `json:"voice_name"`
	} `json:"generated_audio"`
	SubtitleTiming []models.SubtitleCue `json:"subtitle_timing"`
}

// wireError covers both FastAPI's {"detail": ...} and the stage endpoints'
// {"status": "failed", "error": ...} bodies.
type wireError struct {
	Detail any    `json:"detail"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

var translationLanguages = map[string]string{
	"mr": models.SubtitleMarathi,
	"hi": models.SubtitleHindi,
}

func normalizeJob(w wireJob) (models.Job, error) {
	if strings.TrimSpace(w.ID) == "" {
		return models.Job{}, errors.New("job id missing")
	}
	status := models.JobStatus(w.Status)
	if !status.Known() {
		return models.Job{}, fmt.Errorf("unknown job status %q", w.Status)
	}

	job := models.Job{
		ID:                 w.ID,
		Filename:           w.Filename,
		Status:             status,
		UploadTime:         w.UploadTime,
		Steps:              make(map[models.StepName]models.StepResult, len(w.Steps)),
		EditedSubtitlePath: w.EditedSubtitlePath,
		FinalAudioID:       w.FinalAudioID,
		FinalSubtitleID:    w.FinalSubtitleID,
	}
	for name, step := range w.Steps {
		result, ok, err := normalizeStep(step)
		if err != nil {
			return models.Job{}, fmt.Errorf("step %s: %w", name, err)
		}
		if ok {
			job.Steps[models.StepName(name)] = result
		}
	}
	if w.TranslatedMarathi != "" || w.TranslatedHindi != "" {
		job.TranslatedSubtitlePaths = map[string]string{}
		if w.TranslatedMarathi != "" {
			job.TranslatedSubtitlePaths["mr"] = w.TranslatedMarathi
		}
		if w.TranslatedHindi != "" {
			job.TranslatedSubtitlePaths["hi"] = w.TranslatedHindi
		}
	}
	job.VoiceHistory = normalizeVoices(w.VoiceHistory)
	return job, nil
}

// normalizeStep drops the backend's "pending" placeholder so that an absent
// entry is the only representation of a stage that has not run.
func normalizeStep(w wireStep) (models.StepResult, bool, error) {
	switch strings.ToLower(w.Status) {
	case "", "pending":
		return models.StepResult{}, false, nil
	case string(models.StepCompleted):
		return models.StepResult{Status: models.StepCompleted, Path: w.Path}, true, nil
	case string(models.StepFailed):
		return models.StepResult{Status: models.StepFailed, Error: w.Error}, true, nil
	case string(models.StepSkipped):
		return models.StepResult{Status: models.StepSkipped, Error: w.Error}, true, nil
	default:
		return models.StepResult{}, false, fmt.Errorf("unknown step status %q", w.Status)
	}
}

func normalizeVoices(in []wireVoice) []models.VoiceHistoryEntry {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.VoiceHistoryEntry, 0, len(in))
	for _, v := range in {
		entry := models.VoiceHistoryEntry{
			VoiceID:         v.VoiceID,
			VoiceName:       v.VoiceName,
			Stability:       v.Stability,
			Clarity:         v.Clarity,
			SubtitleVariant: v.SubtitleSelection,
			Path:            v.Path,
			URLPath:         v.URLPath,
		}
		if v.Timestamp > 0 {
			entry.CreatedAt = time.Unix(int64(v.Timestamp), 0).UTC()
		}
		out = append(out, entry)
	}
	return out
}

func normalizeStage(w wireStageBody, artifact string) (models.StageResponse, error) {
	status := models.JobStatus(w.Status)
	if !status.Known() {
		return models.StageResponse{}, fmt.Errorf("unexpected stage status %q", w.Status)
	}
	return models.StageResponse{
		JobID:        w.JobID,
		Status:       status,
		ArtifactPath: artifact,
		Content:      w.SubtitleContent,
		Message:      w.Message,
		VoiceHistory: normalizeVoices(w.VoiceHistory),
	}, nil
}

func detailMessage(detail any) string {
	switch d := detail.(type) {
	case nil:
		return ""
	case string:
		return d
	case []any:
		parts := make([]string, 0, len(d))
		for _, item := range d {
			if m, ok := item.(map[string]any); ok {
				if msg, ok := m["msg"].(string); ok {
					parts = append(parts, msg)
					continue
				}
			}
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(d)
	}
}
