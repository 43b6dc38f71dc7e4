package pipeline

import (
	"fmt"

	"video-pipeline/internal/models"
)

// Stage is a position in the fixed pipeline order.
type Stage int

const (
	StageUpload Stage = iota
	StageExtractAudio
	StageGenerateSubtitles
	StageChangeVoice
	StageCleanAudio
	StageCreateFinalVideo
)

// NoStage marks the absence of a running stage.
const NoStage Stage = -1

var stageNames = [...]string{
	StageUpload:            "upload",
	StageExtractAudio:      "extract-audio",
	StageGenerateSubtitles: "generate-subtitles",
	StageChangeVoice:       "change-voice",
	StageCleanAudio:        "clean-audio",
	StageCreateFinalVideo:  "create-final-video",
}

var stageSteps = [...]models.StepName{
	StageExtractAudio:      models.StepExtractAudio,
	StageGenerateSubtitles: models.StepGenerateSubtitles,
	StageChangeVoice:       models.StepChangeVoice,
	StageCleanAudio:        models.StepCleanAudio,
	StageCreateFinalVideo:  models.StepCreateFinalVideo,
}

// Stages lists every stage in order.
func Stages() []Stage {
	return []Stage{StageUpload, StageExtractAudio, StageGenerateSubtitles, StageChangeVoice, StageCleanAudio, StageCreateFinalVideo}
}

func (s Stage) String() string {
	if !s.Valid() {
		return "none"
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	parsed, ok := ParseStage(string(b))
	if !ok && string(b) != "none" {
		return fmt.Errorf("unknown stage %q", b)
	}
	*s = parsed
	return nil
}

// Valid reports whether s is one of the six stages.
func (s Stage) Valid() bool {
	return s >= StageUpload && s <= StageCreateFinalVideo
}

// Step is the key of the stage's entry in Job.Steps. Upload has none.
func (s Stage) Step() models.StepName {
	if s <= StageUpload || s > StageCreateFinalVideo {
		return ""
	}
	return stageSteps[s]
}

// ParseStage resolves a stage from its String form.
func ParseStage(name string) (Stage, bool) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), true
		}
	}
	return NoStage, false
}

// StageForStatus maps a backend job status to the stage it denotes as complete.
func StageForStatus(status models.JobStatus) (Stage, bool) {
	switch status {
	case models.StatusUploaded:
		return StageUpload, true
	case models.StatusAudioExtracted:
		return StageExtractAudio, true
	case models.StatusSubtitlesGenerated:
		return StageGenerateSubtitles, true
	case models.StatusVoiceChanged, models.StatusVoiceChangeSkipped:
		return StageChangeVoice, true
	case models.StatusAudioCleaned:
		return StageCleanAudio, true
	case models.StatusCompleted:
		return StageCreateFinalVideo, true
	}
	return NoStage, false
}

// Reached is the last stage the backend reports as complete.
func Reached(job models.Job) Stage {
	s, ok := StageForStatus(job.Status)
	if !ok {
		return NoStage
	}
	return s
}

// Active is the stage a view should offer next. A completed job stays on the
// final stage.
func Active(job models.Job) Stage {
	r := Reached(job)
	if r == NoStage {
		return StageUpload
	}
	if r >= StageCreateFinalVideo {
		return StageCreateFinalVideo
	}
	return r + 1
}

// Eligible reports whether stage may run now: the next stage forward, or a
// re-run of one already reached. Upload is never run through a job.
func Eligible(job models.Job, stage Stage) bool {
	if stage <= StageUpload || stage > StageCreateFinalVideo {
		return false
	}
	r := Reached(job)
	if r == NoStage {
		return false
	}
	return stage <= r+1
}

// StepState is the view status of one stage.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// StageView is what a view renders for one stage.
type StageView struct {
	Stage  Stage     `json:"stage"`
	State  StepState `json:"state"`
	Path   string    `json:"path,omitempty"`
	Error  string    `json:"error,omitempty"`
	Active bool      `json:"active"`
}

// Views derives the per-stage view from a snapshot. running marks the stage
// with an action in flight, or NoStage.
func Views(job models.Job, running Stage) []StageView {
	active := Active(job)
	out := make([]StageView, 0, len(stageNames))
	for _, s := range Stages() {
		v := StageView{Stage: s, State: StepPending, Active: s == active}
		if s == StageUpload {
			if Reached(job) != NoStage {
				v.State = StepCompleted
			}
		} else if step, ok := job.Step(s.Step()); ok {
			switch step.Status {
			case models.StepCompleted:
				v.State = StepCompleted
				v.Path = step.Path
			case models.StepFailed:
				v.State = StepFailed
				v.Error = step.Error
			case models.StepSkipped:
				v.State = StepSkipped
				v.Error = step.Error
			}
		}
		if s == running {
			v.State = StepRunning
		}
		out = append(out, v)
	}
	return out
}
