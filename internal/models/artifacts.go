package models

// ArtifactType selects a downloadable file produced by a stage.
type ArtifactType string

const (
	ArtifactAudio        ArtifactType = "audio"
	ArtifactSubtitles    ArtifactType = "subtitles"
	ArtifactCleanedAudio ArtifactType = "cleaned_audio"
	ArtifactFinalVideo   ArtifactType = "final_video"
)

// Valid reports whether t is a downloadable artifact type.
func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactAudio, ArtifactSubtitles, ArtifactCleanedAudio, ArtifactFinalVideo:
		return true
	}
	return false
}

// Extension is the file extension the backend serves the artifact with.
func (t ArtifactType) Extension() string {
	switch t {
	case ArtifactSubtitles:
		return "srt"
	case ArtifactFinalVideo:
		return "mp4"
	default:
		return "wav"
	}
}

// ContentType is the MIME type used when exporting the artifact.
func (t ArtifactType) ContentType() string {
	switch t {
	case ArtifactSubtitles:
		return "application/x-subrip"
	case ArtifactFinalVideo:
		return "video/mp4"
	default:
		return "audio/wav"
	}
}

// Artifact describes a selectable audio or subtitle file of a job.
type Artifact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	URLPath  string `json:"url_path"`
	Type     string `json:"type"`
	VoiceID  string `json:"voice_id,omitempty"`
	Language string `json:"language,omitempty"`
}

// ArtifactSet groups the selection inputs for the final video stage.
type ArtifactSet struct {
	Audio     []Artifact `json:"audio"`
	Subtitles []Artifact `json:"subtitles"`
}

// Translation is a translated subtitle variant.
type Translation struct {
	Language string `json:"language"`
	Content  string `json:"content"`
	Path     string `json:"path"`
}

// SubtitleCue is one timed subtitle line.
type SubtitleCue struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// VoiceComparison lines up the original audio against one generated voice.
type VoiceComparison struct {
	OriginalPath      string        `json:"original_path"`
	OriginalDuration  float64       `json:"original_duration"`
	GeneratedPath     string        `json:"generated_path"`
	GeneratedDuration float64       `json:"generated_duration"`
	VoiceName         string        `json:"voice_name"`
	Cues              []SubtitleCue `json:"cues"`
}
