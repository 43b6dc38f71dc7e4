package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Transcription methods accepted by the backend.
const (
	MethodWhisper    = "whisper"
	MethodAssemblyAI = "assemblyai"
)

// Subtitle variants a voice change or final video can read from.
const (
	SubtitleOriginal = "original"
	SubtitleEdited   = "edited"
	SubtitleMarathi  = "marathi"
	SubtitleHindi    = "hindi"
)

// TranscriptionOptions configures the subtitle generation stage.
type TranscriptionOptions struct {
	Method    string `json:"method"`
	Language  string `json:"language"`
	ModelSize string `json:"model_size,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
}

// Normalize fills backend defaults and validates the method.
func (o *TranscriptionOptions) Normalize() error {
	if o.Method == "" {
		o.Method = MethodWhisper
	}
	if o.Language == "" {
		o.Language = "en"
	}
	switch o.Method {
	case MethodWhisper:
		if o.ModelSize == "" {
			o.ModelSize = "base"
		}
	case MethodAssemblyAI:
		if strings.TrimSpace(o.APIKey) == "" {
			return errors.New("assemblyai transcription requires an api key")
		}
	default:
		return fmt.Errorf("unknown transcription method %q", o.Method)
	}
	return nil
}

// VoiceOptions configures one text-to-speech generation attempt.
type VoiceOptions struct {
	VoiceID         string  `json:"voice_id"`
	VoiceName       string  `json:"voice_name,omitempty"`
	Stability       float64 `json:"stability"`
	Clarity         float64 `json:"clarity"`
	SubtitleVariant string  `json:"subtitle_variant,omitempty"`
	CustomText      string  `json:"custom_text,omitempty"`
}

// DefaultVoiceOptions mirrors the backend defaults. The voice id has none.
func DefaultVoiceOptions() VoiceOptions {
	return VoiceOptions{
		Stability:       0.5,
		Clarity:         0.75,
		SubtitleVariant: SubtitleOriginal,
	}
}

// UnmarshalJSON starts from DefaultVoiceOptions so omitted fields keep the
// backend defaults instead of zero.
func (o *VoiceOptions) UnmarshalJSON(data []byte) error {
	type plain VoiceOptions
	v := plain(DefaultVoiceOptions())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = VoiceOptions(v)
	return nil
}

// Normalize validates ranges and fills the default subtitle variant.
// Stability and clarity are sent as given; start from DefaultVoiceOptions.
func (o *VoiceOptions) Normalize() error {
	if strings.TrimSpace(o.VoiceID) == "" {
		return errors.New("voice id is required")
	}
	if o.Stability < 0 || o.Stability > 1 {
		return fmt.Errorf("stability %.2f out of range [0,1]", o.Stability)
	}
	if o.Clarity < 0 || o.Clarity > 1 {
		return fmt.Errorf("clarity %.2f out of range [0,1]", o.Clarity)
	}
	if o.SubtitleVariant == "" {
		o.SubtitleVariant = SubtitleOriginal
	}
	return nil
}

// CleanOptions configures noise reduction and filler removal.
type CleanOptions struct {
	NoiseReduction       bool    `json:"noise_reduction"`
	NoiseSensitivity     float64 `json:"noise_sensitivity"`
	FillerRemoval        bool    `json:"filler_removal"`
	FillerAggressiveness int     `json:"filler_aggressiveness"`
}

// DefaultCleanOptions mirrors the backend defaults.
func DefaultCleanOptions() CleanOptions {
	return CleanOptions{
		NoiseReduction:       true,
		NoiseSensitivity:     0.2,
		FillerRemoval:        true,
		FillerAggressiveness: 1,
	}
}

// Validate checks the backend's accepted ranges.
func (o CleanOptions) Validate() error {
	if o.NoiseSensitivity < 0 || o.NoiseSensitivity > 1 {
		return fmt.Errorf("noise sensitivity %.2f out of range [0,1]", o.NoiseSensitivity)
	}
	if o.FillerAggressiveness < 0 || o.FillerAggressiveness > 3 {
		return fmt.Errorf("filler aggressiveness %d out of range [0,3]", o.FillerAggressiveness)
	}
	return nil
}

// FinalVideoOptions configures the muxing stage.
type FinalVideoOptions struct {
	AudioID           string `json:"audio_id"`
	SubtitleID        string `json:"subtitle_id,omitempty"`
	FontSize          int    `json:"font_size"`
	Color             string `json:"color"`
	BackgroundOpacity int    `json:"background_opacity"`
	DirectFFmpeg      bool   `json:"direct_ffmpeg"`
}

// DefaultFinalVideoOptions mirrors the backend defaults.
func DefaultFinalVideoOptions() FinalVideoOptions {
	return FinalVideoOptions{
		AudioID:           "cleaned",
		FontSize:          24,
		Color:             "white",
		BackgroundOpacity: 80,
		DirectFFmpeg:      true,
	}
}

// Normalize fills empty audio id, font size and color and validates ranges.
// Opacity and the FFmpeg toggle are sent as given, so callers decode into
// DefaultFinalVideoOptions.
func (o *FinalVideoOptions) Normalize() error {
	if o.AudioID == "" {
		o.AudioID = "cleaned"
	}
	if o.FontSize == 0 {
		o.FontSize = 24
	}
	if o.Color == "" {
		o.Color = "white"
	}
	if o.BackgroundOpacity < 0 || o.BackgroundOpacity > 100 {
		return fmt.Errorf("background opacity %d out of range [0,100]", o.BackgroundOpacity)
	}
	if o.FontSize < 0 {
		return fmt.Errorf("font size %d must be positive", o.FontSize)
	}
	return nil
}

// NewPlan returns a plan for jobID with the backend defaults for every stage
// except the voice change, which is skipped.
func NewPlan(jobID string) Plan {
	return Plan{
		JobID: jobID,
		Clean: DefaultCleanOptions(),
		Final: DefaultFinalVideoOptions(),
	}
}

// Plan is an unattended run of every remaining stage of a job.
// A nil Voice skips the voice change stage.
type Plan struct {
	JobID         string               `json:"job_id"`
	Transcription TranscriptionOptions `json:"transcription"`
	Voice         *VoiceOptions        `json:"voice,omitempty"`
	Clean         CleanOptions         `json:"clean"`
	Final         FinalVideoOptions    `json:"final"`
	ExportFinal   bool                 `json:"export_final"`
}
