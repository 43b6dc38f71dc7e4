package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"video-pipeline/internal/models"
)

const maxErrorBody = 64 * 1024

// Client talks to the video processing backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for baseURL. A zero timeout leaves requests bounded only
// by their context.
func New(baseURL string, timeout time.Duration) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout})
}

// NewWithHTTPClient builds a client around an existing http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
	}
}

// Upload sends a video file and returns the id of the job the backend created.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	const op = "upload video"
	if strings.TrimSpace(filename) == "" {
		return "", errors.New("upload video: filename is required")
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create multipart file: %w", err))
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(fmt.Errorf("copy video data: %w", err))
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload-video/", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out wireUpload
	if err := c.do(req, op, "", &out); err != nil {
		pr.Close()
		return "", err
	}
	if out.JobID == "" {
		return "", &MalformedResponseError{Op: op, Err: errors.New("job_id missing")}
	}
	return out.JobID, nil
}

// ExtractAudio runs stage 1.
func (c *Client) ExtractAudio(ctx context.Context, jobID string) (models.StageResponse, error) {
	const op = "extract audio"
	var body wireStageBody
	if err := c.postForm(ctx, op, models.StepExtractAudio, "/extract-audio/"+url.PathEscape(jobID), nil, &body); err != nil {
		return models.StageResponse{}, err
	}
	return c.stage(op, body, body.AudioPath)
}

// GenerateSubtitles runs stage 2. The call may outlive any reasonable request
// timeout; callers poll JobStatus alongside it.
func (c *Client) GenerateSubtitles(ctx context.Context, jobID string, opts models.TranscriptionOptions) (models.StageResponse, error) {
	const op = "generate subtitles"
	form := url.Values{}
	form.Set("transcription_method", opts.Method)
	form.Set("language", opts.Language)
	if opts.ModelSize != "" {
		form.Set("whisper_model_size", opts.ModelSize)
	}
	if opts.APIKey != "" {
		form.Set("assemblyai_api_key", opts.APIKey)
	}
	var body wireStageBody
	if err := c.postForm(ctx, op, models.StepGenerateSubtitles, "/generate-subtitles/"+url.PathEscape(jobID), form, &body); err != nil {
		return models.StageResponse{}, err
	}
	return c.stage(op, body, body.SubtitlePath)
}

// SubtitleContent returns the current subtitle text, preferring an edited version.
func (c *Client) SubtitleContent(ctx context.Context, jobID string) (string, error) {
	const op = "fetch subtitle content"
	var out wireSubtitleContent
	if err := c.get(ctx, op, "/subtitle-content/"+url.PathEscape(jobID), &out); err != nil {
		return "", err
	}
	if out.SubtitleContent == nil {
		return "", &MalformedResponseError{Op: op, Err: errors.New("subtitle_content missing")}
	}
	return *out.SubtitleContent, nil
}

// SaveSubtitles stores edited subtitle text and returns its locator. The job
// status is left untouched.
func (c *Client) SaveSubtitles(ctx context.Context, jobID, content string) (string, error) {
	const op = "save edited subtitles"
	form := url.Values{}
	form.Set("subtitle_content", content)
	var body wireStageBody
	if err := c.postForm(ctx, op, "", "/save-edited-subtitles/"+url.PathEscape(jobID), form, &body); err != nil {
		return "", err
	}
	if body.EditedSubtitlePath == "" {
		return "", &MalformedResponseError{Op: op, Err: errors.New("edited_subtitle_path missing")}
	}
	return body.EditedSubtitlePath, nil
}

// TranslateSubtitles translates content into language ("mr" or "hi").
func (c *Client) TranslateSubtitles(ctx context.Context, jobID, language, content string) (models.Translation, error) {
	const op = "translate subtitles"
	if _, ok := translationLanguages[language]; !ok {
		return models.Translation{}, fmt.Errorf("translate subtitles: unsupported language %q", language)
	}
	form := url.Values{}
	form.Set("target_language", language)
	form.Set("content", content)
	var body wireStageBody
	if err := c.postForm(ctx, op, "", "/translate-subtitles/"+url.PathEscape(jobID), form, &body); err != nil {
		return models.Translation{}, err
	}
	if body.TranslatedSubtitlePath == "" {
		return models.Translation{}, &MalformedResponseError{Op: op, Err: errors.New("translated_subtitle_path missing")}
	}
	return models.Translation{
		Language: language,
		Content:  body.TranslatedContent,
		Path:     body.TranslatedSubtitlePath,
	}, nil
}

// ChangeVoice runs stage 3. A backend that cannot generate the voice (for
// example when credits run out) answers with a skipped status and a message.
func (c *Client) ChangeVoice(ctx context.Context, jobID string, opts models.VoiceOptions) (models.StageResponse, error) {
	const op = "change voice"
	form := url.Values{}
	form.Set("voice_id", opts.VoiceID)
	form.Set("stability", formatFloat(opts.Stability))
	form.Set("clarity", formatFloat(opts.Clarity))
	form.Set("subtitle_selection", opts.SubtitleVariant)
	if opts.VoiceName != "" {
		form.Set("voice_name", opts.VoiceName)
	}
	if opts.CustomText != "" {
		form.Set("custom_text", opts.CustomText)
	}
	var body wireStageBody
	if err := c.postForm(ctx, op, models.StepChangeVoice, "/change-voice/"+url.PathEscape(jobID), form, &body); err != nil {
		return models.StageResponse{}, err
	}
	return c.stage(op, body, body.VoiceChangedAudioPath)
}

// SkipVoiceChange takes the alternate stage 3 transition. A non-empty reason
// is stored on the skipped step.
func (c *Client) SkipVoiceChange(ctx context.Context, jobID, reason string) (models.StageResponse, error) {
	const op = "skip voice change"
	path := "/skip-voice-change/" + url.PathEscape(jobID)
	if reason != "" {
		path += "?" + url.Values{"error_message": {reason}}.Encode()
	}
	var body wireStageBody
	if err := c.postForm(ctx, op, models.StepChangeVoice, path, nil, &body); err != nil {
		return models.StageResponse{}, err
	}
	return c.stage(op, body, "")
}

// VoiceHistory lists every voice generation attempt, oldest first.
func (c *Client) VoiceHistory(ctx context.Context, jobID string) ([]models.VoiceHistoryEntry, error) {
	var out wireVoiceHistory
	if err := c.get(ctx, "fetch voice history", "/voice-history/"+url.PathEscape(jobID), &out); err != nil {
		return nil, err
	}
	return normalizeVoices(out.VoiceHistory), nil
}

// CompareVoice lines up the original audio with voice history entry index.
func (c *Client) CompareVoice(ctx context.Context, jobID string, index int) (models.VoiceComparison, error) {
	var out wireComparison
	path := fmt.Sprintf("/compare-audio/%s/%d", url.PathEscape(jobID), index)
	if err := c.get(ctx, "compare voice", path, &out); err != nil {
		return models.VoiceComparison{}, err
	}
	return models.VoiceComparison{
		OriginalPath:      out.OriginalAudio.Path,
		OriginalDuration:  out.OriginalAudio.Duration,
		GeneratedPath:     out.GeneratedAudio.Path,
		GeneratedDuration: out.GeneratedAudio.Duration,
		VoiceName:         out.GeneratedAudio.VoiceName,
		Cues:              out.SubtitleTiming,
	}, nil
}

// CleanAudio runs stage 4.
func (c *Client) CleanAudio(ctx context.Context, jobID string, opts models.CleanOptions) (models.StageResponse, error) {
	const op = "clean audio"
	form := url.Values{}
	form.Set("enable_noise_reduction", strconv.FormatBool(opts.NoiseReduction))
	form.Set("noise_reduction_sensitivity", formatFloat(opts.NoiseSensitivity))
	form.Set("enable_vad_cleaning", strconv.FormatBool(opts.FillerRemoval))
	form.Set("vad_aggressiveness", strconv.Itoa(opts.FillerAggressiveness))
	var body wireStageBody
	if err := c.postForm(ctx, op, models.StepCleanAudio, "/clean-audio/"+url.PathEscape(jobID), form, &body); err != nil {
		return models.StageResponse{}, err
	}
	return c.stage(op, body, body.CleanedAudioPath)
}

// CreateFinalVideo runs stage 5.
func (c *Client) CreateFinalVideo(ctx context.Context, jobID string, opts models.FinalVideoOptions) (models.StageResponse, error) {
	const op = "create final video"
	form := url.Values{}
	form.Set("audio_id", opts.AudioID)
	if opts.SubtitleID != "" {
		form.Set("subtitle_id", opts.SubtitleID)
	}
	form.Set("font_size", strconv.Itoa(opts.FontSize))
	form.Set("subtitle_color", opts.Color)
	form.Set("subtitle_bg_opacity", strconv.Itoa(opts.BackgroundOpacity))
	form.Set("use_direct_ffmpeg", strconv.FormatBool(opts.DirectFFmpeg))
	var body wireStageBody
	if err := c.postForm(ctx, op, models.StepCreateFinalVideo, "/create-final-video/"+url.PathEscape(jobID), form, &body); err != nil {
		return models.StageResponse{}, err
	}
	return c.stage(op, body, body.FinalVideoPath)
}

// JobStatus fetches the authoritative job snapshot.
func (c *Client) JobStatus(ctx context.Context, jobID string) (models.Job, error) {
	const op = "get job status"
	var out wireJob
	if err := c.get(ctx, op, "/job-status/"+url.PathEscape(jobID), &out); err != nil {
		return models.Job{}, err
	}
	job, err := normalizeJob(out)
	if err != nil {
		return models.Job{}, &MalformedResponseError{Op: op, Err: err}
	}
	return job, nil
}

// VideoInfo returns duration, resolution and frame rate of the uploaded video.
func (c *Client) VideoInfo(ctx context.Context, jobID string) (models.VideoInfo, error) {
	const op = "get video info"
	var out wireVideoInfo
	if err := c.get(ctx, op, "/video-info/"+url.PathEscape(jobID), &out); err != nil {
		return models.VideoInfo{}, err
	}
	if out.VideoInfo == nil {
		return models.VideoInfo{}, &MalformedResponseError{Op: op, Err: errors.New("video_info missing")}
	}
	return models.VideoInfo{
		Duration:  out.VideoInfo.Duration,
		Width:     out.VideoInfo.Width,
		Height:    out.VideoInfo.Height,
		FrameRate: out.VideoInfo.FPS,
		HasAudio:  out.VideoInfo.Audio,
	}, nil
}

// AvailableAudio lists the audio tracks selectable for the final video.
func (c *Client) AvailableAudio(ctx context.Context, jobID string) ([]models.Artifact, error) {
	var out wireAvailableAudio
	if err := c.get(ctx, "list available audio", "/available-audio/"+url.PathEscape(jobID), &out); err != nil {
		return nil, err
	}
	if out.AvailableAudio == nil {
		return []models.Artifact{}, nil
	}
	return out.AvailableAudio, nil
}

// AvailableSubtitles lists the subtitle files selectable for the final video.
func (c *Client) AvailableSubtitles(ctx context.Context, jobID string) ([]models.Artifact, error) {
	var out wireAvailableSubtitles
	if err := c.get(ctx, "list available subtitles", "/available-subtitles/"+url.PathEscape(jobID), &out); err != nil {
		return nil, err
	}
	if out.AvailableSubtitles == nil {
		return []models.Artifact{}, nil
	}
	return out.AvailableSubtitles, nil
}

// Download streams an artifact. The caller closes the returned body.
func (c *Client) Download(ctx context.Context, jobID string, artifact models.ArtifactType) (io.ReadCloser, string, error) {
	const op = "download artifact"
	if !artifact.Valid() {
		return nil, "", fmt.Errorf("download artifact: unknown type %q", artifact)
	}
	path := fmt.Sprintf("/download/%s/%s", url.PathEscape(jobID), artifact)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, "", decodeError(op, "", resp)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = artifact.ContentType()
	}
	return resp.Body, contentType, nil
}

func (c *Client) stage(op string, body wireStageBody, artifact string) (models.StageResponse, error) {
	resp, err := normalizeStage(body, artifact)
	if err != nil {
		return models.StageResponse{}, &MalformedResponseError{Op: op, Err: err}
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	return c.do(req, op, "", out)
}

func (c *Client) postForm(ctx context.Context, op string, step models.StepName, path string, form url.Values, out any) error {
	if form == nil {
		form = url.Values{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, op, step, out)
}

func (c *Client) do(req *http.Request, op string, step models.StepName, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(op, step, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &MalformedResponseError{Op: op, Err: err}
	}
	return nil
}

// decodeError turns a non-2xx response into the matching error kind. Stage
// endpoints report their own failure as {"status": "failed", "error": ...}.
func decodeError(op string, step models.StepName, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr wireError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if step != "" && apiErr.Status == string(models.StepFailed) {
			return &StageFailedError{Op: op, Step: step, Message: apiErr.Error}
		}
		if msg := detailMessage(apiErr.Detail); msg != "" {
			return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
		}
		if apiErr.Error != "" {
			return &APIError{Op: op, StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
	}
	msg := strings.TrimSpace(string(bytes.ToValidUTF8(body, nil)))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
