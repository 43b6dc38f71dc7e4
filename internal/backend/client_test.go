package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"video-pipeline/internal/models"
)

// fakeSubtitleStore keeps whatever was last saved, like the backend's
// edited_subtitles.srt file.
type fakeSubtitleStore struct {
	mu      sync.Mutex
	content string
}

func newFakeBackend(t *testing.T, store *fakeSubtitleStore) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/upload-video/", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"detail":"file missing"}`)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "clip.mp4" || string(data) != "video-bytes" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"detail":"unexpected upload"}`)
			return
		}
		io.WriteString(w, `{"job_id":"J1","status":"uploaded","message":"ok"}`)
	})
	mux.HandleFunc("/save-edited-subtitles/J1", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		store.mu.Lock()
		store.content = r.PostForm.Get("subtitle_content")
		store.mu.Unlock()
		io.WriteString(w, `{"job_id":"J1","edited_subtitle_path":"uploads/J1/edited_subtitles.srt","status":"subtitles_edited"}`)
	})
	mux.HandleFunc("/subtitle-content/J1", func(w http.ResponseWriter, r *http.Request) {
		store.mu.Lock()
		defer store.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"subtitle_content": store.content})
	})
	mux.HandleFunc("/job-status/J1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"id":"J1","filename":"clip.mp4","status":"audio_extracted",
			"upload_time":"2024-05-01T10:00:00",
			"steps":{
				"extract_audio":{"status":"completed","path":"uploads/J1/audio.wav"},
				"generate_subtitles":{"status":"pending","path":null},
				"change_voice":{"status":"pending","path":null}
			},
			"voice_history":[{"voice_id":"v1","voice_name":"Rachel","timestamp":1714557600,"path":"p","url_path":"/u","stability":0.5,"clarity":0.75}]
		}`)
	})
	mux.HandleFunc("/job-status/BAD", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"BAD","status":"rendering","steps":{}}`)
	})
	mux.HandleFunc("/extract-audio/MISSING", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"detail":"Job not found"}`)
	})
	mux.HandleFunc("/extract-audio/BROKEN", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"job_id":"BROKEN","status":"failed","error":"ffmpeg exited with status 1"}`)
	})
	mux.HandleFunc("/change-voice/J1", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("voice_id") != "v2" || r.PostForm.Get("stability") != "0.3" || r.PostForm.Get("subtitle_selection") != "edited" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"detail":[{"loc":["body","voice_id"],"msg":"field required"}]}`)
			return
		}
		io.WriteString(w, `{"job_id":"J1","status":"voice_change_skipped","message":"Not enough credits","voice_changed_audio_path":null,"voice_history":[]}`)
	})
	mux.HandleFunc("/video-info/J1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"job_id":"J1","video_info":{"duration":12.5,"fps":29.97,"width":1920,"height":1080,"audio":true}}`)
	})
	mux.HandleFunc("/video-info/EMPTY", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"job_id":"EMPTY"}`)
	})
	mux.HandleFunc("/available-audio/J1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"available_audio":[{"id":"original","name":"Original Audio","path":"uploads/J1/audio.wav","type":"original"},{"id":"voice_0","name":"Rachel","path":"outputs/J1/voice_0.mp3","type":"voice_changed","voice_id":"v1"}]}`)
	})
	mux.HandleFunc("/available-subtitles/J1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})
	mux.HandleFunc("/download/J1/subtitles", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "1\n00:00:00,000 --> 00:00:01,000\nhello\n")
	})
	return httptest.NewServer(mux)
}

func TestUploadSendsMultipartFile(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	defer srv.Close()

	c := New(srv.URL+"/", 0)
	id, err := c.Upload(context.Background(), "clip.mp4", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != "J1" {
		t.Fatalf("expected job J1 got %q", id)
	}
}

// Saving edited subtitles and fetching them back must be byte-identical.
func TestSaveThenFetchSubtitlesRoundTrip(t *testing.T) {
	store := &fakeSubtitleStore{}
	srv := newFakeBackend(t, store)
	defer srv.Close()
	c := New(srv.URL, 0)
	ctx := context.Background()

	edited := "1\r\n00:00:00,000 --> 00:00:02,500\r\nनमस्ते \"world\" & <b>tags</b>\r\n\r\n2\n00:00:03,000 --> 00:00:04,000\n\ttrailing space \n"
	path, err := c.SaveSubtitles(ctx, "J1", edited)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if path != "uploads/J1/edited_subtitles.srt" {
		t.Fatalf("unexpected path %q", path)
	}
	got, err := c.SubtitleContent(ctx, "J1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != edited {
		t.Fatalf("round trip changed content:\nwant %q\ngot  %q", edited, got)
	}

	// A second fetch with no further edits returns the same bytes again.
	again, err := c.SubtitleContent(ctx, "J1")
	if err != nil || again != edited {
		t.Fatalf("second fetch differs: %q err=%v", again, err)
	}
}

func TestJobStatusNormalisesPendingSteps(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	defer srv.Close()

	job, err := New(srv.URL, 0).JobStatus(context.Background(), "J1")
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if job.Status != models.StatusAudioExtracted {
		t.Fatalf("unexpected status %s", job.Status)
	}
	if _, ok := job.Step(models.StepGenerateSubtitles); ok {
		t.Fatalf("pending step should be absent")
	}
	step, ok := job.Step(models.StepExtractAudio)
	if !ok || step.Status != models.StepCompleted || step.Path != "uploads/J1/audio.wav" {
		t.Fatalf("unexpected extract step %+v", step)
	}
	if len(job.VoiceHistory) != 1 || job.VoiceHistory[0].CreatedAt.Unix() != 1714557600 {
		t.Fatalf("unexpected voice history %+v", job.VoiceHistory)
	}
}

func TestJobStatusRejectsUnknownStatus(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	defer srv.Close()

	_, err := New(srv.URL, 0).JobStatus(context.Background(), "BAD")
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected malformed response error got %v", err)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	c := New(srv.URL, 0)
	ctx := context.Background()

	_, err := c.ExtractAudio(ctx, "MISSING")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "Job not found" {
		t.Fatalf("expected 404 api error got %v", err)
	}

	_, err = c.ExtractAudio(ctx, "BROKEN")
	var stageErr *StageFailedError
	if !errors.As(err, &stageErr) || stageErr.Step != models.StepExtractAudio || stageErr.Message != "ffmpeg exited with status 1" {
		t.Fatalf("expected stage failure got %v", err)
	}
	if !IsStageFailure(err) {
		t.Fatalf("IsStageFailure should match")
	}

	srv.Close()
	_, err = c.ExtractAudio(ctx, "J1")
	if !IsTransport(err) {
		t.Fatalf("expected transport error got %v", err)
	}
}

func TestChangeVoiceSkipPassesMessageThrough(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	defer srv.Close()

	resp, err := New(srv.URL, 0).ChangeVoice(context.Background(), "J1", models.VoiceOptions{
		VoiceID:         "v2",
		Stability:       0.3,
		Clarity:         0.8,
		SubtitleVariant: models.SubtitleEdited,
	})
	if err != nil {
		t.Fatalf("change voice: %v", err)
	}
	if resp.Status != models.StatusVoiceChangeSkipped || resp.Message != "Not enough credits" || resp.ArtifactPath != "" {
		t.Fatalf("unexpected skip response %+v", resp)
	}
}

func TestValidationDetailIsFlattened(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	defer srv.Close()

	_, err := New(srv.URL, 0).ChangeVoice(context.Background(), "J1", models.VoiceOptions{VoiceID: "other"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "field required" {
		t.Fatalf("expected flattened validation message got %v", err)
	}
	if IsStageFailure(err) {
		t.Fatalf("validation errors are not stage failures")
	}
}

func TestDownloadStreamsBody(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	defer srv.Close()

	body, contentType, err := New(srv.URL, 0).Download(context.Background(), "J1", models.ArtifactSubtitles)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("unexpected body %q", data)
	}
	if contentType == "" {
		t.Fatalf("expected a content type")
	}

	if _, _, err := New(srv.URL, 0).Download(context.Background(), "J1", "thumbnail"); err == nil {
		t.Fatalf("expected unknown artifact type to fail")
	}
}

func TestVideoInfoAndAvailableArtifacts(t *testing.T) {
	srv := newFakeBackend(t, &fakeSubtitleStore{})
	defer srv.Close()
	c := New(srv.URL, 0)
	ctx := context.Background()

	info, err := c.VideoInfo(ctx, "J1")
	if err != nil {
		t.Fatalf("video info: %v", err)
	}
	if info.Width != 1920 || info.Height != 1080 || info.FrameRate != 29.97 || !info.HasAudio {
		t.Fatalf("unexpected video info %+v", info)
	}
	var malformed *MalformedResponseError
	if _, err := c.VideoInfo(ctx, "EMPTY"); !errors.As(err, &malformed) {
		t.Fatalf("expected malformed response for missing video_info, got %v", err)
	}

	audio, err := c.AvailableAudio(ctx, "J1")
	if err != nil {
		t.Fatalf("available audio: %v", err)
	}
	if len(audio) != 2 || audio[1].ID != "voice_0" || audio[1].VoiceID != "v1" {
		t.Fatalf("unexpected audio list %+v", audio)
	}
	subs, err := c.AvailableSubtitles(ctx, "J1")
	if err != nil {
		t.Fatalf("available subtitles: %v", err)
	}
	if subs == nil || len(subs) != 0 {
		t.Fatalf("missing list should normalise to empty, got %#v", subs)
	}
}

func TestDefaultOptionsReachTheForm(t *testing.T) {
	var (
		mu    sync.Mutex
		forms = map[string]map[string]string{}
	)
	capture := func(name, resp string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			got := map[string]string{}
			for k := range r.PostForm {
				got[k] = r.PostForm.Get(k)
			}
			mu.Lock()
			forms[name] = got
			mu.Unlock()
			io.WriteString(w, resp)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/create-final-video/J1", capture("final", `{"job_id":"J1","status":"completed","final_video_path":"outputs/J1/final_video.mp4"}`))
	mux.HandleFunc("/change-voice/J1", capture("voice", `{"job_id":"J1","status":"voice_changed","voice_changed_audio_path":"outputs/J1/voice_0.mp3","voice_history":[]}`))
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(srv.URL, 0)

	final := models.DefaultFinalVideoOptions()
	if err := final.Normalize(); err != nil {
		t.Fatalf("normalize final: %v", err)
	}
	if _, err := c.CreateFinalVideo(context.Background(), "J1", final); err != nil {
		t.Fatalf("create final video: %v", err)
	}
	voice := models.DefaultVoiceOptions()
	voice.VoiceID = "v1"
	if err := voice.Normalize(); err != nil {
		t.Fatalf("normalize voice: %v", err)
	}
	if _, err := c.ChangeVoice(context.Background(), "J1", voice); err != nil {
		t.Fatalf("change voice: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	wantFinal := map[string]string{
		"audio_id":            "cleaned",
		"font_size":           "24",
		"subtitle_color":      "white",
		"subtitle_bg_opacity": "80",
		"use_direct_ffmpeg":   "true",
	}
	for k, v := range wantFinal {
		if forms["final"][k] != v {
			t.Errorf("final video form %s = %q, want %q", k, forms["final"][k], v)
		}
	}
	wantVoice := map[string]string{
		"voice_id":           "v1",
		"stability":          "0.5",
		"clarity":            "0.75",
		"subtitle_selection": "original",
	}
	for k, v := range wantVoice {
		if forms["voice"][k] != v {
			t.Errorf("change voice form %s = %q, want %q", k, forms["voice"][k], v)
		}
	}
}
