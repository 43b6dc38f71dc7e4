package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"video-pipeline/internal/artifacts"
	"video-pipeline/internal/backend"
	"video-pipeline/internal/config"
	"video-pipeline/internal/models"
	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/queue"
	"video-pipeline/internal/ratelimit"
	"video-pipeline/internal/store"
	"video-pipeline/internal/telemetry"
)

// AuditReader serves a job's audit trail.
type AuditReader interface {
	AuditTrail(ctx context.Context, jobID string, limit int) ([]store.AuditEntry, error)
}

// Server wires HTTP handlers for the pipeline views.
type Server struct {
	cfg      config.Config
	jobs     *pipeline.Manager
	queue    *queue.RedisQueue
	limiter  *ratelimit.TokenBucket
	exporter *artifacts.Exporter
	audit    AuditReader
}

// New constructs the API server. Queue, limiter, exporter and audit are
// optional; the routes that need them answer 503 when they are nil.
func New(cfg config.Config, jobs *pipeline.Manager, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, exporter *artifacts.Exporter, audit AuditReader) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		queue:    q,
		limiter:  limiter,
		exporter: exporter,
		audit:    audit,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Client-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.With(s.rateLimited).Post("/jobs", s.handleUpload)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Delete("/", s.handleRelease)
		r.Post("/track", s.handleTrack)
		r.Post("/refresh", s.handleRefresh)
		r.Put("/shown", s.handleShowStage)
		r.Get("/events", s.handleEvents)
		r.Get("/audit", s.handleAudit)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimited)
			r.Post("/stages/skip-voice-change", s.handleSkipVoice)
			r.Post("/stages/{stage}", s.handleStage)
			r.Post("/subtitles/translate", s.handleTranslate)
			r.Post("/exports/{type}", s.handleExport)
			r.Post("/autopilot", s.handleAutopilot)
		})

		r.Get("/subtitles", s.handleGetSubtitles)
		r.Put("/subtitles", s.handleSaveSubtitles)
		r.Get("/voices", s.handleVoices)
		r.Put("/voices/selected", s.handleSelectVoice)
		r.Get("/voices/{index}/comparison", s.handleCompareVoice)
		r.Get("/artifacts", s.handleArtifacts)
		r.Get("/video-info", s.handleVideoInfo)
		r.Get("/download/{type}", s.handleDownload)
	})
	r.Get("/autopilot/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.Jobs()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expected multipart/form-data", http.StatusBadRequest)
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			http.Error(w, "file is required", http.StatusBadRequest)
			return
		}
		if err != nil {
			if isTooLarge(err) {
				http.Error(w, "upload exceeds size limit", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "invalid multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		o, err := s.jobs.Upload(r.Context(), part.FileName(), part)
		part.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, o.State())
		return
	}
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	o, err := s.jobs.Track(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.State())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o.State())
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Release(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Cancel(r.Context(), id); err != nil {
			log.Printf("api: cancel autopilot plan job=%s err=%v", id, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	if _, err := o.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.State())
}

type showRequest struct {
	Stage pipeline.Stage `json:"stage"`
}

func (s *Server) handleShowStage(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	var req showRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := o.ShowStage(req.Stage); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.State())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "since must be an integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": o.Events(since)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}
	entries, err := s.audit.AuditTrail(r.Context(), chi.URLParam(r, "id"), 200)
	if err != nil {
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	stage, known := pipeline.ParseStage(chi.URLParam(r, "stage"))
	if !known || stage == pipeline.StageUpload {
		http.Error(w, "unknown stage", http.StatusNotFound)
		return
	}

	var (
		res pipeline.Result
		err error
	)
	switch stage {
	case pipeline.StageExtractAudio:
		res, err = o.ExtractAudio(r.Context())
	case pipeline.StageGenerateSubtitles:
		var opts models.TranscriptionOptions
		if !decodeOptionalJSON(w, r, &opts) {
			return
		}
		done, err := o.GenerateSubtitlesAsync(opts)
		if err != nil {
			writeError(w, err)
			return
		}
		go logCompletion(o.JobID(), done)
		writeJSON(w, http.StatusAccepted, o.State())
		return
	case pipeline.StageChangeVoice:
		opts := models.DefaultVoiceOptions()
		if !decodeJSON(w, r, &opts) {
			return
		}
		res, err = o.ChangeVoice(r.Context(), opts)
	case pipeline.StageCleanAudio:
		opts := models.DefaultCleanOptions()
		if !decodeOptionalJSON(w, r, &opts) {
			return
		}
		res, err = o.CleanAudio(r.Context(), opts)
	case pipeline.StageCreateFinalVideo:
		opts := models.DefaultFinalVideoOptions()
		if !decodeOptionalJSON(w, r, &opts) {
			return
		}
		res, err = o.CreateFinalVideo(r.Context(), opts)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSkipVoice(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	var req skipRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	res, err := o.SkipVoiceChange(r.Context(), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSubtitles(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	content, err := o.SubtitleContent(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

type subtitlesRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSaveSubtitles(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	var req subtitlesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	path, err := o.SaveSubtitles(r.Context(), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"edited_subtitle_path": path})
}

type translateRequest struct {
	Language string `json:"language"`
	Content  string `json:"content"`
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	var req translateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tr, err := o.TranslateSubtitles(r.Context(), req.Language, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	voices, err := o.VoiceHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	_, index, _ := o.SelectedVoice()
	writeJSON(w, http.StatusOK, map[string]any{
		"voices":   voices,
		"selected": index,
		"audio_id": o.SelectedAudioID(),
	})
}

type selectRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleSelectVoice(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := o.SelectVoice(r.Context(), req.Index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selected": req.Index, "audio_id": o.SelectedAudioID()})
}

func (s *Server) handleCompareVoice(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		http.Error(w, "index must be a non-negative integer", http.StatusBadRequest)
		return
	}
	cmp, err := o.CompareVoice(r.Context(), index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	set, err := o.AvailableArtifacts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	info, err := o.VideoInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	artifact := models.ArtifactType(chi.URLParam(r, "type"))
	if !artifact.Valid() {
		http.Error(w, "unknown artifact type", http.StatusNotFound)
		return
	}
	body, contentType, err := o.Download(r.Context(), artifact)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_%s.%s", o.JobID(), artifact, artifact.Extension())))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Printf("download job=%s artifact=%s interrupted: %v", o.JobID(), artifact, err)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.Error(w, "artifact export not configured", http.StatusServiceUnavailable)
		return
	}
	o, ok := s.job(w, r)
	if !ok {
		return
	}
	artifact := models.ArtifactType(chi.URLParam(r, "type"))
	if !artifact.Valid() {
		http.Error(w, "unknown artifact type", http.StatusNotFound)
		return
	}
	location, err := s.exporter.Export(r.Context(), o, artifact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": location})
}

func (s *Server) handleAutopilot(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "autopilot not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	plan := models.NewPlan(id)
	if !decodeOptionalJSON(w, r, &plan) {
		return
	}
	plan.JobID = id
	if err := validatePlan(&plan); err != nil {
		writeError(w, err)
		return
	}
	// The backend must know the job before a worker picks the plan up.
	if _, err := s.jobs.Track(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), plan); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"plan": plan, "status": "queued"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "autopilot not configured", http.StatusServiceUnavailable)
		return
	}
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) (*pipeline.Orchestrator, bool) {
	o, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return o, true
}

// rateLimited spends one token of the caller's bucket per request.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func validatePlan(plan *models.Plan) error {
	if err := plan.Transcription.Normalize(); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidOptions, err)
	}
	if plan.Voice != nil {
		if err := plan.Voice.Normalize(); err != nil {
			return fmt.Errorf("%w: %v", pipeline.ErrInvalidOptions, err)
		}
	}
	if err := plan.Clean.Validate(); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidOptions, err)
	}
	if err := plan.Final.Normalize(); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidOptions, err)
	}
	return nil
}

func logCompletion(jobID string, done <-chan pipeline.Completion) {
	c, ok := <-done
	if !ok {
		return
	}
	if c.Err != nil {
		log.Printf("generate subtitles job=%s severity=%s err=%v", jobID, pipeline.Classify(c.Err), c.Err)
		return
	}
	log.Printf("generate subtitles job=%s finished artifact=%s", jobID, c.Result.Artifact)
}

type errorBody struct {
	Error    string `json:"error"`
	Severity string `json:"severity,omitempty"`
}

// statusFor maps the pipeline error taxonomy onto HTTP.
func statusFor(err error) int {
	var apiErr *backend.APIError
	var stageErr *backend.StageFailedError
	var transportErr *backend.TransportError
	var malformedErr *backend.MalformedResponseError
	switch {
	case isTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrActionInFlight), errors.Is(err, pipeline.ErrStageNotEligible), errors.Is(err, queue.ErrAlreadyQueued):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrClosed):
		return http.StatusGone
	case errors.Is(err, pipeline.ErrPollTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &stageErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 600 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.As(err, &transportErr), errors.As(err, &malformedErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// isTooLarge reports whether a request body hit http.MaxBytesReader, possibly
// after passing through the backend upload pipe.
func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		// The backend's own message is shown verbatim.
		body.Error = apiErr.Message
	}
	if sev := pipeline.Classify(err); sev != pipeline.SeverityNone {
		body.Severity = sev.String()
	}
	writeJSON(w, statusFor(err), body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body and keeps out's defaults.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(out)
	if err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
