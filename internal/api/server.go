// Package api is the operator HTTP API over models, voices and jobs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/fileserver"
	"github.com/book-expert/avatar-service/internal/job"
	"github.com/book-expert/avatar-service/internal/model"
	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const requestTimeout = 10 * time.Minute

var (
	errInvalidID   = errors.New("invalid id")
	errInvalidBody = errors.New("malformed request body")
	errOutPathBody = errors.New("out_path is required")
	errTextBody    = errors.New("text is required")
)

// JobService is the job surface the API exposes.
type JobService interface {
	Save(ctx context.Context, draft job.Draft) (*core.SynthesisJob, error)
	Modify(ctx context.Context, id int64, patch job.Patch) (*core.SynthesisJob, error)
	Submit(ctx context.Context, id int64) (*core.SynthesisJob, error)
	Find(ctx context.Context, id int64) (*core.SynthesisJob, error)
	Page(ctx context.Context, query core.ListQuery) (job.Page, error)
	Remove(ctx context.Context, id int64) error
	Export(ctx context.Context, id int64, outPath string) error
}

// ModelService is the model surface the API exposes.
type ModelService interface {
	AddModel(ctx context.Context, name, videoPath string, mode core.StorageMode) (*core.SourceModel, error)
	Page(ctx context.Context, query core.ListQuery) (model.Page, error)
	Find(ctx context.Context, id int64) (*core.SourceModel, error)
	Remove(ctx context.Context, id int64) error
}

// VoiceService is the voice surface the API exposes.
type VoiceService interface {
	List(ctx context.Context) ([]core.VoiceProfile, error)
	Audition(ctx context.Context, voiceID int64, text string) (string, error)
}

// AddModelRequest is the body of POST /models.
type AddModelRequest struct {
	Name      string           `json:"name"`
	VideoPath string           `json:"video_path"`
	Storage   core.StorageMode `json:"storage"`
}

// ExportRequest is the body of POST /jobs/{id}/export.
type ExportRequest struct {
	OutPath string `json:"out_path"`
}

// AuditionRequest is the body of POST /voices/{id}/audition.
type AuditionRequest struct {
	Text string `json:"text"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Roots bound the file paths clients may name: source videos and audio
// overrides are read below Import, exports are written below Export.
type Roots struct {
	Import string
	Export string
}

// Server routes HTTP requests to the services.
type Server struct {
	jobs   JobService
	models ModelService
	voices VoiceService
	hub    *Hub
	roots  Roots
	log    *logger.Logger
	router *chi.Mux
}

// NewServer creates the API server. hub may be nil to disable /ws.
func NewServer(
	jobs JobService,
	models ModelService,
	voices VoiceService,
	hub *Hub,
	roots Roots,
	log *logger.Logger,
) *Server {
	server := &Server{
		jobs:   jobs,
		models: models,
		voices: voices,
		hub:    hub,
		roots:  roots,
		log:    log,
		router: chi.NewRouter(),
	}
	server.registerRoutes()

	return server
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.health)

	if s.hub != nil {
		s.router.Get("/ws", s.hub.ServeWS)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.listModels)
			r.Post("/", s.addModel)
			r.Get("/{id}", s.getModel)
			r.Delete("/{id}", s.removeModel)
		})

		r.Route("/voices", func(r chi.Router) {
			r.Get("/", s.listVoices)
			r.Post("/{id}/audition", s.audition)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Get("/{id}", s.getJob)
			r.Put("/{id}", s.saveJob)
			r.Patch("/{id}", s.modifyJob)
			r.Delete("/{id}", s.removeJob)
			r.Post("/{id}/submit", s.submitJob)
			r.Post("/{id}/export", s.exportJob)
		})
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	page, err := s.models.Page(r.Context(), listQuery(r))
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, page)
}

func (s *Server) addModel(w http.ResponseWriter, r *http.Request) {
	var req AddModelRequest

	if !s.decode(w, r, &req) {
		return
	}

	mode := req.Storage
	if mode == "" {
		mode = core.StorageLocal
	}

	source, err := fileserver.Confine(s.roots.Import, req.VideoPath)
	if err != nil {
		s.respondError(w, err)

		return
	}

	created, err := s.models.AddModel(r.Context(), req.Name, source, mode)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	found, err := s.models.Find(r.Context(), id)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, found)
}

func (s *Server) removeModel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	err := s.models.Remove(r.Context(), id)
	if err != nil {
		s.respondError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.voices.List(r.Context())
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, voices)
}

func (s *Server) audition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req AuditionRequest

	if !s.decode(w, r, &req) {
		return
	}

	if req.Text == "" {
		s.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: errTextBody.Error()})

		return
	}

	clip, err := s.voices.Audition(r.Context(), id, req.Text)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"path": clip})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	page, err := s.jobs.Page(r.Context(), listQuery(r))
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, page)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var draft job.Draft

	if !s.decode(w, r, &draft) {
		return
	}

	draft.ID = 0

	if !s.confineAudio(w, &draft) {
		return
	}

	created, err := s.jobs.Save(r.Context(), draft)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	found, err := s.jobs.Find(r.Context(), id)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, found)
}

func (s *Server) saveJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var draft job.Draft

	if !s.decode(w, r, &draft) {
		return
	}

	draft.ID = id

	if !s.confineAudio(w, &draft) {
		return
	}

	saved, err := s.jobs.Save(r.Context(), draft)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, saved)
}

func (s *Server) modifyJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var patch job.Patch

	if !s.decode(w, r, &patch) {
		return
	}

	modified, err := s.jobs.Modify(r.Context(), id, patch)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, modified)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	err := s.jobs.Remove(r.Context(), id)
	if err != nil {
		s.respondError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	queued, err := s.jobs.Submit(r.Context(), id)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusAccepted, queued)
}

func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req ExportRequest

	if !s.decode(w, r, &req) {
		return
	}

	if req.OutPath == "" {
		s.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: errOutPathBody.Error()})

		return
	}

	target, err := fileserver.Confine(s.roots.Export, req.OutPath)
	if err != nil {
		s.respondError(w, err)

		return
	}

	err = s.jobs.Export(r.Context(), id, target)
	if err != nil {
		s.respondError(w, err)

		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"path": req.OutPath})
}

// confineAudio resolves an audio override below the import root.
func (s *Server) confineAudio(w http.ResponseWriter, draft *job.Draft) bool {
	if draft.AudioPath == "" {
		return true
	}

	resolved, err := fileserver.Confine(s.roots.Import, draft.AudioPath)
	if err != nil {
		s.respondError(w, err)

		return false
	}

	draft.AudioPath = resolved

	return true
}

func listQuery(r *http.Request) core.ListQuery {
	values := r.URL.Query()
	page, _ := strconv.Atoi(values.Get("page"))
	size, _ := strconv.Atoi(values.Get("size"))

	return core.ListQuery{Page: page, PageSize: size, Name: values.Get("name")}
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: errInvalidID.Error()})

		return 0, false
	}

	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	err := json.NewDecoder(r.Body).Decode(target)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: errInvalidBody.Error()})

		return false
	}

	return true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrValidation),
		errors.Is(err, fileserver.ErrOutsideRoot),
		errors.Is(err, model.ErrNameRequired),
		errors.Is(err, model.ErrSourceMissing):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrJobLocked), errors.Is(err, job.ErrNotFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed: %v", err)
	}

	s.respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		s.log.Error("Failed to encode response: %v", err)
	}
}
