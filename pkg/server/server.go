package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"deckforge/internal/artifacts"
	"deckforge/internal/cache"
	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
	"deckforge/internal/core/services"
	"deckforge/internal/report"
)

const defaultListLimit = 100

// Server exposes the job API over raw net/http handlers.
type Server struct {
	logger    *slog.Logger
	jobs      ports.JobStore
	artifacts ports.ArtifactStore
	bus       *services.EventBus
	scheduler *services.Scheduler
	cache     *cache.Store
	teams     report.TeamDirectory
	ping      func() error

	heartbeat time.Duration
	started   time.Time
}

func NewServer(
	logger *slog.Logger,
	jobs ports.JobStore,
	artifactStore ports.ArtifactStore,
	bus *services.EventBus,
	scheduler *services.Scheduler,
	cacheStore *cache.Store,
	teams report.TeamDirectory,
	ping func() error,
	heartbeat time.Duration,
) *Server {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Server{
		logger:    logger.With("component", "http"),
		jobs:      jobs,
		artifacts: artifactStore,
		bus:       bus,
		scheduler: scheduler,
		cache:     cacheStore,
		teams:     teams,
		ping:      ping,
		heartbeat: heartbeat,
		started:   time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/progress", s.handleJobProgress)
	mux.HandleFunc("GET /api/jobs/{id}/download", s.handleDownload)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /api/teams", s.handleListTeams)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

type createJobRequest struct {
	TeamKey      string         `json:"team_key"`
	DocumentType string         `json:"document_type,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

type createJobResponse struct {
	JobID domain.JobID `json:"job_id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TeamKey == "" {
		writeError(w, http.StatusBadRequest, "team_key is required")
		return
	}
	if req.DocumentType != "" && req.DocumentType != report.DocumentTypeSponsorshipDeck {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown document type: %s", req.DocumentType))
		return
	}

	opts, err := domain.ParseOptions(req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.teams.Get(r.Context(), req.TeamKey); err != nil {
		if errors.Is(err, report.ErrUnknownTeam) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown team: %s", req.TeamKey))
			return
		}
		s.logger.Error("team lookup failed", "team", req.TeamKey, "error", err)
		writeError(w, http.StatusInternalServerError, "team lookup failed")
		return
	}

	id, err := s.jobs.Create(r.Context(), req.TeamKey, opts)
	if err != nil {
		s.logger.Error("job create failed", "team", req.TeamKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := s.scheduler.Submit(id); err != nil {
		// The queue is saturated. The row exists, so settle it as failed
		// rather than leaving a queued job nothing will ever pick up.
		_ = s.jobs.Fail(r.Context(), id, domain.JobError{
			Kind:   domain.ErrorKindInternal,
			Detail: "job queue is full",
		})
		writeError(w, http.StatusServiceUnavailable, "job queue is full, retry later")
		return
	}

	s.logger.Info("job accepted", "job_id", id, "team", req.TeamKey)
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("job list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	switch {
	case !job.Status.Terminal():
		writeError(w, http.StatusConflict, "job is still in progress")
		return
	case job.Status == domain.JobStatusFailed || job.Result == nil:
		writeError(w, http.StatusNotFound, "job produced no document")
		return
	}

	rc, size, err := s.artifacts.Open(r.Context(), job.Result.ArtifactRef)
	if err != nil {
		if errors.Is(err, artifacts.ErrGone) {
			writeError(w, http.StatusGone, "document has expired")
			return
		}
		s.logger.Error("artifact open failed", "job_id", job.ID, "ref", job.Result.ArtifactRef, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open document")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.Result.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact stream interrupted", "job_id", job.ID, "error", err)
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	err := s.jobs.RequestCancel(r.Context(), id)
	switch {
	case err == nil:
		s.logger.Info("job cancellation requested", "job_id", id)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrJobTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		s.logger.Error("cancel request failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
	}
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.teams.List(r.Context())
	if err != nil {
		s.logger.Error("team list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list teams")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	jobStats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.logger.Warn("job stats failed", "error", err)
	}
	cacheStats := s.cache.Stats(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"jobs":           jobStats,
		"cache":          cacheStats,
	})
}

// lookupJob resolves the {id} path segment, writing 404 on a miss.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	id := domain.JobID(r.PathValue("id"))
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		s.logger.Error("job lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
