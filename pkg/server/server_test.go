package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deckforge/internal/adapters/duckdb"
	"deckforge/internal/adapters/teams"
	"deckforge/internal/artifacts"
	"deckforge/internal/cache"
	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
	"deckforge/internal/core/services"
)

type testEnv struct {
	server    *Server
	handler   http.Handler
	repo      *duckdb.Repository
	artifacts *artifacts.Store
	bus       *services.EventBus
	scheduler *services.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	repo, err := duckdb.NewRepository(filepath.Join(t.TempDir(), "test.db"), 24*time.Hour, logger)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	artifactStore, err := artifacts.NewStore(logger, t.TempDir())
	require.NoError(t, err)

	teamDir, err := teams.NewDirectory("")
	require.NoError(t, err)

	bus := services.NewEventBus(logger)
	sched := services.NewScheduler(logger, 2, 8)
	cacheStore := cache.NewStore(logger, repo, time.Hour, nil)

	srv := NewServer(logger, repo, artifactStore, bus, sched, cacheStore, teamDir,
		func() error { return repo.Ping(context.Background()) }, 50*time.Millisecond)

	return &testEnv{server: srv, handler: srv.Handler(), repo: repo, artifacts: artifactStore, bus: bus, scheduler: sched}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestCreateJob_Accepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/jobs", map[string]any{
		"team_key": "aurora_fc",
		"options":  map[string]any{"skip_custom": true},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp.JobID)

	job, err := env.repo.Get(context.Background(), domain.JobID(resp.JobID))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.True(t, job.Options.SkipCustom)
}

func TestCreateJob_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/jobs", map[string]any{"team_key": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/jobs", map[string]any{
		"team_key": "aurora_fc",
		"options":  map[string]any{"include_logos": true},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown generation option")

	rec = env.do(t, "POST", "/api/jobs", map[string]any{
		"team_key":      "aurora_fc",
		"document_type": "quarterly-report",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/jobs", map[string]any{"team_key": "ghost_team"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJob_QueueFull(t *testing.T) {
	env := newTestEnv(t)
	// Replace the scheduler with a single-slot queue that nothing drains.
	env.server.scheduler = services.NewScheduler(slog.Default(), 1, 1)

	rec := env.do(t, "POST", "/api/jobs", map[string]any{"team_key": "aurora_fc"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, "POST", "/api/jobs", map[string]any{"team_key": "aurora_fc"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The overflow job was settled as failed, not left queued forever.
	jobs, err := env.repo.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	statuses := map[domain.JobStatus]int{}
	for _, j := range jobs {
		statuses[j.Status]++
	}
	assert.Equal(t, 1, statuses[domain.JobStatusQueued])
	assert.Equal(t, 1, statuses[domain.JobStatusFailed])
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})
	require.NoError(t, err)

	rec := env.do(t, "GET", "/api/jobs/"+string(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job domain.Job
	decodeBody(t, rec, &job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	rec = env.do(t, "GET", "/api/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})
	require.NoError(t, err)
	_, err = env.repo.Create(ctx, "harbor_city_nine", domain.GenerateOptions{})
	require.NoError(t, err)

	rec := env.do(t, "GET", "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []domain.Job `json:"jobs"`
	}
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Jobs, 2)

	rec = env.do(t, "GET", "/api/jobs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})

	rec := env.do(t, "DELETE", "/api/jobs/"+string(id), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := env.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)

	rec = env.do(t, "DELETE", "/api/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, env.repo.Start(ctx, id))
	require.NoError(t, env.repo.Fail(ctx, id, domain.JobError{Kind: domain.ErrorKindCancelled, Detail: "cancelled"}))
	rec = env.do(t, "DELETE", "/api/jobs/"+string(id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})

	// Still in progress.
	rec := env.do(t, "GET", "/api/jobs/"+string(id)+"/download", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, env.repo.Start(ctx, id))

	ref, err := env.artifacts.Save(ctx, id, "deck.json", []byte(`{"deck":true}`))
	require.NoError(t, err)
	require.NoError(t, env.repo.Complete(ctx, id, &domain.JobResult{
		ArtifactRef: ref,
		Filename:    "deck.json",
		Sections:    map[string]string{"assemble": "success"},
	}))

	rec = env.do(t, "GET", "/api/jobs/"+string(id)+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"deck":true}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "deck.json")

	// Purged artifact behind a completed job.
	require.NoError(t, env.artifacts.Delete(ctx, ref))
	rec = env.do(t, "GET", "/api/jobs/"+string(id)+"/download", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestDownload_FailedJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})
	require.NoError(t, env.repo.Start(ctx, id))
	require.NoError(t, env.repo.Fail(ctx, id, domain.JobError{Kind: domain.ErrorKindGeneration, Detail: "boom"}))

	rec := env.do(t, "GET", "/api/jobs/"+string(id)+"/download", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTeams(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/teams", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Teams []struct {
			Key string `json:"key"`
		} `json:"teams"`
	}
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp.Teams)
	assert.Equal(t, "aurora_fc", resp.Teams[0].Key)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp, "jobs")
	assert.Contains(t, resp, "cache")
}

func TestProgress_TerminalSnapshotCloses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})
	require.NoError(t, env.repo.Start(ctx, id))
	require.NoError(t, env.repo.Complete(ctx, id, &domain.JobResult{
		ArtifactRef: "x/deck.json", Filename: "deck.json",
		Sections: map[string]string{"assemble": "success"},
	}))

	// A client that reconnects after the job finished gets the terminal
	// snapshot immediately and the stream ends.
	rec := env.do(t, "GET", "/api/jobs/"+string(id)+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: progress")
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

// staleReadStore serves one stale running snapshot before delegating, which
// models a job that goes terminal between the handler's first read and its
// event bus subscription.
type staleReadStore struct {
	ports.JobStore
	stale domain.Job
	reads atomic.Int32
}

func (s *staleReadStore) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	if s.reads.Add(1) == 1 {
		cp := s.stale
		return &cp, nil
	}
	return s.JobStore.Get(ctx, id)
}

func TestProgress_TerminalDuringSubscribeStillCloses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	id, err := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})
	require.NoError(t, err)
	require.NoError(t, env.repo.Start(ctx, id))
	running, err := env.repo.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, env.repo.Complete(ctx, id, &domain.JobResult{
		ArtifactRef: "x/deck.json", Filename: "deck.json",
		Sections: map[string]string{"assemble": "success"},
	}))

	teamDir, err := teams.NewDirectory("")
	require.NoError(t, err)
	store := &staleReadStore{JobStore: env.repo, stale: *running}
	srv := NewServer(logger, store, env.artifacts, env.bus, env.scheduler,
		cache.NewStore(logger, env.repo, time.Hour, nil), teamDir,
		func() error { return env.repo.Ping(ctx) }, 50*time.Millisecond)

	// The first read sees the job still running and the terminal publish is
	// already gone, so the handler must re-read after subscribing instead of
	// waiting on the bus forever.
	req := httptest.NewRequest("GET", "/api/jobs/"+string(id)+"/progress", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `"status":"running"`)
	assert.Contains(t, text, `"status":"completed"`)
}

func TestProgress_StreamsUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.repo.Create(ctx, "aurora_fc", domain.GenerateOptions{})
	require.NoError(t, env.repo.Start(ctx, id))

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/" + string(id) + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Let the handler subscribe before publishing the terminal snapshot.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, env.repo.Complete(ctx, id, &domain.JobResult{
		ArtifactRef: "x/deck.json", Filename: "deck.json",
		Sections: map[string]string{"assemble": "success"},
	}))
	job, err := env.repo.Get(ctx, id)
	require.NoError(t, err)
	env.bus.Publish(*job)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `"status":"running"`)
	assert.Contains(t, text, `"status":"completed"`)
	assert.Contains(t, text, ": heartbeat", "expected at least one heartbeat comment")
}
