package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/foundry/internal/app"
	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/config"
	"github.com/felixgeelhaar/foundry/internal/health"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/metrics"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DSN = filepath.Join(dir, "foundry.db")
	cfg.Workspace.Root = filepath.Join(dir, "workspaces")
	cfg.Workspace.GitCommit = false
	cfg.LLM.Provider = "echo"
	cfg.LLM.RequestsPerMinute = 0

	a, err := app.New(context.Background(), cfg, app.WithLogger(log.Nop()), app.WithTokenCounter(budget.HeuristicCounter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	a := newTestApp(t)
	pm := health.NewProbeManager("test")
	pm.AddChecker(health.NewStoreChecker(a.DB))
	s := NewServer(pm, NewAPI(a.Reporter, a, log.Nop()), Config{
		Metrics: metrics.HandlerFor(a.Registry),
		Logger:  log.Nop(),
	})
	return s, a
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServerDefaults(t *testing.T) {
	s := NewServer(health.NewProbeManager("1.0.0"), nil, Config{Address: ":8080", Logger: log.Nop()})

	assert.Equal(t, 30*time.Second, s.shutdownTimeout)
	assert.Equal(t, 10*time.Second, s.httpServer.ReadTimeout)
	assert.Equal(t, 10*time.Second, s.httpServer.WriteTimeout)
	assert.Equal(t, 60*time.Second, s.httpServer.IdleTimeout)
	assert.False(t, s.IsShuttingDown())
}

func TestSubmitAndInspectJob(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/jobs", `{"vision": "a habit tracker"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	j := decode[job.Job](t, rec)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, "/v1/jobs/"+j.ID, rec.Header().Get("Location"))

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+j.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a habit tracker", decode[job.Job](t, rec).Vision)

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+j.ID+"/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[map[string][]map[string]any](t, rec)["tasks"]
	require.Len(t, tasks, 1)

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+j.ID+"/budget", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ceiling_usd":5`)

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+j.ID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs?status=queued&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[map[string][]job.Job](t, rec)["jobs"]
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)

	rec = do(t, h, http.MethodGet, "/v1/budget", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompletedJobIsReported(t *testing.T) {
	s, a := newTestServer(t)
	h := s.Handler()

	j, err := a.Submit(context.Background(), "a link shortener")
	require.NoError(t, err)
	_, err = a.Runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/v1/jobs/"+j.ID, "")
	got := decode[job.Job](t, rec)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+j.ID+"/history", "")
	history := decode[map[string][]map[string]any](t, rec)["history"]
	assert.Len(t, history, 6)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "foundry_jobs_finished_total")
	assert.Contains(t, rec.Body.String(), "foundry_llm_calls_total")

	rec = do(t, h, http.MethodPost, "/v1/jobs/"+j.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB-002", decode[map[string]string](t, rec)["code"])
}

func TestCancelQueuedJob(t *testing.T) {
	s, a := newTestServer(t)
	j, err := a.Submit(context.Background(), "a photo gallery")
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/jobs/"+j.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[job.Job](t, rec)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Equal(t, job.ReasonCancelRequested, got.Reason)
}

func TestAPIErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown job", http.MethodGet, "/v1/jobs/nope", "", http.StatusNotFound},
		{"unknown job tasks", http.MethodGet, "/v1/jobs/nope/tasks", "", http.StatusNotFound},
		{"unknown job cancel", http.MethodPost, "/v1/jobs/nope/cancel", "", http.StatusNotFound},
		{"empty vision", http.MethodPost, "/v1/jobs", `{"vision": "  "}`, http.StatusBadRequest},
		{"broken body", http.MethodPost, "/v1/jobs", `{"vision":`, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/v1/jobs?status=sleeping", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/jobs?limit=-1", "", http.StatusBadRequest},
		{"bad since", http.MethodGet, "/v1/jobs?since=yesterday", "", http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/v1/jobs", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestProbes(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health/startup", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[health.ProbeResult](t, rec)
	assert.Equal(t, health.StatusHealthy, result.Status)
	assert.Contains(t, result.Checks, "store")

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/health/startup")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, s.IsShuttingDown())
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}
