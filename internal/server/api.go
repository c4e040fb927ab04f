package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/report"
)

// JobService submits and cancels jobs
type JobService interface {
	Submit(ctx context.Context, vision string) (job.Job, error)
	Cancel(ctx context.Context, jobID string) (job.Job, error)
}

// API serves the /v1 job endpoints
type API struct {
	reports *report.Reporter
	jobs    JobService
	logger  *log.Logger
}

// NewAPI creates the job API
func NewAPI(reports *report.Reporter, jobs JobService, logger *log.Logger) *API {
	if logger == nil {
		logger = log.L()
	}
	return &API{reports: reports, jobs: jobs, logger: logger}
}

// Routes returns the API router.
//
// Routes:
//   - GET  /jobs              - List jobs (?status=a,b&since=RFC3339&limit=&offset=)
//   - POST /jobs              - Submit a vision
//   - GET  /jobs/{id}         - Job status
//   - GET  /jobs/{id}/tasks   - Tasks in registration order
//   - GET  /jobs/{id}/budget  - Committed spend
//   - GET  /jobs/{id}/history - Phase transitions
//   - POST /jobs/{id}/cancel  - Request cancellation
//   - GET  /budget            - Spend across all jobs
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/jobs", a.listJobs)
	r.Post("/jobs", a.submitJob)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", a.getJob)
		r.Get("/tasks", a.listTasks)
		r.Get("/budget", a.getBudget)
		r.Get("/history", a.getHistory)
		r.Post("/cancel", a.cancelJob)
	})
	r.Get("/budget", a.getGlobalBudget)
	return r
}

type submitRequest struct {
	Vision string `json:"vision"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, job.MaxVisionLength+1024)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	j, err := a.jobs.Submit(r.Context(), req.Vision)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+j.ID)
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := a.reports.ListJobs(r.Context(), f, p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.reports.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.reports.ListTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *API) getBudget(w http.ResponseWriter, r *http.Request) {
	rep, err := a.reports.GetBudgetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) getGlobalBudget(w http.ResponseWriter, r *http.Request) {
	rep, err := a.reports.GetGlobalBudgetReport(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.reports.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// cancelJob answers 200 when the job is cancelled outright and 202 when a running
// job has been asked to stop
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !j.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, j)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.WithError(err).Error("request failed", "method", r.Method, "path", r.URL.Path)
	}
	body := map[string]string{"error": err.Error()}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = string(code)
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrJobNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrInvalidVision):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrAlreadyTerminal), stderrors.Is(err, errors.ErrAlreadyClaimed), stderrors.Is(err, errors.ErrNotClaimed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseListQuery(r *http.Request) (job.Filter, job.Page, error) {
	var (
		f job.Filter
		p job.Page
		q = r.URL.Query()
	)
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := job.ParseStatus(s)
			if err != nil {
				return f, p, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, p, fmt.Errorf("since must be RFC3339: %w", err)
		}
		f.Since = t
	}
	for key, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, p, fmt.Errorf("%s must be a non-negative integer", key)
		}
		*dst = n
	}
	return f, p, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck,gosec // Response headers already sent
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
