// Package job keeps the durable record of every submitted job and the in-memory
// index of the jobs this process is currently executing.
package job

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/foundry/internal/workflow"
)

// Status is a job lifecycle state
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusQuotaExhausted Status = "quota_exhausted"
)

// Statuses lists every status, non-terminal first
func Statuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusQuotaExhausted}
}

// ParseStatus converts a user-supplied name into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses() {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether the job can no longer change
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusQuotaExhausted:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Reason is a machine-readable explanation for a terminal status
type Reason string

const (
	ReasonCompleted           Reason = "completed"
	ReasonProjectCeiling      Reason = "budget_project_ceiling"
	ReasonHourlyCeiling       Reason = "budget_hourly_ceiling"
	ReasonCancelRequested     Reason = "cancel_requested"
	ReasonShutdown            Reason = "shutdown"
	ReasonRetriesExhausted    Reason = "retries_exhausted"
	ReasonLLMFatal            Reason = "llm_fatal"
	ReasonWorkspaceConflict   Reason = "workspace_conflict"
	ReasonInternalError       Reason = "internal_error"
	ReasonOrphaned            Reason = "orphaned"
	ReasonDependencyViolation Reason = "dependency_violation"
)

// defaultReason is recorded when Finish is called without one
func defaultReason(s Status) Reason {
	switch s {
	case StatusCompleted:
		return ReasonCompleted
	case StatusCancelled:
		return ReasonCancelRequested
	case StatusQuotaExhausted:
		return ReasonProjectCeiling
	default:
		return ReasonInternalError
	}
}

// Job is one end-to-end pipeline run for a vision
type Job struct {
	ID              string         `json:"id"`
	Vision          string         `json:"vision"`
	Status          Status         `json:"status"`
	CurrentPhase    workflow.Phase `json:"current_phase,omitempty"`
	Progress        int            `json:"progress"`
	Error           string         `json:"error,omitempty"`
	Reason          Reason         `json:"reason,omitempty"`
	WorkspacePath   string         `json:"workspace_path"`
	CancelRequested bool           `json:"cancel_requested"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Duration is how long the job ran, or has been running as of now
func (j Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []Status
	Since    time.Time
}

// Page bounds List results
type Page struct {
	Limit  int
	Offset int
}

// DefaultPageLimit applies when Page.Limit is not positive
const DefaultPageLimit = 50

// FinishOptions carry the details recorded with a terminal status
type FinishOptions struct {
	Error  string
	Reason Reason
	// Phase overrides current_phase, e.g. the phase that failed
	Phase workflow.Phase
}

// Handle is the in-process token for a claimed job. Cancelling it tells the
// executing goroutine to stop at its next checkpoint.
type Handle struct {
	JobID     string
	ClaimedAt time.Time

	once sync.Once
	done chan struct{}
}

func newHandle(jobID string, at time.Time) *Handle {
	return &Handle{JobID: jobID, ClaimedAt: at, done: make(chan struct{})}
}

// Cancel marks the handle cancelled. Safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.done) })
}

// Cancelled is closed once Cancel has been called
func (h *Handle) Cancelled() <-chan struct{} {
	return h.done
}

// IsCancelled reports whether Cancel has been called
func (h *Handle) IsCancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
