// Package health reports whether the service and the things it depends on are
// usable: the store, the workspace root and the runner's spare capacity.
//
// Example usage:
//
//	probes := health.NewProbeManager(version.Get().Version)
//	probes.AddChecker(health.NewStoreChecker(db))
//	probes.AddChecker(health.NewWorkspaceChecker(cfg.Workspace.Root))
//
//	result := probes.CheckReadiness(ctx)
package health

import (
	"context"
	"time"
)

// Checker probes one dependency. Name is lowercase with hyphens and unique
// within a manager. Check must return before ctx's deadline.
type Checker interface {
	Name() string
	Check(ctx context.Context) *Result
}

// Status of one check, or the worst of several
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded" // usable, e.g. the runner is at capacity
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) String() string { return string(s) }

// Result is what one check found
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency_ns"`
}

// NewResult creates a result with empty details
func NewResult(status Status, message string) *Result {
	return &Result{
		Status:  status,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithDetail sets a detail and returns r
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

func Healthy(message string) *Result {
	return NewResult(StatusHealthy, message)
}

func Degraded(message string) *Result {
	return NewResult(StatusDegraded, message)
}

func Unhealthy(message string) *Result {
	return NewResult(StatusUnhealthy, message)
}
