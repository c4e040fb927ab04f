// Package task tracks the units of work a job registers while it runs.
//
// Tasks move registered -> in_progress -> completed|failed|skipped and never
// re-enter an earlier status, except through an explicit Reset that is written
// to the audit trail. A task may only start once every dependency is completed
// or skipped.
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/workflow"
)

// Status is a task lifecycle state
type Status string

const (
	StatusRegistered Status = "registered"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Statuses lists every status in lifecycle order
func Statuses() []Status {
	return []Status{StatusRegistered, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped}
}

// ParseStatus converts a stored or user-supplied name into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses() {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// IsTerminal reports whether no further transitions are allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// SatisfiesDependency reports whether a dependency in this status lets dependants start
func (s Status) SatisfiesDependency() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Task is a unit of work inside a job
type Task struct {
	JobID       string         `json:"job_id"`
	ID          string         `json:"task_id"`
	Phase       workflow.Phase `json:"phase"`
	Type        string         `json:"task_type"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	DependsOn   []string       `json:"depends_on"`
	Outcome     string         `json:"outcome,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Event is an audit record of one status change
type Event struct {
	JobID  string    `json:"job_id"`
	TaskID string    `json:"task_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

var (
	// idPattern allows phase-namespaced ids such as "design/api-schema"
	idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

	maxIDLength = 128
)

// ValidateID checks that id is usable as a task identifier
func ValidateID(id string) error {
	if id == "" {
		return errors.New(errors.ErrCodeInvalidTask, "task id cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.Newf(errors.ErrCodeInvalidTask, "task id %q exceeds maximum length of %d characters", id, maxIDLength)
	}
	if !idPattern.MatchString(id) {
		return errors.Newf(errors.ErrCodeInvalidTask, "task id %q must start with a letter or digit and contain only letters, digits, '.', '_', '-' and '/'", id)
	}
	if strings.Contains(id, "//") || strings.HasSuffix(id, "/") {
		return errors.Newf(errors.ErrCodeInvalidTask, "task id %q has an empty path segment", id)
	}
	return nil
}

// Validate checks the fields Register requires
func (t Task) Validate() error {
	if t.JobID == "" {
		return errors.New(errors.ErrCodeInvalidTask, "task job id cannot be empty")
	}
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if !t.Phase.Valid() || t.Phase.IsTerminal() {
		return errors.Newf(errors.ErrCodeInvalidTask, "task %q has invalid phase %q", t.ID, t.Phase)
	}
	if strings.TrimSpace(t.Type) == "" {
		return errors.Newf(errors.ErrCodeInvalidTask, "task %q has no type", t.ID)
	}
	seen := make(map[string]bool, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return errors.Newf(errors.ErrCodeInvalidTask, "task %q depends on itself", t.ID)
		}
		if seen[dep] {
			return errors.Newf(errors.ErrCodeInvalidTask, "task %q lists dependency %q twice", t.ID, dep)
		}
		seen[dep] = true
		if err := ValidateID(dep); err != nil {
			return err
		}
	}
	return nil
}
