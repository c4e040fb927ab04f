// Package report answers read-only questions about jobs: their status, tasks,
// spend and phase history. Nothing here mutates state.
package report

import (
	"context"

	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/workflow"
)

// Reporter reads from the durable stores
type Reporter struct {
	jobs    *job.Registry
	tasks   *task.Store
	ledger  *budget.Ledger
	journal *workflow.Journal
}

// New creates a reporter
func New(jobs *job.Registry, tasks *task.Store, ledger *budget.Ledger, journal *workflow.Journal) *Reporter {
	return &Reporter{jobs: jobs, tasks: tasks, ledger: ledger, journal: journal}
}

// Summary is a job together with its task counts and spend
type Summary struct {
	Job    job.Job             `json:"job"`
	Tasks  map[task.Status]int `json:"tasks"`
	Budget budget.Report       `json:"budget"`
}

// GetJob returns one job
func (r *Reporter) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	return r.jobs.Get(ctx, jobID)
}

// ListJobs returns jobs newest first
func (r *Reporter) ListJobs(ctx context.Context, f job.Filter, p job.Page) ([]job.Job, error) {
	return r.jobs.List(ctx, f, p)
}

// ListTasks returns the tasks of jobID in registration order. An unknown job is
// JobNotFound rather than an empty list.
func (r *Reporter) ListTasks(ctx context.Context, jobID string) ([]task.Task, error) {
	if _, err := r.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return r.tasks.List(ctx, jobID)
}

// GetBudgetReport returns the committed spend of jobID
func (r *Reporter) GetBudgetReport(ctx context.Context, jobID string) (budget.Report, error) {
	if _, err := r.jobs.Get(ctx, jobID); err != nil {
		return budget.Report{}, err
	}
	return r.ledger.Report(ctx, jobID)
}

// GetGlobalBudgetReport returns the spend of every job together
func (r *Reporter) GetGlobalBudgetReport(ctx context.Context) (budget.Report, error) {
	return r.ledger.GlobalReport(ctx)
}

// GetHistory returns the phase transitions of jobID, oldest first
func (r *Reporter) GetHistory(ctx context.Context, jobID string) ([]workflow.Transition, error) {
	if _, err := r.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return r.journal.History(ctx, jobID)
}

// GetSummary combines GetJob, task counts and GetBudgetReport
func (r *Reporter) GetSummary(ctx context.Context, jobID string) (Summary, error) {
	j, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	counts, err := r.tasks.Counts(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	spend, err := r.ledger.Report(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Job: j, Tasks: counts, Budget: spend}, nil
}
