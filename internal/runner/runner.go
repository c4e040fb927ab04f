// Package runner drives claimed jobs through the workflow phases: it invokes each
// phase's agent under the budget and retry policy, records tasks and artifacts,
// and settles the job in exactly one terminal status.
package runner

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/llm"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/metrics"
	"github.com/felixgeelhaar/foundry/internal/retry"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/workflow"
	"github.com/felixgeelhaar/foundry/internal/workspace"
)

// ErrClosed is returned once Shutdown has been called
var ErrClosed = stderrors.New("runner is shut down")

// RootTaskID names the task that spans a whole job
const RootTaskID = "root"

// RootTask is the task registered with every submitted job
func RootTask(jobID string) task.Task {
	return task.Task{
		JobID:       jobID,
		ID:          RootTaskID,
		Phase:       workflow.PhaseMeta,
		Type:        "job",
		Description: "run the generation pipeline",
	}
}

// Config tunes the model calls a runner makes
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Retry       retry.Policy
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Model:       llm.DefaultModel,
		MaxTokens:   4096,
		Temperature: 0.2,
		Timeout:     2 * time.Minute,
		Retry:       retry.DefaultPolicy(),
	}
}

// Deps are the collaborators a runner needs. Machine, Metrics and Logger are optional.
type Deps struct {
	Jobs       *job.Registry
	Tasks      *task.Store
	Journal    *workflow.Journal
	Machine    *workflow.Machine
	Ledger     *budget.Ledger
	Estimator  *budget.Estimator
	Invoker    llm.Invoker
	Workspaces *workspace.Manager
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// Runner executes jobs. Each job runs on its own goroutine; a runner may execute
// many jobs at once.
type Runner struct {
	jobs       *job.Registry
	tasks      *task.Store
	journal    *workflow.Journal
	machine    *workflow.Machine
	ledger     *budget.Ledger
	estimator  *budget.Estimator
	invoker    llm.Invoker
	workspaces *workspace.Manager
	metrics    *metrics.Metrics
	logger     *log.Logger
	cfg        Config

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a runner
func New(deps Deps, cfg Config) *Runner {
	if deps.Machine == nil {
		deps.Machine = workflow.NewMachine()
	}
	if deps.Logger == nil {
		deps.Logger = log.L()
	}
	if cfg.Model == "" {
		cfg.Model = llm.DefaultModel
	}
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		jobs:       deps.Jobs,
		tasks:      deps.Tasks,
		journal:    deps.Journal,
		machine:    deps.Machine,
		ledger:     deps.Ledger,
		estimator:  deps.Estimator,
		invoker:    deps.Invoker,
		workspaces: deps.Workspaces,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		base:       base,
		stop:       stop,
	}
}

// Start claims jobID and executes it in the background. The claim happens before
// Start returns, so a nil error means this process owns the job. The job keeps
// running after ctx ends; use Cancel or Shutdown to stop it.
func (r *Runner) Start(ctx context.Context, jobID string) error {
	if err := r.enter(); err != nil {
		return err
	}
	h, err := r.jobs.Claim(ctx, jobID)
	if err != nil {
		r.wg.Done()
		return err
	}

	go func() {
		defer r.wg.Done()
		jobCtx, cancel := r.jobContext(context.WithoutCancel(ctx))
		defer cancel()
		r.execute(jobCtx, h)
	}()
	return nil
}

// Run claims jobID, executes it on the calling goroutine and returns the job in
// its terminal status. Cancelling ctx interrupts the job.
func (r *Runner) Run(ctx context.Context, jobID string) (job.Job, error) {
	if err := r.enter(); err != nil {
		return job.Job{}, err
	}
	defer r.wg.Done()

	h, err := r.jobs.Claim(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	jobCtx, cancel := r.jobContext(ctx)
	defer cancel()
	r.execute(jobCtx, h)

	return r.jobs.Get(context.WithoutCancel(ctx), jobID)
}

// Cancel asks a job to stop. A job running in this process stops at its next
// checkpoint; a job running elsewhere sees the durable flag.
func (r *Runner) Cancel(ctx context.Context, jobID string) (job.Job, error) {
	return r.jobs.RequestCancel(ctx, jobID)
}

// Wait blocks until every job started by this runner has settled
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting jobs, interrupts the running ones and waits for them to
// settle or for ctx to end
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) enter() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.wg.Add(1)
	return nil
}

// jobContext ends when parent ends or the runner shuts down
func (r *Runner) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(r.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
