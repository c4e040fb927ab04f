package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/felixgeelhaar/foundry/internal/agent"
	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/retry"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/telemetry"
	"github.com/felixgeelhaar/foundry/internal/workflow"
	"github.com/felixgeelhaar/foundry/internal/workspace"
)

// errCancelRequested stops a job at a checkpoint after a cancel request
var errCancelRequested = stderrors.New("cancel requested")

// denial is returned when the ledger refuses a call
type denial struct {
	decision budget.Decision
}

func (d *denial) Error() string {
	return fmt.Sprintf("%s: committed %s plus estimate %s exceeds ceiling %s",
		d.decision.Reason, d.decision.Committed, d.decision.Estimate, d.decision.Ceiling)
}

// run is the state of one job execution
type run struct {
	handle  *job.Handle
	job     job.Job
	ws      *workspace.Workspace
	state   workflow.State
	prior   []agent.Artifact
	logger  *log.Logger
	started time.Time
}

// outcome is how a job ends
type outcome struct {
	status job.Status
	opts   job.FinishOptions
	cause  error
}

func (r *Runner) execute(ctx context.Context, h *job.Handle) {
	rn := &run{handle: h, logger: r.logger.ForJob(h.JobID), started: time.Now()}
	r.metrics.JobStarted()
	ctx, span := telemetry.StartJobSpan(ctx, h.JobID)
	defer span.End()

	var out outcome
	func() {
		defer func() {
			if p := recover(); p != nil {
				rn.logger.Error("job panicked", "panic", p, "stack", string(debug.Stack()))
				out = outcome{
					status: job.StatusFailed,
					opts:   job.FinishOptions{Reason: job.ReasonInternalError, Error: fmt.Sprintf("panic: %v", p)},
					cause:  fmt.Errorf("panic: %v", p),
				}
			}
		}()
		out = r.drive(ctx, rn)
	}()

	j := r.settle(ctx, rn, out)
	r.metrics.JobEnded(string(j.Status), string(j.Reason), time.Since(rn.started))
	if out.cause != nil {
		r.metrics.Error(string(errors.CodeOf(out.cause)), "runner")
		telemetry.RecordError(span, out.cause)
	} else {
		telemetry.RecordSuccess(span)
	}
}

// drive runs phases until the workflow completes or something stops it
func (r *Runner) drive(ctx context.Context, rn *run) outcome {
	j, err := r.jobs.Get(ctx, rn.handle.JobID)
	if err != nil {
		return r.classify(ctx, err)
	}
	rn.job = j

	ws, err := r.workspaces.Create(ctx, j.ID, j.WorkspacePath)
	if err != nil {
		return r.classify(ctx, err)
	}
	rn.ws = ws

	state, err := r.journal.Load(ctx, j.ID)
	if err != nil {
		return r.classify(ctx, err)
	}
	if state.IsTerminal() {
		return r.classify(ctx, fmt.Errorf("workflow already in %s", state.Current))
	}
	rn.state = state

	if err := r.ensureStarted(ctx, RootTask(j.ID)); err != nil {
		return r.classify(ctx, err)
	}
	if err := r.jobs.UpdateProgress(ctx, j.ID, state.Current, state.Current.Progress()); err != nil {
		return r.classify(ctx, err)
	}
	if err := r.loadPrior(rn); err != nil {
		return r.classify(ctx, err)
	}
	rn.logger.Info("job started", "phase", state.Current, "workspace", ws.Path)

	for {
		if err := r.checkpoint(ctx, rn); err != nil {
			return r.classify(ctx, err)
		}
		if rn.state.Current == workflow.PhaseCompleted {
			return outcome{status: job.StatusCompleted, opts: job.FinishOptions{Reason: job.ReasonCompleted}}
		}

		a, ok := agent.For(rn.state.Current)
		if !ok {
			return r.classify(ctx, fmt.Errorf("no agent owns phase %s", rn.state.Current))
		}
		if err := r.runPhase(ctx, rn, a); err != nil {
			return r.classify(ctx, err)
		}
		if err := r.advance(ctx, rn, a); err != nil {
			return r.classify(ctx, err)
		}
	}
}

// checkpoint reports whether the job has to stop before its next step
func (r *Runner) checkpoint(ctx context.Context, rn *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rn.handle.IsCancelled() {
		return errCancelRequested
	}
	requested, err := r.jobs.CancelRequested(ctx, rn.handle.JobID)
	if err != nil {
		return err
	}
	if requested {
		rn.handle.Cancel()
		return errCancelRequested
	}
	return nil
}

// advance moves the workflow past a finished phase and commits its artifacts
func (r *Runner) advance(ctx context.Context, rn *run, a agent.Agent) error {
	next, ok := r.machine.Next(rn.state)
	if !ok {
		return fmt.Errorf("no phase follows %s", rn.state.Current)
	}
	state, err := r.machine.Transition(rn.state, next)
	if err != nil {
		return err
	}
	if err := r.journal.Append(ctx, rn.job.ID, state.History[len(state.History)-1]); err != nil {
		return err
	}
	rn.state = state

	if err := r.jobs.UpdateProgress(ctx, rn.job.ID, next, next.Progress()); err != nil {
		return err
	}

	hash, err := rn.ws.Commit(fmt.Sprintf("%s: %s", a.Phase, a.Name))
	if err != nil {
		return err
	}
	rn.logger.Info("phase completed", "phase", a.Phase, "next", next, "progress", next.Progress(), "commit", hash)
	return nil
}

// loadPrior makes artifacts left by an earlier run visible to later prompts
func (r *Runner) loadPrior(rn *run) error {
	infos, err := rn.ws.Artifacts()
	if err != nil {
		return err
	}
	for _, info := range infos {
		data, err := rn.ws.ReadArtifact(info.Path)
		if err != nil {
			return err
		}
		rn.prior = append(rn.prior, agent.Artifact{Path: info.Path, Content: string(data)})
	}
	return nil
}

// classify maps an error that stopped a job to its terminal status and reason
func (r *Runner) classify(ctx context.Context, err error) outcome {
	var d *denial
	switch {
	case stderrors.Is(err, errCancelRequested):
		return outcome{
			status: job.StatusCancelled,
			opts:   job.FinishOptions{Reason: job.ReasonCancelRequested, Error: "cancelled on request"},
		}
	case ctx.Err() != nil:
		return outcome{
			status: job.StatusCancelled,
			opts:   job.FinishOptions{Reason: job.ReasonShutdown, Error: "interrupted: " + ctx.Err().Error()},
		}
	case stderrors.As(err, &d):
		return outcome{
			status: job.StatusQuotaExhausted,
			opts:   job.FinishOptions{Reason: job.Reason(d.decision.Reason), Error: err.Error()},
		}
	}

	reason := job.ReasonInternalError
	switch {
	case stderrors.Is(err, retry.ErrExhausted):
		reason = job.ReasonRetriesExhausted
	case stderrors.Is(err, errors.ErrLLMFatal):
		reason = job.ReasonLLMFatal
	case stderrors.Is(err, errors.ErrWorkspaceConflict):
		reason = job.ReasonWorkspaceConflict
	case stderrors.Is(err, errors.ErrDependencyNotSatisfied):
		reason = job.ReasonDependencyViolation
	}
	return outcome{
		status: job.StatusFailed,
		opts:   job.FinishOptions{Reason: reason, Error: err.Error()},
		cause:  err,
	}
}

// settle records the outcome: open tasks are closed, the workflow is failed when
// the job failed, and the job is finished. Writes survive an ended ctx.
func (r *Runner) settle(ctx context.Context, rn *run, out outcome) job.Job {
	ctx = context.WithoutCancel(ctx)
	id := rn.handle.JobID
	logger := rn.logger

	phase := rn.state.Current
	if phase != "" && !phase.IsTerminal() {
		out.opts.Phase = phase
	}

	switch out.status {
	case job.StatusCompleted:
		if err := r.tasks.Complete(ctx, id, RootTaskID, "pipeline completed"); err != nil {
			logger.WithError(err).Warn("complete root task")
		} else {
			r.metrics.TaskTransition(string(task.StatusCompleted))
		}
	case job.StatusFailed:
		r.failInProgress(ctx, rn, out.opts.Error)
		if rn.state.JobID != "" && !rn.state.IsTerminal() {
			state, err := r.machine.Fail(rn.state, string(out.opts.Reason))
			if err == nil {
				err = r.journal.Append(ctx, id, state.History[len(state.History)-1])
			}
			if err != nil {
				logger.WithError(err).Warn("record workflow failure")
			} else {
				rn.state = state
			}
		}
	default:
		n, err := r.tasks.SkipInProgress(ctx, id, string(out.opts.Reason))
		if err != nil {
			logger.WithError(err).Warn("skip in-progress tasks")
		}
		for range n {
			r.metrics.TaskTransition(string(task.StatusSkipped))
		}
	}

	j, err := r.jobs.Finish(ctx, id, out.status, out.opts)
	if err != nil {
		if stderrors.Is(err, errors.ErrAlreadyTerminal) {
			logger.Warn("job already finished elsewhere", "status", out.status)
		} else {
			logger.WithError(err).Error("finish job")
		}
		if current, gerr := r.jobs.Get(ctx, id); gerr == nil {
			j = current
		} else {
			j = job.Job{ID: id, Status: out.status, Reason: out.opts.Reason}
		}
	}
	r.ledger.Forget(id)

	fields := []any{"status", j.Status, "reason", j.Reason, "phase", j.CurrentPhase, "duration", time.Since(rn.started).Round(time.Millisecond)}
	if out.status == job.StatusCompleted {
		logger.Info("job finished", fields...)
	} else {
		logger.Warn("job finished", append(fields, "error", out.opts.Error)...)
	}
	return j
}

// failInProgress fails every task still in progress
func (r *Runner) failInProgress(ctx context.Context, rn *run, reason string) {
	var ids []string
	for t, err := range r.tasks.ListByStatus(ctx, rn.handle.JobID, task.StatusInProgress) {
		if err != nil {
			rn.logger.WithError(err).Warn("list in-progress tasks")
			return
		}
		ids = append(ids, t.ID)
	}
	for _, id := range ids {
		if err := r.tasks.Fail(ctx, rn.handle.JobID, id, reason); err != nil {
			rn.logger.WithError(err).Warn("fail task", "task_id", id)
			continue
		}
		r.metrics.TaskTransition(string(task.StatusFailed))
	}
}

// ensureStarted registers t unless it exists and moves it to in_progress unless it
// is already there
func (r *Runner) ensureStarted(ctx context.Context, t task.Task) error {
	if _, err := r.tasks.Register(ctx, t); err == nil {
		r.metrics.TaskTransition(string(task.StatusRegistered))
	} else if !stderrors.Is(err, errors.ErrDuplicateTask) {
		return err
	}

	current, err := r.tasks.Get(ctx, t.JobID, t.ID)
	if err != nil {
		return err
	}
	switch current.Status {
	case task.StatusInProgress:
		return nil
	case task.StatusFailed, task.StatusSkipped:
		if err := r.tasks.Reset(ctx, t.JobID, t.ID, "job resumed"); err != nil {
			return err
		}
	case task.StatusCompleted:
		return nil
	}
	if err := r.tasks.Start(ctx, t.JobID, t.ID); err != nil {
		return err
	}
	r.metrics.TaskTransition(string(task.StatusInProgress))
	return nil
}

func (r *Runner) completeTask(ctx context.Context, jobID, taskID, result string) error {
	if err := r.tasks.Complete(ctx, jobID, taskID, result); err != nil {
		return err
	}
	r.metrics.TaskTransition(string(task.StatusCompleted))
	return nil
}
