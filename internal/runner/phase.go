package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/foundry/internal/agent"
	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/llm"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/telemetry"
	"github.com/felixgeelhaar/foundry/internal/workflow"
)

// runPhase executes every step of a's phase under a phase task
func (r *Runner) runPhase(ctx context.Context, rn *run, a agent.Agent) (err error) {
	started := time.Now()
	ctx, span := telemetry.StartPhaseSpan(ctx, rn.job.ID, string(a.Phase))
	logger := r.logger.ForPhase(rn.job.ID, string(a.Phase))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		r.metrics.PhaseEnded(string(a.Phase), result, time.Since(started))
		span.End()
	}()

	phaseTask := task.Task{
		JobID:       rn.job.ID,
		ID:          a.Phase.Lower(),
		Phase:       a.Phase,
		Type:        "phase",
		Description: fmt.Sprintf("%s phase run by the %s agent", a.Phase, a.Name),
	}
	if prev, ok := previousPhase(a.Phase); ok {
		phaseTask.DependsOn = []string{prev.Lower()}
	}
	if err := r.ensureStarted(ctx, phaseTask); err != nil {
		return err
	}
	logger.Info("phase started", "agent", a.Name, "steps", len(a.Steps))

	for _, step := range a.Steps {
		if err := r.checkpoint(ctx, rn); err != nil {
			return err
		}
		if err := r.runStep(ctx, rn, a, step, logger); err != nil {
			return err
		}
	}
	return r.completeTask(ctx, rn.job.ID, phaseTask.ID, fmt.Sprintf("%d steps", len(a.Steps)))
}

// runStep makes one admitted, retried model call and applies the reply
func (r *Runner) runStep(ctx context.Context, rn *run, a agent.Agent, step agent.Step, logger *log.Logger) error {
	prompt, err := a.Prompt(agent.Input{Vision: rn.job.Vision, Step: step, Prior: rn.prior})
	if err != nil {
		return err
	}
	cfg := llm.AgentConfig{
		Agent:       a.Name,
		Step:        step.Name,
		Model:       r.cfg.Model,
		System:      a.System(),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		Timeout:     r.cfg.Timeout,
		JSON:        true,
	}
	estimate := r.estimator.Estimate(cfg.Model, cfg.System+"\n"+prompt, cfg.MaxTokens)

	var resp llm.Response
	attempts, err := r.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		decision, err := r.ledger.Reserve(ctx, rn.job.ID, estimate)
		if err != nil {
			return &ledgerFailure{err: err}
		}
		if decision.Denied() {
			r.metrics.BudgetDenied(string(decision.Reason))
			return &denial{decision: decision}
		}

		callCtx, span := telemetry.StartLLMSpan(ctx, a.Name, cfg.Model, attempt)
		began := time.Now()
		res, err := llm.Call(callCtx, r.invoker, prompt, cfg)
		elapsed := time.Since(began)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			r.metrics.LLMCall(a.Name, llm.KindOf(err).String(), elapsed)
			return err
		}
		telemetry.RecordSuccess(span,
			attribute.Int("llm.prompt_tokens", res.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", res.Usage.CompletionTokens),
		)
		span.End()
		r.metrics.LLMCall(a.Name, "ok", elapsed)
		resp = res
		return nil
	}, retryable, func(attempt int, err error, wait time.Duration) {
		r.metrics.LLMRetry(a.Name, llm.KindOf(err).String())
		logger.Warn("model call failed, retrying",
			"agent", a.Name, "step", step.Name, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return err
	}

	model := resp.Model
	if model == "" {
		model = cfg.Model
	}
	cost := r.estimator.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	// the call is paid for even if the job is being interrupted
	if err := r.ledger.Record(context.WithoutCancel(ctx), budget.Usage{
		JobID:            rn.job.ID,
		Phase:            string(a.Phase),
		Agent:            a.Name,
		Model:            model,
		Cost:             cost,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}); err != nil {
		return err
	}
	r.metrics.LLMUsage(a.Name, model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost.USD())
	logger.Info("model call succeeded",
		"agent", a.Name, "step", step.Name, "attempts", attempts,
		"tokens", resp.Usage.Total(), "cost", cost.String())

	reply, err := agent.ParseReply(resp.Text)
	if err != nil {
		return err
	}
	return r.applyReply(ctx, rn, a, step, reply)
}

// ledgerFailure is a ledger error met while attempting a model call
type ledgerFailure struct {
	err error
}

func (f *ledgerFailure) Error() string { return f.err.Error() }
func (f *ledgerFailure) Unwrap() error { return f.err }

// retryable admits model failures llm classifies as transient, including
// untyped invoker errors. Budget denials and ledger errors are final.
func retryable(err error) bool {
	var (
		d  *denial
		lf *ledgerFailure
	)
	if stderrors.As(err, &d) || stderrors.As(err, &lf) {
		return false
	}
	return llm.Retryable(err)
}

// applyReply records the reply's tasks in dependency order and stores their
// artifacts. Task ids are prefixed with the step name so replies of different
// steps cannot collide.
func (r *Runner) applyReply(ctx context.Context, rn *run, a agent.Agent, step agent.Step, reply agent.Reply) error {
	ordered, err := reply.Ordered()
	if err != nil {
		return err
	}
	scoped := func(id string) string { return step.Name + "/" + id }
	inReply := make(map[string]bool, len(ordered))
	for _, t := range ordered {
		inReply[t.ID] = true
	}

	for _, rt := range ordered {
		deps := make([]string, 0, len(rt.DependsOn))
		for _, d := range rt.DependsOn {
			if inReply[d] {
				deps = append(deps, scoped(d))
				continue
			}
			// earlier work the reply refers to counts only once it is settled
			if prev, err := r.tasks.Get(ctx, rn.job.ID, d); err == nil && prev.Status.SatisfiesDependency() {
				deps = append(deps, d)
			} else {
				rn.logger.Debug("dropping unknown dependency", "task_id", scoped(rt.ID), "depends_on", d)
			}
		}

		t := task.Task{
			JobID:       rn.job.ID,
			ID:          scoped(rt.ID),
			Phase:       a.Phase,
			Type:        rt.Type,
			Description: rt.Description,
			DependsOn:   deps,
		}
		if err := r.ensureStarted(ctx, t); err != nil {
			if stderrors.Is(err, errors.ErrInvalidTask) {
				return errors.Wrap(errors.ErrCodeLLMFatal,
					fmt.Sprintf("%s agent produced an unusable task %q", a.Name, rt.ID), err)
			}
			return err
		}
		n, err := r.writeArtifacts(rn, a, reply.ArtifactsFor(rt.ID))
		if err != nil {
			return err
		}
		if err := r.completeTask(ctx, rn.job.ID, t.ID, fmt.Sprintf("%d artifacts", n)); err != nil {
			return err
		}
	}

	_, err = r.writeArtifacts(rn, a, reply.ArtifactsFor(""))
	return err
}

// writeArtifacts stores artifacts in the job workspace. A path the workspace rejects
// is the model's fault and fails the job as fatal.
func (r *Runner) writeArtifacts(rn *run, a agent.Agent, artifacts []agent.Artifact) (int, error) {
	for _, art := range artifacts {
		info, err := rn.ws.WriteArtifact(art.Path, []byte(art.Content))
		if err != nil {
			if stderrors.Is(err, errors.ErrWorkspacePath) {
				return 0, errors.Wrap(errors.ErrCodeLLMFatal,
					fmt.Sprintf("%s agent produced an unusable artifact path %q", a.Name, art.Path), err)
			}
			return 0, err
		}
		art.Path = info.Path
		rn.prior = append(rn.prior, art)
		rn.logger.Debug("artifact written", "path", info.Path, "size", info.Size, "digest", info.Digest)
	}
	return len(artifacts), nil
}

// previousPhase is the work phase before p
func previousPhase(p workflow.Phase) (workflow.Phase, bool) {
	phases := workflow.WorkPhases()
	for i, candidate := range phases {
		if candidate == p && i > 0 {
			return phases[i-1], true
		}
	}
	return "", false
}
