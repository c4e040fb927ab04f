package runner

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/llm"
	"github.com/felixgeelhaar/foundry/internal/llm/llmtest"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/metrics"
	"github.com/felixgeelhaar/foundry/internal/retry"
	"github.com/felixgeelhaar/foundry/internal/store"
	"github.com/felixgeelhaar/foundry/internal/store/storetest"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/workflow"
	"github.com/felixgeelhaar/foundry/internal/workspace"
)

// fixedCounter counts every text as n tokens
type fixedCounter int

func (c fixedCounter) Count(string) int { return int(c) }

type harness struct {
	db      *store.DB
	jobs    *job.Registry
	tasks   *task.Store
	journal *workflow.Journal
	ledger  *budget.Ledger
	metrics *metrics.Metrics
	fake    *llmtest.Fake
	runner  *Runner
	root    string
}

type harnessConfig struct {
	limits    budget.Limits
	estimator *budget.Estimator
	git       bool
	maxTokens int
}

type harnessOption func(*harnessConfig)

func withLimits(l budget.Limits) harnessOption {
	return func(c *harnessConfig) { c.limits = l }
}

func withEstimator(e *budget.Estimator) harnessOption {
	return func(c *harnessConfig) { c.estimator = e }
}

func withGit() harnessOption {
	return func(c *harnessConfig) { c.git = true }
}

func withMaxTokens(n int) harnessOption {
	return func(c *harnessConfig) { c.maxTokens = n }
}

func fastRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func newHarness(t *testing.T, handler llmtest.Handler, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		estimator: budget.NewEstimator(budget.NewPriceTable(nil, budget.Price{}), budget.HeuristicCounter{}, 0.5),
		maxTokens: 1000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := storetest.Open(t)
	root := t.TempDir()
	_, m := metrics.NewRegistry()
	h := &harness{
		db:      db,
		jobs:    job.NewRegistry(db, job.WithLogger(log.Nop()), job.WithWorkspaceRoot(root)),
		tasks:   task.NewStore(db, task.WithLogger(log.Nop())),
		journal: workflow.NewJournal(db),
		ledger:  budget.NewLedger(db, cfg.limits, budget.WithLedgerLogger(log.Nop())),
		metrics: m,
		fake:    llmtest.New(handler),
		root:    root,
	}
	h.runner = New(Deps{
		Jobs:       h.jobs,
		Tasks:      h.tasks,
		Journal:    h.journal,
		Ledger:     h.ledger,
		Estimator:  cfg.estimator,
		Invoker:    h.fake,
		Workspaces: workspace.NewManager(root, workspace.WithGit(cfg.git), workspace.WithLogger(log.Nop())),
		Metrics:    m,
		Logger:     log.Nop(),
	}, Config{
		Model:     "test-model",
		MaxTokens: cfg.maxTokens,
		Retry:     fastRetry(),
	})
	t.Cleanup(func() { _ = h.runner.Shutdown(context.Background()) })
	return h
}

func (h *harness) submit(t *testing.T) job.Job {
	t.Helper()
	j, err := h.jobs.Submit(context.Background(), "a recipe sharing site")
	require.NoError(t, err)
	return j
}

func (h *harness) taskStatus(t *testing.T, jobID, taskID string) task.Status {
	t.Helper()
	tk, err := h.tasks.Get(context.Background(), jobID, taskID)
	require.NoError(t, err)
	return tk.Status
}

func TestRunCompletesPipeline(t *testing.T) {
	h := newHarness(t, llmtest.Succeed(llm.TokenUsage{PromptTokens: 10, CompletionTokens: 20}), withGit())
	ctx := context.Background()
	j := h.submit(t)

	done, err := h.runner.Run(ctx, j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Equal(t, job.ReasonCompleted, done.Reason)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, workflow.PhaseCompleted, done.CurrentPhase)
	assert.Empty(t, done.Error)
	assert.Equal(t, 7, h.fake.Count())

	history, err := h.journal.History(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, workflow.PhaseCompleted, history[5].To)

	counts, err := h.tasks.Counts(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1+6+7, counts[task.StatusCompleted])
	assert.Zero(t, counts[task.StatusInProgress])

	assert.Equal(t, task.StatusCompleted, h.taskStatus(t, j.ID, RootTaskID))
	assert.Equal(t, task.StatusCompleted, h.taskStatus(t, j.ID, "development"))
	assert.Equal(t, task.StatusCompleted, h.taskStatus(t, j.ID, "implement/development-implement"))

	report, err := h.ledger.Report(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), report.Total.Calls)
	assert.Equal(t, int64(7*30), report.Total.Tokens)

	ws, err := workspace.NewManager(h.root, workspace.WithLogger(log.Nop())).Create(ctx, j.ID, j.WorkspacePath)
	require.NoError(t, err)
	artifacts, err := ws.Artifacts()
	require.NoError(t, err)
	assert.Len(t, artifacts, 7)

	repo, err := git.PlainOpen(j.WorkspacePath)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "FRONTEND: frontend", commit.Message)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.JobsFinished.WithLabelValues("completed", "completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.JobsRunning))
}

func TestLaterPhasesSeeEarlierArtifacts(t *testing.T) {
	h := newHarness(t, llmtest.Succeed(llm.TokenUsage{}))
	j := h.submit(t)

	_, err := h.runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	calls := h.fake.Calls()
	require.Len(t, calls, 7)
	assert.NotContains(t, calls[0].Prompt, "out/meta-brief.txt")
	assert.Contains(t, calls[1].Prompt, "out/meta-brief.txt")
	assert.Contains(t, calls[6].Prompt, "out/development-implement.txt")
}

func TestRetriesExhaustedFailsJob(t *testing.T) {
	h := newHarness(t, llmtest.FailAgent("architecture", llm.KindRateLimited, llmtest.Succeed(llm.TokenUsage{})))
	ctx := context.Background()
	j := h.submit(t)

	done, err := h.runner.Run(ctx, j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, done.Status)
	assert.Equal(t, job.ReasonRetriesExhausted, done.Reason)
	assert.Equal(t, workflow.PhaseArchitecture, done.CurrentPhase)
	assert.Contains(t, done.Error, "retries exhausted")
	assert.Equal(t, 3, h.fake.CountFor("architecture"))
	assert.Zero(t, h.fake.CountFor("development"))

	state, err := h.journal.Load(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseFailed, state.Current)
	assert.Equal(t, workflow.PhaseArchitecture, state.LastWorkPhase())

	assert.Equal(t, task.StatusFailed, h.taskStatus(t, j.ID, RootTaskID))
	assert.Equal(t, task.StatusFailed, h.taskStatus(t, j.ID, "architecture"))
	assert.Equal(t, task.StatusCompleted, h.taskStatus(t, j.ID, "design"))

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.LLMRetries.WithLabelValues("architecture", "rate_limited")))
}

func TestUntypedProviderErrorIsRetried(t *testing.T) {
	succeed := llmtest.Succeed(llm.TokenUsage{})
	var failed atomic.Bool
	h := newHarness(t, func(ctx context.Context, call llmtest.Call, n int) (llm.Response, error) {
		if call.Config.Agent == "architecture" && failed.CompareAndSwap(false, true) {
			return llm.Response{}, stderrors.New("read tcp: connection reset by peer")
		}
		return succeed(ctx, call, n)
	})
	j := h.submit(t)

	done, err := h.runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Equal(t, 2, h.fake.CountFor("architecture"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.LLMRetries.WithLabelValues("architecture", "provider_error")))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"untyped", stderrors.New("connection reset"), true},
		{"rate limited", llm.Errorf(llm.KindRateLimited, "slow down"), true},
		{"timeout", llm.Errorf(llm.KindTimeout, "too slow"), true},
		{"fatal", llm.Errorf(llm.KindFatal, "bad request"), false},
		{"cancelled", context.Canceled, false},
		{"denied", &denial{decision: budget.Decision{Reason: budget.DenyProjectCeiling}}, false},
		{"ledger", &ledgerFailure{err: stderrors.New("database is locked")}, false},
		{"unusable reply", errors.New(errors.ErrCodeLLMFatal, "no JSON"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestProjectCeilingStopsJob(t *testing.T) {
	prices := budget.NewPriceTable(nil, budget.Price{InputPerMTok: budget.Dollar, OutputPerMTok: budget.Dollar})
	h := newHarness(t,
		llmtest.Succeed(llm.TokenUsage{PromptTokens: 100, CompletionTokens: 100}),
		withLimits(budget.Limits{ProjectCeiling: 400 * budget.Microdollar}),
		withEstimator(budget.NewEstimator(prices, fixedCounter(100), 0.5)),
		withMaxTokens(100),
	)
	ctx := context.Background()
	j := h.submit(t)

	done, err := h.runner.Run(ctx, j.ID)
	require.NoError(t, err)

	// each call is estimated at 150 and costs 200: the third estimate would pass 400
	assert.Equal(t, job.StatusQuotaExhausted, done.Status)
	assert.Equal(t, job.ReasonProjectCeiling, done.Reason)
	assert.Equal(t, workflow.PhaseDesign, done.CurrentPhase)
	assert.Contains(t, done.Error, "budget_project_ceiling")
	assert.Equal(t, 2, h.fake.Count())

	report, err := h.ledger.Report(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 400*budget.Microdollar, report.Total.Cost)

	assert.Equal(t, task.StatusSkipped, h.taskStatus(t, j.ID, RootTaskID))
	assert.Equal(t, task.StatusSkipped, h.taskStatus(t, j.ID, "design"))
	assert.Equal(t, task.StatusCompleted, h.taskStatus(t, j.ID, "requirements"))

	// a quota stop is not a workflow failure
	state, err := h.journal.Load(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseDesign, state.Current)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BudgetDenials.WithLabelValues("budget_project_ceiling")))
}

func TestCancelStopsAtNextCheckpoint(t *testing.T) {
	var h *harness
	var jobID string
	succeed := llmtest.Succeed(llm.TokenUsage{})
	h = newHarness(t, func(ctx context.Context, call llmtest.Call, n int) (llm.Response, error) {
		if call.Config.Step == "scaffold" {
			_, err := h.jobs.RequestCancel(ctx, jobID)
			require.NoError(t, err)
		}
		return succeed(ctx, call, n)
	})
	ctx := context.Background()
	j := h.submit(t)
	jobID = j.ID

	done, err := h.runner.Run(ctx, j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusCancelled, done.Status)
	assert.Equal(t, job.ReasonCancelRequested, done.Reason)
	assert.Equal(t, workflow.PhaseDevelopment, done.CurrentPhase)
	assert.True(t, done.CancelRequested)
	assert.Zero(t, h.fake.CountFor("frontend"))

	assert.Equal(t, task.StatusCompleted, h.taskStatus(t, j.ID, "scaffold/development-scaffold"))
	assert.Equal(t, task.StatusSkipped, h.taskStatus(t, j.ID, "development"))
	assert.Equal(t, task.StatusSkipped, h.taskStatus(t, j.ID, RootTaskID))

	_, err = h.tasks.Get(ctx, j.ID, "implement/development-implement")
	assert.ErrorIs(t, err, errors.ErrTaskNotFound)
}

func TestUnreadableReplyIsFatal(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call llmtest.Call, _ int) (llm.Response, error) {
		return llm.Response{Text: "I would rather not.", Model: call.Config.Model}, nil
	})
	j := h.submit(t)

	done, err := h.runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, done.Status)
	assert.Equal(t, job.ReasonLLMFatal, done.Reason)
	assert.Equal(t, workflow.PhaseMeta, done.CurrentPhase)
	assert.Equal(t, 1, h.fake.Count(), "a fatal reply is not retried")

	report, err := h.ledger.Report(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Total.Calls, "the call is paid for")
}

func TestEscapingArtifactPathIsFatal(t *testing.T) {
	h := newHarness(t, func(_ context.Context, call llmtest.Call, _ int) (llm.Response, error) {
		text := `{"tasks":[{"id":"a"}],"artifacts":[{"path":"../../etc/evil","content":"x","task":"a"}]}`
		return llm.Response{Text: text, Model: call.Config.Model}, nil
	})
	j := h.submit(t)

	done, err := h.runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, done.Status)
	assert.Equal(t, job.ReasonLLMFatal, done.Reason)
	assert.Equal(t, task.StatusFailed, h.taskStatus(t, j.ID, "brief/a"))

	_, err = os.Stat(filepath.Join(h.root, "..", "etc", "evil"))
	assert.True(t, os.IsNotExist(err))
}

func TestOverlongTaskIDIsFatal(t *testing.T) {
	long := strings.Repeat("a", 128)
	h := newHarness(t, func(_ context.Context, call llmtest.Call, _ int) (llm.Response, error) {
		return llm.Response{Text: `{"tasks":[{"id":"` + long + `"}]}`, Model: call.Config.Model}, nil
	})
	j := h.submit(t)

	done, err := h.runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, done.Status)
	assert.Equal(t, job.ReasonLLMFatal, done.Reason)
	assert.Equal(t, workflow.PhaseMeta, done.CurrentPhase)
	assert.Contains(t, done.Error, "unusable task")
	assert.Equal(t, 1, h.fake.Count())
}

func TestWorkspaceConflictFailsJob(t *testing.T) {
	h := newHarness(t, llmtest.Succeed(llm.TokenUsage{}))
	j := h.submit(t)

	require.NoError(t, os.MkdirAll(j.WorkspacePath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(j.WorkspacePath, workspace.MarkerFile), []byte("someone-else\n"), 0o644))

	done, err := h.runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, done.Status)
	assert.Equal(t, job.ReasonWorkspaceConflict, done.Reason)
	assert.Contains(t, done.Error, "someone-else")
	assert.Zero(t, h.fake.Count())
}

func TestRunRejectsClaimedJob(t *testing.T) {
	h := newHarness(t, llmtest.Succeed(llm.TokenUsage{}))
	j := h.submit(t)

	_, err := h.runner.Run(context.Background(), j.ID)
	require.NoError(t, err)

	_, err = h.runner.Run(context.Background(), j.ID)
	assert.ErrorIs(t, err, errors.ErrAlreadyClaimed)
	assert.Equal(t, 7, h.fake.Count())
}

func TestShutdownInterruptsRunningJobs(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ llmtest.Call, n int) (llm.Response, error) {
		if n == 1 {
			close(entered)
		}
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	})
	ctx := context.Background()
	j := h.submit(t)

	require.NoError(t, h.runner.Start(ctx, j.ID))
	<-entered

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Shutdown(shutdownCtx))

	done, err := h.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, done.Status)
	assert.Equal(t, job.ReasonShutdown, done.Reason)
	assert.Equal(t, workflow.PhaseMeta, done.CurrentPhase)
	assert.Empty(t, h.jobs.Running())

	assert.ErrorIs(t, h.runner.Start(ctx, h.submit(t).ID), ErrClosed)
}

func TestStartRunsInBackground(t *testing.T) {
	h := newHarness(t, llmtest.Succeed(llm.TokenUsage{}))
	ctx := context.Background()
	j := h.submit(t)

	require.NoError(t, h.runner.Start(ctx, j.ID))
	assert.ErrorIs(t, h.runner.Start(ctx, j.ID), errors.ErrAlreadyClaimed)
	h.runner.Wait()

	done, err := h.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, done.Status)
}

func TestPreviousPhase(t *testing.T) {
	_, ok := previousPhase(workflow.PhaseMeta)
	assert.False(t, ok)

	p, ok := previousPhase(workflow.PhaseFrontend)
	require.True(t, ok)
	assert.Equal(t, workflow.PhaseDevelopment, p)
}

func TestDispatcherRunsQueuedJobs(t *testing.T) {
	h := newHarness(t, llmtest.Succeed(llm.TokenUsage{}))
	ids := []string{h.submit(t).ID, h.submit(t).ID, h.submit(t).ID}

	d := NewDispatcher(h.runner, h.jobs, 2, 5*time.Millisecond, log.Nop())
	_, capacity := d.Load()
	assert.Equal(t, 2, capacity)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := h.jobs.Get(context.Background(), id)
			if err != nil || j.Status != job.StatusCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	running, _ := d.Load()
	assert.Zero(t, running)
}
