// Package app assembles the store, registries, ledger, runner and reporter from
// configuration. Commands and the server share one App per process.
package app

import (
	"context"
	stderrors "errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/config"
	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/llm"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/metrics"
	"github.com/felixgeelhaar/foundry/internal/report"
	"github.com/felixgeelhaar/foundry/internal/retry"
	"github.com/felixgeelhaar/foundry/internal/runner"
	"github.com/felixgeelhaar/foundry/internal/store"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/workflow"
	"github.com/felixgeelhaar/foundry/internal/workspace"
)

// App is a fully wired foundry instance
type App struct {
	Config     *config.Config
	Logger     *log.Logger
	DB         *store.DB
	Jobs       *job.Registry
	Tasks      *task.Store
	Journal    *workflow.Journal
	Ledger     *budget.Ledger
	Estimator  *budget.Estimator
	Invoker    llm.Invoker
	Workspaces *workspace.Manager
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Runner     *runner.Runner
	Reporter   *report.Reporter
}

type options struct {
	invoker llm.Invoker
	logger  *log.Logger
	counter budget.TokenCounter
}

// Option customises New
type Option func(*options)

// WithInvoker replaces the configured model provider
func WithInvoker(inv llm.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// WithLogger replaces the logger built from the log section
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTokenCounter replaces the tiktoken counter
func WithTokenCounter(c budget.TokenCounter) Option {
	return func(o *options) { o.counter = c }
}

// New opens the store, applies migrations and wires every component
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		lc, err := log.FromStrings(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "log settings", err)
		}
		logger = log.New(lc)
	}

	limits, err := budgetLimits(cfg.Budget)
	if err != nil {
		return nil, err
	}
	prices, err := budget.LoadPrices(cfg.Budget.PricesFile)
	if err != nil {
		return nil, err
	}
	counter := o.counter
	if counter == nil {
		counter = budget.NewCounter(cfg.Budget.Encoding, logger)
	}

	invoker := o.invoker
	if invoker == nil {
		invoker, err = newInvoker(cfg.LLM)
		if err != nil {
			return nil, err
		}
	}

	db, err := store.Open(ctx, store.Config{
		Driver:       store.Driver(cfg.Storage.Driver),
		DSN:          cfg.Storage.DSN,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	reg, m := metrics.NewProcessRegistry()
	a := &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Jobs:       job.NewRegistry(db, job.WithLogger(logger), job.WithWorkspaceRoot(cfg.Workspace.Root)),
		Tasks:      task.NewStore(db, task.WithLogger(logger)),
		Journal:    workflow.NewJournal(db),
		Estimator:  budget.NewEstimator(prices, counter, cfg.Budget.EstimateOutputPct),
		Invoker:    invoker,
		Workspaces: workspace.NewManager(cfg.Workspace.Root, workspace.WithGit(cfg.Workspace.GitCommit), workspace.WithLogger(logger)),
		Registry:   reg,
		Metrics:    m,
	}
	a.Ledger = budget.NewLedger(db, limits,
		budget.WithLedgerLogger(logger),
		budget.WithThresholds(cfg.Budget.WarnThresholds),
		budget.OnThreshold(func(jobID string, threshold int, percent float64) {
			logger.ForJob(jobID).Warn("budget threshold crossed", "threshold", threshold, "percent_used", percent)
		}),
	)
	a.Runner = runner.New(runner.Deps{
		Jobs:       a.Jobs,
		Tasks:      a.Tasks,
		Journal:    a.Journal,
		Ledger:     a.Ledger,
		Estimator:  a.Estimator,
		Invoker:    a.Invoker,
		Workspaces: a.Workspaces,
		Metrics:    a.Metrics,
		Logger:     logger,
	}, runner.Config{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Retry: retry.Policy{
			MaxAttempts:         cfg.Retry.MaxAttempts,
			InitialInterval:     cfg.Retry.InitialInterval,
			MaxInterval:         cfg.Retry.MaxInterval,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.Randomization,
		},
	})
	a.Reporter = report.New(a.Jobs, a.Tasks, a.Ledger, a.Journal)
	return a, nil
}

// Submit queues a job for vision together with its root task
func (a *App) Submit(ctx context.Context, vision string) (job.Job, error) {
	j, err := store.Transact(ctx, a.DB, func(tx *store.Tx) (job.Job, error) {
		j, err := a.Jobs.SubmitTx(ctx, tx, vision)
		if err != nil {
			return job.Job{}, err
		}
		if _, err := a.Tasks.RegisterTx(ctx, tx, runner.RootTask(j.ID)); err != nil {
			return job.Job{}, err
		}
		return j, nil
	})
	if err != nil {
		return job.Job{}, err
	}
	a.Metrics.JobsSubmitted.Inc()
	return j, nil
}

// Orphans lists jobs marked running that no process in this instance owns. With
// reconcile they are failed with reason orphaned.
func (a *App) Orphans(ctx context.Context, reconcile bool) ([]job.Job, error) {
	orphans, err := a.Jobs.FindOrphanedRunningJobs(ctx)
	if err != nil || !reconcile {
		return orphans, err
	}

	out := make([]job.Job, 0, len(orphans))
	for _, o := range orphans {
		j, err := a.Jobs.MarkOrphaned(ctx, o.ID)
		if err != nil {
			if stderrors.Is(err, errors.ErrAlreadyTerminal) {
				continue
			}
			return out, err
		}
		a.Ledger.Forget(o.ID)
		out = append(out, j)
	}
	return out, nil
}

// Close shuts the runner down and releases the store
func (a *App) Close(ctx context.Context) error {
	return stderrors.Join(a.Runner.Shutdown(ctx), a.DB.Close())
}

func budgetLimits(c config.BudgetConfig) (budget.Limits, error) {
	project, err := budget.ParseUSD(c.ProjectCeilingUSD)
	if err != nil {
		return budget.Limits{}, err
	}
	hourly, err := budget.ParseUSD(c.HourlyCeilingUSD)
	if err != nil {
		return budget.Limits{}, err
	}
	return budget.Limits{ProjectCeiling: project, HourlyCeiling: hourly}, nil
}

func newInvoker(c config.LLMConfig) (llm.Invoker, error) {
	var inv llm.Invoker
	switch c.Provider {
	case "echo":
		inv = llm.Echo{}
	default:
		client, err := llm.NewOpenAI(llm.OpenAIConfig{APIKey: c.APIKey, BaseURL: c.BaseURL, Model: c.Model})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "configure openai", err).
				WithSuggestion("Set llm.api_key, FOUNDRY_LLM_API_KEY or OPENAI_API_KEY, or use llm.provider: echo")
		}
		inv = client
	}
	return llm.NewThrottle(inv, int(c.RequestsPerMinute), c.Burst), nil
}

// Cancel asks a job to stop
func (a *App) Cancel(ctx context.Context, jobID string) (job.Job, error) {
	return a.Runner.Cancel(ctx, jobID)
}
