package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/foundry/internal/health"
	"github.com/felixgeelhaar/foundry/internal/metrics"
	"github.com/felixgeelhaar/foundry/internal/runner"
	"github.com/felixgeelhaar/foundry/internal/server"
	"github.com/felixgeelhaar/foundry/internal/telemetry"
	"github.com/felixgeelhaar/foundry/internal/version"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		address  string
		capacity int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run queued jobs and serve the reporting API",
		Long: `Run queued jobs in the background and serve the reporting API.

The server exposes:
  /v1/jobs        - Submit, list, inspect and cancel jobs
  /v1/budget      - Spend across all jobs
  /metrics        - Prometheus metrics
  /health/live    - Liveness probe (process alive and responsive)
  /health/ready   - Readiness probe (store reachable, workspace writable)
  /health/startup - Startup probe (finished initialization)
  /healthz        - Backward-compatible readiness endpoint

On SIGTERM or SIGINT readiness fails, running jobs stop at their next
checkpoint with reason shutdown and in-flight requests drain.

Example:
  foundry serve
  foundry serve --address :9090 --max-concurrent-jobs 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, address, capacity)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	cmd.Flags().IntVar(&capacity, "max-concurrent-jobs", 0, "jobs run at once (overrides runner.max_concurrent_jobs)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *rootOptions, address string, capacity int) error {
	ctx := cmd.Context()
	a, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	cfg := a.Config
	if address != "" {
		cfg.Server.Address = address
	}
	if capacity > 0 {
		cfg.Runner.MaxConcurrentJobs = capacity
	}
	info := version.GetInfo()

	shutdownTracing, err := telemetry.InitProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: info.Version,
		Environment:    cfg.Telemetry.Environment,
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			a.Logger.WithError(err).Warn("flush traces")
		}
	}()

	orphans, err := a.Orphans(ctx, false)
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		a.Logger.Warn("running jobs without a live owner; reconcile with 'foundry orphans --reconcile' once no other process shares the store",
			"count", len(orphans))
	}

	dispatcher := runner.NewDispatcher(a.Runner, a.Jobs, cfg.Runner.MaxConcurrentJobs, cfg.Runner.PollInterval, a.Logger)

	pm := health.NewProbeManager(info.Version)
	pm.AddChecker(health.NewStoreChecker(a.DB))
	pm.AddChecker(health.NewWorkspaceChecker(cfg.Workspace.Root))
	pm.AddChecker(health.NewCapacityChecker(dispatcher.Load))

	srv := server.NewServer(pm, server.NewAPI(a.Reporter, a, a.Logger), server.Config{
		Address:         cfg.Server.Address,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Metrics:         metrics.HandlerFor(a.Registry),
		Logger:          a.Logger,
	})

	if !opts.jsonOutput {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, okStyle.Render("foundry "+info.Short()))
		field(w, "API", "http://"+cfg.Server.Address+"/v1/jobs")
		field(w, "Metrics", "http://"+cfg.Server.Address+"/metrics")
		field(w, "Health", "http://"+cfg.Server.Address+"/health/ready")
		field(w, "Jobs at once", fmt.Sprint(cfg.Runner.MaxConcurrentJobs))
		fmt.Fprintln(w, mutedStyle.Render("Press Ctrl+C to stop"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.Logger.Info("stopped gracefully")
	return nil
}
