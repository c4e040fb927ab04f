package runner

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/log"
)

// Dispatcher polls for queued jobs and runs up to a fixed number at once
type Dispatcher struct {
	runner   *Runner
	jobs     *job.Registry
	sem      *semaphore.Weighted
	capacity int
	interval time.Duration
	active   atomic.Int64
	logger   *log.Logger
}

// NewDispatcher creates a dispatcher running at most capacity jobs, polling every interval
func NewDispatcher(r *Runner, jobs *job.Registry, capacity int, interval time.Duration, logger *log.Logger) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.L()
	}
	return &Dispatcher{
		runner:   r,
		jobs:     jobs,
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		interval: interval,
		logger:   logger,
	}
}

// Run dispatches until ctx ends, then waits for the jobs it started to settle
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "capacity", d.capacity, "interval", d.interval)
	for {
		d.dispatch(gctx, g)
		select {
		case <-ctx.Done():
			err := g.Wait()
			d.logger.Info("dispatcher stopped")
			return err
		case <-ticker.C:
		}
	}
}

// dispatch starts as many queued jobs as there is free capacity for
func (d *Dispatcher) dispatch(ctx context.Context, g *errgroup.Group) int {
	free := d.capacity - int(d.active.Load())
	if free <= 0 || ctx.Err() != nil {
		return 0
	}
	queued, err := d.jobs.ListQueued(ctx, free)
	if err != nil {
		d.logger.WithError(err).Warn("list queued jobs")
		return 0
	}

	started := 0
	for _, j := range queued {
		if !d.sem.TryAcquire(1) {
			break
		}
		d.active.Add(1)
		id := j.ID
		g.Go(func() error {
			defer func() {
				d.active.Add(-1)
				d.sem.Release(1)
			}()
			if _, err := d.runner.Run(ctx, id); err != nil {
				switch {
				case stderrors.Is(err, errors.ErrAlreadyClaimed):
					d.logger.ForJob(id).Debug("job claimed by another worker")
				case stderrors.Is(err, ErrClosed), ctx.Err() != nil:
					// shutting down
				default:
					d.logger.ForJob(id).WithError(err).Warn("run job")
				}
			}
			return nil
		})
		started++
	}
	return started
}

// Load reports how many jobs are running and how many may run at once
func (d *Dispatcher) Load() (running, capacity int) {
	return int(d.active.Load()), d.capacity
}
