package health

import (
	"context"
	"os"
	"time"
)

// Pinger is satisfied by the store
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker verifies the durable store answers.
type StoreChecker struct {
	db Pinger
}

// NewStoreChecker creates a store health checker.
func NewStoreChecker(db Pinger) *StoreChecker {
	return &StoreChecker{db: db}
}

// Name returns the name of this health check.
func (c *StoreChecker) Name() string {
	return "store"
}

// Check pings the store.
func (c *StoreChecker) Check(ctx context.Context) *Result {
	start := time.Now()
	if err := c.db.Ping(ctx); err != nil {
		return Unhealthy("store unreachable").WithDetail("error", err.Error())
	}
	r := Healthy("store reachable")
	r.Latency = time.Since(start)
	return r
}

// WorkspaceChecker verifies new workspaces can be created under the root.
type WorkspaceChecker struct {
	root string
}

// NewWorkspaceChecker creates a workspace root health checker.
func NewWorkspaceChecker(root string) *WorkspaceChecker {
	return &WorkspaceChecker{root: root}
}

// Name returns the name of this health check.
func (c *WorkspaceChecker) Name() string {
	return "workspace-root"
}

// Check creates and removes a probe file in the root.
func (c *WorkspaceChecker) Check(ctx context.Context) *Result {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return Unhealthy("workspace root cannot be created").
			WithDetail("root", c.root).
			WithDetail("error", err.Error())
	}
	f, err := os.CreateTemp(c.root, ".health-*")
	if err != nil {
		return Unhealthy("workspace root is not writable").
			WithDetail("root", c.root).
			WithDetail("error", err.Error())
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return Healthy("workspace root writable").WithDetail("root", c.root)
}

// CapacityChecker reports how many job slots are in use.
type CapacityChecker struct {
	load func() (running, capacity int)
}

// NewCapacityChecker creates a checker reading slot usage from load.
func NewCapacityChecker(load func() (running, capacity int)) *CapacityChecker {
	return &CapacityChecker{load: load}
}

// Name returns the name of this health check.
func (c *CapacityChecker) Name() string {
	return "runner-capacity"
}

// Check is degraded while every slot is busy; new jobs then wait in the queue.
func (c *CapacityChecker) Check(ctx context.Context) *Result {
	running, capacity := c.load()
	var r *Result
	if capacity > 0 && running >= capacity {
		r = Degraded("all job slots busy")
	} else {
		r = Healthy("job slots available")
	}
	return r.WithDetail("running", running).WithDetail("capacity", capacity)
}
