package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }

func (slowChecker) Check(ctx context.Context) *Result {
	<-ctx.Done()
	return Unhealthy("timed out").WithDetail("error", ctx.Err().Error())
}

func TestStoreChecker(t *testing.T) {
	ok := NewStoreChecker(pingFunc(func(context.Context) error { return nil }))
	assert.Equal(t, "store", ok.Name())
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	down := NewStoreChecker(pingFunc(func(context.Context) error { return errors.New("connection refused") }))
	r := down.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "connection refused", r.Details["error"])
}

func TestWorkspaceChecker(t *testing.T) {
	root := filepath.Join(t.TempDir(), "workspaces")
	r := NewWorkspaceChecker(root).Check(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	r = NewWorkspaceChecker(file).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestCapacityChecker(t *testing.T) {
	tests := []struct {
		running, capacity int
		want              Status
	}{
		{0, 4, StatusHealthy},
		{3, 4, StatusHealthy},
		{4, 4, StatusDegraded},
		{0, 0, StatusHealthy},
	}
	for _, tt := range tests {
		c := NewCapacityChecker(func() (int, int) { return tt.running, tt.capacity })
		r := c.Check(context.Background())
		assert.Equal(t, tt.want, r.Status, "%d/%d", tt.running, tt.capacity)
		assert.Equal(t, tt.running, r.Details["running"])
	}
}

func TestManagerAppliesTimeout(t *testing.T) {
	m := NewManager().WithTimeout(20 * time.Millisecond)
	m.AddChecker(slowChecker{})
	m.AddChecker(NewStoreChecker(pingFunc(func(context.Context) error { return nil })))

	results := m.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Positive(t, results["slow"].Latency)
	assert.Equal(t, StatusUnhealthy, OverallStatus(results))
}

func TestOverallStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, OverallStatus(nil))
	assert.Equal(t, StatusDegraded, OverallStatus(map[string]*Result{
		"a": Healthy("ok"),
		"b": Degraded("busy"),
	}))
	assert.Equal(t, StatusUnhealthy, OverallStatus(map[string]*Result{
		"a": Degraded("busy"),
		"b": Unhealthy("down"),
	}))
}

func TestProbes(t *testing.T) {
	pm := NewProbeManager("1.2.3")
	pm.AddChecker(NewCapacityChecker(func() (int, int) { return 2, 2 }))
	ctx := context.Background()

	assert.Equal(t, StatusUnhealthy, pm.CheckStartup(ctx).Status)
	pm.MarkInitialized()
	assert.Equal(t, StatusHealthy, pm.CheckStartup(ctx).Status)

	live := pm.CheckLiveness(ctx)
	assert.Equal(t, StatusHealthy, live.Status)
	assert.Equal(t, "1.2.3", live.Version)

	ready := pm.CheckReadiness(ctx)
	assert.Equal(t, StatusDegraded, ready.Status)
	assert.Contains(t, ready.Checks, "runner-capacity")

	pm.MarkShutdown()
	assert.Equal(t, StatusDegraded, pm.CheckLiveness(ctx).Status)
	assert.Equal(t, StatusUnhealthy, pm.CheckReadiness(ctx).Status)
}
