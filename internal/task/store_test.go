package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/log"
	"github.com/felixgeelhaar/foundry/internal/store/storetest"
	"github.com/felixgeelhaar/foundry/internal/workflow"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storetest.Open(t), WithLogger(log.Nop()), WithClock(tickingClock()))
}

// tickingClock advances a millisecond per call so audit ordering is deterministic
func tickingClock() func() time.Time {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}
}

func newTask(id string, deps ...string) Task {
	return Task{
		JobID:       "job-1",
		ID:          id,
		Phase:       workflow.PhaseDesign,
		Type:        "schema",
		Description: "design " + id,
		DependsOn:   deps,
	}
}

func register(t *testing.T, s *Store, tasks ...Task) {
	t.Helper()
	for _, tk := range tasks {
		_, err := s.Register(context.Background(), tk)
		require.NoError(t, err)
	}
}

func TestRegister(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.Register(ctx, newTask("api", "schema"))
	require.NoError(t, err)
	assert.Equal(t, "api", id)

	got, err := s.Get(ctx, "job-1", "api")
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, got.Status)
	assert.Equal(t, []string{"schema"}, got.DependsOn)
	assert.Equal(t, workflow.PhaseDesign, got.Phase)
	assert.Nil(t, got.StartedAt)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRegisterDuplicate(t *testing.T) {
	s := newStore(t)
	register(t, s, newTask("api"))

	_, err := s.Register(context.Background(), newTask("api"))
	assert.ErrorIs(t, err, errors.ErrDuplicateTask)

	// same id in another job is fine
	other := newTask("api")
	other.JobID = "job-2"
	_, err = s.Register(context.Background(), other)
	assert.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	s := newStore(t)
	tests := []struct {
		name string
		task Task
	}{
		{"empty id", newTask("")},
		{"bad characters", newTask("has space")},
		{"self dependency", newTask("a", "a")},
		{"duplicate dependency", newTask("a", "b", "b")},
		{"terminal phase", func() Task { tk := newTask("a"); tk.Phase = workflow.PhaseCompleted; return tk }()},
		{"no type", func() Task { tk := newTask("a"); tk.Type = " "; return tk }()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(context.Background(), tt.task)
			assert.ErrorIs(t, err, errors.ErrInvalidTask)
		})
	}
}

func TestStartRequiresDependencies(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	register(t, s, newTask("schema"), newTask("lint"), newTask("api", "schema", "lint"))

	err := s.Start(ctx, "job-1", "api")
	require.ErrorIs(t, err, errors.ErrDependencyNotSatisfied)
	assert.Contains(t, err.Error(), "schema, lint")

	require.NoError(t, s.Start(ctx, "job-1", "schema"))
	err = s.Start(ctx, "job-1", "api")
	require.ErrorIs(t, err, errors.ErrDependencyNotSatisfied, "in_progress does not satisfy")

	require.NoError(t, s.Complete(ctx, "job-1", "schema", "users table"))
	require.NoError(t, s.Skip(ctx, "job-1", "lint", "not needed"))
	require.NoError(t, s.Start(ctx, "job-1", "api"))

	got, err := s.Get(ctx, "job-1", "api")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.StartedAt)
}

func TestStartWithFailedOrMissingDependency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	register(t, s, newTask("schema"), newTask("api", "schema"), newTask("ui", "ghost"))

	require.NoError(t, s.Start(ctx, "job-1", "schema"))
	require.NoError(t, s.Fail(ctx, "job-1", "schema", "bad reply"))

	assert.ErrorIs(t, s.Start(ctx, "job-1", "api"), errors.ErrDependencyNotSatisfied)
	assert.ErrorIs(t, s.Start(ctx, "job-1", "ui"), errors.ErrDependencyNotSatisfied)
}

func TestLifecycleIsMonotone(t *testing.T) {
	type op func(s *Store, ctx context.Context) error
	start := func(s *Store, ctx context.Context) error { return s.Start(ctx, "job-1", "t") }
	complete := func(s *Store, ctx context.Context) error { return s.Complete(ctx, "job-1", "t", "ok") }
	fail := func(s *Store, ctx context.Context) error { return s.Fail(ctx, "job-1", "t", "no") }
	skip := func(s *Store, ctx context.Context) error { return s.Skip(ctx, "job-1", "t", "skip") }

	tests := []struct {
		name    string
		setup   []op
		attempt op
		wantErr bool
	}{
		{"complete registered", nil, complete, true},
		{"fail registered", nil, fail, true},
		{"skip registered", nil, skip, false},
		{"start twice", []op{start}, start, true},
		{"complete in progress", []op{start}, complete, false},
		{"restart completed", []op{start, complete}, start, true},
		{"fail completed", []op{start, complete}, fail, true},
		{"skip completed", []op{start, complete}, skip, true},
		{"complete failed", []op{start, fail}, complete, true},
		{"start skipped", []op{skip}, start, true},
		{"skip skipped", []op{skip}, skip, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			register(t, s, newTask("t"))
			for _, o := range tt.setup {
				require.NoError(t, o(s, ctx))
			}
			before, err := s.Get(ctx, "job-1", "t")
			require.NoError(t, err)

			err = tt.attempt(s, ctx)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errors.ErrInvalidState)
			after, err := s.Get(ctx, "job-1", "t")
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
		})
	}
}

func TestUnknownTask(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Start(ctx, "job-1", "nope"), errors.ErrTaskNotFound)
	_, err := s.Get(ctx, "job-1", "nope")
	assert.ErrorIs(t, err, errors.ErrTaskNotFound)
}

func TestResetIsAudited(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	register(t, s, newTask("t"))
	require.NoError(t, s.Start(ctx, "job-1", "t"))
	require.NoError(t, s.Fail(ctx, "job-1", "t", "timeout"))

	require.NoError(t, s.Reset(ctx, "job-1", "t", "operator retry"))
	got, err := s.Get(ctx, "job-1", "t")
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, got.Status)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, s.Start(ctx, "job-1", "t"))
	got, err = s.Get(ctx, "job-1", "t")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)

	events, err := s.Events(ctx, "job-1", "t")
	require.NoError(t, err)
	var tos []Status
	for _, e := range events {
		tos = append(tos, e.To)
	}
	assert.Equal(t, []Status{StatusInProgress, StatusFailed, StatusRegistered, StatusInProgress}, tos)
	assert.Equal(t, "operator retry", events[2].Reason)

	assert.ErrorIs(t, s.Reset(ctx, "job-1", "t", "again"), errors.ErrInvalidState, "cannot reset in_progress")
}

func TestSkipInProgress(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	register(t, s, newTask("a"), newTask("b"), newTask("c"), newTask("d"))
	require.NoError(t, s.Start(ctx, "job-1", "a"))
	require.NoError(t, s.Start(ctx, "job-1", "b"))
	require.NoError(t, s.Start(ctx, "job-1", "c"))
	require.NoError(t, s.Complete(ctx, "job-1", "c", "done"))

	n, err := s.SkipInProgress(ctx, "job-1", "cancel_requested")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := s.Counts(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusSkipped: 2, StatusCompleted: 1, StatusRegistered: 1}, counts)

	a, err := s.Get(ctx, "job-1", "a")
	require.NoError(t, err)
	assert.Equal(t, "cancel_requested", a.Reason)
}

func TestListByStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		register(t, s, newTask(fmt.Sprintf("t%d", i)))
	}
	require.NoError(t, s.Start(ctx, "job-1", "t1"))
	require.NoError(t, s.Start(ctx, "job-1", "t3"))

	var ids []string
	for tk, err := range s.ListByStatus(ctx, "job-1", StatusRegistered) {
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"t0", "t2", "t4"}, ids)

	// stopping early releases the cursor
	count := 0
	for _, err := range s.ListByStatus(ctx, "job-1", StatusRegistered) {
		require.NoError(t, err)
		count++
		break
	}
	assert.Equal(t, 1, count)

	all, err := s.List(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		register(t, s, newTask(fmt.Sprintf("t%02d", i)))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("t%02d", i)
			assert.NoError(t, s.Start(ctx, "job-1", id))
			assert.NoError(t, s.Complete(ctx, "job-1", id, "ok"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for _, err := range s.ListByStatus(ctx, "job-1", StatusCompleted) {
				assert.NoError(t, err)
			}
		}
	}()
	wg.Wait()

	counts, err := s.Counts(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, n, counts[StatusCompleted])
}
