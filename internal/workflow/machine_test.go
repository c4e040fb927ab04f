package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/store/storetest"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseMeta, PhaseRequirements, true},
		{PhaseRequirements, PhaseDesign, true},
		{PhaseDesign, PhaseArchitecture, true},
		{PhaseArchitecture, PhaseDevelopment, true},
		{PhaseDevelopment, PhaseFrontend, true},
		{PhaseFrontend, PhaseCompleted, true},
		{PhaseMeta, PhaseDesign, false},
		{PhaseDesign, PhaseRequirements, false},
		{PhaseMeta, PhaseMeta, false},
		{PhaseArchitecture, PhaseFailed, true},
		{PhaseMeta, PhaseFailed, true},
		{PhaseCompleted, PhaseFailed, false},
		{PhaseFailed, PhaseMeta, false},
		{PhaseCompleted, PhaseMeta, false},
		{Phase("BOGUS"), PhaseFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	m := NewMachine(WithClock(fixedClock()))
	s := NewState("job-1")

	next, err := m.Transition(s, PhaseRequirements)
	require.NoError(t, err)

	assert.Equal(t, PhaseRequirements, m.Current(next))
	require.Len(t, next.History, 1)
	assert.Equal(t, PhaseMeta, next.History[0].From)
	assert.Equal(t, PhaseRequirements, next.History[0].To)
	assert.False(t, next.History[0].At.IsZero())
	// input state is untouched
	assert.Equal(t, PhaseMeta, s.Current)
	assert.Empty(t, s.History)
}

func TestTransitionRejectedLeavesHistory(t *testing.T) {
	m := NewMachine()
	s := NewState("job-1")

	got, err := m.Transition(s, PhaseDesign)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, s, got)
	assert.Empty(t, got.History)
}

func TestWalkFullPipeline(t *testing.T) {
	m := NewMachine()
	s := NewState("job-1")

	for {
		next, ok := m.Next(s)
		if !ok {
			break
		}
		var err error
		s, err = m.Transition(s, next)
		require.NoError(t, err)
	}

	assert.Equal(t, PhaseCompleted, s.Current)
	assert.Len(t, s.History, len(Pipeline())-1)
	assert.True(t, s.IsTerminal())

	_, err := m.Transition(s, PhaseFailed)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestFailFromAnyWorkPhase(t *testing.T) {
	m := NewMachine()
	for _, p := range WorkPhases() {
		t.Run(string(p), func(t *testing.T) {
			s := State{JobID: "j", Current: p}
			failed, err := m.Fail(s, "boom")
			require.NoError(t, err)
			assert.Equal(t, PhaseFailed, failed.Current)
			assert.Equal(t, p, failed.LastWorkPhase())
			assert.Equal(t, "boom", failed.History[0].Reason)
		})
	}
}

func TestRecover(t *testing.T) {
	m := NewMachine()
	s := State{JobID: "j", Current: PhaseDevelopment}

	back, err := m.Recover(s, PhaseDesign, "redo design")
	require.NoError(t, err)
	assert.Equal(t, PhaseDesign, back.Current)
	require.Len(t, back.History, 1)
	assert.True(t, back.History[0].Recovery)

	_, err = m.Recover(s, PhaseFrontend, "forward is not recovery")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	_, err = m.Recover(State{JobID: "j", Current: PhaseFailed}, PhaseMeta, "terminal")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 0, PhaseMeta.Progress())
	assert.Equal(t, 50, PhaseArchitecture.Progress())
	assert.Equal(t, 100, PhaseCompleted.Progress())
	assert.Equal(t, 0, PhaseFailed.Progress())

	prev := -1
	for _, p := range Pipeline() {
		assert.Greater(t, p.Progress(), prev)
		prev = p.Progress()
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase(" design ")
	require.NoError(t, err)
	assert.Equal(t, PhaseDesign, p)

	_, err = ParsePhase("testing")
	assert.ErrorIs(t, err, errors.ErrUnknownPhase)
}

func TestJournalRoundTrip(t *testing.T) {
	db := storetest.Open(t)
	j := NewJournal(db)
	m := NewMachine()
	ctx := context.Background()

	s := NewState("job-7")
	s, err := m.Transition(s, PhaseRequirements)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, "job-7", s.History[0]))
	s, err = m.Fail(s, "llm fatal")
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, "job-7", s.History[1]))

	loaded, err := j.Load(ctx, "job-7")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, loaded.Current)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "llm fatal", loaded.History[1].Reason)
	assert.Equal(t, s.History[0].At.UnixNano(), loaded.History[0].At.UnixNano())

	empty, err := j.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, PhaseMeta, empty.Current)
}
