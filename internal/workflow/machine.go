package workflow

import (
	"time"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// Transition is one entry of a job's phase history
type Transition struct {
	From     Phase     `json:"from"`
	To       Phase     `json:"to"`
	At       time.Time `json:"at"`
	Recovery bool      `json:"recovery,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// State is a job's position in the pipeline together with how it got there.
// Values are immutable from the caller's point of view: Machine returns a new
// State on every successful move and leaves the input untouched.
type State struct {
	JobID   string       `json:"job_id"`
	Current Phase        `json:"current"`
	History []Transition `json:"history"`
}

// NewState returns the initial state for a job
func NewState(jobID string) State {
	return State{JobID: jobID, Current: PhaseMeta}
}

// IsTerminal reports whether the state can no longer move
func (s State) IsTerminal() bool {
	return s.Current.IsTerminal()
}

// LastWorkPhase returns the most recent non-terminal phase the job was in
func (s State) LastWorkPhase() Phase {
	if !s.Current.IsTerminal() {
		return s.Current
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		if from := s.History[i].From; !from.IsTerminal() {
			return from
		}
	}
	return PhaseMeta
}

func (s State) with(t Transition) State {
	history := make([]Transition, len(s.History), len(s.History)+1)
	copy(history, s.History)
	return State{
		JobID:   s.JobID,
		Current: t.To,
		History: append(history, t),
	}
}

// Machine applies transitions to job states
type Machine struct {
	now func() time.Time
}

// Option configures a Machine
type Option func(*Machine)

// WithClock overrides the time source used to stamp transitions
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a state machine
func NewMachine(opts ...Option) *Machine {
	m := &Machine{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanTransition reports whether from -> to is a declared edge
func (m *Machine) CanTransition(from, to Phase) bool {
	return CanTransition(from, to)
}

// Current returns the phase s is in
func (m *Machine) Current(s State) Phase {
	return s.Current
}

// Next returns the phase after the current one on the success path
func (m *Machine) Next(s State) (Phase, bool) {
	if s.Current.IsTerminal() {
		return "", false
	}
	return s.Current.Successor()
}

// Transition moves s to phase to. Rejected moves leave the history untouched.
func (m *Machine) Transition(s State, to Phase) (State, error) {
	if !CanTransition(s.Current, to) {
		return s, errors.NewInvalidTransition(string(s.Current), string(to))
	}
	return s.with(Transition{From: s.Current, To: to, At: m.now().UTC()}), nil
}

// Fail moves s to FAILED, recording reason
func (m *Machine) Fail(s State, reason string) (State, error) {
	if !CanTransition(s.Current, PhaseFailed) {
		return s, errors.NewInvalidTransition(string(s.Current), string(PhaseFailed))
	}
	return s.with(Transition{From: s.Current, To: PhaseFailed, At: m.now().UTC(), Reason: reason}), nil
}

// Recover rolls a non-terminal state back to an earlier work phase
func (m *Machine) Recover(s State, to Phase, reason string) (State, error) {
	if s.Current.IsTerminal() || to.IsTerminal() || !to.Before(s.Current) {
		return s, errors.NewInvalidTransition(string(s.Current), string(to)).
			WithSuggestion("Recovery may only return a running job to an earlier phase")
	}
	return s.with(Transition{From: s.Current, To: to, At: m.now().UTC(), Recovery: true, Reason: reason}), nil
}
