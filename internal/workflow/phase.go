// Package workflow defines the pipeline phases a job moves through and the
// transition rules between them.
//
// The phases form a strict chain ending in COMPLETED. FAILED is an absorbing sink
// reachable from any non-terminal phase. Moving backwards is only possible through
// an explicit recovery transition, which is recorded in the history like any other.
package workflow

import (
	"strings"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

// Phase is a named stage of the pipeline
type Phase string

const (
	PhaseMeta         Phase = "META"
	PhaseRequirements Phase = "REQUIREMENTS"
	PhaseDesign       Phase = "DESIGN"
	PhaseArchitecture Phase = "ARCHITECTURE"
	PhaseDevelopment  Phase = "DEVELOPMENT"
	PhaseFrontend     Phase = "FRONTEND"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// chain is the success path in order
var chain = []Phase{
	PhaseMeta,
	PhaseRequirements,
	PhaseDesign,
	PhaseArchitecture,
	PhaseDevelopment,
	PhaseFrontend,
	PhaseCompleted,
}

// Pipeline returns the success path from META to COMPLETED
func Pipeline() []Phase {
	out := make([]Phase, len(chain))
	copy(out, chain)
	return out
}

// WorkPhases returns the phases that run agents, i.e. the pipeline without COMPLETED
func WorkPhases() []Phase {
	return Pipeline()[:len(chain)-1]
}

// ParsePhase converts a stored or user-supplied name into a Phase
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", errors.Newf(errors.ErrCodeUnknownPhase, "unknown phase %q", s)
	}
	return p, nil
}

// Valid reports whether p is a declared phase
func (p Phase) Valid() bool {
	return p == PhaseFailed || p.index() >= 0
}

// IsTerminal reports whether p has no outgoing transitions
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// String returns the phase name
func (p Phase) String() string {
	return string(p)
}

// Lower returns the phase name in lower case, used for task namespaces and file paths
func (p Phase) Lower() string {
	return strings.ToLower(string(p))
}

// Successor returns the next phase on the success path
func (p Phase) Successor() (Phase, bool) {
	i := p.index()
	if i < 0 || i == len(chain)-1 {
		return "", false
	}
	return chain[i+1], true
}

// Before reports whether p comes strictly earlier than other on the success path
func (p Phase) Before(other Phase) bool {
	i, j := p.index(), other.index()
	return i >= 0 && j >= 0 && i < j
}

// Progress is the completion percentage a job reports when it enters p
func (p Phase) Progress() int {
	i := p.index()
	if i < 0 {
		return 0
	}
	return i * 100 / (len(chain) - 1)
}

func (p Phase) index() int {
	for i, c := range chain {
		if c == p {
			return i
		}
	}
	return -1
}

// CanTransition reports whether from -> to is a declared edge
func CanTransition(from, to Phase) bool {
	if !from.Valid() || from.IsTerminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	next, ok := from.Successor()
	return ok && next == to
}
