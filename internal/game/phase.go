package game

import "errors"

var (
	ErrNotHost            = errors.New("not host")
	ErrInvalidPhase       = errors.New("invalid phase for action")
	ErrNotEnoughPlayers   = errors.New("not enough players")
	ErrMissingSubmissions = errors.New("not every player has submitted a description")
	ErrMissingVotes       = errors.New("not every player has voted")
	ErrNoAssignment       = errors.New("no assignment for player")
	ErrEmptyDescription   = errors.New("empty description")
	ErrUnknownPlayer      = errors.New("unknown player")
	ErrGenerating         = errors.New("script generation already in progress")
	ErrInvalidSettings    = errors.New("invalid settings")
)

var phaseOrder = []Phase{PhaseLobby, PhaseDescription, PhaseReading, PhaseGuessing, PhaseResults}

var validTransitions = map[Phase]Phase{
	PhaseLobby:       PhaseDescription,
	PhaseDescription: PhaseReading,
	PhaseReading:     PhaseGuessing,
	PhaseGuessing:    PhaseResults,
	PhaseResults:     PhaseLobby,
}

func (p Phase) String() string { return string(p) }

func (p Phase) Valid() bool {
	_, ok := validTransitions[p]
	return ok
}

// Next returns the only phase reachable from p.
func (p Phase) Next() Phase {
	return validTransitions[p]
}

func (p Phase) CanTransitionTo(target Phase) bool {
	next, ok := validTransitions[p]
	return ok && next == target
}

// Index is the position of p within a round, -1 for unknown phases.
func (p Phase) Index() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Path returns the phases entered when walking legal edges from p to target
// within one round. It is empty when target is not ahead of p.
func (p Phase) Path(target Phase) []Phase {
	from, to := p.Index(), target.Index()
	if from < 0 || to < 0 || to <= from {
		return nil
	}
	return append([]Phase(nil), phaseOrder[from+1:to+1]...)
}

// PhaseStatus is the presence status every player carries on entering p.
func PhaseStatus(p Phase) Status {
	switch p {
	case PhaseDescription:
		return StatusWriting
	case PhaseGuessing:
		return StatusGuessing
	default:
		return StatusReady
	}
}

// StatusTransition decides which status to keep when a player's presence
// announces proposed while the local copy holds current.
//
// submitted is true when the player has a recorded submission for phase;
// justEntered is true while the room is inside the phase-entry window.
func StatusTransition(phase Phase, current, proposed Status, submitted, justEntered bool) Status {
	if current == "" {
		current = PhaseStatus(phase)
		if submitted {
			current = StatusReady
		}
	}
	if !proposed.Valid() || proposed == current {
		return current
	}
	active := PhaseStatus(phase)
	switch {
	case proposed == StatusReady:
		if submitted || active == StatusReady {
			return StatusReady
		}
		return current
	case current == StatusReady:
		if justEntered && proposed == active && !submitted {
			return proposed
		}
		return current
	default:
		// writing <-> guessing only follows the phase.
		if proposed == active {
			return proposed
		}
		return current
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusWriting, StatusGuessing:
		return true
	}
	return false
}
