package pipeline

import (
	"github.com/g1879/datarecorder/pkg/recerrors"
)

// State is the coordinator's flush state
type State int

const (
	// StateIdle admits rows; no write is in flight
	StateIdle State = iota
	// StateDraining has admission paused while a snapshot is written
	StateDraining
	// StateRetryingLock is draining with the destination held elsewhere
	StateRetryingLock
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateRetryingLock:
		return "retrying_lock"
	default:
		return "unknown"
	}
}

// Outcome is how one flush invocation ended
type Outcome int

const (
	// OutcomeNone means no flush has finished yet
	OutcomeNone Outcome = iota
	// OutcomeNoop means the buffer was empty
	OutcomeNoop
	// OutcomeSuccess means every item was written
	OutcomeSuccess
	// OutcomeAborted means the write failed and the items were re-buffered
	OutcomeAborted
	// OutcomeSwallowed means a teardown error was absorbed and the items
	// went to the fallback sink
	OutcomeSwallowed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeNoop:
		return "noop"
	case OutcomeSuccess:
		return "success"
	case OutcomeAborted:
		return "aborted"
	case OutcomeSwallowed:
		return "swallowed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateIdle:         {StateDraining},
	StateDraining:     {StateRetryingLock, StateIdle},
	StateRetryingLock: {StateIdle},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine tracks the current state and the outcome of the last flush.
// Only the coordinator touches it, always with its mutex held.
type stateMachine struct {
	state   State
	outcome Outcome
}

func (m *stateMachine) transition(to State) error {
	if !CanTransition(m.state, to) {
		return recerrors.Newf(recerrors.ErrorTypeInternal, "illegal flush state transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}

// finish returns to Idle and records the outcome of the flush.
func (m *stateMachine) finish(outcome Outcome) error {
	if err := m.transition(StateIdle); err != nil {
		return err
	}
	m.outcome = outcome
	return nil
}

// release returns to Idle without recording an outcome.
func (m *stateMachine) release() error {
	return m.transition(StateIdle)
}
