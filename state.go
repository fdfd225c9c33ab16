package trakgo

import "fmt"

// State is the lifecycle state of one checkpoint:
//
//	Loaded → Featurizing → Complete → Finalized → Scored
//
// Invalidate moves Finalized or Scored back to Complete; FinalizeScores and
// reloading a checkpoint move Scored back to Finalized.
type State int

const (
	// StateLoaded is a known checkpoint with no written rows.
	StateLoaded State = iota
	// StateFeaturizing has some, but not all, training rows written.
	StateFeaturizing
	// StateComplete has every training row written and no correction yet.
	StateComplete
	// StateFinalized has a persisted correction matrix and is scoring-ready.
	StateFinalized
	// StateScored has contributed to the current score buffer.
	StateScored
)

var stateNames = [...]string{
	StateLoaded:      "loaded",
	StateFeaturizing: "featurizing",
	StateComplete:    "complete",
	StateFinalized:   "finalized",
	StateScored:      "scored",
}

// String returns the state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState parses a state name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown state %q", ErrInvalidArgument, name)
}

// canFeaturize reports whether rows may still be written.
func (s State) canFeaturize() bool { return s <= StateComplete }

// canScore reports whether a correction matrix is available.
func (s State) canScore() bool { return s >= StateFinalized }
