package player

import (
	"errors"
	"slices"
)

// ErrIllegalTransition is returned when an operation would move a session
// along an edge the state machine does not have.
var ErrIllegalTransition = errors.New("illegal session state transition")

var transitions = map[SessionState][]SessionState{
	StateIdle:             {StateLoading, StateError, StateDisposed},
	StateLoading:          {StateReady, StateError, StateDisposed},
	StateReady:            {StatePlaying, StatePaused, StateError, StateDisposed},
	StatePlaying:          {StatePaused, StateQualitySwitching, StateError, StateDisposed},
	StatePaused:           {StatePlaying, StateQualitySwitching, StateError, StateDisposed},
	StateQualitySwitching: {StatePlaying, StatePaused, StateError, StateDisposed},
	StateError:            {StateDisposed},
	StateDisposed:         nil,
}

func canTransition(from, to SessionState) bool {
	return slices.Contains(transitions[from], to)
}
