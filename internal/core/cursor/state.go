package cursor

import (
	"errors"
	"time"

	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

// State is an alias for domain.WatcherState for internal use.
type State = domain.WatcherState

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	domain.WatcherStateInit: {
		domain.WatcherStatePolling,
		domain.WatcherStateErrorBackoff,
		domain.WatcherStateStopped,
	},
	domain.WatcherStatePolling:      {domain.WatcherStateErrorBackoff, domain.WatcherStateStopped},
	domain.WatcherStateErrorBackoff: {domain.WatcherStatePolling, domain.WatcherStateStopped},
	domain.WatcherStateStopped:      {domain.WatcherStateInit},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.WatcherStateInit:
		return "Initializing - cursor loaded, first tick pending"
	case domain.WatcherStatePolling:
		return "Polling - following the chain head"
	case domain.WatcherStateErrorBackoff:
		return "Backing off - last tick failed, retrying the same range"
	case domain.WatcherStateStopped:
		return "Stopped - watcher exited"
	default:
		return "Unknown state"
	}
}
