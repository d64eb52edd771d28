package fsm

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of one strategy instance.
type State string

const (
	Idle         State = "idle"
	WaitingEntry State = "waiting_entry"
	InPosition   State = "in_position"
	WaitingExit  State = "waiting_exit"
	Cooldown     State = "cooldown"
)

// States lists every valid state in lifecycle order.
var States = []State{Idle, WaitingEntry, InPosition, WaitingExit, Cooldown}

var (
	ErrInvalidState      = errors.New("fsm: invalid state")
	ErrInvalidTransition = errors.New("fsm: invalid transition")
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case Idle, WaitingEntry, InPosition, WaitingExit, Cooldown:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState converts a persisted or user-supplied string into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, v)
	}
	return s, nil
}
