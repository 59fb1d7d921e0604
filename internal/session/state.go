package session

import (
	"errors"
	"fmt"

	"github.com/vyrti/redpill/internal/terminal"
)

// State is the lifecycle position of a live session. Transitions only move
// forward: Pending → (Connecting →) Open → Closed.
type State int

const (
	StatePending State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a State plus, once Closed, why the session ended.
type Status struct {
	State State
	// Kind is KindNone for a clean close.
	Kind terminal.Kind
	// Err is the error that ended the session, if any.
	Err error
}

func (s Status) String() string {
	if s.State != StateClosed {
		return s.State.String()
	}
	return fmt.Sprintf("closed(%s)", s.Kind)
}

// ErrInvalidTransition is returned for a backwards or skipped transition.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// ErrSessionClosed is returned when input or resize targets a closed session.
var ErrSessionClosed = errors.New("session: closed")

func validTransition(from, to State, remote bool) bool {
	switch from {
	case StatePending:
		switch to {
		case StateConnecting:
			return remote
		case StateOpen:
			return !remote
		case StateClosed:
			return true
		}
	case StateConnecting:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateClosed
	}
	return false
}
