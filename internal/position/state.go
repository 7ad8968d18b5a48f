// Package position runs the per-user order cycle: it publishes the user's
// dashboard snapshot, honours square-off requests, exits open trades on
// cutoff, stoploss or target, and enters new trades on a trend signal.
package position

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an event the current state does not accept
var ErrInvalidTransition = errors.New("position: invalid transition")

// State is a user's position lifecycle state
type State int

const (
	NoPosition State = iota
	PendingEntry
	OpenPosition
	Closing
	SquareOffRequested
)

func (s State) String() string {
	switch s {
	case NoPosition:
		return "NO_POSITION"
	case PendingEntry:
		return "PENDING_ENTRY"
	case OpenPosition:
		return "OPEN_POSITION"
	case Closing:
		return "CLOSING"
	case SquareOffRequested:
		return "SQUARE_OFF_REQUESTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives a state change
type Event int

const (
	EntrySignal Event = iota
	EntryFilled
	EntryFailed
	ExitTriggered
	ExitFilled
	ExitFailed
	SquareOff
	SquareOffIdle
)

func (e Event) String() string {
	switch e {
	case EntrySignal:
		return "ENTRY_SIGNAL"
	case EntryFilled:
		return "ENTRY_FILLED"
	case EntryFailed:
		return "ENTRY_FAILED"
	case ExitTriggered:
		return "EXIT_TRIGGERED"
	case ExitFilled:
		return "EXIT_FILLED"
	case ExitFailed:
		return "EXIT_FAILED"
	case SquareOff:
		return "SQUARE_OFF"
	case SquareOffIdle:
		return "SQUARE_OFF_IDLE"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

type transitionKey struct {
	from  State
	event Event
}

// transitions is the complete table; any pair not listed is invalid
var transitions = map[transitionKey]State{
	{NoPosition, EntrySignal}:        PendingEntry,
	{NoPosition, SquareOffIdle}:      NoPosition,
	{PendingEntry, EntryFilled}:      OpenPosition,
	{PendingEntry, EntryFailed}:      NoPosition,
	{OpenPosition, ExitTriggered}:    Closing,
	{OpenPosition, SquareOff}:        SquareOffRequested,
	{Closing, ExitFilled}:            NoPosition,
	{Closing, ExitFailed}:            OpenPosition,
	{SquareOffRequested, ExitFilled}: NoPosition,
	{SquareOffRequested, ExitFailed}: OpenPosition,
}

// Transition returns the state reached from from on event
func Transition(from State, event Event) (State, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	return to, nil
}

// Machine tracks one user's state within a cycle
type Machine struct {
	state State
}

// NewMachine starts in the state implied by whether a trade is open
func NewMachine(open bool) *Machine {
	if open {
		return &Machine{state: OpenPosition}
	}
	return &Machine{state: NoPosition}
}

// State returns the current state
func (m *Machine) State() State { return m.state }

// Fire applies event, leaving the state unchanged on an invalid transition
func (m *Machine) Fire(event Event) error {
	to, err := Transition(m.state, event)
	if err != nil {
		return err
	}
	m.state = to
	return nil
}
