package status

import (
	"fmt"
	"slices"
	"sync"
)

// State is a connection lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is reachable
// from everywhere because a user disconnect may happen at any point.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Closed},
	Open:         {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	Closed:       {Connecting},
}

// Machine tracks and enforces connection state transitions. Reads are safe
// from any goroutine; transitions are made by the connection manager on the
// event loop.
type Machine struct {
	mu      sync.RWMutex
	current State
}

// NewMachine creates a new state machine starting in Idle.
func NewMachine() *Machine {
	return &Machine{current: Idle}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state and returns the state it left. It fails
// if the transition is not allowed.
func (m *Machine) Transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.current, to) {
		return m.current, fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	return from, nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Active reports whether s is a state in which a connection exists or is
// being pursued.
func (s State) Active() bool {
	return s == Connecting || s == Open || s == Reconnecting
}
