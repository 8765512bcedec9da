package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmarkelov/vkgrab/internal/bus"
)

// State represents a long-poll connection state.
type State string

const (
	Stopped      State = "STOPPED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Polling      State = "POLLING"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Stopped is terminal
// for a run: only Start may leave it, and any state may enter it.
var validTransitions = map[State][]State{
	Stopped:      {Connecting},
	Connecting:   {Connected, Reconnecting, Stopped},
	Connected:    {Polling, Reconnecting, Stopped},
	Polling:      {Reconnecting, Stopped},
	Reconnecting: {Connecting, Stopped},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Stopped state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Stopped,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
