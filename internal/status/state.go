package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/omnichat/internal/bus"
)

// State is the lifecycle state of one realtime channel connection.
type State string

const (
	Idle        State = "IDLE"
	Connecting  State = "CONNECTING"
	Open        State = "OPEN"
	Closing     State = "CLOSING"
	ClosedClean State = "CLOSED_CLEAN"
	ClosedError State = "CLOSED_ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:        {Connecting, ClosedClean},
	Connecting:  {Open, ClosedError, ClosedClean},
	Open:        {Closing, ClosedError},
	Closing:     {ClosedClean},
	ClosedError: {Connecting, ClosedClean},
	ClosedClean: {Connecting},
}

// Machine tracks and enforces channel state transitions for one provider.
type Machine struct {
	mu       sync.RWMutex
	provider string
	current  State
	bus      *bus.Bus
}

// NewMachine creates a machine in the Idle state.
func NewMachine(provider string, b *bus.Bus) *Machine {
	return &Machine{
		provider: provider,
		current:  Idle,
		bus:      b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state. Returns error if the transition is not
// allowed; the state is left unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("%s: invalid transition from %s to %s", m.provider, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindChannelStatus,
			Source:    m.provider,
			Timestamp: time.Now(),
			Payload: StatusChange{
				Provider: m.provider,
				From:     from,
				To:       to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for channel status events.
type StatusChange struct {
	Provider string
	From     State
	To       State
}
