package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nexuschat/nexus/internal/bus"
)

// State is the daemon's session state as seen by clients.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// KindChanged is the bus event published on every transition.
const KindChanged = "session.status_changed"

// Syncing is entered both on first boot and after a reconnect, when the
// directory is refetched. Degraded means the socket is up but the last REST
// load failed and cached state is being shown.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Degraded, Error},
	Syncing:      {Ready, Reconnecting, Degraded, AuthRequired, Error},
	Ready:        {Reconnecting, Syncing, Degraded, AuthRequired, Error},
	Reconnecting: {Syncing, Degraded, AuthRequired, Error},
	Degraded:     {Connecting, Syncing, Reconnecting, Ready, AuthRequired, Error},
	Error:        {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state, the reason recorded with it and when
// it was entered.
func (m *Machine) Snapshot() (State, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.reason, m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human-readable cause.
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      KindChanged,
			Timestamp: m.since,
			Payload:   StatusChange{From: from, To: to, Reason: reason},
		})
	}
	return nil
}

// Ensure moves to `to` unless the machine is already there.
func (m *Machine) Ensure(to State, reason string) error {
	if m.Current() == to {
		return nil
	}
	return m.TransitionWithReason(to, reason)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
