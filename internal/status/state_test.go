package status

import (
	"testing"

	"github.com/nexuschat/nexus/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, AuthRequired},
		{Booting, Connecting},
		{Booting, Error},
		{AuthRequired, Connecting},
		{Connecting, Syncing},
		{Connecting, AuthRequired},
		{Connecting, Degraded},
		{Syncing, Ready},
		{Ready, Reconnecting},
		{Ready, Syncing},
		{Reconnecting, Syncing},
		{Degraded, Syncing},
		{Degraded, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Ready},
		{AuthRequired, Syncing},
		{Reconnecting, Ready},
		{Error, Ready},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		walkTo(t, m, tt.from)
		if err := m.Transition(tt.to); err == nil {
			t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
		}
		if m.Current() != tt.from {
			t.Errorf("state = %s after rejected transition, want %s", m.Current(), tt.from)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.TransitionWithReason(AuthRequired, "token expired"); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != KindChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, KindChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != AuthRequired || change.Reason != "token expired" {
		t.Errorf("change = %+v", change)
	}

	state, reason, since := m.Snapshot()
	if state != AuthRequired || reason != "token expired" || since.IsZero() {
		t.Errorf("snapshot = %s/%q/%v", state, reason, since)
	}
}

func TestEnsureIsNoopWhenAlreadyThere(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Ready)
	for len(ch) > 0 {
		<-ch
	}

	if err := m.Ensure(Ready, ""); err != nil {
		t.Fatal(err)
	}
	if len(ch) != 0 {
		t.Error("Ensure on the current state published an event")
	}
	if err := m.Ensure(Reconnecting, "socket closed"); err != nil {
		t.Fatal(err)
	}
	if m.Current() != Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.Current())
	}
}

// TestLoginLifecycle covers the first run:
// BOOTING → AUTH_REQUIRED → CONNECTING → SYNCING → READY
func TestLoginLifecycle(t *testing.T) {
	m := NewMachine(nil)

	for _, s := range []State{AuthRequired, Connecting, Syncing, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// TestReconnectResyncCycle covers a dropped socket:
// READY → RECONNECTING → SYNCING → READY
func TestReconnectResyncCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	for _, s := range []State{Reconnecting, Syncing, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func TestRevokedTokenFromReady(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	if err := m.Transition(AuthRequired); err != nil {
		t.Fatalf("READY -> AUTH_REQUIRED: %v", err)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		AuthRequired: {AuthRequired},
		Connecting:   {AuthRequired, Connecting},
		Syncing:      {Connecting, Syncing},
		Ready:        {Connecting, Syncing, Ready},
		Reconnecting: {Connecting, Syncing, Ready, Reconnecting},
		Degraded:     {Connecting, Syncing, Degraded},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
