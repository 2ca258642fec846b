package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/wppsync/internal/bus"
)

// State is the send state of one outgoing item.
type State string

const (
	Composing     State = "COMPOSING"
	PendingUpload State = "PENDING_UPLOAD"
	Sent          State = "SENT"
	Failed        State = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Composing:     {PendingUpload},
	PendingUpload: {Sent, Failed},
	Failed:        {PendingUpload},
	Sent:          {},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Machine tracks and enforces the send state of a single item.
type Machine struct {
	mu      sync.RWMutex
	nonce   string
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine for nonce starting in Composing.
func NewMachine(nonce string, b *bus.Bus) *Machine {
	return &Machine{
		nonce:   nonce,
		current: Composing,
		bus:     b,
	}
}

// Nonce returns the client nonce the machine belongs to.
func (m *Machine) Nonce() string { return m.nonce }

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
	m.bus.Emit(bus.SendStatusChanged, StatusChange{
		Nonce: m.nonce,
		From:  from,
		To:    to,
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Nonce string
	From  State
	To    State
}

// Tracker holds one machine per in-flight nonce.
type Tracker struct {
	mu       sync.Mutex
	machines map[string]*Machine
	bus      *bus.Bus
}

// NewTracker creates an empty tracker.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{machines: make(map[string]*Machine), bus: b}
}

// Begin registers nonce in Composing. An existing machine is returned as is.
func (t *Tracker) Begin(nonce string) *Machine {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.machines[nonce]; ok {
		return m
	}
	m := NewMachine(nonce, t.bus)
	t.machines[nonce] = m
	return m
}

// Restore registers nonce directly in state, for items recovered after a
// restart. No event is published.
func (t *Tracker) Restore(nonce string, state State) *Machine {
	m := NewMachine(nonce, t.bus)
	m.current = state
	t.mu.Lock()
	t.machines[nonce] = m
	t.mu.Unlock()
	return m
}

// Transition moves nonce to state.
func (t *Tracker) Transition(nonce string, to State) error {
	t.mu.Lock()
	m, ok := t.machines[nonce]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown send %s", nonce)
	}
	return m.Transition(to)
}

// Current returns the state of nonce.
func (t *Tracker) Current(nonce string) (State, bool) {
	t.mu.Lock()
	m, ok := t.machines[nonce]
	t.mu.Unlock()
	if !ok {
		return "", false
	}
	return m.Current(), true
}

// Forget drops nonce.
func (t *Tracker) Forget(nonce string) {
	t.mu.Lock()
	delete(t.machines, nonce)
	t.mu.Unlock()
}

// Counts returns how many tracked items sit in each state.
func (t *Tracker) Counts() map[State]int {
	t.mu.Lock()
	ms := make([]*Machine, 0, len(t.machines))
	for _, m := range t.machines {
		ms = append(ms, m)
	}
	t.mu.Unlock()
	out := make(map[State]int)
	for _, m := range ms {
		out[m.Current()]++
	}
	return out
}
