package status

import (
	"testing"

	"github.com/matheus3301/wppsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("n1", nil)
	if m.Current() != Composing {
		t.Errorf("initial state = %s, want COMPOSING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Composing, PendingUpload},
		{PendingUpload, Sent},
		{PendingUpload, Failed},
		{Failed, PendingUpload},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("n1", nil)
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

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Composing, Sent},
		{Composing, Failed},
		{Failed, Sent},
		{Sent, PendingUpload},
		{Sent, Failed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("n1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (should not have changed)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("send.", 10)
	defer sub.Close()

	m := NewMachine("n1", b)
	if err := m.Transition(PendingUpload); err != nil {
		t.Fatal(err)
	}

	evt := <-sub.C()
	if evt.Kind != bus.SendStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.SendStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.Nonce != "n1" || change.From != Composing || change.To != PendingUpload {
		t.Errorf("change = %+v", change)
	}
}

// TestRetryCycle walks an offline send through failure and a successful retry.
func TestRetryCycle(t *testing.T) {
	m := NewMachine("n1", nil)
	steps := []State{PendingUpload, Failed, PendingUpload, Failed, PendingUpload, Sent}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Current().Terminal() {
		t.Errorf("final state = %s, want terminal", m.Current())
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker(nil)
	a := tr.Begin("a")
	if tr.Begin("a") != a {
		t.Error("Begin should return the existing machine")
	}
	tr.Begin("b")
	tr.Restore("c", Failed)

	if err := tr.Transition("a", PendingUpload); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transition("missing", PendingUpload); err == nil {
		t.Error("unknown nonce should fail")
	}
	if s, ok := tr.Current("c"); !ok || s != Failed {
		t.Errorf("restored state = %s, %v", s, ok)
	}

	counts := tr.Counts()
	if counts[PendingUpload] != 1 || counts[Composing] != 1 || counts[Failed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	tr.Forget("a")
	if _, ok := tr.Current("a"); ok {
		t.Error("Forget left the machine")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Composing:     {},
		PendingUpload: {PendingUpload},
		Sent:          {PendingUpload, Sent},
		Failed:        {PendingUpload, Failed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
