package receipts

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/fault"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    sync.Mutex
	calls [][]string
	errs  []error // consumed in order; nil once empty
}

func (m *mockSender) MarkRead(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, slices.Clone(ids))
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestScheduleDedupes(t *testing.T) {
	f := NewFlusher(&mockSender{}, 0, 0, nil, nil)
	f.Schedule("c", []string{"a", "b", "a", ""})
	f.Schedule("c", []string{"b", "c"})
	if got := f.Pending("c"); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("pending = %v", got)
	}
}

func TestFlushBatches(t *testing.T) {
	m := &mockSender{}
	b := bus.New()
	sub := b.Subscribe("receipts.", 10)
	defer sub.Close()

	f := NewFlusher(m, 2, 0, b, nil)
	f.Schedule("c", []string{"a", "b", "c"})

	if n := f.Flush(context.Background()); n != 3 {
		t.Errorf("flushed = %d, want 3", n)
	}
	if len(m.calls) != 2 || len(m.calls[0]) != 2 || len(m.calls[1]) != 1 {
		t.Errorf("calls = %v", m.calls)
	}
	if len(f.Pending("c")) != 0 {
		t.Error("queue not drained")
	}

	evt := <-sub.C()
	if p, ok := evt.Payload.(Flushed); !ok || p.Collection != "c" {
		t.Errorf("event = %+v", evt)
	}

	// Flushed ids may be scheduled again.
	f.Schedule("c", []string{"a"})
	if got := f.Pending("c"); len(got) != 1 {
		t.Errorf("pending after reschedule = %v", got)
	}
}

func TestFlushRequeuesTransient(t *testing.T) {
	m := &mockSender{errs: []error{fault.Transient("mark read", errors.New("offline"))}}
	f := NewFlusher(m, 0, 0, nil, nil)
	f.Schedule("c", []string{"a", "b"})

	if n := f.Flush(context.Background()); n != 0 {
		t.Errorf("flushed = %d, want 0", n)
	}
	f.Schedule("c", []string{"z"})
	if got := f.Pending("c"); !slices.Equal(got, []string{"a", "b", "z"}) {
		t.Errorf("pending = %v, want requeued batch first", got)
	}

	if n := f.Flush(context.Background()); n != 3 {
		t.Errorf("second flush = %d, want 3", n)
	}
}

func TestFlushDropsNotFound(t *testing.T) {
	m := &mockSender{errs: []error{fault.Missing("mark read", errors.New("gone"))}}
	f := NewFlusher(m, 1, 0, nil, nil)
	f.Schedule("c", []string{"a", "b"})

	if n := f.Flush(context.Background()); n != 1 {
		t.Errorf("flushed = %d, want 1", n)
	}
	if m.callCount() != 2 {
		t.Errorf("calls = %d, want 2", m.callCount())
	}
	if len(f.Pending("c")) != 0 {
		t.Error("gone batch should be dropped")
	}
}

func TestStartFlushesOnInterval(t *testing.T) {
	m := &mockSender{}
	f := NewFlusher(m, 0, 20*time.Millisecond, nil, nil)
	f.Schedule("c", []string{"a"})
	f.Start(context.Background())
	defer f.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for m.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.callCount() == 0 {
		t.Fatal("loop never flushed")
	}
}
