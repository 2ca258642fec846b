// Package uithread provides the single UI-affinity thread that owns every
// in-memory collection. Background work hops onto it through a Dispatcher.
package uithread

import (
	"context"
	"sync"
)

// Dispatcher runs functions on the UI thread, in posting order.
type Dispatcher interface {
	Post(fn func())
}

// DispatcherFunc adapts a host's own queue, e.g. tview's QueueUpdateDraw.
type DispatcherFunc func(fn func())

// Post implements Dispatcher.
func (f DispatcherFunc) Post(fn func()) { f(fn) }

// Loop is a Dispatcher backed by one goroutine. It is used by headless
// hosts and tests.
type Loop struct {
	queue chan func()
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewLoop creates a loop with the given queue depth.
func NewLoop(depth int) *Loop {
	if depth <= 0 {
		depth = 256
	}
	return &Loop{
		queue: make(chan func(), depth),
		done:  make(chan struct{}),
	}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	go l.Run(ctx)
}

// Run executes posted functions until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case fn := <-l.queue:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Post enqueues fn. Posts after Stop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do posts fn and waits for it to run. It returns false if the loop
// exited before fn ran or ctx was cancelled first.
func (l *Loop) Do(ctx context.Context, fn func()) bool {
	ran := make(chan struct{})
	l.Post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop ends the loop. Pending functions are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Immediate runs posted functions inline on the caller's goroutine. Only
// for tests that drive everything from one goroutine.
type Immediate struct{}

// Post implements Dispatcher.
func (Immediate) Post(fn func()) { fn() }
