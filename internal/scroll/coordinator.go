// Package scroll defers collection edits while the user is scrolling and
// keeps the visible item pinned across structural edits.
package scroll

import (
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/uithread"
)

// DefaultDebounce is the quiet period after the last scroll signal before
// the view counts as idle.
const DefaultDebounce = 280 * time.Millisecond

// State is the scroll activity state.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Coordinator gates UI work on scroll activity. Work enqueued while active
// is coalesced per tag, latest wins, and flushed once the view settles.
type Coordinator struct {
	disp     uithread.Dispatcher
	debounce time.Duration

	mu       sync.Mutex
	state    State
	held     bool // explicit EnterScrolling; only EnterIdle releases it
	timer    *time.Timer
	timerGen uint64
	pending  map[string]func()
	order    []string
	seq      map[string]uint64 // bumped by every EnqueueUiWork per tag
	closed   bool
	onChange []func(State)
}

// NewCoordinator creates an idle coordinator that runs work through disp.
func NewCoordinator(disp uithread.Dispatcher, debounce time.Duration) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		disp:     disp,
		debounce: debounce,
		pending:  make(map[string]func()),
		seq:      make(map[string]uint64),
	}
}

// OnStateChange registers a callback invoked, off the UI thread, whenever
// the state flips.
func (c *Coordinator) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// NotifyActivity marks the view active and restarts the idle timer.
func (c *Coordinator) NotifyActivity() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(Active)
	c.armLocked()
	cbs := c.callbacksLocked(changed)
	c.mu.Unlock()
	notify(cbs, Active)
}

// EnterScrolling marks the view active until EnterIdle is called.
func (c *Coordinator) EnterScrolling() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.held = true
	c.stopTimerLocked()
	changed := c.setStateLocked(Active)
	cbs := c.callbacksLocked(changed)
	c.mu.Unlock()
	notify(cbs, Active)
}

// EnterIdle marks the view idle now and flushes deferred work.
func (c *Coordinator) EnterIdle() {
	c.mu.Lock()
	c.held = false
	c.stopTimerLocked()
	c.settleLocked()
}

// EnqueueUiWork runs fn on the UI thread now when idle, or stores it under
// tag until the view settles, replacing earlier work with the same tag.
// It reports whether fn was dispatched immediately.
func (c *Coordinator) EnqueueUiWork(tag string, fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.seq[tag]++
	if c.state == Idle {
		c.mu.Unlock()
		c.disp.Post(fn)
		return true
	}
	if _, ok := c.pending[tag]; !ok {
		c.order = append(c.order, tag)
	}
	c.pending[tag] = fn
	c.mu.Unlock()
	return false
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether the view is active.
func (c *Coordinator) Busy() bool {
	return c.State() == Active
}

// Pending returns the number of deferred work tags.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Close stops the timer and drops deferred work.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
	c.pending = make(map[string]func())
	c.order = nil
}

func (c *Coordinator) armLocked() {
	c.stopTimerLocked()
	if c.held {
		return
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = time.AfterFunc(c.debounce, func() { c.fire(gen) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.held || c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.settleLocked()
}

// settleLocked goes idle and flushes. It releases c.mu.
func (c *Coordinator) settleLocked() {
	changed := c.setStateLocked(Idle)
	type flushed struct {
		tag string
		seq uint64
		fn  func()
	}
	work := make([]flushed, 0, len(c.order))
	for _, tag := range c.order {
		work = append(work, flushed{tag: tag, seq: c.seq[tag], fn: c.pending[tag]})
	}
	c.pending = make(map[string]func())
	c.order = nil
	cbs := c.callbacksLocked(changed)
	closed := c.closed
	c.mu.Unlock()

	notify(cbs, Idle)
	if closed || len(work) == 0 {
		return
	}
	// Work enqueued after this flush was taken can reach the UI thread
	// first; a flushed entry only runs if it is still the latest for its tag.
	c.disp.Post(func() {
		for _, w := range work {
			if c.latest(w.tag, w.seq) {
				w.fn()
			}
		}
	})
}

func (c *Coordinator) latest(tag string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.seq[tag] == seq
}

func (c *Coordinator) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Coordinator) callbacksLocked(changed bool) []func(State) {
	if !changed || len(c.onChange) == 0 {
		return nil
	}
	out := make([]func(State), len(c.onChange))
	copy(out, c.onChange)
	return out
}

func notify(cbs []func(State), s State) {
	for _, fn := range cbs {
		fn(s)
	}
}
