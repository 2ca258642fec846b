package daemon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/media"
	"github.com/matheus3301/wppsync/internal/outbox"
	"github.com/matheus3301/wppsync/internal/receipts"
	"github.com/matheus3301/wppsync/internal/remote"
	"github.com/matheus3301/wppsync/internal/scroll"
	"github.com/matheus3301/wppsync/internal/snapshot"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	intsync "github.com/matheus3301/wppsync/internal/sync"
	"github.com/matheus3301/wppsync/internal/uithread"
	"github.com/matheus3301/wppsync/internal/view"
	"go.uber.org/zap"
)

// FeedPrefix marks collections displayed newest first.
const FeedPrefix = "feed:"

// ErrClosed is returned by Open after Shutdown.
var ErrClosed = errors.New("runtime closed")

// Status is a point-in-time summary of the runtime.
type Status struct {
	Session     string             `json:"session"`
	Backend     string             `json:"backend"`
	Me          string             `json:"me"`
	Uptime      string             `json:"uptime"`
	Collections []CollectionStatus `json:"collections"`
	Sends       map[string]int     `json:"sends"`
	Media       store.MediaStats   `json:"media"`
	Scroll      string             `json:"scroll"`
}

// CollectionStatus describes one open collection.
type CollectionStatus struct {
	Name      string `json:"name"`
	Stored    int    `json:"stored"`
	Signature string `json:"signature"`
	Loading   bool   `json:"loading"`
	Receipts  int    `json:"receipts_pending"`
}

// Runtime owns the engines of one session and the services they share.
type Runtime struct {
	session     string
	cfg         *config.Config
	db          *store.DB
	backend     remote.Backend
	media       *media.Cache
	snapshots   *snapshot.Cache
	coordinator *scroll.Coordinator
	dispatcher  uithread.Dispatcher
	receipts    *receipts.Flusher
	outbox      *outbox.Pipeline
	checkpoints *intsync.Checkpoints
	bus         *bus.Bus
	logger      *zap.Logger
	started     time.Time

	mu      sync.Mutex
	engines map[string]*intsync.Engine
	closed  bool
}

// RuntimeDeps groups what NewRuntime needs.
type RuntimeDeps struct {
	Config      *config.Config
	Store       *store.DB
	Backend     remote.Backend
	Media       *media.Cache
	Snapshots   *snapshot.Cache
	Coordinator *scroll.Coordinator
	Dispatcher  uithread.Dispatcher
	Receipts    *receipts.Flusher
	Outbox      *outbox.Pipeline
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// NewRuntime creates a runtime for session.
func NewRuntime(session string, d RuntimeDeps) *Runtime {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		session:     session,
		cfg:         d.Config,
		db:          d.Store,
		backend:     d.Backend,
		media:       d.Media,
		snapshots:   d.Snapshots,
		coordinator: d.Coordinator,
		dispatcher:  d.Dispatcher,
		receipts:    d.Receipts,
		outbox:      d.Outbox,
		checkpoints: intsync.NewCheckpoints(d.Store),
		bus:         d.Bus,
		logger:      logger,
		started:     time.Now(),
		engines:     make(map[string]*intsync.Engine),
	}
}

// Bus returns the event bus engines publish on.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Outbox returns the send pipeline.
func (r *Runtime) Outbox() *outbox.Pipeline { return r.outbox }

// Media returns the media cache.
func (r *Runtime) Media() *media.Cache { return r.media }

// Coordinator returns the scroll coordinator hosts report activity to.
func (r *Runtime) Coordinator() *scroll.Coordinator { return r.coordinator }

// Backend returns the remote backend.
func (r *Runtime) Backend() remote.Backend { return r.backend }

// Open returns the engine of collection, creating and loading it on first use.
func (r *Runtime) Open(ctx context.Context, collection string) (*intsync.Engine, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := r.engines[collection]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	e, err := intsync.New(r.engineOptions(collection), intsync.Deps{
		Store:       r.db,
		Feed:        r.backend,
		Subscriber:  r.backend,
		Coordinator: r.coordinator,
		Dispatcher:  r.dispatcher,
		Receipts:    r.receipts,
		Snapshots:   r.snapshots,
		Bus:         r.bus,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	if err := e.Open(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("open %s: %w", collection, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.engines[collection]; ok {
		// Lost a race with a concurrent Open.
		e.Close()
		return existing, nil
	}
	r.engines[collection] = e
	r.outbox.Attach(collection, e)
	r.logger.Info("collection opened", zap.String("collection", collection))
	return e, nil
}

func (r *Runtime) engineOptions(collection string) intsync.Options {
	cc, order := r.cfg.Chat, view.OldestFirst
	if strings.HasPrefix(collection, FeedPrefix) {
		cc, order = r.cfg.Feed, view.NewestFirst
	}
	return intsync.Options{
		Collection:   collection,
		Order:        order,
		RecentLimit:  cc.RecentLimit,
		WindowMax:    cc.WindowMax,
		PollInterval: cc.PollInterval.Duration,
		SyncTimeout:  cc.SyncTimeout.Duration,
		GroupByDay:   cc.GroupByDay,
		Me:           r.backend.Me(),
		StoreMax:     r.cfg.Store.MaxItemsPerCollection,
	}
}

// Close stops the engine of collection. The stored items stay.
func (r *Runtime) Close(collection string) {
	r.mu.Lock()
	e, ok := r.engines[collection]
	delete(r.engines, collection)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.outbox.Detach(collection)
	e.Close()
}

// Collections lists open collections in name order.
func (r *Runtime) Collections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.engines))
	for c := range r.engines {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Known lists every collection the session knows of: stored ones, those
// the config watches, and those the backend reports. Sorted, no duplicates.
func (r *Runtime) Known() []string {
	seen := map[string]bool{}
	add := func(cs []string) {
		for _, c := range cs {
			seen[c] = true
		}
	}
	if stored, err := r.db.ListCollections(); err == nil {
		add(stored)
	} else {
		r.logger.Warn("list stored collections", zap.Error(err))
	}
	add(r.cfg.Daemon.Collections)
	if lister, ok := r.backend.(interface{ Chats() []string }); ok {
		add(lister.Chats())
	}
	add(r.Collections())
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Engine returns the open engine of collection.
func (r *Runtime) Engine(collection string) (*intsync.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[collection]
	return e, ok
}

// Logout closes every engine and forgets all in-memory and checkpointed
// sync state. Stored items are kept for the next login.
func (r *Runtime) Logout(ctx context.Context) error {
	for _, c := range r.Collections() {
		r.Close(c)
	}
	r.snapshots.Clear()
	if err := r.checkpoints.Clear(); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	if lo, ok := r.backend.(interface{ Logout(context.Context) error }); ok {
		if err := lo.Logout(ctx); err != nil {
			return fmt.Errorf("backend logout: %w", err)
		}
	}
	r.logger.Info("logged out")
	return nil
}

// Shutdown closes every engine; Open fails afterwards.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, c := range r.Collections() {
		r.Close(c)
	}
}

// Status summarizes the runtime. It never touches a view, so it is safe
// from any goroutine.
func (r *Runtime) Status() Status {
	st := Status{
		Session: r.session,
		Backend: r.cfg.Backend,
		Me:      r.backend.Me(),
		Uptime:  time.Since(r.started).Truncate(time.Second).String(),
		Sends:   map[string]int{},
		Scroll:  r.coordinator.State().String(),
	}
	for state, n := range r.outbox.Tracker().Counts() {
		st.Sends[strings.ToLower(string(state))] = n
	}
	if ms, err := r.media.Stats(); err == nil {
		st.Media = ms
	} else {
		r.logger.Warn("media stats", zap.Error(err))
	}
	for _, c := range r.Collections() {
		e, ok := r.Engine(c)
		if !ok {
			continue
		}
		cs := CollectionStatus{
			Name:      c,
			Signature: strconv.FormatUint(e.Signature(), 16),
			Loading:   e.Loading(),
			Receipts:  len(r.receipts.Pending(c)),
		}
		if n, err := r.db.ItemCount(c); err == nil {
			cs.Stored = n
		}
		st.Collections = append(st.Collections, cs)
	}
	return st
}

// Evict runs an eviction pass down to budget; budget <= 0 uses the
// configured one.
func (r *Runtime) Evict(budget int64) (media.EvictResult, error) {
	if budget <= 0 {
		budget = r.cfg.Media.BudgetBytes
	}
	return r.media.Evict(budget)
}

// TrimItems applies the per-collection store ceiling to every stored
// collection and returns the rows removed per collection.
func (r *Runtime) TrimItems() (map[string]int64, error) {
	keep := r.cfg.Store.MaxItemsPerCollection
	out := map[string]int64{}
	if keep <= 0 {
		return out, nil
	}
	collections, err := r.db.ListCollections()
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	for _, c := range collections {
		n, err := r.db.TrimOldest(c, keep)
		if err != nil {
			return out, fmt.Errorf("trim %s: %w", c, err)
		}
		if n > 0 {
			out[c] = n
		}
	}
	return out, nil
}

// Watch opens collections and keeps them polling as if they were on
// screen. Used by headless hosts.
func (r *Runtime) Watch(ctx context.Context, collections []string) {
	for _, c := range collections {
		e, err := r.Open(ctx, c)
		if err != nil {
			r.logger.Warn("open watched collection", zap.String("collection", c), zap.Error(err))
			continue
		}
		e.SetVisible(true)
	}
}

// SendCounts returns the number of tracked sends per state.
func (r *Runtime) SendCounts() map[status.State]int {
	return r.outbox.Tracker().Counts()
}
