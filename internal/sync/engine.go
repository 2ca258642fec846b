// Package sync keeps one in-memory collection in line with its remote
// source: it polls or receives pushes, skips unchanged snapshots by
// signature, and applies the rest on the UI thread without disturbing an
// active scroll.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/item"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/receipts"
	"github.com/matheus3301/wppsync/internal/remote"
	"github.com/matheus3301/wppsync/internal/scroll"
	"github.com/matheus3301/wppsync/internal/snapshot"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/uithread"
	"github.com/matheus3301/wppsync/internal/view"
	"go.uber.org/zap"
)

// Options configures an Engine.
type Options struct {
	Collection    string
	Order         view.Order
	RecentLimit   int
	OlderPageSize int
	WindowMax     int
	PollInterval  time.Duration // 0 means refresh on demand only
	SyncTimeout   time.Duration
	Me            string
	GroupByDay    bool
	StoreMax      int // stored rows kept per collection; 0 disables the trim
}

// Deps are the engine's collaborators. Store, Feed and Dispatcher are required.
type Deps struct {
	Store       *store.DB
	Feed        remote.Feed
	Subscriber  remote.Subscriber
	Coordinator *scroll.Coordinator
	Dispatcher  uithread.Dispatcher
	Receipts    *receipts.Flusher
	Snapshots   *snapshot.Cache
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Source says where a refresh comes from.
type Source struct {
	push  bool
	batch []item.Item
}

// Poll is a pull of the most recent page.
func Poll() Source { return Source{} }

// Push carries a batch delivered by the backend.
func Push(batch []item.Item) Source { return Source{push: true, batch: batch} }

func (s Source) String() string {
	if s.push {
		return "push"
	}
	return "poll"
}

// Outcome describes what a refresh did before the apply step.
type Outcome struct {
	Signature uint64
	Fetched   int
	Noop      bool // signature unchanged, nothing scheduled
	Deferred  bool // apply held until scrolling settles
	Stale     bool // foreground sync timed out; the rendered state stands
}

// Applied is the payload of sync.applied and sync.older events.
type Applied struct {
	Collection string
	Source     string
	Signature  uint64
	Result     view.Result
}

// Failed is the payload of sync.failed events.
type Failed struct {
	Collection string
	Source     string
	Kind       fault.Kind
	Error      string
}

// Engine syncs one collection.
type Engine struct {
	opts   Options
	deps   Deps
	logger *zap.Logger
	cp     *Checkpoints

	// UI thread only.
	view  *view.Collection
	acked map[string]struct{} // ids already handed to the receipt flusher

	mu       stdsync.Mutex
	lastSig  uint64
	hasSig   bool
	fetched  []item.Item
	oldestAt time.Time
	loading  bool
	syncing  int
	visible  bool
	viewport scroll.Viewport
	pollStop context.CancelFunc
	sub      remote.Subscription
	writeGen uint64

	// Serializes write-through; written is the newest generation persisted.
	writeMu stdsync.Mutex
	written uint64

	root   context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates an engine. Nothing runs until Open or SetVisible.
func New(opts Options, deps Deps) (*Engine, error) {
	if opts.Collection == "" {
		return nil, errors.New("collection is required")
	}
	if deps.Store == nil || deps.Feed == nil || deps.Dispatcher == nil {
		return nil, errors.New("store, feed and dispatcher are required")
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 80
	}
	if opts.OlderPageSize <= 0 {
		opts.OlderPageSize = opts.RecentLimit
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 8 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:   opts,
		deps:   deps,
		logger: logger.With(zap.String("collection", opts.Collection)),
		cp:     NewCheckpoints(deps.Store),
		view: view.New(view.Options{
			Order:      opts.Order,
			WindowMax:  opts.WindowMax,
			GroupByDay: opts.GroupByDay,
			Me:         opts.Me,
		}),
		acked:   make(map[string]struct{}),
		loading: true,
		root:    root,
		cancel:  cancel,
	}, nil
}

// Collection returns the collection name.
func (e *Engine) Collection() string { return e.opts.Collection }

// View returns the in-memory collection. Only touch it on the UI thread.
func (e *Engine) View() *view.Collection { return e.view }

// SetViewport attaches the host view used for anchor preservation.
func (e *Engine) SetViewport(vp scroll.Viewport) {
	e.mu.Lock()
	e.viewport = vp
	e.mu.Unlock()
}

// Loading reports whether the first apply or a foreground sync is pending.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading || e.syncing > 0
}

// Signature returns the last applied signature.
func (e *Engine) Signature() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSig
}

// Open paints the last known state: the snapshot cache when warm, else the
// store. A checkpointed signature is adopted only with a store load, so a
// restart does not redo an apply that already happened.
func (e *Engine) Open(ctx context.Context) error {
	if e.deps.Snapshots != nil {
		if snap, ok := e.deps.Snapshots.Get(e.opts.Collection); ok {
			e.logger.Debug("opened from snapshot", zap.Int("items", len(snap.Items)))
			e.post(func() { e.reset(snap.Items, snap.Signature, true) })
			return nil
		}
	}

	items, err := e.deps.Store.ListRecentItems(e.opts.Collection, e.opts.RecentLimit)
	if err != nil {
		e.logger.Warn("store load failed", zap.Error(err))
		return fault.Storage("load collection", err)
	}
	sig, ok, err := e.cp.Signature(e.opts.Collection)
	if err != nil {
		e.logger.Debug("signature checkpoint unreadable", zap.Error(err))
		ok = false
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.post(func() { e.reset(items, sig, ok && len(items) > 0) })
	return nil
}

func (e *Engine) reset(items []item.Item, sig uint64, adoptSig bool) {
	e.view.Reset(items)
	e.mu.Lock()
	if adoptSig {
		e.lastSig, e.hasSig = sig, true
		e.loading = false
		e.fetched = remoteOnly(items)
	}
	e.mu.Unlock()
	e.noteBounds()
	metrics.ViewItems.WithLabelValues(e.opts.Collection).Set(float64(e.view.RealCount()))
}

// Refresh fetches (or takes a pushed batch), compares signatures and
// schedules the apply. A fetch error leaves the view untouched.
func (e *Engine) Refresh(ctx context.Context, src Source) (Outcome, error) {
	var items []item.Item
	if src.push {
		items = e.mergePush(src.batch)
	} else {
		page, err := e.deps.Feed.ListRecent(ctx, e.opts.Collection, e.opts.RecentLimit, "")
		if err != nil {
			e.failed(src, err)
			return Outcome{}, fmt.Errorf("list recent: %w", err)
		}
		items = page.Items
		if page.NextCursor != "" {
			if err := e.cp.SaveCursor(e.opts.Collection, page.NextCursor); err != nil {
				e.logger.Debug("save cursor", zap.Error(err))
			}
		}
	}

	sig := item.Signature(items)
	out := Outcome{Signature: sig, Fetched: len(items)}

	e.mu.Lock()
	if e.hasSig && sig == e.lastSig {
		e.loading = false
		e.mu.Unlock()
		out.Noop = true
		metrics.RefreshTotal.WithLabelValues(src.String(), "noop").Inc()
		e.deps.Bus.Emit(bus.SyncNoop, Applied{Collection: e.opts.Collection, Source: src.String(), Signature: sig})
		return out, nil
	}
	if !src.push {
		e.fetched = items
	}
	e.mu.Unlock()

	work := func() { e.apply(items, sig, src) }
	if c := e.deps.Coordinator; c != nil {
		if !c.EnqueueUiWork("apply:"+e.opts.Collection, work) {
			out.Deferred = true
			metrics.RefreshTotal.WithLabelValues(src.String(), "deferred").Inc()
		}
	} else {
		e.post(work)
	}
	return out, nil
}

// mergePush folds a pushed batch into the last fetched window.
func (e *Engine) mergePush(batch []item.Item) []item.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := make(map[string]int, len(e.fetched))
	merged := make([]item.Item, 0, len(e.fetched)+len(batch))
	for _, it := range e.fetched {
		pos[it.ID] = len(merged)
		merged = append(merged, it)
	}
	for _, it := range batch {
		if it.ID == "" {
			continue
		}
		if i, ok := pos[it.ID]; ok {
			merged[i] = it
			continue
		}
		pos[it.ID] = len(merged)
		merged = append(merged, it)
	}
	item.SortOldestFirst(merged)
	if n := e.opts.RecentLimit; len(merged) > n {
		merged = merged[len(merged)-n:]
	}
	e.fetched = merged
	return merged
}

// apply runs on the UI thread.
func (e *Engine) apply(items []item.Item, sig uint64, src Source) {
	start := time.Now()
	plan := e.view.Plan(items)
	res, err := e.applyPlan(plan)
	if err != nil {
		e.logger.Warn("apply failed", zap.Error(err))
		return
	}
	metrics.ApplyDuration.Observe(time.Since(start).Seconds())

	e.mu.Lock()
	e.lastSig, e.hasSig = sig, true
	e.loading = false
	e.mu.Unlock()

	outcome := "applied"
	if !res.Changed() {
		outcome = "noop"
	}
	metrics.RefreshTotal.WithLabelValues(src.String(), outcome).Inc()
	metrics.ViewItems.WithLabelValues(e.opts.Collection).Set(float64(e.view.RealCount()))

	if e.deps.Snapshots != nil {
		e.deps.Snapshots.Put(e.opts.Collection, e.view.Ascending(), sig)
	}
	e.scheduleReceipts(plan)
	e.writeThrough(items, sig)

	e.deps.Bus.Emit(bus.SyncApplied, Applied{Collection: e.opts.Collection, Source: src.String(), Signature: sig, Result: res})
}

// applyPlan applies on the UI thread, preserving the scroll anchor when the
// edit shifts rows above the viewport.
func (e *Engine) applyPlan(plan view.Plan) (view.Result, error) {
	e.mu.Lock()
	vp := e.viewport
	e.mu.Unlock()

	var anchor scroll.Anchor
	anchored := false
	if vp != nil && plan.NeedsAnchor(e.opts.Order) {
		anchor, anchored = scroll.Capture(vp, e.view)
	}
	res, err := e.view.Apply(plan)
	if err != nil {
		return res, err
	}
	if anchored && res.Changed() {
		scroll.Restore(vp, e.view, anchor)
	}
	e.noteBounds()
	return res, nil
}

func (e *Engine) scheduleReceipts(plan view.Plan) {
	if e.deps.Receipts == nil || e.opts.Me == "" {
		return
	}
	var ids []string
	for _, group := range [][]item.Item{plan.Newer, plan.Merge, plan.Older, plan.Updates} {
		for _, it := range group {
			if it.SenderID == e.opts.Me || it.Receipts.ReadBy.Has(e.opts.Me) {
				continue
			}
			if _, ok := e.acked[it.ID]; ok {
				continue
			}
			e.acked[it.ID] = struct{}{}
			ids = append(ids, it.ID)
		}
	}
	for id := range e.acked {
		if _, ok := e.view.Find(id); !ok {
			delete(e.acked, id)
		}
	}
	e.deps.Receipts.Schedule(e.opts.Collection, ids)
}

// writeThrough persists a fetched snapshot off the UI thread. A snapshot
// older than one already written is dropped. Failures are logged only.
func (e *Engine) writeThrough(items []item.Item, sig uint64) {
	e.mu.Lock()
	e.writeGen++
	gen := e.writeGen
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		if gen <= e.written {
			return
		}
		e.written = gen
		if err := e.deps.Store.UpsertItems(e.opts.Collection, items); err != nil {
			e.logger.Warn("write-through failed", zap.Error(err))
			return
		}
		if err := e.cp.SaveSignature(e.opts.Collection, sig); err != nil {
			e.logger.Debug("save signature", zap.Error(err))
		}
		if e.opts.StoreMax > 0 {
			if n, err := e.deps.Store.TrimOldest(e.opts.Collection, e.opts.StoreMax); err != nil {
				e.logger.Debug("store trim failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Debug("store trimmed", zap.Int64("rows", n))
			}
		}
	}()
}

func (e *Engine) failed(src Source, err error) {
	kind := fault.Classify(err)
	e.logger.Debug("refresh failed", zap.String("source", src.String()), zap.Stringer("kind", kind), zap.Error(err))
	metrics.RefreshTotal.WithLabelValues(src.String(), "failed").Inc()
	e.deps.Bus.Emit(bus.SyncFailed, Failed{Collection: e.opts.Collection, Source: src.String(), Kind: kind, Error: err.Error()})
}

// Sync is a foreground refresh bounded by the sync timeout. A timeout is
// not an error: what is already rendered stays.
func (e *Engine) Sync(ctx context.Context) (Outcome, error) {
	e.mu.Lock()
	e.syncing++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing--
		e.mu.Unlock()
	}()

	sctx, cancel := context.WithTimeout(ctx, e.opts.SyncTimeout)
	defer cancel()
	out, err := e.Refresh(sctx, Poll())
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || fault.Classify(err) == fault.Timeout) {
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
		return Outcome{Stale: true}, nil
	}
	return out, err
}

// LoadOlder fetches the page before the oldest loaded item and prepends it
// as a block, keeping the viewport anchored. The working-set bound does not
// apply to older pages. It falls back to the store when the remote fails
// and returns how many items arrived.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	e.mu.Lock()
	before := e.oldestAt
	e.mu.Unlock()
	if before.IsZero() {
		return 0, nil
	}

	items, err := e.deps.Feed.ListBefore(ctx, e.opts.Collection, before, e.opts.OlderPageSize)
	if err != nil {
		e.failed(Poll(), err)
		items, err = e.deps.Store.ListItemsBefore(e.opts.Collection, before, e.opts.OlderPageSize)
		if err != nil {
			return 0, fault.Storage("load older", err)
		}
	} else if len(items) > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.deps.Store.UpsertItems(e.opts.Collection, items); err != nil {
				e.logger.Warn("persist older page", zap.Error(err))
			}
		}()
	}
	if len(items) == 0 {
		return 0, nil
	}

	work := func() {
		plan := e.view.Plan(items)
		res, err := e.applyPlan(plan)
		if err != nil {
			e.logger.Warn("apply older page", zap.Error(err))
			return
		}
		metrics.ViewItems.WithLabelValues(e.opts.Collection).Set(float64(e.view.RealCount()))
		e.deps.Bus.Emit(bus.SyncOlder, Applied{Collection: e.opts.Collection, Source: "older", Result: res})
	}
	if c := e.deps.Coordinator; c != nil {
		c.EnqueueUiWork("older:"+e.opts.Collection, work)
	} else {
		e.post(work)
	}
	return len(items), nil
}

// SetVisible starts polling and the push subscription when the view shows
// and cancels both when it hides. Each show issues a fresh token.
func (e *Engine) SetVisible(visible bool) {
	e.mu.Lock()
	if visible == e.visible || e.root.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.visible = visible
	if !visible {
		stop, sub := e.pollStop, e.sub
		e.pollStop, e.sub = nil, nil
		e.mu.Unlock()
		if stop != nil {
			stop()
		}
		if sub != nil {
			_ = sub.Close()
		}
		return
	}
	ctx, stop := context.WithCancel(e.root)
	e.pollStop = stop
	e.mu.Unlock()

	if e.opts.PollInterval > 0 {
		e.wg.Add(1)
		go e.pollLoop(ctx)
	}
	if e.deps.Subscriber != nil {
		e.wg.Add(1)
		go e.subscribe(ctx)
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.pollOnce(ctx)
	for {
		select {
		case <-ticker.C:
			e.pollOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, e.opts.SyncTimeout)
	defer cancel()
	// Errors are logged by Refresh; the next tick retries.
	_, _ = e.Refresh(pctx, Poll())
}

func (e *Engine) subscribe(ctx context.Context) {
	defer e.wg.Done()
	sub, err := e.deps.Subscriber.Subscribe(ctx, e.opts.Collection, func(batch []item.Item) {
		if ctx.Err() != nil {
			return
		}
		_, _ = e.Refresh(ctx, Push(batch))
	})
	if err != nil {
		e.logger.Warn("subscribe failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		_ = sub.Close()
		return
	}
	e.sub = sub
	e.mu.Unlock()
}

// Close stops background work and waits for it.
func (e *Engine) Close() {
	e.SetVisible(false)
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) post(fn func()) {
	e.deps.Dispatcher.Post(fn)
}

// noteBounds records the oldest loaded timestamp for LoadOlder. UI thread.
func (e *Engine) noteBounds() {
	oldest, ok := e.view.Oldest()
	e.mu.Lock()
	if ok {
		e.oldestAt = oldest.CreatedAt
	} else {
		e.oldestAt = time.Time{}
	}
	e.mu.Unlock()
}

// InsertPending shows an optimistic item.
func (e *Engine) InsertPending(it item.Item) {
	e.post(func() {
		e.mu.Lock()
		vp := e.viewport
		e.mu.Unlock()
		// A feed grows at the top, so rows move under the viewport.
		var anchor scroll.Anchor
		anchored := false
		if vp != nil && e.opts.Order == view.NewestFirst {
			anchor, anchored = scroll.Capture(vp, e.view)
		}
		e.view.InsertLocal(it)
		if anchored {
			scroll.Restore(vp, e.view, anchor)
		}
		e.noteBounds()
	})
}

// ConfirmPending replaces the optimistic slot with the confirmed item.
func (e *Engine) ConfirmPending(nonce string, confirmed item.Item) {
	e.post(func() {
		if !e.view.ReplaceByNonce(nonce, confirmed) {
			// The slot was trimmed or never shown; merge like a fetch would.
			if _, err := e.applyPlan(e.view.Plan([]item.Item{confirmed})); err != nil {
				e.logger.Warn("merge confirmed item", zap.Error(err))
			}
		}
		e.noteBounds()
	})
}

// MarkFailed flags the slot as failed.
func (e *Engine) MarkFailed(nonce string) {
	e.post(func() { e.view.SetPending(nonce, item.PendingFailed) })
}

// MarkPending flags the slot as uploading again after a retry.
func (e *Engine) MarkPending(nonce string) {
	e.post(func() { e.view.SetPending(nonce, item.PendingUpload) })
}

// SetPendingMedia attaches preview data to the optimistic slot.
func (e *Engine) SetPendingMedia(nonce string, media *item.MediaRef) {
	e.post(func() {
		e.view.Patch(item.LocalID(nonce), func(it *item.Item) {
			if it.Pending != item.PendingNone {
				it.Media = media
			}
		})
	})
}

// remoteOnly drops optimistic rows so they never count as fetched data.
func remoteOnly(items []item.Item) []item.Item {
	out := make([]item.Item, 0, len(items))
	for _, it := range items {
		if !item.IsLocalID(it.ID) {
			out = append(out, it)
		}
	}
	return out
}
