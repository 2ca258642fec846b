// Package outbox is the optimistic send pipeline: a submitted item shows up
// as pending at once, the remote write happens in the background, and the
// result is folded back into the same slot.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/item"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/remote"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// ErrNotFailed is returned by Retry for a nonce that is not in the failed state.
var ErrNotFailed = errors.New("send is not failed")

// ErrNonceInUse is returned by Submit when a nonce is being submitted
// concurrently or already belongs to another collection.
var ErrNonceInUse = errors.New("client nonce in use")

// Draft is what the user submits.
type Draft struct {
	Kind        item.Kind
	Text        string
	LocalPath   string
	ClientNonce string // generated when empty
	Media       *item.MediaRef
}

// Sink receives the pipeline's view updates for one collection. Calls come
// from the pipeline's goroutines; implementations hop to their own thread.
type Sink interface {
	InsertPending(it item.Item)
	ConfirmPending(nonce string, confirmed item.Item)
	MarkFailed(nonce string)
	MarkPending(nonce string)
	// SetPendingMedia replaces the media ref of a still-pending slot.
	SetPendingMedia(nonce string, media *item.MediaRef)
}

// Registrar dedupes attachments into the media cache.
type Registrar interface {
	RegisterLocal(ctx context.Context, path, kind string) (*store.MediaEntry, error)
}

// Options configures a Pipeline.
type Options struct {
	Me            string
	FlushInterval time.Duration
	SendTimeout   time.Duration
}

// Event is the payload of send.* bus events.
type Event struct {
	Collection string
	Nonce      string
	LocalID    string
	ServerID   string
	Error      string
}

// payload is the outbox row body.
type payload struct {
	Kind      item.Kind      `json:"kind"`
	Text      string         `json:"text,omitempty"`
	LocalPath string         `json:"local_path,omitempty"`
	Media     *item.MediaRef `json:"media,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Pipeline drains the outbox through a remote.Sender.
type Pipeline struct {
	db       *store.DB
	sender   remote.Sender
	media    Registrar
	previews remote.PreviewGenerator
	tracker  *status.Tracker
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options

	mu     sync.Mutex
	sinks  map[string]Sink
	active map[string]bool
	// memory holds sends whose outbox row could not be written. They do not
	// survive a restart but can still be retried.
	memory map[string]*store.OutboxEntry

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. media and previews may be nil.
func New(db *store.DB, sender remote.Sender, media Registrar, previews remote.PreviewGenerator, b *bus.Bus, logger *zap.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if previews == nil {
		previews = remote.NoPreview{}
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &Pipeline{
		db:       db,
		sender:   sender,
		media:    media,
		previews: previews,
		tracker:  status.NewTracker(b),
		bus:      b,
		logger:   logger,
		opts:     opts,
		sinks:    make(map[string]Sink),
		active:   make(map[string]bool),
		memory:   make(map[string]*store.OutboxEntry),
		kick:     make(chan struct{}, 1),
	}
}

// Tracker exposes the per-item send states.
func (p *Pipeline) Tracker() *status.Tracker { return p.tracker }

// Attach routes view updates for collection to sink.
func (p *Pipeline) Attach(collection string, sink Sink) {
	p.mu.Lock()
	p.sinks[collection] = sink
	p.mu.Unlock()
}

// Detach stops routing view updates for collection.
func (p *Pipeline) Detach(collection string) {
	p.mu.Lock()
	delete(p.sinks, collection)
	p.mu.Unlock()
}

func (p *Pipeline) sink(collection string) Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sinks[collection]
}

// Submit creates the pending item, shows it, persists it and queues the
// remote write. The returned item carries the local id.
func (p *Pipeline) Submit(ctx context.Context, collection string, d Draft) (item.Item, error) {
	if d.Kind == "" {
		d.Kind = item.KindText
	}
	if !d.Kind.Valid() {
		return item.Item{}, fmt.Errorf("invalid kind %q", d.Kind)
	}
	if d.Kind == item.KindText && d.Text == "" {
		return item.Item{}, errors.New("empty text")
	}
	if d.Kind.HasMedia() && d.LocalPath == "" && d.Media == nil {
		return item.Item{}, fmt.Errorf("%s item needs an attachment", d.Kind)
	}
	nonce := d.ClientNonce
	if nonce == "" {
		nonce = uuid.NewString()
	} else if it, ok, err := p.existing(collection, nonce); err != nil || ok {
		return it, err
	}
	// Held until the outbox row exists, so a concurrent Submit of the same
	// nonce cannot queue a second send.
	if !p.claim(nonce) {
		return item.Item{}, fmt.Errorf("submit %s: %w", nonce, ErrNonceInUse)
	}
	now := time.Now()
	it := item.Item{
		ID:          item.LocalID(nonce),
		SenderID:    p.opts.Me,
		Kind:        d.Kind,
		Text:        d.Text,
		CreatedAt:   now,
		Media:       d.Media,
		Pending:     item.PendingUpload,
		ClientNonce: nonce,
	}

	body, err := json.Marshal(payload{Kind: d.Kind, Text: d.Text, LocalPath: d.LocalPath, Media: d.Media, CreatedAt: now.UnixMilli()})
	if err != nil {
		p.release(nonce)
		return item.Item{}, fmt.Errorf("encode draft: %w", err)
	}

	_ = p.tracker.Begin(nonce).Transition(status.PendingUpload)

	if sink := p.sink(collection); sink != nil {
		sink.InsertPending(it)
	}
	if err := p.db.UpsertItem(collection, it); err != nil {
		p.logger.Warn("persist pending item", zap.String("collection", collection), zap.String("nonce", nonce), zap.Error(err))
	}

	entry := store.OutboxEntry{ClientNonce: nonce, Collection: collection, LocalID: it.ID, Payload: string(body), Status: store.OutboxQueued, CreatedAt: now.UnixMilli()}
	if err := p.db.QueueOutbox(&entry); err != nil {
		// The send still happens; it just will not survive a restart.
		p.logger.Warn("queue outbox", zap.String("nonce", nonce), zap.Error(err))
		p.mu.Lock()
		mem := entry
		p.memory[nonce] = &mem
		p.mu.Unlock()
		p.goDeliver(ctx, entry)
	} else {
		p.release(nonce)
		p.wake()
	}

	p.bus.Emit(bus.SendPending, Event{Collection: collection, Nonce: nonce, LocalID: it.ID})
	return it, nil
}

// Retry re-queues a failed send into the same slot.
func (p *Pipeline) Retry(ctx context.Context, nonce string) error {
	if entry, found, err := p.requeueMemory(nonce); found {
		if err != nil {
			return err
		}
		p.retried(entry)
		p.goDeliver(ctx, entry)
		return nil
	}

	ok, err := p.db.RequeueOutbox(nonce)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", nonce, err)
	}
	if !ok {
		return ErrNotFailed
	}
	entry, err := p.db.GetOutbox(nonce)
	if err != nil || entry == nil {
		return fmt.Errorf("load outbox %s: %w", nonce, err)
	}
	p.retried(*entry)
	p.wake()
	return nil
}

// requeueMemory moves a failed in-memory send back to queued and claims it.
func (p *Pipeline) requeueMemory(nonce string) (store.OutboxEntry, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.memory[nonce]
	if e == nil {
		return store.OutboxEntry{}, false, nil
	}
	if e.Status != store.OutboxFailed || p.active[nonce] {
		return store.OutboxEntry{}, true, ErrNotFailed
	}
	e.Status = store.OutboxQueued
	e.Attempts++
	p.active[nonce] = true
	return *e, true, nil
}

// retried puts the slot back into the uploading state.
func (p *Pipeline) retried(entry store.OutboxEntry) {
	nonce := entry.ClientNonce
	if _, known := p.tracker.Current(nonce); !known {
		p.tracker.Restore(nonce, status.Failed)
	}
	if err := p.tracker.Transition(nonce, status.PendingUpload); err != nil {
		p.logger.Debug("retry transition", zap.String("nonce", nonce), zap.Error(err))
	}
	p.persistPending(entry.Collection, nonce, item.PendingUpload)
	if sink := p.sink(entry.Collection); sink != nil {
		sink.MarkPending(nonce)
	}
	metrics.SendTotal.WithLabelValues("retried").Inc()
}

// existing returns the slot of a nonce that was already submitted.
func (p *Pipeline) existing(collection, nonce string) (item.Item, bool, error) {
	p.mu.Lock()
	var entry *store.OutboxEntry
	if e := p.memory[nonce]; e != nil {
		cp := *e
		entry = &cp
	}
	p.mu.Unlock()
	if entry == nil {
		e, err := p.db.GetOutbox(nonce)
		if err != nil {
			// Unreadable outbox: Submit falls back to the in-memory path.
			p.logger.Warn("look up outbox", zap.String("nonce", nonce), zap.Error(err))
			return item.Item{}, false, nil
		}
		if e == nil {
			return item.Item{}, false, nil
		}
		entry = e
	}
	if entry.Collection != collection {
		return item.Item{}, true, fmt.Errorf("submit %s to %s: %w (used in %s)", nonce, collection, ErrNonceInUse, entry.Collection)
	}
	if it, err := p.db.GetItemByNonce(collection, nonce); err == nil && it != nil {
		return *it, true, nil
	}

	var pl payload
	if err := json.Unmarshal([]byte(entry.Payload), &pl); err != nil {
		return item.Item{}, true, fmt.Errorf("decode outbox %s: %w", nonce, err)
	}
	it := item.Item{
		ID:          entry.LocalID,
		SenderID:    p.opts.Me,
		Kind:        pl.Kind,
		Text:        pl.Text,
		CreatedAt:   time.UnixMilli(pl.CreatedAt),
		Media:       pl.Media,
		Pending:     item.PendingUpload,
		ClientNonce: nonce,
	}
	switch entry.Status {
	case store.OutboxFailed:
		it.Pending = item.PendingFailed
	case store.OutboxSent:
		it.Pending = item.PendingNone
		if entry.ServerID != "" {
			it.ID = entry.ServerID
		}
	}
	return it, true, nil
}

// goDeliver sends a claimed entry outside the worker loop.
func (p *Pipeline) goDeliver(ctx context.Context, entry store.OutboxEntry) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deliver(context.WithoutCancel(ctx), entry)
	}()
}

// Resume returns entries interrupted by a crash to the queue and registers
// every queued send with the tracker.
func (p *Pipeline) Resume() error {
	n, err := p.db.RecoverOutbox()
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	pending, err := p.db.PendingOutbox()
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	for _, e := range pending {
		if _, known := p.tracker.Current(e.ClientNonce); !known {
			p.tracker.Restore(e.ClientNonce, status.PendingUpload)
		}
	}
	if n > 0 || len(pending) > 0 {
		p.logger.Info("outbox resumed", zap.Int64("recovered", n), zap.Int("queued", len(pending)))
		p.wake()
	}
	return nil
}

// FailedNonces returns the failed sends of collection, newest first.
func (p *Pipeline) FailedNonces(collection string) ([]string, error) {
	entries, err := p.db.FailedOutbox(collection)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	var mem []store.OutboxEntry
	for _, e := range p.memory {
		if e.Collection == collection && e.Status == store.OutboxFailed {
			mem = append(mem, *e)
		}
	}
	p.mu.Unlock()
	all := append(mem, entries...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })

	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.ClientNonce
	}
	return out, nil
}

// Start begins draining the outbox.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop stops the worker loop and waits for in-flight sends.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pipeline) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.processPending(ctx)
		case <-p.kick:
			p.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) processPending(ctx context.Context) {
	pending, err := p.db.PendingOutbox()
	if err != nil {
		p.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if !p.claim(entry.ClientNonce) {
			continue
		}
		if err := p.db.MarkOutboxSending(entry.ClientNonce); err != nil {
			p.logger.Error("failed to mark sending", zap.Error(err), zap.String("nonce", entry.ClientNonce))
			p.release(entry.ClientNonce)
			continue
		}
		p.deliver(ctx, entry)
	}
}

func (p *Pipeline) claim(nonce string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[nonce] {
		return false
	}
	p.active[nonce] = true
	return true
}

func (p *Pipeline) release(nonce string) {
	p.mu.Lock()
	delete(p.active, nonce)
	p.mu.Unlock()
}

// deliver prepares attachments and performs the remote write. The caller
// has claimed the nonce; deliver releases it before publishing the result,
// so a Retry that reacts to the failure finds the nonce free.
func (p *Pipeline) deliver(ctx context.Context, entry store.OutboxEntry) {
	nonce := entry.ClientNonce
	log := p.logger.With(zap.String("collection", entry.Collection), zap.String("nonce", nonce))

	var pl payload
	if err := json.Unmarshal([]byte(entry.Payload), &pl); err != nil {
		log.Error("undecodable outbox payload", zap.Error(err))
		p.release(nonce)
		p.fail(entry, fault.New(fault.SendFailure, "decode payload", err))
		return
	}

	out := remote.Outgoing{ClientNonce: nonce, Kind: pl.Kind, Text: pl.Text, LocalPath: pl.LocalPath, Media: pl.Media}
	if p.prepare(ctx, log, &out) {
		p.setPendingMedia(entry, out.Media)
	}

	sctx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	confirmed, err := p.sender.Send(sctx, entry.Collection, out)
	cancel()
	p.release(nonce)
	if err != nil {
		log.Warn("send failed", zap.Stringer("kind", fault.Classify(err)), zap.Error(err))
		p.fail(entry, err)
		return
	}
	p.confirm(entry, pl, confirmed)
}

// prepare dedupes the attachment and its thumbnail into the media cache and
// attaches a preview. It reports whether out.Media gained preview data.
// Nothing here fails the send.
func (p *Pipeline) prepare(ctx context.Context, log *zap.Logger, out *remote.Outgoing) bool {
	if out.LocalPath == "" {
		return false
	}
	out.LocalPath = p.register(ctx, log, out.LocalPath, string(out.Kind))

	pr := p.previews.Generate(ctx, out.LocalPath, out.Kind)
	if pr == nil {
		return false
	}
	if pr.ThumbPath != "" {
		out.ThumbPath = p.register(ctx, log, pr.ThumbPath, thumbKind)
	}
	ref := item.MediaRef{}
	if out.Media != nil {
		ref = *out.Media
	}
	changed := false
	if len(pr.InlinePreview) > 0 {
		ref.PreviewInline = pr.InlinePreview
		changed = true
	}
	if pr.Width > 0 && pr.Height > 0 {
		ref.Width, ref.Height = pr.Width, pr.Height
		changed = true
	}
	if changed {
		out.Media = &ref
	}
	return changed
}

// thumbKind is the media cache kind of generated thumbnails.
const thumbKind = "thumbnail"

// register returns the cached path of a local file, or path itself when
// the cache is unavailable.
func (p *Pipeline) register(ctx context.Context, log *zap.Logger, path, kind string) string {
	if p.media == nil {
		return path
	}
	e, err := p.media.RegisterLocal(ctx, path, kind)
	if err != nil {
		log.Debug("register attachment", zap.String("path", path), zap.Error(err))
		return path
	}
	return e.LocalPath
}

// setPendingMedia shows preview data on the optimistic slot.
func (p *Pipeline) setPendingMedia(entry store.OutboxEntry, ref *item.MediaRef) {
	nonce := entry.ClientNonce
	if it, err := p.db.GetItemByNonce(entry.Collection, nonce); err == nil && it != nil && item.IsLocalID(it.ID) {
		it.Media = ref
		if err := p.db.UpsertItem(entry.Collection, *it); err != nil {
			p.logger.Warn("persist pending media", zap.String("nonce", nonce), zap.Error(err))
		}
	}
	if sink := p.sink(entry.Collection); sink != nil {
		sink.SetPendingMedia(nonce, ref)
	}
}

func (p *Pipeline) fail(entry store.OutboxEntry, err error) {
	nonce := entry.ClientNonce
	if !p.setMemory(nonce, store.OutboxFailed, err.Error()) {
		if dbErr := p.db.MarkOutboxFailed(nonce, err.Error()); dbErr != nil {
			p.logger.Warn("mark outbox failed", zap.String("nonce", nonce), zap.Error(dbErr))
		}
	}
	if tErr := p.tracker.Transition(nonce, status.Failed); tErr != nil {
		p.logger.Debug("fail transition", zap.String("nonce", nonce), zap.Error(tErr))
	}
	p.persistPending(entry.Collection, nonce, item.PendingFailed)
	if sink := p.sink(entry.Collection); sink != nil {
		sink.MarkFailed(nonce)
	}
	metrics.SendTotal.WithLabelValues("failed").Inc()
	p.bus.Emit(bus.SendFailed, Event{Collection: entry.Collection, Nonce: nonce, LocalID: entry.LocalID, Error: err.Error()})
}

func (p *Pipeline) confirm(entry store.OutboxEntry, pl payload, confirmed item.Item) {
	nonce := entry.ClientNonce
	confirmed.ClientNonce = nonce
	confirmed.Pending = item.PendingNone
	if confirmed.SenderID == "" {
		confirmed.SenderID = p.opts.Me
	}
	if confirmed.Kind == "" {
		confirmed.Kind = pl.Kind
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = time.UnixMilli(pl.CreatedAt)
	}

	if p.setMemory(nonce, store.OutboxSent, "") {
		p.mu.Lock()
		delete(p.memory, nonce)
		p.mu.Unlock()
	} else if err := p.db.MarkOutboxSent(nonce, confirmed.ID); err != nil {
		p.logger.Warn("mark outbox sent", zap.String("nonce", nonce), zap.Error(err))
	}
	if err := p.db.ReplaceItem(entry.Collection, entry.LocalID, confirmed); err != nil {
		p.logger.Warn("persist confirmed item", zap.String("nonce", nonce), zap.Error(err))
	}
	if err := p.tracker.Transition(nonce, status.Sent); err != nil {
		p.logger.Debug("sent transition", zap.String("nonce", nonce), zap.Error(err))
	}
	p.tracker.Forget(nonce)
	if sink := p.sink(entry.Collection); sink != nil {
		sink.ConfirmPending(nonce, confirmed)
	}
	metrics.SendTotal.WithLabelValues("confirmed").Inc()
	p.logger.Info("item sent", zap.String("nonce", nonce), zap.String("server_id", confirmed.ID))
	p.bus.Emit(bus.SendConfirmed, Event{Collection: entry.Collection, Nonce: nonce, LocalID: entry.LocalID, ServerID: confirmed.ID})
}

// setMemory updates an in-memory entry; false means the entry lives in the
// outbox table.
func (p *Pipeline) setMemory(nonce, state, errMsg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.memory[nonce]
	if e == nil {
		return false
	}
	e.Status, e.ErrorMessage = state, errMsg
	return true
}

func (p *Pipeline) persistPending(collection, nonce string, state item.PendingState) {
	it, err := p.db.GetItemByNonce(collection, nonce)
	if err != nil || it == nil || !item.IsLocalID(it.ID) {
		return
	}
	it.Pending = state
	if err := p.db.UpsertItem(collection, *it); err != nil {
		p.logger.Warn("persist pending state", zap.String("nonce", nonce), zap.Error(err))
	}
}
