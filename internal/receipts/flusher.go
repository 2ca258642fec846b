// Package receipts batches delivered/read acknowledgements for items from
// other senders and flushes them to the backend in the background.
package receipts

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/remote"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize = 50
	DefaultInterval  = 2 * time.Second
)

// Flushed is the payload of a receipts.flushed event.
type Flushed struct {
	Collection string
	IDs        []string
}

// Flusher queues ids per collection. It holds its own lock and never calls
// into other components while holding it.
type Flusher struct {
	sender   remote.ReceiptSender
	batch    int
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string][]string
	queued  map[string]map[string]struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFlusher creates a flusher. Zero batch or interval fall back to defaults.
func NewFlusher(sender remote.ReceiptSender, batch int, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Flusher {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		sender:   sender,
		batch:    batch,
		interval: interval,
		bus:      b,
		logger:   logger,
		pending:  make(map[string][]string),
		queued:   make(map[string]map[string]struct{}),
	}
}

// Schedule queues ids for collection, skipping ones already queued.
func (f *Flusher) Schedule(collection string, ids []string) {
	if len(ids) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := f.queued[collection]
	if seen == nil {
		seen = make(map[string]struct{})
		f.queued[collection] = seen
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		f.pending[collection] = append(f.pending[collection], id)
	}
}

// Pending returns the queued ids of collection in schedule order.
func (f *Flusher) Pending(collection string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pending[collection])
}

// Start begins flushing on an interval.
func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.loop(ctx)
}

// Stop stops the loop and waits for an in-progress flush.
func (f *Flusher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Flusher) loop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush sends every queued batch once and returns the number of ids
// acknowledged. Retryable failures put the batch back; NotFound drops it.
func (f *Flusher) Flush(ctx context.Context) int {
	total := 0
	for _, collection := range f.collections() {
		for {
			ids := f.take(collection)
			if len(ids) == 0 {
				break
			}
			err := f.sender.MarkRead(ctx, collection, ids)
			if err == nil {
				f.done(collection, ids)
				total += len(ids)
				metrics.ReceiptsFlushed.Add(float64(len(ids)))
				f.bus.Emit(bus.ReceiptsFlushed, Flushed{Collection: collection, IDs: ids})
				continue
			}
			switch {
			case fault.IsNotFound(err):
				f.logger.Debug("receipts target gone", zap.String("collection", collection), zap.Int("count", len(ids)))
				f.done(collection, ids)
				continue
			case fault.Retryable(err):
				f.logger.Debug("receipt flush deferred", zap.String("collection", collection), zap.Error(err))
				f.requeue(collection, ids)
			default:
				f.logger.Warn("receipt flush failed", zap.String("collection", collection), zap.Error(err))
				f.requeue(collection, ids)
			}
			break
		}
	}
	return total
}

func (f *Flusher) collections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pending))
	for c, ids := range f.pending {
		if len(ids) > 0 {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

func (f *Flusher) take(collection string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.pending[collection]
	n := min(len(q), f.batch)
	if n == 0 {
		return nil
	}
	ids := slices.Clone(q[:n])
	f.pending[collection] = q[n:]
	return ids
}

func (f *Flusher) requeue(collection string, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[collection] = append(ids, f.pending[collection]...)
}

func (f *Flusher) done(collection string, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := f.queued[collection]
	for _, id := range ids {
		delete(seen, id)
	}
	if len(f.pending[collection]) == 0 {
		delete(f.pending, collection)
		if len(seen) == 0 {
			delete(f.queued, collection)
		}
	}
}
