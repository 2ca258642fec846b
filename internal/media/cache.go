// Package media is a content-addressed blob cache. Blobs are stored once
// per content hash; any number of remote keys alias onto one blob.
package media

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const thumbPrefix = "thumb:"

// Options configures the cache.
type Options struct {
	Dir             string
	BudgetBytes     int64
	MaxConcurrent   int
	EvictionGrace   time.Duration // entries touched this recently are never evicted
	DownloadTimeout time.Duration
	EvictInterval   time.Duration
}

// Fetcher streams the bytes of a remote blob into w.
type Fetcher interface {
	Fetch(ctx context.Context, remoteKey string, w io.Writer) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, remoteKey string, w io.Writer) error

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, remoteKey string, w io.Writer) error {
	return f(ctx, remoteKey, w)
}

// EvictResult reports what an eviction pass did.
type EvictResult struct {
	Removed    int   `json:"removed"`
	FreedBytes int64 `json:"freed_bytes"`
	TotalBytes int64 `json:"total_bytes"`
	Skipped    int   `json:"skipped"`
}

// Cache is the media cache.
type Cache struct {
	db     *store.DB
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger

	group singleflight.Group
	sem   *semaphore.Weighted

	writeMu sync.Mutex // serializes entry commits and eviction

	readersMu sync.Mutex
	readers   map[string]int

	now    func() time.Time
	cancel context.CancelFunc
}

// New creates a cache rooted at opts.Dir.
func New(db *store.DB, opts Options, b *bus.Bus, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 60 * time.Second
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, "tmp"), 0700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Cache{
		db:      db,
		opts:    opts,
		bus:     b,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		readers: make(map[string]int),
		now:     time.Now,
	}, nil
}

// Start runs periodic eviction down to the configured budget.
func (c *Cache) Start(ctx context.Context) {
	if c.opts.EvictInterval <= 0 || c.opts.BudgetBytes <= 0 {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.opts.EvictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictToBudget()
			}
		}
	}()
}

// Stop stops periodic eviction.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Resolve returns the local path for a remote key if cached. The alias
// table is consulted first, then the key is tried as a content hash.
func (c *Cache) Resolve(remoteKey string, thumb bool) (string, bool) {
	e := c.lookup(aliasKey(remoteKey, thumb), remoteKey)
	if e == nil {
		metrics.MediaRequests.WithLabelValues("miss").Inc()
		return "", false
	}
	c.touch(e.CacheKey)
	metrics.MediaRequests.WithLabelValues("hit").Inc()
	return e.LocalPath, true
}

// GetOrDownload returns the cached path or downloads the blob. Concurrent
// callers for the same key share one transfer. ctx bounds only this
// caller's wait; the shared transfer is bounded by the download timeout.
func (c *Cache) GetOrDownload(ctx context.Context, remoteKey string, f Fetcher, thumb bool) (string, error) {
	if p, ok := c.Resolve(remoteKey, thumb); ok {
		return p, nil
	}
	alias := aliasKey(remoteKey, thumb)
	dctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(alias, func() (any, error) {
		return c.download(dctx, remoteKey, alias, f, thumb)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Touch bumps the access time of a cached remote key.
func (c *Cache) Touch(remoteKey string, thumb bool) {
	if e := c.lookup(aliasKey(remoteKey, thumb), remoteKey); e != nil {
		c.touch(e.CacheKey)
	}
}

// Stats returns the store-level media totals.
func (c *Cache) Stats() (store.MediaStats, error) {
	return c.db.MediaStats()
}

func (c *Cache) download(ctx context.Context, remoteKey, alias string, f Fetcher, thumb bool) (string, error) {
	// A previous flight may have finished between Resolve and DoChan.
	if e := c.lookup(alias, remoteKey); e != nil {
		c.touch(e.CacheKey)
		return e.LocalPath, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.DownloadTimeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("wait transfer slot: %w", err)
	}
	defer c.sem.Release(1)

	tmp, hash, size, err := c.spool(func(w io.Writer) error {
		return f.Fetch(ctx, remoteKey, w)
	})
	if err != nil {
		metrics.MediaRequests.WithLabelValues("error").Inc()
		c.logger.Debug("media download failed", zap.String("remote_key", remoteKey), zap.Error(err))
		return "", fmt.Errorf("download %q: %w", remoteKey, err)
	}

	kind := ""
	if thumb {
		kind = "thumb"
	}
	e, err := c.commit(tmp, hash, size, kind)
	if err != nil {
		metrics.MediaRequests.WithLabelValues("error").Inc()
		return "", err
	}
	if err := c.db.UpsertAlias(alias, e.CacheKey); err != nil {
		return "", fault.Storage("upsert alias", err)
	}

	metrics.MediaRequests.WithLabelValues("download").Inc()
	c.bus.Emit(bus.MediaDownloaded, map[string]any{"remote_key": remoteKey, "cache_key": e.CacheKey, "size": e.SizeBytes})
	c.logger.Debug("media cached", zap.String("remote_key", remoteKey), zap.String("hash", e.CacheKey), zap.Int64("size", e.SizeBytes))

	if c.opts.BudgetBytes > 0 {
		go c.evictToBudget()
	}
	return e.LocalPath, nil
}

// RegisterLocal adds a user-picked file to the cache, reusing an existing
// blob with the same content instead of copying it again.
func (c *Cache) RegisterLocal(ctx context.Context, path, kind string) (*store.MediaEntry, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open local media: %w", err)
	}
	defer func() { _ = src.Close() }()

	hash, err := hashReader(ctx, src)
	if err != nil {
		return nil, err
	}
	if e := c.entryWithFile(hash); e != nil {
		c.touch(e.CacheKey)
		return e, nil
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind local media: %w", err)
	}
	tmp, copied, size, err := c.spool(func(w io.Writer) error {
		_, err := io.Copy(w, ctxReader{ctx: ctx, r: src})
		return err
	})
	if err != nil {
		return nil, err
	}
	if copied != hash {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("local media %q changed while registering", path)
	}
	return c.commit(tmp, hash, size, kind)
}

// spool writes into a temp file while hashing. It returns the temp path,
// the hex blake2b-256 digest and the byte count.
func (c *Cache) spool(write func(io.Writer) error) (string, string, int64, error) {
	f, err := os.CreateTemp(filepath.Join(c.opts.Dir, "tmp"), "dl-*")
	if err != nil {
		return "", "", 0, fault.Storage("create temp file", err)
	}
	h, _ := blake2b.New256(nil)
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	werr := write(cw)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(f.Name())
		if werr != nil {
			return "", "", 0, werr
		}
		return "", "", 0, fault.Storage("close temp file", cerr)
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), cw.n, nil
}

// commit moves a spooled file into its content-addressed place and upserts
// the entry. An existing blob with the same hash wins and the temp file is dropped.
func (c *Cache) commit(tmp, hash string, size int64, kind string) (*store.MediaEntry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := c.now().UnixMilli()
	if e := c.entryWithFile(hash); e != nil {
		_ = os.Remove(tmp)
		_ = c.db.TouchMedia(e.CacheKey, now)
		return e, nil
	}

	final := c.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(final), 0700); err != nil {
		_ = os.Remove(tmp)
		return nil, fault.Storage("create blob dir", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return nil, fault.Storage("move blob", err)
	}
	e := &store.MediaEntry{
		CacheKey:     hash,
		ContentHash:  hash,
		Kind:         kind,
		LocalPath:    final,
		SizeBytes:    size,
		LastAccessAt: now,
		CreatedAt:    now,
	}
	if err := c.db.UpsertMediaEntry(e); err != nil {
		_ = os.Remove(final)
		return nil, fault.Storage("upsert media entry", err)
	}
	return e, nil
}

// lookup resolves alias, then falls back to treating key as a cache key.
// Entries whose file vanished are dropped.
func (c *Cache) lookup(alias, key string) *store.MediaEntry {
	cacheKey, err := c.db.ResolveAlias(alias)
	if err != nil {
		c.logger.Warn("failed to resolve media alias", zap.String("alias", alias), zap.Error(err))
		return nil
	}
	if cacheKey == "" {
		cacheKey = key
	}
	return c.entryWithFile(cacheKey)
}

func (c *Cache) entryWithFile(cacheKey string) *store.MediaEntry {
	e, err := c.db.GetMediaEntry(cacheKey)
	if err != nil {
		c.logger.Warn("failed to read media entry", zap.String("cache_key", cacheKey), zap.Error(err))
		return nil
	}
	if e == nil {
		return nil
	}
	if _, err := os.Stat(e.LocalPath); errors.Is(err, os.ErrNotExist) {
		c.logger.Debug("media file missing, dropping entry", zap.String("cache_key", cacheKey))
		_ = c.db.DeleteMediaEntry(cacheKey)
		return nil
	}
	return e
}

func (c *Cache) touch(cacheKey string) {
	if err := c.db.TouchMedia(cacheKey, c.now().UnixMilli()); err != nil {
		c.logger.Debug("failed to touch media", zap.String("cache_key", cacheKey), zap.Error(err))
	}
}

func (c *Cache) pathFor(hash string) string {
	return filepath.Join(c.opts.Dir, hash[:2], hash)
}

func aliasKey(remoteKey string, thumb bool) string {
	if thumb {
		return thumbPrefix + remoteKey
	}
	return remoteKey
}

func hashReader(ctx context.Context, r io.Reader) (string, error) {
	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("hash local media: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
