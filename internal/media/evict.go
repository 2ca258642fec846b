package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/metrics"
	"go.uber.org/zap"
)

// Evict deletes entries least recently accessed first until the cache
// holds at most budget bytes. Entries with an open Reader, or touched
// within the grace window, are skipped. Aliases go with their entry.
func (c *Cache) Evict(budget int64) (EvictResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	entries, err := c.db.ListMediaByAccess()
	if err != nil {
		return EvictResult{}, fault.Storage("list media", err)
	}
	var res EvictResult
	for _, e := range entries {
		res.TotalBytes += e.SizeBytes
	}
	if budget < 0 {
		budget = 0
	}

	cutoff := c.now().Add(-c.opts.EvictionGrace).UnixMilli()
	for i, e := range entries {
		if res.TotalBytes <= budget {
			break
		}
		if c.opts.EvictionGrace > 0 && e.LastAccessAt > cutoff {
			// Ascending order: everything after this is newer still.
			res.Skipped += len(entries) - i
			break
		}
		if c.readerCount(e.CacheKey) > 0 {
			res.Skipped++
			continue
		}
		if err := c.db.DeleteMediaEntry(e.CacheKey); err != nil {
			return res, fault.Storage("delete media entry", err)
		}
		if err := os.Remove(e.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("failed to remove media file", zap.String("path", e.LocalPath), zap.Error(err))
		}
		res.Removed++
		res.FreedBytes += e.SizeBytes
		res.TotalBytes -= e.SizeBytes
	}

	metrics.MediaBytes.Set(float64(res.TotalBytes))
	if res.Removed > 0 {
		metrics.MediaEvicted.Add(float64(res.Removed))
		c.bus.Emit(bus.MediaEvicted, res)
		c.logger.Info("media evicted",
			zap.Int("removed", res.Removed),
			zap.Int64("freed_bytes", res.FreedBytes),
			zap.Int64("total_bytes", res.TotalBytes))
	}
	return res, nil
}

func (c *Cache) evictToBudget() {
	if _, err := c.Evict(c.opts.BudgetBytes); err != nil {
		c.logger.Warn("media eviction failed", zap.Error(err))
	}
}

// Reader is an open cached blob. While open, eviction skips its entry.
type Reader struct {
	*os.File
	release func()
}

// Close closes the file and releases the eviction hold.
func (r *Reader) Close() error {
	err := r.File.Close()
	if r.release != nil {
		r.release()
		r.release = nil
	}
	return err
}

// Open opens a cached blob for reading.
func (c *Cache) Open(remoteKey string, thumb bool) (*Reader, error) {
	// Holding writeMu orders this against an eviction deciding on the entry.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	e := c.lookup(aliasKey(remoteKey, thumb), remoteKey)
	if e == nil {
		return nil, fault.Missing("open media", fmt.Errorf("%q not cached", remoteKey))
	}
	f, err := os.Open(e.LocalPath)
	if err != nil {
		return nil, fault.Storage("open media", err)
	}
	c.acquire(e.CacheKey)
	c.touch(e.CacheKey)
	key := e.CacheKey
	return &Reader{File: f, release: func() { c.releaseReader(key) }}, nil
}

func (c *Cache) acquire(key string) {
	c.readersMu.Lock()
	c.readers[key]++
	c.readersMu.Unlock()
}

func (c *Cache) releaseReader(key string) {
	c.readersMu.Lock()
	defer c.readersMu.Unlock()
	if c.readers[key] <= 1 {
		delete(c.readers, key)
		return
	}
	c.readers[key]--
}

func (c *Cache) readerCount(key string) int {
	c.readersMu.Lock()
	defer c.readersMu.Unlock()
	return c.readers[key]
}
