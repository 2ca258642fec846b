package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCache(t *testing.T, opts Options) (*Cache, *store.DB) {
	t.Helper()
	db := testDB(t)
	opts.Dir = filepath.Join(t.TempDir(), "media")
	c, err := New(db, opts, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, db
}

// fakeFetcher serves fixed bodies per key and counts transfers.
type fakeFetcher struct {
	bodies map[string]string
	gate   chan struct{} // when set, transfers block until closed
	calls  atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, key string, w io.Writer) error {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	body, ok := f.bodies[key]
	if !ok {
		return fault.Missing("fetch", errors.New("404"))
	}
	_, err := io.WriteString(w, body)
	return err
}

func blobCount(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if !d.IsDir() && !strings.HasPrefix(rel, "tmp"+string(filepath.Separator)) {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestResolveMiss(t *testing.T) {
	c, _ := testCache(t, Options{})
	if _, ok := c.Resolve("nope", false); ok {
		t.Error("empty cache resolved a key")
	}
}

func TestGetOrDownloadThenResolve(t *testing.T) {
	c, _ := testCache(t, Options{})
	f := &fakeFetcher{bodies: map[string]string{"r1": "hello"}}

	path, err := c.GetOrDownload(context.Background(), "r1", f, false)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("blob = %q, %v", data, err)
	}
	if got, ok := c.Resolve("r1", false); !ok || got != path {
		t.Errorf("Resolve = %q %v", got, ok)
	}
	if _, ok := c.Resolve("r1", true); ok {
		t.Error("thumbnail alias is separate from the full blob")
	}
}

// TestConcurrentDownloadsShareOneTransfer covers two callers racing for the
// same remote key.
func TestConcurrentDownloadsShareOneTransfer(t *testing.T) {
	c, _ := testCache(t, Options{})
	f := &fakeFetcher{bodies: map[string]string{"r1": "payload"}, gate: make(chan struct{})}

	var wg sync.WaitGroup
	paths := make([]string, 5)
	errs := make([]error, 5)
	for i := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = c.GetOrDownload(context.Background(), "r1", f, false)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Errorf("transfers = %d, want 1", n)
	}
	for i := range paths {
		if errs[i] != nil || paths[i] != paths[0] {
			t.Errorf("caller %d: %q %v", i, paths[i], errs[i])
		}
	}
}

func TestIdenticalBytesShareOneFile(t *testing.T) {
	c, db := testCache(t, Options{})
	f := &fakeFetcher{bodies: map[string]string{"r1": "same", "r2": "same"}}

	p1, err := c.GetOrDownload(context.Background(), "r1", f, false)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c.GetOrDownload(context.Background(), "r2", f, false)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("paths differ: %s vs %s", p1, p2)
	}
	if n := blobCount(t, c.opts.Dir); n != 1 {
		t.Errorf("files on disk = %d, want 1", n)
	}
	stats, _ := db.MediaStats()
	if stats.Entries != 1 || stats.Aliases != 2 {
		t.Errorf("stats = %+v, want 1 entry 2 aliases", stats)
	}
}

func TestFailedDownloadLeavesNoEntry(t *testing.T) {
	c, db := testCache(t, Options{})
	f := &fakeFetcher{bodies: map[string]string{}}

	_, err := c.GetOrDownload(context.Background(), "gone", f, false)
	if !fault.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	stats, _ := db.MediaStats()
	if stats.Entries != 0 || stats.Aliases != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if n := blobCount(t, c.opts.Dir); n != 0 {
		t.Errorf("leftover files = %d", n)
	}
}

// TestWaiterCancelDoesNotAbortTransfer covers one waiter leaving early: the
// shared transfer still completes for the others.
func TestWaiterCancelDoesNotAbortTransfer(t *testing.T) {
	c, _ := testCache(t, Options{})
	f := &fakeFetcher{bodies: map[string]string{"r1": "x"}, gate: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrDownload(ctx, "r1", f, false)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}

	close(f.gate)
	path, err := c.GetOrDownload(context.Background(), "r1", f, false)
	if err != nil {
		t.Fatal(err)
	}
	if path == "" {
		t.Error("empty path")
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("transfers = %d, want 1", n)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	c, _ := testCache(t, Options{MaxConcurrent: 2})
	var active, peak atomic.Int32
	f := FetcherFunc(func(ctx context.Context, key string, w io.Writer) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		_, err := io.WriteString(w, key)
		return err
	})

	var wg sync.WaitGroup
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrDownload(context.Background(), k, f, false); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent transfers = %d, want <= 2", p)
	}
}

func TestRegisterLocalDedupes(t *testing.T) {
	c, db := testCache(t, Options{})
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	_ = os.WriteFile(a, []byte("pixels"), 0600)
	_ = os.WriteFile(b, []byte("pixels"), 0600)

	e1, err := c.RegisterLocal(context.Background(), a, "photo")
	if err != nil {
		t.Fatal(err)
	}
	e2, err := c.RegisterLocal(context.Background(), b, "photo")
	if err != nil {
		t.Fatal(err)
	}
	if e1.CacheKey != e2.CacheKey || e1.LocalPath != e2.LocalPath {
		t.Errorf("entries differ: %+v %+v", e1, e2)
	}
	if e1.SizeBytes != int64(len("pixels")) || e1.Kind != "photo" {
		t.Errorf("entry = %+v", e1)
	}
	stats, _ := db.MediaStats()
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
	// The original stays where the user left it.
	if _, err := os.Stat(a); err != nil {
		t.Error("source file was moved")
	}
}

func TestResolveDropsEntryWithMissingFile(t *testing.T) {
	c, db := testCache(t, Options{})
	f := &fakeFetcher{bodies: map[string]string{"r1": "data"}}
	path, _ := c.GetOrDownload(context.Background(), "r1", f, false)
	_ = os.Remove(path)

	if _, ok := c.Resolve("r1", false); ok {
		t.Error("resolved a blob whose file is gone")
	}
	stats, _ := db.MediaStats()
	if stats.Entries != 0 {
		t.Error("stale entry not dropped")
	}
}

func TestOpenMissing(t *testing.T) {
	c, _ := testCache(t, Options{})
	if _, err := c.Open("nope", false); !fault.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
}
