package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/wppsync/internal/media"
	"github.com/matheus3301/wppsync/internal/store"
)

// Client wraps HTTP calls to the control API over the session socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the socket at socketPath. Nothing is
// dialed until the first call.
func NewClient(socketPath string) *Client {
	return &Client{http: &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Health reports whether the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/healthz", &out)
}

// Status returns the runtime summary.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

// Collections lists open collections.
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	var out map[string][]string
	err := c.do(ctx, http.MethodGet, "/collections", &out)
	return out["collections"], err
}

// Sync opens collection if needed and refreshes it.
func (c *Client) Sync(ctx context.Context, collection string) (SyncResult, error) {
	var out SyncResult
	err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/sync", &out)
	return out, err
}

// CacheStats returns media cache totals.
func (c *Client) CacheStats(ctx context.Context) (store.MediaStats, error) {
	var out store.MediaStats
	err := c.do(ctx, http.MethodGet, "/cache/stats", &out)
	return out, err
}

// Evict trims the media cache to budget bytes; 0 uses the configured budget.
func (c *Client) Evict(ctx context.Context, budget int64) (media.EvictResult, error) {
	var out media.EvictResult
	err := c.do(ctx, http.MethodPost, "/cache/evict?budget="+strconv.FormatInt(budget, 10), &out)
	return out, err
}

// TrimItems applies the per-collection store ceiling.
func (c *Client) TrimItems(ctx context.Context) (map[string]int64, error) {
	var out map[string]map[string]int64
	err := c.do(ctx, http.MethodPost, "/items/trim", &out)
	return out["trimmed"], err
}

// Logout closes every collection and clears sync state.
func (c *Client) Logout(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodPost, "/logout", &out)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://daemon"+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
