// Package httpfeed is a Backend over a JSON HTTP API with a WebSocket push stream.
package httpfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/item"
	"github.com/matheus3301/wppsync/internal/remote"
	"go.uber.org/zap"
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	UserID         string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client talks to the feed API.
type Client struct {
	base   *url.URL
	me     string
	http   *http.Client
	logger *zap.Logger
}

var _ remote.Backend = (*Client)(nil)

// New creates a client for opts.BaseURL.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", opts.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, me: opts.UserID, http: hc, logger: logger}, nil
}

// Me returns the configured user id.
func (c *Client) Me() string { return c.me }

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// ListRecent fetches the newest items of a collection.
func (c *Client) ListRecent(ctx context.Context, collection string, limit int, cursor string) (remote.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, c.itemsPath(collection), q, nil, &resp); err != nil {
		return remote.Page{}, fmt.Errorf("list recent: %w", err)
	}
	return remote.Page{Items: toItems(resp.Items), NextCursor: resp.NextCursor}, nil
}

// ListBefore fetches items strictly older than before.
func (c *Client) ListBefore(ctx context.Context, collection string, before time.Time, limit int) ([]item.Item, error) {
	q := url.Values{}
	q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, c.itemsPath(collection), q, nil, &resp); err != nil {
		return nil, fmt.Errorf("list before: %w", err)
	}
	return toItems(resp.Items), nil
}

// Send posts an outgoing item and returns the confirmed item.
func (c *Client) Send(ctx context.Context, collection string, out remote.Outgoing) (item.Item, error) {
	body := sendRequest{ClientNonce: out.ClientNonce, Kind: string(out.Kind), Text: out.Text, Media: out.Media}
	if out.ThumbPath != "" {
		thumb, err := os.ReadFile(out.ThumbPath)
		if err != nil {
			c.logger.Debug("read thumbnail", zap.String("path", out.ThumbPath), zap.Error(err))
		} else {
			body.Thumbnail = thumb
		}
	}
	var resp Item
	if err := c.do(ctx, http.MethodPost, c.itemsPath(collection), nil, body, &resp); err != nil {
		return item.Item{}, fmt.Errorf("send: %w", err)
	}
	it := resp.ToItem()
	if it.ClientNonce == "" {
		it.ClientNonce = out.ClientNonce
	}
	return it, nil
}

// MarkRead acknowledges ids.
func (c *Client) MarkRead(ctx context.Context, collection string, ids []string) error {
	if err := c.do(ctx, http.MethodPost, c.collectionPath(collection)+"/receipts", nil, receiptsRequest{IDs: ids}, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Fetch streams a media blob into w.
func (c *Client) Fetch(ctx context.Context, remoteKey string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/media/"+url.PathEscape(remoteKey), nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError("fetch media", resp); err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fault.Transient("read media body", err)
	}
	return nil
}

func (c *Client) collectionPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection)
}

func (c *Client) itemsPath(collection string) string {
	return c.collectionPath(collection) + "/items"
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	target := c.base.String() + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := statusError(method+" "+path, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Transient("decode response", err)
	}
	return nil
}

// statusError maps HTTP status codes onto fault kinds.
func statusError(op string, resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", code, strings.TrimSpace(string(msg)))
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fault.Missing(op, err)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fault.Transient(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
