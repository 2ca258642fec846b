// Package remote defines the collaborators the engine talks to: the
// backend that lists, pushes, accepts and serves items, and the preview
// generator used for outgoing attachments.
package remote

import (
	"context"
	"io"
	"time"

	"github.com/matheus3301/wppsync/internal/item"
)

// Page is one ListRecent result.
type Page struct {
	Items      []item.Item // oldest first
	NextCursor string
}

// Feed lists items of a collection.
type Feed interface {
	ListRecent(ctx context.Context, collection string, limit int, cursor string) (Page, error)
	ListBefore(ctx context.Context, collection string, before time.Time, limit int) ([]item.Item, error)
}

// Subscription is a live push stream. Close is idempotent and stops delivery.
type Subscription interface {
	Close() error
}

// Subscriber delivers pushed batches. onBatch may be called from any goroutine.
type Subscriber interface {
	Subscribe(ctx context.Context, collection string, onBatch func([]item.Item)) (Subscription, error)
}

// Outgoing is what the send pipeline hands to the backend.
type Outgoing struct {
	ClientNonce string
	Kind        item.Kind
	Text        string
	LocalPath   string // attachment, already in the media cache
	ThumbPath   string // generated thumbnail, already in the media cache
	Media       *item.MediaRef
}

// Sender performs the remote write of an outgoing item and returns the
// confirmed item carrying the server id.
type Sender interface {
	Send(ctx context.Context, collection string, out Outgoing) (item.Item, error)
}

// ReceiptSender acknowledges items as delivered and read.
type ReceiptSender interface {
	MarkRead(ctx context.Context, collection string, ids []string) error
}

// MediaFetcher streams a remote blob.
type MediaFetcher interface {
	Fetch(ctx context.Context, remoteKey string, w io.Writer) error
}

// Backend is the full remote surface a runtime needs.
type Backend interface {
	Feed
	Subscriber
	Sender
	ReceiptSender
	MediaFetcher
	// Me returns the current user's id, used for receipts and deletion filters.
	Me() string
	Close() error
}

// PreviewResult describes a generated thumbnail.
type PreviewResult struct {
	ThumbPath     string
	InlinePreview []byte
	Width         int
	Height        int
	PreviewType   string
}

// PreviewGenerator builds thumbnails. It is best-effort: a nil result means
// no preview, and it never returns an error.
type PreviewGenerator interface {
	Generate(ctx context.Context, localPath string, kind item.Kind) *PreviewResult
}

// NoPreview is a PreviewGenerator that never produces anything.
type NoPreview struct{}

// Generate implements PreviewGenerator.
func (NoPreview) Generate(context.Context, string, item.Kind) *PreviewResult { return nil }

// SubscriptionFunc adapts a close function to Subscription.
type SubscriptionFunc func() error

// Close implements Subscription.
func (f SubscriptionFunc) Close() error { return f() }
