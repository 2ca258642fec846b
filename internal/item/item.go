package item

import (
	"slices"
	"strings"
	"time"
)

// Kind tags the payload an item carries. Renderers switch on it.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindFile     Kind = "file"
	KindAudio    Kind = "audio"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindPoll     Kind = "poll"
	KindEvent    Kind = "event"
)

var kinds = []Kind{KindText, KindPhoto, KindVideo, KindFile, KindAudio, KindLocation, KindContact, KindPoll, KindEvent}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return slices.Contains(kinds, k)
}

// HasMedia reports whether items of this kind normally reference a blob.
func (k Kind) HasMedia() bool {
	switch k {
	case KindPhoto, KindVideo, KindFile, KindAudio:
		return true
	default:
		return false
	}
}

// PendingState tracks an optimistic item's upload lifecycle.
type PendingState string

const (
	PendingNone   PendingState = "none"
	PendingUpload PendingState = "pending_upload"
	PendingFailed PendingState = "failed"
)

// LocalIDPrefix marks ids assigned on the client before the server confirms.
const LocalIDPrefix = "local-"

// MediaRef points at the remote blobs of a media item.
type MediaRef struct {
	RemoteKey      string `json:"remote_key,omitempty"`
	ThumbRemoteKey string `json:"thumb_remote_key,omitempty"`
	PreviewInline  []byte `json:"preview_inline,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

// Receipts holds delivery state for chat items.
type Receipts struct {
	DeliveredTo Set `json:"delivered_to,omitempty"`
	ReadBy      Set `json:"read_by,omitempty"`
}

// Deletion holds deletion flags.
type Deletion struct {
	DeletedForAll bool `json:"deleted_for_all,omitempty"`
	DeletedFor    Set  `json:"deleted_for,omitempty"`
}

// Counters holds engagement counters for feed items.
type Counters struct {
	Likes    int64 `json:"likes,omitempty"`
	Comments int64 `json:"comments,omitempty"`
	Shares   int64 `json:"shares,omitempty"`
}

// Item is a chat message or a feed post.
type Item struct {
	ID          string
	SenderID    string
	Kind        Kind
	Text        string
	CreatedAt   time.Time
	Media       *MediaRef
	Receipts    Receipts
	Deletion    Deletion
	Counters    Counters
	Pending     PendingState
	ClientNonce string
}

// LocalID returns the temporary id for an optimistic item.
func LocalID(nonce string) string {
	return LocalIDPrefix + nonce
}

// IsLocalID reports whether id was assigned locally.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// IsPending reports whether the item is waiting on, or failed, a remote write.
func (it Item) IsPending() bool {
	return it.Pending == PendingUpload || it.Pending == PendingFailed
}

// Hidden reports whether the item was deleted for the given user.
func (it Item) Hidden(me string) bool {
	return me != "" && it.Deletion.DeletedFor.Has(me)
}

// Clone returns a deep copy so views never share sets with fetch results.
func (it Item) Clone() Item {
	out := it
	out.Receipts.DeliveredTo = it.Receipts.DeliveredTo.Clone()
	out.Receipts.ReadBy = it.Receipts.ReadBy.Clone()
	out.Deletion.DeletedFor = it.Deletion.DeletedFor.Clone()
	if it.Media != nil {
		m := *it.Media
		m.PreviewInline = slices.Clone(it.Media.PreviewInline)
		out.Media = &m
	}
	return out
}

// RenderEqual reports whether a and b would render identically.
func RenderEqual(a, b Item) bool {
	if a.ID != b.ID || a.SenderID != b.SenderID || a.Kind != b.Kind || a.Text != b.Text {
		return false
	}
	if a.Pending != b.Pending || a.Counters != b.Counters {
		return false
	}
	if !a.Receipts.DeliveredTo.Equal(b.Receipts.DeliveredTo) || !a.Receipts.ReadBy.Equal(b.Receipts.ReadBy) {
		return false
	}
	if a.Deletion.DeletedForAll != b.Deletion.DeletedForAll || !a.Deletion.DeletedFor.Equal(b.Deletion.DeletedFor) {
		return false
	}
	return mediaEqual(a.Media, b.Media)
}

func mediaEqual(a, b *MediaRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.RemoteKey == b.RemoteKey &&
		a.ThumbRemoteKey == b.ThumbRemoteKey &&
		a.Width == b.Width &&
		a.Height == b.Height &&
		len(a.PreviewInline) == len(b.PreviewInline)
}

// Less orders items oldest first, ties broken by id.
func Less(a, b Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortOldestFirst sorts items in place by (CreatedAt, ID).
func SortOldestFirst(items []Item) {
	slices.SortStableFunc(items, func(a, b Item) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})
}
