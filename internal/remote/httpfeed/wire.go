package httpfeed

import (
	"time"

	"github.com/matheus3301/wppsync/internal/item"
)

// Item is the JSON shape exchanged with the backend.
type Item struct {
	ID          string         `json:"id"`
	SenderID    string         `json:"sender_id"`
	Kind        string         `json:"kind"`
	Text        string         `json:"text,omitempty"`
	CreatedAt   int64          `json:"created_at"` // unix ms
	Media       *item.MediaRef `json:"media,omitempty"`
	Receipts    item.Receipts  `json:"receipts"`
	Deletion    item.Deletion  `json:"deletion"`
	Counters    item.Counters  `json:"counters"`
	ClientNonce string         `json:"client_nonce,omitempty"`
}

type listResponse struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type sendRequest struct {
	ClientNonce string         `json:"client_nonce"`
	Kind        string         `json:"kind"`
	Text        string         `json:"text,omitempty"`
	Media       *item.MediaRef `json:"media,omitempty"`
	Thumbnail   []byte         `json:"thumbnail,omitempty"`
}

type receiptsRequest struct {
	IDs []string `json:"ids"`
}

// FromItem converts a domain item to its wire form.
func FromItem(it item.Item) Item {
	return Item{
		ID:          it.ID,
		SenderID:    it.SenderID,
		Kind:        string(it.Kind),
		Text:        it.Text,
		CreatedAt:   it.CreatedAt.UnixMilli(),
		Media:       it.Media,
		Receipts:    it.Receipts,
		Deletion:    it.Deletion,
		Counters:    it.Counters,
		ClientNonce: it.ClientNonce,
	}
}

// ToItem converts a wire item. Unknown kinds degrade to text.
func (w Item) ToItem() item.Item {
	kind := item.Kind(w.Kind)
	if !kind.Valid() {
		kind = item.KindText
	}
	return item.Item{
		ID:          w.ID,
		SenderID:    w.SenderID,
		Kind:        kind,
		Text:        w.Text,
		CreatedAt:   time.UnixMilli(w.CreatedAt),
		Media:       w.Media,
		Receipts:    w.Receipts,
		Deletion:    w.Deletion,
		Counters:    w.Counters,
		Pending:     item.PendingNone,
		ClientNonce: w.ClientNonce,
	}
}

func toItems(in []Item) []item.Item {
	out := make([]item.Item, 0, len(in))
	for _, w := range in {
		if w.ID == "" {
			continue
		}
		out = append(out, w.ToItem())
	}
	item.SortOldestFirst(out)
	return out
}
