package wa

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/item"
	"go.mau.fi/whatsmeow"
)

// DefaultBufferSize is how many messages each chat keeps in memory.
const DefaultBufferSize = 500

// Buffer holds the most recent messages of every chat seen on the
// connection. whatsmeow has no "list messages" call, so ListRecent and
// ListBefore are served from here.
type Buffer struct {
	mu    sync.Mutex
	max   int
	chats map[string][]item.Item // oldest first
	media map[string]whatsmeow.DownloadableMessage
}

// NewBuffer creates a buffer keeping up to max messages per chat.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &Buffer{
		max:   max,
		chats: make(map[string][]item.Item),
		media: make(map[string]whatsmeow.DownloadableMessage),
	}
}

// Add inserts or replaces messages of chat and returns the ids it touched.
func (b *Buffer) Add(chat string, items ...item.Item) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.chats[chat]
	var touched []string
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		touched = append(touched, it.ID)
		if i := indexOf(list, it.ID); i >= 0 {
			// Keep receipts already patched onto the buffered copy.
			it.Receipts.DeliveredTo = union(list[i].Receipts.DeliveredTo, it.Receipts.DeliveredTo)
			it.Receipts.ReadBy = union(list[i].Receipts.ReadBy, it.Receipts.ReadBy)
			list[i] = it
			continue
		}
		list = append(list, it)
	}
	item.SortOldestFirst(list)
	if len(list) > b.max {
		for _, dropped := range list[:len(list)-b.max] {
			if dropped.Media != nil {
				delete(b.media, dropped.Media.RemoteKey)
			}
		}
		list = append([]item.Item(nil), list[len(list)-b.max:]...)
	}
	b.chats[chat] = list
	return touched
}

// Recent returns up to limit newest messages, oldest first.
func (b *Buffer) Recent(chat string, limit int) []item.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.chats[chat]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return cloneAll(list)
}

// Before returns up to limit messages strictly older than t, oldest first.
func (b *Buffer) Before(chat string, t time.Time, limit int) []item.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.chats[chat]
	n := sort.Search(len(list), func(i int) bool { return !list[i].CreatedAt.Before(t) })
	list = list[:n]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return cloneAll(list)
}

// Lookup returns the buffered copies of ids, in buffer order.
func (b *Buffer) Lookup(chat string, ids []string) []item.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := item.NewSet(ids...)
	var out []item.Item
	for _, it := range b.chats[chat] {
		if want.Has(it.ID) {
			out = append(out, it.Clone())
		}
	}
	return out
}

// PatchReceipts records that user received (or read) ids and returns the
// ids that changed.
func (b *Buffer) PatchReceipts(chat string, ids []string, user string, read bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.chats[chat]
	var changed []string
	for _, id := range ids {
		i := indexOf(list, id)
		if i < 0 {
			continue
		}
		r := &list[i].Receipts
		before := r.DeliveredTo.Len() + r.ReadBy.Len()
		r.DeliveredTo = r.DeliveredTo.Add(user)
		if read {
			r.ReadBy = r.ReadBy.Add(user)
		}
		if r.DeliveredTo.Len()+r.ReadBy.Len() != before {
			changed = append(changed, id)
		}
	}
	return changed
}

// Revoke marks id deleted for everyone. Reports whether it was buffered.
func (b *Buffer) Revoke(chat, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.chats[chat]
	i := indexOf(list, id)
	if i < 0 {
		return false
	}
	list[i].Deletion.DeletedForAll = true
	list[i].Text = ""
	list[i].Media = nil
	return true
}

// RememberMedia keeps what Download needs for a direct path.
func (b *Buffer) RememberMedia(key string, msg whatsmeow.DownloadableMessage) {
	if key == "" || msg == nil {
		return
	}
	b.mu.Lock()
	b.media[key] = msg
	b.mu.Unlock()
}

// Media returns the downloadable message behind a direct path.
func (b *Buffer) Media(key string) (whatsmeow.DownloadableMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.media[key]
	return msg, ok
}

// Chats lists the collections the buffer knows about.
func (b *Buffer) Chats() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.chats))
	for chat := range b.chats {
		out = append(out, chat)
	}
	sort.Strings(out)
	return out
}

func indexOf(list []item.Item, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func union(a, b item.Set) item.Set {
	out := a.Clone()
	for id := range b {
		out = out.Add(id)
	}
	return out
}

func cloneAll(list []item.Item) []item.Item {
	out := make([]item.Item, len(list))
	for i, it := range list {
		out[i] = it.Clone()
	}
	return out
}
