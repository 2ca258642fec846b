// Package view holds the in-memory ordered collection a screen renders.
// A Collection is not safe for concurrent use; it is owned by the UI thread.
package view

import (
	"time"

	"github.com/matheus3301/wppsync/internal/item"
)

// Order is the display direction of a collection.
type Order int

const (
	// OldestFirst is used by chat threads: newest item at the bottom.
	OldestFirst Order = iota
	// NewestFirst is used by feeds: newest item at the top.
	NewestFirst
)

func (o Order) String() string {
	if o == NewestFirst {
		return "newest_first"
	}
	return "oldest_first"
}

const separatorPrefix = "sep:"

// Options configures a Collection.
type Options struct {
	Order      Order
	WindowMax  int // real items kept after an append; 0 disables the bound
	GroupByDay bool
	Location   *time.Location
	Me         string // items deleted for this user are filtered out
}

// Row is one displayed line: an item or a day separator.
type Row struct {
	Item      item.Item
	Separator bool
	Day       time.Time
}

// Key identifies the row across edits.
func (r Row) Key() string {
	if r.Separator {
		return separatorPrefix + r.Day.Format(time.DateOnly)
	}
	return r.Item.ID
}

// IsSeparatorKey reports whether k names a separator row.
func IsSeparatorKey(k string) bool {
	return len(k) > len(separatorPrefix) && k[:len(separatorPrefix)] == separatorPrefix
}

// Collection is the working-set window for one chat or feed.
type Collection struct {
	opts  Options
	items []item.Item // always oldest first; display order is derived
	rows  []Row
	index map[string]int
	gen   uint64
}

// New returns an empty collection.
func New(opts Options) *Collection {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	c := &Collection{opts: opts}
	c.rebuild()
	return c
}

// Options returns the collection configuration.
func (c *Collection) Options() Options { return c.opts }

// Reset replaces the contents, e.g. with a store or snapshot load.
func (c *Collection) Reset(items []item.Item) {
	next := make([]item.Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.ID == "" || seen[it.ID] || it.Hidden(c.opts.Me) {
			continue
		}
		seen[it.ID] = true
		next = append(next, it.Clone())
	}
	item.SortOldestFirst(next)
	if max := c.opts.WindowMax; max > 0 && len(next) > max {
		next = next[len(next)-max:]
	}
	c.items = next
	c.commit()
}

// Len returns the number of rows, separators included.
func (c *Collection) Len() int { return len(c.rows) }

// RealCount returns the number of items, separators excluded.
func (c *Collection) RealCount() int { return len(c.items) }

// Rows returns the display rows. The slice must not be modified.
func (c *Collection) Rows() []Row { return c.rows }

// RowAt returns the row at display index i.
func (c *Collection) RowAt(i int) Row { return c.rows[i] }

// KeyAt returns the key of the row at display index i.
func (c *Collection) KeyAt(i int) string { return c.rows[i].Key() }

// IsSeparator reports whether row i is a day separator.
func (c *Collection) IsSeparator(i int) bool { return c.rows[i].Separator }

// IndexOfKey returns the display index of a row key, or -1.
func (c *Collection) IndexOfKey(k string) int {
	if i, ok := c.index[k]; ok {
		return i
	}
	return -1
}

// Items returns a copy of the items in display order.
func (c *Collection) Items() []item.Item {
	out := make([]item.Item, len(c.items))
	if c.opts.Order == NewestFirst {
		for i, it := range c.items {
			out[len(c.items)-1-i] = it
		}
		return out
	}
	copy(out, c.items)
	return out
}

// Ascending returns a copy of the items oldest first, the persistence order.
func (c *Collection) Ascending() []item.Item {
	out := make([]item.Item, len(c.items))
	copy(out, c.items)
	return out
}

// Newest returns the most recent item.
func (c *Collection) Newest() (item.Item, bool) {
	if len(c.items) == 0 {
		return item.Item{}, false
	}
	return c.items[len(c.items)-1], true
}

// Oldest returns the least recent item.
func (c *Collection) Oldest() (item.Item, bool) {
	if len(c.items) == 0 {
		return item.Item{}, false
	}
	return c.items[0], true
}

// Find returns the item with the given id.
func (c *Collection) Find(id string) (item.Item, bool) {
	if i := findID(c.items, id); i >= 0 {
		return c.items[i], true
	}
	return item.Item{}, false
}

// FindByNonce returns the item carrying a client nonce.
func (c *Collection) FindByNonce(nonce string) (item.Item, bool) {
	if i := findNonce(c.items, nonce); i >= 0 {
		return c.items[i], true
	}
	return item.Item{}, false
}

// InsertLocal adds an optimistic item at the newest end: the tail of a
// chat, the head of a feed. An existing slot with the same nonce is reused.
func (c *Collection) InsertLocal(it item.Item) {
	if it.ClientNonce != "" {
		if i := findNonce(c.items, it.ClientNonce); i >= 0 {
			c.items[i] = it.Clone()
			c.commit()
			return
		}
	}
	if i := findID(c.items, it.ID); i >= 0 {
		c.items[i] = it.Clone()
		c.commit()
		return
	}
	c.items = append(c.items, it.Clone())
	c.commit()
}

// ReplaceByNonce swaps the slot matched by nonce, falling back to it.ID, for
// it. When the confirmed id already occupies another slot, the local slot is
// removed so only one item remains. Reports whether any slot matched.
func (c *Collection) ReplaceByNonce(nonce string, it item.Item) bool {
	i := -1
	if nonce != "" {
		i = findNonce(c.items, nonce)
	}
	if i < 0 {
		i = findID(c.items, it.ID)
	}
	if i < 0 {
		return false
	}
	next := replaceSlot(c.items, i, it)
	if it.Hidden(c.opts.Me) {
		next = removeAt(next, findID(next, it.ID))
	}
	c.items = next
	c.commit()
	return true
}

// SetPending updates the pending state of the slot carrying nonce.
func (c *Collection) SetPending(nonce string, state item.PendingState) bool {
	i := findNonce(c.items, nonce)
	if i < 0 {
		return false
	}
	if c.items[i].Pending == state {
		return true
	}
	c.items[i].Pending = state
	c.commit()
	return true
}

// Patch mutates an item in place. The id must not change.
func (c *Collection) Patch(id string, fn func(*item.Item)) bool {
	i := findID(c.items, id)
	if i < 0 {
		return false
	}
	it := c.items[i].Clone()
	fn(&it)
	it.ID = id
	if it.Hidden(c.opts.Me) {
		c.items = removeAt(c.items, i)
	} else {
		c.items[i] = it
	}
	c.commit()
	return true
}

// Generation changes on every mutation. Plans are bound to the generation
// they were computed against.
func (c *Collection) Generation() uint64 { return c.gen }

func (c *Collection) commit() {
	c.gen++
	c.rebuild()
}

// rebuild derives display rows from items and places separators only
// between two items of different days, never first, last or adjacent.
func (c *Collection) rebuild() {
	n := len(c.items)
	rows := make([]Row, 0, n+n/8)
	at := func(i int) item.Item {
		if c.opts.Order == NewestFirst {
			return c.items[n-1-i]
		}
		return c.items[i]
	}
	for i := 0; i < n; i++ {
		cur := at(i)
		if c.opts.GroupByDay && i > 0 {
			prev := at(i - 1)
			if day := c.day(cur.CreatedAt); !day.Equal(c.day(prev.CreatedAt)) {
				rows = append(rows, Row{Separator: true, Day: day})
			}
		}
		rows = append(rows, Row{Item: cur})
	}
	rows = cleanSeparators(rows)

	c.rows = rows
	c.index = make(map[string]int, len(rows))
	for i, r := range rows {
		c.index[r.Key()] = i
	}
}

func (c *Collection) day(t time.Time) time.Time {
	y, m, d := t.In(c.opts.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.opts.Location)
}

// cleanSeparators drops separators that are first, last, adjacent to
// another separator, or duplicate an earlier separator key.
func cleanSeparators(rows []Row) []Row {
	out := rows[:0]
	seen := make(map[string]bool)
	for _, r := range rows {
		if r.Separator {
			if len(out) == 0 || out[len(out)-1].Separator || seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
		}
		out = append(out, r)
	}
	for len(out) > 0 && out[len(out)-1].Separator {
		out = out[:len(out)-1]
	}
	return out
}

func findID(items []item.Item, id string) int {
	if id == "" {
		return -1
	}
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func findNonce(items []item.Item, nonce string) int {
	if nonce == "" {
		return -1
	}
	for i := range items {
		if items[i].ClientNonce == nonce {
			return i
		}
	}
	return -1
}

// replaceSlot puts it into slot i, or into the slot already holding it.ID
// (dropping slot i) when that slot is a different one.
func replaceSlot(items []item.Item, i int, it item.Item) []item.Item {
	next := make([]item.Item, len(items))
	copy(next, items)
	for j := range next {
		if j != i && next[j].ID == it.ID {
			next[j] = it.Clone()
			return removeAt(next, i)
		}
	}
	next[i] = it.Clone()
	return next
}

func removeAt(items []item.Item, i int) []item.Item {
	if i < 0 || i >= len(items) {
		return items
	}
	out := make([]item.Item, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}
