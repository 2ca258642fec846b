package view

import (
	"errors"

	"github.com/matheus3301/wppsync/internal/item"
)

// ErrStalePlan is returned when a plan is applied to a collection that
// changed after the plan was computed.
var ErrStalePlan = errors.New("plan computed against an older collection state")

// Replacement confirms an optimistic slot with its server item.
type Replacement struct {
	OldID string
	Item  item.Item
}

// Plan is the set of edits that brings a collection in line with a fetch.
type Plan struct {
	gen          uint64
	Replacements []Replacement
	Updates      []item.Item
	Newer        []item.Item // tail block, oldest first
	Older        []item.Item // head block, oldest first
	Merge        []item.Item // out-of-order inserts, oldest first
	Removals     []string    // ids now deleted for the current user
	Hidden       int
	trim         int
}

// Empty reports whether applying the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.Replacements) == 0 && len(p.Updates) == 0 &&
		len(p.Newer) == 0 && len(p.Older) == 0 && len(p.Merge) == 0 && len(p.Removals) == 0
}

// Structural reports whether the plan inserts or removes rows.
func (p Plan) Structural() bool {
	return len(p.Newer) > 0 || len(p.Older) > 0 || len(p.Merge) > 0 || len(p.Removals) > 0 || p.trim > 0
}

// NeedsAnchor reports whether the edit may shift rows above the viewport,
// i.e. it is anything other than in-place updates plus a pure tail append.
func (p Plan) NeedsAnchor(order Order) bool {
	if len(p.Merge) > 0 || len(p.Removals) > 0 || p.trim > 0 {
		return true
	}
	for _, r := range p.Replacements {
		if r.OldID != r.Item.ID {
			// The local slot may collapse into an existing server slot.
			return true
		}
	}
	if order == NewestFirst {
		return len(p.Newer) > 0
	}
	return len(p.Older) > 0
}

// Result counts what Apply did.
type Result struct {
	Updated  int
	Replaced int
	Newer    int
	Older    int
	Merged   int
	Removed  int
	Trimmed  int
	Hidden   int
}

// Changed reports whether any row changed.
func (r Result) Changed() bool {
	return r.Updated+r.Replaced+r.Newer+r.Older+r.Merged+r.Removed+r.Trimmed > 0
}

// Plan classifies incoming items against the current contents. Incoming
// order does not matter; duplicates by id keep the last occurrence.
func (c *Collection) Plan(incoming []item.Item) Plan {
	p := Plan{gen: c.gen}
	batch := dedupe(incoming)
	item.SortOldestFirst(batch)

	pendingNonces := make(map[string]bool)
	var fresh []item.Item
	for _, in := range batch {
		if in.ID == "" {
			continue
		}
		if in.Hidden(c.opts.Me) {
			p.Hidden++
			if findID(c.items, in.ID) >= 0 {
				p.Removals = append(p.Removals, in.ID)
			} else if i := findNonce(c.items, in.ClientNonce); i >= 0 {
				p.Removals = append(p.Removals, c.items[i].ID)
			}
			continue
		}
		if i := findID(c.items, in.ID); i >= 0 {
			if !item.RenderEqual(c.items[i], in) {
				p.Updates = append(p.Updates, in)
			}
			// A stray optimistic slot for the same nonce must not survive.
			if j := findNonce(c.items, in.ClientNonce); j >= 0 && j != i && item.IsLocalID(c.items[j].ID) {
				p.Removals = append(p.Removals, c.items[j].ID)
			}
			continue
		}
		if i := findNonce(c.items, in.ClientNonce); i >= 0 && !pendingNonces[in.ClientNonce] {
			pendingNonces[in.ClientNonce] = true
			p.Replacements = append(p.Replacements, Replacement{OldID: c.items[i].ID, Item: in})
			continue
		}
		fresh = append(fresh, in)
	}

	oldest, hasOldest := c.Oldest()
	newest, _ := c.Newest()
	for _, in := range fresh {
		switch {
		case !hasOldest:
			p.Newer = append(p.Newer, in)
		case item.Less(newest, in):
			// Ties on CreatedAt order by id, as a reload would.
			p.Newer = append(p.Newer, in)
		case item.Less(in, oldest):
			p.Older = append(p.Older, in)
		default:
			p.Merge = append(p.Merge, in)
		}
	}

	if max := c.opts.WindowMax; max > 0 && len(p.Newer) > 0 {
		after := len(c.items) + len(p.Newer) + len(p.Older) + len(p.Merge) - len(p.Removals) - collapsing(c.items, p.Replacements)
		if after > max {
			p.trim = after - max
		}
	}
	return p
}

// Apply executes a plan. It is all-or-nothing: the edit is built on a copy
// and swapped in only when complete.
func (c *Collection) Apply(p Plan) (Result, error) {
	if p.gen != c.gen {
		return Result{}, ErrStalePlan
	}
	res := Result{Hidden: p.Hidden}
	if p.Empty() {
		return res, nil
	}

	next := make([]item.Item, len(c.items))
	copy(next, c.items)

	for _, r := range p.Replacements {
		i := findID(next, r.OldID)
		if i < 0 {
			continue
		}
		next = replaceSlot(next, i, r.Item)
		res.Replaced++
	}
	for _, u := range p.Updates {
		if i := findID(next, u.ID); i >= 0 {
			next[i] = u.Clone()
			res.Updated++
		}
	}
	for _, id := range p.Removals {
		if i := findID(next, id); i >= 0 {
			next = removeAt(next, i)
			res.Removed++
		}
	}
	if len(p.Older) > 0 {
		head := cloneAll(p.Older)
		next = append(head, next...)
		res.Older = len(p.Older)
	}
	if len(p.Newer) > 0 {
		next = append(next, cloneAll(p.Newer)...)
		res.Newer = len(p.Newer)
	}
	if len(p.Merge) > 0 {
		next = mergeRun(next, cloneAll(p.Merge))
		res.Merged = len(p.Merge)
	}
	if max := c.opts.WindowMax; max > 0 && res.Newer > 0 && len(next) > max {
		res.Trimmed = len(next) - max
		next = next[res.Trimmed:]
	}

	c.items = next
	c.commit()
	return res, nil
}

// mergeRun inserts out-of-order items by re-sorting only the contiguous run
// of existing items their timestamps span; rows outside it keep their order.
func mergeRun(items, merge []item.Item) []item.Item {
	first, last := merge[0], merge[len(merge)-1]
	lo := len(items)
	for i := range items {
		if item.Less(first, items[i]) {
			lo = i
			break
		}
	}
	hi := lo
	for j := len(items) - 1; j >= lo; j-- {
		if item.Less(items[j], last) {
			hi = j + 1
			break
		}
	}
	run := make([]item.Item, 0, hi-lo+len(merge))
	run = append(run, items[lo:hi]...)
	run = append(run, merge...)
	item.SortOldestFirst(run)

	out := make([]item.Item, 0, len(items)+len(merge))
	out = append(out, items[:lo]...)
	out = append(out, run...)
	return append(out, items[hi:]...)
}

// collapsing counts replacements whose server id already has its own slot.
func collapsing(items []item.Item, reps []Replacement) int {
	n := 0
	for _, r := range reps {
		if r.OldID != r.Item.ID && findID(items, r.Item.ID) >= 0 {
			n++
		}
	}
	return n
}

func dedupe(items []item.Item) []item.Item {
	pos := make(map[string]int, len(items))
	out := make([]item.Item, 0, len(items))
	for _, it := range items {
		if i, ok := pos[it.ID]; ok {
			out[i] = it
			continue
		}
		pos[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}

func cloneAll(items []item.Item) []item.Item {
	out := make([]item.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
