package scroll

// Anchor pins a row across a structural edit: the row's key, its index as a
// fallback if the key disappears, and its offset from the viewport top.
type Anchor struct {
	ItemKey       string
	FallbackIndex int
	PixelOffset   int
}

// Viewport is the host's scrollable view, addressed by row index.
type Viewport interface {
	// FirstVisible returns the index of the topmost visible row, or -1.
	FirstVisible() int
	// OffsetOf returns the row's top relative to the viewport top; negative
	// when partially scrolled off. ok is false when the row is not laid out.
	OffsetOf(i int) (offset int, ok bool)
	// ScrollTo positions row i so its top sits offset pixels below the viewport top.
	ScrollTo(i, offset int)
}

// Keyed is a list addressable by index and stable key.
type Keyed interface {
	Len() int
	KeyAt(i int) string
	IndexOfKey(k string) int
}

// separated is implemented by lists that mix synthetic separator rows in.
type separated interface {
	IsSeparator(i int) bool
}

// Capture records the topmost visible real row. It reports false when
// nothing is visible.
func Capture(vp Viewport, list Keyed) (Anchor, bool) {
	n := list.Len()
	first := vp.FirstVisible()
	if n == 0 || first < 0 || first >= n {
		return Anchor{}, false
	}
	sep, _ := list.(separated)
	for i := first; i < n; i++ {
		if sep != nil && sep.IsSeparator(i) {
			continue
		}
		off, ok := vp.OffsetOf(i)
		if !ok {
			break
		}
		return Anchor{ItemKey: list.KeyAt(i), FallbackIndex: i, PixelOffset: off}, true
	}
	off, _ := vp.OffsetOf(first)
	return Anchor{ItemKey: list.KeyAt(first), FallbackIndex: first, PixelOffset: off}, true
}

// Restore scrolls so the anchored row sits at its captured offset. When the
// row is gone it falls back to the captured index, clamped to the list. It
// returns the index scrolled to, or -1 for an empty list.
func Restore(vp Viewport, list Keyed, a Anchor) int {
	n := list.Len()
	if n == 0 {
		return -1
	}
	idx := -1
	if a.ItemKey != "" {
		idx = list.IndexOfKey(a.ItemKey)
	}
	if idx < 0 {
		idx = min(max(a.FallbackIndex, 0), n-1)
	}
	vp.ScrollTo(idx, a.PixelOffset)
	return idx
}
