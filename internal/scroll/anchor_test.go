package scroll

import (
	"fmt"
	"slices"
	"strings"
	"testing"
)

const (
	itemHeight = 40
	sepHeight  = 16
)

type rowList struct {
	keys []string
}

func (l *rowList) Len() int           { return len(l.keys) }
func (l *rowList) KeyAt(i int) string { return l.keys[i] }

func (l *rowList) IsSeparator(i int) bool {
	return strings.HasPrefix(l.keys[i], "sep:")
}

func (l *rowList) IndexOfKey(k string) int {
	return slices.Index(l.keys, k)
}

// fakeViewport lays rows out top to bottom with fixed heights per row type.
type fakeViewport struct {
	list      *rowList
	height    int
	scrollTop int
}

func (v *fakeViewport) top(i int) int {
	y := 0
	for j := 0; j < i; j++ {
		y += v.rowHeight(j)
	}
	return y
}

func (v *fakeViewport) rowHeight(i int) int {
	if v.list.IsSeparator(i) {
		return sepHeight
	}
	return itemHeight
}

func (v *fakeViewport) FirstVisible() int {
	for i := 0; i < v.list.Len(); i++ {
		if v.top(i)+v.rowHeight(i) > v.scrollTop {
			return i
		}
	}
	return -1
}

func (v *fakeViewport) OffsetOf(i int) (int, bool) {
	if i < 0 || i >= v.list.Len() {
		return 0, false
	}
	off := v.top(i) - v.scrollTop
	return off, off < v.height
}

func (v *fakeViewport) ScrollTo(i, offset int) {
	v.scrollTop = max(v.top(i)-offset, 0)
}

// firstFullyVisible returns the first real row whose top is inside the viewport.
func (v *fakeViewport) firstFullyVisible() (string, int) {
	for i := 0; i < v.list.Len(); i++ {
		off := v.top(i) - v.scrollTop
		if off >= 0 && !v.list.IsSeparator(i) {
			return v.list.KeyAt(i), off
		}
	}
	return "", 0
}

func items(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

// TestAnchorStableAcrossPrepend anchors at an item with ten rows above it,
// prepends five older items and expects the same item at the same offset.
func TestAnchorStableAcrossPrepend(t *testing.T) {
	list := &rowList{keys: items("m", 30)}
	vp := &fakeViewport{list: list, height: 400}
	vp.ScrollTo(10, 0)
	wantKey, wantOff := vp.firstFullyVisible()
	if wantKey != "m10" {
		t.Fatalf("setup: first visible = %s", wantKey)
	}

	a, ok := Capture(vp, list)
	if !ok {
		t.Fatal("capture failed")
	}
	list.keys = append(items("old", 5), list.keys...)
	Restore(vp, list, a)

	gotKey, gotOff := vp.firstFullyVisible()
	if gotKey != wantKey {
		t.Fatalf("first visible = %s, want %s", gotKey, wantKey)
	}
	if d := gotOff - wantOff; d < -1 || d > 1 {
		t.Errorf("offset drift = %d", d)
	}
}

func TestAnchorPartialRowAndSeparators(t *testing.T) {
	list := &rowList{keys: []string{"a", "b", "sep:2026-03-02", "c", "d", "e", "f"}}
	vp := &fakeViewport{list: list, height: 100}
	vp.scrollTop = vp.top(3) - 10 // "c" top 10px below the viewport top

	a, ok := Capture(vp, list)
	if !ok {
		t.Fatal("capture failed")
	}
	if a.ItemKey != "c" || a.PixelOffset != 10 {
		t.Fatalf("anchor = %+v, want c@10 (separator skipped)", a)
	}

	list.keys = append([]string{"x", "sep:2026-03-01", "y"}, list.keys...)
	Restore(vp, list, a)
	if off, _ := vp.OffsetOf(list.IndexOfKey("c")); off != 10 {
		t.Errorf("restored offset = %d, want 10", off)
	}
}

func TestAnchorNegativeOffset(t *testing.T) {
	list := &rowList{keys: items("m", 20)}
	vp := &fakeViewport{list: list, height: 200}
	vp.scrollTop = vp.top(5) + 15

	a, _ := Capture(vp, list)
	if a.ItemKey != "m5" || a.PixelOffset != -15 {
		t.Fatalf("anchor = %+v", a)
	}
	list.keys = append(items("p", 3), list.keys...)
	Restore(vp, list, a)
	if vp.scrollTop != vp.top(8)+15 {
		t.Errorf("scrollTop = %d, want %d", vp.scrollTop, vp.top(8)+15)
	}
}

func TestRestoreFallsBackToIndex(t *testing.T) {
	list := &rowList{keys: items("m", 5)}
	vp := &fakeViewport{list: list, height: 100}

	idx := Restore(vp, list, Anchor{ItemKey: "gone", FallbackIndex: 9, PixelOffset: 0})
	if idx != 4 {
		t.Errorf("fallback index = %d, want clamped 4", idx)
	}
	if Restore(vp, &rowList{}, Anchor{}) != -1 {
		t.Error("empty list should return -1")
	}
}

func TestCaptureEmpty(t *testing.T) {
	list := &rowList{}
	vp := &fakeViewport{list: list, height: 100}
	if _, ok := Capture(vp, list); ok {
		t.Error("capture on empty list should fail")
	}
}
