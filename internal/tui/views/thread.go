package views

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/wppsync/internal/item"
	"github.com/matheus3301/wppsync/internal/scroll"
	"github.com/matheus3301/wppsync/internal/tui/ui"
	"github.com/matheus3301/wppsync/internal/view"
	"github.com/rivo/tview"
	"github.com/rivo/uniseg"
)

// Rows is the displayed list; *view.Collection satisfies it.
type Rows interface {
	Len() int
	RowAt(i int) view.Row
}

type line struct {
	text  string
	align int
}

// ThreadView draws a collection row by row and implements scroll.Viewport
// with offsets in terminal lines. It reads the engine's view directly, so
// every method must run on the UI thread.
type ThreadView struct {
	*tview.Box
	theme *ui.Theme
	rows  Rows
	me    string
	order view.Order

	top    int // first visible row
	shift  int // lines of the top row above the viewport
	follow bool
	width  int
	height int

	requested map[string]bool
	cached    map[string]bool

	onScroll func()
	onEdge   func()
	onMedia  func([]item.MediaRef)
}

var _ scroll.Viewport = (*ThreadView)(nil)

// NewThreadView creates an empty thread view.
func NewThreadView(theme *ui.Theme) *ThreadView {
	box := tview.NewBox()
	box.SetBorder(true)
	box.SetBorderColor(theme.BorderColor)
	box.SetBackgroundColor(theme.BgColor)
	box.SetTitleColor(theme.TitleColor)
	return &ThreadView{
		Box:       box,
		theme:     theme,
		follow:    true,
		requested: map[string]bool{},
		cached:    map[string]bool{},
	}
}

// SetSource points the view at rows. order decides which end is the old
// end; me marks the user's own items.
func (t *ThreadView) SetSource(title string, rows Rows, order view.Order, me string) {
	t.SetTitle(" " + title + " ")
	t.rows, t.order, t.me = rows, order, me
	t.top, t.shift = 0, 0
	t.follow = order == view.OldestFirst
	clear(t.requested)
}

// OnScroll is called after every user scroll.
func (t *ThreadView) OnScroll(fn func()) { t.onScroll = fn }

// OnEdge is called when the user scrolls onto the oldest loaded row.
func (t *ThreadView) OnEdge(fn func()) { t.onEdge = fn }

// OnMedia receives media refs the first time their rows become visible.
func (t *ThreadView) OnMedia(fn func([]item.MediaRef)) { t.onMedia = fn }

// MarkCached flags a remote key as available locally.
func (t *ThreadView) MarkCached(remoteKey string) { t.cached[remoteKey] = true }

func (t *ThreadView) count() int {
	if t.rows == nil {
		return 0
	}
	return t.rows.Len()
}

// FirstVisible implements scroll.Viewport.
func (t *ThreadView) FirstVisible() int {
	if t.count() == 0 {
		return -1
	}
	t.clamp()
	return t.top
}

// OffsetOf implements scroll.Viewport.
func (t *ThreadView) OffsetOf(i int) (int, bool) {
	n := t.count()
	if i < 0 || i >= n || t.height <= 0 {
		return 0, false
	}
	t.clamp()
	off := -t.shift
	if i >= t.top {
		for j := t.top; j < i; j++ {
			off += t.rowHeight(j)
			if off >= t.height {
				return off, false
			}
		}
	} else {
		for j := i; j < t.top; j++ {
			off -= t.rowHeight(j)
		}
	}
	return off, off < t.height && off+t.rowHeight(i) > 0
}

// ScrollTo implements scroll.Viewport.
func (t *ThreadView) ScrollTo(i, offset int) {
	n := t.count()
	if n == 0 {
		t.top, t.shift = 0, 0
		return
	}
	t.top = min(max(i, 0), n-1)
	t.shift = -offset
	for t.shift < 0 && t.top > 0 {
		t.top--
		t.shift += t.rowHeight(t.top)
	}
	t.shift = max(t.shift, 0)
}

// ScrollLines moves by n lines, negative towards the top.
func (t *ThreadView) ScrollLines(n int) {
	t.scrollBy(n)
	t.userScrolled(n)
}

// PageUp scrolls one viewport up.
func (t *ThreadView) PageUp() { t.ScrollLines(-max(t.height-1, 1)) }

// PageDown scrolls one viewport down.
func (t *ThreadView) PageDown() { t.ScrollLines(max(t.height-1, 1)) }

// Home jumps to the first row.
func (t *ThreadView) Home() {
	t.top, t.shift = 0, 0
	t.userScrolled(-1)
}

// End jumps to the last row.
func (t *ThreadView) End() {
	t.scrollToEnd()
	t.userScrolled(1)
}

func (t *ThreadView) userScrolled(dir int) {
	if t.order == view.OldestFirst {
		t.follow = t.atEnd()
	}
	if t.onScroll != nil {
		t.onScroll()
	}
	if t.onEdge == nil {
		return
	}
	if (t.order == view.OldestFirst && dir < 0 && t.atStart()) ||
		(t.order == view.NewestFirst && dir > 0 && t.atEnd()) {
		t.onEdge()
	}
}

func (t *ThreadView) scrollBy(n int) {
	for n < 0 {
		if t.shift > 0 {
			step := min(t.shift, -n)
			t.shift -= step
			n += step
			continue
		}
		if t.top == 0 {
			return
		}
		t.top--
		t.shift = t.rowHeight(t.top)
	}
	for n > 0 && !t.atEnd() {
		h := t.rowHeight(t.top)
		if t.shift+n < h {
			t.shift += n
			return
		}
		n -= h - t.shift
		t.top++
		t.shift = 0
	}
}

func (t *ThreadView) atStart() bool { return t.top == 0 && t.shift == 0 }

// atEnd reports whether the bottom of the last row is on screen.
func (t *ThreadView) atEnd() bool {
	n := t.count()
	if n == 0 {
		return true
	}
	bottom := -t.shift
	for j := t.top; j < n; j++ {
		bottom += t.rowHeight(j)
		if bottom > t.height {
			return false
		}
	}
	return true
}

func (t *ThreadView) scrollToEnd() {
	n := t.count()
	t.top, t.shift = 0, 0
	acc := 0
	for j := n - 1; j >= 0; j-- {
		acc += t.rowHeight(j)
		if acc >= t.height {
			t.top, t.shift = j, acc-t.height
			return
		}
	}
}

func (t *ThreadView) clamp() {
	n := t.count()
	if t.top >= n {
		t.top, t.shift = max(n-1, 0), 0
	}
	if n > 0 {
		t.shift = min(t.shift, t.rowHeight(t.top)-1)
	}
	t.shift = max(t.shift, 0)
}

// Draw implements tview.Primitive.
func (t *ThreadView) Draw(screen tcell.Screen) {
	t.DrawForSubclass(screen, t)
	x, y, w, h := t.GetInnerRect()
	t.width, t.height = w, h
	if t.follow {
		t.scrollToEnd()
	}
	t.clamp()

	var fresh []item.MediaRef
	row := -t.shift
	for i := t.top; i < t.count() && row < h; i++ {
		r := t.rows.RowAt(i)
		for _, l := range t.render(r) {
			if row >= 0 {
				tview.Print(screen, l.text, x, y+row, w, l.align, t.theme.FgColor)
			}
			row++
			if row >= h {
				break
			}
		}
		if m := r.Item.Media; !r.Separator && m != nil {
			key := mediaKey(m)
			if key != "" && !t.requested[key] && !t.cached[key] {
				t.requested[key] = true
				fresh = append(fresh, *m)
			}
		}
	}
	if len(fresh) > 0 && t.onMedia != nil {
		t.onMedia(fresh)
	}
}

// mediaKey is the blob worth prefetching: the thumbnail when there is one.
func mediaKey(m *item.MediaRef) string {
	if m.ThumbRemoteKey != "" {
		return m.ThumbRemoteKey
	}
	return m.RemoteKey
}

func (t *ThreadView) rowHeight(i int) int {
	return len(t.render(t.rows.RowAt(i)))
}

func (t *ThreadView) wrapWidth() int {
	if t.width <= 2 {
		return 78
	}
	return t.width - 2
}

func (t *ThreadView) render(r view.Row) []line {
	if r.Separator {
		label := fmt.Sprintf("[%s]── %s ──[-]", ui.Tag(t.theme.SeparatorColor), r.Day.Format("Mon, 02 Jan 2006"))
		return []line{{text: label, align: tview.AlignCenter}}
	}
	it := r.Item
	out := []line{{text: t.header(it), align: tview.AlignLeft}}
	for _, l := range wrap(t.body(it), t.wrapWidth()) {
		out = append(out, line{text: "  " + tview.Escape(l), align: tview.AlignLeft})
	}
	if c := it.Counters; c != (item.Counters{}) {
		out = append(out, line{
			text:  fmt.Sprintf("  [%s]likes %d · comments %d · shares %d[-]", ui.Tag(t.theme.DimColor), c.Likes, c.Comments, c.Shares),
			align: tview.AlignLeft,
		})
	}
	return append(out, line{})
}

func (t *ThreadView) header(it item.Item) string {
	mine := t.me != "" && it.SenderID == t.me
	name, color := sanitizeForTerminal(it.SenderID), t.theme.SenderColor
	if mine {
		name, color = "You", t.theme.MeColor
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s::b]%s[-:-:-] [%s]%s[-]", ui.Tag(color), tview.Escape(name), ui.Tag(t.theme.DimColor), it.CreatedAt.Local().Format("15:04"))
	switch {
	case it.Pending == item.PendingUpload:
		fmt.Fprintf(&sb, " [%s]sending…[-]", ui.Tag(t.theme.PendingColor))
	case it.Pending == item.PendingFailed:
		fmt.Fprintf(&sb, " [%s]failed, r to retry[-]", ui.Tag(t.theme.FailedColor))
	case !mine:
	case it.Receipts.ReadBy.Len() > 0:
		fmt.Fprintf(&sb, " [%s]✓✓[-]", ui.Tag(t.theme.SenderColor))
	case it.Receipts.DeliveredTo.Len() > 0:
		fmt.Fprintf(&sb, " [%s]✓✓[-]", ui.Tag(t.theme.DimColor))
	default:
		fmt.Fprintf(&sb, " [%s]✓[-]", ui.Tag(t.theme.DimColor))
	}
	return sb.String()
}

func (t *ThreadView) body(it item.Item) string {
	if it.Deletion.DeletedForAll {
		return "(message deleted)"
	}
	text := sanitizeForTerminal(it.Text)
	if !it.Kind.HasMedia() && it.Kind != item.KindText {
		text = "[" + string(it.Kind) + "] " + text
	}
	if !it.Kind.HasMedia() {
		return text
	}
	label := string(it.Kind)
	if m := it.Media; m != nil {
		if m.Width > 0 && m.Height > 0 {
			label += fmt.Sprintf(" %dx%d", m.Width, m.Height)
		}
		if t.cached[mediaKey(m)] {
			label += " ✓"
		}
	}
	if text == "" {
		return "[" + label + "]"
	}
	return "[" + label + "] " + text
}

// wrap breaks s into lines at most width cells wide, on spaces where it
// can and inside words where it must.
func wrap(s string, width int) []string {
	var out []string
	for _, para := range strings.Split(s, "\n") {
		var cur strings.Builder
		curW := 0
		flush := func() {
			out = append(out, cur.String())
			cur.Reset()
			curW = 0
		}
		for _, word := range strings.Fields(para) {
			ww := uniseg.StringWidth(word)
			if curW > 0 && curW+1+ww > width {
				flush()
			}
			if ww > width {
				for _, r := range word {
					rw := uniseg.StringWidth(string(r))
					if curW+rw > width {
						flush()
					}
					cur.WriteRune(r)
					curW += rw
				}
				continue
			}
			if curW > 0 {
				cur.WriteByte(' ')
				curW++
			}
			cur.WriteString(word)
			curW += ww
		}
		flush()
	}
	return out
}
