package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wppsync/internal/tui/model"
	"github.com/matheus3301/wppsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays persistent session and sync status.
type StatusBar struct {
	*tview.TextView
	theme      *ui.Theme
	session    string
	status     string
	collection string
	loading    bool
	scrolling  bool
	sends      map[string]int
	flash      string
	flashLevel model.FlashLevel
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetSession updates the session name display.
func (sb *StatusBar) SetSession(name string) {
	sb.session = name
	sb.render()
}

// SetStatus updates the connection status display.
func (sb *StatusBar) SetStatus(status string) {
	sb.status = status
	sb.render()
}

// SetCollection shows the open collection and whether it is loading.
func (sb *StatusBar) SetCollection(name string, loading bool) {
	sb.collection, sb.loading = name, loading
	sb.render()
}

// SetScrolling shows that rendering is deferred.
func (sb *StatusBar) SetScrolling(scrolling bool) {
	sb.scrolling = scrolling
	sb.render()
}

// SetSends shows the count of in-flight and failed sends.
func (sb *StatusBar) SetSends(counts map[string]int) {
	sb.sends = counts
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, level model.FlashLevel) {
	sb.flash, sb.flashLevel = msg, level
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	parts := []string{fmt.Sprintf(" [::b]%s[-:-:-]", tview.Escape(sb.session))}
	if sb.status != "" {
		parts = append(parts, sb.status)
	}
	if sb.collection != "" {
		c := tview.Escape(sb.collection)
		if sb.loading {
			c += " [green]~[-]"
		}
		parts = append(parts, c)
	}
	if sb.scrolling {
		parts = append(parts, "[::d]scrolling[-:-:-]")
	}
	if n := sb.sends["pending_upload"]; n > 0 {
		parts = append(parts, fmt.Sprintf("[%s]%d sending[-]", ui.Tag(sb.theme.PendingColor), n))
	}
	if n := sb.sends["failed"]; n > 0 {
		parts = append(parts, fmt.Sprintf("[%s]%d failed[-]", ui.Tag(sb.theme.FailedColor), n))
	}
	parts = append(parts, time.Now().Format("15:04"))
	if sb.flash != "" {
		color := sb.theme.FlashInfoColor
		switch sb.flashLevel {
		case model.FlashWarn:
			color = sb.theme.FlashWarnColor
		case model.FlashErr:
			color = sb.theme.FlashErrColor
		}
		parts = append(parts, fmt.Sprintf("[%s]%s[-]", ui.Tag(color), tview.Escape(sb.flash)))
	}

	_, _ = fmt.Fprint(sb, strings.Join(parts, " | "))
}
