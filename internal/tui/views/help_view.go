package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/wppsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpSection is one titled block of key hints.
type HelpSection struct {
	Title string
	Hints []string // "key:description"
}

// HelpView displays the key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	return &HelpView{TextView: tv, theme: theme}
}

// Commands lists the ':' commands understood by the composer.
var Commands = []string{
	"open <collection>:open or create a collection",
	"attach <path> [caption]:send a file",
	"retry:retry the newest failed send",
	"sync:refresh now",
	"evict:trim the media cache to budget",
	"logout:unlink and forget sync state",
	"quit:exit",
}

// Render replaces the contents with sections plus the command list.
func (hv *HelpView) Render(sections []HelpSection) {
	hv.Clear()
	kc := ui.Tag(hv.theme.MenuKeyColor)
	var sb strings.Builder
	write := func(title, prefix string, hints []string) {
		fmt.Fprintf(&sb, "\n  [::b]%s[-:-:-]\n\n", title)
		for _, h := range hints {
			key, desc, _ := strings.Cut(h, ":")
			fmt.Fprintf(&sb, "  [%s]%-28s[-] %s\n", kc, tview.Escape(prefix+key), tview.Escape(desc))
		}
	}
	for _, s := range sections {
		write(s.Title, "", s.Hints)
	}
	write("Commands", ":", Commands)
	_, _ = fmt.Fprint(hv, sb.String())
}
