package views

import (
	"strings"

	"github.com/matheus3301/wppsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// CollectionList is the table of known chats and feeds.
type CollectionList struct {
	*tview.Table
	theme *ui.Theme
	names []string
	open  map[string]bool
}

// NewCollectionList creates an empty list.
func NewCollectionList(theme *ui.Theme) *CollectionList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" Collections ")
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetTitleColor(theme.TitleColor)
	table.SetSelectedStyle(tview.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	return &CollectionList{Table: table, theme: theme, open: map[string]bool{}}
}

// Update replaces the rows, keeping the selection on the same name.
func (cl *CollectionList) Update(names []string, open []string) {
	selected := cl.Selected()
	cl.names = names
	clear(cl.open)
	for _, c := range open {
		cl.open[c] = true
	}
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(cl.theme.TableHeaderFg))
	cl.SetCell(0, 1, tview.NewTableCell(" Kind").SetSelectable(false).SetTextColor(cl.theme.TableHeaderFg))
	cl.SetCell(0, 2, tview.NewTableCell(" ").SetSelectable(false))

	row := 1
	for i, name := range names {
		kind, label := "chat", name
		if k, rest, ok := strings.Cut(name, ":"); ok {
			kind, label = k, rest
		}
		mark := ""
		if cl.open[name] {
			mark = "●"
		}
		cl.SetCell(i+1, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(label))).SetExpansion(3).SetMaxWidth(48))
		cl.SetCell(i+1, 1, tview.NewTableCell(" "+kind).SetExpansion(1))
		cl.SetCell(i+1, 2, tview.NewTableCell(mark).SetTextColor(cl.theme.SenderColor))
		if name == selected {
			row = i + 1
		}
	}
	if len(names) > 0 {
		cl.Select(row, 0)
	}
}

// Selected returns the collection under the cursor, or "".
func (cl *CollectionList) Selected() string {
	row, _ := cl.GetSelection()
	if idx := row - 1; idx >= 0 && idx < len(cl.names) {
		return cl.names[idx]
	}
	return ""
}
