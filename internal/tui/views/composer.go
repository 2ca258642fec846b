package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/wppsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// Composer is the input line. Text starting with ':' is a command.
type Composer struct {
	*tview.InputField
	onSend    func(text string)
	onCommand func(cmd string)
	onLeave   func()
}

// NewComposer creates a new message composer.
func NewComposer(theme *ui.Theme) *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0).
		SetPlaceholder("message, or :help")
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetLabelColor(theme.MenuKeyColor)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			c.submit(c.GetText())
		case tcell.KeyEscape:
			if c.onLeave != nil {
				c.onLeave()
			}
		}
	})

	return c
}

func (c *Composer) submit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.SetText("")
	if cmd, ok := strings.CutPrefix(text, ":"); ok {
		if c.onCommand != nil {
			c.onCommand(cmd)
		}
		return
	}
	if c.onSend != nil {
		c.onSend(text)
	}
}

// SetOnSend sets the callback for a message.
func (c *Composer) SetOnSend(fn func(text string)) { c.onSend = fn }

// SetOnCommand sets the callback for a ':' command, without the colon.
func (c *Composer) SetOnCommand(fn func(cmd string)) { c.onCommand = fn }

// SetOnLeave sets the callback for Esc.
func (c *Composer) SetOnLeave(fn func()) { c.onLeave = fn }
