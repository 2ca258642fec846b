package views

import (
	"fmt"

	"github.com/matheus3301/wppsync/internal/tui/ui"
	"github.com/matheus3301/wppsync/internal/wa"
	"github.com/rivo/tview"
)

// AuthView shows the pairing QR code while the device is not linked.
type AuthView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewAuthView creates a new auth view.
func NewAuthView(theme *ui.Theme) *AuthView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Link device ")
	tv.SetTitleColor(theme.TitleColor)

	return &AuthView{TextView: tv, theme: theme}
}

// ShowQR renders a pairing code as a scannable block.
func (av *AuthView) ShowQR(code string) {
	av.Clear()
	_, _ = fmt.Fprintf(av, "\n  Scan this QR code with WhatsApp:\n\n%s\n  [::d]Waiting for the phone...[-:-:-]", tview.Escape(wa.RenderQR(code)))
}

// ShowMessage displays a status message.
func (av *AuthView) ShowMessage(msg string) {
	av.Clear()
	_, _ = fmt.Fprintf(av, "\n\n%s", tview.Escape(msg))
}
