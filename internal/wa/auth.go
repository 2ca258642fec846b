package wa

import (
	"context"
	"strings"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/skip2/go-qrcode"
)

// AuthEventType enumerates auth event types.
type AuthEventType string

const (
	AuthEventQRCode        AuthEventType = "qr_code"
	AuthEventAuthenticated AuthEventType = "authenticated"
	AuthEventAuthFailed    AuthEventType = "auth_failed"
	AuthEventTimeout       AuthEventType = "timeout"
)

// AuthEvent represents an auth lifecycle event.
type AuthEvent struct {
	Type    AuthEventType
	QRCode  string
	Message string
}

// StartQRAuth connects and streams pairing events until the phone scans a
// code, the codes run out, or pairing fails. The channel closes after the
// last event.
func (a *Adapter) StartQRAuth(ctx context.Context) (<-chan AuthEvent, error) {
	qrChan, err := a.GetQRChannel(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan AuthEvent, 10)

	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		if err := a.Connect(); err != nil {
			out <- AuthEvent{Type: AuthEventAuthFailed, Message: err.Error()}
			a.bus.Emit(bus.SessionAuthFailed, err.Error())
			return
		}

		for evt := range qrChan {
			switch evt.Event {
			case "code":
				out <- AuthEvent{Type: AuthEventQRCode, QRCode: evt.Code}
				a.bus.Emit(bus.SessionQRCode, evt.Code)
			case "success":
				out <- AuthEvent{Type: AuthEventAuthenticated, Message: "authenticated"}
				a.bus.Emit(bus.SessionAuthenticated, nil)
				return
			case "timeout":
				out <- AuthEvent{Type: AuthEventTimeout, Message: "QR code timeout"}
				a.bus.Emit(bus.SessionAuthFailed, "timeout")
				return
			default:
				if evt.Error != nil {
					out <- AuthEvent{Type: AuthEventAuthFailed, Message: evt.Error.Error()}
					a.bus.Emit(bus.SessionAuthFailed, evt.Error.Error())
					return
				}
			}
		}
	}()

	return out, nil
}

// RenderQR converts a pairing code to a compact terminal QR code using
// Unicode half-block characters. Two bitmap rows become one line.
func RenderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x] // true = black module
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
