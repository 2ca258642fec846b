package wa

import (
	"sync/atomic"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/item"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// EventHandler feeds whatsmeow events into the buffer and publishes
// connection changes on the bus. Subscriptions are separate handlers that
// read the buffer after this one ran.
type EventHandler struct {
	buffer    *Buffer
	bus       *bus.Bus
	me        func() string
	resolve   func(types.JID) types.JID
	logger    *zap.Logger
	connected atomic.Bool
}

// NewEventHandler creates a new event handler. resolve maps LID JIDs to
// phone-number JIDs and may be nil.
func NewEventHandler(buf *Buffer, b *bus.Bus, me func() string, resolve func(types.JID) types.JID, logger *zap.Logger) *EventHandler {
	if me == nil {
		me = func() string { return "" }
	}
	return &EventHandler{
		buffer:  buf,
		bus:     b,
		me:      me,
		resolve: resolve,
		logger:  logger,
	}
}

// Connected reports whether the last connection event was a connect.
func (h *EventHandler) Connected() bool {
	return h.connected.Load()
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.ingest(h.parseLive(evt))
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.connected.Store(true)
		h.bus.Emit(bus.SessionConnected, nil)
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.connected.Store(false)
		h.bus.Emit(bus.SessionDisconnected, nil)
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.connected.Store(false)
		h.bus.Emit(bus.SessionLoggedOut, evt.Reason.String())
	}
}

// Touched returns, per chat, the message ids an event changed.
func (h *EventHandler) Touched(rawEvt any) map[string][]string {
	out := make(map[string][]string)
	switch evt := rawEvt.(type) {
	case *events.Message:
		p := h.parseLive(evt)
		id := p.Item.ID
		if p.Revokes != "" {
			id = p.Revokes
		}
		out[p.Chat] = []string{id}
	case *events.HistorySync:
		for _, conv := range evt.Data.GetConversations() {
			chat := h.resolveJID(conv.GetID())
			for _, hm := range conv.GetMessages() {
				if id := hm.GetMessage().GetKey().GetID(); id != "" {
					out[chat] = append(out[chat], id)
				}
			}
		}
	case *events.Receipt:
		chat := h.resolveJID(evt.Chat.String())
		out[chat] = append(out[chat], evt.MessageIDs...)
	}
	return out
}

func (h *EventHandler) parseLive(evt *events.Message) Parsed {
	p := ParseLiveMessage(evt, h.me())
	p.Chat = h.resolveJID(p.Chat)
	if !evt.Info.IsFromMe {
		p.Item.SenderID = h.resolveJID(p.Item.SenderID)
	}
	return p
}

func (h *EventHandler) ingest(p Parsed) {
	if p.Revokes != "" {
		h.buffer.Revoke(p.Chat, p.Revokes)
		return
	}
	if empty(p.Item) {
		return
	}
	if p.Media != nil {
		h.buffer.RememberMedia(p.Item.Media.RemoteKey, p.Media)
	}
	h.buffer.Add(p.Chat, p.Item)
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}
	me := h.me()
	for _, conv := range data.GetConversations() {
		chat := h.resolveJID(conv.GetID())
		var batch []item.Item
		for _, hm := range conv.GetMessages() {
			p, ok := ParseHistoryMessage(chat, hm.GetMessage(), me)
			if !ok {
				continue
			}
			if p.Revokes != "" {
				h.buffer.Revoke(chat, p.Revokes)
				continue
			}
			if empty(p.Item) {
				continue
			}
			p.Item.SenderID = h.resolveJID(p.Item.SenderID)
			if p.Media != nil {
				h.buffer.RememberMedia(p.Item.Media.RemoteKey, p.Media)
			}
			batch = append(batch, p.Item)
		}
		if len(batch) > 0 {
			h.buffer.Add(chat, batch...)
		}
	}
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	var read bool
	switch evt.Type {
	case types.ReceiptTypeDelivered:
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		read = true
	default:
		return
	}
	user := h.resolveJID(evt.Sender.String())
	if evt.IsFromMe {
		user = h.me()
	}
	h.buffer.PatchReceipts(h.resolveJID(evt.Chat.String()), evt.MessageIDs, user, read)
}

// resolveJID normalizes a JID string: device suffixes are stripped and LID
// JIDs map to phone numbers when the resolver knows them.
func (h *EventHandler) resolveJID(raw string) string {
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	jid = jid.ToNonAD()
	if h.resolve != nil {
		jid = h.resolve(jid).ToNonAD()
	}
	return jid.String()
}

// empty reports protocol traffic that carries nothing to render, such as
// reactions and key distribution messages.
func empty(it item.Item) bool {
	return it.Kind == item.KindText && it.Text == "" && it.Media == nil
}
