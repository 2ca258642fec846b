package wa

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wppsync/internal/item"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// CollectionPrefix marks collections backed by a WhatsApp chat.
const CollectionPrefix = "chat:"

// Collection returns the collection name of a chat.
func Collection(chat types.JID) string {
	return CollectionPrefix + chat.ToNonAD().String()
}

// ParseCollection extracts the chat JID from a collection name.
func ParseCollection(collection string) (types.JID, error) {
	raw, ok := strings.CutPrefix(collection, CollectionPrefix)
	if !ok || raw == "" {
		return types.JID{}, fmt.Errorf("collection %q is not a chat", collection)
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.JID{}, fmt.Errorf("parse JID: %w", err)
	}
	return jid.ToNonAD(), nil
}

// Parsed is a normalized message ready for the buffer.
type Parsed struct {
	Chat  string // non-AD chat JID
	Item  item.Item
	Media whatsmeow.DownloadableMessage // nil for non-media kinds
	// Revokes names the message a REVOKE protocol message deletes.
	Revokes string
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message, me string) Parsed {
	sender := evt.Info.Sender.ToNonAD().String()
	if evt.Info.IsFromMe && me != "" {
		sender = me
	}
	return parse(evt.Info.Chat.ToNonAD().String(), evt.Info.ID, sender, evt.Info.Timestamp, evt.Message)
}

// ParseHistoryMessage normalizes a history sync message. ok is false for
// entries without content.
func ParseHistoryMessage(chat string, wmi *waWeb.WebMessageInfo, me string) (Parsed, bool) {
	if wmi == nil || wmi.GetMessage() == nil {
		return Parsed{}, false
	}
	key := wmi.GetKey()
	sender := normalizeJID(key.GetParticipant())
	switch {
	case key.GetFromMe() && me != "":
		sender = me
	case sender == "":
		// 1:1 chats carry no participant.
		sender = chat
	}
	ts := time.Unix(int64(wmi.GetMessageTimestamp()), 0)
	return parse(chat, key.GetID(), sender, ts, wmi.GetMessage()), true
}

func parse(chat, id, sender string, ts time.Time, msg *waE2E.Message) Parsed {
	p := Parsed{
		Chat: chat,
		Item: item.Item{
			ID:        id,
			SenderID:  sender,
			Kind:      detectKind(msg),
			Text:      extractText(msg),
			CreatedAt: ts,
			Pending:   item.PendingNone,
		},
	}
	if pm := msg.GetProtocolMessage(); pm != nil && pm.GetType() == waE2E.ProtocolMessage_REVOKE {
		p.Revokes = pm.GetKey().GetID()
	}
	p.Item.Media, p.Media = extractMedia(msg)
	return p
}

func normalizeJID(raw string) string {
	if raw == "" {
		return ""
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	return jid.ToNonAD().String()
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		if c := msg.GetDocumentMessage().GetCaption(); c != "" {
			return c
		}
		return msg.GetDocumentMessage().GetFileName()
	case msg.GetContactMessage() != nil:
		return msg.GetContactMessage().GetDisplayName()
	case msg.GetLocationMessage() != nil:
		return msg.GetLocationMessage().GetName()
	case msg.GetPollCreationMessage() != nil:
		return msg.GetPollCreationMessage().GetName()
	}
	return ""
}

func detectKind(msg *waE2E.Message) item.Kind {
	if msg == nil {
		return item.KindText
	}
	switch {
	case msg.GetImageMessage() != nil, msg.GetStickerMessage() != nil:
		return item.KindPhoto
	case msg.GetVideoMessage() != nil:
		return item.KindVideo
	case msg.GetAudioMessage() != nil:
		return item.KindAudio
	case msg.GetDocumentMessage() != nil:
		return item.KindFile
	case msg.GetContactMessage() != nil:
		return item.KindContact
	case msg.GetLocationMessage() != nil:
		return item.KindLocation
	case msg.GetPollCreationMessage() != nil:
		return item.KindPoll
	default:
		return item.KindText
	}
}

// extractMedia returns the media ref keyed by direct path together with the
// message whatsmeow needs to download it.
func extractMedia(msg *waE2E.Message) (*item.MediaRef, whatsmeow.DownloadableMessage) {
	if msg == nil {
		return nil, nil
	}
	var (
		dl    whatsmeow.DownloadableMessage
		thumb []byte
		w, h  uint32
	)
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		dl, thumb, w, h = m, m.GetJPEGThumbnail(), m.GetWidth(), m.GetHeight()
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		dl, thumb, w, h = m, m.GetJPEGThumbnail(), m.GetWidth(), m.GetHeight()
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		dl, w, h = m, m.GetWidth(), m.GetHeight()
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		dl, thumb = m, m.GetJPEGThumbnail()
	case msg.GetAudioMessage() != nil:
		dl = msg.GetAudioMessage()
	default:
		return nil, nil
	}
	if dl.GetDirectPath() == "" {
		return nil, nil
	}
	return &item.MediaRef{
		RemoteKey:     dl.GetDirectPath(),
		PreviewInline: thumb,
		Width:         int(w),
		Height:        int(h),
	}, dl
}
