package wa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/fault"
	"github.com/matheus3301/wppsync/internal/item"
	"github.com/matheus3301/wppsync/internal/remote"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and serves it as a remote backend.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	buffer    *Buffer
	handler   *EventHandler
	bus       *bus.Bus
	logger    *zap.Logger
}

var _ remote.Backend = (*Adapter)(nil)

// NewAdapter opens the device store at dbPath and registers the buffer
// handler. It does not connect.
func NewAdapter(ctx context.Context, dbPath string, bufferSize int, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("wppsync", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		buffer:    NewBuffer(bufferSize),
		bus:       b,
		logger:    logger,
	}
	a.handler = NewEventHandler(a.buffer, b, a.Me, func(jid types.JID) types.JID {
		return a.ResolveLID(context.Background(), jid)
	}, logger)
	a.client.AddEventHandler(a.handler.Handle)
	return a, nil
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Close terminates the WhatsApp connection.
func (a *Adapter) Close() error {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
	return nil
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// Me returns the user's own non-AD JID, or empty before pairing.
func (a *Adapter) Me() string {
	if a.client == nil || a.client.Store == nil || a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// Chats lists the collections seen on this connection.
func (a *Adapter) Chats() []string {
	chats := a.buffer.Chats()
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = CollectionPrefix + c
	}
	return out
}

// ListRecent serves the newest buffered messages. There are no cursors:
// every page is the tail of the buffer.
func (a *Adapter) ListRecent(_ context.Context, collection string, limit int, _ string) (remote.Page, error) {
	jid, err := ParseCollection(collection)
	if err != nil {
		return remote.Page{}, fault.Missing("list recent", err)
	}
	if !a.handler.Connected() {
		return remote.Page{}, fault.Transient("list recent", errors.New("not connected"))
	}
	return remote.Page{Items: a.buffer.Recent(jid.String(), limit)}, nil
}

// ListBefore serves buffered messages older than before.
func (a *Adapter) ListBefore(_ context.Context, collection string, before time.Time, limit int) ([]item.Item, error) {
	jid, err := ParseCollection(collection)
	if err != nil {
		return nil, fault.Missing("list before", err)
	}
	if !a.handler.Connected() {
		return nil, fault.Transient("list before", errors.New("not connected"))
	}
	return a.buffer.Before(jid.String(), before, limit), nil
}

// Subscribe registers a whatsmeow handler that forwards every change to
// the chat. Closing the subscription removes the handler.
func (a *Adapter) Subscribe(_ context.Context, collection string, onBatch func([]item.Item)) (remote.Subscription, error) {
	jid, err := ParseCollection(collection)
	if err != nil {
		return nil, err
	}
	id := a.client.AddEventHandler(forwarder(a.handler, a.buffer, jid.String(), onBatch))
	return remote.SubscriptionFunc(func() error {
		a.client.RemoveEventHandler(id)
		return nil
	}), nil
}

// forwarder runs after the main handler, so the buffer already holds the
// changes the event made.
func forwarder(h *EventHandler, buf *Buffer, chat string, onBatch func([]item.Item)) whatsmeow.EventHandler {
	return func(evt any) {
		ids := h.Touched(evt)[chat]
		if len(ids) == 0 {
			return
		}
		if batch := buf.Lookup(chat, ids); len(batch) > 0 {
			onBatch(batch)
		}
	}
}

// Send delivers a text or attachment and returns the confirmed item.
func (a *Adapter) Send(ctx context.Context, collection string, out remote.Outgoing) (item.Item, error) {
	to, err := ParseCollection(collection)
	if err != nil {
		return item.Item{}, fault.New(fault.SendFailure, "send", err)
	}
	msg, dl, err := a.buildMessage(ctx, out)
	if err != nil {
		return item.Item{}, err
	}
	resp, err := a.client.SendMessage(ctx, to, msg)
	if err != nil {
		return item.Item{}, fault.Transient("send message", err)
	}

	sent := item.Item{
		ID:          resp.ID,
		SenderID:    a.Me(),
		Kind:        out.Kind,
		Text:        out.Text,
		CreatedAt:   resp.Timestamp,
		Pending:     item.PendingNone,
		ClientNonce: out.ClientNonce,
	}
	if dl != nil {
		sent.Media = &item.MediaRef{RemoteKey: dl.GetDirectPath()}
		if out.Media != nil {
			sent.Media.PreviewInline = out.Media.PreviewInline
			sent.Media.Width, sent.Media.Height = out.Media.Width, out.Media.Height
		}
		a.buffer.RememberMedia(sent.Media.RemoteKey, dl)
	}
	a.buffer.Add(to.String(), sent)
	return sent, nil
}

func (a *Adapter) buildMessage(ctx context.Context, out remote.Outgoing) (*waE2E.Message, whatsmeow.DownloadableMessage, error) {
	if !out.Kind.HasMedia() {
		return &waE2E.Message{Conversation: proto.String(out.Text)}, nil, nil
	}
	data, err := os.ReadFile(out.LocalPath)
	if err != nil {
		return nil, nil, fault.New(fault.SendFailure, "read attachment", err)
	}
	mediaType := map[item.Kind]whatsmeow.MediaType{
		item.KindPhoto: whatsmeow.MediaImage,
		item.KindVideo: whatsmeow.MediaVideo,
		item.KindAudio: whatsmeow.MediaAudio,
		item.KindFile:  whatsmeow.MediaDocument,
	}[out.Kind]
	up, err := a.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, nil, fault.Transient("upload attachment", err)
	}
	mime := http.DetectContentType(data)
	var thumb []byte
	var w, h *uint32
	if out.Media != nil {
		thumb = out.Media.PreviewInline
		if out.Media.Width > 0 {
			w, h = proto.Uint32(uint32(out.Media.Width)), proto.Uint32(uint32(out.Media.Height))
		}
	}
	if len(thumb) == 0 && out.ThumbPath != "" {
		if b, err := os.ReadFile(out.ThumbPath); err == nil {
			thumb = b
		}
	}

	switch out.Kind {
	case item.KindPhoto:
		m := &waE2E.ImageMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			Mimetype: proto.String(mime), FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength), Caption: proto.String(out.Text),
			JPEGThumbnail: thumb, Width: w, Height: h,
		}
		return &waE2E.Message{ImageMessage: m}, m, nil
	case item.KindVideo:
		m := &waE2E.VideoMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			Mimetype: proto.String(mime), FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength), Caption: proto.String(out.Text),
			JPEGThumbnail: thumb, Width: w, Height: h,
		}
		return &waE2E.Message{VideoMessage: m}, m, nil
	case item.KindAudio:
		m := &waE2E.AudioMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			Mimetype: proto.String(mime), FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}
		return &waE2E.Message{AudioMessage: m}, m, nil
	default:
		m := &waE2E.DocumentMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			Mimetype: proto.String(mime), FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength), Caption: proto.String(out.Text),
			JPEGThumbnail: thumb,
		}
		return &waE2E.Message{DocumentMessage: m}, m, nil
	}
}

// MarkRead sends read receipts for ids of a chat.
func (a *Adapter) MarkRead(ctx context.Context, collection string, ids []string) error {
	chat, err := ParseCollection(collection)
	if err != nil {
		return fault.Missing("mark read", err)
	}
	// Group receipts are addressed per sender.
	bySender := make(map[string][]types.MessageID)
	for _, it := range a.buffer.Lookup(chat.String(), ids) {
		bySender[it.SenderID] = append(bySender[it.SenderID], it.ID)
	}
	if len(bySender) == 0 {
		return fault.Missing("mark read", errors.New("no buffered messages"))
	}
	for senderRaw, msgIDs := range bySender {
		var sender types.JID
		if chat.Server == types.GroupServer {
			if sender, err = types.ParseJID(senderRaw); err != nil {
				continue
			}
		}
		if err := a.client.MarkRead(ctx, msgIDs, time.Now(), chat, sender); err != nil {
			return fault.Transient("mark read", err)
		}
	}
	return nil
}

// Fetch downloads the blob behind a buffered direct path.
func (a *Adapter) Fetch(ctx context.Context, remoteKey string, w io.Writer) error {
	msg, ok := a.buffer.Media(remoteKey)
	if !ok {
		return fault.Missing("fetch media", fmt.Errorf("unknown media %q", remoteKey))
	}
	data, err := a.client.Download(ctx, msg)
	switch {
	case errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith404), errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith410):
		return fault.Missing("fetch media", err)
	case err != nil:
		return fault.Transient("fetch media", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write media: %w", err)
	}
	return nil
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}
