package wa

import (
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/item"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const (
	me    = "me@s.whatsapp.net"
	alice = "alice@s.whatsapp.net"
)

func newHandler(t *testing.T) (*EventHandler, *Buffer, *bus.Bus) {
	t.Helper()
	buf := NewBuffer(10)
	b := bus.New()
	h := NewEventHandler(buf, b, func() string { return me }, nil, zap.NewNop())
	return h, buf, b
}

func liveText(id, chat, sender, text string, ts time.Time) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			ID:        id,
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:   types.NewJID(chat, types.DefaultUserServer),
				Sender: types.NewJID(sender, types.DefaultUserServer),
			},
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func expectEvent(t *testing.T, sub *bus.Subscription, kind string) bus.Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		if evt.Kind != kind {
			t.Fatalf("event kind = %q, want %s", evt.Kind, kind)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s event", kind)
	}
	return bus.Event{}
}

func TestHandleConnectionEvents(t *testing.T) {
	h, _, b := newHandler(t)
	sub := b.Subscribe("session.", 10)
	defer sub.Close()

	h.Handle(&events.Connected{})
	expectEvent(t, sub, bus.SessionConnected)
	if !h.Connected() {
		t.Error("Connected() = false after connect")
	}

	h.Handle(&events.Disconnected{})
	expectEvent(t, sub, bus.SessionDisconnected)
	if h.Connected() {
		t.Error("Connected() = true after disconnect")
	}

	h.Handle(&events.Connected{})
	expectEvent(t, sub, bus.SessionConnected)
	h.Handle(&events.LoggedOut{})
	expectEvent(t, sub, bus.SessionLoggedOut)
	if h.Connected() {
		t.Error("Connected() = true after logout")
	}
}

func TestHandleMessageBuffers(t *testing.T) {
	h, buf, _ := newHandler(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	h.Handle(liveText("m2", "alice", "alice", "second", base.Add(time.Minute)))
	h.Handle(liveText("m1", "alice", "alice", "first", base))

	got := buf.Recent(alice, 10)
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("Recent() = %+v, want m1, m2 oldest first", got)
	}
	if got[0].SenderID != alice {
		t.Errorf("SenderID = %q", got[0].SenderID)
	}
}

func TestHandleMessageSkipsEmptyProtocolTraffic(t *testing.T) {
	h, buf, _ := newHandler(t)
	evt := liveText("r1", "alice", "alice", "", time.Now())
	evt.Message = &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("+1")}}
	h.Handle(evt)
	if got := buf.Recent(alice, 10); len(got) != 0 {
		t.Errorf("reaction was buffered: %+v", got)
	}
}

func TestHandleRevoke(t *testing.T) {
	h, buf, _ := newHandler(t)
	h.Handle(liveText("m1", "alice", "alice", "oops", time.Now()))

	rev := liveText("rev", "alice", "alice", "", time.Now())
	rev.Message = &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{
		Type: waE2E.ProtocolMessage_REVOKE.Enum(),
		Key:  &waCommon.MessageKey{ID: proto.String("m1")},
	}}
	h.Handle(rev)

	got := buf.Recent(alice, 10)
	if len(got) != 1 || !got[0].Deletion.DeletedForAll || got[0].Text != "" {
		t.Fatalf("after revoke = %+v", got)
	}
	if ids := h.Touched(rev)[alice]; len(ids) != 1 || ids[0] != "m1" {
		t.Errorf("Touched(revoke) = %v, want [m1]", ids)
	}
}

func TestHandleHistorySync(t *testing.T) {
	h, buf, _ := newHandler(t)
	ts := uint64(time.Now().Unix())
	evt := &events.HistorySync{
		Data: &waHistorySync.HistorySync{
			Conversations: []*waHistorySync.Conversation{{
				ID: proto.String("alice:2@s.whatsapp.net"),
				Messages: []*waHistorySync.HistorySyncMsg{
					{Message: &waWeb.WebMessageInfo{
						Key:              &waCommon.MessageKey{ID: proto.String("h1"), FromMe: proto.Bool(true)},
						MessageTimestamp: &ts,
						Message:          &waE2E.Message{Conversation: proto.String("mine")},
					}},
					{Message: &waWeb.WebMessageInfo{
						Key:              &waCommon.MessageKey{ID: proto.String("h2")},
						MessageTimestamp: &ts,
						Message:          &waE2E.Message{Conversation: proto.String("theirs")},
					}},
					{Message: &waWeb.WebMessageInfo{Key: &waCommon.MessageKey{ID: proto.String("h3")}}},
				},
			}},
		},
	}
	h.Handle(evt)

	got := buf.Recent(alice, 10)
	if len(got) != 2 {
		t.Fatalf("Recent() = %d items, want 2", len(got))
	}
	senders := map[string]string{got[0].ID: got[0].SenderID, got[1].ID: got[1].SenderID}
	if senders["h1"] != me || senders["h2"] != alice {
		t.Errorf("senders = %v", senders)
	}
	if ids := h.Touched(evt)[alice]; len(ids) != 3 {
		t.Errorf("Touched(history) = %v", ids)
	}
}

func TestHandleReceipts(t *testing.T) {
	h, buf, _ := newHandler(t)
	h.Handle(liveText("m1", "alice", "me", "hi", time.Now()))

	receipt := func(typ types.ReceiptType) *events.Receipt {
		return &events.Receipt{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("alice", types.DefaultUserServer),
				Sender: types.NewJID("alice", types.DefaultUserServer),
			},
			MessageIDs: []types.MessageID{"m1"},
			Type:       typ,
		}
	}

	h.Handle(receipt(types.ReceiptTypeDelivered))
	got := buf.Recent(alice, 1)[0]
	if !got.Receipts.DeliveredTo.Has(alice) || got.Receipts.ReadBy.Has(alice) {
		t.Errorf("after delivered = %+v", got.Receipts)
	}

	h.Handle(receipt(types.ReceiptTypeRead))
	got = buf.Recent(alice, 1)[0]
	if !got.Receipts.ReadBy.Has(alice) {
		t.Errorf("after read = %+v", got.Receipts)
	}

	h.Handle(receipt(types.ReceiptTypePlayed))
	if ids := h.Touched(receipt(types.ReceiptTypeRead))[alice]; len(ids) != 1 {
		t.Errorf("Touched(receipt) = %v", ids)
	}
}

func TestForwarderFiltersByChat(t *testing.T) {
	h, buf, _ := newHandler(t)
	var batches [][]item.Item
	fwd := forwarder(h, buf, alice, func(batch []item.Item) { batches = append(batches, batch) })

	for _, evt := range []*events.Message{
		liveText("m1", "alice", "alice", "for alice", time.Now()),
		liveText("b1", "bob", "bob", "for bob", time.Now()),
	} {
		h.Handle(evt)
		fwd(evt)
	}
	fwd(&events.Connected{})

	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].ID != "m1" {
		t.Fatalf("batches = %+v, want one batch with m1", batches)
	}
}

func TestResolveJIDNormalizes(t *testing.T) {
	h, _, _ := newHandler(t)
	tests := []struct {
		input string
		want  string
	}{
		{"558592403672@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"558592403672:5@s.whatsapp.net", "558592403672@s.whatsapp.net"},
		{"120363123456@g.us", "120363123456@g.us"},
		{"3917077286968@lid", "3917077286968@lid"},
	}
	for _, tt := range tests {
		if got := h.resolveJID(tt.input); got != tt.want {
			t.Errorf("resolveJID(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	lid := NewEventHandler(NewBuffer(1), nil, nil, func(j types.JID) types.JID {
		if j.Server == types.HiddenUserServer {
			return types.NewJID("558592403672", types.DefaultUserServer)
		}
		return j
	}, zap.NewNop())
	if got := lid.resolveJID("3917077286968@lid"); got != "558592403672@s.whatsapp.net" {
		t.Errorf("resolveJID(lid) = %q", got)
	}
}

func TestResolveLIDNonLIDPassthrough(t *testing.T) {
	a := &Adapter{}
	regular := types.JID{User: "558592403672", Server: "s.whatsapp.net"}
	if got := a.ResolveLID(t.Context(), regular); got != regular {
		t.Errorf("ResolveLID(regular) = %v, want %v (should pass through)", got, regular)
	}
	lid := types.JID{User: "3917077286968", Server: types.HiddenUserServer}
	if got := a.ResolveLID(t.Context(), lid); got != lid {
		t.Errorf("ResolveLID(lid, nil store) = %v, want %v", got, lid)
	}
}
