package wa

import (
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/item"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func bufItem(id string, minute int) item.Item {
	return item.Item{
		ID:        id,
		SenderID:  alice,
		Kind:      item.KindText,
		Text:      id,
		CreatedAt: time.Date(2026, 3, 2, 10, minute, 0, 0, time.UTC),
	}
}

func ids(items []item.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestBufferBounded(t *testing.T) {
	buf := NewBuffer(3)
	buf.Add(alice, bufItem("a", 1), bufItem("b", 2), bufItem("c", 3))
	buf.Add(alice, bufItem("d", 4))

	if got := ids(buf.Recent(alice, 0)); len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Errorf("Recent() = %v, want [b c d]", got)
	}
	if got := ids(buf.Recent(alice, 2)); len(got) != 2 || got[0] != "c" {
		t.Errorf("Recent(2) = %v, want [c d]", got)
	}
}

func TestBufferDropsMediaOfEvicted(t *testing.T) {
	buf := NewBuffer(1)
	a := bufItem("a", 1)
	a.Kind = item.KindPhoto
	a.Media = &item.MediaRef{RemoteKey: "/a"}
	buf.Add(alice, a)
	buf.RememberMedia("/a", &waE2E.ImageMessage{DirectPath: proto.String("/a")})

	buf.Add(alice, bufItem("b", 2))
	if _, ok := buf.Media("/a"); ok {
		t.Error("media of an evicted message is still resolvable")
	}
}

func TestBufferReplaceKeepsReceipts(t *testing.T) {
	buf := NewBuffer(10)
	buf.Add(alice, bufItem("a", 1))
	buf.PatchReceipts(alice, []string{"a"}, "bob", true)

	edited := bufItem("a", 1)
	edited.Text = "edited"
	buf.Add(alice, edited)

	got := buf.Lookup(alice, []string{"a"})
	if len(got) != 1 || got[0].Text != "edited" || !got[0].Receipts.ReadBy.Has("bob") {
		t.Errorf("Lookup() = %+v", got)
	}
}

func TestBufferBefore(t *testing.T) {
	buf := NewBuffer(10)
	buf.Add(alice, bufItem("a", 1), bufItem("b", 2), bufItem("c", 3), bufItem("d", 4))

	cut := time.Date(2026, 3, 2, 10, 3, 0, 0, time.UTC)
	if got := ids(buf.Before(alice, cut, 0)); len(got) != 2 || got[1] != "b" {
		t.Errorf("Before() = %v, want [a b]", got)
	}
	if got := ids(buf.Before(alice, cut, 1)); len(got) != 1 || got[0] != "b" {
		t.Errorf("Before(limit 1) = %v, want [b]", got)
	}
	if got := buf.Before("nobody", cut, 5); len(got) != 0 {
		t.Errorf("Before(unknown chat) = %v", got)
	}
}

func TestBufferPatchReceiptsReportsChanges(t *testing.T) {
	buf := NewBuffer(10)
	buf.Add(alice, bufItem("a", 1))

	if got := buf.PatchReceipts(alice, []string{"a", "missing"}, "bob", false); len(got) != 1 {
		t.Errorf("first patch changed %v", got)
	}
	if got := buf.PatchReceipts(alice, []string{"a"}, "bob", false); len(got) != 0 {
		t.Errorf("repeated patch changed %v", got)
	}
	if got := buf.PatchReceipts(alice, []string{"a"}, "bob", true); len(got) != 1 {
		t.Errorf("read patch changed %v", got)
	}
}

func TestBufferReturnsCopies(t *testing.T) {
	buf := NewBuffer(10)
	buf.Add(alice, bufItem("a", 1))
	got := buf.Recent(alice, 1)
	got[0].Receipts.ReadBy = got[0].Receipts.ReadBy.Add("eve")

	if buf.Recent(alice, 1)[0].Receipts.ReadBy.Has("eve") {
		t.Error("caller mutation leaked into the buffer")
	}
}

func TestBufferChats(t *testing.T) {
	buf := NewBuffer(10)
	buf.Add("b@s.whatsapp.net", bufItem("x", 1))
	buf.Add(alice, bufItem("y", 1))
	if got := buf.Chats(); len(got) != 2 || got[0] != alice {
		t.Errorf("Chats() = %v", got)
	}
}
