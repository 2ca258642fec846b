package tui

import (
	"testing"

	"github.com/matheus3301/wppsync/internal/item"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"quit", Command{Name: "quit"}},
		{"  Open chat:123@s.whatsapp.net ", Command{Name: "open", Args: "chat:123@s.whatsapp.net"}},
		{"attach /tmp/a.png  look at this", Command{Name: "attach", Args: "/tmp/a.png  look at this"}},
		{"", Command{}},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.in); got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestAttachment(t *testing.T) {
	path, caption := ParseCommand("attach /tmp/a.png look at this").Attachment()
	if path != "/tmp/a.png" || caption != "look at this" {
		t.Errorf("Attachment() = %q, %q", path, caption)
	}
	path, caption = ParseCommand("attach /tmp/notes.txt").Attachment()
	if path != "/tmp/notes.txt" || caption != "" {
		t.Errorf("Attachment() = %q, %q", path, caption)
	}
}

func TestKindForPath(t *testing.T) {
	tests := map[string]item.Kind{
		"a.PNG": item.KindPhoto,
		"b.jpg": item.KindPhoto,
		"c.mp4": item.KindVideo,
		"d.mp3": item.KindAudio,
		"e.pdf": item.KindFile,
		"noext": item.KindFile,
	}
	for path, want := range tests {
		if got := KindForPath(path); got != want {
			t.Errorf("KindForPath(%q) = %s, want %s", path, got, want)
		}
	}
}
