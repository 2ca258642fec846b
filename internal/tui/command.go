package tui

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/matheus3301/wppsync/internal/item"
)

// Command is a parsed ":" command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// Attachment splits ":attach <path> [caption]" arguments.
func (c Command) Attachment() (path, caption string) {
	parts := strings.SplitN(c.Args, " ", 2)
	path = parts[0]
	if len(parts) > 1 {
		caption = strings.TrimSpace(parts[1])
	}
	return path, caption
}

// mediaExt covers types the platform mime table may lack.
var mediaExt = map[string]item.Kind{
	".mp4":  item.KindVideo,
	".mov":  item.KindVideo,
	".webm": item.KindVideo,
	".mp3":  item.KindAudio,
	".ogg":  item.KindAudio,
	".opus": item.KindAudio,
	".m4a":  item.KindAudio,
}

// KindForPath guesses the item kind of an attachment from its extension.
func KindForPath(path string) item.Kind {
	ext := strings.ToLower(filepath.Ext(path))
	if k, ok := mediaExt[ext]; ok {
		return k
	}
	typ := mime.TypeByExtension(ext)
	switch {
	case strings.HasPrefix(typ, "image/"):
		return item.KindPhoto
	case strings.HasPrefix(typ, "video/"):
		return item.KindVideo
	case strings.HasPrefix(typ, "audio/"):
		return item.KindAudio
	default:
		return item.KindFile
	}
}
