package broadcast

import (
	"html"
	"path"
	"strconv"
	"strings"

	"mediacast/internal/storage"
	"mediacast/internal/transport"
)

// Personalize fills the recipient tokens in an operator-authored HTML
// template. Substituted values are HTML-escaped; the template is not.
func Personalize(tpl string, u storage.User) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	username := u.Username
	if username != "" {
		username = "@" + username
	}
	return strings.NewReplacer(
		"{first_name}", html.EscapeString(u.FirstName),
		"{last_name}", html.EscapeString(u.LastName),
		"{full_name}", html.EscapeString(full),
		"{username}", html.EscapeString(username),
		"{id}", strconv.FormatInt(u.ID, 10),
	).Replace(tpl)
}

// MediaKindFor picks the delivery method for a job's attachment.
// An explicit kind wins; otherwise the file extension decides.
func MediaKindFor(kind, ref string) transport.MediaKind {
	switch transport.MediaKind(strings.ToLower(kind)) {
	case transport.MediaPhoto, transport.MediaVideo, transport.MediaAudio, transport.MediaDocument:
		return transport.MediaKind(strings.ToLower(kind))
	}
	ext := strings.ToLower(path.Ext(strings.SplitN(ref, "?", 2)[0]))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return transport.MediaPhoto
	case ".mp4", ".mov", ".mkv", ".webm":
		return transport.MediaVideo
	case ".mp3", ".m4a", ".ogg", ".flac", ".wav", ".opus":
		return transport.MediaAudio
	}
	return transport.MediaDocument
}
