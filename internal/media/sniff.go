package media

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/example/wa-gateway/internal/models"
)

// SniffLimit is the number of leading bytes needed to classify content.
const SniffLimit = 3072

// Info is the sniffed identity of a media payload.
type Info struct {
	MimeType  string
	Extension string
	// Opus is set for Ogg containers carrying an Opus stream, the only
	// format the network renders as a voice note.
	Opus bool
}

// Kind maps the sniffed content type onto a payload kind. Anything that is
// not an image, video or audio payload reports ok=false.
func (i Info) Kind() (models.PayloadKind, bool) {
	switch {
	case strings.HasPrefix(i.MimeType, "image/"):
		return models.KindImage, true
	case strings.HasPrefix(i.MimeType, "video/"):
		return models.KindVideo, true
	case strings.HasPrefix(i.MimeType, "audio/"):
		return models.KindAudio, true
	default:
		return "", false
	}
}

// VoiceNote reports whether the payload can be delivered as a voice note
// without transcoding.
func (i Info) VoiceNote() bool {
	return i.MimeType == "audio/ogg" && i.Opus
}

// Sniff detects the content type of data from its leading bytes.
func Sniff(data []byte) Info {
	mtype := mimetype.Detect(data)
	mime := mtype.String()
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = mime[:idx]
	}
	info := Info{
		MimeType:  mime,
		Extension: mtype.Extension(),
	}
	if mtype.Is("audio/ogg") || mtype.Is("application/ogg") {
		head := data
		if len(head) > SniffLimit {
			head = head[:SniffLimit]
		}
		info.Opus = bytes.Contains(head, []byte("OpusHead"))
		if info.Opus {
			info.MimeType = "audio/ogg"
		}
	}
	return info
}
