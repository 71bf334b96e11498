package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PayloadKind classifies the content of an inbound or outbound message.
type PayloadKind string

const (
	KindText  PayloadKind = "text"
	KindImage PayloadKind = "image"
	KindVideo PayloadKind = "video"
	KindAudio PayloadKind = "audio"
)

// ParsePayloadKind maps a free-form kind name onto a PayloadKind.
func ParsePayloadKind(value string) (PayloadKind, error) {
	switch PayloadKind(strings.ToLower(strings.TrimSpace(value))) {
	case KindText, "":
		return KindText, nil
	case KindImage:
		return KindImage, nil
	case KindVideo:
		return KindVideo, nil
	case KindAudio:
		return KindAudio, nil
	default:
		return "", fmt.Errorf("unsupported payload kind %q", value)
	}
}

// CarriesMedia reports whether units of this kind own media bytes. Video is
// reference-only and never carries bytes.
func (k PayloadKind) CarriesMedia() bool {
	return k == KindImage || k == KindAudio
}

// rank orders kinds for batch resolution: video > audio > image > text.
func (k PayloadKind) rank() int {
	switch k {
	case KindVideo:
		return 3
	case KindAudio:
		return 2
	case KindImage:
		return 1
	default:
		return 0
	}
}

// InboundUnit is one normalized message observed on a session.
type InboundUnit struct {
	ConversationID    string      `json:"conversation_id"`
	SenderDisplayName string      `json:"sender_display_name,omitempty"`
	Kind              PayloadKind `json:"kind"`
	Text              string      `json:"text,omitempty"`
	Media             []byte      `json:"media,omitempty"`
	ReceivedAt        time.Time   `json:"received_at"`
	Session           string      `json:"session"`
}

// Validate enforces the media invariant: bytes are present iff the kind is
// image or audio.
func (u InboundUnit) Validate() error {
	if strings.TrimSpace(u.ConversationID) == "" {
		return errors.New("inbound unit: conversation id is required")
	}
	switch u.Kind {
	case KindText, KindImage, KindVideo, KindAudio:
	default:
		return fmt.Errorf("inbound unit: unsupported kind %q", u.Kind)
	}
	if u.Kind.CarriesMedia() && len(u.Media) == 0 {
		return fmt.Errorf("inbound unit: %s unit requires media bytes", u.Kind)
	}
	if !u.Kind.CarriesMedia() && len(u.Media) > 0 {
		return fmt.Errorf("inbound unit: %s unit must not carry media bytes", u.Kind)
	}
	return nil
}
