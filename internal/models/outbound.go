package models

import "time"

// SendKind enumerates the outbound send operations.
type SendKind string

const (
	SendText     SendKind = "text"
	SendImage    SendKind = "image"
	SendVideo    SendKind = "video"
	SendAudio    SendKind = "audio"
	SendLocation SendKind = "location"
)

// SendRequest is the canonical outbound request shared by the HTTP surface and
// the Kafka command worker.
type SendRequest struct {
	MessageID  string            `json:"message_id,omitempty"`
	Kind       SendKind          `json:"kind"`
	Phone      string            `json:"phone"`
	Session    string            `json:"session,omitempty"`
	Text       string            `json:"text,omitempty"`
	Caption    string            `json:"caption,omitempty"`
	URL        string            `json:"url,omitempty"`
	Data       []byte            `json:"data,omitempty"`
	Latitude   *float64          `json:"latitude,omitempty"`
	Longitude  *float64          `json:"longitude,omitempty"`
	PlaceName  string            `json:"place_name,omitempty"`
	Address    string            `json:"address,omitempty"`
	ForceVoice bool              `json:"force_voice,omitempty"`
	TraceID    string            `json:"trace_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// OutboundMedia describes media handed to a session handle.
type OutboundMedia struct {
	Kind      PayloadKind
	URL       string
	Data      []byte
	MimeType  string
	Caption   string
	VoiceNote bool
}

// Location is a geographic pin sent to a conversation.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

// Presence is a chat-state signal shown to the remote party.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)
