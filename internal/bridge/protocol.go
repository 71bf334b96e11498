package bridge

import (
	"time"

	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
)

// Frame types exchanged with the protocol sidecar.
const (
	frameSendText     = "send_text"
	frameSendMedia    = "send_media"
	frameSendLocation = "send_location"
	framePresence     = "presence"

	frameOpened  = "opened"
	frameClosed  = "closed"
	frameQR      = "qr"
	frameMessage = "message"
	frameAck     = "ack"
)

type frame struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	To       string         `json:"to,omitempty"`
	Text     string         `json:"text,omitempty"`
	Media    *mediaFrame    `json:"media,omitempty"`
	Location *locationFrame `json:"location,omitempty"`
	Presence string         `json:"presence,omitempty"`
	Reason   *reasonFrame   `json:"reason,omitempty"`
	QR       string         `json:"qr,omitempty"`
	Message  *messageFrame  `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type mediaFrame struct {
	Kind      string `json:"kind"`
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MimeType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
	VoiceNote bool   `json:"ptt,omitempty"`
}

type locationFrame struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type reasonFrame struct {
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message"`
}

type messageFrame struct {
	From      string `json:"from"`
	PushName  string `json:"push_name,omitempty"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Media     []byte `json:"media,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func mediaToFrame(m models.OutboundMedia) *mediaFrame {
	return &mediaFrame{
		Kind:      string(m.Kind),
		URL:       m.URL,
		Data:      m.Data,
		MimeType:  m.MimeType,
		Caption:   m.Caption,
		VoiceNote: m.VoiceNote,
	}
}

func locationToFrame(loc models.Location) *locationFrame {
	return &locationFrame{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Name:      loc.Name,
		Address:   loc.Address,
	}
}

// toEvent converts an inbound frame into a session event. ok is false for
// frames that are not events (acks, unknown types).
func (f frame) toEvent(identity string) (session.Event, bool, error) {
	switch f.Type {
	case frameOpened:
		return session.Event{Kind: session.EventOpened}, true, nil
	case frameClosed:
		reason := session.CloseReason{Message: "closed by sidecar"}
		if f.Reason != nil {
			reason = session.CloseReason{Code: f.Reason.Code, Message: f.Reason.Message}
		}
		return session.Event{Kind: session.EventClosed, Reason: reason}, true, nil
	case frameQR:
		return session.Event{Kind: session.EventQR, QR: f.QR}, true, nil
	case frameMessage:
		if f.Message == nil {
			return session.Event{}, false, nil
		}
		kind, err := models.ParsePayloadKind(f.Message.Kind)
		if err != nil {
			return session.Event{}, false, err
		}
		unit := models.InboundUnit{
			ConversationID:    f.Message.From,
			SenderDisplayName: f.Message.PushName,
			Kind:              kind,
			Text:              f.Message.Text,
			Session:           identity,
		}
		if kind.CarriesMedia() {
			unit.Media = f.Message.Media
		}
		if f.Message.Timestamp > 0 {
			unit.ReceivedAt = time.Unix(f.Message.Timestamp, 0).UTC()
		}
		return session.Event{Kind: session.EventMessage, Unit: unit}, true, nil
	default:
		return session.Event{}, false, nil
	}
}
