package models

import "time"

// Gateway event types published on the events topic.
const (
	EventBatchDispatched = "batch.dispatched"
	EventSessionOpened   = "session.opened"
	EventSessionClosed   = "session.closed"
	EventAlertNotified   = "alert.notified"
)

// GatewayEvent is a lifecycle record published for downstream consumers.
type GatewayEvent struct {
	Type           string            `json:"type"`
	Session        string            `json:"session,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// DeliveryOutcome classifies the result of dispatching one batch.
type DeliveryOutcome string

const (
	OutcomeReplied       DeliveryOutcome = "replied"
	OutcomeNoReply       DeliveryOutcome = "no_reply"
	OutcomeMediaAccepted DeliveryOutcome = "media_accepted"
	OutcomeReplyFailed   DeliveryOutcome = "reply_failed"
	OutcomeFailed        DeliveryOutcome = "failed"
)

// DispatchRecord is the journal entry written after each dispatch.
type DispatchRecord struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Session        string          `json:"session"`
	Kind           PayloadKind     `json:"kind"`
	TextLength     int             `json:"text_length"`
	MediaCount     int             `json:"media_count"`
	Outcome        DeliveryOutcome `json:"outcome"`
	ReplyLength    int             `json:"reply_length"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
