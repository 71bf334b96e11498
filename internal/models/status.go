package models

import "time"

// Status event constants.
const (
	StatusEventQueued  = "queued"
	StatusEventAttempt = "attempt"
	StatusEventSent    = "sent"
	StatusEventFailed  = "failed"
)

// StatusEvent represents lifecycle events emitted for outbound send commands.
type StatusEvent struct {
	MessageID string    `json:"message_id"`
	Kind      SendKind  `json:"kind"`
	Phone     string    `json:"phone"`
	EventType string    `json:"event_type"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
