package publisher

import (
	"context"
	"strconv"
	"time"

	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
)

// SessionEvents publishes session lifecycle transitions as gateway events.
type SessionEvents struct {
	events *EventPublisher
	now    func() time.Time
}

var _ session.Observer = (*SessionEvents)(nil)

// NewSessionEvents returns an observer publishing through events.
func NewSessionEvents(events *EventPublisher) *SessionEvents {
	return &SessionEvents{events: events, now: time.Now}
}

// SessionOpened implements session.Observer.
func (s *SessionEvents) SessionOpened(identity string) {
	s.publish(models.EventSessionOpened, identity, nil)
}

// SessionClosed implements session.Observer.
func (s *SessionEvents) SessionClosed(identity string, reason session.CloseReason) {
	attrs := map[string]string{
		"reason":     reason.Message,
		"logged_out": strconv.FormatBool(reason.LoggedOut()),
	}
	if reason.Code != nil {
		attrs["code"] = strconv.Itoa(*reason.Code)
	}
	s.publish(models.EventSessionClosed, identity, attrs)
}

// SessionSetupFailed implements session.Observer.
func (s *SessionEvents) SessionSetupFailed(identity string, err error) {
	attrs := map[string]string{"stage": "setup"}
	if err != nil {
		attrs["reason"] = err.Error()
	}
	s.publish(models.EventSessionClosed, identity, attrs)
}

func (s *SessionEvents) publish(eventType, identity string, attrs map[string]string) {
	if s == nil || s.events == nil {
		return
	}
	event := models.GatewayEvent{Type: eventType, Session: identity, Attributes: attrs, Timestamp: s.now().UTC()}
	if err := s.events.PublishEvent(context.Background(), event); err != nil {
		s.events.logger.Warn().
			Str("session", identity).
			Str("event", eventType).
			Err(err).
			Msg("kafka publisher: failed to publish session event")
	}
}
